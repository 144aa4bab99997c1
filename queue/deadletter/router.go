// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package deadletter resolves where rejected and expired messages go and
// forwards them there. Resolution is a two-source lookup: an active
// policy is primary, the queue's static declare arguments the fallback.
package deadletter

import (
	"context"
	"log/slog"

	"github.com/absmach/quorumq/queue/types"
)

// Declare-argument and policy keys for dead-letter configuration.
const (
	ArgExchange   = "x-dead-letter-exchange"
	ArgRoutingKey = "x-dead-letter-routing-key"

	PolicyExchange   = "dead-letter-exchange"
	PolicyRoutingKey = "dead-letter-routing-key"
)

// PolicySource provides the effective policy for a queue, or nil when no
// policy matches.
type PolicySource interface {
	Effective(ctx context.Context, identity types.QueueIdentity) (*types.Policy, error)
}

// Exchange forwards dead-lettered messages to their resolved destination.
type Exchange interface {
	Publish(ctx context.Context, target types.DeadLetterTarget, msgs []types.DeadLetteredMessage) error
}

// ResolveTarget computes the dead-letter destination for a queue from
// its policy and declare arguments. Exchange and routing key resolve
// independently: for each, the policy value wins when present and the
// argument applies otherwise.
func ResolveTarget(identity types.QueueIdentity, policy *types.Policy) types.DeadLetterTarget {
	target := types.DeadLetterTarget{VHost: identity.VHost}

	if v, ok := policy.StringValue(PolicyExchange); ok {
		target.Exchange = v
	} else if v, ok := identity.StringArgument(ArgExchange); ok {
		target.Exchange = v
	}

	if v, ok := policy.StringValue(PolicyRoutingKey); ok {
		target.RoutingKey = v
	} else if v, ok := identity.StringArgument(ArgRoutingKey); ok {
		target.RoutingKey = v
	}

	return target
}

// Router forwards dead-lettered messages for all local queues.
type Router struct {
	policies PolicySource
	exchange Exchange
	logger   *slog.Logger
}

// NewRouter creates a dead-letter router. policies may be nil when no
// policy layer is configured.
func NewRouter(policies PolicySource, exchange Exchange, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		policies: policies,
		exchange: exchange,
		logger:   logger,
	}
}

// Resolve returns the current dead-letter target for a queue,
// recomputed from the live policy on every call.
func (r *Router) Resolve(ctx context.Context, identity types.QueueIdentity) types.DeadLetterTarget {
	var policy *types.Policy
	if r.policies != nil {
		p, err := r.policies.Effective(ctx, identity)
		if err != nil {
			r.logger.Warn("policy lookup failed, falling back to declare arguments",
				slog.String("queue", identity.Key()),
				slog.String("error", err.Error()))
		} else {
			policy = p
		}
	}

	return ResolveTarget(identity, policy)
}

// Route resolves the target and forwards msgs there. A queue with no
// dead-letter exchange configured drops the messages; that is the
// documented behavior, not an error.
func (r *Router) Route(ctx context.Context, identity types.QueueIdentity, msgs []types.DeadLetteredMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	target := r.Resolve(ctx, identity)
	if !target.Configured() {
		r.logger.Debug("no dead-letter exchange configured, dropping",
			slog.String("queue", identity.Key()),
			slog.Int("count", len(msgs)))
		return nil
	}

	if err := r.exchange.Publish(ctx, target, msgs); err != nil {
		r.logger.Error("dead-letter publish failed",
			slog.String("queue", identity.Key()),
			slog.String("exchange", target.Exchange),
			slog.String("error", err.Error()))
		return err
	}

	return nil
}
