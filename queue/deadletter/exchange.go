// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package deadletter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/quorumq/queue/types"
)

// Publisher appends a message to a named queue.
type Publisher interface {
	Publish(ctx context.Context, vhost, name string, msg types.Message) error
}

// LocalExchange interprets the resolved target as a direct exchange: the
// routing key names the destination queue within the target vhost.
type LocalExchange struct {
	pub    Publisher
	logger *slog.Logger
}

// NewLocalExchange creates an exchange backed by local queue publishing.
func NewLocalExchange(pub Publisher, logger *slog.Logger) *LocalExchange {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalExchange{pub: pub, logger: logger}
}

// Publish forwards dead-lettered messages to the destination queue,
// annotating each with the reason and originating exchange.
func (e *LocalExchange) Publish(ctx context.Context, target types.DeadLetterTarget, msgs []types.DeadLetteredMessage) error {
	if target.RoutingKey == "" {
		e.logger.Warn("dead-letter target has no routing key, dropping",
			slog.String("exchange", target.Exchange),
			slog.Int("count", len(msgs)))
		return nil
	}

	var firstErr error
	for _, dl := range msgs {
		msg := dl.Message
		props := make(map[string]string, len(msg.Properties)+2)
		for k, v := range msg.Properties {
			props[k] = v
		}
		props["x-death-reason"] = string(dl.Reason)
		props["x-death-exchange"] = target.Exchange
		msg.Properties = props

		if err := e.pub.Publish(ctx, target.VHost, target.RoutingKey, msg); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("publish to %s/%s: %w", target.VHost, target.RoutingKey, err)
			}
		}
	}
	return firstErr
}
