// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events defines the fire-and-forget lifecycle event sink.
// Delivery is best-effort; no component blocks on or reads back from it.
package events

import (
	"context"

	"github.com/absmach/quorumq/queue/types"
)

// Sink receives queue lifecycle notifications.
type Sink interface {
	// QueueCreated reports a successful declare.
	QueueCreated(ctx context.Context, def types.QueueDefinition)

	// QueueDeleted reports a completed delete with the number of
	// messages dropped with the queue.
	QueueDeleted(ctx context.Context, def types.QueueDefinition, messageCount int)

	// QueueStats reports point-in-time queue occupancy.
	QueueStats(ctx context.Context, identity types.QueueIdentity, ready, unacked, consumers int)

	// ConsumerCreated reports a new checkout registration.
	ConsumerCreated(ctx context.Context, identity types.QueueIdentity, tag string)

	// ConsumerDeleted reports a checkout cancellation.
	ConsumerDeleted(ctx context.Context, identity types.QueueIdentity, tag string)
}

// Noop discards all events.
type Noop struct{}

var _ Sink = Noop{}

func (Noop) QueueCreated(context.Context, types.QueueDefinition)             {}
func (Noop) QueueDeleted(context.Context, types.QueueDefinition, int)        {}
func (Noop) QueueStats(context.Context, types.QueueIdentity, int, int, int)  {}
func (Noop) ConsumerCreated(context.Context, types.QueueIdentity, string)    {}
func (Noop) ConsumerDeleted(context.Context, types.QueueIdentity, string)    {}
