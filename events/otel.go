// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/absmach/quorumq/queue/types"
)

var _ Sink = (*OtelSink)(nil)

// OtelSink publishes lifecycle events as OpenTelemetry metrics.
type OtelSink struct {
	meter metric.Meter

	// Counters
	queuesCreated    metric.Int64Counter
	queuesDeleted    metric.Int64Counter
	messagesDeleted  metric.Int64Counter
	consumersCreated metric.Int64Counter
	consumersDeleted metric.Int64Counter

	// UpDownCounters (gauges)
	queuesCurrent    metric.Int64UpDownCounter
	consumersCurrent metric.Int64UpDownCounter

	// Histograms
	messagesReady   metric.Int64Histogram
	messagesUnacked metric.Int64Histogram
}

// NewOtelSink creates a sink with all instruments initialized.
func NewOtelSink() (*OtelSink, error) {
	s := &OtelSink{
		meter: otel.Meter("quorumq"),
	}

	var err error

	s.queuesCreated, err = s.meter.Int64Counter(
		"queue.created.total",
		metric.WithDescription("Total number of queues declared"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queuesCreated counter: %w", err)
	}

	s.queuesDeleted, err = s.meter.Int64Counter(
		"queue.deleted.total",
		metric.WithDescription("Total number of queues deleted"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queuesDeleted counter: %w", err)
	}

	s.messagesDeleted, err = s.meter.Int64Counter(
		"queue.messages.deleted.total",
		metric.WithDescription("Messages dropped along with deleted queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDeleted counter: %w", err)
	}

	s.consumersCreated, err = s.meter.Int64Counter(
		"queue.consumers.created.total",
		metric.WithDescription("Total number of consumer registrations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumersCreated counter: %w", err)
	}

	s.consumersDeleted, err = s.meter.Int64Counter(
		"queue.consumers.deleted.total",
		metric.WithDescription("Total number of consumer cancellations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumersDeleted counter: %w", err)
	}

	s.queuesCurrent, err = s.meter.Int64UpDownCounter(
		"queue.current",
		metric.WithDescription("Current number of declared queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queuesCurrent gauge: %w", err)
	}

	s.consumersCurrent, err = s.meter.Int64UpDownCounter(
		"queue.consumers.current",
		metric.WithDescription("Current number of registered consumers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumersCurrent gauge: %w", err)
	}

	s.messagesReady, err = s.meter.Int64Histogram(
		"queue.messages.ready",
		metric.WithDescription("Ready message count distribution per stats event"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesReady histogram: %w", err)
	}

	s.messagesUnacked, err = s.meter.Int64Histogram(
		"queue.messages.unacked",
		metric.WithDescription("Unacknowledged message count distribution per stats event"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesUnacked histogram: %w", err)
	}

	return s, nil
}

// QueueCreated records a successful declare.
func (s *OtelSink) QueueCreated(ctx context.Context, def types.QueueDefinition) {
	s.queuesCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("vhost", def.Identity.VHost),
	))
	s.queuesCurrent.Add(ctx, 1)
}

// QueueDeleted records a completed delete.
func (s *OtelSink) QueueDeleted(ctx context.Context, def types.QueueDefinition, messageCount int) {
	s.queuesDeleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("vhost", def.Identity.VHost),
	))
	s.messagesDeleted.Add(ctx, int64(messageCount))
	s.queuesCurrent.Add(ctx, -1)
}

// QueueStats records point-in-time queue occupancy.
func (s *OtelSink) QueueStats(ctx context.Context, identity types.QueueIdentity, ready, unacked, consumers int) {
	attrs := metric.WithAttributes(
		attribute.String("vhost", identity.VHost),
		attribute.String("queue", identity.Name),
	)
	s.messagesReady.Record(ctx, int64(ready), attrs)
	s.messagesUnacked.Record(ctx, int64(unacked), attrs)
}

// ConsumerCreated records a new checkout registration.
func (s *OtelSink) ConsumerCreated(ctx context.Context, identity types.QueueIdentity, tag string) {
	s.consumersCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", identity.Name),
	))
	s.consumersCurrent.Add(ctx, 1)
}

// ConsumerDeleted records a checkout cancellation.
func (s *OtelSink) ConsumerDeleted(ctx context.Context, identity types.QueueIdentity, tag string) {
	s.consumersDeleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", identity.Name),
	))
	s.consumersCurrent.Add(ctx, -1)
}
