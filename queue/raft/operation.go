// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"github.com/absmach/quorumq/queue/types"
)

// OpType represents the type of command in the replicated log.
type OpType uint8

const (
	OpEnqueue OpType = iota
	OpCheckout
	OpCancelCheckout
	OpSettle
	OpReturn
	OpDiscard
	OpDequeue
	OpPurge
	OpSessionDown
)

// Operation is a queue command replicated through the log. Every replica
// decodes and applies the same sequence of operations; anything the apply
// step needs must be carried here, never taken from the local environment.
type Operation struct {
	Type OpType `json:"type"`

	SessionID   string `json:"session_id,omitempty"`
	ConsumerTag string `json:"consumer_tag,omitempty"`

	// For OpEnqueue. SeqNo correlates the confirm; Confirm false means
	// fire-and-forget.
	Message *types.Message `json:"message,omitempty"`
	SeqNo   uint64         `json:"seq_no,omitempty"`
	Confirm bool           `json:"confirm,omitempty"`

	// For OpCheckout.
	Prefetch int `json:"prefetch,omitempty"`

	// For OpSettle, OpReturn, OpDiscard.
	MessageIDs []uint64 `json:"message_ids,omitempty"`

	// For OpDequeue. AutoSettle true means the fetched message is
	// acknowledged on fetch.
	AutoSettle bool `json:"auto_settle,omitempty"`
}

// Confirm notifies a session that a confirmed enqueue was applied.
type Confirm struct {
	SessionID string
	SeqNo     uint64
}

// DeliveryEffect routes one delivery to the session owning the checkout.
type DeliveryEffect struct {
	SessionID string
	Delivery  types.Delivery
}

// DequeueResult answers a single OpDequeue. Empty means no message was
// available, which is a normal outcome rather than an error.
type DequeueResult struct {
	SessionID string
	Empty     bool
	Delivery  types.Delivery
}

// Effects are the leader-visible outcomes of applying one operation.
type Effects struct {
	Confirms    []Confirm
	Deliveries  []DeliveryEffect
	DeadLetters []types.DeadLetteredMessage
	Dequeue     *DequeueResult
}

func (e *Effects) empty() bool {
	return e == nil || (len(e.Confirms) == 0 && len(e.Deliveries) == 0 &&
		len(e.DeadLetters) == 0 && e.Dequeue == nil)
}

// ApplyResult is what FSM.Apply hands back through the raft apply future.
// Only the leader observes it.
type ApplyResult struct {
	Effects *Effects
	Count   int // purge count
	Err     error
}

// Counts is a point-in-time view of machine occupancy.
type Counts struct {
	Ready     int
	Unacked   int
	Consumers int
}
