// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

// Message is the payload plus producer-attached properties carried through
// the replicated log.
type Message struct {
	Payload    []byte            `json:"payload"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Delivery is one message handed to a consumer. MessageID is assigned by
// the state machine, monotonically per checkout relationship, and is the
// unit of settlement.
type Delivery struct {
	Queue       QueueIdentity `json:"queue"`
	ConsumerTag string        `json:"consumer_tag"`
	MessageID   uint64        `json:"message_id"`
	Redelivered bool          `json:"redelivered"`
	Message     Message       `json:"message"`
}

// DeadLetterReason classifies why a message was dead-lettered.
type DeadLetterReason string

const (
	ReasonRejected DeadLetterReason = "rejected"
	ReasonExpired  DeadLetterReason = "expired"
)

// DeadLetteredMessage pairs a message with the reason it left the queue.
type DeadLetteredMessage struct {
	Message Message          `json:"message"`
	Reason  DeadLetterReason `json:"reason"`
}

// DeadLetterTarget is the resolved destination for dead-lettered messages.
// A target with no exchange means dead-lettering is not configured and
// messages are dropped.
type DeadLetterTarget struct {
	VHost      string `json:"vhost"`
	Exchange   string `json:"exchange,omitempty"`
	RoutingKey string `json:"routing_key,omitempty"`
}

// Configured reports whether the target routes anywhere.
func (t DeadLetterTarget) Configured() bool {
	return t.Exchange != ""
}
