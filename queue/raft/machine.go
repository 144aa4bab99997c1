// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"fmt"

	"github.com/absmach/quorumq/queue/types"
)

// Machine is the deterministic FIFO queue state machine. Apply is a pure
// function of (state, operation): it must never read the clock, node
// identity or anything else that differs across replicas, so that every
// member reaches bit-identical state from the same command sequence.
type Machine struct {
	identity types.QueueIdentity

	queue    []*msgEntry // main FIFO, append at the back
	returned []*msgEntry // re-enqueued messages, served before queue
	nextRaw  uint64

	checkouts map[string]*checkout
	order     []string // checkout keys in registration order
	rr        int      // round-robin cursor into order
}

// msgEntry is one queued message with its delivery history.
type msgEntry struct {
	Raw        uint64        `json:"raw"`
	Message    types.Message `json:"message"`
	Deliveries int           `json:"deliveries"`
}

// checkout tracks one consumer registration: remaining credit, the next
// message id to assign and the unacknowledged set.
type checkout struct {
	SessionID   string               `json:"session_id"`
	Tag         string               `json:"tag"`
	Prefetch    int                  `json:"prefetch"`
	Credit      int                  `json:"credit"`
	NextMsgID   uint64               `json:"next_msg_id"`
	Unacked     map[uint64]*msgEntry `json:"unacked"`
	Cancelled   bool                 `json:"cancelled"`
	DequeueOnly bool                 `json:"dequeue_only"`
}

func checkoutKey(sessionID, tag string) string {
	return sessionID + "\x00" + tag
}

// NewMachine creates an empty machine for the given queue.
func NewMachine(identity types.QueueIdentity) *Machine {
	return &Machine{
		identity:  identity,
		checkouts: make(map[string]*checkout),
	}
}

// Apply applies one operation and returns its effects.
func (m *Machine) Apply(op *Operation) *ApplyResult {
	switch op.Type {
	case OpEnqueue:
		return m.applyEnqueue(op)
	case OpCheckout:
		return m.applyCheckout(op)
	case OpCancelCheckout:
		return m.applyCancelCheckout(op)
	case OpSettle:
		return m.applySettle(op)
	case OpReturn:
		return m.applyReturn(op)
	case OpDiscard:
		return m.applyDiscard(op)
	case OpDequeue:
		return m.applyDequeue(op)
	case OpPurge:
		return m.applyPurge()
	case OpSessionDown:
		return m.applySessionDown(op)
	default:
		return &ApplyResult{Err: fmt.Errorf("unknown operation type: %d", op.Type)}
	}
}

func (m *Machine) applyEnqueue(op *Operation) *ApplyResult {
	if op.Message == nil {
		return &ApplyResult{Err: fmt.Errorf("nil message in enqueue operation")}
	}

	m.queue = append(m.queue, &msgEntry{
		Raw:     m.nextRaw,
		Message: *op.Message,
	})
	m.nextRaw++

	eff := &Effects{}
	if op.Confirm {
		eff.Confirms = append(eff.Confirms, Confirm{SessionID: op.SessionID, SeqNo: op.SeqNo})
	}
	m.service(eff)

	return &ApplyResult{Effects: eff}
}

func (m *Machine) applyCheckout(op *Operation) *ApplyResult {
	key := checkoutKey(op.SessionID, op.ConsumerTag)

	co, ok := m.checkouts[key]
	if !ok {
		co = &checkout{
			SessionID: op.SessionID,
			Tag:       op.ConsumerTag,
			Unacked:   make(map[uint64]*msgEntry),
		}
		m.checkouts[key] = co
		m.order = append(m.order, key)
	}
	co.Prefetch = op.Prefetch
	co.Credit = op.Prefetch - len(co.Unacked)
	if co.Credit < 0 {
		co.Credit = 0
	}
	co.Cancelled = false
	co.DequeueOnly = false

	eff := &Effects{}
	m.service(eff)
	return &ApplyResult{Effects: eff}
}

func (m *Machine) applyCancelCheckout(op *Operation) *ApplyResult {
	key := checkoutKey(op.SessionID, op.ConsumerTag)
	co, ok := m.checkouts[key]
	if !ok {
		return &ApplyResult{Effects: &Effects{}}
	}

	// Undelivered credit is released; in-flight deliveries remain owned
	// by the consumer until settled or the session goes away.
	co.Credit = 0
	co.Cancelled = true
	if len(co.Unacked) == 0 {
		m.removeCheckout(key)
	}

	return &ApplyResult{Effects: &Effects{}}
}

func (m *Machine) applySettle(op *Operation) *ApplyResult {
	key := checkoutKey(op.SessionID, op.ConsumerTag)
	co, ok := m.checkouts[key]
	if !ok {
		// Unknown checkout: settling an already-settled message is a
		// no-op, never an error.
		return &ApplyResult{Effects: &Effects{}}
	}

	for _, id := range op.MessageIDs {
		if _, ok := co.Unacked[id]; !ok {
			continue
		}
		delete(co.Unacked, id)
		m.restoreCredit(co)
	}
	m.reapCancelled(key, co)

	eff := &Effects{}
	m.service(eff)
	return &ApplyResult{Effects: eff}
}

func (m *Machine) applyReturn(op *Operation) *ApplyResult {
	key := checkoutKey(op.SessionID, op.ConsumerTag)
	co, ok := m.checkouts[key]
	if !ok {
		return &ApplyResult{Effects: &Effects{}}
	}

	for _, id := range op.MessageIDs {
		entry, ok := co.Unacked[id]
		if !ok {
			continue
		}
		delete(co.Unacked, id)
		m.restoreCredit(co)
		m.requeue(entry)
	}
	m.reapCancelled(key, co)

	eff := &Effects{}
	m.service(eff)
	return &ApplyResult{Effects: eff}
}

func (m *Machine) applyDiscard(op *Operation) *ApplyResult {
	key := checkoutKey(op.SessionID, op.ConsumerTag)
	co, ok := m.checkouts[key]
	if !ok {
		return &ApplyResult{Effects: &Effects{}}
	}

	eff := &Effects{}
	for _, id := range op.MessageIDs {
		entry, ok := co.Unacked[id]
		if !ok {
			continue
		}
		delete(co.Unacked, id)
		m.restoreCredit(co)
		eff.DeadLetters = append(eff.DeadLetters, types.DeadLetteredMessage{
			Message: entry.Message,
			Reason:  types.ReasonRejected,
		})
	}
	m.reapCancelled(key, co)

	m.service(eff)
	return &ApplyResult{Effects: eff}
}

func (m *Machine) applyDequeue(op *Operation) *ApplyResult {
	entry := m.pop()
	if entry == nil {
		return &ApplyResult{Effects: &Effects{
			Dequeue: &DequeueResult{SessionID: op.SessionID, Empty: true},
		}}
	}

	key := checkoutKey(op.SessionID, op.ConsumerTag)
	co, ok := m.checkouts[key]
	if !ok {
		co = &checkout{
			SessionID:   op.SessionID,
			Tag:         op.ConsumerTag,
			Unacked:     make(map[uint64]*msgEntry),
			DequeueOnly: true,
		}
		m.checkouts[key] = co
	}

	id := co.NextMsgID
	co.NextMsgID++

	redelivered := entry.Deliveries > 0
	entry.Deliveries++

	if !op.AutoSettle {
		co.Unacked[id] = entry
	} else if co.DequeueOnly && len(co.Unacked) == 0 {
		m.removeCheckout(key)
	}

	return &ApplyResult{Effects: &Effects{
		Dequeue: &DequeueResult{
			SessionID: op.SessionID,
			Delivery: types.Delivery{
				Queue:       m.identity,
				ConsumerTag: op.ConsumerTag,
				MessageID:   id,
				Redelivered: redelivered,
				Message:     entry.Message,
			},
		},
	}}
}

func (m *Machine) applyPurge() *ApplyResult {
	count := len(m.queue) + len(m.returned)
	m.queue = nil
	m.returned = nil
	return &ApplyResult{Effects: &Effects{}, Count: count}
}

// applySessionDown cancels every checkout owned by a vanished session and
// requeues its unacknowledged messages for redelivery.
func (m *Machine) applySessionDown(op *Operation) *ApplyResult {
	for key, co := range m.checkouts {
		if co.SessionID != op.SessionID {
			continue
		}
		for _, entry := range co.Unacked {
			m.requeue(entry)
		}
		m.removeCheckout(key)
	}

	eff := &Effects{}
	m.service(eff)
	return &ApplyResult{Effects: eff}
}

// service hands queued messages to checkouts with available credit,
// round-robin in registration order.
func (m *Machine) service(eff *Effects) {
	for m.ready() > 0 {
		co := m.nextEligible()
		if co == nil {
			return
		}

		entry := m.pop()
		id := co.NextMsgID
		co.NextMsgID++
		co.Credit--
		co.Unacked[id] = entry

		redelivered := entry.Deliveries > 0
		entry.Deliveries++

		eff.Deliveries = append(eff.Deliveries, DeliveryEffect{
			SessionID: co.SessionID,
			Delivery: types.Delivery{
				Queue:       m.identity,
				ConsumerTag: co.Tag,
				MessageID:   id,
				Redelivered: redelivered,
				Message:     entry.Message,
			},
		})
	}
}

// nextEligible picks the next checkout with credit, advancing the
// round-robin cursor. Returns nil when no checkout can take a message.
func (m *Machine) nextEligible() *checkout {
	n := len(m.order)
	for i := 0; i < n; i++ {
		key := m.order[(m.rr+i)%n]
		co := m.checkouts[key]
		if co == nil || co.Cancelled || co.DequeueOnly || co.Credit <= 0 {
			continue
		}
		m.rr = (m.rr + i + 1) % n
		return co
	}
	return nil
}

func (m *Machine) ready() int {
	return len(m.queue) + len(m.returned)
}

// pop removes the next message in delivery order: returned messages first,
// then the main queue.
func (m *Machine) pop() *msgEntry {
	if len(m.returned) > 0 {
		e := m.returned[0]
		m.returned = m.returned[1:]
		return e
	}
	if len(m.queue) > 0 {
		e := m.queue[0]
		m.queue = m.queue[1:]
		return e
	}
	return nil
}

// requeue puts a message back for redelivery, keeping the returned set in
// original FIFO order.
func (m *Machine) requeue(entry *msgEntry) {
	i := len(m.returned)
	for i > 0 && m.returned[i-1].Raw > entry.Raw {
		i--
	}
	m.returned = append(m.returned, nil)
	copy(m.returned[i+1:], m.returned[i:])
	m.returned[i] = entry
}

func (m *Machine) restoreCredit(co *checkout) {
	if co.Cancelled || co.DequeueOnly {
		return
	}
	if co.Credit < co.Prefetch-len(co.Unacked) {
		co.Credit++
	}
}

// reapCancelled drops a cancelled checkout once its last unacked message
// is settled.
func (m *Machine) reapCancelled(key string, co *checkout) {
	if (co.Cancelled || co.DequeueOnly) && len(co.Unacked) == 0 {
		m.removeCheckout(key)
	}
}

func (m *Machine) removeCheckout(key string) {
	delete(m.checkouts, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			if m.rr > i {
				m.rr--
			}
			if len(m.order) > 0 {
				m.rr %= len(m.order)
			} else {
				m.rr = 0
			}
			return
		}
	}
}

// machineState is the serializable snapshot form of a Machine.
type machineState struct {
	Identity  types.QueueIdentity  `json:"identity"`
	Queue     []*msgEntry          `json:"queue"`
	Returned  []*msgEntry          `json:"returned"`
	NextRaw   uint64               `json:"next_raw"`
	Checkouts map[string]*checkout `json:"checkouts"`
	Order     []string             `json:"order"`
	RR        int                  `json:"rr"`
}

func (m *Machine) snapshotState() *machineState {
	return &machineState{
		Identity:  m.identity,
		Queue:     m.queue,
		Returned:  m.returned,
		NextRaw:   m.nextRaw,
		Checkouts: m.checkouts,
		Order:     m.order,
		RR:        m.rr,
	}
}

func (m *Machine) restoreState(st *machineState) {
	m.identity = st.Identity
	m.queue = st.Queue
	m.returned = st.Returned
	m.nextRaw = st.NextRaw
	m.checkouts = st.Checkouts
	m.order = st.Order
	m.rr = st.RR
	if m.checkouts == nil {
		m.checkouts = make(map[string]*checkout)
	}
}

// Counts returns current occupancy, used by introspection on the leader.
func (m *Machine) Counts() Counts {
	unacked := 0
	consumers := 0
	for _, co := range m.checkouts {
		unacked += len(co.Unacked)
		if !co.DequeueOnly && !co.Cancelled {
			consumers++
		}
	}
	return Counts{
		Ready:     m.ready(),
		Unacked:   unacked,
		Consumers: consumers,
	}
}
