// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session implements the client-side session protocol against one
// replicated queue: sequence-numbered enqueue confirms, prefetch-credited
// checkouts, settlement, and the applied-event half that turns replicated
// log results into user-visible notifications.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/absmach/quorumq/queue/raft"
	"github.com/absmach/quorumq/queue/types"
)

// Session errors.
var (
	ErrDuplicateConsumer = errors.New("consumer tag already registered")
	ErrUnknownConsumer   = errors.New("consumer tag not registered")
	ErrSessionClosed     = errors.New("session closed")
)

// prefetchCeiling bounds a prefetch of zero ("unlimited") to a fixed
// credit so unacknowledged deliveries cannot grow without bound.
const prefetchCeiling = 2048

// appendBacklog bounds queued asynchronous commands; producers block once
// it fills until the append loop drains.
const appendBacklog = 256

// Log is the session's view of its queue's local replicated group member.
type Log interface {
	Append(ctx context.Context, op *raft.Operation) (*raft.ApplyResult, error)
	Subscribe() (<-chan raft.Event, func())
}

// Notification is one user-visible outcome surfaced by HandleApplied.
type Notification struct {
	// Confirms lists enqueue sequence numbers applied by the group, in
	// non-decreasing order.
	Confirms []uint64

	// Delivery is one pushed message for a registered checkout.
	Delivery *types.Delivery

	// Resync means the group restarted or changed leader: outcomes of
	// in-flight commands are ambiguous and unsettled deliveries may be
	// seen again.
	Resync bool
}

// Options configures a session.
type Options struct {
	// SoftLimit bounds outstanding unconfirmed enqueues before OnBlock
	// fires. Zero means 256.
	SoftLimit int

	// OnBlock and OnUnblock are the only coupling to the surrounding
	// flow-control subsystem. Either may be nil.
	OnBlock   func()
	OnUnblock func()

	// OnCheckout and OnCancel observe consumer registrations, feeding
	// the lifecycle event sink. Either may be nil.
	OnCheckout func(tag string)
	OnCancel   func(tag string)

	Logger *slog.Logger
}

// Session tracks one logical connection's protocol state: pending confirm
// correlations, checkout registrations and flow-control signalling. A
// session is owned by a single connection process and is never shared.
type Session struct {
	id     string
	queue  types.QueueIdentity
	log    Log
	logger *slog.Logger

	softLimit  int
	onBlock    func()
	onUnblock  func()
	onCheckout func(tag string)
	onCancel   func(tag string)

	mu        sync.Mutex
	nextSeq   uint64
	pending   map[uint64]struct{}
	blocked   bool
	checkouts map[string]int // tag -> effective prefetch
	closed    bool

	events  <-chan raft.Event
	cancel  func()
	notifCh chan Notification
	wg      sync.WaitGroup

	appendCh chan appendReq
	appendWG sync.WaitGroup
}

// appendReq is one asynchronous command queued for the append loop.
type appendReq struct {
	ctx  context.Context
	op   *raft.Operation
	kind string
}

// Open establishes a session against one local group member.
func Open(queue types.QueueIdentity, log Log, opts Options) *Session {
	if opts.SoftLimit <= 0 {
		opts.SoftLimit = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Session{
		id:         uuid.NewString(),
		queue:      queue,
		log:        log,
		logger:     opts.Logger,
		softLimit:  opts.SoftLimit,
		onBlock:    opts.OnBlock,
		onUnblock:  opts.OnUnblock,
		onCheckout: opts.OnCheckout,
		onCancel:   opts.OnCancel,
		pending:    make(map[uint64]struct{}),
		checkouts:  make(map[string]int),
		notifCh:    make(chan Notification, 128),
		appendCh:   make(chan appendReq, appendBacklog),
	}

	s.events, s.cancel = log.Subscribe()
	s.wg.Add(1)
	go s.eventLoop()
	s.appendWG.Add(1)
	go s.appendLoop()

	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Notifications is the stream of confirms, deliveries and resync signals
// produced by applied-event processing.
func (s *Session) Notifications() <-chan Notification {
	return s.notifCh
}

// Enqueue appends a message. With confirm, a strictly increasing sequence
// number is assigned and returned; the caller observes the confirm later
// through Notifications. Without confirm the command is fire-and-forget
// and the returned sequence number is zero.
func (s *Session) Enqueue(ctx context.Context, msg types.Message, confirm bool) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSessionClosed
	}

	var seq uint64
	if confirm {
		s.nextSeq++
		seq = s.nextSeq
		s.pending[seq] = struct{}{}
		if !s.blocked && len(s.pending) >= s.softLimit {
			s.blocked = true
			if s.onBlock != nil {
				s.onBlock()
			}
		}
	}

	op := &raft.Operation{
		Type:      raft.OpEnqueue,
		SessionID: s.id,
		Message:   &msg,
		SeqNo:     seq,
		Confirm:   confirm,
	}

	// Queued under the lock so log order matches sequence order.
	s.appendCh <- appendReq{ctx: ctx, op: op, kind: "enqueue"}
	return seq, nil
}

// Checkout registers a consumer with a delivery credit limit. A prefetch
// of zero is mapped to a fixed large ceiling rather than true infinity.
func (s *Session) Checkout(ctx context.Context, tag string, prefetch int) error {
	if tag == "" {
		return errors.New("consumer tag must not be empty")
	}
	if prefetch <= 0 || prefetch > prefetchCeiling {
		prefetch = prefetchCeiling
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if _, ok := s.checkouts[tag]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateConsumer, tag)
	}
	s.checkouts[tag] = prefetch
	s.mu.Unlock()

	_, err := s.log.Append(ctx, &raft.Operation{
		Type:        raft.OpCheckout,
		SessionID:   s.id,
		ConsumerTag: tag,
		Prefetch:    prefetch,
	})
	if err != nil {
		s.mu.Lock()
		delete(s.checkouts, tag)
		s.mu.Unlock()
		return err
	}

	if s.onCheckout != nil {
		s.onCheckout(tag)
	}
	return nil
}

// CancelCheckout deregisters a consumer. Deliveries already in flight
// remain owned by the consumer until settled or the session closes.
func (s *Session) CancelCheckout(ctx context.Context, tag string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if _, ok := s.checkouts[tag]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConsumer, tag)
	}
	delete(s.checkouts, tag)
	s.mu.Unlock()

	_, err := s.log.Append(ctx, &raft.Operation{
		Type:        raft.OpCancelCheckout,
		SessionID:   s.id,
		ConsumerTag: tag,
	})

	if s.onCancel != nil {
		s.onCancel(tag)
	}
	return err
}

// Dequeue fetches a single message outside checkout-based delivery.
// A nil delivery with nil error means the queue was empty. With
// autoSettle the message is acknowledged on fetch; otherwise the caller
// must settle, return or discard it under the same consumer tag.
func (s *Session) Dequeue(ctx context.Context, tag string, autoSettle bool) (*types.Delivery, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.mu.Unlock()

	res, err := s.log.Append(ctx, &raft.Operation{
		Type:        raft.OpDequeue,
		SessionID:   s.id,
		ConsumerTag: tag,
		AutoSettle:  autoSettle,
	})
	if err != nil {
		return nil, err
	}
	if res.Effects == nil || res.Effects.Dequeue == nil || res.Effects.Dequeue.Empty {
		return nil, nil
	}

	d := res.Effects.Dequeue.Delivery
	return &d, nil
}

// Settle positively acknowledges deliveries, removing them permanently.
// Settling an already-settled message id is a no-op.
func (s *Session) Settle(ctx context.Context, tag string, ids []uint64) error {
	return s.ack(ctx, raft.OpSettle, tag, ids)
}

// Return negatively acknowledges deliveries, requeueing them for
// redelivery with the redelivered marker set.
func (s *Session) Return(ctx context.Context, tag string, ids []uint64) error {
	return s.ack(ctx, raft.OpReturn, tag, ids)
}

// Discard negatively acknowledges deliveries, removing them permanently
// and routing them to the dead-letter target when one is configured.
func (s *Session) Discard(ctx context.Context, tag string, ids []uint64) error {
	return s.ack(ctx, raft.OpDiscard, tag, ids)
}

func (s *Session) ack(ctx context.Context, op raft.OpType, tag string, ids []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	if len(ids) == 0 {
		return nil
	}

	s.appendCh <- appendReq{
		ctx: ctx,
		op: &raft.Operation{
			Type:        op,
			SessionID:   s.id,
			ConsumerTag: tag,
			MessageIDs:  ids,
		},
		kind: "settlement",
	}
	return nil
}

// HandleApplied processes one applied-log event and returns the
// notifications it produces for this session. It is also driven
// internally from the group subscription.
func (s *Session) HandleApplied(ev raft.Event) []Notification {
	var out []Notification

	if ev.Resync {
		s.mu.Lock()
		// Outcomes of everything in flight are ambiguous; drop the
		// correlation state and release backpressure so the owner can
		// re-synchronize and republish.
		s.pending = make(map[uint64]struct{})
		wasBlocked := s.blocked
		s.blocked = false
		s.mu.Unlock()

		if wasBlocked && s.onUnblock != nil {
			s.onUnblock()
		}
		return append(out, Notification{Resync: true})
	}

	if ev.Effects == nil {
		return out
	}

	var confirms []uint64
	s.mu.Lock()
	for _, c := range ev.Effects.Confirms {
		if c.SessionID != s.id {
			continue
		}
		if _, ok := s.pending[c.SeqNo]; !ok {
			continue
		}
		delete(s.pending, c.SeqNo)
		confirms = append(confirms, c.SeqNo)
	}
	shouldUnblock := s.blocked && len(s.pending) < s.softLimit
	if shouldUnblock {
		s.blocked = false
	}
	s.mu.Unlock()

	if shouldUnblock && s.onUnblock != nil {
		s.onUnblock()
	}
	if len(confirms) > 0 {
		out = append(out, Notification{Confirms: confirms})
	}

	for _, d := range ev.Effects.Deliveries {
		if d.SessionID != s.id {
			continue
		}
		delivery := d.Delivery
		out = append(out, Notification{Delivery: &delivery})
	}

	return out
}

func (s *Session) eventLoop() {
	defer s.wg.Done()

	for ev := range s.events {
		for _, n := range s.HandleApplied(ev) {
			select {
			case s.notifCh <- n:
			default:
				s.logger.Warn("dropping session notification, owner backlogged",
					slog.String("session", s.id),
					slog.String("queue", s.queue.Name))
			}
		}
	}
}

// Close tears down the session. Checkouts it held are cancelled in the
// state machine and their unsettled deliveries requeued for redelivery.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.appendCh)
	s.mu.Unlock()

	// Drain queued commands before the session-down marker so it lands
	// after everything the session submitted.
	s.appendWG.Wait()

	_, err := s.log.Append(ctx, &raft.Operation{
		Type:      raft.OpSessionDown,
		SessionID: s.id,
	})

	s.cancel()
	s.wg.Wait()
	close(s.notifCh)

	return err
}

// appendLoop is the single writer for asynchronous commands, so they
// reach the replicated log in submission order.
func (s *Session) appendLoop() {
	defer s.appendWG.Done()

	for req := range s.appendCh {
		if _, err := s.log.Append(req.ctx, req.op); err != nil {
			// The command may or may not have been committed; the
			// contract is at-least-once, resolved when the owner
			// resynchronizes.
			s.logger.Warn("async append failed",
				slog.String("session", s.id),
				slog.String("queue", s.queue.Name),
				slog.String("kind", req.kind),
				slog.String("error", err.Error()))
		}
	}
}
