// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/quorumq/queue/raft"
	"github.com/absmach/quorumq/queue/types"
)

// fakeLog records appended operations and lets tests inject events.
type fakeLog struct {
	mu     sync.Mutex
	ops    []*raft.Operation
	err    error
	result *raft.ApplyResult

	// delay, when set, runs before an append is recorded.
	delay func(op *raft.Operation)

	events chan raft.Event
}

func newFakeLog() *fakeLog {
	return &fakeLog{events: make(chan raft.Event, 16)}
}

func (f *fakeLog) Append(_ context.Context, op *raft.Operation) (*raft.ApplyResult, error) {
	if f.delay != nil {
		f.delay(op)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.ops = append(f.ops, op)
	if f.result != nil {
		return f.result, nil
	}
	return &raft.ApplyResult{Effects: &raft.Effects{}}, nil
}

func (f *fakeLog) Subscribe() (<-chan raft.Event, func()) {
	return f.events, func() { close(f.events) }
}

func (f *fakeLog) appended() []*raft.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*raft.Operation, len(f.ops))
	copy(out, f.ops)
	return out
}

// waitOps blocks until the fake has seen n appends or the deadline passes.
func (f *fakeLog) waitOps(t *testing.T, n int) []*raft.Operation {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ops := f.appended()
		if len(ops) >= n {
			return ops
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d appended operations", n)
	return nil
}

func testQueue() types.QueueIdentity {
	return types.QueueIdentity{VHost: "/", Name: "orders", Durable: true}
}

func TestSession_EnqueueSeqNosStrictlyIncrease(t *testing.T) {
	log := newFakeLog()
	s := Open(testQueue(), log, Options{})
	defer s.Close(context.Background())

	var seqs []uint64
	for i := 0; i < 5; i++ {
		seq, err := s.Enqueue(context.Background(), types.Message{Payload: []byte("m")}, true)
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}

	ops := log.waitOps(t, 5)
	for _, op := range ops {
		assert.Equal(t, raft.OpEnqueue, op.Type)
		assert.Equal(t, s.ID(), op.SessionID)
		assert.True(t, op.Confirm)
	}
}

func TestSession_ConfirmOrderUnderLaggedAppend(t *testing.T) {
	log := newFakeLog()
	log.delay = func(op *raft.Operation) {
		if op.SeqNo == 1 {
			time.Sleep(100 * time.Millisecond)
		}
	}
	s := Open(testQueue(), log, Options{})
	defer s.Close(context.Background())

	for i := 0; i < 2; i++ {
		_, err := s.Enqueue(context.Background(), types.Message{Payload: []byte("m")}, true)
		require.NoError(t, err)
	}

	ops := log.waitOps(t, 2)
	require.Equal(t, uint64(1), ops[0].SeqNo)
	require.Equal(t, uint64(2), ops[1].SeqNo)

	for _, op := range ops {
		log.events <- raft.Event{Effects: &raft.Effects{
			Confirms: []raft.Confirm{{SessionID: s.ID(), SeqNo: op.SeqNo}},
		}}
	}

	var got []uint64
	for len(got) < 2 {
		select {
		case n := <-s.Notifications():
			got = append(got, n.Confirms...)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for confirms, got %v", got)
		}
	}
	assert.Equal(t, []uint64{1, 2}, got)
}

func TestSession_ConcurrentEnqueuesKeepSequenceOrder(t *testing.T) {
	log := newFakeLog()
	s := Open(testQueue(), log, Options{})
	defer s.Close(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Enqueue(context.Background(), types.Message{Payload: []byte("m")}, true)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ops := log.waitOps(t, 20)
	for i := 1; i < len(ops); i++ {
		assert.Greater(t, ops[i].SeqNo, ops[i-1].SeqNo)
	}
}

func TestSession_EnqueueFireAndForget(t *testing.T) {
	log := newFakeLog()
	s := Open(testQueue(), log, Options{})
	defer s.Close(context.Background())

	seq, err := s.Enqueue(context.Background(), types.Message{Payload: []byte("m")}, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)

	ops := log.waitOps(t, 1)
	assert.False(t, ops[0].Confirm)
	assert.Equal(t, uint64(0), ops[0].SeqNo)
}

func TestSession_SoftLimitBlocksAndUnblocks(t *testing.T) {
	log := newFakeLog()

	var mu sync.Mutex
	var blocks, unblocks int
	s := Open(testQueue(), log, Options{
		SoftLimit: 3,
		OnBlock:   func() { mu.Lock(); blocks++; mu.Unlock() },
		OnUnblock: func() { mu.Lock(); unblocks++; mu.Unlock() },
	})
	defer s.Close(context.Background())

	for i := 0; i < 3; i++ {
		_, err := s.Enqueue(context.Background(), types.Message{}, true)
		require.NoError(t, err)
	}
	mu.Lock()
	assert.Equal(t, 1, blocks)
	mu.Unlock()

	// Confirming one pending enqueue drops below the limit and unblocks.
	notifs := s.HandleApplied(raft.Event{Effects: &raft.Effects{
		Confirms: []raft.Confirm{{SessionID: s.ID(), SeqNo: 1}},
	}})
	require.Len(t, notifs, 1)
	assert.Equal(t, []uint64{1}, notifs[0].Confirms)

	mu.Lock()
	assert.Equal(t, 1, unblocks)
	mu.Unlock()
}

func TestSession_HandleAppliedFiltersBySession(t *testing.T) {
	log := newFakeLog()
	s := Open(testQueue(), log, Options{})
	defer s.Close(context.Background())

	_, err := s.Enqueue(context.Background(), types.Message{}, true)
	require.NoError(t, err)

	notifs := s.HandleApplied(raft.Event{Effects: &raft.Effects{
		Confirms: []raft.Confirm{
			{SessionID: "someone-else", SeqNo: 1},
		},
		Deliveries: []raft.DeliveryEffect{
			{SessionID: "someone-else", Delivery: types.Delivery{MessageID: 9}},
			{SessionID: s.ID(), Delivery: types.Delivery{MessageID: 4}},
		},
	}})
	require.Len(t, notifs, 1)
	require.NotNil(t, notifs[0].Delivery)
	assert.Equal(t, uint64(4), notifs[0].Delivery.MessageID)
}

func TestSession_HandleAppliedUnknownConfirm(t *testing.T) {
	log := newFakeLog()
	s := Open(testQueue(), log, Options{})
	defer s.Close(context.Background())

	// A confirm for a seqno this session never issued is ignored.
	notifs := s.HandleApplied(raft.Event{Effects: &raft.Effects{
		Confirms: []raft.Confirm{{SessionID: s.ID(), SeqNo: 42}},
	}})
	assert.Empty(t, notifs)
}

func TestSession_ResyncClearsPending(t *testing.T) {
	log := newFakeLog()

	var mu sync.Mutex
	var unblocked bool
	s := Open(testQueue(), log, Options{
		SoftLimit: 1,
		OnUnblock: func() { mu.Lock(); unblocked = true; mu.Unlock() },
	})
	defer s.Close(context.Background())

	_, err := s.Enqueue(context.Background(), types.Message{}, true)
	require.NoError(t, err)

	notifs := s.HandleApplied(raft.Event{Resync: true})
	require.Len(t, notifs, 1)
	assert.True(t, notifs[0].Resync)

	mu.Lock()
	assert.True(t, unblocked)
	mu.Unlock()

	// The old confirm arriving after resync is ignored.
	notifs = s.HandleApplied(raft.Event{Effects: &raft.Effects{
		Confirms: []raft.Confirm{{SessionID: s.ID(), SeqNo: 1}},
	}})
	assert.Empty(t, notifs)
}

func TestSession_CheckoutDuplicateTag(t *testing.T) {
	log := newFakeLog()
	s := Open(testQueue(), log, Options{})
	defer s.Close(context.Background())

	require.NoError(t, s.Checkout(context.Background(), "ctag-1", 10))

	err := s.Checkout(context.Background(), "ctag-1", 10)
	assert.ErrorIs(t, err, ErrDuplicateConsumer)
}

func TestSession_CheckoutZeroPrefetchCapped(t *testing.T) {
	log := newFakeLog()
	s := Open(testQueue(), log, Options{})
	defer s.Close(context.Background())

	require.NoError(t, s.Checkout(context.Background(), "ctag-1", 0))

	ops := log.waitOps(t, 1)
	assert.Equal(t, raft.OpCheckout, ops[0].Type)
	assert.Equal(t, prefetchCeiling, ops[0].Prefetch)
}

func TestSession_CheckoutAppendFailureRollsBack(t *testing.T) {
	log := newFakeLog()
	s := Open(testQueue(), log, Options{})
	defer s.Close(context.Background())

	log.mu.Lock()
	log.err = errors.New("not leader")
	log.mu.Unlock()

	err := s.Checkout(context.Background(), "ctag-1", 10)
	require.Error(t, err)

	// The failed registration does not poison the tag.
	log.mu.Lock()
	log.err = nil
	log.mu.Unlock()
	assert.NoError(t, s.Checkout(context.Background(), "ctag-1", 10))
}

func TestSession_CancelUnknownConsumer(t *testing.T) {
	log := newFakeLog()
	s := Open(testQueue(), log, Options{})
	defer s.Close(context.Background())

	err := s.CancelCheckout(context.Background(), "ctag-9")
	assert.ErrorIs(t, err, ErrUnknownConsumer)
}

func TestSession_ConsumerHooks(t *testing.T) {
	log := newFakeLog()

	var tags []string
	s := Open(testQueue(), log, Options{
		OnCheckout: func(tag string) { tags = append(tags, "up:"+tag) },
		OnCancel:   func(tag string) { tags = append(tags, "down:"+tag) },
	})
	defer s.Close(context.Background())

	require.NoError(t, s.Checkout(context.Background(), "ctag-1", 5))
	require.NoError(t, s.CancelCheckout(context.Background(), "ctag-1"))
	assert.Equal(t, []string{"up:ctag-1", "down:ctag-1"}, tags)
}

func TestSession_DequeueEmpty(t *testing.T) {
	log := newFakeLog()
	log.result = &raft.ApplyResult{Effects: &raft.Effects{
		Dequeue: &raft.DequeueResult{Empty: true},
	}}
	s := Open(testQueue(), log, Options{})
	defer s.Close(context.Background())

	d, err := s.Dequeue(context.Background(), "get-1", true)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestSession_Dequeue(t *testing.T) {
	log := newFakeLog()
	log.result = &raft.ApplyResult{Effects: &raft.Effects{
		Dequeue: &raft.DequeueResult{
			Delivery: types.Delivery{MessageID: 3, Message: types.Message{Payload: []byte("m")}},
		},
	}}
	s := Open(testQueue(), log, Options{})
	defer s.Close(context.Background())

	d, err := s.Dequeue(context.Background(), "get-1", false)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, uint64(3), d.MessageID)
}

func TestSession_SettleEmptyIDs(t *testing.T) {
	log := newFakeLog()
	s := Open(testQueue(), log, Options{})

	require.NoError(t, s.Settle(context.Background(), "ctag-1", nil))
	require.NoError(t, s.Close(context.Background()))

	// Only the session-down append reached the log.
	ops := log.appended()
	require.Len(t, ops, 1)
	assert.Equal(t, raft.OpSessionDown, ops[0].Type)
}

func TestSession_SettlementOps(t *testing.T) {
	log := newFakeLog()
	s := Open(testQueue(), log, Options{})
	defer s.Close(context.Background())

	require.NoError(t, s.Settle(context.Background(), "ctag-1", []uint64{1}))
	require.NoError(t, s.Return(context.Background(), "ctag-1", []uint64{2}))
	require.NoError(t, s.Discard(context.Background(), "ctag-1", []uint64{3}))

	ops := log.waitOps(t, 3)
	seen := map[raft.OpType][]uint64{}
	for _, op := range ops {
		seen[op.Type] = op.MessageIDs
	}
	assert.Equal(t, []uint64{1}, seen[raft.OpSettle])
	assert.Equal(t, []uint64{2}, seen[raft.OpReturn])
	assert.Equal(t, []uint64{3}, seen[raft.OpDiscard])
}

func TestSession_CloseRejectsFurtherUse(t *testing.T) {
	log := newFakeLog()
	s := Open(testQueue(), log, Options{})

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	_, err := s.Enqueue(context.Background(), types.Message{}, true)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.Checkout(context.Background(), "ctag-1", 1), ErrSessionClosed)
	_, err = s.Dequeue(context.Background(), "get-1", true)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_NotificationsFromEventLoop(t *testing.T) {
	log := newFakeLog()
	s := Open(testQueue(), log, Options{})

	log.events <- raft.Event{Effects: &raft.Effects{
		Deliveries: []raft.DeliveryEffect{
			{SessionID: s.ID(), Delivery: types.Delivery{MessageID: 1}},
		},
	}}

	select {
	case n := <-s.Notifications():
		require.NotNil(t, n.Delivery)
		assert.Equal(t, uint64(1), n.Delivery.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}

	require.NoError(t, s.Close(context.Background()))

	// Channel drains and closes after Close.
	_, open := <-s.Notifications()
	assert.False(t, open)
}
