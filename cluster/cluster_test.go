// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/quorumq/queue/types"
)

type fakeMembers struct {
	mu       sync.Mutex
	started  []string
	stopped  []string
	startErr error
}

func (m *fakeMembers) StartLocalMember(_ context.Context, def types.QueueDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started = append(m.started, def.Group.Name)
	return nil
}

func (m *fakeMembers) StopLocalMember(_ context.Context, groupName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, groupName)
	return nil
}

type fakeStatus struct {
	mu          sync.Mutex
	statuses    map[string]types.Status
	invalidated []string
}

func (s *fakeStatus) LocalStatus(groupName string) types.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[groupName]; ok {
		return st
	}
	return types.StatusDown
}

func (s *fakeStatus) InvalidateGroup(groupName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, groupName)
}

type fakeCancels struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (c *fakeCancels) CancelConsumer(_ context.Context, sessionID, tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.calls = append(c.calls, sessionID+"/"+tag)
	return nil
}

// setupPeer wires a control server into an httptest listener and a
// client that knows it as "node2".
func setupPeer(t *testing.T, members Members, status StatusSource, cancels ConsumerCancels) *Client {
	t.Helper()

	srv := NewServer(":0", members, status, cancels, nil)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)

	return NewClient("node1", map[string]string{"node2": ts.URL}, time.Second, nil)
}

func testDef(name string) types.QueueDefinition {
	identity := types.QueueIdentity{VHost: "/", Name: name}
	group := types.NewGroupIdentity(identity, []string{"node1", "node2"})
	return types.QueueDefinition{
		Identity: identity,
		Group:    group,
		Handle:   types.QueueHandle{GroupName: group.Name},
	}
}

func TestClient_StartStopMember(t *testing.T) {
	members := &fakeMembers{}
	c := setupPeer(t, members, &fakeStatus{}, nil)
	ctx := context.Background()

	def := testDef("orders")
	require.NoError(t, c.StartMember(ctx, "node2", def))
	require.NoError(t, c.StopMember(ctx, "node2", def.Group.Name))

	assert.Equal(t, []string{def.Group.Name}, members.started)
	assert.Equal(t, []string{def.Group.Name}, members.stopped)
}

func TestClient_StartMemberError(t *testing.T) {
	members := &fakeMembers{startErr: errors.New("disk full")}
	c := setupPeer(t, members, &fakeStatus{}, nil)

	err := c.StartMember(context.Background(), "node2", testDef("orders"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestClient_ProbeMember(t *testing.T) {
	def := testDef("orders")
	status := &fakeStatus{statuses: map[string]types.Status{
		def.Group.Name: types.StatusRunning,
	}}
	c := setupPeer(t, &fakeMembers{}, status, nil)

	st, err := c.ProbeMember(context.Background(), "node2", def.Group.Name)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, st)

	st, err = c.ProbeMember(context.Background(), "node2", "no-such-group")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDown, st)
}

func TestClient_InvalidateCache(t *testing.T) {
	status := &fakeStatus{}
	c := setupPeer(t, &fakeMembers{}, status, nil)

	require.NoError(t, c.InvalidateCache(context.Background(), "node2", "group-1"))
	assert.Equal(t, []string{"group-1"}, status.invalidated)
}

func TestClient_CancelConsumer(t *testing.T) {
	cancels := &fakeCancels{}
	c := setupPeer(t, &fakeMembers{}, &fakeStatus{}, cancels)

	require.NoError(t, c.CancelConsumer(context.Background(), "node2", "sess-1", "ctag-1"))
	assert.Equal(t, []string{"sess-1/ctag-1"}, cancels.calls)

	cancels.err = errors.New("no such session")
	assert.Error(t, c.CancelConsumer(context.Background(), "node2", "sess-9", "ctag-1"))
}

func TestClient_CancelConsumerUnavailable(t *testing.T) {
	c := setupPeer(t, &fakeMembers{}, &fakeStatus{}, nil)

	err := c.CancelConsumer(context.Background(), "node2", "sess-1", "ctag-1")
	assert.Error(t, err)
}

func TestClient_UnknownPeer(t *testing.T) {
	c := NewClient("node1", nil, time.Second, nil)

	err := c.StartMember(context.Background(), "node9", testDef("orders"))
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestClient_BreakerOpensOnDeadPeer(t *testing.T) {
	// A peer URL nothing listens on.
	c := NewClient("node1", map[string]string{"node2": "http://127.0.0.1:1"}, 200*time.Millisecond, nil)
	ctx := context.Background()

	for i := 0; i < breakerMaxFailures; i++ {
		require.Error(t, c.InvalidateCache(ctx, "node2", "group-1"))
	}

	err := c.InvalidateCache(ctx, "node2", "group-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestServer_Healthz(t *testing.T) {
	srv := NewServer(":0", &fakeMembers{}, &fakeStatus{}, nil, nil)
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}
