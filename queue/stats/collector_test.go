// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/quorumq/queue/raft"
	"github.com/absmach/quorumq/queue/types"
	"github.com/absmach/quorumq/store/memory"
)

type fakeStatsGroup struct {
	counts raft.Counts
	leader string
}

func (g *fakeStatsGroup) Counts() raft.Counts      { return g.counts }
func (g *fakeStatsGroup) IsLeader() bool           { return g.leader != "" }
func (g *fakeStatsGroup) LeaderID() string         { return g.leader }
func (g *fakeStatsGroup) Stats() map[string]string { return nil }

type fakeRegistry struct {
	groups map[string]Group
}

func (r fakeRegistry) Lookup(groupName string) (Group, bool) {
	g, ok := r.groups[groupName]
	return g, ok
}

type fakeProber struct {
	statuses map[string]types.Status
	err      error
}

func (p fakeProber) ProbeMember(_ context.Context, node, _ string) (types.Status, error) {
	if p.err != nil {
		return "", p.err
	}
	s, ok := p.statuses[node]
	if !ok {
		return "", errors.New("unreachable")
	}
	return s, nil
}

func registerQueue(t *testing.T, st *memory.Store, name string, members ...string) *types.QueueDefinition {
	t.Helper()

	identity := types.QueueIdentity{VHost: "/", Name: name, Durable: true}
	group := types.NewGroupIdentity(identity, members)
	def := &types.QueueDefinition{
		Identity: identity,
		Group:    group,
		Handle:   types.QueueHandle{GroupName: group.Name},
	}
	require.NoError(t, st.RegisterQueue(context.Background(), def))
	return def
}

func TestCollector_Unknown(t *testing.T) {
	st := memory.New()
	c := New(Config{NodeID: "node1", Registry: fakeRegistry{}}, st)

	_, err := c.Collect(context.Background(), "/", "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollector_RunningQueue(t *testing.T) {
	st := memory.New()
	def := registerQueue(t, st, "orders", "node1", "node2", "node3")

	reg := fakeRegistry{groups: map[string]Group{
		def.Group.Name: &fakeStatsGroup{
			counts: raft.Counts{Ready: 5, Unacked: 2, Consumers: 1},
			leader: "node2",
		},
	}}
	prober := fakeProber{statuses: map[string]types.Status{
		"node2": types.StatusRunning,
		"node3": types.StatusRecovering,
	}}
	c := New(Config{NodeID: "node1", Registry: reg, Prober: prober, ProbeTimeout: 100 * time.Millisecond}, st)

	qs, err := c.Collect(context.Background(), "/", "orders")
	require.NoError(t, err)

	assert.Equal(t, 5, qs.Ready)
	assert.Equal(t, 2, qs.Unacked)
	assert.Equal(t, 1, qs.Consumers)
	assert.Equal(t, 0.0, qs.ConsumerUtilisation)
	assert.Equal(t, types.StatusRunning, qs.Status)
	assert.Equal(t, "node2", qs.Leader)
	assert.ElementsMatch(t, []string{"node1", "node2", "node3"}, qs.LiveMembers)
	assert.NotZero(t, qs.MemoryBytes)
}

func TestCollector_RecoveringWithoutLeader(t *testing.T) {
	st := memory.New()
	def := registerQueue(t, st, "orders", "node1")

	reg := fakeRegistry{groups: map[string]Group{
		def.Group.Name: &fakeStatsGroup{leader: ""},
	}}
	c := New(Config{NodeID: "node1", Registry: reg}, st)

	qs, err := c.Collect(context.Background(), "/", "orders")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRecovering, qs.Status)
}

func TestCollector_DownWithoutLocalMember(t *testing.T) {
	st := memory.New()
	registerQueue(t, st, "orders", "node2", "node3")

	c := New(Config{NodeID: "node1", Registry: fakeRegistry{}}, st)

	qs, err := c.Collect(context.Background(), "/", "orders")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDown, qs.Status)
	assert.Equal(t, 0, qs.Ready)
}

func TestCollector_ProbeFailureDegrades(t *testing.T) {
	st := memory.New()
	def := registerQueue(t, st, "orders", "node1", "node2")

	reg := fakeRegistry{groups: map[string]Group{
		def.Group.Name: &fakeStatsGroup{leader: "node1"},
	}}
	c := New(Config{
		NodeID:       "node1",
		Registry:     reg,
		Prober:       fakeProber{err: errors.New("connection refused")},
		ProbeTimeout: 50 * time.Millisecond,
	}, st)

	qs, err := c.Collect(context.Background(), "/", "orders")
	require.NoError(t, err)
	// The unreachable peer is simply not listed; collection never fails.
	assert.Equal(t, []string{"node1"}, qs.LiveMembers)
}

func TestCollector_PolicyFields(t *testing.T) {
	st := memory.New()
	def := registerQueue(t, st, "orders", "node1")

	reg := fakeRegistry{groups: map[string]Group{
		def.Group.Name: &fakeStatsGroup{leader: "node1"},
	}}

	t.Run("user policy", func(t *testing.T) {
		c := New(Config{NodeID: "node1", Registry: reg, Policies: staticPolicies{p: &types.Policy{
			Name:       "dl",
			Definition: map[string]any{"dead-letter-exchange": "dlx"},
		}}}, st)

		qs, err := c.Collect(context.Background(), "/", "orders")
		require.NoError(t, err)
		assert.Equal(t, "dl", qs.PolicyName)
		assert.Empty(t, qs.OperatorPolicy)
		assert.Equal(t, "dlx", qs.PolicyDefinition["dead-letter-exchange"])
	})

	t.Run("operator policy", func(t *testing.T) {
		c := New(Config{NodeID: "node1", Registry: reg, Policies: staticPolicies{p: &types.Policy{
			Name:     "ops",
			Operator: true,
		}}}, st)

		qs, err := c.Collect(context.Background(), "/", "orders")
		require.NoError(t, err)
		assert.Equal(t, "ops", qs.OperatorPolicy)
		assert.Empty(t, qs.PolicyName)
	})
}

type staticPolicies struct {
	p *types.Policy
}

func (s staticPolicies) Effective(context.Context, types.QueueIdentity) (*types.Policy, error) {
	return s.p, nil
}

func TestCollector_LeaderCache(t *testing.T) {
	st := memory.New()
	def := registerQueue(t, st, "orders", "node1")

	group := &fakeStatsGroup{leader: "node1"}
	reg := fakeRegistry{groups: map[string]Group{def.Group.Name: group}}
	c := New(Config{NodeID: "node1", Registry: reg}, st)

	_, err := c.Collect(context.Background(), "/", "orders")
	require.NoError(t, err)

	// Local member gone; the cached leader still answers.
	delete(reg.groups, def.Group.Name)
	qs, err := c.Collect(context.Background(), "/", "orders")
	require.NoError(t, err)
	assert.Equal(t, "node1", qs.Leader)

	c.InvalidateGroup(def.Group.Name)
	qs, err = c.Collect(context.Background(), "/", "orders")
	require.NoError(t, err)
	assert.Empty(t, qs.Leader)
}

func TestCollector_LocalStatus(t *testing.T) {
	st := memory.New()
	def := registerQueue(t, st, "orders", "node1")

	reg := fakeRegistry{groups: map[string]Group{
		def.Group.Name: &fakeStatsGroup{leader: "node1"},
	}}
	c := New(Config{NodeID: "node1", Registry: reg}, st)

	assert.Equal(t, types.StatusRunning, c.LocalStatus(def.Group.Name))
	assert.Equal(t, types.StatusDown, c.LocalStatus("no-such-group"))
}
