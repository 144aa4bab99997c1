// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"

	"github.com/absmach/quorumq/queue/types"
)

// ErrNotLeader is returned when a command is appended on a non-leader member.
var ErrNotLeader = errors.New("not leader")

// Event is one applied-state notification streamed to subscribed sessions.
// Resync marks a leadership change: subscribers must assume in-flight
// commands have ambiguous outcomes and re-synchronize.
type Event struct {
	Effects *Effects
	Resync  bool
}

// subscriber buffer; deliveries dropped here surface as redeliveries after
// the consumer settles or the session resyncs.
const eventBuffer = 256

// GroupConfig holds configuration for one replicated group member.
type GroupConfig struct {
	Definition types.QueueDefinition
	NodeID     string
	BindAddr   string
	DataDir    string

	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration
	SnapshotInterval  time.Duration
	SnapshotThreshold uint64
	ApplyTimeout      time.Duration

	// OnLeader is invoked from the leadership observation loop whenever
	// this member gains or loses leadership. It must return promptly;
	// leadership establishment waits on it.
	OnLeader func(def types.QueueDefinition, leader bool)

	// Test seams: when set, the group uses these instead of Badger-backed
	// stores and a TCP transport.
	Transport     raft.Transport
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore

	Logger *slog.Logger
}

// Group is the local member of one queue's replicated group.
type Group struct {
	def      types.QueueDefinition
	nodeID   string
	bindAddr string

	raft *raft.Raft
	fsm  *FSM

	logStore      raft.LogStore
	stableStore   raft.StableStore
	snapshotStore raft.SnapshotStore
	transport     raft.Transport
	raftDB        *badger.DB

	applyTimeout time.Duration
	restored     bool

	onLeader func(def types.QueueDefinition, leader bool)

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	effectCh chan *Effects

	stopCh chan struct{}
	doneCh chan struct{}
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewGroup creates and starts the local raft member for a queue.
func NewGroup(cfg GroupConfig) (*Group, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 1 * time.Second
	}
	if cfg.ElectionTimeout == 0 {
		cfg.ElectionTimeout = 3 * time.Second
	}
	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = 5 * time.Minute
	}
	if cfg.SnapshotThreshold == 0 {
		cfg.SnapshotThreshold = 8192
	}
	if cfg.ApplyTimeout == 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}

	g := &Group{
		def:          cfg.Definition,
		nodeID:       cfg.NodeID,
		bindAddr:     cfg.BindAddr,
		applyTimeout: cfg.ApplyTimeout,
		onLeader:     cfg.OnLeader,
		subs:         make(map[int]chan Event),
		effectCh:     make(chan *Effects, eventBuffer),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		logger:       cfg.Logger,
	}

	g.fsm = NewFSM(cfg.Definition.Identity, g.enqueueEffects, cfg.Logger)

	if cfg.LogStore != nil {
		g.logStore = cfg.LogStore
		g.stableStore = cfg.StableStore
		g.snapshotStore = cfg.SnapshotStore
		g.transport = cfg.Transport
	} else {
		if err := g.openStores(cfg); err != nil {
			return nil, err
		}
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	raftCfg.ElectionTimeout = cfg.ElectionTimeout
	raftCfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout
	raftCfg.SnapshotInterval = cfg.SnapshotInterval
	raftCfg.SnapshotThreshold = cfg.SnapshotThreshold
	raftCfg.Logger = hclog.New(&hclog.LoggerOptions{
		Name:   "raft-" + cfg.Definition.Group.Name,
		Level:  hclog.Warn,
		Output: os.Stderr,
	})

	r, err := raft.NewRaft(raftCfg, g.fsm, g.logStore, g.stableStore, g.snapshotStore, g.transport)
	if err != nil {
		g.closeStores()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	g.raft = r

	g.wg.Add(1)
	go g.observeLeadership()
	g.wg.Add(1)
	go g.dispatchEffects()

	g.logger.Info("group member started",
		slog.String("group", cfg.Definition.Group.Name),
		slog.String("node_id", cfg.NodeID))

	return g, nil
}

func (g *Group) openStores(cfg GroupConfig) error {
	raftDir := filepath.Join(cfg.DataDir, cfg.Definition.Group.Name)
	if err := os.MkdirAll(raftDir, 0o755); err != nil {
		return fmt.Errorf("failed to create raft directory: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(raftDir, "log"))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open raft badger db: %w", err)
	}
	g.raftDB = db

	g.logStore = NewBadgerLogStore(db, cfg.Definition.Group.Name)
	g.stableStore = NewBadgerStableStore(db, cfg.Definition.Group.Name)

	snapStore, err := raft.NewFileSnapshotStore(filepath.Join(raftDir, "snapshots"), 3, os.Stderr)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}
	g.snapshotStore = snapStore

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create raft transport: %w", err)
	}
	g.transport = transport

	return nil
}

func (g *Group) closeStores() {
	if t, ok := g.transport.(interface{ Close() error }); ok && t != nil {
		t.Close()
	}
	if g.raftDB != nil {
		g.raftDB.Close()
	}
}

// Bootstrap initializes the group with its full member set. A member that
// already has persisted state skips bootstrapping.
func (g *Group) Bootstrap(servers []raft.Server) error {
	hasState, err := raft.HasExistingState(g.logStore, g.stableStore, g.snapshotStore)
	if err != nil {
		return fmt.Errorf("failed to check existing state: %w", err)
	}
	if hasState {
		g.restored = true
		g.logger.Info("group already bootstrapped, skipping",
			slog.String("group", g.def.Group.Name))
		return nil
	}

	future := g.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap group: %w", err)
	}

	g.logger.Info("group bootstrapped",
		slog.String("group", g.def.Group.Name),
		slog.Int("member_count", len(servers)))
	return nil
}

// Append submits a command to the replicated log. It returns once the
// command is committed and applied on this (leader) member; effects
// reach subscribers separately through the dispatcher, in log-apply
// order.
func (g *Group) Append(ctx context.Context, op *Operation) (*ApplyResult, error) {
	if g.raft.State() != raft.Leader {
		return nil, ErrNotLeader
	}

	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal operation: %w", err)
	}

	timeout := g.applyTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}

	future := g.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("raft apply failed: %w", err)
	}

	result, ok := future.Response().(*ApplyResult)
	if !ok || result == nil {
		result = &ApplyResult{}
	}
	if result.Err != nil {
		return result, result.Err
	}

	return result, nil
}

// Subscribe registers for applied-state events. The returned cancel
// function must be called when the subscriber goes away.
func (g *Group) Subscribe() (<-chan Event, func()) {
	g.subMu.Lock()
	defer g.subMu.Unlock()

	id := g.nextSub
	g.nextSub++
	ch := make(chan Event, eventBuffer)
	g.subs[id] = ch

	return ch, func() {
		g.subMu.Lock()
		defer g.subMu.Unlock()
		if _, ok := g.subs[id]; ok {
			delete(g.subs, id)
			close(ch)
		}
	}
}

// enqueueEffects hands applied effects from the FSM to the dispatcher.
// It is called from raft's single apply goroutine, so channel order is
// log-apply order.
func (g *Group) enqueueEffects(e *Effects) {
	select {
	case g.effectCh <- e:
	default:
		// Dropped deliveries surface as redeliveries once the consumer
		// settles or the session resyncs.
		g.logger.Warn("dropping applied effects, dispatcher backlogged",
			slog.String("group", g.def.Group.Name))
	}
}

// dispatchEffects is the single fan-out point for applied effects, so
// subscribers observe them in the order the log applied them. Followers
// apply the same entries but only the leader notifies subscribers.
func (g *Group) dispatchEffects() {
	defer g.wg.Done()

	for {
		select {
		case <-g.stopCh:
			return
		case e := <-g.effectCh:
			if g.raft.State() != raft.Leader {
				continue
			}
			g.broadcast(Event{Effects: e})
		}
	}
}

func (g *Group) broadcast(ev Event) {
	g.subMu.Lock()
	defer g.subMu.Unlock()

	for _, ch := range g.subs {
		select {
		case ch <- ev:
		default:
			g.logger.Warn("dropping applied event, subscriber backlogged",
				slog.String("group", g.def.Group.Name))
		}
	}
}

func (g *Group) observeLeadership() {
	defer g.wg.Done()

	for {
		select {
		case <-g.stopCh:
			return
		case leader, ok := <-g.raft.LeaderCh():
			if !ok {
				return
			}
			if g.onLeader != nil {
				g.onLeader(g.def, leader)
			}
			g.broadcast(Event{Resync: true})
		}
	}
}

// IsLeader returns true if this member currently leads the group.
func (g *Group) IsLeader() bool {
	return g.raft.State() == raft.Leader
}

// LeaderID returns the node ID of the current believed leader.
func (g *Group) LeaderID() string {
	_, id := g.raft.LeaderWithID()
	return string(id)
}

// WaitForLeader blocks until some member is elected leader or the context
// is cancelled.
func (g *Group) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for leader: %w", ctx.Err())
		case <-ticker.C:
			if g.LeaderID() != "" {
				return nil
			}
		}
	}
}

// Restored reports whether this member came up from persisted raft state
// rather than a fresh bootstrap.
func (g *Group) Restored() bool {
	return g.restored
}

// Definition returns the queue definition this group serves.
func (g *Group) Definition() types.QueueDefinition {
	return g.def
}

// Counts reads current machine occupancy from the local replica.
func (g *Group) Counts() Counts {
	return g.fsm.Counts()
}

// Stats returns raft internals for monitoring.
func (g *Group) Stats() map[string]string {
	return g.raft.Stats()
}

// Terminated is closed once the member has fully shut down.
func (g *Group) Terminated() <-chan struct{} {
	return g.doneCh
}

// Shutdown stops the local member and blocks until raft has fully
// terminated. Deletion relies on this guarantee.
func (g *Group) Shutdown() error {
	close(g.stopCh)

	var shutdownErr error
	if g.raft != nil {
		if err := g.raft.Shutdown().Error(); err != nil {
			g.logger.Error("raft shutdown error",
				slog.String("group", g.def.Group.Name),
				slog.String("error", err.Error()))
			shutdownErr = err
		}
	}

	g.wg.Wait()
	g.closeStores()

	g.subMu.Lock()
	for id, ch := range g.subs {
		close(ch)
		delete(g.subs, id)
	}
	g.subMu.Unlock()

	close(g.doneCh)

	g.logger.Info("group member stopped",
		slog.String("group", g.def.Group.Name))
	return shutdownErr
}
