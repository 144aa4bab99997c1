// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package stats derives point-in-time queue statistics from local caches
// and bounded remote liveness probes. Everything here is best-effort and
// eventually consistent with the replicated state, never authoritative.
package stats

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/absmach/quorumq/queue/raft"
	"github.com/absmach/quorumq/queue/types"
	"github.com/absmach/quorumq/store"
)

// ErrNotFound is returned for statistics queries against unknown queues.
var ErrNotFound = errors.New("queue not found")

// Consumer utilisation is not implemented for this queue type; the
// surface reports a fixed placeholder.
const consumerUtilisation = 0.0

const defaultProbeTimeout = 2 * time.Second

// Group is the collector's view of one local group member.
type Group interface {
	Counts() raft.Counts
	IsLeader() bool
	LeaderID() string
	Stats() map[string]string
}

// Registry resolves locally running group members.
type Registry interface {
	Lookup(groupName string) (Group, bool)
}

// MemberProber checks whether a remote node's member of a group is alive.
// Unreachable nodes are reported as not alive, never as an error the
// caller must handle.
type MemberProber interface {
	ProbeMember(ctx context.Context, node, groupName string) (types.Status, error)
}

// PolicySource provides the effective policy for a queue, or nil.
type PolicySource interface {
	Effective(ctx context.Context, identity types.QueueIdentity) (*types.Policy, error)
}

// QueueStats is the statistics surface exposed to callers.
type QueueStats struct {
	Queue types.QueueIdentity `json:"queue"`

	Ready     int `json:"messages_ready"`
	Unacked   int `json:"messages_unacknowledged"`
	Consumers int `json:"consumers"`

	// ConsumerUtilisation is a fixed placeholder; see package notes.
	ConsumerUtilisation float64 `json:"consumer_utilisation"`

	MemoryBytes  uint64 `json:"memory_bytes"`
	GCRuns       uint32 `json:"gc_runs"`
	GCPauseNanos uint64 `json:"gc_pause_ns"`

	Status      types.Status `json:"status"`
	Leader      string       `json:"leader"`
	LiveMembers []string     `json:"live_members"`
	Members     []string     `json:"members"`

	PolicyName       string         `json:"policy,omitempty"`
	OperatorPolicy   string         `json:"operator_policy,omitempty"`
	PolicyDefinition map[string]any `json:"effective_policy_definition,omitempty"`
}

// Collector builds queue statistics on demand.
type Collector struct {
	nodeID       string
	store        store.Store
	registry     Registry
	prober       MemberProber
	policies     PolicySource
	probeTimeout time.Duration
	logger       *slog.Logger

	// leader-address cache, invalidated on leadership change or group
	// deletion; consulted only when the local member cannot answer.
	mu      sync.RWMutex
	leaders map[string]string
}

// Config holds collector configuration. Prober and Policies may be nil.
type Config struct {
	NodeID       string
	Registry     Registry
	Prober       MemberProber
	Policies     PolicySource
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

// New creates a statistics collector.
func New(cfg Config, st store.Store) *Collector {
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Collector{
		nodeID:       cfg.NodeID,
		store:        st,
		registry:     cfg.Registry,
		prober:       cfg.Prober,
		policies:     cfg.Policies,
		probeTimeout: cfg.ProbeTimeout,
		logger:       cfg.Logger,
		leaders:      make(map[string]string),
	}
}

// Collect returns statistics for one queue. Remote probes are bounded by
// the configured timeout and degrade to "not alive" on failure.
func (c *Collector) Collect(ctx context.Context, vhost, name string) (*QueueStats, error) {
	def, err := c.store.LookupQueue(ctx, vhost, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	qs := &QueueStats{
		Queue:               def.Identity,
		ConsumerUtilisation: consumerUtilisation,
		Status:              types.StatusDown,
		Leader:              def.Handle.Leader,
		Members:             def.Group.Members,
	}

	group, local := c.registry.Lookup(def.Group.Name)
	if local {
		counts := group.Counts()
		qs.Ready = counts.Ready
		qs.Unacked = counts.Unacked
		qs.Consumers = counts.Consumers
		qs.Status = classify(group)

		if leader := group.LeaderID(); leader != "" {
			qs.Leader = leader
			c.rememberLeader(def.Group.Name, leader)
		}
	} else if leader, ok := c.cachedLeader(def.Group.Name); ok {
		qs.Leader = leader
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	qs.MemoryBytes = m.HeapAlloc
	qs.GCRuns = m.NumGC
	qs.GCPauseNanos = m.PauseTotalNs

	qs.LiveMembers = c.probeMembers(ctx, def, local)

	if c.policies != nil {
		if policy, err := c.policies.Effective(ctx, def.Identity); err == nil && policy != nil {
			if policy.Operator {
				qs.OperatorPolicy = policy.Name
			} else {
				qs.PolicyName = policy.Name
			}
			qs.PolicyDefinition = policy.Definition
		}
	}

	return qs, nil
}

// classify maps the local member's observable phase to a status.
func classify(group Group) types.Status {
	if group.LeaderID() == "" {
		return types.StatusRecovering
	}
	return types.StatusRunning
}

func (c *Collector) probeMembers(ctx context.Context, def *types.QueueDefinition, localLive bool) []string {
	live := make([]string, 0, len(def.Group.Members))

	for _, node := range def.Group.Members {
		if node == c.nodeID {
			if localLive {
				live = append(live, node)
			}
			continue
		}
		if c.prober == nil {
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
		status, err := c.prober.ProbeMember(pctx, node, def.Group.Name)
		cancel()
		if err != nil {
			// Unreachable degrades to "not alive".
			continue
		}
		if status == types.StatusRunning || status == types.StatusRecovering {
			live = append(live, node)
		}
	}

	return live
}

// LocalStatus classifies this node's member of a group without touching
// the metadata store, used to answer peer probes.
func (c *Collector) LocalStatus(groupName string) types.Status {
	group, ok := c.registry.Lookup(groupName)
	if !ok {
		return types.StatusDown
	}
	return classify(group)
}

// InvalidateGroup drops cached leader state for a group. Triggered by
// leadership-change notifications and group deletion.
func (c *Collector) InvalidateGroup(groupName string) {
	c.mu.Lock()
	delete(c.leaders, groupName)
	c.mu.Unlock()
}

func (c *Collector) rememberLeader(groupName, leader string) {
	c.mu.Lock()
	c.leaders[groupName] = leader
	c.mu.Unlock()
}

func (c *Collector) cachedLeader(groupName string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	leader, ok := c.leaders[groupName]
	return leader, ok
}
