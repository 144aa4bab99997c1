// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/absmach/quorumq/queue/types"
)

// PeerControl is the slice of the cross-node control channel the service
// needs: starting and stopping group members on other cluster nodes. A
// StopMember call returns only after the remote member has terminated.
type PeerControl interface {
	StartMember(ctx context.Context, node string, def types.QueueDefinition) error
	StopMember(ctx context.Context, node, groupName string) error
}

// ServiceConfig holds configuration for the replicated-log service.
type ServiceConfig struct {
	NodeID      string
	DataDir     string
	BindAddr    string            // base raft bind address for this node
	MemberAddrs map[string]string // node ID -> base raft address

	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration
	SnapshotInterval  time.Duration
	SnapshotThreshold uint64
	ApplyTimeout      time.Duration

	// OnLeader is handed to every group member; see GroupConfig.OnLeader.
	OnLeader func(def types.QueueDefinition, leader bool)

	Logger *slog.Logger
}

// Service manages one replicated group per queue on this node and
// implements the replicated-log contract the lifecycle manager consumes.
type Service struct {
	cfg    ServiceConfig
	peers  PeerControl
	logger *slog.Logger

	mu     sync.RWMutex
	groups map[string]*Group
}

// NewService creates the replicated-log service. peers may be nil on a
// single-node deployment.
func NewService(cfg ServiceConfig, peers PeerControl) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		peers:  peers,
		logger: cfg.Logger,
		groups: make(map[string]*Group),
	}
}

// StartGroup starts a brand-new replicated group for a declared queue:
// the local member plus one member on every other recorded node.
func (s *Service) StartGroup(ctx context.Context, def types.QueueDefinition) (*Group, error) {
	group, err := s.ensureLocalMember(def)
	if err != nil {
		return nil, err
	}

	for _, node := range def.Group.Members {
		if node == s.cfg.NodeID || s.peers == nil {
			continue
		}
		if err := s.peers.StartMember(ctx, node, def); err != nil {
			// A minority of unreachable members does not block the
			// queue; they join on their next recovery pass.
			s.logger.Warn("failed to start remote member",
				slog.String("group", def.Group.Name),
				slog.String("node", node),
				slog.String("error", err.Error()))
		}
	}

	if err := group.WaitForLeader(ctx); err != nil {
		s.stopLocal(def.Group.Name)
		return nil, fmt.Errorf("group %s: %w", def.Group.Name, err)
	}

	return group, nil
}

// StartLocalMember starts this node's member of an existing group, used
// when a node joins fresh with no local state for a recorded queue.
func (s *Service) StartLocalMember(_ context.Context, def types.QueueDefinition) (*Group, error) {
	return s.ensureLocalMember(def)
}

// RestartLocalMember restarts this node's member after a process restart.
// Persisted raft state short-circuits bootstrapping.
func (s *Service) RestartLocalMember(_ context.Context, def types.QueueDefinition) (*Group, error) {
	return s.ensureLocalMember(def)
}

func (s *Service) ensureLocalMember(def types.QueueDefinition) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.groups[def.Group.Name]; ok {
		return g, nil
	}

	group, err := NewGroup(GroupConfig{
		Definition:        def,
		NodeID:            s.cfg.NodeID,
		BindAddr:          s.memberAddr(s.cfg.NodeID, def.Group),
		DataDir:           s.cfg.DataDir,
		HeartbeatTimeout:  s.cfg.HeartbeatTimeout,
		ElectionTimeout:   s.cfg.ElectionTimeout,
		SnapshotInterval:  s.cfg.SnapshotInterval,
		SnapshotThreshold: s.cfg.SnapshotThreshold,
		ApplyTimeout:      s.cfg.ApplyTimeout,
		OnLeader:          s.cfg.OnLeader,
		Logger:            s.logger,
	})
	if err != nil {
		return nil, err
	}

	servers := make([]raft.Server, 0, len(def.Group.Members))
	for _, node := range def.Group.Members {
		servers = append(servers, raft.Server{
			ID:      raft.ServerID(node),
			Address: raft.ServerAddress(s.memberAddr(node, def.Group)),
		})
	}
	if err := group.Bootstrap(servers); err != nil {
		group.Shutdown()
		return nil, err
	}

	s.groups[def.Group.Name] = group
	return group, nil
}

// StopLocalMember stops this node's member of the group. Stopping an
// unknown group is a no-op.
func (s *Service) StopLocalMember(_ context.Context, groupName string) error {
	return s.stopLocal(groupName)
}

func (s *Service) stopLocal(groupName string) error {
	s.mu.Lock()
	group, ok := s.groups[groupName]
	delete(s.groups, groupName)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return group.Shutdown()
}

// DeleteGroup tears down the whole replicated group: every member on every
// node, waiting for the leader member's termination before returning, then
// removes the local data directory.
func (s *Service) DeleteGroup(ctx context.Context, def types.QueueDefinition) error {
	s.mu.RLock()
	group, ok := s.groups[def.Group.Name]
	s.mu.RUnlock()

	leaderNode := ""
	if ok {
		leaderNode = group.LeaderID()
	}

	if err := s.stopLocal(def.Group.Name); err != nil {
		s.logger.Warn("local member shutdown error",
			slog.String("group", def.Group.Name),
			slog.String("error", err.Error()))
	}

	var leaderErr error
	for _, node := range def.Group.Members {
		if node == s.cfg.NodeID || s.peers == nil {
			continue
		}
		err := s.peers.StopMember(ctx, node, def.Group.Name)
		if err != nil && node == leaderNode {
			leaderErr = fmt.Errorf("leader member on %s: %w", node, err)
		}
	}
	if leaderErr != nil {
		return leaderErr
	}

	if s.cfg.DataDir != "" {
		if err := os.RemoveAll(filepath.Join(s.cfg.DataDir, def.Group.Name)); err != nil {
			s.logger.Warn("failed to remove group data",
				slog.String("group", def.Group.Name),
				slog.String("error", err.Error()))
		}
	}

	s.logger.Info("group deleted", slog.String("group", def.Group.Name))
	return nil
}

// Lookup returns the local member of a group, if one is running.
func (s *Service) Lookup(groupName string) (*Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupName]
	return g, ok
}

// Groups returns the names of all locally running group members.
func (s *Service) Groups() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	return names
}

// Shutdown stops every local group member.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	groups := s.groups
	s.groups = make(map[string]*Group)
	s.mu.Unlock()

	var firstErr error
	for name, g := range groups {
		if err := g.Shutdown(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("group %s: %w", name, err)
		}
	}
	return firstErr
}

// memberAddr derives the raft bind address for a group member on a node:
// the node's base raft port plus the port slot allocated to the group at
// declare time. Every node computes the same address from the stored
// definition.
func (s *Service) memberAddr(node string, group types.GroupIdentity) string {
	base, ok := s.cfg.MemberAddrs[node]
	if !ok {
		base = s.cfg.BindAddr
	}

	host, portStr, err := net.SplitHostPort(base)
	if err != nil {
		return base
	}
	basePort, err := strconv.Atoi(portStr)
	if err != nil {
		return base
	}

	return net.JoinHostPort(host, strconv.Itoa(basePort+group.PortOffset))
}
