// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle manages the replicated groups backing declared
// queues: declaration, recovery after restart, scoped stop and deletion.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/quorumq/events"
	"github.com/absmach/quorumq/queue/deadletter"
	"github.com/absmach/quorumq/queue/raft"
	"github.com/absmach/quorumq/queue/session"
	"github.com/absmach/quorumq/queue/types"
	"github.com/absmach/quorumq/store"
)

// Error taxonomy for lifecycle operations.
var (
	// ErrPreconditionFailed marks invalid declare-time configuration.
	// The queue is never created.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrInternal marks a replicated group that failed to start; the
	// metadata registration has been rolled back.
	ErrInternal = errors.New("internal error")

	// ErrNotFound is returned for operations against unknown queues.
	ErrNotFound = errors.New("queue not found")
)

// LogGroup is the lifecycle manager's view of one local group member.
type LogGroup interface {
	Append(ctx context.Context, op *raft.Operation) (*raft.ApplyResult, error)
	Subscribe() (<-chan raft.Event, func())
	Counts() raft.Counts
	IsLeader() bool
	LeaderID() string
	Restored() bool
}

// LogService is the replicated-log service contract the manager consumes.
type LogService interface {
	StartGroup(ctx context.Context, def types.QueueDefinition) (LogGroup, error)
	StartLocalMember(ctx context.Context, def types.QueueDefinition) (LogGroup, error)
	RestartLocalMember(ctx context.Context, def types.QueueDefinition) (LogGroup, error)
	StopLocalMember(ctx context.Context, groupName string) error
	DeleteGroup(ctx context.Context, def types.QueueDefinition) error
	Lookup(groupName string) (LogGroup, bool)
}

// raftLogService adapts *raft.Service to the LogService interface.
type raftLogService struct {
	svc *raft.Service
}

// NewLogService wraps the concrete replicated-log service.
func NewLogService(svc *raft.Service) LogService {
	return &raftLogService{svc: svc}
}

func (r *raftLogService) StartGroup(ctx context.Context, def types.QueueDefinition) (LogGroup, error) {
	return r.svc.StartGroup(ctx, def)
}

func (r *raftLogService) StartLocalMember(ctx context.Context, def types.QueueDefinition) (LogGroup, error) {
	return r.svc.StartLocalMember(ctx, def)
}

func (r *raftLogService) RestartLocalMember(ctx context.Context, def types.QueueDefinition) (LogGroup, error) {
	return r.svc.RestartLocalMember(ctx, def)
}

func (r *raftLogService) StopLocalMember(ctx context.Context, groupName string) error {
	return r.svc.StopLocalMember(ctx, groupName)
}

func (r *raftLogService) DeleteGroup(ctx context.Context, def types.QueueDefinition) error {
	return r.svc.DeleteGroup(ctx, def)
}

func (r *raftLogService) Lookup(groupName string) (LogGroup, bool) {
	g, ok := r.svc.Lookup(groupName)
	if !ok {
		return nil, false
	}
	return g, true
}

// RecoveryOutcome classifies one queue's recovery result.
type RecoveryOutcome string

const (
	// OutcomeRecovered means the local member restarted from persisted
	// state.
	OutcomeRecovered RecoveryOutcome = "recovered"

	// OutcomeJoined means this node had no local state and a fresh
	// member was started and joined to the recorded group.
	OutcomeJoined RecoveryOutcome = "joined"

	// OutcomeAbsent means the queue could not be brought up on this
	// node; Err carries the cause.
	OutcomeAbsent RecoveryOutcome = "absent"
)

// RecoveryResult is the per-queue outcome of a recovery pass. Outcomes
// are independent; one absent queue never fails the batch.
type RecoveryResult struct {
	Definition *types.QueueDefinition
	Outcome    RecoveryOutcome
	Err        error
}

// Config holds lifecycle manager configuration.
type Config struct {
	NodeID string

	// Members is the current cluster membership. Group identities are
	// computed from it once, at declare time.
	Members []string

	// SessionSoftLimit bounds unconfirmed enqueues per session before
	// backpressure. Zero selects the session default.
	SessionSoftLimit int

	Logger *slog.Logger
}

// Manager binds logical queue names to replicated groups.
type Manager struct {
	cfg    Config
	store  store.Store
	logs   LogService
	sink   events.Sink
	logger *slog.Logger

	sessionsMu sync.RWMutex
	sessions   map[string]*session.Session

	deadLetters *deadletter.Router
	watchesMu   sync.Mutex
	watches     map[string]func()
}

// New creates a lifecycle manager.
func New(cfg Config, st store.Store, logs LogService, sink events.Sink) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if sink == nil {
		sink = events.Noop{}
	}
	return &Manager{
		cfg:      cfg,
		store:    st,
		logs:     logs,
		sink:     sink,
		logger:   cfg.Logger,
		sessions: make(map[string]*session.Session),
		watches:  make(map[string]func()),
	}
}

// SetDeadLetterRouter attaches the router that consumes dead-letter
// effects from every queue this manager brings up. Must be called before
// the first Declare or Recover.
func (m *Manager) SetDeadLetterRouter(r *deadletter.Router) {
	m.deadLetters = r
}

func (m *Manager) watchDeadLetters(identity types.QueueIdentity, groupName string, lg LogGroup) {
	if m.deadLetters == nil {
		return
	}

	m.watchesMu.Lock()
	defer m.watchesMu.Unlock()
	if _, ok := m.watches[groupName]; ok {
		return
	}
	m.watches[groupName] = m.deadLetters.Watch(identity, lg)
}

func (m *Manager) stopWatch(groupName string) {
	m.watchesMu.Lock()
	stop, ok := m.watches[groupName]
	delete(m.watches, groupName)
	m.watchesMu.Unlock()

	if ok {
		stop()
	}
}

// Declare validates and creates a queue: registers it in the metadata
// store, starts a fresh replicated group with one member per cluster
// node, and opens a session against the local member. A failed group
// start rolls the registration back.
//
// Redeclaring an existing queue with a matching definition attaches to
// it instead of failing.
func (m *Manager) Declare(ctx context.Context, identity types.QueueIdentity) (*types.QueueDefinition, *session.Session, error) {
	if err := identity.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrPreconditionFailed, err)
	}

	group := types.NewGroupIdentity(identity, m.cfg.Members)
	if err := m.assignGroupPort(ctx, &group); err != nil {
		return nil, nil, fmt.Errorf("%w: assigning port slot for group %s: %w", ErrInternal, group.Name, err)
	}
	def := &types.QueueDefinition{
		Identity: identity,
		Group:    group,
		Handle:   types.QueueHandle{GroupName: group.Name},
	}

	if err := m.store.RegisterQueue(ctx, def); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return m.attach(ctx, identity)
		}
		return nil, nil, fmt.Errorf("register queue %s: %w", identity.Key(), err)
	}

	lg, err := m.logs.StartGroup(ctx, *def)
	if err != nil {
		if rbErr := m.store.DeleteQueue(ctx, identity.VHost, identity.Name); rbErr != nil {
			m.logger.Error("declare rollback failed",
				slog.String("queue", identity.Key()),
				slog.String("error", rbErr.Error()))
		}
		return nil, nil, fmt.Errorf("%w: starting group %s: %w", ErrInternal, group.Name, err)
	}

	if leader := lg.LeaderID(); leader != "" {
		def.Handle.Leader = leader
		m.recordLeader(ctx, identity, leader)
	}

	m.watchDeadLetters(identity, group.Name, lg)
	sess := m.openSession(identity, lg)
	m.sink.QueueCreated(ctx, *def)

	m.logger.Info("queue declared",
		slog.String("queue", identity.Key()),
		slog.String("group", group.Name))

	return def, sess, nil
}

// assignGroupPort probes forward from the group's hash-seeded port
// offset until it reaches a slot no registered queue holds, so two
// groups on one node never bind the same raft transport port.
func (m *Manager) assignGroupPort(ctx context.Context, group *types.GroupIdentity) error {
	defs, err := m.store.ListQueues(ctx, "")
	if err != nil {
		return fmt.Errorf("list queues: %w", err)
	}

	used := make(map[int]string, len(defs))
	for _, d := range defs {
		used[d.Group.PortOffset] = d.Group.Name
	}

	for i := 0; i < types.GroupPortWindow; i++ {
		off := (group.PortOffset + i) % types.GroupPortWindow
		if name, ok := used[off]; !ok || name == group.Name {
			group.PortOffset = off
			return nil
		}
	}
	return errors.New("no free port slot for group transport")
}

// attach resolves a redeclare of an already-registered queue.
func (m *Manager) attach(ctx context.Context, identity types.QueueIdentity) (*types.QueueDefinition, *session.Session, error) {
	existing, err := m.store.LookupQueue(ctx, identity.VHost, identity.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup queue %s: %w", identity.Key(), err)
	}
	if existing.Identity.Durable != identity.Durable {
		return nil, nil, fmt.Errorf("%w: queue %s already declared with different properties",
			ErrPreconditionFailed, identity.Key())
	}

	lg, ok := m.logs.Lookup(existing.Handle.GroupName)
	if !ok {
		lg, err = m.logs.RestartLocalMember(ctx, *existing)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: attaching to group %s: %s",
				ErrInternal, existing.Handle.GroupName, err)
		}
	}

	m.watchDeadLetters(existing.Identity, existing.Handle.GroupName, lg)
	return existing, m.openSession(existing.Identity, lg), nil
}

func (m *Manager) openSession(identity types.QueueIdentity, lg LogGroup) *session.Session {
	sess := session.Open(identity, lg, session.Options{
		SoftLimit: m.cfg.SessionSoftLimit,
		Logger:    m.logger,
		OnCheckout: func(tag string) {
			m.sink.ConsumerCreated(context.Background(), identity, tag)
		},
		OnCancel: func(tag string) {
			m.sink.ConsumerDeleted(context.Background(), identity, tag)
		},
	})

	m.sessionsMu.Lock()
	m.sessions[sess.ID()] = sess
	m.sessionsMu.Unlock()

	return sess
}

// CancelConsumer applies a consumer-cancel, typically forwarded from the
// node that observed the cancellation, to a locally owned session.
func (m *Manager) CancelConsumer(ctx context.Context, sessionID, tag string) error {
	m.sessionsMu.RLock()
	sess, ok := m.sessions[sessionID]
	m.sessionsMu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return sess.CancelCheckout(ctx, tag)
}

// Session returns a locally owned session by ID.
func (m *Manager) Session(sessionID string) (*session.Session, bool) {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// CloseSession tears down a locally owned session.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	m.sessionsMu.Lock()
	sess, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.sessionsMu.Unlock()

	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return sess.Close(ctx)
}

// Recover brings previously declared queues back up after a node
// restart. Each queue's outcome is independent: a clean restart from
// persisted state, a fresh join using the recorded membership, or
// absent with the cause. Every non-absent queue is re-registered in the
// metadata store.
func (m *Manager) Recover(ctx context.Context, defs []*types.QueueDefinition) []RecoveryResult {
	results := make([]RecoveryResult, 0, len(defs))

	for _, def := range defs {
		results = append(results, m.recoverOne(ctx, def))
	}

	return results
}

func (m *Manager) recoverOne(ctx context.Context, def *types.QueueDefinition) RecoveryResult {
	if !def.Group.HasMember(m.cfg.NodeID) {
		// The queue lives on other nodes; nothing to start here.
		return RecoveryResult{Definition: def, Outcome: OutcomeRecovered}
	}

	lg, err := m.logs.RestartLocalMember(ctx, *def)
	if err != nil {
		m.logger.Error("queue recovery failed",
			slog.String("queue", def.Identity.Key()),
			slog.String("group", def.Group.Name),
			slog.String("error", err.Error()))
		return RecoveryResult{Definition: def, Outcome: OutcomeAbsent, Err: err}
	}

	if err := m.store.RegisterQueue(ctx, def); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return RecoveryResult{Definition: def, Outcome: OutcomeAbsent, Err: err}
	}

	outcome := OutcomeJoined
	if lg.Restored() {
		outcome = OutcomeRecovered
	}

	m.watchDeadLetters(def.Identity, def.Group.Name, lg)

	m.logger.Info("queue recovered",
		slog.String("queue", def.Identity.Key()),
		slog.String("outcome", string(outcome)))

	return RecoveryResult{Definition: def, Outcome: outcome}
}

// Stop stops all local group members whose queue belongs to vhost,
// leaving other nodes' members and the cluster-wide membership intact.
// An empty vhost stops every local member.
func (m *Manager) Stop(ctx context.Context, vhost string) error {
	defs, err := m.store.ListQueues(ctx, vhost)
	if err != nil {
		return fmt.Errorf("list queues: %w", err)
	}

	for _, def := range defs {
		m.stopWatch(def.Handle.GroupName)
		if err := m.logs.StopLocalMember(ctx, def.Handle.GroupName); err != nil {
			m.logger.Warn("failed to stop local member",
				slog.String("queue", def.Identity.Key()),
				slog.String("error", err.Error()))
		}
	}

	return nil
}

// Delete removes a queue: the metadata record and the entire replicated
// group on every node. It returns the number of messages dropped and
// returns only after the group's leader member has terminated.
//
// ifUnused and ifEmpty are accepted but not enforced for this queue
// type; see the known-limitations section of the project documentation.
func (m *Manager) Delete(ctx context.Context, identity types.QueueIdentity, ifUnused, ifEmpty bool) (int, error) {
	def, err := m.store.LookupQueue(ctx, identity.VHost, identity.Name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, identity.Key())
		}
		return 0, err
	}

	if ifUnused || ifEmpty {
		m.logger.Warn("if-unused/if-empty preconditions are not enforced for replicated queues",
			slog.String("queue", identity.Key()))
	}

	count := 0
	if lg, ok := m.logs.Lookup(def.Handle.GroupName); ok {
		c := lg.Counts()
		count = c.Ready + c.Unacked
	}

	if err := m.store.DeleteQueue(ctx, identity.VHost, identity.Name); err != nil {
		return 0, fmt.Errorf("deregister queue %s: %w", identity.Key(), err)
	}

	m.stopWatch(def.Handle.GroupName)
	if err := m.logs.DeleteGroup(ctx, *def); err != nil {
		return 0, fmt.Errorf("delete group %s: %w", def.Group.Name, err)
	}

	m.sink.QueueDeleted(ctx, *def, count)

	m.logger.Info("queue deleted",
		slog.String("queue", identity.Key()),
		slog.Int("messages", count))

	return count, nil
}

// DeleteImmediately force-deletes one replicated group without
// message-count bookkeeping, with the same termination guarantees as
// Delete. Any matching metadata record is removed as well.
func (m *Manager) DeleteImmediately(ctx context.Context, group types.GroupIdentity) error {
	def := types.QueueDefinition{
		Group:  group,
		Handle: types.QueueHandle{GroupName: group.Name},
	}

	if defs, err := m.store.ListQueues(ctx, ""); err == nil {
		for _, d := range defs {
			if d.Handle.GroupName == group.Name {
				def = *d
				if err := m.store.DeleteQueue(ctx, d.Identity.VHost, d.Identity.Name); err != nil {
					m.logger.Warn("failed to deregister queue",
						slog.String("queue", d.Identity.Key()),
						slog.String("error", err.Error()))
				}
				break
			}
		}
	}

	m.stopWatch(group.Name)
	return m.logs.DeleteGroup(ctx, def)
}

// Publish appends a message directly to a named queue, outside any
// session. Dead-letter forwarding uses this as its exchange primitive.
func (m *Manager) Publish(ctx context.Context, vhost, name string, msg types.Message) error {
	def, err := m.store.LookupQueue(ctx, vhost, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, vhost, name)
		}
		return err
	}

	lg, ok := m.logs.Lookup(def.Handle.GroupName)
	if !ok {
		return fmt.Errorf("%w: no local member for group %s", ErrNotFound, def.Handle.GroupName)
	}

	_, err = lg.Append(ctx, &raft.Operation{
		Type:    raft.OpEnqueue,
		Message: &msg,
	})
	return err
}

// Purge drops all ready messages from a queue and returns how many were
// dropped. Unacknowledged deliveries are unaffected.
func (m *Manager) Purge(ctx context.Context, identity types.QueueIdentity) (int, error) {
	def, err := m.store.LookupQueue(ctx, identity.VHost, identity.Name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, identity.Key())
		}
		return 0, err
	}

	lg, ok := m.logs.Lookup(def.Handle.GroupName)
	if !ok {
		return 0, fmt.Errorf("%w: no local member for group %s", ErrNotFound, def.Handle.GroupName)
	}

	res, err := lg.Append(ctx, &raft.Operation{Type: raft.OpPurge})
	if err != nil {
		return 0, err
	}

	return res.Count, nil
}

// Lookup returns the stored definition for a queue.
func (m *Manager) Lookup(ctx context.Context, vhost, name string) (*types.QueueDefinition, error) {
	def, err := m.store.LookupQueue(ctx, vhost, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, vhost, name)
		}
		return nil, err
	}
	return def, nil
}

// List returns stored definitions, optionally scoped to one vhost.
func (m *Manager) List(ctx context.Context, vhost string) ([]*types.QueueDefinition, error) {
	return m.store.ListQueues(ctx, vhost)
}

func (m *Manager) recordLeader(ctx context.Context, identity types.QueueIdentity, leader string) {
	err := m.store.UpdateQueue(ctx, identity.VHost, identity.Name, func(def *types.QueueDefinition) error {
		def.Handle.Leader = leader
		return nil
	})
	if err != nil {
		m.logger.Warn("failed to record leader",
			slog.String("queue", identity.Key()),
			slog.String("error", err.Error()))
	}
}
