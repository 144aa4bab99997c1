// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package leader reacts to a local group member assuming leadership:
// it repoints the queue handle at this node and tells every other
// member to drop stale leader caches. The reaction runs asynchronously
// because leadership establishment waits on the callback returning.
package leader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/quorumq/queue/types"
	"github.com/absmach/quorumq/store"
)

// PeerInvalidator is the slice of the cross-node control channel the
// handler needs. Unreachable peers are a recoverable condition.
type PeerInvalidator interface {
	InvalidateCache(ctx context.Context, node, groupName string) error
}

const (
	taskBuffer     = 64
	peerCtxTimeout = 5 * time.Second
)

type transition struct {
	def    types.QueueDefinition
	leader bool
}

// Handler processes leadership transitions for all local group members.
type Handler struct {
	nodeID string
	store  store.Store
	peers  PeerInvalidator
	logger *slog.Logger

	tasks  chan transition
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates and starts the transition handler. peers may be nil on a
// single-node deployment.
func New(nodeID string, st store.Store, peers PeerInvalidator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		nodeID: nodeID,
		store:  st,
		peers:  peers,
		logger: logger,
		tasks:  make(chan transition, taskBuffer),
		stopCh: make(chan struct{}),
	}

	h.wg.Add(1)
	go h.run()

	return h
}

// OnLeadershipChange is invoked synchronously by the replicated-log
// engine. It only hands the transition to the background worker and
// returns immediately; no I/O happens on the caller's goroutine.
func (h *Handler) OnLeadershipChange(def types.QueueDefinition, leader bool) {
	select {
	case h.tasks <- transition{def: def, leader: leader}:
	default:
		h.logger.Warn("leadership transition queue full, dropping",
			slog.String("group", def.Group.Name))
	}
}

func (h *Handler) run() {
	defer h.wg.Done()

	for {
		select {
		case <-h.stopCh:
			return
		case t := <-h.tasks:
			if t.leader {
				h.becameLeader(t.def)
			}
		}
	}
}

func (h *Handler) becameLeader(def types.QueueDefinition) {
	ctx, cancel := context.WithTimeout(context.Background(), peerCtxTimeout)
	defer cancel()

	err := h.store.UpdateQueue(ctx, def.Identity.VHost, def.Identity.Name, func(d *types.QueueDefinition) error {
		d.Handle.Leader = h.nodeID
		return nil
	})
	if err != nil {
		// The handle self-heals on the next remote call; a failed
		// update here only extends the staleness window.
		h.logger.Warn("failed to repoint queue handle",
			slog.String("queue", def.Identity.Key()),
			slog.String("error", err.Error()))
	}

	h.logger.Info("assumed leadership",
		slog.String("queue", def.Identity.Key()),
		slog.String("group", def.Group.Name))

	if h.peers == nil {
		return
	}

	for _, node := range def.Group.Members {
		if node == h.nodeID {
			continue
		}
		pctx, pcancel := context.WithTimeout(context.Background(), peerCtxTimeout)
		if err := h.peers.InvalidateCache(pctx, node, def.Group.Name); err != nil {
			h.logger.Warn("failed to invalidate peer cache",
				slog.String("group", def.Group.Name),
				slog.String("node", node),
				slog.String("error", err.Error()))
		}
		pcancel()
	}
}

// Close stops the background worker. Queued transitions are dropped.
func (h *Handler) Close() {
	close(h.stopCh)
	h.wg.Wait()
}
