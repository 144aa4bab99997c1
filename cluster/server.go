// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/absmach/quorumq/queue/raft"
	"github.com/absmach/quorumq/queue/types"
)

// Members is the local member control surface peers invoke.
type Members interface {
	StartLocalMember(ctx context.Context, def types.QueueDefinition) error
	StopLocalMember(ctx context.Context, groupName string) error
}

// StatusSource answers liveness probes and cache invalidations.
type StatusSource interface {
	LocalStatus(groupName string) types.Status
	InvalidateGroup(groupName string)
}

// ConsumerCancels applies forwarded consumer-cancel notifications to
// locally owned sessions.
type ConsumerCancels interface {
	CancelConsumer(ctx context.Context, sessionID, tag string) error
}

// raftMembers adapts *raft.Service to the Members interface.
type raftMembers struct {
	svc *raft.Service
}

// NewRaftMembers wraps the replicated-log service for the control server.
func NewRaftMembers(svc *raft.Service) Members {
	return &raftMembers{svc: svc}
}

func (m *raftMembers) StartLocalMember(ctx context.Context, def types.QueueDefinition) error {
	_, err := m.svc.StartLocalMember(ctx, def)
	return err
}

func (m *raftMembers) StopLocalMember(ctx context.Context, groupName string) error {
	return m.svc.StopLocalMember(ctx, groupName)
}

type server struct {
	members Members
	status  StatusSource
	cancels ConsumerCancels
	logger  *slog.Logger
}

// NewServer builds the control-channel HTTP server bound to addr.
// cancels may be nil when the node hosts no sessions.
func NewServer(addr string, members Members, status StatusSource, cancels ConsumerCancels, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{
		members: members,
		status:  status,
		cancels: cancels,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/cluster", func(r chi.Router) {
		r.Post("/members", s.handleStartMember)
		r.Delete("/members/{group}", s.handleStopMember)
		r.Get("/members/{group}/status", s.handleStatus)
		r.Post("/members/{group}/invalidate", s.handleInvalidate)
		r.Post("/consumers/cancel", s.handleCancelConsumer)
	})

	return &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

func (s *server) handleStartMember(w http.ResponseWriter, r *http.Request) {
	var def types.QueueDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		httpError(w, http.StatusBadRequest, "invalid definition: %v", err)
		return
	}
	if def.Group.Name == "" {
		httpError(w, http.StatusBadRequest, "group name is required")
		return
	}

	if err := s.members.StartLocalMember(r.Context(), def); err != nil {
		httpError(w, http.StatusInternalServerError, "start member: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"group": def.Group.Name})
}

// handleStopMember blocks until the local member has terminated; the
// deleting node relies on that before reporting success.
func (s *server) handleStopMember(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")

	if err := s.members.StopLocalMember(r.Context(), group); err != nil {
		httpError(w, http.StatusInternalServerError, "stop member: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"group": group})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	writeJSON(w, http.StatusOK, statusResponse{Status: s.status.LocalStatus(group)})
}

func (s *server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	s.status.InvalidateGroup(group)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleCancelConsumer(w http.ResponseWriter, r *http.Request) {
	if s.cancels == nil {
		httpError(w, http.StatusNotImplemented, "consumer cancellation not available")
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}

	if err := s.cancels.CancelConsumer(r.Context(), req.SessionID, req.ConsumerTag); err != nil {
		httpError(w, http.StatusNotFound, "cancel consumer: %v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": fmt.Sprintf(format, args...),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
