// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http exposes the management API: queue declaration, deletion,
// purge, statistics, and a session surface for enqueue, dequeue and
// settlement.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/absmach/quorumq/queue/lifecycle"
	"github.com/absmach/quorumq/queue/session"
	"github.com/absmach/quorumq/queue/stats"
	"github.com/absmach/quorumq/queue/types"
)

// Server serves the management API.
type Server struct {
	manager   *lifecycle.Manager
	collector *stats.Collector
	logger    *slog.Logger
}

// NewServer builds the management HTTP server bound to addr.
func NewServer(addr string, manager *lifecycle.Manager, collector *stats.Collector, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager:   manager,
		collector: collector,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/queues", s.handleDeclare)
		r.Get("/queues", s.handleList)
		r.Get("/queues/{vhost}/{name}", s.handleStats)
		r.Delete("/queues/{vhost}/{name}", s.handleDelete)
		r.Post("/queues/{vhost}/{name}/purge", s.handlePurge)

		r.Post("/sessions/{session}/enqueue", s.handleEnqueue)
		r.Post("/sessions/{session}/checkout", s.handleCheckout)
		r.Post("/sessions/{session}/dequeue", s.handleDequeue)
		r.Post("/sessions/{session}/settle", s.handleSettle)
		r.Delete("/sessions/{session}", s.handleCloseSession)
	})

	return &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

type declareRequest struct {
	VHost     string         `json:"vhost"`
	Name      string         `json:"name"`
	Durable   bool           `json:"durable"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type declareResponse struct {
	Definition types.QueueDefinition `json:"definition"`
	SessionID  string                `json:"session_id"`
}

func (s *Server) handleDeclare(w http.ResponseWriter, r *http.Request) {
	var req declareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if req.VHost == "" {
		req.VHost = "/"
	}

	def, sess, err := s.manager.Declare(r.Context(), types.QueueIdentity{
		VHost:     req.VHost,
		Name:      req.Name,
		Durable:   req.Durable,
		Arguments: req.Arguments,
	})
	if err != nil {
		httpError(w, statusFor(err), "declare failed: %v", err)
		return
	}

	writeJSON(w, http.StatusCreated, declareResponse{
		Definition: *def,
		SessionID:  sess.ID(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	defs, err := s.manager.List(r.Context(), r.URL.Query().Get("vhost"))
	if err != nil {
		httpError(w, http.StatusInternalServerError, "list failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	qs, err := s.collector.Collect(r.Context(), chi.URLParam(r, "vhost"), chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, stats.ErrNotFound) {
			httpError(w, http.StatusNotFound, "queue not found")
			return
		}
		httpError(w, http.StatusInternalServerError, "stats failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

type deleteResponse struct {
	MessageCount int `json:"message_count"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	count, err := s.manager.Delete(r.Context(), types.QueueIdentity{
		VHost: chi.URLParam(r, "vhost"),
		Name:  chi.URLParam(r, "name"),
	}, q.Get("if_unused") == "true", q.Get("if_empty") == "true")
	if err != nil {
		httpError(w, statusFor(err), "delete failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{MessageCount: count})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	count, err := s.manager.Purge(r.Context(), types.QueueIdentity{
		VHost: chi.URLParam(r, "vhost"),
		Name:  chi.URLParam(r, "name"),
	})
	if err != nil {
		httpError(w, statusFor(err), "purge failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{MessageCount: count})
}

type enqueueRequest struct {
	Payload    []byte            `json:"payload"`
	Properties map[string]string `json:"properties,omitempty"`
	Confirm    bool              `json:"confirm"`
}

type enqueueResponse struct {
	SeqNo uint64 `json:"seq_no,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}

	seq, err := sess.Enqueue(r.Context(), types.Message{
		Payload:    req.Payload,
		Properties: req.Properties,
	}, req.Confirm)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "enqueue failed: %v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{SeqNo: seq})
}

type checkoutRequest struct {
	ConsumerTag string `json:"consumer_tag"`
	Prefetch    int    `json:"prefetch"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}

	if err := sess.Checkout(r.Context(), req.ConsumerTag, req.Prefetch); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, session.ErrDuplicateConsumer) {
			code = http.StatusConflict
		}
		httpError(w, code, "checkout failed: %v", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type dequeueRequest struct {
	ConsumerTag string `json:"consumer_tag"`
	AutoSettle  bool   `json:"auto_settle"`
}

func (s *Server) handleDequeue(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	var req dequeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}

	delivery, err := sess.Dequeue(r.Context(), req.ConsumerTag, req.AutoSettle)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "dequeue failed: %v", err)
		return
	}
	if delivery == nil {
		// Empty queue is a normal outcome, not an error.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

type settleRequest struct {
	ConsumerTag string   `json:"consumer_tag"`
	MessageIDs  []uint64 `json:"message_ids"`
	Op          string   `json:"op"` // settle, return, discard
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}

	var err error
	switch req.Op {
	case "", "settle":
		err = sess.Settle(r.Context(), req.ConsumerTag, req.MessageIDs)
	case "return":
		err = sess.Return(r.Context(), req.ConsumerTag, req.MessageIDs)
	case "discard":
		err = sess.Discard(r.Context(), req.ConsumerTag, req.MessageIDs)
	default:
		httpError(w, http.StatusBadRequest, "op must be one of: settle, return, discard")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "%s failed: %v", req.Op, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.CloseSession(r.Context(), chi.URLParam(r, "session")); err != nil {
		httpError(w, statusFor(err), "close session failed: %v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "session")
	sess, ok := s.manager.Session(id)
	if !ok {
		httpError(w, http.StatusNotFound, "unknown session %s", id)
		return nil, false
	}
	return sess, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInternal):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
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
