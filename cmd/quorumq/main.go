// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/absmach/quorumq/cluster"
	"github.com/absmach/quorumq/config"
	"github.com/absmach/quorumq/events"
	"github.com/absmach/quorumq/queue/deadletter"
	"github.com/absmach/quorumq/queue/leader"
	"github.com/absmach/quorumq/queue/lifecycle"
	"github.com/absmach/quorumq/queue/raft"
	"github.com/absmach/quorumq/queue/stats"
	api "github.com/absmach/quorumq/server/http"
	"github.com/absmach/quorumq/store"
	"github.com/absmach/quorumq/store/badger"
	"github.com/absmach/quorumq/store/memory"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup logging
	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting queue node",
		"node_id", cfg.Node.ID,
		"raft_addr", cfg.Raft.BindAddr,
		"cluster_addr", cfg.Cluster.BindAddr,
		"peers", len(cfg.Cluster.Peers))

	// Metadata store
	var st store.Store
	switch cfg.Storage.Type {
	case "memory":
		st = memory.New()
		slog.Info("Using in-memory metadata store")
	case "badger":
		bst, err := badger.New(badger.Config{Dir: cfg.Storage.BadgerDir})
		if err != nil {
			slog.Error("Failed to open metadata store", "error", err)
			os.Exit(1)
		}
		st = bst
		slog.Info("Using BadgerDB metadata store", "dir", cfg.Storage.BadgerDir)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}
	defer st.Close()

	// Cross-node control channel client
	peerClient := cluster.NewClient(cfg.Node.ID, cfg.Cluster.Peers, cfg.Cluster.RequestTimeout, logger)

	// Leadership transitions repoint queue handles asynchronously.
	transitions := leader.New(cfg.Node.ID, st, peerClient, logger)
	defer transitions.Close()

	// Replicated-log service, one raft group per queue
	raftSvc := raft.NewService(raft.ServiceConfig{
		NodeID:            cfg.Node.ID,
		DataDir:           filepath.Join(cfg.Node.DataDir, "raft"),
		BindAddr:          cfg.Raft.BindAddr,
		MemberAddrs:       cfg.Raft.MemberAddrs,
		HeartbeatTimeout:  cfg.Raft.HeartbeatTimeout,
		ElectionTimeout:   cfg.Raft.ElectionTimeout,
		SnapshotInterval:  cfg.Raft.SnapshotInterval,
		SnapshotThreshold: cfg.Raft.SnapshotThreshold,
		ApplyTimeout:      cfg.Raft.ApplyTimeout,
		OnLeader:          transitions.OnLeadershipChange,
		Logger:            logger,
	}, peerClient)
	defer raftSvc.Shutdown()

	sink, err := events.NewOtelSink()
	if err != nil {
		slog.Error("Failed to initialize event sink", "error", err)
		os.Exit(1)
	}

	manager := lifecycle.New(lifecycle.Config{
		NodeID:           cfg.Node.ID,
		Members:          cfg.Members(),
		SessionSoftLimit: cfg.Queue.SessionSoftLimit,
		Logger:           logger,
	}, st, lifecycle.NewLogService(raftSvc), sink)

	// Dead-lettered messages are routed into the queue named by the
	// resolved routing key.
	manager.SetDeadLetterRouter(deadletter.NewRouter(nil,
		deadletter.NewLocalExchange(manager, logger), logger))

	collector := stats.New(stats.Config{
		NodeID:       cfg.Node.ID,
		Registry:     statsRegistry{svc: raftSvc},
		Prober:       peerClient,
		ProbeTimeout: cfg.Cluster.ProbeTimeout,
		Logger:       logger,
	}, st)

	// Bring previously declared queues back up. Outcomes are
	// independent; absent queues are logged and left for operators.
	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), cfg.Queue.DeclareTimeout)
	defs, err := st.ListQueues(recoverCtx, "")
	if err != nil {
		slog.Error("Failed to list queues for recovery", "error", err)
		os.Exit(1)
	}
	for _, res := range manager.Recover(recoverCtx, defs) {
		if res.Outcome == lifecycle.OutcomeAbsent {
			slog.Error("Queue absent after recovery",
				"queue", res.Definition.Identity.Key(),
				"error", res.Err)
		}
	}
	cancelRecover()

	// Cross-node control channel server
	controlSrv := cluster.NewServer(cfg.Cluster.BindAddr,
		cluster.NewRaftMembers(raftSvc), collector, manager, logger)
	go func() {
		slog.Info("Control channel listening", "addr", cfg.Cluster.BindAddr)
		if err := controlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Control server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Management API
	var mgmtSrv *http.Server
	if cfg.HTTP.Enabled {
		mgmtSrv = api.NewServer(cfg.HTTP.Addr, manager, collector, logger)
		go func() {
			slog.Info("Management API listening", "addr", cfg.HTTP.Addr)
			if err := mgmtSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("Management server failed", "error", err)
				os.Exit(1)
			}
		}()
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if mgmtSrv != nil {
		if err := mgmtSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Management server shutdown error", "error", err)
		}
	}
	if err := controlSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Control server shutdown error", "error", err)
	}

	slog.Info("Queue node stopped")
}

// statsRegistry adapts the raft service to the collector's registry.
type statsRegistry struct {
	svc *raft.Service
}

func (r statsRegistry) Lookup(groupName string) (stats.Group, bool) {
	g, ok := r.svc.Lookup(groupName)
	if !ok {
		return nil, false
	}
	return g, true
}
