// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/klauspost/compress/zstd"

	"github.com/absmach/quorumq/queue/types"
)

// FSM adapts the deterministic Machine to the raft.FSM interface.
// Raft calls Apply on every member for each committed log entry; the
// returned ApplyResult reaches only the leader through the apply future.
type FSM struct {
	mu      sync.RWMutex
	machine *Machine
	onApply func(*Effects)
	logger  *slog.Logger
}

// NewFSM creates the FSM for one queue's replicated group. onApply, when
// not nil, receives the effects of each applied entry in log order; raft
// serializes Apply, so the hook sees effects exactly as the log ordered
// them.
func NewFSM(identity types.QueueIdentity, onApply func(*Effects), logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{
		machine: NewMachine(identity),
		onApply: onApply,
		logger:  logger,
	}
}

// Apply applies a committed log entry to the machine.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var op Operation
	if err := json.Unmarshal(l.Data, &op); err != nil {
		f.logger.Error("failed to unmarshal operation",
			slog.String("error", err.Error()))
		return &ApplyResult{Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	res := f.machine.Apply(&op)
	if f.onApply != nil && !res.Effects.empty() {
		f.onApply(res.Effects)
	}
	return res
}

// Counts reads current machine occupancy.
func (f *FSM) Counts() Counts {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.machine.Counts()
}

// Snapshot captures the machine state for log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	data, err := json.Marshal(f.machine.snapshotState())
	f.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to encode machine state: %w", err)
	}

	return &machineSnapshot{data: data, logger: f.logger}, nil
}

// Restore replaces the machine state from a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	zr, err := zstd.NewReader(rc)
	if err != nil {
		return fmt.Errorf("failed to open snapshot reader: %w", err)
	}
	defer zr.Close()

	var st machineState
	if err := json.NewDecoder(zr).Decode(&st); err != nil {
		f.logger.Error("failed to decode snapshot",
			slog.String("error", err.Error()))
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.machine.restoreState(&st)
	f.logger.Info("restored machine snapshot",
		slog.String("queue", st.Identity.Name),
		slog.Int("ready", len(st.Queue)+len(st.Returned)))
	return nil
}

// machineSnapshot implements raft.FSMSnapshot with zstd-compressed JSON.
type machineSnapshot struct {
	data   []byte
	logger *slog.Logger
}

// Persist writes the snapshot to the given sink.
func (s *machineSnapshot) Persist(sink raft.SnapshotSink) error {
	zw, err := zstd.NewWriter(sink)
	if err != nil {
		sink.Cancel()
		return err
	}

	if _, err := zw.Write(s.data); err != nil {
		zw.Close()
		sink.Cancel()
		s.logger.Error("failed to write snapshot",
			slog.String("error", err.Error()))
		return err
	}
	if err := zw.Close(); err != nil {
		sink.Cancel()
		return err
	}

	return sink.Close()
}

// Release releases resources held by the snapshot.
func (s *machineSnapshot) Release() {}
