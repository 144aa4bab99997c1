// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a BadgerDB-backed queue metadata store.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/absmach/quorumq/queue/types"
	"github.com/absmach/quorumq/store"
)

var _ store.Store = (*Store)(nil)

const queuePrefix = "queue:"

// Store is a BadgerDB-backed implementation of store.Store.
type Store struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir string
}

// New opens a BadgerDB-backed metadata store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	// Queue definitions are tiny and written rarely; sync writes keep
	// registrations durable across crashes.
	opts.SyncWrites = true
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	s := &Store{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go s.runGC()

	return s, nil
}

func queueKey(vhost, name string) []byte {
	return []byte(queuePrefix + vhost + "/" + name)
}

// RegisterQueue records a newly declared queue.
func (s *Store) RegisterQueue(_ context.Context, def *types.QueueDefinition) error {
	key := queueKey(def.Identity.VHost, def.Identity.Name)

	data, err := json.Marshal(def)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return store.ErrAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

// LookupQueue returns the definition for one queue.
func (s *Store) LookupQueue(_ context.Context, vhost, name string) (*types.QueueDefinition, error) {
	var def *types.QueueDefinition

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(queueKey(vhost, name))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			def = &types.QueueDefinition{}
			return json.Unmarshal(val, def)
		})
	})
	if err != nil {
		return nil, err
	}

	return def, nil
}

// updateRetries bounds retries of a read-modify-write that loses a
// serializable-isolation conflict to a concurrent writer.
const updateRetries = 5

// UpdateQueue applies mutate to the stored definition inside a single
// read-modify-write transaction. Conflicting concurrent updates are
// retried; mutate must therefore be side-effect free.
func (s *Store) UpdateQueue(_ context.Context, vhost, name string, mutate func(*types.QueueDefinition) error) error {
	key := queueKey(vhost, name)

	var err error
	for attempt := 0; attempt <= updateRetries; attempt++ {
		err = s.updateQueueOnce(key, mutate)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *Store) updateQueueOnce(key []byte, mutate func(*types.QueueDefinition) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return store.ErrNotFound
			}
			return err
		}

		var def types.QueueDefinition
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &def)
		}); err != nil {
			return err
		}

		if err := mutate(&def); err != nil {
			return err
		}

		data, err := json.Marshal(&def)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// DeleteQueue removes one queue's definition.
func (s *Store) DeleteQueue(_ context.Context, vhost, name string) error {
	key := queueKey(vhost, name)

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

// ListQueues returns definitions in one virtual host, or all when vhost
// is empty. Key order gives stable, vhost-then-name sorted output.
func (s *Store) ListQueues(_ context.Context, vhost string) ([]*types.QueueDefinition, error) {
	prefix := []byte(queuePrefix)
	if vhost != "" {
		prefix = []byte(queuePrefix + vhost + "/")
	}

	var defs []*types.QueueDefinition
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var def types.QueueDefinition
				if err := json.Unmarshal(val, &def); err != nil {
					return err
				}
				defs = append(defs, &def)
				return nil
			})
			if err != nil {
				return fmt.Errorf("unmarshal queue definition: %w", err)
			}
		}
		return nil
	})

	return defs, err
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
