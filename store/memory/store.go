// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory queue metadata store, used in
// tests and single-process setups without durability requirements.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/absmach/quorumq/queue/types"
	"github.com/absmach/quorumq/store"
)

var _ store.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu   sync.RWMutex
	data map[string]*types.QueueDefinition
}

// New creates a new in-memory metadata store.
func New() *Store {
	return &Store{
		data: make(map[string]*types.QueueDefinition),
	}
}

// RegisterQueue records a newly declared queue.
func (s *Store) RegisterQueue(_ context.Context, def *types.QueueDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := def.Identity.Key()
	if _, ok := s.data[key]; ok {
		return store.ErrAlreadyExists
	}
	s.data[key] = store.CopyDefinition(def)
	return nil
}

// LookupQueue returns the definition for one queue.
func (s *Store) LookupQueue(_ context.Context, vhost, name string) (*types.QueueDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.data[vhost+"/"+name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return store.CopyDefinition(def), nil
}

// UpdateQueue applies mutate to the stored definition.
func (s *Store) UpdateQueue(_ context.Context, vhost, name string, mutate func(*types.QueueDefinition) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := vhost + "/" + name
	def, ok := s.data[key]
	if !ok {
		return store.ErrNotFound
	}

	cp := store.CopyDefinition(def)
	if err := mutate(cp); err != nil {
		return err
	}
	s.data[key] = cp
	return nil
}

// DeleteQueue removes one queue's definition.
func (s *Store) DeleteQueue(_ context.Context, vhost, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := vhost + "/" + name
	if _, ok := s.data[key]; !ok {
		return store.ErrNotFound
	}
	delete(s.data, key)
	return nil
}

// ListQueues returns definitions in one virtual host, or all when vhost
// is empty, sorted by key for stable output.
func (s *Store) ListQueues(_ context.Context, vhost string) ([]*types.QueueDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]*types.QueueDefinition, 0, len(s.data))
	for _, def := range s.data {
		if vhost != "" && def.Identity.VHost != vhost {
			continue
		}
		defs = append(defs, store.CopyDefinition(def))
	}

	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Identity.Key() < defs[j].Identity.Key()
	})
	return defs, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
