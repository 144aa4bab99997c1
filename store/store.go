// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package store defines durable metadata storage for declared queues:
// their identities, replication group membership and current handle.
package store

import (
	"context"
	"errors"

	"github.com/absmach/quorumq/queue/types"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Store persists queue definitions across restarts. Implementations must
// be safe for concurrent use.
type Store interface {
	// RegisterQueue records a newly declared queue. It returns
	// ErrAlreadyExists when a queue with the same vhost and name is
	// already registered.
	RegisterQueue(ctx context.Context, def *types.QueueDefinition) error

	// LookupQueue returns the definition for one queue, or ErrNotFound.
	LookupQueue(ctx context.Context, vhost, name string) (*types.QueueDefinition, error)

	// UpdateQueue applies mutate to the stored definition under the
	// store's write lock and persists the result. The mutation is
	// skipped and its error returned unchanged when mutate fails.
	UpdateQueue(ctx context.Context, vhost, name string, mutate func(*types.QueueDefinition) error) error

	// DeleteQueue removes one queue's definition. Deleting an unknown
	// queue returns ErrNotFound.
	DeleteQueue(ctx context.Context, vhost, name string) error

	// ListQueues returns definitions in one virtual host, or in all
	// virtual hosts when vhost is empty.
	ListQueues(ctx context.Context, vhost string) ([]*types.QueueDefinition, error)

	// Close releases the underlying backend.
	Close() error
}

// CopyDefinition creates a deep copy of a queue definition so callers and
// the store never share mutable state.
func CopyDefinition(def *types.QueueDefinition) *types.QueueDefinition {
	if def == nil {
		return nil
	}

	cp := &types.QueueDefinition{
		Identity: def.Identity,
		Group:    def.Group,
		Handle:   def.Handle,
	}

	if len(def.Identity.Arguments) > 0 {
		cp.Identity.Arguments = make(map[string]any, len(def.Identity.Arguments))
		for k, v := range def.Identity.Arguments {
			cp.Identity.Arguments[k] = v
		}
	}
	if len(def.Group.Members) > 0 {
		cp.Group.Members = make([]string, len(def.Group.Members))
		copy(cp.Group.Members, def.Group.Members)
	}

	return cp
}
