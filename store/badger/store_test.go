// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/quorumq/queue/types"
	"github.com/absmach/quorumq/store"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testDef(vhost, name string) *types.QueueDefinition {
	identity := types.QueueIdentity{VHost: vhost, Name: name, Durable: true}
	group := types.NewGroupIdentity(identity, []string{"node1", "node2", "node3"})
	return &types.QueueDefinition{
		Identity: identity,
		Group:    group,
		Handle:   types.QueueHandle{GroupName: group.Name},
	}
}

func TestStore_RegisterLookupDelete(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	def := testDef("/", "orders")
	require.NoError(t, s.RegisterQueue(ctx, def))

	got, err := s.LookupQueue(ctx, "/", "orders")
	require.NoError(t, err)
	assert.Equal(t, def.Identity, got.Identity)
	assert.Equal(t, def.Group.Members, got.Group.Members)

	assert.ErrorIs(t, s.RegisterQueue(ctx, testDef("/", "orders")), store.ErrAlreadyExists)

	require.NoError(t, s.DeleteQueue(ctx, "/", "orders"))
	_, err = s.LookupQueue(ctx, "/", "orders")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteQueue(ctx, "/", "orders"), store.ErrNotFound)
}

func TestStore_Update(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterQueue(ctx, testDef("/", "orders")))

	err := s.UpdateQueue(ctx, "/", "orders", func(def *types.QueueDefinition) error {
		def.Handle.Leader = "node3"
		return nil
	})
	require.NoError(t, err)

	got, err := s.LookupQueue(ctx, "/", "orders")
	require.NoError(t, err)
	assert.Equal(t, "node3", got.Handle.Leader)

	err = s.UpdateQueue(ctx, "/", "ghost", func(*types.QueueDefinition) error { return nil })
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_UpdateRetriesConflicts(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterQueue(ctx, testDef("/", "orders")))

	// Concurrent read-modify-writes on one key provoke transaction
	// conflicts; every update must still land.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(leader string) {
			defer wg.Done()
			err := s.UpdateQueue(ctx, "/", "orders", func(def *types.QueueDefinition) error {
				def.Handle.Leader = leader
				return nil
			})
			assert.NoError(t, err)
		}(strconv.Itoa(i))
	}
	wg.Wait()

	got, err := s.LookupQueue(ctx, "/", "orders")
	require.NoError(t, err)
	assert.NotEmpty(t, got.Handle.Leader)
}

func TestStore_List(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterQueue(ctx, testDef("tenant-a", "q1")))
	require.NoError(t, s.RegisterQueue(ctx, testDef("tenant-b", "q2")))

	all, err := s.ListQueues(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	scoped, err := s.ListQueues(ctx, "tenant-b")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "q2", scoped[0].Identity.Name)
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(Config{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.RegisterQueue(ctx, testDef("/", "orders")))
	require.NoError(t, s.Close())

	s, err = New(Config{Dir: dir})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.LookupQueue(ctx, "/", "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", got.Identity.Name)
}
