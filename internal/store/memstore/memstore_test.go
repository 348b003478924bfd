package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarebyte/tenant-lifecycle/internal/catalog"
	"github.com/flarebyte/tenant-lifecycle/internal/store"
)

func lookup(t *testing.T, name string) catalog.EntityType {
	t.Helper()
	et, ok := catalog.Default().Lookup(name)
	require.True(t, ok)
	return et
}

func TestTxIsolationAndCommit(t *testing.T) {
	ctx := context.Background()
	s := New(catalog.Default())
	s.CreateTenant("t1")
	tags := lookup(t, catalog.Tag)

	tx, err := s.Begin(ctx, "t1")
	require.NoError(t, err)
	res, err := tx.UpsertByConflictKey(ctx, tags, map[string]any{"name": "red", "title": "Red"})
	require.NoError(t, err)
	assert.True(t, res.Inserted)

	snap, err := s.Snapshot(ctx, "t1")
	require.NoError(t, err)
	rows, err := snap.ListByTenant(ctx, tags)
	require.NoError(t, err)
	assert.Empty(t, rows, "uncommitted writes must not be visible")

	again, err := tx.UpsertByConflictKey(ctx, tags, map[string]any{"name": "red", "title": "Crimson"})
	require.NoError(t, err)
	assert.False(t, again.Inserted)
	assert.Equal(t, res.ID, again.ID)

	require.NoError(t, tx.Commit(ctx))
	got := s.Rows("t1", catalog.Tag)
	require.Len(t, got, 1)
	assert.Equal(t, "Crimson", got[0].Values["title"])

	rows, err = snap.ListByTenant(ctx, tags)
	require.NoError(t, err)
	assert.Empty(t, rows, "snapshot must not see later commits")
	require.NoError(t, snap.Close(ctx))
}

func TestRollbackDiscards(t *testing.T) {
	ctx := context.Background()
	s := New(catalog.Default())
	s.CreateTenant("t1")
	_, err := s.Insert("t1", catalog.Tag, map[string]any{"name": "a", "title": "A"})
	require.NoError(t, err)

	tx, err := s.Begin(ctx, "t1")
	require.NoError(t, err)
	n, err := tx.DeleteNotIn(ctx, lookup(t, catalog.Tag), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, tx.Rollback(ctx))

	assert.Len(t, s.Rows("t1", catalog.Tag), 1)
	_, err = tx.ListByTenant(ctx, lookup(t, catalog.Tag))
	assert.Error(t, err)
}

func TestCommitChecksReferences(t *testing.T) {
	ctx := context.Background()
	s := New(catalog.Default())
	s.CreateTenant("t1")
	pid, err := s.Insert("t1", catalog.Project, map[string]any{"code": "p1", "name": "P"})
	require.NoError(t, err)
	_, err = s.Insert("t1", catalog.InventoryItem, map[string]any{"sku": "s", "name": "n", "quantity": 1, "project_id": pid})
	require.NoError(t, err)

	tx, err := s.Begin(ctx, "t1")
	require.NoError(t, err)
	_, err = tx.DeleteNotIn(ctx, lookup(t, catalog.Project), nil)
	require.NoError(t, err)
	err = tx.Commit(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "foreign key")
	assert.Len(t, s.Rows("t1", catalog.Project), 1)
}

func TestNaturalKeysStayUnique(t *testing.T) {
	ctx := context.Background()
	s := New(catalog.Default())
	s.CreateTenant("t1")
	channels := lookup(t, catalog.BotChannel)
	_, err := s.Insert("t1", catalog.BotChannel, map[string]any{"name": "support", "platform": "slack", "external_id": "A"})
	require.NoError(t, err)
	_, err = s.Insert("t1", catalog.BotChannel, map[string]any{"name": "support", "platform": "slack", "external_id": "B"})
	assert.ErrorContains(t, err, "duplicate natural key")

	tx, err := s.Begin(ctx, "t1")
	require.NoError(t, err)
	_, err = tx.UpsertByConflictKey(ctx, channels, map[string]any{"name": "support", "platform": "slack", "external_id": "B"})
	require.NoError(t, err, "natural keys are checked at commit")
	err = tx.Commit(ctx)
	assert.ErrorContains(t, err, "unique violation")
	assert.Len(t, s.Rows("t1", catalog.BotChannel), 1)

	// Renaming the old row in the same transaction frees the key.
	tx, err = s.Begin(ctx, "t1")
	require.NoError(t, err)
	_, err = tx.UpsertByConflictKey(ctx, channels, map[string]any{"name": "support", "platform": "slack", "external_id": "B"})
	require.NoError(t, err)
	_, err = tx.UpsertByConflictKey(ctx, channels, map[string]any{"name": "legacy", "platform": "slack", "external_id": "A"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.Len(t, s.Rows("t1", catalog.BotChannel), 2)
}

func TestScopedCommitsWithParent(t *testing.T) {
	ctx := context.Background()
	s := New(catalog.Default())
	s.CreateTenant("t1")
	s.CreateTenant("t2")
	_, err := s.Insert("t2", catalog.Tag, map[string]any{"name": "a", "title": "A"})
	require.NoError(t, err)

	tx, err := s.Begin(ctx, "t1")
	require.NoError(t, err)
	other, err := tx.(store.Scoper).Scoped(ctx, "t2")
	require.NoError(t, err)
	_, err = other.DeleteNotIn(ctx, lookup(t, catalog.Tag), nil)
	require.NoError(t, err)
	require.NoError(t, other.Commit(ctx))
	assert.Len(t, s.Rows("t2", catalog.Tag), 1, "scoped commit is a no-op")

	require.NoError(t, tx.Commit(ctx))
	assert.Empty(t, s.Rows("t2", catalog.Tag))
}

func TestTenantLock(t *testing.T) {
	ctx := context.Background()
	s := New(catalog.Default())

	l, err := s.AcquireTenantLock(ctx, "t1", time.Second)
	require.NoError(t, err)

	_, err = s.AcquireTenantLock(ctx, "t1", 20*time.Millisecond)
	require.True(t, errors.Is(err, store.ErrLockTimeout), "got %v", err)

	other, err := s.AcquireTenantLock(ctx, "t2", 20*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l2, err := s.AcquireTenantLock(ctx, "t1", time.Second)
		if assert.NoError(t, err) {
			assert.NoError(t, l2.Release(ctx))
		}
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx), "release is idempotent")
	wg.Wait()
}

func TestDeniedAndMissingTenant(t *testing.T) {
	ctx := context.Background()
	s := New(catalog.Default())
	s.CreateTenant("t1")
	s.Deny("t1")

	_, err := s.Snapshot(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrAccessDenied)
	_, err = s.Begin(ctx, "t9")
	assert.ErrorIs(t, err, store.ErrTenantNotFound)
	ok, err := s.TenantExists(ctx, "t9")
	require.NoError(t, err)
	assert.False(t, ok)
}
