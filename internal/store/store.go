// Package store declares the repository surface the lifecycle engine needs
// from a tenant-scoped relational store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flarebyte/tenant-lifecycle/internal/catalog"
)

// ErrAccessDenied is returned (possibly wrapped) when the store refuses
// access to a tenant's rows.
var ErrAccessDenied = errors.New("store: access denied")

// ErrTenantNotFound is returned when the tenant does not exist.
var ErrTenantNotFound = errors.New("store: tenant not found")

// ErrLockTimeout is returned when a tenant lease could not be acquired
// before the timeout.
var ErrLockTimeout = errors.New("store: tenant lock timeout")

// Row is a stored record. Values hold field columns in their catalog types
// and reference columns as the referenced row's internal id (string) or nil.
type Row struct {
	ID     string
	Values map[string]any
}

// UpsertResult tells whether an upsert created a row.
type UpsertResult struct {
	ID       string
	Inserted bool
}

// Reader lists the rows of one entity type for the scoped tenant.
type Reader interface {
	ListByTenant(ctx context.Context, et catalog.EntityType) ([]Row, error)
}

// Snapshot is a consistent point-in-time view of one tenant. It is safe for
// concurrent ListByTenant calls.
type Snapshot interface {
	Reader
	Close(ctx context.Context) error
}

// Tx is a write transaction scoped to one tenant. Implementations serialise
// statements, so methods may be called from several goroutines.
type Tx interface {
	Reader
	// UpsertByConflictKey inserts values or updates the row with the same
	// conflict key. values carry field columns and reference columns.
	UpsertByConflictKey(ctx context.Context, et catalog.EntityType, values map[string]any) (UpsertResult, error)
	// UpdateReferences sets reference columns on an existing row.
	UpdateReferences(ctx context.Context, et catalog.EntityType, id string, refs map[string]any) error
	// DeleteNotIn deletes rows whose conflict key is not in keys. A nil or
	// empty keys deletes every row of the type.
	DeleteNotIn(ctx context.Context, et catalog.EntityType, keys [][]string) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Lease is an exclusive per-tenant lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Store is the repository consumed by the lifecycle engine.
type Store interface {
	TenantExists(ctx context.Context, tenantID string) (bool, error)
	Snapshot(ctx context.Context, tenantID string) (Snapshot, error)
	Begin(ctx context.Context, tenantID string) (Tx, error)
	AcquireTenantLock(ctx context.Context, tenantID string, timeout time.Duration) (Lease, error)
}

// Scoper is implemented by transactions that can address another tenant's
// rows inside the same transaction. The returned Tx commits and rolls back
// with its parent; its own Commit and Rollback do nothing.
type Scoper interface {
	Scoped(ctx context.Context, tenantID string) (Tx, error)
}
