package postgres

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/flarebyte/tenant-lifecycle/internal/catalog"
	"github.com/flarebyte/tenant-lifecycle/internal/dao/dbutil"
	"github.com/flarebyte/tenant-lifecycle/internal/store"
)

var readOnly = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

// snapshot is a repeatable-read view of one tenant. The first transaction
// exports its snapshot; concurrent readers open further transactions that
// import it, so every reader sees the same data.
type snapshot struct {
	s        *Store
	tenantID string
	id       string
	sem      *semaphore.Weighted

	mu     sync.Mutex
	idle   []pgx.Tx
	all    []pgx.Tx
	closed bool
}

var _ store.Snapshot = (*snapshot)(nil)

func (s *Store) Snapshot(ctx context.Context, tenantID string) (store.Snapshot, error) {
	ptx, err := s.db.BeginTx(ctx, readOnly)
	if err != nil {
		return nil, dbutil.ErrWrap("postgres.snapshot", mapErr(err), dbutil.Ident("tenant", tenantID))
	}
	fail := func(err error) (store.Snapshot, error) {
		_ = ptx.Rollback(context.Background())
		return nil, dbutil.ErrWrap("postgres.snapshot", err, dbutil.Ident("tenant", tenantID))
	}
	ok, err := tenantExists(ctx, ptx, tenantID)
	if err != nil {
		return fail(err)
	}
	if !ok {
		return fail(store.ErrTenantNotFound)
	}
	if err := setTenant(ctx, ptx, tenantID); err != nil {
		return fail(err)
	}
	var id string
	if err := ptx.QueryRow(ctx, `SELECT pg_export_snapshot()`).Scan(&id); err != nil {
		return fail(mapErr(err))
	}
	return &snapshot{
		s:        s,
		tenantID: tenantID,
		id:       id,
		sem:      semaphore.NewWeighted(int64(s.opts.Readers)),
		idle:     []pgx.Tx{ptx},
		all:      []pgx.Tx{ptx},
	}, nil
}

// take returns an idle reader, opening one that joins the exported snapshot
// when all are busy and the reader limit allows.
func (sn *snapshot) take(ctx context.Context) (pgx.Tx, error) {
	if err := sn.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	sn.mu.Lock()
	if sn.closed {
		sn.mu.Unlock()
		sn.sem.Release(1)
		return nil, errors.New("postgres: snapshot closed")
	}
	if n := len(sn.idle); n > 0 {
		r := sn.idle[n-1]
		sn.idle = sn.idle[:n-1]
		sn.mu.Unlock()
		return r, nil
	}
	sn.mu.Unlock()

	r, err := sn.join(ctx)
	if err != nil {
		sn.sem.Release(1)
		return nil, err
	}
	sn.mu.Lock()
	sn.all = append(sn.all, r)
	sn.mu.Unlock()
	return r, nil
}

func (sn *snapshot) join(ctx context.Context) (pgx.Tx, error) {
	r, err := sn.s.db.BeginTx(ctx, readOnly)
	if err != nil {
		return nil, mapErr(err)
	}
	// SET TRANSACTION SNAPSHOT must be the first statement and takes no
	// parameters.
	lit := "'" + strings.ReplaceAll(sn.id, "'", "''") + "'"
	if _, err := r.Exec(ctx, `SET TRANSACTION SNAPSHOT `+lit); err != nil {
		return nil, multierr.Append(mapErr(err), r.Rollback(context.Background()))
	}
	if err := setTenant(ctx, r, sn.tenantID); err != nil {
		return nil, multierr.Append(err, r.Rollback(context.Background()))
	}
	return r, nil
}

func (sn *snapshot) put(r pgx.Tx) {
	sn.mu.Lock()
	sn.idle = append(sn.idle, r)
	sn.mu.Unlock()
	sn.sem.Release(1)
}

func (sn *snapshot) ListByTenant(ctx context.Context, et catalog.EntityType) ([]store.Row, error) {
	r, err := sn.take(ctx)
	if err != nil {
		return nil, dbutil.ErrWrap("postgres.snapshot_list", err, dbutil.Ident("tenant", sn.tenantID))
	}
	defer sn.put(r)
	rows, err := listRows(ctx, r, et, sn.tenantID)
	return rows, dbutil.ErrWrap("postgres.snapshot_list", err, dbutil.Ident("tenant", sn.tenantID), dbutil.Ident("table", et.Table))
}

// Close ends every reader transaction.
func (sn *snapshot) Close(ctx context.Context) error {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if sn.closed {
		return nil
	}
	sn.closed = true
	var err error
	for _, r := range sn.all {
		err = multierr.Append(err, r.Rollback(ctx))
	}
	return dbutil.ErrWrap("postgres.snapshot_close", err, dbutil.Ident("tenant", sn.tenantID))
}
