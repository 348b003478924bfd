package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/flarebyte/tenant-lifecycle/internal/catalog"
	"github.com/flarebyte/tenant-lifecycle/internal/dao/dbutil"
	"github.com/flarebyte/tenant-lifecycle/internal/store"
)

// pgBeginner is the part of *pgxpool.Pool the store uses.
type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultReaders      = 4
)

// Options tunes a Store.
type Options struct {
	// PollInterval is the wait between advisory lock attempts.
	PollInterval time.Duration
	// Readers bounds the transactions sharing one export snapshot.
	Readers int
	Clock   clock.Clock
	Logger  *zap.Logger
}

// Store implements store.Store over PostgreSQL. Every entity table carries a
// tenant_id column; statements filter on it and set app.current_tenant for
// the row-level security policies.
type Store struct {
	db   pgBeginner
	cat  *catalog.Catalog
	opts Options
	log  *zap.Logger
}

var _ store.Store = (*Store)(nil)

func New(db pgBeginner, cat *catalog.Catalog, opts Options) *Store {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Readers <= 0 {
		opts.Readers = DefaultReaders
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{db: db, cat: cat, opts: opts, log: opts.Logger.With(zap.String("service", "postgres"))}
}

// mapErr turns privilege failures into store.ErrAccessDenied.
func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42501" {
		return fmt.Errorf("%w: %s", store.ErrAccessDenied, pgErr.Message)
	}
	return err
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func tenantExists(ctx context.Context, q queryRower, tenantID string) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1)`, tenantID).Scan(&ok)
	return ok, mapErr(err)
}

// setTenant scopes the transaction's row-level security to tenantID.
func setTenant(ctx context.Context, tx execer, tenantID string) error {
	_, err := tx.Exec(ctx, `SELECT set_config('`+tenantSetting+`', $1, true)`, tenantID)
	return mapErr(err)
}

func (s *Store) TenantExists(ctx context.Context, tenantID string) (bool, error) {
	ok, err := tenantExists(ctx, s.db, tenantID)
	return ok, dbutil.ErrWrap("postgres.tenant_exists", err, dbutil.Ident("tenant", tenantID))
}

// Begin opens a write transaction with every constraint deferred to
// commit, so rows may be written in any order within it.
func (s *Store) Begin(ctx context.Context, tenantID string) (store.Tx, error) {
	ptx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, dbutil.ErrWrap("postgres.begin", mapErr(err), dbutil.Ident("tenant", tenantID))
	}
	if err := s.prepare(ctx, ptx, tenantID); err != nil {
		_ = ptx.Rollback(context.Background())
		return nil, dbutil.ErrWrap("postgres.begin", err, dbutil.Ident("tenant", tenantID))
	}
	st := &txState{tx: ptx, current: tenantID}
	return &tx{s: s, st: st, tenantID: tenantID}, nil
}

func (s *Store) prepare(ctx context.Context, ptx pgx.Tx, tenantID string) error {
	ok, err := tenantExists(ctx, ptx, tenantID)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrTenantNotFound
	}
	if _, err := ptx.Exec(ctx, `SET CONSTRAINTS ALL DEFERRED`); err != nil {
		return mapErr(err)
	}
	return setTenant(ctx, ptx, tenantID)
}

// AcquireTenantLock takes a transaction-scoped advisory lock on the tenant,
// polling until timeout. The lease holds its own transaction; releasing it
// rolls that transaction back, which frees the lock.
func (s *Store) AcquireTenantLock(ctx context.Context, tenantID string, timeout time.Duration) (store.Lease, error) {
	ltx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, dbutil.ErrWrap("postgres.lock", mapErr(err), dbutil.Ident("tenant", tenantID))
	}
	deadline := s.opts.Clock.Now().Add(timeout)
	for {
		var ok bool
		err := ltx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))`, "tlc:"+tenantID).Scan(&ok)
		if err != nil {
			_ = ltx.Rollback(context.Background())
			return nil, dbutil.ErrWrap("postgres.lock", mapErr(err), dbutil.Ident("tenant", tenantID))
		}
		if ok {
			return &lease{tx: ltx}, nil
		}
		if !s.opts.Clock.Now().Before(deadline) {
			_ = ltx.Rollback(context.Background())
			return nil, fmt.Errorf("postgres: tenant %s: %w", tenantID, store.ErrLockTimeout)
		}
		s.log.Debug("Tenant lock busy, retrying", zap.String("tenant", tenantID))
		select {
		case <-ctx.Done():
			_ = ltx.Rollback(context.Background())
			return nil, ctx.Err()
		case <-s.opts.Clock.After(s.opts.PollInterval):
		}
	}
}

type lease struct {
	once sync.Once
	tx   pgx.Tx
	err  error
}

func (l *lease) Release(ctx context.Context) error {
	l.once.Do(func() { l.err = l.tx.Rollback(ctx) })
	return l.err
}
