package postgres

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/flarebyte/tenant-lifecycle/internal/catalog"
	"github.com/flarebyte/tenant-lifecycle/internal/dao/dbutil"
	"github.com/flarebyte/tenant-lifecycle/internal/store"
)

var errTxClosed = errors.New("postgres: transaction already closed")

// txState is one pgx transaction shared by a tx and its scoped views. A pgx
// connection runs one statement at a time, so every statement holds mu.
type txState struct {
	mu sync.Mutex
	tx pgx.Tx
	// current is the tenant app.current_tenant is set to.
	current string
	done    bool
}

type tx struct {
	s        *Store
	st       *txState
	tenantID string
	scoped   bool
}

var (
	_ store.Tx     = (*tx)(nil)
	_ store.Scoper = (*tx)(nil)
)

// enter locks the transaction for one statement and points row-level
// security at this view's tenant.
func (t *tx) enter(ctx context.Context) (pgx.Tx, func(), error) {
	t.st.mu.Lock()
	if t.st.done {
		t.st.mu.Unlock()
		return nil, nil, errTxClosed
	}
	if t.st.current != t.tenantID {
		if err := setTenant(ctx, t.st.tx, t.tenantID); err != nil {
			t.st.mu.Unlock()
			return nil, nil, err
		}
		t.st.current = t.tenantID
	}
	return t.st.tx, t.st.mu.Unlock, nil
}

func (t *tx) ListByTenant(ctx context.Context, et catalog.EntityType) ([]store.Row, error) {
	ptx, unlock, err := t.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	rows, err := listRows(ctx, ptx, et, t.tenantID)
	return rows, dbutil.ErrWrap("postgres.list", err, dbutil.Ident("tenant", t.tenantID), dbutil.Ident("table", et.Table))
}

func (t *tx) UpsertByConflictKey(ctx context.Context, et catalog.EntityType, values map[string]any) (store.UpsertResult, error) {
	query, args, err := upsertRow(et, t.tenantID, values)
	if err != nil {
		return store.UpsertResult{}, err
	}
	ptx, unlock, err := t.enter(ctx)
	if err != nil {
		return store.UpsertResult{}, err
	}
	defer unlock()
	var res store.UpsertResult
	if err := ptx.QueryRow(ctx, query, args...).Scan(&res.ID, &res.Inserted); err != nil {
		return store.UpsertResult{}, dbutil.ErrWrap("postgres.upsert", mapErr(err),
			dbutil.Ident("tenant", t.tenantID), dbutil.Ident("table", et.Table), dbutil.ParamSummary("values", values))
	}
	return res, nil
}

func (t *tx) UpdateReferences(ctx context.Context, et catalog.EntityType, id string, refs map[string]any) error {
	if len(refs) == 0 {
		return nil
	}
	query, args, err := updateRefs(et, t.tenantID, id, refs)
	if err != nil {
		return err
	}
	ptx, unlock, err := t.enter(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	ct, err := ptx.Exec(ctx, query, args...)
	if err == nil && ct.RowsAffected() == 0 {
		err = pgx.ErrNoRows
	}
	return dbutil.ErrWrap("postgres.update_references", mapErr(err), dbutil.Ident("table", et.Table), dbutil.Ident("id", id))
}

func (t *tx) DeleteNotIn(ctx context.Context, et catalog.EntityType, keys [][]string) (int64, error) {
	var ids []string
	if len(keys) > 0 {
		rows, err := t.ListByTenant(ctx, et)
		if err != nil {
			return 0, err
		}
		ids = staleIDs(et, rows, keys)
		if len(ids) == 0 {
			return 0, nil
		}
	}
	query, args, err := deleteRows(et, t.tenantID, ids)
	if err != nil {
		return 0, err
	}
	ptx, unlock, err := t.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()
	ct, err := ptx.Exec(ctx, query, args...)
	if err != nil {
		return 0, dbutil.ErrWrap("postgres.delete", mapErr(err), dbutil.Ident("table", et.Table), dbutil.ParamSummary("ids", ids))
	}
	return ct.RowsAffected(), nil
}

// Scoped returns a view of the same transaction over another tenant.
func (t *tx) Scoped(ctx context.Context, tenantID string) (store.Tx, error) {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	if t.st.done {
		return nil, errTxClosed
	}
	ok, err := tenantExists(ctx, t.st.tx, tenantID)
	if err != nil {
		return nil, dbutil.ErrWrap("postgres.scope", err, dbutil.Ident("tenant", tenantID))
	}
	if !ok {
		return nil, dbutil.ErrWrap("postgres.scope", store.ErrTenantNotFound, dbutil.Ident("tenant", tenantID))
	}
	return &tx{s: t.s, st: t.st, tenantID: tenantID, scoped: true}, nil
}

// Commit checks the deferred constraints; a violation fails the commit and
// leaves nothing written.
func (t *tx) Commit(ctx context.Context) error {
	if t.scoped {
		return nil
	}
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	if t.st.done {
		return errTxClosed
	}
	t.st.done = true
	if err := t.st.tx.Commit(ctx); err != nil {
		return dbutil.ErrWrap("postgres.commit", mapErr(err), dbutil.Ident("tenant", t.tenantID))
	}
	t.s.log.Debug("Transaction committed", zap.String("tenant", t.tenantID))
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.scoped {
		return nil
	}
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	if t.st.done {
		return nil
	}
	t.st.done = true
	if err := t.st.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return dbutil.ErrWrap("postgres.rollback", err, dbutil.Ident("tenant", t.tenantID))
	}
	return nil
}
