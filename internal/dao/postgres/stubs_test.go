package postgres

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgBeginnerStub struct {
	beginFn   func(ctx context.Context) (pgx.Tx, error)
	beginTxFn func(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	rowFn     func(ctx context.Context, sql string, args ...any) pgx.Row
}

func (b pgBeginnerStub) Begin(ctx context.Context) (pgx.Tx, error) {
	if b.beginFn == nil {
		return nil, errors.New("begin not stubbed")
	}
	return b.beginFn(ctx)
}

func (b pgBeginnerStub) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	if b.beginTxFn == nil {
		return nil, errors.New("begin tx not stubbed")
	}
	return b.beginTxFn(ctx, opts)
}

func (b pgBeginnerStub) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return b.rowFn(ctx, sql, args...)
}

type rowStub struct {
	scanFn func(dest ...any) error
}

func (r rowStub) Scan(dest ...any) error {
	return r.scanFn(dest...)
}

// boolRow scans v into the first destination.
func boolRow(v bool) pgx.Row {
	return rowStub{scanFn: func(dest ...any) error {
		*dest[0].(*bool) = v
		return nil
	}}
}

type rowsStub struct {
	pgx.Rows
	values [][]any
	i      int
}

func (r *rowsStub) Next() bool {
	r.i++
	return r.i <= len(r.values)
}

func (r *rowsStub) Values() ([]any, error) { return r.values[r.i-1], nil }
func (r *rowsStub) Close()                 {}
func (r *rowsStub) Err() error             { return nil }

type call struct {
	sql  string
	args []any
}

// pgTxStub records every statement. Unstubbed queries succeed.
type pgTxStub struct {
	pgx.Tx

	mu         sync.Mutex
	calls      []call
	execFn     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryFn    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	commitFn   func(ctx context.Context) error
	rolledBack int
	committed  bool
}

func (t *pgTxStub) record(sql string, args []any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, call{sql: sql, args: args})
}

func (t *pgTxStub) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.record(sql, args)
	if t.execFn != nil {
		return t.execFn(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (t *pgTxStub) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	t.record(sql, args)
	if t.queryFn != nil {
		return t.queryFn(ctx, sql, args...)
	}
	return &rowsStub{}, nil
}

func (t *pgTxStub) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	t.record(sql, args)
	if t.queryRowFn != nil {
		return t.queryRowFn(ctx, sql, args...)
	}
	if strings.Contains(sql, "FROM tenants") {
		return boolRow(true)
	}
	return rowStub{scanFn: func(...any) error { return nil }}
}

func (t *pgTxStub) Commit(ctx context.Context) error {
	t.committed = true
	if t.commitFn != nil {
		return t.commitFn(ctx)
	}
	return nil
}

func (t *pgTxStub) Rollback(context.Context) error {
	t.rolledBack++
	return nil
}

// statements returns the recorded SQL containing substr.
func (t *pgTxStub) statements(substr string) []call {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []call
	for _, c := range t.calls {
		if strings.Contains(c.sql, substr) {
			out = append(out, c)
		}
	}
	return out
}
