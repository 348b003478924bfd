// Package memstore is an in-memory store.Store. Writes go to a private copy
// of the tenant and become visible on commit; reference columns and natural
// keys are checked at commit time like deferred constraints.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/flarebyte/tenant-lifecycle/internal/catalog"
	"github.com/flarebyte/tenant-lifecycle/internal/store"
)

// table maps internal id to row values.
type table map[string]map[string]any

type tenant struct {
	tables map[string]table
}

func (t *tenant) clone() *tenant {
	out := &tenant{tables: make(map[string]table, len(t.tables))}
	for name, tb := range t.tables {
		c := make(table, len(tb))
		for id, v := range tb {
			c[id] = copyValues(v)
		}
		out.tables[name] = c
	}
	return out
}

func (t *tenant) table(name string) table {
	tb, ok := t.tables[name]
	if !ok {
		tb = table{}
		t.tables[name] = tb
	}
	return tb
}

// Store is safe for concurrent use.
type Store struct {
	cat *catalog.Catalog

	mu      sync.RWMutex
	tenants map[string]*tenant
	denied  map[string]bool

	lockMu sync.Mutex
	locks  map[string]*semaphore.Weighted
}

var _ store.Store = (*Store)(nil)

// New returns an empty store for cat.
func New(cat *catalog.Catalog) *Store {
	return &Store{
		cat:     cat,
		tenants: map[string]*tenant{},
		denied:  map[string]bool{},
		locks:   map[string]*semaphore.Weighted{},
	}
}

// CreateTenant registers an empty tenant. It is a no-op for existing tenants.
func (s *Store) CreateTenant(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenantID]; !ok {
		s.tenants[tenantID] = &tenant{tables: map[string]table{}}
	}
}

// Deny makes every read and write of the tenant fail with store.ErrAccessDenied.
func (s *Store) Deny(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denied[tenantID] = true
}

// Insert seeds a row outside any transaction. Field values are coerced to
// their catalog types; reference columns must hold internal ids.
func (s *Store) Insert(tenantID, entityType string, values map[string]any) (string, error) {
	et, ok := s.cat.Lookup(entityType)
	if !ok {
		return "", fmt.Errorf("memstore: unknown entity type %q", entityType)
	}
	fields := map[string]any{}
	row := map[string]any{}
	for k, v := range values {
		if _, ok := et.Reference(k); ok {
			row[k] = v
			continue
		}
		fields[k] = v
	}
	coerced, problems := et.Coerce(fields)
	if len(problems) > 0 {
		return "", fmt.Errorf("memstore: insert %s: %s", entityType, problems[0].Message)
	}
	for k, v := range coerced {
		row[k] = v
	}
	for _, r := range et.References {
		if _, ok := row[r.Column]; !ok {
			row[r.Column] = nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return "", fmt.Errorf("memstore: insert %s: %w", tenantID, store.ErrTenantNotFound)
	}
	tb := t.table(et.Table)
	nk := catalog.JoinKey(et.NaturalKeyOf(row))
	for _, other := range tb {
		if catalog.JoinKey(et.NaturalKeyOf(other)) == nk {
			return "", fmt.Errorf("memstore: insert %s: duplicate natural key %s", entityType, strings.Join(et.NaturalKeyOf(row), "/"))
		}
	}
	id := uuid.NewString()
	tb[id] = row
	return id, nil
}

// Rows returns the committed rows of an entity type ordered by id.
func (s *Store) Rows(tenantID, entityType string) []store.Row {
	et, ok := s.cat.Lookup(entityType)
	if !ok {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil
	}
	return listRows(t.tables[et.Table])
}

func listRows(tb table) []store.Row {
	out := make([]store.Row, 0, len(tb))
	for id, v := range tb {
		out = append(out, store.Row{ID: id, Values: copyValues(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) check(tenantID string) (*tenant, error) {
	if s.denied[tenantID] {
		return nil, fmt.Errorf("memstore: tenant %s: %w", tenantID, store.ErrAccessDenied)
	}
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("memstore: tenant %s: %w", tenantID, store.ErrTenantNotFound)
	}
	return t, nil
}

func (s *Store) TenantExists(_ context.Context, tenantID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.denied[tenantID] {
		return false, fmt.Errorf("memstore: tenant %s: %w", tenantID, store.ErrAccessDenied)
	}
	_, ok := s.tenants[tenantID]
	return ok, nil
}

// Snapshot deep-copies the tenant under the read lock.
func (s *Store) Snapshot(ctx context.Context, tenantID string) (store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.check(tenantID)
	if err != nil {
		return nil, err
	}
	return &snapshot{t: t.clone()}, nil
}

// Begin starts a copy-on-write transaction. Callers hold the tenant lease;
// the last commit of a tenant wins.
func (s *Store) Begin(ctx context.Context, tenantID string) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	t, err := s.check(tenantID)
	var work *tenant
	if err == nil {
		work = t.clone()
	}
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	st := &txState{s: s, work: map[string]*tenant{tenantID: work}}
	return &tx{state: st, tenantID: tenantID}, nil
}

// AcquireTenantLock waits up to timeout for the tenant's semaphore.
func (s *Store) AcquireTenantLock(ctx context.Context, tenantID string, timeout time.Duration) (store.Lease, error) {
	s.lockMu.Lock()
	sem, ok := s.locks[tenantID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		s.locks[tenantID] = sem
	}
	s.lockMu.Unlock()

	if sem.TryAcquire(1) {
		return &lease{sem: sem}, nil
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := sem.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("memstore: tenant %s: %w", tenantID, store.ErrLockTimeout)
	}
	return &lease{sem: sem}, nil
}

type lease struct {
	once sync.Once
	sem  *semaphore.Weighted
}

func (l *lease) Release(context.Context) error {
	l.once.Do(func() { l.sem.Release(1) })
	return nil
}

type snapshot struct {
	mu     sync.Mutex
	t      *tenant
	closed bool
}

func (sn *snapshot) ListByTenant(ctx context.Context, et catalog.EntityType) ([]store.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if sn.closed {
		return nil, errors.New("memstore: snapshot closed")
	}
	return listRows(sn.t.tables[et.Table]), nil
}

func (sn *snapshot) Close(context.Context) error {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	sn.closed = true
	return nil
}

// txState is shared by a transaction and its scoped views.
type txState struct {
	s    *Store
	mu   sync.Mutex
	work map[string]*tenant
	done bool
}

type tx struct {
	state    *txState
	tenantID string
	scoped   bool
}

var (
	_ store.Tx     = (*tx)(nil)
	_ store.Scoper = (*tx)(nil)
)

// lock takes the transaction mutex and returns the working copy of the
// tenant. The caller must unlock.
func (t *tx) lock(ctx context.Context) (*tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.state.mu.Lock()
	if t.state.done {
		t.state.mu.Unlock()
		return nil, errors.New("memstore: transaction already closed")
	}
	return t.state.work[t.tenantID], nil
}

func (t *tx) ListByTenant(ctx context.Context, et catalog.EntityType) ([]store.Row, error) {
	w, err := t.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer t.state.mu.Unlock()
	return listRows(w.tables[et.Table]), nil
}

func (t *tx) UpsertByConflictKey(ctx context.Context, et catalog.EntityType, values map[string]any) (store.UpsertResult, error) {
	w, err := t.lock(ctx)
	if err != nil {
		return store.UpsertResult{}, err
	}
	defer t.state.mu.Unlock()

	row := make(map[string]any, len(et.Fields)+len(et.References))
	for _, c := range et.Columns() {
		row[c] = copyValue(values[c])
	}
	tb := w.table(et.Table)
	key := catalog.JoinKey(et.ConflictKeyOf(row))
	for id, existing := range tb {
		if catalog.JoinKey(et.ConflictKeyOf(existing)) == key {
			tb[id] = row
			return store.UpsertResult{ID: id}, nil
		}
	}
	id := uuid.NewString()
	tb[id] = row
	return store.UpsertResult{ID: id, Inserted: true}, nil
}

func (t *tx) UpdateReferences(ctx context.Context, et catalog.EntityType, id string, refs map[string]any) error {
	w, err := t.lock(ctx)
	if err != nil {
		return err
	}
	defer t.state.mu.Unlock()
	row, ok := w.table(et.Table)[id]
	if !ok {
		return fmt.Errorf("memstore: update %s %s: row not found", et.Name, id)
	}
	for col, v := range refs {
		if _, ok := et.Reference(col); !ok {
			return fmt.Errorf("memstore: update %s: %q is not a reference column", et.Name, col)
		}
		row[col] = v
	}
	return nil
}

func (t *tx) DeleteNotIn(ctx context.Context, et catalog.EntityType, keys [][]string) (int64, error) {
	w, err := t.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer t.state.mu.Unlock()
	keep := make(map[string]bool, len(keys))
	for _, k := range keys {
		keep[catalog.JoinKey(k)] = true
	}
	tb := w.table(et.Table)
	var n int64
	for id, row := range tb {
		if !keep[catalog.JoinKey(et.ConflictKeyOf(row))] {
			delete(tb, id)
			n++
		}
	}
	return n, nil
}

// Scoped opens a view of another tenant inside the same transaction.
func (t *tx) Scoped(ctx context.Context, tenantID string) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.state.mu.Lock()
	defer t.state.mu.Unlock()
	if t.state.done {
		return nil, errors.New("memstore: transaction already closed")
	}
	if _, ok := t.state.work[tenantID]; !ok {
		s := t.state.s
		s.mu.RLock()
		other, err := s.check(tenantID)
		var work *tenant
		if err == nil {
			work = other.clone()
		}
		s.mu.RUnlock()
		if err != nil {
			return nil, err
		}
		t.state.work[tenantID] = work
	}
	return &tx{state: t.state, tenantID: tenantID, scoped: true}, nil
}

func (t *tx) Commit(ctx context.Context) error {
	if t.scoped {
		return nil
	}
	if err := ctx.Err(); err != nil {
		_ = t.Rollback(context.Background())
		return err
	}
	t.state.mu.Lock()
	defer t.state.mu.Unlock()
	if t.state.done {
		return errors.New("memstore: transaction already closed")
	}
	t.state.done = true
	s := t.state.s
	for id, w := range t.state.work {
		if err := multierr.Append(s.checkReferences(w), s.checkNaturalKeys(w)); err != nil {
			return fmt.Errorf("memstore: commit tenant %s: %w", id, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range t.state.work {
		s.tenants[id] = w
	}
	return nil
}

func (t *tx) Rollback(context.Context) error {
	if t.scoped {
		return nil
	}
	t.state.mu.Lock()
	defer t.state.mu.Unlock()
	t.state.done = true
	return nil
}

// checkReferences verifies that every non-null reference column points at a
// row of the target type in the same tenant.
func (s *Store) checkReferences(t *tenant) error {
	for _, et := range s.cat.EntityTypes() {
		for id, row := range t.tables[et.Table] {
			for _, r := range et.References {
				v := row[r.Column]
				if v == nil {
					continue
				}
				target, _ := s.cat.Lookup(r.Target)
				ref, _ := v.(string)
				if _, ok := t.tables[target.Table][ref]; !ok {
					return fmt.Errorf("foreign key violation: %s %s.%s -> %v", et.Name, id, r.Column, v)
				}
			}
		}
	}
	return nil
}

// checkNaturalKeys verifies that no two rows of a type share a natural key.
func (s *Store) checkNaturalKeys(t *tenant) error {
	for _, et := range s.cat.EntityTypes() {
		seen := make(map[string]string, len(t.tables[et.Table]))
		for id, row := range t.tables[et.Table] {
			nk := catalog.JoinKey(et.NaturalKeyOf(row))
			if other, ok := seen[nk]; ok {
				return fmt.Errorf("unique violation: %s %s and %s share natural key %s", et.Name, other, id, strings.Join(et.NaturalKeyOf(row), "/"))
			}
			seen[nk] = id
		}
	}
	return nil
}

func copyValues(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return copyValues(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
