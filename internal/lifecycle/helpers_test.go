package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/flarebyte/tenant-lifecycle/internal/archive"
	"github.com/flarebyte/tenant-lifecycle/internal/catalog"
	"github.com/flarebyte/tenant-lifecycle/internal/store"
	"github.com/flarebyte/tenant-lifecycle/internal/store/memstore"
)

var exportTime = time.Date(2026, 10, 1, 9, 30, 0, 0, time.UTC)

func testOptions() Options {
	mock := clock.NewMock()
	mock.Set(exportTime)
	return Options{Workers: 2, LockTimeout: 50 * time.Millisecond, Clock: mock}
}

func newEngine(s store.Store) *Engine {
	return New(s, catalog.Default(), testOptions())
}

func mustInsert(t *testing.T, s *memstore.Store, tenant, typ string, values map[string]any) string {
	t.Helper()
	id, err := s.Insert(tenant, typ, values)
	require.NoError(t, err)
	return id
}

// seedProjects creates the three projects and five knowledge items of the
// reference scenario.
func seedProjects(t *testing.T, s *memstore.Store, tenant string) (projects, items []string) {
	t.Helper()
	s.CreateTenant(tenant)
	for i := 1; i <= 3; i++ {
		projects = append(projects, mustInsert(t, s, tenant, catalog.Project, map[string]any{
			"code": fmt.Sprintf("p%d", i),
			"name": fmt.Sprintf("Project %d", i),
		}))
	}
	for i := 1; i <= 5; i++ {
		items = append(items, mustInsert(t, s, tenant, catalog.KnowledgeItem, map[string]any{
			"external_code": fmt.Sprintf("k%d", i),
			"title":         fmt.Sprintf("Item %d", i),
			"position":      i,
			"metadata":      map[string]any{"source": "manual", "confidence": 0.75},
			"project_id":    projects[(i-1)%3],
		}))
	}
	return projects, items
}

// seedFull adds every entity type, including a deferred reference.
func seedFull(t *testing.T, s *memstore.Store, tenant string) {
	t.Helper()
	projects, items := seedProjects(t, s, tenant)
	mustInsert(t, s, tenant, catalog.TenantSetting, map[string]any{
		"name":          "default",
		"feature_flags": map[string]any{"beta": true, "max_bots": 3, "tone": "friendly"},
		"preferences":   map[string]any{"locale": "en-GB", "timezone": "Europe/London", "max_context_items": 8},
		"updated_at":    time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC),
	})
	tag := mustInsert(t, s, tenant, catalog.Tag, map[string]any{"name": "faq", "title": "FAQ", "color": "#0050ff"})
	mustInsert(t, s, tenant, catalog.InventoryItem, map[string]any{
		"sku": "SKU-1", "name": "Widget", "quantity": 10, "unit_price": 2.5, "active": true, "project_id": projects[0],
	})
	mustInsert(t, s, tenant, catalog.BotChannel, map[string]any{
		"name": "support", "platform": "slack", "external_id": "C042",
		"settings":           map[string]any{"greeting": "hello"},
		"default_project_id": projects[0],
		"knowledge_item_id":  items[0],
	})

	ctx := context.Background()
	tx, err := s.Begin(ctx, tenant)
	require.NoError(t, err)
	project, _ := catalog.Default().Lookup(catalog.Project)
	require.NoError(t, tx.UpdateReferences(ctx, project, projects[0], map[string]any{"featured_item_id": items[1], "tag_id": tag}))
	require.NoError(t, tx.Commit(ctx))
}

type dumpRecord struct {
	Key    string
	Fields map[string]any
	Refs   map[string]string
}

// dump renders a tenant with references as natural keys, so two tenants
// holding the same logical data compare equal whatever their internal ids.
func dump(s *memstore.Store, tenant string) map[string][]dumpRecord {
	cat := catalog.Default()
	keys := map[string]map[string]string{}
	for _, et := range cat.EntityTypes() {
		keys[et.Name] = map[string]string{}
		for _, r := range s.Rows(tenant, et.Name) {
			keys[et.Name][r.ID] = catalog.JoinKey(et.NaturalKeyOf(r.Values))
		}
	}
	out := map[string][]dumpRecord{}
	for _, et := range cat.EntityTypes() {
		var recs []dumpRecord
		for _, r := range s.Rows(tenant, et.Name) {
			d := dumpRecord{Key: keys[et.Name][r.ID], Fields: map[string]any{}, Refs: map[string]string{}}
			for _, f := range et.Fields {
				d.Fields[f.Name] = r.Values[f.Name]
			}
			for _, ref := range et.References {
				if v := r.Values[ref.Column]; v != nil {
					k, ok := keys[ref.Target][fmt.Sprint(v)]
					if !ok {
						k = "dangling:" + fmt.Sprint(v)
					}
					d.Refs[ref.Column] = k
				}
			}
			recs = append(recs, d)
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
		out[et.Name] = recs
	}
	return out
}

// encode builds archive bytes from hand-written sections.
func encode(t *testing.T, tenant string, sections ...archive.Section) []byte {
	t.Helper()
	a := &archive.Archive{
		Manifest: archive.Manifest{
			ArchiveID:     "01J00000000000000000000000",
			TenantID:      tenant,
			ExportedAt:    exportTime,
			SchemaVersion: catalog.SchemaVersion,
		},
		Sections: sections,
	}
	b, err := archive.Encode(a)
	require.NoError(t, err)
	return b
}

func tagRecord(name, title string) archive.EntityRecord {
	return archive.EntityRecord{Type: catalog.Tag, Key: []string{name}, Fields: map[string]any{"name": name, "title": title}}
}

// faultStore injects failures and hides store.Scoper from transactions.
type faultStore struct {
	store.Store
	upsertErr func(et catalog.EntityType) error
}

func (f *faultStore) Begin(ctx context.Context, tenantID string) (store.Tx, error) {
	tx, err := f.Store.Begin(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &faultTx{Tx: tx, f: f}, nil
}

type faultTx struct {
	store.Tx
	f *faultStore
}

func (t *faultTx) UpsertByConflictKey(ctx context.Context, et catalog.EntityType, values map[string]any) (store.UpsertResult, error) {
	if t.f.upsertErr != nil {
		if err := t.f.upsertErr(et); err != nil {
			return store.UpsertResult{}, err
		}
	}
	return t.Tx.UpsertByConflictKey(ctx, et, values)
}

// gateStore blocks the first snapshot until release is closed.
type gateStore struct {
	store.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGateStore(s store.Store) *gateStore {
	return &gateStore{Store: s, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateStore) Snapshot(ctx context.Context, tenantID string) (store.Snapshot, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.Store.Snapshot(ctx, tenantID)
}
