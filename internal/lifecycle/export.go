package lifecycle

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/flarebyte/tenant-lifecycle/internal/archive"
	"github.com/flarebyte/tenant-lifecycle/internal/catalog"
	"github.com/flarebyte/tenant-lifecycle/internal/store"
	"github.com/flarebyte/tenant-lifecycle/internal/validate"
)

// Exporter reads one tenant into an archive.
type Exporter struct {
	store store.Store
	cat   *catalog.Catalog
	opts  Options
	log   *zap.Logger
}

func NewExporter(s store.Store, cat *catalog.Catalog, opts Options) *Exporter {
	opts = opts.withDefaults()
	return &Exporter{store: s, cat: cat, opts: opts, log: opts.Logger.With(zap.String("service", "export"))}
}

// Export builds and encodes the archive of a tenant. Failures are
// *ExportError; nothing is retried.
func (e *Exporter) Export(ctx context.Context, tenantID string) (*archive.Archive, []byte, error) {
	start := e.opts.Clock.Now()
	a, err := e.build(ctx, tenantID)
	var b []byte
	if err == nil {
		b, err = archive.Encode(a)
		if err != nil {
			err = &ExportError{TenantID: tenantID, Err: err}
		}
	}
	elapsed := e.opts.Clock.Since(start)
	if err != nil {
		e.opts.Metrics.observe("export", string(StatusFailed), elapsed)
		e.log.Warn("Export failed", zap.String("tenant", tenantID), zap.Duration("elapsed", elapsed), zap.Error(err))
		return nil, nil, err
	}
	e.opts.Metrics.observe("export", string(StatusSucceeded), elapsed)
	e.log.Info("Export finished",
		zap.String("tenant", tenantID),
		zap.String("archive_id", a.Manifest.ArchiveID),
		zap.Int("records", a.Count()),
		zap.Int("bytes", len(b)),
		zap.Duration("elapsed", elapsed))
	return a, b, nil
}

// build reads every entity type inside one snapshot and converts internal
// reference ids to the referenced natural keys.
func (e *Exporter) build(ctx context.Context, tenantID string) (a *archive.Archive, err error) {
	fail := func(err error) (*archive.Archive, error) {
		return nil, &ExportError{TenantID: tenantID, Err: err}
	}
	ok, err := e.store.TenantExists(ctx, tenantID)
	if err != nil {
		return fail(err)
	}
	if !ok {
		return fail(ErrTenantNotFound)
	}
	snap, err := e.store.Snapshot(ctx, tenantID)
	if err != nil {
		return fail(err)
	}
	defer func() {
		if cerr := snap.Close(context.Background()); cerr != nil {
			a = nil
			err = multierr.Append(err, &ExportError{TenantID: tenantID, Err: fmt.Errorf("close snapshot: %w", cerr)})
		}
	}()

	types := e.cat.EntityTypes()
	rows := make([][]store.Row, len(types))
	err = forEachLevel(ctx, e.cat.Levels(), e.opts.Workers, func(ctx context.Context, et catalog.EntityType) error {
		list, err := snap.ListByTenant(ctx, et)
		if err != nil {
			return fmt.Errorf("read %s: %w", et.Name, err)
		}
		rows[e.cat.Position(et.Name)] = list
		return nil
	})
	if err != nil {
		return fail(err)
	}

	// internal id -> natural key, per type
	keys := make(map[string]map[string][]string, len(types))
	for i, et := range types {
		m := make(map[string][]string, len(rows[i]))
		for _, r := range rows[i] {
			m[r.ID] = et.NaturalKeyOf(r.Values)
		}
		keys[et.Name] = m
	}

	a = &archive.Archive{
		Manifest: archive.Manifest{
			ArchiveID:     e.opts.newID(),
			TenantID:      tenantID,
			ExportedAt:    e.opts.Clock.Now().UTC(),
			SchemaVersion: e.cat.SchemaVersion(),
		},
	}
	for i, et := range types {
		records := make([]archive.EntityRecord, 0, len(rows[i]))
		for _, r := range rows[i] {
			rec, err := toRecord(et, r, keys)
			if err != nil {
				return fail(err)
			}
			records = append(records, rec)
		}
		sort.Slice(records, func(x, y int) bool {
			return catalog.JoinKey(records[x].Key) < catalog.JoinKey(records[y].Key)
		})
		a.Sections = append(a.Sections, archive.Section{Type: et.Name, Records: records})
	}
	return a, nil
}

func toRecord(et catalog.EntityType, r store.Row, keys map[string]map[string][]string) (archive.EntityRecord, error) {
	rec := archive.EntityRecord{
		Type:   et.Name,
		Key:    et.NaturalKeyOf(r.Values),
		Fields: make(map[string]any, len(et.Fields)),
	}
	for _, f := range et.Fields {
		rec.Fields[f.Name] = r.Values[f.Name]
	}
	for _, ref := range et.References {
		v := r.Values[ref.Column]
		if v == nil {
			continue
		}
		id := fmt.Sprint(v)
		key, ok := keys[ref.Target][id]
		if !ok {
			return rec, fmt.Errorf("%w: %s[%s].%s -> %s %s",
				ErrDanglingReference, et.Name, validate.RecordKey(rec.Key), ref.Column, ref.Target, id)
		}
		if rec.Refs == nil {
			rec.Refs = make(map[string]archive.Ref)
		}
		rec.Refs[ref.Column] = archive.Ref{Target: ref.Target, Key: key}
	}
	return rec, nil
}
