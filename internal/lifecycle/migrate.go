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
)

// MigrateOptions tunes one migration.
type MigrateOptions struct {
	// DeleteSource removes the source tenant's rows once the import succeeded.
	DeleteSource bool
}

// Migrator moves a tenant's data to another tenant identity.
type Migrator struct {
	store store.Store
	cat   *catalog.Catalog
	exp   *Exporter
	imp   *Importer
	opts  Options
	log   *zap.Logger
}

func NewMigrator(s store.Store, cat *catalog.Catalog, opts Options) *Migrator {
	opts = opts.withDefaults()
	return &Migrator{
		store: s,
		cat:   cat,
		exp:   NewExporter(s, cat, opts),
		imp:   NewImporter(s, cat, opts),
		opts:  opts,
		log:   opts.Logger.With(zap.String("service", "migrate")),
	}
}

// Migrate exports source, remaps the archive to target and imports it with
// replace. Both tenants are leased for the whole operation, so a concurrent
// migration of either fails with a ConflictError. If anything fails before
// the import commits, neither tenant changes.
func (m *Migrator) Migrate(ctx context.Context, source, target string, opts MigrateOptions) (report *Report, err error) {
	if source == target {
		return nil, &MigrationError{Source: source, Target: target, Stage: "plan", Err: ErrSameTenant}
	}
	m.log.Info("Migration started", zap.String("source", source), zap.String("target", target), zap.Bool("delete_source", opts.DeleteSource))

	// Lock in a stable order so two migrations between the same pair cannot
	// deadlock while each waits for the other's second lease.
	tenants := []string{source, target}
	sort.Strings(tenants)
	for _, t := range tenants {
		lease, lerr := acquire(ctx, m.store, t, m.opts.LockTimeout)
		if lerr != nil {
			return nil, lerr
		}
		defer func(t string) {
			if rerr := lease.Release(context.Background()); rerr != nil {
				err = multierr.Append(err, fmt.Errorf("release lease on %s: %w", t, rerr))
			}
		}(t)
	}

	a, err := m.remap(ctx, source, target)
	if err != nil {
		return nil, err
	}

	run := importRun{operation: "migrate", locked: true}
	scopedDelete := false
	if opts.DeleteSource {
		run.beforeCommit = func(ctx context.Context, tx store.Tx, r *Report) error {
			sc, ok := tx.(store.Scoper)
			if !ok {
				return nil
			}
			src, err := sc.Scoped(ctx, source)
			if err != nil {
				return &MigrationError{Source: source, Target: target, Stage: "scope source", Err: err}
			}
			deleted, err := m.deleteAll(ctx, src)
			if err != nil {
				return &MigrationError{Source: source, Target: target, Stage: "delete source", Err: err}
			}
			r.SourceDeleted = deleted
			scopedDelete = true
			return nil
		}
	}
	report, err = m.imp.run(ctx, a, target, PolicyReplace, ImportOptions{}, run)
	if err != nil || !opts.DeleteSource || scopedDelete {
		return report, err
	}

	// The store cannot reach the source from the import transaction: delete
	// it in a second one while both leases are still held.
	deleted, err := m.deleteSource(ctx, source)
	if err != nil {
		return report, &MigrationError{Source: source, Target: target, Stage: "delete source", Err: err}
	}
	report.SourceDeleted = deleted
	return report, nil
}

// remap exports source and rewrites the manifest for target. The archive
// goes through the codec so the migrated data is exactly what an exported
// file would carry.
func (m *Migrator) remap(ctx context.Context, source, target string) (*archive.Archive, error) {
	_, b, err := m.exp.Export(ctx, source)
	if err != nil {
		return nil, err
	}
	a, err := archive.Decode(b, archive.DecodeOptions{})
	if err != nil {
		return nil, &ExportError{TenantID: source, Err: err}
	}
	a.Manifest.SourceTenantID = a.Manifest.TenantID
	a.Manifest.TenantID = target
	return a, nil
}

func (m *Migrator) deleteSource(ctx context.Context, source string) (deleted map[string]int64, err error) {
	tx, err := m.store.Begin(ctx, source)
	if err != nil {
		return nil, err
	}
	deleted, err = m.deleteAll(ctx, tx)
	if err != nil {
		return nil, multierr.Append(err, tx.Rollback(context.Background()))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return deleted, nil
}

// deleteAll removes every row of the scoped tenant in reverse dependency order.
func (m *Migrator) deleteAll(ctx context.Context, tx store.Tx) (map[string]int64, error) {
	types := m.cat.EntityTypes()
	deleted := make(map[string]int64, len(types))
	for i := len(types) - 1; i >= 0; i-- {
		n, err := tx.DeleteNotIn(ctx, types[i], nil)
		if err != nil {
			return nil, fmt.Errorf("delete %s: %w", types[i].Name, err)
		}
		deleted[types[i].Name] = n
	}
	return deleted, nil
}
