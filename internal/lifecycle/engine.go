// Package lifecycle exports, validates, imports and migrates tenant data
// against a store.Store, driven by the schema catalog.
package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/flarebyte/tenant-lifecycle/internal/archive"
	"github.com/flarebyte/tenant-lifecycle/internal/catalog"
	"github.com/flarebyte/tenant-lifecycle/internal/store"
	"github.com/flarebyte/tenant-lifecycle/internal/validate"
)

// ValidateOptions tunes Engine.Validate.
type ValidateOptions struct {
	AllowPartial bool
	// Target, when set, resolves references against that tenant's data as
	// an import under Policy would.
	Target string
	Policy Policy
}

// Engine is the caller-facing surface of the lifecycle services.
type Engine struct {
	store store.Store
	cat   *catalog.Catalog
	val   *validate.Validator
	exp   *Exporter
	imp   *Importer
	mig   *Migrator
	opts  Options
	log   *zap.Logger
}

// New wires the services over s. A nil cat means catalog.Default().
func New(s store.Store, cat *catalog.Catalog, opts Options) *Engine {
	if cat == nil {
		cat = catalog.Default()
	}
	opts = opts.withDefaults()
	return &Engine{
		store: s,
		cat:   cat,
		val:   validate.New(cat),
		exp:   NewExporter(s, cat, opts),
		imp:   NewImporter(s, cat, opts),
		mig:   NewMigrator(s, cat, opts),
		opts:  opts,
		log:   opts.Logger.With(zap.String("service", "lifecycle")),
	}
}

// Catalog returns the catalog the engine works with.
func (e *Engine) Catalog() *catalog.Catalog { return e.cat }

// Export returns the encoded archive of a tenant.
func (e *Engine) Export(ctx context.Context, tenantID string) ([]byte, error) {
	_, b, err := e.exp.Export(ctx, tenantID)
	return b, err
}

// Validate decodes an archive and returns its issues. A malformed container
// is an *archive.FormatError, not an issue.
func (e *Engine) Validate(ctx context.Context, b []byte, opts ValidateOptions) ([]validate.Issue, error) {
	a, err := archive.Decode(b, archive.DecodeOptions{AllowPartial: opts.AllowPartial})
	if err != nil {
		return nil, err
	}
	vo := validate.Options{Replace: opts.Policy == PolicyReplace}
	if opts.Target != "" {
		stored, err := e.storedRows(ctx, opts.Target)
		if err != nil {
			return nil, err
		}
		vo.Existing = stored
	}
	issues := e.val.Archive(a, vo)
	e.log.Debug("Archive validated", zap.String("archive_id", a.Manifest.ArchiveID), zap.Int("issues", len(issues)))
	return issues, nil
}

func (e *Engine) storedRows(ctx context.Context, tenantID string) (stored *validate.Stored, err error) {
	ok, err := e.store.TenantExists(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrTenantNotFound)
	}
	snap, err := e.store.Snapshot(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, snap.Close(context.Background())) }()
	rows := map[string][]store.Row{}
	for _, et := range e.cat.EntityTypes() {
		list, err := snap.ListByTenant(ctx, et)
		if err != nil {
			return nil, err
		}
		rows[et.Name] = list
	}
	return validate.NewStored(e.cat, rows), nil
}

// Import decodes b and applies it to target.
func (e *Engine) Import(ctx context.Context, b []byte, target string, policy Policy, opts ImportOptions) (*Report, error) {
	a, err := archive.Decode(b, archive.DecodeOptions{AllowPartial: opts.AllowPartial})
	if err != nil {
		return nil, err
	}
	return e.imp.Import(ctx, a, target, policy, opts)
}

// Migrate moves source's data to target.
func (e *Engine) Migrate(ctx context.Context, source, target string, opts MigrateOptions) (*Report, error) {
	start := e.opts.Clock.Now()
	r, err := e.mig.Migrate(ctx, source, target, opts)
	if err != nil && r == nil {
		e.opts.Metrics.observe("migrate", string(StatusFailed), e.opts.Clock.Since(start))
	}
	return r, err
}

// ValidateLiveTenant checks references and required fields of stored rows.
func (e *Engine) ValidateLiveTenant(ctx context.Context, tenantID string) (issues []validate.Issue, err error) {
	ok, err := e.store.TenantExists(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrTenantNotFound)
	}
	snap, err := e.store.Snapshot(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, snap.Close(context.Background())) }()
	return e.val.LiveTenant(ctx, snap)
}
