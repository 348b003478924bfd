package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/flarebyte/tenant-lifecycle/internal/archive"
	"github.com/flarebyte/tenant-lifecycle/internal/catalog"
	"github.com/flarebyte/tenant-lifecycle/internal/store"
	"github.com/flarebyte/tenant-lifecycle/internal/validate"
)

// ImportOptions tunes one import.
type ImportOptions struct {
	// Force applies an archive despite error-severity validation issues.
	Force bool
	// BestEffort commits the records that could be applied and reports the
	// rest as failed, instead of rolling everything back.
	BestEffort bool
	// AllowPartial imports the readable sections of an archive with corrupt
	// entity sections. Only used when decoding archive bytes.
	AllowPartial bool
}

// Importer applies archives to a tenant.
type Importer struct {
	store store.Store
	cat   *catalog.Catalog
	val   *validate.Validator
	opts  Options
	log   *zap.Logger
}

func NewImporter(s store.Store, cat *catalog.Catalog, opts Options) *Importer {
	opts = opts.withDefaults()
	return &Importer{
		store: s,
		cat:   cat,
		val:   validate.New(cat),
		opts:  opts,
		log:   opts.Logger.With(zap.String("service", "import")),
	}
}

// importRun carries the migration hooks of one import.
type importRun struct {
	operation string
	// locked means the caller already holds the target lease.
	locked bool
	// beforeCommit runs inside the transaction once every record is applied.
	beforeCommit func(ctx context.Context, tx store.Tx, r *Report) error
}

// Import validates a and applies it to target under policy, in one
// transaction held under the target's lease.
func (im *Importer) Import(ctx context.Context, a *archive.Archive, target string, policy Policy, opts ImportOptions) (*Report, error) {
	return im.run(ctx, a, target, policy, opts, importRun{operation: "import"})
}

func (im *Importer) run(ctx context.Context, a *archive.Archive, target string, policy Policy, opts ImportOptions, run importRun) (report *Report, err error) {
	if _, perr := ParsePolicy(string(policy)); perr != nil {
		return nil, perr
	}
	start := im.opts.Clock.Now()
	report = &Report{
		ID:             im.opts.newID(),
		Operation:      run.operation,
		ArchiveID:      a.Manifest.ArchiveID,
		TenantID:       target,
		SourceTenantID: a.Manifest.SourceTenantID,
		Policy:         policy,
		Forced:         opts.Force,
		BestEffort:     opts.BestEffort,
		StartedAt:      start.UTC(),
	}
	for _, et := range im.cat.EntityTypes() {
		if _, ok := a.Section(et.Name); ok {
			report.Entities = append(report.Entities, EntityReport{Type: et.Name})
		}
	}
	defer func() {
		report.FinishedAt = im.opts.Clock.Now().UTC()
		elapsed := report.FinishedAt.Sub(report.StartedAt)
		im.opts.Metrics.observe(run.operation, string(report.Status), elapsed)
		im.opts.Metrics.observeReport(report)
		fields := []zap.Field{
			zap.String("tenant", target),
			zap.String("archive_id", report.ArchiveID),
			zap.String("policy", string(policy)),
			zap.String("status", string(report.Status)),
			zap.Int("failed", report.Failed()),
			zap.Duration("elapsed", elapsed),
		}
		if err != nil {
			im.log.Warn("Import did not commit", append(fields, zap.Error(err))...)
			return
		}
		im.log.Info("Import finished", fields...)
	}()
	report.Status = StatusFailed

	if !run.locked {
		lease, lerr := acquire(ctx, im.store, target, im.opts.LockTimeout)
		if lerr != nil {
			return report, lerr
		}
		defer func() {
			if rerr := lease.Release(context.Background()); rerr != nil {
				err = multierr.Append(err, fmt.Errorf("release lease on %s: %w", target, rerr))
			}
		}()
	}

	tx, err := im.store.Begin(ctx, target)
	if err != nil {
		return report, &ImportError{TenantID: target, Op: "begin", Err: err}
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rerr := tx.Rollback(context.Background()); rerr != nil {
			err = multierr.Append(err, &ImportError{TenantID: target, Op: "rollback", Err: rerr})
		}
	}()

	st, err := im.load(ctx, tx, a, policy, opts)
	if err != nil {
		return report, &ImportError{TenantID: target, Op: "load", Err: err}
	}
	st.report = report

	report.Issues = im.val.Archive(a, validate.Options{Existing: st.stored, Replace: policy == PolicyReplace})
	if validate.HasErrors(report.Issues) && !opts.Force {
		report.Status = StatusRejected
		return report, im.validationError(a, report.Issues)
	}

	if err := forEachLevel(ctx, im.cat.Levels(), im.opts.Workers, st.applyType); err != nil {
		return report, wrapImport(target, "apply", err)
	}
	if err := st.patchDeferred(ctx); err != nil {
		return report, wrapImport(target, "patch deferred references", err)
	}
	if policy == PolicyReplace {
		if err := st.deleteStale(ctx); err != nil {
			return report, wrapImport(target, "delete stale records", err)
		}
	}
	if st.firstFailure != nil && !opts.BestEffort {
		return report, st.firstFailure
	}
	if run.beforeCommit != nil {
		if err := run.beforeCommit(ctx, tx, report); err != nil {
			return report, err
		}
	}
	// Cancellation is honoured up to here; after Commit the import is durable.
	if err := ctx.Err(); err != nil {
		return report, &ImportError{TenantID: target, Op: "commit", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return report, &ImportError{TenantID: target, Op: "commit", Err: err}
	}
	committed = true
	report.Status = StatusSucceeded
	if st.firstFailure != nil {
		report.Status = StatusPartial
	}
	return report, nil
}

func wrapImport(target, op string, err error) error {
	if _, ok := err.(*ImportError); ok {
		return err
	}
	return &ImportError{TenantID: target, Op: op, Err: err}
}

func (im *Importer) validationError(a *archive.Archive, issues []validate.Issue) error {
	ve := &ValidationError{Issues: validate.Errors(issues)}
	if !im.cat.Supports(a.Manifest.SchemaVersion) {
		ve.Version = &SchemaVersionError{
			Version: a.Manifest.SchemaVersion,
			Min:     im.cat.MinCompatibleVersion(),
			Max:     im.cat.SchemaVersion(),
		}
	}
	return ve
}

// applyState is shared by the workers of one import.
type applyState struct {
	im      *Importer
	tx      store.Tx
	archive *archive.Archive
	policy  Policy
	opts    ImportOptions
	report  *Report
	stored  *validate.Stored
	// stored conflict keys holding the natural key of an archived record
	// under merge, by type and joined natural key
	clashes map[string]map[string][]string

	// existing rows by type and joined conflict key
	existing map[string]map[string]store.Row

	mu sync.Mutex
	// target ids by type and joined natural key
	ids map[string]map[string]string
	// conflict keys that replace must keep, by type
	keep         map[string][][]string
	pending      []*pendingRecord
	firstFailure error
}

// pendingRecord is a placeholder for the deferred references of one applied
// record, patched once every type is written.
type pendingRecord struct {
	et      catalog.EntityType
	id      string
	key     []string
	refs    map[string]*archive.Ref // nil value: reference is null in the archive
	current map[string]any
	outcome string // inserted, updated or skipped
}

func (im *Importer) load(ctx context.Context, tx store.Tx, a *archive.Archive, policy Policy, opts ImportOptions) (*applyState, error) {
	types := im.cat.EntityTypes()
	rows := make([][]store.Row, len(types))
	err := forEachLevel(ctx, im.cat.Levels(), im.opts.Workers, func(ctx context.Context, et catalog.EntityType) error {
		list, err := tx.ListByTenant(ctx, et)
		if err != nil {
			return fmt.Errorf("list %s: %w", et.Name, err)
		}
		rows[im.cat.Position(et.Name)] = list
		return nil
	})
	if err != nil {
		return nil, err
	}
	byType := make(map[string][]store.Row, len(types))
	for i, et := range types {
		byType[et.Name] = rows[i]
	}

	st := &applyState{
		im:       im,
		tx:       tx,
		archive:  a,
		policy:   policy,
		opts:     opts,
		stored:   validate.NewStored(im.cat, byType),
		clashes:  map[string]map[string][]string{},
		existing: make(map[string]map[string]store.Row, len(types)),
		ids:      make(map[string]map[string]string, len(types)),
		keep:     map[string][][]string{},
	}
	if policy == PolicyMerge {
		st.clashes = st.stored.KeyClashes(im.cat, a)
	}
	for i, et := range types {
		_, inArchive := a.Section(et.Name)
		byConflict := make(map[string]store.Row, len(rows[i]))
		ids := make(map[string]string, len(rows[i]))
		for _, r := range rows[i] {
			nk := et.NaturalKeyOf(r.Values)
			byConflict[catalog.JoinKey(et.ConflictKeyOf(r.Values))] = r
			// Under replace, rows of archived types only become targets once
			// the archive re-applies them.
			if policy == PolicyMerge || !inArchive {
				ids[catalog.JoinKey(nk)] = r.ID
			}
		}
		st.existing[et.Name] = byConflict
		st.ids[et.Name] = ids
	}
	return st, nil
}

func (st *applyState) entity(name string) *EntityReport {
	return st.report.Entity(name)
}

func (st *applyState) lookup(entityType string, key []string) (string, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	id, ok := st.ids[entityType][catalog.JoinKey(key)]
	return id, ok
}

func (st *applyState) fail(er *EntityReport, key []string, code string, cause error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	er.addError(st.im.opts.MaxErrorDetails, RecordError{Key: validate.RecordKey(key), Code: code, Message: cause.Error()})
	if st.firstFailure == nil {
		st.firstFailure = cause
	}
}

// applyType upserts every archived record of et. Record failures are kept in
// the report; store failures abort the import.
func (st *applyState) applyType(ctx context.Context, et catalog.EntityType) error {
	sec, ok := st.archive.Section(et.Name)
	if !ok {
		return nil
	}
	er := st.entity(et.Name)
	existing := st.existing[et.Name]
	seen := make(map[string]bool, len(sec.Records))
	for _, rec := range sec.Records {
		if err := ctx.Err(); err != nil {
			return err
		}
		nk := catalog.JoinKey(rec.Key)
		if seen[nk] {
			st.fail(er, rec.Key, validate.CodeDuplicateKey, duplicateKey(et, rec.Key, "duplicate natural key"))
			continue
		}
		seen[nk] = true
		if held, ok := st.clashes[et.Name][nk]; ok {
			st.fail(er, rec.Key, validate.CodeDuplicateKey, duplicateKey(et, rec.Key,
				fmt.Sprintf("natural key is held by stored record %s", validate.RecordKey(held))))
			continue
		}
		fields, problems := et.Coerce(rec.Fields)
		if len(problems) > 0 {
			// Replace keeps the stored row of a record it could not apply.
			st.addKeep(et, catalog.KeyOf(rec.Fields, et.ConflictKey))
			st.fail(er, rec.Key, problems[0].Code, &ValidationError{Issues: problemIssues(et, rec.Key, problems)})
			continue
		}
		st.addKeep(et, et.ConflictKeyOf(fields))
		if missing := et.MissingRequired(fields); len(missing) > 0 {
			st.fail(er, rec.Key, validate.CodeMissingRequired, &ValidationError{Issues: []validate.Issue{{
				Severity: validate.SeverityError, Code: validate.CodeMissingRequired, EntityType: et.Name,
				RecordKey: validate.RecordKey(rec.Key), Message: fmt.Sprintf("required field %s is null", missing[0]),
			}}})
			continue
		}

		values, rerr := st.resolve(et, rec, fields)
		if rerr != nil {
			st.fail(er, rec.Key, validate.CodeDanglingReference, rerr)
			continue
		}
		old, exists := existing[catalog.JoinKey(et.ConflictKeyOf(fields))]
		for _, ref := range et.References {
			if !ref.Deferred {
				continue
			}
			values[ref.Column] = nil
			if exists {
				values[ref.Column] = old.Values[ref.Column]
			}
		}

		var id, outcome string
		if exists && st.unchanged(et, old.Values, values) {
			id, outcome = old.ID, "skipped"
			er.Skipped++
		} else {
			res, err := st.tx.UpsertByConflictKey(ctx, et, values)
			if err != nil {
				return &ImportError{TenantID: st.report.TenantID, Op: "upsert " + et.Name, Err: err}
			}
			id, outcome = res.ID, "updated"
			if res.Inserted {
				outcome = "inserted"
				er.Inserted++
			} else {
				er.Updated++
			}
		}

		st.mu.Lock()
		st.ids[et.Name][catalog.JoinKey(rec.Key)] = id
		if et.HasDeferred() {
			p := &pendingRecord{et: et, id: id, key: rec.Key, refs: map[string]*archive.Ref{}, current: values, outcome: outcome}
			for _, ref := range et.References {
				if !ref.Deferred {
					continue
				}
				p.refs[ref.Column] = nil
				if r, ok := rec.Refs[ref.Column]; ok {
					r := r
					p.refs[ref.Column] = &r
				}
			}
			st.pending = append(st.pending, p)
		}
		st.mu.Unlock()
	}
	return nil
}

// resolve maps the non-deferred references of rec to target ids.
func (st *applyState) resolve(et catalog.EntityType, rec archive.EntityRecord, fields map[string]any) (map[string]any, error) {
	values := make(map[string]any, len(fields)+len(et.References))
	for k, v := range fields {
		values[k] = v
	}
	for _, ref := range et.References {
		if ref.Deferred {
			continue
		}
		values[ref.Column] = nil
		r, ok := rec.Refs[ref.Column]
		if !ok {
			if !ref.Optional {
				return nil, &ReferentialIntegrityError{EntityType: et.Name, RecordKey: validate.RecordKey(rec.Key), Column: ref.Column, Target: ref.Target}
			}
			continue
		}
		id, ok := st.lookup(ref.Target, r.Key)
		if !ok {
			if ref.Optional {
				continue
			}
			return nil, &ReferentialIntegrityError{
				EntityType: et.Name, RecordKey: validate.RecordKey(rec.Key),
				Column: ref.Column, Target: ref.Target, TargetKey: validate.RecordKey(r.Key),
			}
		}
		values[ref.Column] = id
	}
	return values, nil
}

// unchanged compares a stored row with the values about to be written. The
// stored fields are coerced first so driver-specific types compare equal.
func (st *applyState) unchanged(et catalog.EntityType, stored, values map[string]any) bool {
	fields := make(map[string]any, len(et.Fields))
	for _, f := range et.Fields {
		fields[f.Name] = stored[f.Name]
	}
	norm, problems := et.Coerce(fields)
	if len(problems) > 0 || !catalog.EqualValues(norm, values, fieldNames(et)) {
		return false
	}
	for _, ref := range et.References {
		if !sameRef(stored[ref.Column], values[ref.Column]) {
			return false
		}
	}
	return true
}

func (st *applyState) addKeep(et catalog.EntityType, conflictKey []string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.keep[et.Name] = append(st.keep[et.Name], conflictKey)
}

// patchDeferred resolves the pending references now that every record of
// every type exists.
func (st *applyState) patchDeferred(ctx context.Context) error {
	for _, p := range st.pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		er := st.entity(p.et.Name)
		patch := map[string]any{}
		var failure error
		for _, col := range sortedColumns(p.refs) {
			decl, _ := p.et.Reference(col)
			var want any
			if r := p.refs[col]; r != nil {
				id, ok := st.lookup(r.Target, r.Key)
				switch {
				case ok:
					want = id
				case !decl.Optional && failure == nil:
					failure = &ReferentialIntegrityError{
						EntityType: p.et.Name, RecordKey: validate.RecordKey(p.key),
						Column: col, Target: r.Target, TargetKey: validate.RecordKey(r.Key),
					}
				}
			}
			if !sameRef(p.current[col], want) {
				patch[col] = want
			}
		}
		if len(patch) > 0 {
			if err := st.tx.UpdateReferences(ctx, p.et, p.id, patch); err != nil {
				return &ImportError{TenantID: st.report.TenantID, Op: "update references " + p.et.Name, Err: err}
			}
			if p.outcome == "skipped" {
				p.outcome = "updated"
				er.Skipped--
				er.Updated++
			}
		}
		if failure != nil {
			// The row stays written with a null reference; it counts as failed.
			switch p.outcome {
			case "inserted":
				er.Inserted--
			case "updated":
				er.Updated--
			default:
				er.Skipped--
			}
			st.fail(er, p.key, validate.CodeDanglingReference, failure)
		}
	}
	return nil
}

// deleteStale removes, in reverse dependency order, existing rows of every
// archived type whose conflict key the archive does not carry.
func (st *applyState) deleteStale(ctx context.Context) error {
	types := st.im.cat.EntityTypes()
	for i := len(types) - 1; i >= 0; i-- {
		et := types[i]
		if _, ok := st.archive.Section(et.Name); !ok {
			continue
		}
		n, err := st.tx.DeleteNotIn(ctx, et, st.keep[et.Name])
		if err != nil {
			return &ImportError{TenantID: st.report.TenantID, Op: "delete " + et.Name, Err: err}
		}
		st.entity(et.Name).Deleted = n
	}
	return nil
}

func duplicateKey(et catalog.EntityType, key []string, msg string) *ValidationError {
	return &ValidationError{Issues: []validate.Issue{{
		Severity: validate.SeverityError, Code: validate.CodeDuplicateKey, EntityType: et.Name,
		RecordKey: validate.RecordKey(key), Message: msg,
	}}}
}

func problemIssues(et catalog.EntityType, key []string, problems []catalog.Problem) []validate.Issue {
	out := make([]validate.Issue, 0, len(problems))
	for _, p := range problems {
		out = append(out, validate.Issue{
			Severity:   validate.SeverityError,
			EntityType: et.Name,
			RecordKey:  validate.RecordKey(key),
			Code:       p.Code,
			Message:    p.Message,
		})
	}
	return out
}

func fieldNames(et catalog.EntityType) []string {
	out := make([]string, len(et.Fields))
	for i, f := range et.Fields {
		out[i] = f.Name
	}
	return out
}

func sameRef(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func sortedColumns(m map[string]*archive.Ref) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
