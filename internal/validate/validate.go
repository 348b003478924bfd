// Package validate checks archives and live tenant data without mutating
// anything.
package validate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/flarebyte/tenant-lifecycle/internal/archive"
	"github.com/flarebyte/tenant-lifecycle/internal/catalog"
	"github.com/flarebyte/tenant-lifecycle/internal/store"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue codes.
const (
	CodeSchemaVersion     = "SCHEMA_VERSION_MISMATCH"
	CodeCountMismatch     = "COUNT_MISMATCH"
	CodeDanglingReference = "DANGLING_REFERENCE"
	CodeMissingRequired   = "MISSING_REQUIRED_FIELD"
	CodeUnknownEntityType = "UNKNOWN_ENTITY_TYPE"
	CodeMissingSection    = "MISSING_SECTION"
	CodeCorruptSection    = "CORRUPT_SECTION"
	CodeDuplicateKey      = "DUPLICATE_KEY"
	CodeInvalidField      = catalog.ProblemInvalid
	CodeUnknownField      = catalog.ProblemUnknown
)

// Issue is one finding.
type Issue struct {
	Severity   Severity `json:"severity"`
	EntityType string   `json:"entity_type,omitempty"`
	RecordKey  string   `json:"record_key,omitempty"`
	Message    string   `json:"message"`
	Code       string   `json:"code"`
}

func (i Issue) String() string {
	var b strings.Builder
	b.WriteString(string(i.Severity))
	b.WriteString(" ")
	b.WriteString(i.Code)
	if i.EntityType != "" {
		b.WriteString(" ")
		b.WriteString(i.EntityType)
		if i.RecordKey != "" {
			b.WriteString("[" + i.RecordKey + "]")
		}
	}
	b.WriteString(": ")
	b.WriteString(i.Message)
	return b.String()
}

// HasErrors reports whether any issue has error severity.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns the error-severity issues.
func Errors(issues []Issue) []Issue {
	var out []Issue
	for _, i := range issues {
		if i.Severity == SeverityError {
			out = append(out, i)
		}
	}
	return out
}

// RecordKey renders a key for display in issues and reports.
func RecordKey(key []string) string { return strings.Join(key, "/") }

// KeySet holds natural keys by entity type.
type KeySet map[string]map[string]bool

// Add records a natural key.
func (s KeySet) Add(entityType string, naturalKey []string) {
	m, ok := s[entityType]
	if !ok {
		m = map[string]bool{}
		s[entityType] = m
	}
	m[catalog.JoinKey(naturalKey)] = true
}

func (s KeySet) Has(entityType string, naturalKey []string) bool {
	return s[entityType][catalog.JoinKey(naturalKey)]
}

// Options tunes archive validation.
type Options struct {
	// TargetSchemaVersion is the newest manifest version accepted. Zero means
	// the catalog's own version.
	TargetSchemaVersion int
	// Existing holds the rows of the import target. Nil means references
	// must resolve inside the archive and the target is not checked.
	Existing *Stored
	// Replace marks a replace import: existing records of a type present in
	// the archive are about to be deleted and cannot satisfy references.
	Replace bool
}

// Validator runs catalog-driven checks.
type Validator struct {
	cat *catalog.Catalog
}

func New(cat *catalog.Catalog) *Validator {
	return &Validator{cat: cat}
}

func errorf(code, entityType string, key []string, format string, args ...any) Issue {
	return Issue{Severity: SeverityError, Code: code, EntityType: entityType, RecordKey: RecordKey(key), Message: fmt.Sprintf(format, args...)}
}

func warnf(code, entityType string, key []string, format string, args ...any) Issue {
	i := errorf(code, entityType, key, format, args...)
	i.Severity = SeverityWarning
	return i
}

// Archive validates a decoded archive. Checks run in a fixed order: schema
// version, manifest counts, references, record fields and keys, then the
// stored rows of the target.
func (v *Validator) Archive(a *archive.Archive, opts Options) []Issue {
	var issues []Issue
	issues = append(issues, v.checkVersion(a.Manifest, opts)...)
	issues = append(issues, v.checkCounts(a)...)

	keys := v.archiveKeys(a)
	issues = append(issues, v.checkReferences(a, keys, opts)...)
	issues = append(issues, v.checkRecords(a)...)
	if opts.Existing != nil {
		if opts.Replace {
			issues = append(issues, v.checkStaleTargets(a, opts.Existing)...)
		} else {
			issues = append(issues, v.checkKeyClashes(a, opts.Existing)...)
		}
	}
	return issues
}

func (v *Validator) checkVersion(m archive.Manifest, opts Options) []Issue {
	target := opts.TargetSchemaVersion
	if target == 0 {
		target = v.cat.SchemaVersion()
	}
	if m.SchemaVersion < v.cat.MinCompatibleVersion() || m.SchemaVersion > target {
		return []Issue{errorf(CodeSchemaVersion, "", nil,
			"archive schema version %d is outside the supported range [%d, %d]",
			m.SchemaVersion, v.cat.MinCompatibleVersion(), target)}
	}
	return nil
}

func (v *Validator) checkCounts(a *archive.Archive) []Issue {
	var issues []Issue
	for _, e := range a.Manifest.Entities {
		if _, ok := v.cat.Lookup(e.Type); !ok {
			issues = append(issues, errorf(CodeUnknownEntityType, e.Type, nil, "entity type is not in the catalog"))
			continue
		}
		if a.IsCorrupt(e.Type) {
			issues = append(issues, warnf(CodeCorruptSection, e.Type, nil, "section is corrupt and will not be imported"))
			continue
		}
		s, ok := a.Section(e.Type)
		if !ok {
			issues = append(issues, errorf(CodeMissingSection, e.Type, nil, "manifest lists %d records but the section is missing", e.Count))
			continue
		}
		if len(s.Records) != e.Count {
			issues = append(issues, errorf(CodeCountMismatch, e.Type, nil, "manifest count %d, section holds %d records", e.Count, len(s.Records)))
		}
	}
	for _, s := range a.Sections {
		if _, ok := a.Manifest.Entry(s.Type); !ok {
			issues = append(issues, errorf(CodeCountMismatch, s.Type, nil, "section is not listed in the manifest"))
		}
	}
	return issues
}

// archiveKeys indexes the natural keys of every known section.
func (v *Validator) archiveKeys(a *archive.Archive) KeySet {
	keys := KeySet{}
	for _, s := range a.Sections {
		for _, r := range s.Records {
			keys.Add(s.Type, r.Key)
		}
	}
	return keys
}

func (v *Validator) resolvable(a *archive.Archive, keys KeySet, opts Options, target string, key []string) bool {
	if keys.Has(target, key) {
		return true
	}
	if opts.Existing == nil {
		return false
	}
	if _, inArchive := a.Section(target); inArchive && opts.Replace {
		return false
	}
	return opts.Existing.Has(target, key)
}

func (v *Validator) checkReferences(a *archive.Archive, keys KeySet, opts Options) []Issue {
	var issues []Issue
	for _, s := range a.Sections {
		et, ok := v.cat.Lookup(s.Type)
		if !ok {
			continue
		}
		for _, rec := range s.Records {
			for _, col := range sortedRefs(rec.Refs) {
				ref := rec.Refs[col]
				decl, ok := et.Reference(col)
				if !ok {
					issues = append(issues, errorf(CodeUnknownField, s.Type, rec.Key, "%s is not a reference column", col))
					continue
				}
				if ref.Target != decl.Target {
					issues = append(issues, errorf(CodeInvalidField, s.Type, rec.Key, "%s must reference %s, not %s", col, decl.Target, ref.Target))
					continue
				}
				if v.resolvable(a, keys, opts, ref.Target, ref.Key) {
					continue
				}
				if decl.Optional {
					issues = append(issues, warnf(CodeDanglingReference, s.Type, rec.Key, "optional %s -> %s[%s] does not resolve and will be cleared", col, ref.Target, RecordKey(ref.Key)))
				} else {
					issues = append(issues, errorf(CodeDanglingReference, s.Type, rec.Key, "%s -> %s[%s] does not resolve", col, ref.Target, RecordKey(ref.Key)))
				}
			}
			for _, decl := range et.References {
				if _, ok := rec.Refs[decl.Column]; !ok && !decl.Optional {
					issues = append(issues, errorf(CodeMissingRequired, s.Type, rec.Key, "required reference %s is null", decl.Column))
				}
			}
		}
	}
	return issues
}

func (v *Validator) checkRecords(a *archive.Archive) []Issue {
	var issues []Issue
	for _, s := range a.Sections {
		et, ok := v.cat.Lookup(s.Type)
		if !ok {
			continue
		}
		natural := map[string]bool{}
		conflict := map[string]bool{}
		for _, rec := range s.Records {
			for _, f := range et.MissingRequired(rec.Fields) {
				issues = append(issues, errorf(CodeMissingRequired, s.Type, rec.Key, "required field %s is null", f))
			}
			coerced, problems := et.Coerce(rec.Fields)
			for _, p := range problems {
				issues = append(issues, errorf(p.Code, s.Type, rec.Key, "%s", p.Message))
			}
			if nk := et.NaturalKeyOf(coerced); catalog.JoinKey(nk) != catalog.JoinKey(rec.Key) {
				issues = append(issues, errorf(CodeInvalidField, s.Type, rec.Key, "record key does not match natural key fields %s", RecordKey(nk)))
			}
			nk := catalog.JoinKey(rec.Key)
			if natural[nk] {
				issues = append(issues, errorf(CodeDuplicateKey, s.Type, rec.Key, "duplicate natural key"))
			}
			natural[nk] = true
			ck := catalog.JoinKey(et.ConflictKeyOf(coerced))
			if conflict[ck] {
				issues = append(issues, errorf(CodeDuplicateKey, s.Type, rec.Key, "duplicate conflict key %s", RecordKey(et.ConflictKeyOf(coerced))))
			}
			conflict[ck] = true
		}
	}
	return issues
}

// checkKeyClashes flags archived records whose natural key a merge would
// leave on two rows.
func (v *Validator) checkKeyClashes(a *archive.Archive, s *Stored) []Issue {
	clashes := s.KeyClashes(v.cat, a)
	var issues []Issue
	for _, sec := range a.Sections {
		for _, rec := range sec.Records {
			if held, ok := clashes[sec.Type][catalog.JoinKey(rec.Key)]; ok {
				issues = append(issues, errorf(CodeDuplicateKey, sec.Type, rec.Key,
					"natural key is held by stored record %s", RecordKey(held)))
			}
		}
	}
	return issues
}

// checkStaleTargets flags stored rows of types missing from a replace archive
// that reference a record the replace deletes.
func (v *Validator) checkStaleTargets(a *archive.Archive, s *Stored) []Issue {
	kept := map[string]map[string]bool{}
	for _, sec := range a.Sections {
		et, ok := v.cat.Lookup(sec.Type)
		if !ok {
			continue
		}
		kept[sec.Type] = archivedConflictKeys(et, sec)
	}
	var issues []Issue
	for _, row := range s.Rows() {
		if _, archived := kept[row.Type]; archived {
			continue
		}
		for _, ref := range row.Refs {
			keep, archived := kept[ref.Target]
			if !archived || keep[ref.Conflict] {
				continue
			}
			issues = append(issues, errorf(CodeDanglingReference, row.Type, row.Key,
				"stored %s -> %s[%s] is deleted by the replace", ref.Column, ref.Target, RecordKey(ref.Key)))
		}
	}
	return issues
}

// LiveTenant runs the reference and required-field checks against stored
// rows, where reference columns hold internal ids.
func (v *Validator) LiveTenant(ctx context.Context, r store.Reader) ([]Issue, error) {
	rows := make(map[string][]store.Row)
	ids := make(map[string]map[string]bool)
	for _, et := range v.cat.EntityTypes() {
		list, err := r.ListByTenant(ctx, et)
		if err != nil {
			return nil, fmt.Errorf("validate: list %s: %w", et.Name, err)
		}
		rows[et.Name] = list
		set := make(map[string]bool, len(list))
		for _, row := range list {
			set[row.ID] = true
		}
		ids[et.Name] = set
	}

	var issues []Issue
	for _, et := range v.cat.EntityTypes() {
		for _, row := range rows[et.Name] {
			key := et.NaturalKeyOf(row.Values)
			for _, decl := range et.References {
				val := row.Values[decl.Column]
				if val == nil {
					if !decl.Optional {
						issues = append(issues, errorf(CodeMissingRequired, et.Name, key, "required reference %s is null", decl.Column))
					}
					continue
				}
				id := fmt.Sprint(val)
				if ids[decl.Target][id] {
					continue
				}
				if decl.Optional {
					issues = append(issues, warnf(CodeDanglingReference, et.Name, key, "optional %s -> %s %s does not exist", decl.Column, decl.Target, id))
				} else {
					issues = append(issues, errorf(CodeDanglingReference, et.Name, key, "%s -> %s %s does not exist", decl.Column, decl.Target, id))
				}
			}
			for _, f := range et.MissingRequired(row.Values) {
				issues = append(issues, errorf(CodeMissingRequired, et.Name, key, "required field %s is null", f))
			}
		}
	}
	return issues, nil
}

func sortedRefs(refs map[string]archive.Ref) []string {
	out := make([]string, 0, len(refs))
	for k := range refs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
