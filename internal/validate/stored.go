package validate

import (
	"fmt"

	"github.com/flarebyte/tenant-lifecycle/internal/archive"
	"github.com/flarebyte/tenant-lifecycle/internal/catalog"
	"github.com/flarebyte/tenant-lifecycle/internal/store"
)

// StoredRef is a reference of a stored row, rendered as keys of its target.
type StoredRef struct {
	Column   string
	Target   string
	Key      []string // natural key
	Conflict string   // joined conflict key
}

// StoredRow is a row the import target already holds.
type StoredRow struct {
	Type     string
	Key      []string
	Conflict string
	Refs     []StoredRef
}

// Stored indexes the rows of an import target. Build it with NewStored.
type Stored struct {
	keys KeySet
	// joined natural key to conflict key, by type
	holders map[string]map[string][]string
	rows    []StoredRow
}

// NewStored indexes rows, keyed by entity type, whose reference columns hold
// internal ids. References to ids that are not in rows are dropped.
func NewStored(cat *catalog.Catalog, rows map[string][]store.Row) *Stored {
	s := &Stored{keys: KeySet{}, holders: map[string]map[string][]string{}}
	type target struct {
		key      []string
		conflict string
	}
	byID := map[string]map[string]target{}
	for _, et := range cat.EntityTypes() {
		ids := make(map[string]target, len(rows[et.Name]))
		holders := make(map[string][]string, len(rows[et.Name]))
		for _, r := range rows[et.Name] {
			nk := et.NaturalKeyOf(r.Values)
			ck := et.ConflictKeyOf(r.Values)
			s.keys.Add(et.Name, nk)
			holders[catalog.JoinKey(nk)] = ck
			ids[r.ID] = target{key: nk, conflict: catalog.JoinKey(ck)}
		}
		byID[et.Name] = ids
		s.holders[et.Name] = holders
	}
	for _, et := range cat.EntityTypes() {
		for _, r := range rows[et.Name] {
			row := StoredRow{Type: et.Name, Key: et.NaturalKeyOf(r.Values), Conflict: catalog.JoinKey(et.ConflictKeyOf(r.Values))}
			for _, decl := range et.References {
				v := r.Values[decl.Column]
				if v == nil {
					continue
				}
				tg, ok := byID[decl.Target][fmt.Sprint(v)]
				if !ok {
					continue
				}
				row.Refs = append(row.Refs, StoredRef{Column: decl.Column, Target: decl.Target, Key: tg.key, Conflict: tg.conflict})
			}
			s.rows = append(s.rows, row)
		}
	}
	return s
}

// Has reports whether a stored row of entityType holds naturalKey.
func (s *Stored) Has(entityType string, naturalKey []string) bool {
	if s == nil {
		return false
	}
	return s.keys.Has(entityType, naturalKey)
}

// Rows returns the indexed rows in catalog order.
func (s *Stored) Rows() []StoredRow {
	if s == nil {
		return nil
	}
	return s.rows
}

// KeyClashes returns, by entity type and joined natural key, the archived
// records of a merge import whose natural key is held by a stored row that
// the import keeps as a different record. The value is that row's conflict
// key.
func (s *Stored) KeyClashes(cat *catalog.Catalog, a *archive.Archive) map[string]map[string][]string {
	out := map[string]map[string][]string{}
	if s == nil {
		return out
	}
	for _, sec := range a.Sections {
		et, ok := cat.Lookup(sec.Type)
		if !ok {
			continue
		}
		archived := archivedConflictKeys(et, sec)
		for _, rec := range sec.Records {
			nk := catalog.JoinKey(rec.Key)
			held, ok := s.holders[et.Name][nk]
			if !ok {
				continue
			}
			ck := catalog.JoinKey(held)
			// A stored row the archive rewrites gives up its natural key.
			if ck == catalog.JoinKey(catalog.KeyOf(rec.Fields, et.ConflictKey)) || archived[ck] {
				continue
			}
			if out[et.Name] == nil {
				out[et.Name] = map[string][]string{}
			}
			out[et.Name][nk] = held
		}
	}
	return out
}

func archivedConflictKeys(et catalog.EntityType, sec archive.Section) map[string]bool {
	out := make(map[string]bool, len(sec.Records))
	for _, rec := range sec.Records {
		out[catalog.JoinKey(catalog.KeyOf(rec.Fields, et.ConflictKey))] = true
	}
	return out
}
