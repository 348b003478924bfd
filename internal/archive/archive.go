// Package archive implements the portable tenant snapshot container: a
// manifest plus one independently checksummed section per entity type.
package archive

import (
	"time"
)

// FormatVersion is the container layout version written by Encode. Decode
// rejects any other version so old and new engines fail cleanly.
const FormatVersion = 1

// Ref is an outbound reference expressed as the referenced record's natural
// key, so it stays valid across environments where internal ids differ.
type Ref struct {
	Target string   `json:"target"`
	Key    []string `json:"key"`
}

// EntityRecord is one exported row.
type EntityRecord struct {
	Type   string         `json:"-"`
	Key    []string       `json:"key"`
	Fields map[string]any `json:"fields"`
	Refs   map[string]Ref `json:"refs,omitempty"`
}

// ManifestEntry describes one entity section.
type ManifestEntry struct {
	Type     string `json:"type"`
	Count    int    `json:"count"`
	Checksum string `json:"checksum"`
}

// Manifest is the archive header.
type Manifest struct {
	FormatVersion  int             `json:"format_version"`
	ArchiveID      string          `json:"archive_id"`
	TenantID       string          `json:"tenant_id"`
	SourceTenantID string          `json:"source_tenant_id,omitempty"`
	ExportedAt     time.Time       `json:"exported_at"`
	SchemaVersion  int             `json:"schema_version"`
	Entities       []ManifestEntry `json:"entities"`
}

// Entry returns the manifest entry for an entity type.
func (m Manifest) Entry(entityType string) (ManifestEntry, bool) {
	for _, e := range m.Entities {
		if e.Type == entityType {
			return e, true
		}
	}
	return ManifestEntry{}, false
}

// Section holds the ordered records of one entity type.
type Section struct {
	Type    string
	Records []EntityRecord
}

// Archive is a decoded or freshly built snapshot. It is treated as read-only
// once built.
type Archive struct {
	Manifest Manifest
	Sections []Section
	// Corrupt lists entity sections dropped by a partial decode.
	Corrupt []string
}

// Section returns the section for an entity type.
func (a *Archive) Section(entityType string) (Section, bool) {
	for _, s := range a.Sections {
		if s.Type == entityType {
			return s, true
		}
	}
	return Section{}, false
}

// Records returns the records of an entity type, or nil.
func (a *Archive) Records(entityType string) []EntityRecord {
	s, _ := a.Section(entityType)
	return s.Records
}

// IsCorrupt reports whether an entity section was dropped by partial decode.
func (a *Archive) IsCorrupt(entityType string) bool {
	for _, c := range a.Corrupt {
		if c == entityType {
			return true
		}
	}
	return false
}

// Count returns the number of records across all sections.
func (a *Archive) Count() int {
	n := 0
	for _, s := range a.Sections {
		n += len(s.Records)
	}
	return n
}
