package lifecycle

import (
	"fmt"
	"time"

	"github.com/flarebyte/tenant-lifecycle/internal/validate"
)

// Policy governs how existing records absent from an archive are treated.
type Policy string

const (
	// PolicyReplace deletes existing records of archived types whose conflict
	// key is not in the archive.
	PolicyReplace Policy = "replace"
	// PolicyMerge upserts and leaves every other record untouched.
	PolicyMerge Policy = "merge"
)

// ParsePolicy accepts "replace" or "merge".
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyReplace, PolicyMerge:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown conflict policy %q (want replace or merge)", s)
}

type Status string

const (
	StatusSucceeded Status = "succeeded"
	// StatusPartial is a best-effort import that committed without some records.
	StatusPartial  Status = "partial"
	StatusFailed   Status = "failed"
	StatusRejected Status = "rejected"
)

// RecordError is one record-level failure kept in a report.
type RecordError struct {
	Key     string `json:"key"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EntityReport holds the outcome counts of one entity type.
type EntityReport struct {
	Type     string        `json:"type"`
	Inserted int           `json:"inserted"`
	Updated  int           `json:"updated"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Deleted  int64         `json:"deleted"`
	Errors   []RecordError `json:"errors,omitempty"`
}

// Report is the outcome of an import or migration.
type Report struct {
	ID             string           `json:"id"`
	Operation      string           `json:"operation"`
	ArchiveID      string           `json:"archive_id,omitempty"`
	TenantID       string           `json:"tenant_id"`
	SourceTenantID string           `json:"source_tenant_id,omitempty"`
	Policy         Policy           `json:"policy"`
	Status         Status           `json:"status"`
	Forced         bool             `json:"forced,omitempty"`
	BestEffort     bool             `json:"best_effort,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	FinishedAt     time.Time        `json:"finished_at"`
	Entities       []EntityReport   `json:"entities"`
	Issues         []validate.Issue `json:"issues,omitempty"`
	SourceDeleted  map[string]int64 `json:"source_deleted,omitempty"`
}

// Entity returns the report of an entity type, or nil.
func (r *Report) Entity(name string) *EntityReport {
	for i := range r.Entities {
		if r.Entities[i].Type == name {
			return &r.Entities[i]
		}
	}
	return nil
}

// Failed sums failed records over all entity types.
func (r *Report) Failed() int {
	n := 0
	for _, e := range r.Entities {
		n += e.Failed
	}
	return n
}

// addError counts a failed record and keeps its detail while under max.
func (e *EntityReport) addError(max int, re RecordError) {
	e.Failed++
	if len(e.Errors) < max {
		e.Errors = append(e.Errors, re)
	}
}
