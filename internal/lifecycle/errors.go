package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/flarebyte/tenant-lifecycle/internal/store"
	"github.com/flarebyte/tenant-lifecycle/internal/validate"
)

var (
	// ErrTenantNotFound is the cause of an ExportError for a missing tenant.
	ErrTenantNotFound = store.ErrTenantNotFound
	// ErrDanglingReference is the cause of an ExportError when a stored row
	// references a row that is not in the snapshot.
	ErrDanglingReference = errors.New("dangling reference")
	// ErrSameTenant rejects a migration onto its own source.
	ErrSameTenant = errors.New("source and target tenant are the same")
)

// SchemaVersionError is an archive written at an unsupported schema version.
type SchemaVersionError struct {
	Version int
	Min     int
	Max     int
}

func (e *SchemaVersionError) Error() string {
	return fmt.Sprintf("schema version %d not supported (accepted %d..%d)", e.Version, e.Min, e.Max)
}

// ValidationError aggregates the error issues that blocked an operation.
type ValidationError struct {
	Issues []validate.Issue
	// Version is set when the schema version check failed.
	Version *SchemaVersionError
}

func (e *ValidationError) Error() string {
	errs := validate.Errors(e.Issues)
	if len(errs) == 0 {
		return "validation failed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "validation failed with %d error(s): %s", len(errs), errs[0])
	if len(errs) > 1 {
		fmt.Fprintf(&b, " (and %d more)", len(errs)-1)
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error {
	if e.Version == nil {
		return nil
	}
	return e.Version
}

// ReferentialIntegrityError is a reference that could not be resolved in the
// target tenant, even after the deferred pass.
type ReferentialIntegrityError struct {
	EntityType string
	RecordKey  string
	Column     string
	Target     string
	TargetKey  string
}

func (e *ReferentialIntegrityError) Error() string {
	return fmt.Sprintf("%s[%s].%s: referenced %s[%s] not found", e.EntityType, e.RecordKey, e.Column, e.Target, e.TargetKey)
}

// ConflictError reports another lifecycle operation holding the tenant.
// Callers should retry later.
type ConflictError struct {
	TenantID string
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("tenant %s is busy with another lifecycle operation: %v", e.TenantID, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// ExportError wraps a failure to read the source tenant.
type ExportError struct {
	TenantID string
	Err      error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export tenant %s: %v", e.TenantID, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

// ImportError wraps a store failure during import. The transaction has been
// rolled back.
type ImportError struct {
	TenantID string
	Op       string
	Err      error
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("import tenant %s: %s: %v", e.TenantID, e.Op, e.Err)
}

func (e *ImportError) Unwrap() error { return e.Err }

// MigrationError reports a failure in a migration stage outside export and
// import, such as deleting the source after a committed import.
type MigrationError struct {
	Source string
	Target string
	Stage  string
	Err    error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migrate %s -> %s: %s: %v", e.Source, e.Target, e.Stage, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }
