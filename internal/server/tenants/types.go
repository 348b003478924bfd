package tenants

import (
	"github.com/flarebyte/tenant-lifecycle/internal/archive"
	"github.com/flarebyte/tenant-lifecycle/internal/lifecycle"
	"github.com/flarebyte/tenant-lifecycle/internal/validate"
)

// ExportRequest asks for the archive of one tenant.
type ExportRequest struct {
	TenantID string `json:"tenant_id"`
}

// ExportResponse carries the encoded archive (base64 in JSON) and its manifest.
type ExportResponse struct {
	Archive  []byte           `json:"archive"`
	Manifest archive.Manifest `json:"manifest"`
}

type ValidateRequest struct {
	Archive      []byte `json:"archive"`
	AllowPartial bool   `json:"allow_partial,omitempty"`
	// Target resolves references against an existing tenant.
	Target string `json:"target,omitempty"`
	Policy string `json:"policy,omitempty"`
}

type ValidateResponse struct {
	Valid  bool             `json:"valid"`
	Issues []validate.Issue `json:"issues"`
}

type ImportRequest struct {
	Archive      []byte `json:"archive"`
	TenantID     string `json:"tenant_id"`
	Policy       string `json:"policy"`
	Force        bool   `json:"force,omitempty"`
	BestEffort   bool   `json:"best_effort,omitempty"`
	AllowPartial bool   `json:"allow_partial,omitempty"`
}

// ReportResponse is returned by Import and Migrate. Error is set when the
// operation produced a report but did not succeed.
type ReportResponse struct {
	Report *lifecycle.Report `json:"report"`
	Error  *ErrorDetail      `json:"error,omitempty"`
}

type MigrateRequest struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	DeleteSource bool   `json:"delete_source,omitempty"`
}

type CheckTenantRequest struct {
	TenantID string `json:"tenant_id"`
}

type CheckTenantResponse struct {
	Valid  bool             `json:"valid"`
	Issues []validate.Issue `json:"issues"`
}

// ErrorDetail is the Connect error envelope body.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
