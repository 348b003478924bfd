package tenantcmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarebyte/tenant-lifecycle/internal/lifecycle"
	"github.com/flarebyte/tenant-lifecycle/internal/server/tenants"
	"github.com/flarebyte/tenant-lifecycle/internal/validate"
)

func TestConfirm(t *testing.T) {
	for in, want := range map[string]bool{"y\n": true, "YES\n": true, "n\n": false, "": false, "yes": true} {
		var out bytes.Buffer
		ok, err := confirm(strings.NewReader(in), &out, "sure? ")
		require.NoError(t, err)
		assert.Equal(t, want, ok, "%q", in)
		assert.Equal(t, "sure? ", out.String())
	}
}

func sampleReport(status lifecycle.Status) *lifecycle.Report {
	return &lifecycle.Report{
		ID:             "01J00000000000000000000000",
		Operation:      "migrate",
		TenantID:       "beta",
		SourceTenantID: "acme",
		Policy:         lifecycle.PolicyReplace,
		Status:         status,
		Entities: []lifecycle.EntityReport{
			{Type: "project", Inserted: 3},
			{Type: "knowledge_item", Inserted: 4, Failed: 1, Errors: []lifecycle.RecordError{{Key: "k9", Code: "dangling_reference", Message: "project[nope] not found"}}},
		},
		SourceDeleted: map[string]int64{"project": 3, "knowledge_item": 5},
	}
}

func TestPrintReport(t *testing.T) {
	var b bytes.Buffer
	printReport(&b, sampleReport(lifecycle.StatusPartial))
	out := b.String()
	assert.Contains(t, out, "migrate beta: partial (from acme), policy replace")
	assert.Contains(t, out, "knowledge_item[k9] dangling_reference")
	assert.Contains(t, out, "source deleted: project=3 knowledge_item=5")
}

func TestFinish(t *testing.T) {
	flagOutput = "table"
	var b bytes.Buffer
	assert.NoError(t, finish(&b, &tenants.ReportResponse{Report: sampleReport(lifecycle.StatusSucceeded)}))

	err := finish(&b, &tenants.ReportResponse{Report: sampleReport(lifecycle.StatusPartial)})
	assert.EqualError(t, err, "migrate finished with status partial")

	err = finish(&b, &tenants.ReportResponse{
		Report: sampleReport(lifecycle.StatusRejected),
		Error:  &tenants.ErrorDetail{Code: "failed_precondition", Message: "validation failed"},
	})
	assert.EqualError(t, err, "failed_precondition: validation failed")
}

func TestPrintIssues(t *testing.T) {
	var b bytes.Buffer
	printIssues(&b, nil)
	assert.Equal(t, "no issues\n", b.String())

	b.Reset()
	printIssues(&b, []validate.Issue{{Severity: validate.SeverityError, EntityType: "project", RecordKey: "p1", Code: "missing_required", Message: "name is required"}})
	assert.Contains(t, b.String(), "missing_required")
	assert.Contains(t, b.String(), "name is required")
}
