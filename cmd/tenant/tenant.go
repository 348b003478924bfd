package tenantcmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/flarebyte/tenant-lifecycle/internal/app"
	cfgpkg "github.com/flarebyte/tenant-lifecycle/internal/config"
	"github.com/flarebyte/tenant-lifecycle/internal/lifecycle"
	"github.com/flarebyte/tenant-lifecycle/internal/server/tenants"
	"github.com/flarebyte/tenant-lifecycle/internal/validate"
)

var (
	flagServer  string
	flagOutput  string
	flagTimeout time.Duration
)

// TenantCmd groups the tenant lifecycle commands.
var TenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Export, validate, import, migrate and check tenant data",
}

func init() {
	TenantCmd.PersistentFlags().StringVar(&flagServer, "server", "", "Call a running tlc server at host:port instead of the database")
	TenantCmd.PersistentFlags().StringVar(&flagOutput, "output", "table", "Output format: table or json")
	TenantCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 10*time.Minute, "Overall timeout of the operation")
}

// connect returns the service the command talks to.
func connect(cmd *cobra.Command) (tenants.LifecycleServer, context.Context, func(), error) {
	if flagOutput != "table" && flagOutput != "json" {
		return nil, nil, nil, fmt.Errorf("unknown --output %q (want table or json)", flagOutput)
	}
	cfg, err := cfgpkg.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout)
	svc, closeFn, err := app.Connect(ctx, cfg, flagServer, os.Stderr)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return svc, ctx, func() {
		_ = closeFn()
		cancel()
	}, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printIssues(w io.Writer, issues []validate.Issue) {
	if len(issues) == 0 {
		fmt.Fprintln(w, "no issues")
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"SEVERITY", "ENTITY", "KEY", "CODE", "MESSAGE"})
	for _, i := range issues {
		table.Append([]string{string(i.Severity), i.EntityType, i.RecordKey, i.Code, i.Message})
	}
	table.Render()
}

func printReport(w io.Writer, r *lifecycle.Report) {
	fmt.Fprintf(w, "%s %s: %s", r.Operation, r.TenantID, r.Status)
	if r.SourceTenantID != "" {
		fmt.Fprintf(w, " (from %s)", r.SourceTenantID)
	}
	fmt.Fprintf(w, ", policy %s, report %s\n", r.Policy, r.ID)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"TYPE", "INSERTED", "UPDATED", "SKIPPED", "FAILED", "DELETED"})
	for _, e := range r.Entities {
		table.Append([]string{
			e.Type,
			strconv.Itoa(e.Inserted),
			strconv.Itoa(e.Updated),
			strconv.Itoa(e.Skipped),
			strconv.Itoa(e.Failed),
			strconv.FormatInt(e.Deleted, 10),
		})
	}
	table.Render()

	for _, e := range r.Entities {
		for _, re := range e.Errors {
			fmt.Fprintf(w, "  %s[%s] %s: %s\n", e.Type, re.Key, re.Code, re.Message)
		}
	}
	if len(r.Issues) > 0 {
		printIssues(w, r.Issues)
	}
	if len(r.SourceDeleted) > 0 {
		parts := make([]string, 0, len(r.SourceDeleted))
		for _, e := range r.Entities {
			if n, ok := r.SourceDeleted[e.Type]; ok {
				parts = append(parts, fmt.Sprintf("%s=%d", e.Type, n))
			}
		}
		fmt.Fprintf(w, "source deleted: %s\n", strings.Join(parts, " "))
	}
}

// finish prints a report response and turns a non-success into an error so
// the exit status reflects it.
func finish(w io.Writer, resp *tenants.ReportResponse) error {
	if flagOutput == "json" {
		if err := writeJSON(w, resp); err != nil {
			return err
		}
	} else {
		printReport(w, resp.Report)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
	}
	if resp.Report.Status != lifecycle.StatusSucceeded {
		return fmt.Errorf("%s finished with status %s", resp.Report.Operation, resp.Report.Status)
	}
	return nil
}
