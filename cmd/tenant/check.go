package tenantcmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/flarebyte/tenant-lifecycle/internal/server/tenants"
)

var checkCmd = &cobra.Command{
	Use:   "check <tenant-id>",
	Short: "Check references and required fields of stored tenant data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, ctx, done, err := connect(cmd)
		if err != nil {
			return err
		}
		defer done()
		resp, err := svc.CheckTenant(ctx, &tenants.CheckTenantRequest{TenantID: args[0]})
		if err != nil {
			return err
		}
		if flagOutput == "json" {
			if err := writeJSON(os.Stdout, resp); err != nil {
				return err
			}
		} else {
			printIssues(os.Stdout, resp.Issues)
		}
		if !resp.Valid {
			return errors.New("tenant data has errors")
		}
		return nil
	},
}

func init() {
	TenantCmd.AddCommand(checkCmd)
}
