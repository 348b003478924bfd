package tenantcmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/flarebyte/tenant-lifecycle/internal/server/tenants"
)

var (
	flagImportTenant     string
	flagImportPolicy     string
	flagImportForce      bool
	flagImportBestEffort bool
	flagImportPartial    bool
)

var importCmd = &cobra.Command{
	Use:   "import <archive>",
	Short: "Apply an archive to a tenant in one transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := readArchive(args[0])
		if err != nil {
			return err
		}
		svc, ctx, done, err := connect(cmd)
		if err != nil {
			return err
		}
		defer done()
		resp, err := svc.Import(ctx, &tenants.ImportRequest{
			Archive:      b,
			TenantID:     flagImportTenant,
			Policy:       flagImportPolicy,
			Force:        flagImportForce,
			BestEffort:   flagImportBestEffort,
			AllowPartial: flagImportPartial,
		})
		if err != nil {
			return err
		}
		return finish(os.Stdout, resp)
	},
}

func init() {
	TenantCmd.AddCommand(importCmd)
	importCmd.Flags().StringVar(&flagImportTenant, "tenant", "", "Target tenant id")
	importCmd.Flags().StringVar(&flagImportPolicy, "policy", "merge", "Conflict policy: replace or merge")
	importCmd.Flags().BoolVar(&flagImportForce, "force", false, "Import despite validation errors")
	importCmd.Flags().BoolVar(&flagImportBestEffort, "best-effort", false, "Skip failing records and commit the rest")
	importCmd.Flags().BoolVar(&flagImportPartial, "allow-partial", false, "Drop corrupt sections instead of rejecting the archive")
	_ = importCmd.MarkFlagRequired("tenant")
}
