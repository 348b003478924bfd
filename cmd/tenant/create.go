package tenantcmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/flarebyte/tenant-lifecycle/internal/app"
	cfgpkg "github.com/flarebyte/tenant-lifecycle/internal/config"
)

var flagCreateName string

var createCmd = &cobra.Command{
	Use:   "create <tenant-id>",
	Short: "Register a tenant id in the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cfgpkg.Load()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		a, err := app.Open(ctx, cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.CreateTenant(ctx, args[0], flagCreateName); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "tenant %s ready\n", args[0])
		return nil
	},
}

func init() {
	TenantCmd.AddCommand(createCmd)
	createCmd.Flags().StringVar(&flagCreateName, "name", "", "Display name")
}
