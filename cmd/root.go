package cmd

import (
	catalogcmd "github.com/flarebyte/tenant-lifecycle/cmd/catalog"
	configcmd "github.com/flarebyte/tenant-lifecycle/cmd/config"
	dbcmd "github.com/flarebyte/tenant-lifecycle/cmd/db"
	srvcmd "github.com/flarebyte/tenant-lifecycle/cmd/server"
	tenantcmd "github.com/flarebyte/tenant-lifecycle/cmd/tenant"
	vaultcmd "github.com/flarebyte/tenant-lifecycle/cmd/vault"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "tlc",
	Short:         "Export, import and migrate tenant data",
	Long:          "tlc moves the data of one tenant between tenants and environments as a self-describing archive.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(tenantcmd.TenantCmd)
	rootCmd.AddCommand(catalogcmd.CatalogCmd)
	rootCmd.AddCommand(dbcmd.DBCmd)
	rootCmd.AddCommand(srvcmd.ServerCmd)
	rootCmd.AddCommand(configcmd.ConfigCmd)
	rootCmd.AddCommand(vaultcmd.VaultCmd)
}
