package dbcmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/flarebyte/tenant-lifecycle/internal/app"
	"github.com/flarebyte/tenant-lifecycle/internal/catalog"
	cfgpkg "github.com/flarebyte/tenant-lifecycle/internal/config"
	pgdao "github.com/flarebyte/tenant-lifecycle/internal/dao/postgres"
)

// DBCmd groups database schema commands.
var DBCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the database schema",
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the tenant and entity tables, constraints and policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cfgpkg.Load()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
		defer cancel()
		a, err := app.Open(ctx, cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.EnsureSchema(ctx); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "schema ready in %s (catalog v%d)\n", cfg.Postgres.DBName, a.Engine.Catalog().SchemaVersion())
		return nil
	},
}

var ddlCmd = &cobra.Command{
	Use:   "ddl",
	Short: "Print the statements db init runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, s := range pgdao.DDL(catalog.Default()) {
			fmt.Fprintf(os.Stdout, "%s;\n\n", s)
		}
		return nil
	},
}

func init() {
	DBCmd.AddCommand(initCmd)
	DBCmd.AddCommand(ddlCmd)
}
