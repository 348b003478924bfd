package configcmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	cfgpkg "github.com/flarebyte/tenant-lifecycle/internal/config"
	"github.com/flarebyte/tenant-lifecycle/internal/paths"
)

// ConfigCmd manages config.yaml.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Create and inspect the configuration",
}

var (
	flagOverwrite    bool
	flagDryRun       bool
	flagServerPort   int
	flagHTTPPort     int
	flagPGHost       string
	flagPGPort       int
	flagPGDBName     string
	flagPGSSLMode    string
	flagPGUser       string
	flagPGSecret     string
	flagWorkers      int
	flagLogLevel     string
	flagLogFormat    string
	flagVaultBackend string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or update the global config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := paths.EnsureHome(); err != nil {
			return err
		}
		path := cfgpkg.Path()
		if !flagOverwrite && !flagDryRun {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s (use --overwrite to replace)", path)
			}
		}
		// Start from the existing file so unset flags keep their values.
		cfg, err := cfgpkg.Load()
		if err != nil {
			return err
		}
		f := cmd.Flags()
		if f.Changed("server-port") {
			cfg.Server.Port = flagServerPort
		}
		if f.Changed("http-port") {
			cfg.Server.HTTPPort = flagHTTPPort
		}
		if f.Changed("pg-host") {
			cfg.Postgres.Host = flagPGHost
		}
		if f.Changed("pg-port") {
			cfg.Postgres.Port = flagPGPort
		}
		if f.Changed("pg-dbname") {
			cfg.Postgres.DBName = flagPGDBName
		}
		if f.Changed("pg-sslmode") {
			cfg.Postgres.SSLMode = flagPGSSLMode
		}
		if f.Changed("pg-user") {
			cfg.Postgres.User = flagPGUser
		}
		if f.Changed("pg-password-secret") {
			cfg.Postgres.PasswordSecret = flagPGSecret
		}
		if f.Changed("workers") {
			cfg.Lifecycle.Workers = flagWorkers
		}
		if f.Changed("log-level") {
			cfg.Log.Level = flagLogLevel
		}
		if f.Changed("log-format") {
			cfg.Log.Format = flagLogFormat
		}
		if f.Changed("vault-backend") {
			cfg.Vault.Backend = flagVaultBackend
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		b, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		if flagDryRun {
			os.Stdout.Write(b)
			fmt.Fprintf(os.Stderr, "dry-run: not writing %s\n", path)
			return nil
		}
		if err := os.WriteFile(path, b, 0o600); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote config to %s\n", path)
		return nil
	},
}

var printCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the merged configuration to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cfgpkg.Load()
		if err != nil {
			return err
		}
		if cfg.Postgres.Password != "" {
			cfg.Postgres.Password = "********"
		}
		b, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(b)
		return err
	},
}

func init() {
	ConfigCmd.AddCommand(initCmd, printCmd)

	initCmd.Flags().BoolVar(&flagOverwrite, "overwrite", false, "Overwrite existing config.yaml if present")
	initCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Print merged config to stdout without writing")
	initCmd.Flags().IntVar(&flagServerPort, "server-port", cfgpkg.DefaultServerPort, "gRPC port")
	initCmd.Flags().IntVar(&flagHTTPPort, "http-port", cfgpkg.DefaultHTTPPort, "HTTP port")
	initCmd.Flags().StringVar(&flagPGHost, "pg-host", "127.0.0.1", "Postgres host")
	initCmd.Flags().IntVar(&flagPGPort, "pg-port", cfgpkg.DefaultPostgresPort, "Postgres port")
	initCmd.Flags().StringVar(&flagPGDBName, "pg-dbname", "tlc", "Postgres database name")
	initCmd.Flags().StringVar(&flagPGSSLMode, "pg-sslmode", "disable", "Postgres SSL mode")
	initCmd.Flags().StringVar(&flagPGUser, "pg-user", "tlc_app", "Postgres user")
	initCmd.Flags().StringVar(&flagPGSecret, "pg-password-secret", "", "Vault entry holding the Postgres password")
	initCmd.Flags().IntVar(&flagWorkers, "workers", cfgpkg.DefaultWorkers, "Entity types processed concurrently")
	initCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "Log level")
	initCmd.Flags().StringVar(&flagLogFormat, "log-format", "json", "Log format: json or console")
	initCmd.Flags().StringVar(&flagVaultBackend, "vault-backend", "keychain", "Secret backend")
}
