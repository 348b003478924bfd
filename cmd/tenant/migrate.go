package tenantcmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/flarebyte/tenant-lifecycle/internal/server/tenants"
)

var (
	flagMigrateSource string
	flagMigrateTarget string
	flagMigrateDelete bool
	flagMigrateYes    bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Move all data of one tenant to another",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagMigrateDelete && !flagMigrateYes {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return errors.New("refusing to delete the source without --yes")
			}
			ok, err := confirm(os.Stdin, os.Stderr, fmt.Sprintf("Delete all data of tenant %s after the migration? [y/N] ", flagMigrateSource))
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("aborted")
			}
		}
		svc, ctx, done, err := connect(cmd)
		if err != nil {
			return err
		}
		defer done()
		resp, err := svc.Migrate(ctx, &tenants.MigrateRequest{
			Source:       flagMigrateSource,
			Target:       flagMigrateTarget,
			DeleteSource: flagMigrateDelete,
		})
		if err != nil {
			return err
		}
		return finish(os.Stdout, resp)
	},
}

// confirm reads one answer line; only y or yes accepts.
func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func init() {
	TenantCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().StringVar(&flagMigrateSource, "source", "", "Source tenant id")
	migrateCmd.Flags().StringVar(&flagMigrateTarget, "target", "", "Target tenant id")
	migrateCmd.Flags().BoolVar(&flagMigrateDelete, "delete-source", false, "Delete the source data once the target commits")
	migrateCmd.Flags().BoolVar(&flagMigrateYes, "yes", false, "Do not ask before deleting the source")
	_ = migrateCmd.MarkFlagRequired("source")
	_ = migrateCmd.MarkFlagRequired("target")
}
