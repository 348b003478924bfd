package tenantcmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/flarebyte/tenant-lifecycle/internal/server/tenants"
)

var flagExportOut string

var exportCmd = &cobra.Command{
	Use:   "export <tenant-id>",
	Short: "Write the archive of a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagExportOut == "" || flagExportOut == "-" {
			if term.IsTerminal(int(os.Stdout.Fd())) {
				return errors.New("refusing to write a binary archive to a terminal; use --out or redirect stdout")
			}
		}
		svc, ctx, done, err := connect(cmd)
		if err != nil {
			return err
		}
		defer done()
		resp, err := svc.Export(ctx, &tenants.ExportRequest{TenantID: args[0]})
		if err != nil {
			return err
		}
		if flagExportOut == "" || flagExportOut == "-" {
			_, err = os.Stdout.Write(resp.Archive)
		} else {
			err = os.WriteFile(flagExportOut, resp.Archive, 0o600)
		}
		if err != nil {
			return err
		}
		m := resp.Manifest
		total := 0
		for _, e := range m.Entities {
			total += e.Count
		}
		fmt.Fprintf(os.Stderr, "exported %s: archive %s, %d records in %d sections, schema v%d\n",
			m.TenantID, m.ArchiveID, total, len(m.Entities), m.SchemaVersion)
		return nil
	},
}

func init() {
	TenantCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(&flagExportOut, "out", "o", "", "Archive file to write (default stdout)")
}
