package tenantcmd

import (
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/flarebyte/tenant-lifecycle/internal/server/tenants"
)

var (
	flagValidateTarget  string
	flagValidatePolicy  string
	flagValidatePartial bool
)

// readArchive reads the archive file, or stdin for "-".
func readArchive(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

var validateCmd = &cobra.Command{
	Use:   "validate <archive>",
	Short: "Check an archive without writing anything",
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
		resp, err := svc.Validate(ctx, &tenants.ValidateRequest{
			Archive:      b,
			AllowPartial: flagValidatePartial,
			Target:       flagValidateTarget,
			Policy:       flagValidatePolicy,
		})
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
			return errors.New("archive has errors")
		}
		return nil
	},
}

func init() {
	TenantCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringVar(&flagValidateTarget, "target", "", "Resolve references against this tenant's data")
	validateCmd.Flags().StringVar(&flagValidatePolicy, "policy", "merge", "Conflict policy assumed with --target: replace or merge")
	validateCmd.Flags().BoolVar(&flagValidatePartial, "allow-partial", false, "Drop corrupt sections instead of rejecting the archive")
}
