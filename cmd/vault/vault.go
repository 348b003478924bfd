package vaultcmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	cfgpkg "github.com/flarebyte/tenant-lifecycle/internal/config"
	vpkg "github.com/flarebyte/tenant-lifecycle/internal/vault"
)

// VaultCmd stores secrets referenced by config.yaml.
var VaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage secrets such as the database password",
}

var setCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Set or update a secret value in the vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := strings.TrimSpace(args[0])
		if name == "" {
			return errors.New("name must not be empty")
		}
		cfg, err := cfgpkg.Load()
		if err != nil {
			return err
		}
		secrets, err := vpkg.New(cfg.Vault.Backend)
		if err != nil {
			return err
		}
		secret, err := promptSecret(fmt.Sprintf("Enter secret for %q: ", name))
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := secrets.Set(ctx, name, secret); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "secret %q stored in backend %q\n", name, cfg.Vault.Backend)
		return nil
	},
}

func init() {
	VaultCmd.AddCommand(setCmd)
}

func promptSecret(prompt string) ([]byte, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, err
		}
		return []byte(strings.TrimRight(string(b), "\r\n")), nil
	}
	fmt.Fprintln(os.Stderr, "warning: reading secret from stdin; input will not be masked")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}
