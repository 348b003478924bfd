package server

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flarebyte/tenant-lifecycle/internal/app"
	cfgpkg "github.com/flarebyte/tenant-lifecycle/internal/config"
	"github.com/flarebyte/tenant-lifecycle/internal/paths"
	srv "github.com/flarebyte/tenant-lifecycle/internal/server"
)

// ServerCmd manages the lifecycle server.
var ServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Run and control the lifecycle server",
}

var (
	flagDetach   bool
	flagAddr     string
	flagHTTPAddr string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gRPC and HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := paths.EnsureHome(); err != nil {
			return err
		}
		pidPath := paths.PIDFile()
		if flagDetach {
			exe, err := os.Executable()
			if err != nil {
				return err
			}
			// Re-exec in foreground mode in a new session.
			childArgs := []string{"server", "start"}
			if flagAddr != "" {
				childArgs = append(childArgs, "--addr", flagAddr)
			}
			if flagHTTPAddr != "" {
				childArgs = append(childArgs, "--http-addr", flagHTTPAddr)
			}
			child := exec.Command(exe, childArgs...)
			lf, err := os.OpenFile(filepath.Join(filepath.Dir(pidPath), "server.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return err
			}
			defer lf.Close()
			child.Stdout = lf
			child.Stderr = lf
			if runtime.GOOS != "windows" {
				child.SysProcAttr = srv.DetachAttr()
			}
			if err := child.Start(); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "server started in background (pid=%d)\n", child.Process.Pid)
			return nil
		}

		cfg, err := cfgpkg.Load()
		if err != nil {
			return err
		}
		addr := flagAddr
		if addr == "" {
			addr = fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
		}
		httpAddr := flagHTTPAddr
		if httpAddr == "" {
			httpAddr = fmt.Sprintf("127.0.0.1:%d", cfg.Server.HTTPPort)
		}
		ctx := cmd.Context()
		a, err := app.Open(ctx, cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()
		return srv.RunForeground(ctx, srv.Options{
			GRPCAddr: addr,
			HTTPAddr: httpAddr,
			PIDPath:  pidPath,
			Service:  a.Service(),
			Metrics:  a.Registry,
			Log:      a.Log,
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running server gracefully",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := srv.ReadPID(paths.PIDFile())
		if err != nil {
			return err
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			return err
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			_ = proc.Kill()
		}
		fmt.Fprintf(os.Stderr, "stop signal sent to pid=%d\n", pid)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current server state",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := srv.ReadPID(paths.PIDFile())
		if err != nil {
			fmt.Fprintln(os.Stderr, "server: not running (no pid)")
			return nil
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			fmt.Fprintf(os.Stderr, "server: stale pid %d\n", pid)
			return nil
		}
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			fmt.Fprintf(os.Stderr, "server: not running (pid=%d not alive)\n", pid)
			return nil
		}
		fmt.Fprintf(os.Stderr, "server: running (pid=%d)\n", pid)
		return nil
	},
}

func init() {
	ServerCmd.AddCommand(startCmd, stopCmd, statusCmd)
	startCmd.Flags().BoolVar(&flagDetach, "detach", false, "Run in background")
	startCmd.Flags().StringVar(&flagAddr, "addr", "", "gRPC listen address (defaults to config)")
	startCmd.Flags().StringVar(&flagHTTPAddr, "http-addr", "", "HTTP listen address (defaults to config)")
}
