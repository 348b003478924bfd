// Package server runs the lifecycle gRPC and HTTP listeners in the
// foreground and manages the pid file used by the server commands.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/flarebyte/tenant-lifecycle/internal/server/tenants"
)

const shutdownTimeout = 10 * time.Second

// Options configures RunForeground.
type Options struct {
	GRPCAddr string
	HTTPAddr string
	// PIDPath is skipped when empty.
	PIDPath string
	Service *tenants.Service
	Metrics prometheus.Gatherer
	Log     *zap.Logger
}

// RunForeground serves until ctx is done or SIGTERM/SIGINT arrives, then
// stops both listeners gracefully.
func RunForeground(ctx context.Context, opts Options) error {
	if opts.PIDPath != "" {
		if err := writePID(opts.PIDPath); err != nil {
			return err
		}
		defer removePID(opts.PIDPath)
	}

	glis, err := net.Listen("tcp", opts.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	hlis, err := net.Listen("tcp", opts.HTTPAddr)
	if err != nil {
		_ = glis.Close()
		return fmt.Errorf("listen http: %w", err)
	}
	return Serve(ctx, glis, hlis, opts)
}

// Serve runs on already bound listeners.
func Serve(ctx context.Context, glis, hlis net.Listener, opts Options) error {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	gs := grpc.NewServer(
		grpc.UnaryInterceptor(tenants.LoggingInterceptor(log)),
		grpc.MaxRecvMsgSize(tenants.MaxMessageBytes),
		grpc.MaxSendMsgSize(tenants.MaxMessageBytes),
	)
	opts.Service.Register(gs)
	reflection.Register(gs)
	hs := &http.Server{
		Handler:           opts.Service.Handler(opts.Metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Serving gRPC", zap.String("addr", glis.Addr().String()))
		if err := gs.Serve(glis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("Serving HTTP", zap.String("addr", hlis.Addr().String()))
		if err := hs.Serve(hlis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		done := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(done)
		}()
		err := hs.Shutdown(sctx)
		select {
		case <-done:
		case <-sctx.Done():
			gs.Stop()
		}
		return err
	})
	return g.Wait()
}

func writePID(pidPath string) error {
	if _, err := os.Stat(pidPath); err == nil {
		return fmt.Errorf("pid file exists: %s", pidPath)
	}
	f, err := os.OpenFile(pidPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d", os.Getpid())
	return err
}

func removePID(pidPath string) {
	_ = os.Remove(pidPath)
}

func ReadPID(pidPath string) (int, error) {
	b, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, err
	}
	var pid int
	if _, err := fmt.Sscanf(string(b), "%d", &pid); err != nil {
		return 0, err
	}
	return pid, nil
}

// DetachAttr returns platform-specific attributes to detach a process.
func DetachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
