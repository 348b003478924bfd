// Package app wires configuration, logging, the Postgres store and the
// lifecycle engine for the commands and the server.
package app

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/flarebyte/tenant-lifecycle/internal/catalog"
	"github.com/flarebyte/tenant-lifecycle/internal/config"
	pgdao "github.com/flarebyte/tenant-lifecycle/internal/dao/postgres"
	"github.com/flarebyte/tenant-lifecycle/internal/lifecycle"
	"github.com/flarebyte/tenant-lifecycle/internal/logging"
	"github.com/flarebyte/tenant-lifecycle/internal/server/tenants"
	"github.com/flarebyte/tenant-lifecycle/internal/vault"
)

// App holds the long-lived dependencies of one process.
type App struct {
	Config   config.Config
	Log      *zap.Logger
	Pool     *pgxpool.Pool
	Store    *pgdao.Store
	Engine   *lifecycle.Engine
	Registry *prometheus.Registry
}

// newSecrets is replaced in tests.
var newSecrets = vault.New

// Password returns the configured database password, reading the vault
// when only password_secret is set.
func Password(ctx context.Context, cfg config.Config) (string, error) {
	if cfg.Postgres.Password != "" || cfg.Postgres.PasswordSecret == "" {
		return cfg.Postgres.Password, nil
	}
	s, err := newSecrets(cfg.Vault.Backend)
	if err != nil {
		return "", err
	}
	return vault.Resolve(ctx, s, "", cfg.Postgres.PasswordSecret)
}

// Open connects to Postgres and builds the engine. Logs go to logOut.
func Open(ctx context.Context, cfg config.Config, logOut io.Writer) (*App, error) {
	log, err := logging.New(logOut, cfg.Log)
	if err != nil {
		return nil, err
	}
	password, err := Password(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgdao.Open(ctx, cfg.Postgres, password)
	if err != nil {
		return nil, err
	}
	cat := catalog.Default()
	st := pgdao.New(pool, cat, pgdao.Options{Logger: log})

	metrics := lifecycle.NewMetrics()
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.PrometheusCollectors()...)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine := lifecycle.New(st, cat, lifecycle.Options{
		Workers:         cfg.Lifecycle.Workers,
		LockTimeout:     cfg.Lifecycle.LockTimeout,
		MaxErrorDetails: cfg.Lifecycle.MaxErrorDetails,
		Logger:          log,
		Metrics:         metrics,
	})
	log.Debug("Engine ready",
		zap.String("db", cfg.Postgres.DBName),
		zap.Int("workers", cfg.Lifecycle.Workers),
		zap.Int("schema_version", cat.SchemaVersion()))
	return &App{Config: cfg, Log: log, Pool: pool, Store: st, Engine: engine, Registry: reg}, nil
}

// Service exposes the engine as a LifecycleServer.
func (a *App) Service() *tenants.Service {
	return &tenants.Service{Engine: a.Engine, Log: a.Log.With(zap.String("service", "rpc"))}
}

// EnsureSchema creates the tenant and entity tables.
func (a *App) EnsureSchema(ctx context.Context) error {
	return pgdao.EnsureSchema(ctx, a.Pool, a.Engine.Catalog())
}

// CreateTenant registers a tenant id.
func (a *App) CreateTenant(ctx context.Context, id, name string) error {
	if id == "" {
		return fmt.Errorf("tenant id is required")
	}
	return pgdao.CreateTenant(ctx, a.Pool, id, name)
}

func (a *App) Close() error {
	a.Pool.Close()
	// Sync on stderr returns EINVAL on some platforms.
	_ = a.Log.Sync()
	return nil
}

// Connect returns a remote client when addr is set, otherwise a local
// service over a freshly opened App. The returned close func releases
// either.
func Connect(ctx context.Context, cfg config.Config, addr string, logOut io.Writer) (tenants.LifecycleServer, func() error, error) {
	if addr != "" {
		c, err := tenants.Dial(addr)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	}
	a, err := Open(ctx, cfg, logOut)
	if err != nil {
		return nil, nil, err
	}
	return a.Service(), a.Close, nil
}
