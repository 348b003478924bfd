package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flarebyte/tenant-lifecycle/internal/paths"
)

const (
	DefaultServerPort   = 53061
	DefaultHTTPPort     = 53062
	DefaultPostgresPort = 5432
	DefaultMaxConns     = 10
	DefaultWorkers      = 4
	DefaultLockTimeout  = 5 * time.Second
	DefaultErrorDetails = 20
)

type ServerConfig struct {
	// Port serves the gRPC lifecycle service.
	Port int `yaml:"port"`
	// HTTPPort serves the JSON handlers, /metrics and /healthz.
	HTTPPort int `yaml:"http_port"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	User     string `yaml:"user"`
	Password string `yaml:"password,omitempty"`
	// PasswordSecret names a vault entry used when Password is empty.
	PasswordSecret string `yaml:"password_secret,omitempty"`
	MaxConns       int32  `yaml:"max_conns"`
}

type LifecycleConfig struct {
	Workers         int           `yaml:"workers"`
	LockTimeout     time.Duration `yaml:"lock_timeout"`
	MaxErrorDetails int           `yaml:"max_error_details"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
}

type VaultConfig struct {
	// Backend selects the secret store; only keychain exists today.
	Backend string `yaml:"backend"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Log       LogConfig       `yaml:"log"`
	Vault     VaultConfig     `yaml:"vault"`
}

// Defaults returns the configuration used when no file is present.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Port: DefaultServerPort, HTTPPort: DefaultHTTPPort},
		Postgres: PostgresConfig{
			Host:     "127.0.0.1",
			Port:     DefaultPostgresPort,
			DBName:   "tlc",
			SSLMode:  "disable",
			User:     "tlc_app",
			MaxConns: DefaultMaxConns,
		},
		Lifecycle: LifecycleConfig{
			Workers:         DefaultWorkers,
			LockTimeout:     DefaultLockTimeout,
			MaxErrorDetails: DefaultErrorDetails,
		},
		Log:   LogConfig{Level: "info", Format: "json"},
		Vault: VaultConfig{Backend: "keychain"},
	}
}

// Path returns the expected path to the config.yaml file.
func Path() string {
	return filepath.Join(paths.Home(), "config.yaml")
}

// Load reads configuration from config.yaml if it exists.
// Missing file is not an error; defaults are returned.
func Load() (Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the configuration at p, merged over the defaults.
func LoadFile(p string) (Config, error) {
	cfg := Defaults()
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	var fileCfg Config
	if err := yaml.Unmarshal(b, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	merge(&cfg, fileCfg)
	return cfg, cfg.Validate()
}

// merge overrides defaults with provided values if non-zero.
func merge(cfg *Config, f Config) {
	if f.Server.Port != 0 {
		cfg.Server.Port = f.Server.Port
	}
	if f.Server.HTTPPort != 0 {
		cfg.Server.HTTPPort = f.Server.HTTPPort
	}
	if f.Postgres.Host != "" {
		cfg.Postgres.Host = f.Postgres.Host
	}
	if f.Postgres.Port != 0 {
		cfg.Postgres.Port = f.Postgres.Port
	}
	if f.Postgres.DBName != "" {
		cfg.Postgres.DBName = f.Postgres.DBName
	}
	if f.Postgres.SSLMode != "" {
		cfg.Postgres.SSLMode = f.Postgres.SSLMode
	}
	if f.Postgres.User != "" {
		cfg.Postgres.User = f.Postgres.User
	}
	if f.Postgres.Password != "" {
		cfg.Postgres.Password = f.Postgres.Password
	}
	if f.Postgres.PasswordSecret != "" {
		cfg.Postgres.PasswordSecret = f.Postgres.PasswordSecret
	}
	if f.Postgres.MaxConns != 0 {
		cfg.Postgres.MaxConns = f.Postgres.MaxConns
	}
	if f.Lifecycle.Workers != 0 {
		cfg.Lifecycle.Workers = f.Lifecycle.Workers
	}
	if f.Lifecycle.LockTimeout != 0 {
		cfg.Lifecycle.LockTimeout = f.Lifecycle.LockTimeout
	}
	if f.Lifecycle.MaxErrorDetails != 0 {
		cfg.Lifecycle.MaxErrorDetails = f.Lifecycle.MaxErrorDetails
	}
	if f.Log.Level != "" {
		cfg.Log.Level = f.Log.Level
	}
	if f.Log.Format != "" {
		cfg.Log.Format = f.Log.Format
	}
	if f.Vault.Backend != "" {
		cfg.Vault.Backend = f.Vault.Backend
	}
}

// Validate reports values no command could run with.
func (c Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535:
		return fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort)
	case c.Server.Port == c.Server.HTTPPort:
		return fmt.Errorf("server.port and server.http_port are both %d", c.Server.Port)
	case c.Lifecycle.Workers < 1:
		return fmt.Errorf("lifecycle.workers must be at least 1")
	case c.Lifecycle.LockTimeout < 0:
		return fmt.Errorf("lifecycle.lock_timeout must not be negative")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q (want json or console)", c.Log.Format)
	}
	return nil
}
