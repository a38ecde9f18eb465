// Package config loads csmsync configuration from the environment.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/kimhsiao/csmsync/internal/errors"
	"github.com/kimhsiao/csmsync/internal/logging"
)

// Prefix is prepended to every environment variable name.
const Prefix = "CSM"

// Config is the full process configuration.
type Config struct {
	LocalConfig
	PrimaryConfig
	LegacyConfig
	SyncConfig
	ServerConfig
	MetricsConfig
	LogConfig
}

// LocalConfig locates the on-device store.
type LocalConfig struct {
	DataDir string `envconfig:"DATA_DIR" default:"./data"`
	DBFile  string `envconfig:"DB_FILE" default:"csmsync.db"`
}

// PrimaryConfig configures Remote A, the managed Postgres database.
type PrimaryConfig struct {
	PrimaryDSN string `envconfig:"PRIMARY_DSN" masked:"true"`
}

// LegacyConfig configures Remote B, the legacy HTTP API.
type LegacyConfig struct {
	LegacyBaseURL string        `envconfig:"LEGACY_BASE_URL"`
	SessionToken  string        `envconfig:"SESSION_TOKEN" masked:"true"`
	LegacyTimeout time.Duration `envconfig:"LEGACY_TIMEOUT" default:"10s"`
}

// SyncConfig tunes the scheduler, retry ledger and connectivity probe.
type SyncConfig struct {
	SyncInterval   time.Duration `envconfig:"SYNC_INTERVAL" default:"30s"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"8s"`
	MaxFailures    int           `envconfig:"MAX_FAILURES" default:"8"`
	BackoffBase    time.Duration `envconfig:"BACKOFF_BASE" default:"2s"`
	BackoffMax     time.Duration `envconfig:"BACKOFF_MAX" default:"10m"`
	ProbeURL       string        `envconfig:"PROBE_URL"`
	ProbeInterval  time.Duration `envconfig:"PROBE_INTERVAL" default:"15s"`
	ProbeTimeout   time.Duration `envconfig:"PROBE_TIMEOUT" default:"3s"`
}

// ServerConfig configures the legacy API server and token verification.
type ServerConfig struct {
	ServerAddr string `envconfig:"SERVER_ADDR" default:":3001"`
	JWTSecret  string `envconfig:"JWT_SECRET" masked:"true"`
}

// MetricsConfig configures the Prometheus endpoint. Empty address disables it.
type MetricsConfig struct {
	MetricsAddr string `envconfig:"METRICS_ADDR"`
}

// LogConfig configures logging.
type LogConfig struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads an optional .env file at path and then the process environment.
// A missing .env file is not an error.
func Load(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			if !os.IsNotExist(err) {
				return nil, errors.Wrap(errors.ErrConfig, "load "+path, err)
			}
			logging.Debug("no .env file found, using environment variables", map[string]interface{}{
				"path": path,
			})
		}
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "process environment", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	switch {
	case c.SyncInterval <= 0:
		return errors.New(errors.ErrConfig, "SYNC_INTERVAL must be positive")
	case c.RequestTimeout <= 0:
		return errors.New(errors.ErrConfig, "REQUEST_TIMEOUT must be positive")
	case c.MaxFailures < 1:
		return errors.New(errors.ErrConfig, "MAX_FAILURES must be at least 1")
	case c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase:
		return errors.New(errors.ErrConfig, "BACKOFF_MAX must be >= BACKOFF_BASE > 0")
	}
	return nil
}

// PrimaryEnabled reports whether Remote A is configured.
func (c *Config) PrimaryEnabled() bool {
	return c.PrimaryDSN != ""
}

// LegacyEnabled reports whether Remote B is configured.
func (c *Config) LegacyEnabled() bool {
	return c.LegacyBaseURL != ""
}
