// Package config loads process configuration from CAPTURE_* environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/captureerr"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/snapstore"
)

// maxHistory mirrors the state machine builder limit.
const maxHistory = 10000

// #region config
type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	SnapshotBackend string `env:"SNAPSHOT_BACKEND" envDefault:"sqlite"`
	SnapshotPath    string `env:"SNAPSHOT_PATH" envDefault:"capture-snapshots.db"`
	AuditDBPath     string `env:"AUDIT_DB_PATH" envDefault:"capture-audit.db"`

	ControlPlaneAddr    string        `env:"CONTROL_PLANE_ADDR"`
	ControlPlaneTimeout time.Duration `env:"CONTROL_PLANE_TIMEOUT" envDefault:"5s"`

	SyncRetryAttempts int           `env:"SYNC_RETRY_ATTEMPTS" envDefault:"3"`
	SyncRetryDelay    time.Duration `env:"SYNC_RETRY_DELAY" envDefault:"100ms"`
	SyncMaxLag        time.Duration `env:"SYNC_MAX_LAG" envDefault:"5s"`

	SnapshotInterval time.Duration `env:"SNAPSHOT_INTERVAL" envDefault:"5m"`
	MaxSnapshots     int           `env:"MAX_SNAPSHOTS" envDefault:"10"`
	RetentionPeriod  time.Duration `env:"RETENTION_PERIOD" envDefault:"24h"`

	StateHistorySize int `env:"STATE_HISTORY_SIZE" envDefault:"100"`

	TxTimeout    time.Duration `env:"TX_TIMEOUT" envDefault:"30s"`
	TxMaxRetries int           `env:"TX_MAX_RETRIES" envDefault:"3"`

	MaxBuffers int `env:"MAX_BUFFERS" envDefault:"64"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// Load parses CAPTURE_* variables and validates the result.
func Load() (Config, error) {
	return LoadFrom(nil)
}

// LoadFrom parses from environ instead of the process environment when it
// is non-nil.
func LoadFrom(environ map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{Prefix: "CAPTURE_"}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// #endregion config

// #region validate
func (c Config) Validate() error {
	bad := func(field, msg string) error {
		return captureerr.Configuration(captureerr.CodeInvalidValue, field+": "+msg).WithComponent("config")
	}
	switch c.SnapshotBackend {
	case snapstore.BackendSQLite, snapstore.BackendBolt, snapstore.BackendFile:
	default:
		return bad("CAPTURE_SNAPSHOT_BACKEND", "unknown backend "+c.SnapshotBackend)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return bad("CAPTURE_LOG_FORMAT", "must be json or console")
	}
	switch {
	case c.SnapshotPath == "":
		return captureerr.Configuration(captureerr.CodeMissingRequired, "CAPTURE_SNAPSHOT_PATH is required").WithComponent("config")
	case c.StateHistorySize <= 0 || c.StateHistorySize > maxHistory:
		return bad("CAPTURE_STATE_HISTORY_SIZE", fmt.Sprintf("must be in 1..%d", maxHistory))
	case c.SyncRetryAttempts <= 0:
		return bad("CAPTURE_SYNC_RETRY_ATTEMPTS", "must be greater than 0")
	case c.SyncRetryDelay < 0:
		return bad("CAPTURE_SYNC_RETRY_DELAY", "must not be negative")
	case c.SnapshotInterval <= 0:
		return bad("CAPTURE_SNAPSHOT_INTERVAL", "must be positive")
	case c.MaxSnapshots <= 0:
		return bad("CAPTURE_MAX_SNAPSHOTS", "must be greater than 0")
	case c.RetentionPeriod <= 0:
		return bad("CAPTURE_RETENTION_PERIOD", "must be positive")
	case c.TxTimeout <= 0:
		return bad("CAPTURE_TX_TIMEOUT", "must be positive")
	case c.TxMaxRetries < 0:
		return bad("CAPTURE_TX_MAX_RETRIES", "must not be negative")
	case c.MaxBuffers < 0:
		return bad("CAPTURE_MAX_BUFFERS", "must not be negative")
	case c.ControlPlaneTimeout <= 0:
		return bad("CAPTURE_CONTROL_PLANE_TIMEOUT", "must be positive")
	}
	return nil
}

// #endregion validate
