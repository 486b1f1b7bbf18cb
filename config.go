package standby

import (
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

// RemoteConfig locates the primary MySQL store.
type RemoteConfig struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     string `env:"PORT" envDefault:"3306"`
	User     string `env:"USER" envDefault:"root"`
	Password string `env:"PASSWORD"`
	Name     string `env:"NAME"`
}

// Config configures the failover engine.
type Config struct {
	// Remote locates the primary store.
	Remote RemoteConfig `envPrefix:"STANDBY_REMOTE_"`

	// LocalPath is the path to the local SQLite fallback database.
	LocalPath string `env:"STANDBY_LOCAL_PATH" envDefault:"data/standby.db"`

	// ReconnectInterval is how long the background loop sleeps between
	// probes while offline.
	ReconnectInterval time.Duration `env:"STANDBY_RECONNECT_INTERVAL" envDefault:"30s"`

	// ProbeTimeout bounds how long a connectivity probe (and a caller's
	// remote connection acquisition) may block.
	ProbeTimeout time.Duration `env:"STANDBY_PROBE_TIMEOUT" envDefault:"3s"`

	// ResyncSchedule is an optional cron expression for a periodic
	// maintenance resync while online. Empty disables it.
	ResyncSchedule string `env:"STANDBY_RESYNC_SCHEDULE"`

	// Tables describes the replicated application tables.
	Tables []TableSpec `env:"-"`

	// Logger receives engine diagnostics. Defaults to slog.Default().
	Logger *slog.Logger `env:"-"`
}

// DefaultConfig returns a Config with sensible defaults and the shipped
// application tables.
func DefaultConfig() Config {
	return Config{
		Remote:            RemoteConfig{Host: "localhost", Port: "3306", User: "root"},
		LocalPath:         "data/standby.db",
		ReconnectInterval: 30 * time.Second,
		ProbeTimeout:      defaultProbeTimeout,
		Tables:            DefaultTables(),
	}
}

// ConfigFromEnv reads configuration from STANDBY_* environment variables.
// Tables and Logger are code-owned and must be set by the caller.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WithDefaults fills in default values for unset fields.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.LocalPath == "" {
		c.LocalPath = d.LocalPath
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = d.ReconnectInterval
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if len(c.Tables) == 0 {
		c.Tables = d.Tables
	}
	return c
}

// Validate checks the configuration. Returns *ValidationError for invalid
// fields.
func (c *Config) Validate() error {
	if c.LocalPath == "" {
		return &ValidationError{Field: "LocalPath", Message: "required: path to SQLite database"}
	}
	if c.ReconnectInterval < 0 {
		return &ValidationError{Field: "ReconnectInterval", Message: "must be non-negative"}
	}
	if c.ProbeTimeout < 0 {
		return &ValidationError{Field: "ProbeTimeout", Message: "must be non-negative"}
	}
	if len(c.Tables) == 0 {
		return &ValidationError{Field: "Tables", Message: "at least one replicated table required"}
	}

	for _, t := range c.Tables {
		if t.Name == "" {
			return &ValidationError{Field: "Tables", Message: "table with empty name"}
		}
		cols := make(map[string]bool, len(t.Columns))
		for _, col := range t.Columns {
			cols[col.Name] = true
		}
		for _, k := range t.KeyColumns {
			if !cols[k] {
				return &ValidationError{Field: "Tables",
					Message: "key column " + k + " not declared on " + t.Name}
			}
		}
		if t.ModifiedColumn == "" {
			return &ValidationError{Field: "Tables",
				Message: "table " + t.Name + " needs a last-modified column"}
		}
		if !cols[t.ModifiedColumn] {
			return &ValidationError{Field: "Tables",
				Message: "modified column " + t.ModifiedColumn + " not declared on " + t.Name}
		}
	}
	return nil
}
