package standby

import (
	"errors"
	"testing"
	"time"
)

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			LocalPath:         "data/standby.db",
			ReconnectInterval: 30 * time.Second,
			ProbeTimeout:      3 * time.Second,
			Tables:            DefaultTables(),
		}
	}

	cfg := valid()
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing local path", func(c *Config) { c.LocalPath = "" }, "LocalPath"},
		{"negative interval", func(c *Config) { c.ReconnectInterval = -time.Second }, "ReconnectInterval"},
		{"negative probe timeout", func(c *Config) { c.ProbeTimeout = -time.Second }, "ProbeTimeout"},
		{"no tables", func(c *Config) { c.Tables = nil }, "Tables"},
		{"unnamed table", func(c *Config) {
			c.Tables = []TableSpec{{ModifiedColumn: "updated_at"}}
		}, "Tables"},
		{"undeclared key column", func(c *Config) {
			c.Tables = []TableSpec{{
				Name:           "t",
				Columns:        []Column{{Name: "a", Type: "TEXT"}},
				KeyColumns:     []string{"missing"},
				ModifiedColumn: "a",
			}}
		}, "Tables"},
		{"missing modified column", func(c *Config) {
			c.Tables = []TableSpec{{
				Name:    "t",
				Columns: []Column{{Name: "a", Type: "TEXT"}},
			}}
		}, "Tables"},
		{"undeclared modified column", func(c *Config) {
			c.Tables = []TableSpec{{
				Name:           "t",
				Columns:        []Column{{Name: "a", Type: "TEXT"}},
				ModifiedColumn: "updated_at",
			}}
		}, "Tables"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want *ValidationError", err)
			}
			if verr.Field != tc.field {
				t.Errorf("field = %s, want %s", verr.Field, tc.field)
			}
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()

	if cfg.LocalPath == "" {
		t.Error("LocalPath not defaulted")
	}
	if cfg.ReconnectInterval != 30*time.Second {
		t.Errorf("ReconnectInterval = %v", cfg.ReconnectInterval)
	}
	if cfg.ProbeTimeout != 3*time.Second {
		t.Errorf("ProbeTimeout = %v", cfg.ProbeTimeout)
	}
	if len(cfg.Tables) == 0 {
		t.Error("Tables not defaulted")
	}

	custom := Config{LocalPath: "/tmp/x.db", ReconnectInterval: time.Minute}.WithDefaults()
	if custom.LocalPath != "/tmp/x.db" {
		t.Error("explicit LocalPath overwritten")
	}
	if custom.ReconnectInterval != time.Minute {
		t.Error("explicit ReconnectInterval overwritten")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("STANDBY_REMOTE_HOST", "db.internal")
	t.Setenv("STANDBY_REMOTE_PORT", "3307")
	t.Setenv("STANDBY_REMOTE_USER", "app")
	t.Setenv("STANDBY_REMOTE_PASSWORD", "secret")
	t.Setenv("STANDBY_REMOTE_NAME", "appdb")
	t.Setenv("STANDBY_LOCAL_PATH", "/var/lib/standby/local.db")
	t.Setenv("STANDBY_RECONNECT_INTERVAL", "10s")
	t.Setenv("STANDBY_PROBE_TIMEOUT", "500ms")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}

	if cfg.Remote.Host != "db.internal" || cfg.Remote.Port != "3307" {
		t.Errorf("remote = %+v", cfg.Remote)
	}
	if cfg.Remote.User != "app" || cfg.Remote.Password != "secret" || cfg.Remote.Name != "appdb" {
		t.Errorf("remote credentials = %+v", cfg.Remote)
	}
	if cfg.LocalPath != "/var/lib/standby/local.db" {
		t.Errorf("local path = %s", cfg.LocalPath)
	}
	if cfg.ReconnectInterval != 10*time.Second {
		t.Errorf("reconnect interval = %v", cfg.ReconnectInterval)
	}
	if cfg.ProbeTimeout != 500*time.Millisecond {
		t.Errorf("probe timeout = %v", cfg.ProbeTimeout)
	}
}
