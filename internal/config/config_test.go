package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, ":3536", cfg.Server.Address)
	assert.Equal(t, int64(64<<10), cfg.Server.MaxMessageSize)
	assert.Equal(t, "10s", cfg.Server.AuthTimeout)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)

	assert.Equal(t, int64(5), cfg.Admission.MaxPerIP)
	assert.Equal(t, int64(10000), cfg.Admission.MaxConnections)

	assert.Equal(t, 10.0, cfg.RateLimit.PerIP.Rate)
	assert.Equal(t, int64(25), cfg.RateLimit.PerIP.Burst)
	assert.InDelta(t, 1.0/3.0, cfg.RateLimit.Messages.Join.Rate, 0.001)
	assert.Equal(t, FailurePolicyInMemoryFallback, cfg.RateLimit.FailurePolicy)

	assert.Equal(t, "15s", cfg.Heartbeat.PingInterval)
	assert.Equal(t, "10s", cfg.Heartbeat.PongTimeout)
	assert.Equal(t, "300s", cfg.Heartbeat.IdleTimeout)

	assert.Equal(t, 0.20, cfg.Degradation.RejectionThreshold)
	assert.Equal(t, "5m", cfg.Degradation.RejectionWindow)
	assert.Equal(t, 0.05, cfg.Degradation.AlertThreshold)
	assert.Equal(t, 0.80, cfg.Degradation.OccupancyThreshold)
	assert.Equal(t, 0.75, cfg.Degradation.RecoveryFactor)

	require.NoError(t, Validate(cfg))
}

func TestLoadFromPath(t *testing.T) {
	t.Run("missing file uses defaults", func(t *testing.T) {
		cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, int64(5), cfg.Admission.MaxPerIP)
	})

	t.Run("yaml overrides defaults", func(t *testing.T) {
		path := writeConfig(t, `
admission:
  max_per_ip: 3
  max_connections: 500
heartbeat:
  ping_interval: 20s
rate_limit:
  failure_policy: failClosed
`)
		cfg, err := LoadFromPath(path)
		require.NoError(t, err)
		assert.Equal(t, int64(3), cfg.Admission.MaxPerIP)
		assert.Equal(t, int64(500), cfg.Admission.MaxConnections)
		assert.Equal(t, "20s", cfg.Heartbeat.PingInterval)
		// normalize lowercases enum values.
		assert.Equal(t, FailurePolicyFailClosed, cfg.RateLimit.FailurePolicy)
	})

	t.Run("env overrides yaml", func(t *testing.T) {
		path := writeConfig(t, `
admission:
  max_per_ip: 3
`)
		t.Setenv("SIGNALGATE_ADMISSION_MAX_PER_IP", "7")
		t.Setenv("SIGNALGATE_SERVER_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")

		cfg, err := LoadFromPath(path)
		require.NoError(t, err)
		assert.Equal(t, int64(7), cfg.Admission.MaxPerIP)
		assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.AllowedOrigins)
	})

	t.Run("malformed yaml fails", func(t *testing.T) {
		path := writeConfig(t, "admission: [not a map")
		_, err := LoadFromPath(path)
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "negative max_per_ip",
			mutate:  func(c *Config) { c.Admission.MaxPerIP = -1 },
			wantErr: "max_per_ip",
		},
		{
			name:    "zero max_connections",
			mutate:  func(c *Config) { c.Admission.MaxConnections = 0 },
			wantErr: "max_connections",
		},
		{
			name:    "auth timeout too short",
			mutate:  func(c *Config) { c.Server.AuthTimeout = "2s" },
			wantErr: "auth_timeout",
		},
		{
			name:    "auth timeout too long",
			mutate:  func(c *Config) { c.Server.AuthTimeout = "90s" },
			wantErr: "auth_timeout",
		},
		{
			name:    "bad origin",
			mutate:  func(c *Config) { c.Server.AllowedOrigins = []string{"not a url"} },
			wantErr: "allowed_origins",
		},
		{
			name:    "burst required when rate set",
			mutate:  func(c *Config) { c.RateLimit.Messages.Chat = Quota{Rate: 5, Burst: 0} },
			wantErr: "chat.burst",
		},
		{
			name:    "unknown failure policy",
			mutate:  func(c *Config) { c.RateLimit.FailurePolicy = "explode" },
			wantErr: "failure_policy",
		},
		{
			name:    "rejection threshold above one",
			mutate:  func(c *Config) { c.Degradation.RejectionThreshold = 1.5 },
			wantErr: "rejection_threshold",
		},
		{
			name:    "recovery factor must leave a band",
			mutate:  func(c *Config) { c.Degradation.RecoveryFactor = 1.0 },
			wantErr: "recovery_factor",
		},
		{
			name:    "bad duration",
			mutate:  func(c *Config) { c.Heartbeat.PingInterval = "fifteen" },
			wantErr: "ping_interval",
		},
		{
			name:    "tls needs cert and key",
			mutate:  func(c *Config) { c.Server.TLS.Enabled = true },
			wantErr: "tls",
		},
		{
			name: "sentinel needs master name",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Mode = RedisModeSentinel
			},
			wantErr: "master_name",
		},
		{
			name: "single mode rejects multiple endpoints",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Endpoints = []string{"a:6379", "b:6379"}
			},
			wantErr: "single mode",
		},
		{
			name: "redis disabled skips topology checks",
			mutate: func(c *Config) {
				c.Redis.Enabled = false
				c.Redis.Endpoints = nil
			},
		},
		{
			name:    "tracing needs endpoint",
			mutate:  func(c *Config) { c.Tracing.Enabled = true },
			wantErr: "tracing.endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRedactedString(t *testing.T) {
	secret := RedactedString("hunter2")

	assert.Equal(t, "hunter2", secret.Value())
	assert.Equal(t, "[REDACTED]", secret.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", secret))
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%#v", secret))

	data, err := json.Marshal(struct {
		Password RedactedString `json:"password"`
	}{Password: secret})
	require.NoError(t, err)
	assert.JSONEq(t, `{"password":"[REDACTED]"}`, string(data))

	assert.Equal(t, "", RedactedString("").String())
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	d, err = ParseDuration("250ms", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDuration("garbage", 5*time.Second)
	assert.Error(t, err)

	assert.Equal(t, time.Minute, MustParseDuration("garbage", time.Minute))
}

func TestRequiresRestart(t *testing.T) {
	oldCfg := Defaults()

	t.Run("identical config hot-reloads", func(t *testing.T) {
		assert.Empty(t, Defaults().RequiresRestart(oldCfg))
	})

	t.Run("address change requires restart", func(t *testing.T) {
		newCfg := Defaults()
		newCfg.Server.Address = ":4444"
		newCfg.Admission.MaxConnections = 20000
		fields := newCfg.RequiresRestart(oldCfg)
		assert.Contains(t, fields, "server.address")
		assert.Contains(t, fields, "admission.max_connections")
	})

	t.Run("quota change hot-reloads", func(t *testing.T) {
		newCfg := Defaults()
		newCfg.Admission.MaxPerIP = 3
		newCfg.RateLimit.PerIP.Rate = 50
		assert.Empty(t, newCfg.RequiresRestart(oldCfg))
	})
}

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}
