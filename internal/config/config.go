// Package config handles loading and validation of signalgate configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// SIGNALGATE_ prefix:
//
//	server.address → SIGNALGATE_SERVER_ADDRESS
//	admission.max_per_ip → SIGNALGATE_ADMISSION_MAX_PER_IP
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via SIGNALGATE_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/signalgate/config.yaml"

// ---------------------------------------------------------------------------
// Enum types. Typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// FailurePolicy controls the per-user rate limit tier when Redis is unreachable.
type FailurePolicy string

const (
	FailurePolicyPassThrough      FailurePolicy = "passthrough"
	FailurePolicyFailClosed       FailurePolicy = "failclosed"
	FailurePolicyInMemoryFallback FailurePolicy = "inmemoryfallback"
)

func (fp FailurePolicy) Valid() bool {
	switch fp {
	case FailurePolicyPassThrough, FailurePolicyFailClosed, FailurePolicyInMemoryFallback:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle      RedisMode = "single"
	RedisModeReplication RedisMode = "replication"
	RedisModeSentinel    RedisMode = "sentinel"
	RedisModeCluster     RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeReplication, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// Config is the top-level signalgate configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"      envPrefix:"SERVER_"`
	Admin       AdminConfig       `yaml:"admin"       envPrefix:"ADMIN_"`
	Admission   AdmissionConfig   `yaml:"admission"   envPrefix:"ADMISSION_"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"  envPrefix:"RATE_LIMIT_"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"   envPrefix:"HEARTBEAT_"`
	Degradation DegradationConfig `yaml:"degradation" envPrefix:"DEGRADATION_"`
	Redis       RedisConfig       `yaml:"redis"       envPrefix:"REDIS_"`
	Events      EventsConfig      `yaml:"events"      envPrefix:"EVENTS_"`
	Logging     LoggingConfig     `yaml:"logging"     envPrefix:"LOGGING_"`
	Tracing     TracingConfig     `yaml:"tracing"     envPrefix:"TRACING_"`
}

// ServerConfig holds the main WebSocket listener settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`

	// AllowedOrigins is the set of Origin header values accepted during the
	// WebSocket handshake. A single "*" entry accepts any origin.
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`

	// MaxMessageSize caps the size of a single inbound WebSocket frame in
	// bytes. An oversized frame closes the connection. 0 uses the default
	// (64 KiB).
	MaxMessageSize int64 `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`

	// AuthTimeout is the time a freshly upgraded connection has to send its
	// first valid frame before it is closed. Valid range 5s to 60s.
	AuthTimeout string `yaml:"auth_timeout" env:"AUTH_TIMEOUT"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled  bool   `yaml:"enabled"   env:"ENABLED"`
	CertFile string `yaml:"cert_file" env:"CERT_FILE"`
	KeyFile  string `yaml:"key_file"  env:"KEY_FILE"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// AdmissionConfig bounds concurrent connections before any upgrade work runs.
type AdmissionConfig struct {
	// MaxPerIP is the maximum number of concurrent connections admitted from
	// a single source address. 0 disables the per-IP cap.
	MaxPerIP int64 `yaml:"max_per_ip" env:"MAX_PER_IP"`

	// MaxConnections is the server-wide concurrent connection ceiling.
	MaxConnections int64 `yaml:"max_connections" env:"MAX_CONNECTIONS"`

	// TrustedProxies is a list of CIDR ranges whose X-Forwarded-For and
	// X-Real-IP headers are trusted. When empty, proxy headers are ignored
	// and RemoteAddr is used directly.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`

	// TrustedIPDepth controls which entry in X-Forwarded-For to use when the
	// request arrives through a trusted proxy chain. 0 (default) uses the
	// leftmost entry. A positive value N selects the Nth entry from the
	// right, the standard approach for multi-proxy chains.
	TrustedIPDepth int `yaml:"trusted_ip_depth" env:"TRUSTED_IP_DEPTH"`
}

// Quota is a rate/burst pair for one admission tier.
type Quota struct {
	// Rate is the sustained allowance in tokens per second.
	Rate float64 `yaml:"rate" env:"RATE"`
	// Burst is the bucket capacity.
	Burst int64 `yaml:"burst" env:"BURST"`
}

// Enabled reports whether the quota is active (a zero rate disables the tier).
func (q Quota) Enabled() bool { return q.Rate > 0 }

// MessageQuotas holds the per-connection throttle for each message category.
// Categories are fully independent: a flood of one type never starves another.
type MessageQuotas struct {
	Signal Quota `yaml:"signal" envPrefix:"SIGNAL_"`
	Join   Quota `yaml:"join"   envPrefix:"JOIN_"`
	Chat   Quota `yaml:"chat"   envPrefix:"CHAT_"`
}

// RateLimitConfig holds the keyed rate limiting tiers.
type RateLimitConfig struct {
	// PerIP is the admission-rate quota keyed by source address. Always
	// enforced in local memory (hot path, cheapest tier).
	PerIP Quota `yaml:"per_ip" envPrefix:"PER_IP_"`

	// PerUser is the post-handshake quota keyed by authenticated user or
	// application id. Enforced via Redis when redis.enabled is true so that
	// the limit holds across instances.
	PerUser Quota `yaml:"per_user" envPrefix:"PER_USER_"`

	// Messages are the per-connection category throttles.
	Messages MessageQuotas `yaml:"messages" envPrefix:"MESSAGES_"`

	FailurePolicy FailurePolicy `yaml:"failure_policy" env:"FAILURE_POLICY"`
	KeyPrefix     string        `yaml:"key_prefix"     env:"KEY_PREFIX"`

	// KeyTTL bounds the lifetime of idle limiter state (Redis key expiry and
	// in-memory bucket eviction). Empty computes it from the quota.
	KeyTTL string `yaml:"key_ttl" env:"KEY_TTL"`
}

// HeartbeatConfig controls liveness supervision of established connections.
type HeartbeatConfig struct {
	// PingInterval is the cadence of server-initiated WebSocket pings.
	PingInterval string `yaml:"ping_interval" env:"PING_INTERVAL"`
	// PongTimeout is the grace period after a ping before the connection is
	// considered dead. The effective read deadline is
	// ping_interval + pong_timeout.
	PongTimeout string `yaml:"pong_timeout" env:"PONG_TIMEOUT"`
	// IdleTimeout closes connections that have received no frames at all,
	// independent of pong liveness.
	IdleTimeout string `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// DegradationConfig tunes the tri-state health controller.
type DegradationConfig struct {
	// RejectionThreshold is the rejection ratio over RejectionWindow that
	// escalates to degraded.
	RejectionThreshold float64 `yaml:"rejection_threshold" env:"REJECTION_THRESHOLD"`
	RejectionWindow    string  `yaml:"rejection_window"    env:"REJECTION_WINDOW"`

	// AlertThreshold is the lower, sustained rejection ratio over AlertWindow
	// that also escalates to degraded.
	AlertThreshold float64 `yaml:"alert_threshold" env:"ALERT_THRESHOLD"`
	AlertWindow    string  `yaml:"alert_window"    env:"ALERT_WINDOW"`

	// OccupancyThreshold is the active/ceiling ratio that escalates to critical.
	OccupancyThreshold float64 `yaml:"occupancy_threshold" env:"OCCUPANCY_THRESHOLD"`

	// EvalInterval is the cadence of the controller's evaluation loop.
	EvalInterval string `yaml:"eval_interval" env:"EVAL_INTERVAL"`

	// RecoveryWindow is how long metrics must stay inside the hysteresis band
	// before the controller steps down one level. Empty reuses the matching
	// escalation window.
	RecoveryWindow string `yaml:"recovery_window" env:"RECOVERY_WINDOW"`

	// RecoveryFactor scales each escalation threshold to form the hysteresis
	// band: metrics must fall below threshold*factor to count as calm.
	RecoveryFactor float64 `yaml:"recovery_factor" env:"RECOVERY_FACTOR"`
}

// EventsConfig holds optional admission event emission settings. When
// enabled, signalgate ships rejection and lifecycle events to an external
// HTTP receiver in batches.
type EventsConfig struct {
	Enabled       bool             `yaml:"enabled"        env:"ENABLED"`
	HTTP          EventsHTTPConfig `yaml:"http"           envPrefix:"HTTP_"`
	BatchSize     int              `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string           `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int              `yaml:"buffer_size"    env:"BUFFER_SIZE"`
}

// EventsHTTPConfig holds HTTP event receiver settings.
type EventsHTTPConfig struct {
	URL string `yaml:"url" env:"URL"`
}

// RedisConfig holds Redis connection and topology settings for the
// distributed per-user limiter tier.
type RedisConfig struct {
	Enabled          bool           `yaml:"enabled"           env:"ENABLED"`
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer and always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        ":3536",
			ReadTimeout:    "30s",
			WriteTimeout:   "30s",
			IdleTimeout:    "120s",
			DrainTimeout:   "30s",
			AllowedOrigins: []string{"*"},
			MaxMessageSize: 64 << 10, // 64 KiB
			AuthTimeout:    "10s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Admission: AdmissionConfig{
			MaxPerIP:       5,
			MaxConnections: 10000,
		},
		RateLimit: RateLimitConfig{
			PerIP:   Quota{Rate: 10, Burst: 25},
			PerUser: Quota{Rate: 5, Burst: 10},
			Messages: MessageQuotas{
				Signal: Quota{Rate: 30, Burst: 60},
				// 20 join attempts per minute.
				Join: Quota{Rate: 20.0 / 60.0, Burst: 20},
				Chat: Quota{Rate: 5, Burst: 10},
			},
			FailurePolicy: FailurePolicyInMemoryFallback,
			KeyPrefix:     "signalgate:rl",
		},
		Heartbeat: HeartbeatConfig{
			PingInterval: "15s",
			PongTimeout:  "10s",
			IdleTimeout:  "300s",
		},
		Degradation: DegradationConfig{
			RejectionThreshold: 0.20,
			RejectionWindow:    "5m",
			AlertThreshold:     0.05,
			AlertWindow:        "2m",
			OccupancyThreshold: 0.80,
			EvalInterval:       "10s",
			RecoveryFactor:     0.75,
		},
		Events: EventsConfig{
			BatchSize:     100,
			FlushInterval: "5s",
			BufferSize:    8192,
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "signalgate",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("SIGNALGATE_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/signalgate/config.yaml and
// can be overridden via SIGNALGATE_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile)
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "SIGNALGATE_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "passThrough"
// or env values like "PASSTHROUGH" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.RateLimit.FailurePolicy = FailurePolicy(strings.ToLower(string(cfg.RateLimit.FailurePolicy)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateServer(cfg); err != nil {
		return err
	}
	if err := validateAdmission(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateDegradation(cfg); err != nil {
		return err
	}
	if err := validateRedis(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"server.auth_timeout", cfg.Server.AuthTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"heartbeat.ping_interval", cfg.Heartbeat.PingInterval},
		{"heartbeat.pong_timeout", cfg.Heartbeat.PongTimeout},
		{"heartbeat.idle_timeout", cfg.Heartbeat.IdleTimeout},
		{"degradation.rejection_window", cfg.Degradation.RejectionWindow},
		{"degradation.alert_window", cfg.Degradation.AlertWindow},
		{"degradation.eval_interval", cfg.Degradation.EvalInterval},
		{"degradation.recovery_window", cfg.Degradation.RecoveryWindow},
		{"rate_limit.key_ttl", cfg.RateLimit.KeyTTL},
		{"events.flush_interval", cfg.Events.FlushInterval},
		{"redis.dial_timeout", cfg.Redis.DialTimeout},
		{"redis.read_timeout", cfg.Redis.ReadTimeout},
		{"redis.write_timeout", cfg.Redis.WriteTimeout},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateServer(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.MaxMessageSize < 0 {
		return fmt.Errorf("server.max_message_size must be >= 0")
	}
	if cfg.Server.AuthTimeout != "" {
		d, _ := time.ParseDuration(cfg.Server.AuthTimeout)
		if d < 5*time.Second || d > 60*time.Second {
			return fmt.Errorf("server.auth_timeout must be between 5s and 60s (configured: %s)", cfg.Server.AuthTimeout)
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			continue
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid server.allowed_origins entry %q: must be an absolute URL or *", origin)
		}
	}
	return nil
}

func validateAdmission(cfg *Config) error {
	if cfg.Admission.MaxPerIP < 0 {
		return fmt.Errorf("admission.max_per_ip must be >= 0")
	}
	if cfg.Admission.MaxConnections < 1 {
		return fmt.Errorf("admission.max_connections must be >= 1")
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	quotas := []struct {
		name string
		q    Quota
	}{
		{"rate_limit.per_ip", cfg.RateLimit.PerIP},
		{"rate_limit.per_user", cfg.RateLimit.PerUser},
		{"rate_limit.messages.signal", cfg.RateLimit.Messages.Signal},
		{"rate_limit.messages.join", cfg.RateLimit.Messages.Join},
		{"rate_limit.messages.chat", cfg.RateLimit.Messages.Chat},
	}
	for _, e := range quotas {
		if e.q.Rate < 0 {
			return fmt.Errorf("%s.rate must be >= 0", e.name)
		}
		if e.q.Enabled() && e.q.Burst < 1 {
			return fmt.Errorf("%s.burst must be >= 1 when rate > 0", e.name)
		}
	}
	if fp := cfg.RateLimit.FailurePolicy; fp != "" && !fp.Valid() {
		return fmt.Errorf("invalid rate_limit.failure_policy %q: must be passthrough, failclosed, or inmemoryfallback", fp)
	}
	return nil
}

func validateDegradation(cfg *Config) error {
	ratios := []struct {
		name string
		v    float64
	}{
		{"degradation.rejection_threshold", cfg.Degradation.RejectionThreshold},
		{"degradation.alert_threshold", cfg.Degradation.AlertThreshold},
		{"degradation.occupancy_threshold", cfg.Degradation.OccupancyThreshold},
	}
	for _, r := range ratios {
		if r.v <= 0 || r.v > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %v", r.name, r.v)
		}
	}
	if f := cfg.Degradation.RecoveryFactor; f <= 0 || f >= 1 {
		return fmt.Errorf("degradation.recovery_factor must be in (0, 1), got %v", f)
	}
	return nil
}

func validateRedis(cfg *Config) error {
	if !cfg.Redis.Enabled {
		return nil
	}
	rc := cfg.Redis
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	if rc.Mode == RedisModeReplication && len(rc.Endpoints) < 2 {
		return fmt.Errorf("redis.endpoints: replication mode requires at least 2 endpoints, got %d", len(rc.Endpoints))
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Admission.MaxConnections != old.Admission.MaxConnections {
		fields = append(fields, "admission.max_connections")
	}
	if c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	return fields
}
