package config

import (
	"strings"
	"time"

	"github.com/shardline/shardline/internal/gateway"
)

// Config represents the complete application configuration.
// Layer 1: built-in defaults (SetDefaults)
// Layer 2: user config file (~/.config/shardline/config.yaml or --config)
// Layer 3: SHARDLINE_* environment variables and runtime overrides
type Config struct {
	Gateway GatewayConfig `mapstructure:"gateway"`
	Shards  ShardsConfig  `mapstructure:"shards"`
	REST    RESTConfig    `mapstructure:"rest"`
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Stats   StatsConfig   `mapstructure:"stats"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Health  HealthConfig  `mapstructure:"health"`
	Debug   DebugConfig   `mapstructure:"debug"`
}

// GatewayConfig configures gateway connections.
type GatewayConfig struct {
	// URL skips the /gateway/bot lookup when set together with shards.total.
	URL            string `mapstructure:"url"`
	Token          string `mapstructure:"token"`
	Intents        uint64 `mapstructure:"intents"`
	Compression    string `mapstructure:"compression"`
	LargeThreshold int    `mapstructure:"large_threshold"`

	IdentifyWindow time.Duration `mapstructure:"identify_window"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`

	// CloseCodes replaces rules of the embedded close code table.
	CloseCodes map[int]gateway.CloseRule `mapstructure:"close_codes"`

	Backoff        BackoffConfig `mapstructure:"backoff"`
	RestartFatal   bool          `mapstructure:"restart_fatal"`
	RestartBackoff time.Duration `mapstructure:"restart_backoff"`
	EventBuffer    int           `mapstructure:"event_buffer"`
}

// BackoffConfig is the reconnect backoff.
type BackoffConfig struct {
	Min        time.Duration `mapstructure:"min"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
}

// ShardsConfig selects the shards this process runs. Total 0 uses the
// recommended count.
type ShardsConfig struct {
	First int `mapstructure:"first"`
	Last  int `mapstructure:"last"`
	Total int `mapstructure:"total"`
}

// RESTConfig configures the REST client and its admission controller.
type RESTConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Token       string        `mapstructure:"token"`
	UserAgent   string        `mapstructure:"user_agent"`
	Timeout     time.Duration `mapstructure:"timeout"`
	ProxyURL    string        `mapstructure:"proxy_url"`
	GlobalRate  float64       `mapstructure:"global_rate"`
	GlobalBurst int           `mapstructure:"global_burst"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig contains the incident database configuration.
//
// Driver is "sqlite" (pure Go) or "libsql" (cgo builds, optionally remote
// through URL and AuthToken).
type StoreConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// StatsConfig selects where admission statistics go.
type StatsConfig struct {
	// Backend is one of none, memory, redis.
	Backend  string        `mapstructure:"backend"`
	RedisURL string        `mapstructure:"redis_url"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// LoggingConfig contains logging configuration
// Supports progressive logging profiles per Fulmen Forge Workhorse Standard:
// - SIMPLE: Console output only, minimal configuration (CLI tools)
// - STRUCTURED: Structured sinks, correlation IDs (API services)
// - ENTERPRISE: Multiple sinks, middleware, throttling, policy enforcement (production)
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED, ENTERPRISE
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether metrics are exposed
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	Port int `mapstructure:"port"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	// Enabled controls whether health endpoints are exposed
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig contains debug and profiling configuration
type DebugConfig struct {
	// Enabled controls whether debug mode is active
	Enabled bool `mapstructure:"enabled"`

	// PprofEnabled controls whether pprof endpoints are exposed
	// WARNING: Only enable in development/staging environments
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// RESTToken is the REST token, falling back to the gateway token.
func (c *Config) RESTToken() string {
	if token := strings.TrimSpace(c.REST.Token); token != "" {
		return token
	}
	return strings.TrimSpace(c.Gateway.Token)
}

// CloseCodeTable builds the embedded close code table with overrides
// applied.
func (c *Config) CloseCodeTable() (*gateway.CloseCodeTable, error) {
	table := gateway.DefaultCloseCodes()
	if len(c.Gateway.CloseCodes) == 0 {
		return table, nil
	}
	return table.WithOverrides(c.Gateway.CloseCodes)
}
