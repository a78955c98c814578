// Package config provides centralized configuration management for Shardline.
// It implements the three-layer config pattern on viper:
// Layer 1: built-in defaults
// Layer 2: user config file (discovered via app identity or --config)
// Layer 3: environment variables and runtime overrides
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/appidentity"
	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/pathfinder"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/shardline/shardline/internal/appid"
)

const defaultAppName = appid.DefaultBinaryName

var (
	// appConfig holds the current application configuration
	appConfig   *Config
	configMu    sync.RWMutex
	appIdentity *appidentity.Identity
)

var projectMarkers = []string{"go.mod", ".git"}

// findProjectRoot locates the repository containing the working directory.
// On CI the workspace variables bound the walk; elsewhere it stops after ten
// levels.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	if onCI() {
		for _, boundary := range ciWorkspaces(cwd) {
			root, err := pathfinder.FindRepositoryRoot(cwd, projectMarkers,
				pathfinder.WithBoundary(boundary), pathfinder.WithMaxDepth(20))
			if err == nil {
				return root, nil
			}
		}
	}
	root, err := pathfinder.FindRepositoryRoot(cwd, projectMarkers, pathfinder.WithMaxDepth(10))
	if err != nil {
		return "", fmt.Errorf("project root not found: %w", err)
	}
	return root, nil
}

func onCI() bool {
	for _, key := range []string{"GITHUB_ACTIONS", "CI"} {
		if strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "true") {
			return true
		}
	}
	return false
}

// ciWorkspaces returns the absolute CI workspace dirs that contain cwd.
func ciWorkspaces(cwd string) []string {
	var out []string
	for _, key := range []string{"FULMEN_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"} {
		dir := filepath.Clean(strings.TrimSpace(os.Getenv(key)))
		if dir == "." || !filepath.IsAbs(dir) {
			continue
		}
		if rel, err := filepath.Rel(dir, cwd); err == nil && !strings.HasPrefix(rel, "..") {
			out = append(out, dir)
		}
	}
	return out
}

// EnvVarSpec defines environment variable mappings for config fields
// following the pattern: {PREFIX}{NAME} maps to config path
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

// Load loads configuration using the three-layer pattern. configFile, when
// set, must exist; otherwise the first user config found is used.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(ctx context.Context, configFile string, runtimeOverrides ...map[string]any) (*Config, error) {
	loadIdentity(ctx)

	v := viper.New()
	v.SetConfigType("yaml")
	SetDefaults(v)

	if err := readConfigFile(v, configFile); err != nil {
		return nil, err
	}

	envOverrides, err := gfconfig.LoadEnvOverrides(getEnvSpecs())
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}
	if envOverrides == nil {
		envOverrides = map[string]any{}
	}
	if value := strings.TrimSpace(os.Getenv(envPrefix() + "GLOBAL_RATE")); value != "" {
		rate, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid global rate: %w", err)
		}
		ensureMap(envOverrides, "rest")["global_rate"] = rate
	}
	if err := v.MergeConfigMap(envOverrides); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	for _, overrides := range runtimeOverrides {
		if len(overrides) == 0 {
			continue
		}
		if err := v.MergeConfigMap(overrides); err != nil {
			return nil, fmt.Errorf("failed to apply runtime overrides: %w", err)
		}
	}

	cfg, err := decode(v.AllSettings())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)
	return cfg, nil
}

func decode(settings map[string]any) (*Config, error) {
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}
	return cfg, nil
}

// Validate rejects settings the gateway and REST layers cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Gateway.Compression) {
	case "", "none", "zlib-stream":
	default:
		return fmt.Errorf("gateway.compression must be none or zlib-stream, got %q", c.Gateway.Compression)
	}
	if c.Shards.Total < 0 || c.Shards.First < 0 || c.Shards.Last < -1 {
		return errors.New("shard indexes must not be negative (shards.last -1 means the final shard)")
	}
	if c.Shards.Total > 0 && (c.Shards.Last >= c.Shards.Total || c.Shards.First >= c.Shards.Total) {
		return fmt.Errorf("shard range [%d,%d] out of range for %d shards", c.Shards.First, c.Shards.Last, c.Shards.Total)
	}
	if c.Shards.Last >= 0 && c.Shards.Last < c.Shards.First {
		return fmt.Errorf("shards.last %d before shards.first %d", c.Shards.Last, c.Shards.First)
	}
	switch strings.ToLower(c.Stats.Backend) {
	case "", "none", "memory":
	case "redis":
		if strings.TrimSpace(c.Stats.RedisURL) == "" {
			return errors.New("stats.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown stats backend %q", c.Stats.Backend)
	}
	if _, err := c.CloseCodeTable(); err != nil {
		return fmt.Errorf("gateway.close_codes: %w", err)
	}
	return nil
}

func readConfigFile(v *viper.Viper, configFile string) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
		return nil
	}

	for _, candidate := range configCandidates() {
		st, err := os.Stat(candidate)
		if err != nil || st.IsDir() {
			continue
		}
		v.SetConfigFile(candidate)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", candidate, err)
		}
		return nil
	}
	return nil
}

// configCandidates lists user config files in lookup order, followed by the
// project-local config/<name>.yaml.
func configCandidates() []string {
	candidates := getUserConfigPaths()
	if path := DefaultConfigPath(); path != "" {
		candidates = append(candidates, path)
	}
	if root, err := findProjectRoot(); err == nil {
		configName, _ := appNamesForPaths()
		candidates = append(candidates, filepath.Join(root, "config", configName+".yaml"))
	}
	return candidates
}

// SetDefaults installs built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	// Gateway defaults
	v.SetDefault("gateway.url", "")
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.intents", 513)
	v.SetDefault("gateway.compression", "zlib-stream")
	v.SetDefault("gateway.large_threshold", 50)
	v.SetDefault("gateway.identify_window", "5s")
	v.SetDefault("gateway.max_concurrency", 0)
	v.SetDefault("gateway.backoff.min", "1s")
	v.SetDefault("gateway.backoff.max", "2m")
	v.SetDefault("gateway.backoff.multiplier", 2.0)
	v.SetDefault("gateway.restart_fatal", true)
	v.SetDefault("gateway.restart_backoff", "30s")
	v.SetDefault("gateway.event_buffer", 256)

	// Shard defaults: total 0 uses the recommended count, last -1 runs
	// through the final shard
	v.SetDefault("shards.first", 0)
	v.SetDefault("shards.last", -1)
	v.SetDefault("shards.total", 0)

	// REST defaults
	v.SetDefault("rest.base_url", "https://discord.com/api/v10")
	v.SetDefault("rest.token", "")
	v.SetDefault("rest.user_agent", "")
	v.SetDefault("rest.timeout", "10s")
	v.SetDefault("rest.proxy_url", "")
	v.SetDefault("rest.global_rate", 50.0)
	v.SetDefault("rest.global_burst", 50)

	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Store defaults
	v.SetDefault("store.enabled", false)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	// Stats defaults
	v.SetDefault("stats.backend", "memory")
	v.SetDefault("stats.redis_url", "")
	v.SetDefault("stats.prefix", "shardline:ratelimit")
	v.SetDefault("stats.ttl", "24h")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("health.enabled", true)

	// Debug defaults
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// loadIdentity resolves the app identity once. A missing identity falls
// back to the built-in names so the binary still runs standalone.
func loadIdentity(ctx context.Context) {
	configMu.Lock()
	defer configMu.Unlock()
	if appIdentity != nil {
		return
	}
	appIdentity = appid.Resolve(ctx)
}

func envPrefix() string {
	prefix := appid.DefaultEnvPrefix
	if appIdentity != nil && appIdentity.EnvPrefix != "" {
		prefix = appIdentity.EnvPrefix
	}
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	return prefix
}

// getUserConfigPaths returns the list of user config file paths to check
// Uses gofulmen/config for XDG-compliant path discovery
func getUserConfigPaths() []string {
	if appIdentity == nil {
		return []string{}
	}

	appName, binaryName := appNamesForPaths()
	legacyNames := []string{}
	if binaryName != appName {
		legacyNames = append(legacyNames, binaryName)
	}
	return gfconfig.GetAppConfigPaths(appName, legacyNames...)
}

// envBindings maps {PREFIX}{name} variables onto dotted config keys.
// Durations travel as strings and go through the decode hook.
var envBindings = []EnvVarSpec{
	{Name: "TOKEN", Path: at("gateway.token"), Type: EnvString},
	{Name: "GATEWAY_URL", Path: at("gateway.url"), Type: EnvString},
	{Name: "INTENTS", Path: at("gateway.intents"), Type: EnvInt},
	{Name: "COMPRESSION", Path: at("gateway.compression"), Type: EnvString},
	{Name: "LARGE_THRESHOLD", Path: at("gateway.large_threshold"), Type: EnvInt},
	{Name: "MAX_CONCURRENCY", Path: at("gateway.max_concurrency"), Type: EnvInt},
	{Name: "IDENTIFY_WINDOW", Path: at("gateway.identify_window"), Type: EnvString},
	{Name: "RESTART_FATAL", Path: at("gateway.restart_fatal"), Type: EnvBool},

	{Name: "SHARD_FIRST", Path: at("shards.first"), Type: EnvInt},
	{Name: "SHARD_LAST", Path: at("shards.last"), Type: EnvInt},
	{Name: "SHARD_TOTAL", Path: at("shards.total"), Type: EnvInt},

	{Name: "REST_BASE_URL", Path: at("rest.base_url"), Type: EnvString},
	{Name: "REST_TOKEN", Path: at("rest.token"), Type: EnvString},
	{Name: "REST_TIMEOUT", Path: at("rest.timeout"), Type: EnvString},
	{Name: "PROXY_URL", Path: at("rest.proxy_url"), Type: EnvString},
	{Name: "GLOBAL_BURST", Path: at("rest.global_burst"), Type: EnvInt},

	{Name: "HOST", Path: at("server.host"), Type: EnvString},
	{Name: "PORT", Path: at("server.port"), Type: EnvInt},
	{Name: "READ_TIMEOUT", Path: at("server.read_timeout"), Type: EnvString},
	{Name: "WRITE_TIMEOUT", Path: at("server.write_timeout"), Type: EnvString},
	{Name: "IDLE_TIMEOUT", Path: at("server.idle_timeout"), Type: EnvString},
	{Name: "SHUTDOWN_TIMEOUT", Path: at("server.shutdown_timeout"), Type: EnvString},

	{Name: "LOG_LEVEL", Path: at("logging.level"), Type: EnvString},
	{Name: "LOG_PROFILE", Path: at("logging.profile"), Type: EnvString},

	{Name: "DB_ENABLED", Path: at("store.enabled"), Type: EnvBool},
	{Name: "DB_DRIVER", Path: at("store.driver"), Type: EnvString},
	{Name: "DB_PATH", Path: at("store.path"), Type: EnvString},
	{Name: "DB_URL", Path: at("store.url"), Type: EnvString},
	{Name: "DB_AUTH_TOKEN", Path: at("store.auth_token"), Type: EnvString},

	{Name: "STATS_BACKEND", Path: at("stats.backend"), Type: EnvString},
	{Name: "STATS_REDIS_URL", Path: at("stats.redis_url"), Type: EnvString},

	{Name: "METRICS_ENABLED", Path: at("metrics.enabled"), Type: EnvBool},
	{Name: "METRICS_PORT", Path: at("metrics.port"), Type: EnvInt},
	{Name: "TRACING_ENABLED", Path: at("tracing.enabled"), Type: EnvBool},
	{Name: "HEALTH_ENABLED", Path: at("health.enabled"), Type: EnvBool},

	{Name: "DEBUG_ENABLED", Path: at("debug.enabled"), Type: EnvBool},
	{Name: "DEBUG_PPROF_ENABLED", Path: at("debug.pprof_enabled"), Type: EnvBool},
}

func getEnvSpecs() []EnvVarSpec {
	prefix := envPrefix()
	specs := make([]EnvVarSpec, 0, len(envBindings))
	for _, spec := range envBindings {
		spec.Name = prefix + spec.Name
		specs = append(specs, spec)
	}
	return specs
}

func at(key string) []string { return strings.Split(key, ".") }

// appNamesForPaths returns the config name and binary name from app identity,
// falling back to "shardline" if not set.
func appNamesForPaths() (configName string, binaryName string) {
	configName = defaultAppName
	binaryName = defaultAppName
	if appIdentity == nil {
		return configName, binaryName
	}

	if strings.TrimSpace(appIdentity.ConfigName) != "" {
		configName = appIdentity.ConfigName
	}
	if strings.TrimSpace(appIdentity.BinaryName) != "" {
		binaryName = appIdentity.BinaryName
	}
	return configName, binaryName
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configName, _ := appNamesForPaths()
	configDir := gfconfig.GetAppConfigDir(configName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	configName, _ := appNamesForPaths()
	return gfconfig.GetAppDataDir(configName)
}

// DefaultStorePath returns the XDG-compliant path to the incident database.
func DefaultStorePath() string {
	configName, binaryName := appNamesForPaths()
	dataDir := gfconfig.GetAppDataDir(configName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + binaryName + ".db"
	}
	return filepath.Join(dataDir, binaryName+".db")
}

func ensureMap(parent map[string]any, key string) map[string]any {
	if existing, ok := parent[key]; ok {
		if typed, ok := existing.(map[string]any); ok {
			return typed
		}
	}
	next := map[string]any{}
	parent[key] = next
	return next
}
