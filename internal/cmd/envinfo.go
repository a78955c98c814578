package cmd

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shardline/shardline/internal/config"
	"github.com/shardline/shardline/internal/observability"
)

type envSection struct {
	title string
	rows  [][2]string
}

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display the build, runtime and effective gateway, REST and server configuration.",
	Run: func(cmd *cobra.Command, args []string) {
		sections := buildSections()
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			observability.CLILogger.Warn("Config load failed", zap.Error(err))
		} else {
			sections = append(sections, configSections(cfg)...)
		}

		observability.CLILogger.Info("=== Shardline Environment Information ===")
		for _, s := range sections {
			observability.CLILogger.Info("")
			observability.CLILogger.Info(s.title + ":")
			for _, row := range s.rows {
				observability.CLILogger.Info(fmt.Sprintf("  %-16s%s", row[0]+":", row[1]))
			}
		}
		observability.CLILogger.Info("")
		observability.CLILogger.Info("=== End Environment Information ===")
	},
}

func buildSections() []envSection {
	deps := crucible.GetVersion()
	name := "shardline"
	if identity := GetAppIdentity(); identity != nil {
		name = identity.BinaryName
	}
	return []envSection{
		{"Application", [][2]string{
			{"Name", name},
			{"Version", versionInfo.Version},
			{"Commit", versionInfo.Commit},
			{"Built", versionInfo.BuildDate},
		}},
		{"SSOT", [][2]string{
			{"Gofulmen", deps.Gofulmen},
			{"Crucible", deps.Crucible},
		}},
		{"Runtime", [][2]string{
			{"Go Version", runtime.Version()},
			{"Platform", runtime.GOOS + "/" + runtime.GOARCH},
			{"NumCPU", strconv.Itoa(runtime.NumCPU())},
		}},
	}
}

// configSections reports the effective configuration. Secrets are shown
// only as set or not set.
func configSections(cfg *config.Config) []envSection {
	gatewayURL := cfg.Gateway.URL
	if gatewayURL == "" {
		gatewayURL = "(from /gateway/bot)"
	}
	rest := [][2]string{
		{"Base URL", cfg.REST.BaseURL},
		{"Token", setOrNot(cfg.RESTToken())},
		{"Timeout", cfg.REST.Timeout.String()},
		{"Global Rate", fmt.Sprintf("%.1f/s burst %d", cfg.REST.GlobalRate, cfg.REST.GlobalBurst)},
		{"Stats Backend", cfg.Stats.Backend},
	}
	if cfg.REST.ProxyURL != "" {
		rest = append(rest, [2]string{"Proxy", cfg.REST.ProxyURL})
	}
	store := cfg.Store.Path
	if strings.TrimSpace(cfg.Store.URL) != "" {
		store = cfg.Store.URL
	}

	return []envSection{
		{"Gateway", [][2]string{
			{"Token", setOrNot(cfg.Gateway.Token)},
			{"URL", gatewayURL},
			{"Intents", strconv.FormatUint(cfg.Gateway.Intents, 10)},
			{"Compression", cfg.Gateway.Compression},
			{"Shards", shardRange(cfg)},
			{"Restart Fatal", strconv.FormatBool(cfg.Gateway.RestartFatal)},
		}},
		{"REST", rest},
		{"Configuration", [][2]string{
			{"Server", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)},
			{"Log Level", cfg.Logging.Level},
			{"Log Profile", cfg.Logging.Profile},
			{"Store", fmt.Sprintf("%s %s (enabled=%t)", cfg.Store.Driver, store, cfg.Store.Enabled)},
			{"Metrics Port", strconv.Itoa(cfg.Metrics.Port)},
			{"Tracing", strconv.FormatBool(cfg.Tracing.Enabled)},
			{"Config File", config.DefaultConfigPath()},
		}},
	}
}

func setOrNot(secret string) string {
	if strings.TrimSpace(secret) == "" {
		return "(not set)"
	}
	return "(set)"
}

func shardRange(cfg *config.Config) string {
	if cfg.Shards.Total == 0 {
		return "recommended count"
	}
	last := cfg.Shards.Last
	if last < 0 {
		last = cfg.Shards.Total - 1
	}
	return fmt.Sprintf("%d-%d of %d", cfg.Shards.First, last, cfg.Shards.Total)
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
