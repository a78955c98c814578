package cmd

import (
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	errwrap "github.com/shardline/shardline/internal/errors"
	"github.com/shardline/shardline/internal/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Run a self-health check to verify the gateway can start with the current configuration.",
	Run: func(cmd *cobra.Command, args []string) {
		observability.CLILogger.Info("Running health check...")

		// Check 1: Version info available
		if versionInfo.Version == "" {
			observability.CLILogger.Error("❌ FAIL: Version information missing")
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		observability.CLILogger.Debug("Version check passed", zap.String("version", versionInfo.Version))
		observability.CLILogger.Info("✅ Version information available")

		// Check 2: Configuration loads and validates
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			observability.CLILogger.Error("❌ FAIL: Configuration invalid")
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Configuration invalid", errwrap.Wrap(cmd.Context(), errwrap.CodeConfigInvalid, err, "configuration invalid"))
			return
		}
		observability.CLILogger.Info("✅ Configuration valid")

		// Check 3: Credentials present
		if strings.TrimSpace(cfg.Gateway.Token) == "" {
			observability.CLILogger.Warn("⚠️  No gateway token configured (set gateway.token or " + appIdentity.EnvPrefix + "TOKEN)")
		} else {
			observability.CLILogger.Info("✅ Gateway token configured")
		}

		// Check 4: Incident store reachable
		if cfg.Store.Enabled {
			db, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				observability.CLILogger.Error("❌ FAIL: Incident store unavailable")
				ExitWithCode(observability.CLILogger, foundry.ExitFailure, "Incident store unavailable", errwrap.WrapDatabaseError(cmd.Context(), err, "open incident store"))
				return
			}
			_ = db.Close()
			observability.CLILogger.Info("✅ Incident store ready", zap.String("driver", db.Driver()))
		}

		// Overall status
		observability.CLILogger.Info("")
		observability.CLILogger.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
