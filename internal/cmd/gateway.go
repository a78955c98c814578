package cmd

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	errwrap "github.com/shardline/shardline/internal/errors"
	"github.com/shardline/shardline/internal/gateway"
	"github.com/shardline/shardline/internal/observability"
	"github.com/shardline/shardline/internal/output"
	"github.com/shardline/shardline/internal/server"
	"github.com/shardline/shardline/internal/server/handlers"
)

var (
	gatewayHost       string
	gatewayPort       int
	gatewayShardFirst int
	gatewayShardLast  int
	gatewayShardTotal int
	gatewayDispatch   bool
	gatewayQuiet      bool
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

// identityHealthChecker validates app identity metadata
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (i identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case i.binaryName == "":
		return errwrap.NewConfigInvalidError("app identity missing binary name")
	case i.envPrefix == "":
		return errwrap.NewConfigInvalidError("app identity missing env prefix")
	case i.configName == "":
		return errwrap.NewConfigInvalidError("app identity missing config name")
	}
	return nil
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run gateway shards and the status server",
	Long: `Connect the configured shards to the gateway, print lifecycle events and
serve shard and rate limiter status over HTTP.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown (shards close with 1000)
  • Ctrl+C twice within 2s: Force quit

Examples:
  # Run every recommended shard
  shardline gateway

  # Run shards 0-3 of 8 and print dispatch events as NDJSON
  shardline gateway --shard-first 0 --shard-last 3 --shard-total 8 --dispatch -o json`,
	RunE: runGateway,
}

func init() {
	rootCmd.AddCommand(gatewayCmd)

	gatewayCmd.Flags().StringVar(&gatewayHost, "host", "", "status server host (default from config)")
	gatewayCmd.Flags().IntVarP(&gatewayPort, "port", "p", 0, "status server port (default from config)")
	gatewayCmd.Flags().IntVar(&gatewayShardFirst, "shard-first", -1, "first shard index run by this process")
	gatewayCmd.Flags().IntVar(&gatewayShardLast, "shard-last", -1, "last shard index run by this process (-1 for the final shard)")
	gatewayCmd.Flags().IntVar(&gatewayShardTotal, "shard-total", -1, "total shard count (0 uses the recommended count)")
	gatewayCmd.Flags().BoolVar(&gatewayDispatch, "dispatch", false, "print dispatch events, not only lifecycle events")
	gatewayCmd.Flags().BoolVarP(&gatewayQuiet, "quiet", "q", false, "do not print events")
}

// gatewayOverrides turns explicitly set flags into runtime config overrides.
func gatewayOverrides(cmd *cobra.Command) map[string]any {
	overrides := map[string]any{}
	shards := map[string]any{}
	if cmd.Flags().Changed("shard-first") {
		shards["first"] = gatewayShardFirst
	}
	if cmd.Flags().Changed("shard-last") {
		shards["last"] = gatewayShardLast
	}
	if cmd.Flags().Changed("shard-total") {
		shards["total"] = gatewayShardTotal
	}
	if len(shards) > 0 {
		overrides["shards"] = shards
	}
	srv := map[string]any{}
	if cmd.Flags().Changed("host") {
		srv["host"] = gatewayHost
	}
	if cmd.Flags().Changed("port") {
		srv["port"] = gatewayPort
	}
	if len(srv) > 0 {
		overrides["server"] = srv
	}
	return overrides
}

func runGateway(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return errwrap.WrapInvalidInput(ctx, err, "invalid output format")
	}

	cfg, err := loadConfig(ctx, gatewayOverrides(cmd))
	if err != nil {
		return errwrap.Wrap(ctx, errwrap.CodeConfigInvalid, err, "configuration invalid")
	}
	if strings.TrimSpace(cfg.Gateway.Token) == "" {
		return errwrap.NewConfigInvalidError("gateway token is required (set gateway.token or " + appIdentity.EnvPrefix + "TOKEN)")
	}

	identity := GetAppIdentity()
	namespace := identity.TelemetryNamespace()
	observability.InitServerLogger(identity.BinaryName, cfg.Logging.Level, namespace)
	logger := observability.ServerLogger

	if cfg.Metrics.Enabled {
		if err := observability.InitMetrics(identity.BinaryName, cfg.Metrics.Port, namespace); err != nil {
			logger.Error("Failed to initialize metrics", zap.Error(err))
			return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
		}
	}
	if cfg.Tracing.Enabled {
		shutdownTracing := observability.InitTracing(logger)
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	stack, err := buildRESTStack(ctx, cfg, logger)
	if err != nil {
		return errwrap.WrapInternal(ctx, err, "rest client initialization failed")
	}
	defer func() {
		if err := stack.Close(); err != nil {
			logger.Warn("Failed to release REST resources", zap.Error(err))
		}
	}()

	closeCodes, err := cfg.CloseCodeTable()
	if err != nil {
		return errwrap.Wrap(ctx, errwrap.CodeConfigInvalid, err, "close code table invalid")
	}
	compression := gateway.CompressionZlibStream
	if c := strings.ToLower(cfg.Gateway.Compression); c == "" || c == "none" {
		compression = gateway.CompressionNone
	}

	sv := gateway.NewSupervisor(gateway.SupervisorConfig{
		URL:            cfg.Gateway.URL,
		Token:          cfg.Gateway.Token,
		Intents:        cfg.Gateway.Intents,
		LargeThreshold: cfg.Gateway.LargeThreshold,
		Compression:    compression,
		FirstShard:     cfg.Shards.First,
		LastShard:      cfg.Shards.Last,
		TotalShards:    cfg.Shards.Total,
		MaxConcurrency: cfg.Gateway.MaxConcurrency,
		IdentifyWindow: cfg.Gateway.IdentifyWindow,
		CloseCodes:     closeCodes,
		Backoff: gateway.Backoff{
			Min:        cfg.Gateway.Backoff.Min,
			Max:        cfg.Gateway.Backoff.Max,
			Multiplier: cfg.Gateway.Backoff.Multiplier,
		},
		ParkFatal:      !cfg.Gateway.RestartFatal,
		RestartBackoff: cfg.Gateway.RestartBackoff,
		EventBuffer:    cfg.Gateway.EventBuffer,
		Fetcher:        stack.client,
		Logger:         logger,
	})

	hm := handlers.NewHealthManager(versionInfo.Version)
	if cfg.Metrics.Enabled {
		hm.RegisterChecker("telemetry", telemetryHealthChecker{})
	}
	hm.RegisterChecker("app_identity", identityHealthChecker{
		binaryName: identity.BinaryName,
		envPrefix:  identity.EnvPrefix,
		configName: identity.ConfigName,
	})
	handlers.SetAppIdentity(identity)

	rl := &handlers.RateLimitHandler{
		Buckets:   stack.controller.Ledger(),
		Global:    stack.controller.Global(),
		Incidents: stack.incidents,
	}
	if stack.stats != nil {
		rl.Stats = stack.stats
	}
	srv := server.New(server.Options{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		Version:      versionInfo.Version,
		Pprof:        cfg.Debug.PprofEnabled,
		Shards:       sv,
		RateLimit:    rl,
		Health:       hm,
	})

	logger.Info("Starting gateway",
		zap.String("service", identity.BinaryName),
		zap.String("namespace", namespace),
		zap.String("version", versionInfo.Version),
		zap.String("status_addr", srv.Addr()),
		zap.Int("shard_total", cfg.Shards.Total),
		zap.String("compression", string(compression)))

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 10 * time.Second
	}

	// Registered LIFO: the supervisor closes first, the logger flushes last.
	signals.OnShutdown(func(ctx context.Context) error {
		if err := logger.Sync(); err != nil {
			// Sync errors are often benign (stdout/stderr already closed)
			logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
		}
		return nil
	})
	signals.OnShutdown(func(ctx context.Context) error {
		logger.Info("Shutting down status server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errwrap.WrapInternal(ctx, err, "server shutdown failed")
		}
		return nil
	})
	signals.OnShutdown(func(ctx context.Context) error {
		logger.Info("Closing shards...")
		if err := sv.Close(); err != nil {
			logger.Warn("Shards stopped with errors", zap.Error(err))
		}
		return nil
	})

	if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
		Window:  2 * time.Second,
		Message: "Press Ctrl+C again within 2 seconds to force quit",
	}); err != nil {
		logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
	}

	errChan := make(chan error, 3)
	go func() {
		if err := srv.Start(); err != nil {
			errChan <- errwrap.WrapInternal(ctx, err, "status server error")
		}
	}()
	go func() {
		if err := signals.Listen(ctx); err != nil {
			logger.Error("Signal handler error", zap.Error(err))
			errChan <- err
		}
	}()

	if err := sv.Start(ctx); err != nil {
		_ = sv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return errwrap.FromDomain(ctx, err)
	}

	loop := &eventLoop{
		sv:           sv,
		formatter:    output.NewFormatter(format),
		dispatch:     gatewayDispatch,
		quiet:        gatewayQuiet,
		restartFatal: cfg.Gateway.RestartFatal,
		logger:       logger,
		out:          os.Stdout,
	}
	go func() {
		errChan <- loop.run()
	}()

	if err := <-errChan; err != nil {
		_ = sv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return err
	}
	return nil
}
