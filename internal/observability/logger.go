package observability

import (
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
)

// Logger is the logging surface library packages depend on. Both the
// gofulmen loggers below and *zap.Logger satisfy it.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

var (
	// CLILogger is used for CLI commands (SIMPLE profile)
	CLILogger *logging.Logger

	// ServerLogger is used for long-running commands (STRUCTURED profile)
	ServerLogger *logging.Logger
)

// NopLogger returns a logger that discards everything.
func NopLogger() Logger {
	return zap.NewNop()
}

// InitCLILogger sets CLILogger to a SIMPLE-profile logger for short-lived
// commands. verbose lowers the level to DEBUG.
func InitCLILogger(serviceName string, verbose bool) {
	logger, err := logging.NewCLI(serviceName)
	if err != nil {
		fatal("Failed to initialize CLI logger", err)
	}
	if verbose {
		logger.SetLevel(logging.DEBUG)
	}
	CLILogger = logger
}

// InitServerLogger sets ServerLogger to a STRUCTURED-profile JSON logger on
// stderr. A namespace, when given, is attached to every entry.
func InitServerLogger(serviceName string, logLevel string, namespace ...string) {
	ns := ""
	if len(namespace) > 0 {
		ns = namespace[0]
	}
	logger, err := logging.New(serverLoggerConfig(serviceName, logLevel, ns))
	if err != nil {
		fatal("Failed to initialize server logger", err)
	}
	ServerLogger = logger
}

func serverLoggerConfig(service, level, namespace string) *logging.LoggerConfig {
	static := map[string]any{}
	if namespace != "" {
		static["namespace"] = namespace
	}
	return &logging.LoggerConfig{
		Profile:      logging.ProfileStructured,
		DefaultLevel: parseLogLevel(level),
		Service:      service,
		Environment:  "production",
		StaticFields: static,
		Middleware: []logging.MiddlewareConfig{
			{Name: "correlation", Enabled: true, Order: 100, Config: map[string]any{}},
		},
		Sinks: []logging.SinkConfig{{
			Type:    "console",
			Format:  "json",
			Console: &logging.ConsoleSinkConfig{Stream: "stderr"},
		}},
		EnableCaller:     true,
		EnableStacktrace: true,
	}
}

// Default returns the most capable logger that has been initialized.
func Default() Logger {
	switch {
	case ServerLogger != nil:
		return ServerLogger
	case CLILogger != nil:
		return CLILogger
	default:
		return NopLogger()
	}
}

var logLevels = map[string]string{
	"trace":   "TRACE",
	"debug":   "DEBUG",
	"info":    "INFO",
	"warn":    "WARN",
	"warning": "WARN",
	"error":   "ERROR",
}

// parseLogLevel maps a config level onto a gofulmen severity, INFO when
// unrecognized.
func parseLogLevel(level string) string {
	if sev, ok := logLevels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return sev
	}
	return "INFO"
}

// fatal reports a logger setup failure on stderr and exits with the
// config-invalid code. No logger exists yet at this point.
func fatal(msg string, err error) {
	code := foundry.ExitConfigInvalid
	status := int(code)
	if info, ok := foundry.GetExitCodeInfo(code); ok {
		status = info.Code
	}
	fmt.Fprintf(os.Stderr, "FATAL: %s: %v\nExit Code: %d\n", msg, err, status)
	os.Exit(status)
}
