package observability

import (
	"fmt"
	"net"
	"strconv"

	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/fulmenhq/gofulmen/telemetry/exporters"
)

var (
	// TelemetrySystem receives every metric the gateway and status server emit.
	TelemetrySystem *telemetry.System

	// PrometheusExporter serves TelemetrySystem's metrics.
	PrometheusExporter *exporters.PrometheusExporter

	metricsPort int
)

// InitMetrics starts the Prometheus exporter on port (0 picks a free one)
// and installs a telemetry system emitting to it. Metric names are
// prefixed with namespace, or serviceName when namespace is empty.
func InitMetrics(serviceName string, port int, namespace ...string) error {
	prefix := serviceName
	if len(namespace) > 0 && namespace[0] != "" {
		prefix = namespace[0]
	}
	port = max(port, 0)

	exporter := exporters.NewPrometheusExporter(prefix, ":"+strconv.Itoa(port))
	if err := exporter.Start(); err != nil {
		return fmt.Errorf("start prometheus exporter on :%d: %w", port, err)
	}
	sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: true, Emitter: exporter})
	if err != nil {
		return fmt.Errorf("create telemetry system: %w", err)
	}

	PrometheusExporter, TelemetrySystem = exporter, sys
	metricsPort = boundPort(exporter.GetAddr(), port)
	return nil
}

// GetMetricsPort returns the port the exporter listens on, 0 before InitMetrics.
func GetMetricsPort() int {
	return metricsPort
}

// boundPort is the port in addr. It falls back to the requested port, or
// to 9090 when an ephemeral port cannot be recovered.
func boundPort(addr string, requested int) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if n, err := strconv.Atoi(p); err == nil && n > 0 {
			return n
		}
	}
	if requested == 0 {
		return 9090
	}
	return requested
}
