package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/shardline/shardline/internal/config"
	apperrors "github.com/shardline/shardline/internal/errors"
	"github.com/shardline/shardline/internal/observability"
)

var metricsProxyClient = &http.Client{
	Timeout: 5 * time.Second,
}

const (
	defaultMetricsPort  = 9090
	prometheusTextFormat = "text/plain; version=0.0.4"
)

var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// metricsURL is the exporter's own endpoint on loopback.
func metricsURL() string {
	port := observability.GetMetricsPort()
	if port == 0 {
		port = defaultMetricsPort
		if cfg := config.GetConfig(); cfg != nil && cfg.Metrics.Port != 0 {
			port = cfg.Metrics.Port
		}
	}
	return fmt.Sprintf("http://127.0.0.1:%d/metrics", port)
}

// MetricsHandler serves the gateway and rate limiter metrics on the status
// port by proxying the Prometheus exporter.
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	if observability.PrometheusExporter == nil {
		HandleError(w, r, apperrors.NewServiceUnavailableError("metrics are disabled (set metrics.enabled)"))
		return
	}

	target := metricsURL()
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		HandleError(w, r, apperrors.WrapInternal(r.Context(), err, "unable to build metrics request"))
		return
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := metricsProxyClient.Do(req)
	if err != nil {
		env := apperrors.Wrap(r.Context(), apperrors.CodeExternalService, err, "prometheus exporter unavailable")
		HandleError(w, r, env.WithDetails(map[string]interface{}{"metrics_url": target}))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for key, values := range resp.Header {
		if hopByHop[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	if resp.Header.Get("Content-Type") == "" {
		w.Header().Set("Content-Type", prometheusTextFormat)
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		observability.Default().Warn("Failed to write metrics response", zap.Error(err))
	}
}
