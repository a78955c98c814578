package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/shardline/shardline/internal/observability"
)

// statusRecorder captures the status and body size written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// getEndpointPattern prefers the chi route pattern and otherwise folds the
// path into a fixed set of groups so labels stay low-cardinality.
func getEndpointPattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	path := r.URL.Path
	switch {
	case path == "/" || path == "/version" || path == "/metrics":
		return path
	case path == "/health" || strings.HasPrefix(path, "/health/"):
		return "/health/*"
	case path == "/shards" || strings.HasPrefix(path, "/shards/"):
		return "/shards/*"
	case strings.HasPrefix(path, "/ratelimit/"):
		return "/ratelimit/*"
	case strings.HasPrefix(path, "/debug/"):
		return "/debug/*"
	default:
		return "/unknown"
	}
}

type observation struct {
	method   string
	endpoint string
	status   int
	reqSize  int64
	respSize int64
	elapsed  time.Duration
}

func (o observation) errorClass() string {
	switch {
	case o.status >= 500:
		return "server_error"
	case o.status >= 400:
		return "client_error"
	default:
		return ""
	}
}

func (o observation) emit() {
	sys := observability.TelemetrySystem
	route := map[string]string{"method": o.method, "endpoint": o.endpoint}
	labels := map[string]string{"method": o.method, "endpoint": o.endpoint, "status": strconv.Itoa(o.status)}

	_ = sys.Counter("http_requests_total", 1, labels)
	_ = sys.Histogram("http_request_duration_ms", o.elapsed, labels)
	_ = sys.Gauge("http_request_size_bytes", float64(o.reqSize), route)
	_ = sys.Gauge("http_response_size_bytes", float64(o.respSize), route)

	if class := o.errorClass(); class != "" {
		labels["error_type"] = class
		_ = sys.Counter("http_errors_total", 1, labels)
	}
}

// RequestMetrics records Prometheus request metrics and a server span for
// each request. It is a pass-through while telemetry is not initialized.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if observability.TelemetrySystem == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		ctx, span := observability.StartServerSpan(r.Context(), r.Method, r.URL.Path)
		r = r.WithContext(ctx)

		next.ServeHTTP(rec, r)

		obs := observation{
			method:   r.Method,
			endpoint: getEndpointPattern(r),
			status:   rec.status,
			reqSize:  max(r.ContentLength, 0),
			respSize: rec.written,
			elapsed:  time.Since(start),
		}

		span.SetAttributes(
			attribute.String("http.route", obs.endpoint),
			attribute.Int("http.status_code", obs.status),
		)
		var spanErr error
		if obs.status >= 500 {
			spanErr = fmt.Errorf("status %d", obs.status)
		}
		observability.EndSpanWithError(span, spanErr)

		obs.emit()

		if observability.ServerLogger != nil {
			observability.ServerLogger.Info("HTTP request completed",
				zap.String("method", obs.method),
				zap.String("path", r.URL.Path),
				zap.String("endpoint", obs.endpoint),
				zap.Int("status", obs.status),
				zap.Duration("duration", obs.elapsed),
				zap.Int64("response_size", obs.respSize),
				zap.String("requestID", GetRequestID(r.Context())),
			)
		}
	})
}
