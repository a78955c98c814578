package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"maps"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/shardline/shardline/internal/gateway"
	"github.com/shardline/shardline/internal/metrics"
	"github.com/shardline/shardline/internal/observability"
	"github.com/shardline/shardline/internal/rest"
	"github.com/shardline/shardline/internal/server/middleware"
)

// Error codes
const (
	CodeInvalidInput       = "INVALID_INPUT"
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeInternal           = "INTERNAL_ERROR"
	CodeDatabase           = "DATABASE_ERROR"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeTimeout            = "TIMEOUT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeConfigInvalid      = "CONFIG_INVALID"

	CodeRateLimited   = "RATE_LIMITED"
	CodeShardNotReady = "SHARD_NOT_READY"
	CodeShardNotFound = "SHARD_NOT_FOUND"
	CodeShardRunning  = "SHARD_RUNNING"
)

// User Errors (400-level)
func NewInvalidInputError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeInvalidInput, message)
}

func NewNotFoundError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeNotFound, message)
}

func NewMethodNotAllowedError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeMethodNotAllowed, message)
}

// Server Errors (500-level)
func NewInternalError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeInternal, message)
}

func NewServiceUnavailableError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeServiceUnavailable, message)
}

func NewConfigInvalidError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeConfigInvalid, message)
}

// Wrap builds an envelope for err with the request's correlation and trace
// ids attached.
func Wrap(ctx context.Context, code string, err error, message string) *errors.ErrorEnvelope {
	envelope := errors.NewErrorEnvelope(code, message)
	envelope = envelope.WithCorrelationID(extractCorrelationID(ctx))
	envelope = envelope.WithTraceID(extractTraceID(ctx))
	return withWrappedError(envelope, err)
}

func WrapInvalidInput(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return Wrap(ctx, CodeInvalidInput, err, message)
}

func WrapInternal(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return Wrap(ctx, CodeInternal, err, message)
}

func WrapDatabaseError(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return Wrap(ctx, CodeDatabase, err, message)
}

// FromDomain maps gateway and REST errors onto envelopes. Errors it does
// not know become INTERNAL_ERROR.
func FromDomain(ctx context.Context, err error) *errors.ErrorEnvelope {
	var (
		envelope *errors.ErrorEnvelope
		limited  *rest.RateLimitedError
		server   *rest.ServerError
		rtrans   *rest.TransportError
	)
	switch {
	case err == nil:
		return nil
	case stderrors.As(err, &envelope):
		return envelope
	case stderrors.Is(err, gateway.ErrUnknownShard):
		return Wrap(ctx, CodeShardNotFound, err, "shard is not run by this process")
	case stderrors.Is(err, gateway.ErrShardNotReady):
		return Wrap(ctx, CodeShardNotReady, err, "shard is not ready")
	case stderrors.Is(err, gateway.ErrShardRunning):
		return Wrap(ctx, CodeShardRunning, err, "shard is running")
	case stderrors.As(err, &limited):
		env := Wrap(ctx, CodeRateLimited, err, "rate limited")
		return env.WithDetails(map[string]interface{}{
			"route":          limited.Route,
			"global":         limited.Global,
			"retry_after_ms": limited.RetryAfter.Milliseconds(),
		})
	case stderrors.Is(err, rest.ErrInvalidSession):
		return Wrap(ctx, CodeUnauthorized, err, "token rejected")
	case stderrors.As(err, &server):
		env := Wrap(ctx, CodeExternalService, err, "upstream returned an error")
		return env.WithDetails(map[string]interface{}{"upstream_status": server.Status})
	case stderrors.As(err, &rtrans):
		return Wrap(ctx, CodeExternalService, err, "upstream unreachable")
	case stderrors.Is(err, context.DeadlineExceeded):
		return Wrap(ctx, CodeTimeout, err, "operation timed out")
	}
	return WrapInternal(ctx, err, "unexpected error")
}

// extractCorrelationID gets correlation ID from context, falls back to generating new UUID
func extractCorrelationID(ctx context.Context) string {
	if ctx != nil {
		if requestID := middleware.GetRequestID(ctx); requestID != "" {
			return requestID
		}
	}
	return uuid.New().String()
}

// extractTraceID prefers the active OpenTelemetry trace and falls back to
// the correlation ID.
func extractTraceID(ctx context.Context) string {
	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			return sc.TraceID().String()
		}
	}
	return extractCorrelationID(ctx)
}

// EnsureEnvelope normalizes any error into a gofulmen ErrorEnvelope.
func EnsureEnvelope(err error) *errors.ErrorEnvelope {
	if err == nil {
		env := errors.NewErrorEnvelope(CodeInternal, "unexpected nil error")
		env, _ = env.WithSeverity(errors.SeverityCritical)
		return env
	}

	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) && envelope != nil {
		return envelope
	}

	env := FromDomain(context.Background(), err)
	if env.Code == CodeInternal {
		env, _ = env.WithSeverity(errors.SeverityHigh)
	}
	return env
}

// EnsureCorrelationID sets the request ID from ctx as the envelope's
// correlation ID unless it already carries one.
func EnsureCorrelationID(envelope *errors.ErrorEnvelope, ctx context.Context) *errors.ErrorEnvelope {
	if envelope == nil || envelope.CorrelationID != "" {
		return envelope
	}
	id := ""
	if ctx != nil {
		id = middleware.GetRequestID(ctx)
	}
	if id == "" {
		id = "fallback-" + errors.GenerateCorrelationID()
	}
	return envelope.WithCorrelationID(id)
}

var statusByCode = map[string]int{
	CodeInvalidInput:       http.StatusBadRequest,
	CodeValidationFailed:   http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeShardNotFound:      http.StatusNotFound,
	CodeUnauthorized:       http.StatusUnauthorized,
	CodeMethodNotAllowed:   http.StatusMethodNotAllowed,
	CodeConflict:           http.StatusConflict,
	CodeShardNotReady:      http.StatusConflict,
	CodeShardRunning:       http.StatusConflict,
	CodeRateLimited:        http.StatusTooManyRequests,
	CodeTimeout:            http.StatusGatewayTimeout,
	CodeExternalService:    http.StatusBadGateway,
	CodeServiceUnavailable: http.StatusServiceUnavailable,
}

// HTTPStatusFromEnvelope is HTTPStatusFromCode for envelope's code; 500 for nil.
func HTTPStatusFromEnvelope(envelope *errors.ErrorEnvelope) int {
	if envelope == nil {
		return http.StatusInternalServerError
	}
	return HTTPStatusFromCode(envelope.Code)
}

// HTTPStatusFromCode maps an error code to its HTTP status. Unknown codes are 500.
func HTTPStatusFromCode(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func withWrappedError(envelope *errors.ErrorEnvelope, err error) *errors.ErrorEnvelope {
	if envelope == nil || err == nil {
		return envelope
	}

	updated, updateErr := envelope.WithContext(map[string]interface{}{
		"wrapped_error": err.Error(),
	})
	if updateErr != nil {
		return envelope
	}
	return updated
}

// ResponseDetails merges envelope details over its context for the response
// body. Details win on key collisions.
func ResponseDetails(envelope *errors.ErrorEnvelope) map[string]interface{} {
	if envelope == nil || len(envelope.Details)+len(envelope.Context) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(envelope.Details)+len(envelope.Context))
	maps.Copy(out, envelope.Context)
	maps.Copy(out, envelope.Details)
	return out
}

// HTTPErrorDetail captures the error body returned to callers.
type HTTPErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// HTTPErrorResponse wraps HTTPErrorDetail in the standard envelope structure.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// RespondWithError writes err as a JSON error body. Domain errors are mapped
// through FromDomain so their request context is kept.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var envelope *errors.ErrorEnvelope
	if r != nil && err != nil && !stderrors.As(err, &envelope) {
		RespondWithEnvelope(w, r, FromDomain(r.Context(), err))
		return
	}
	RespondWithEnvelope(w, r, EnsureEnvelope(err))
}

// RespondWithEnvelope logs envelope, records it in the error metrics and
// writes it with its mapped status.
func RespondWithEnvelope(w http.ResponseWriter, r *http.Request, envelope *errors.ErrorEnvelope) {
	if w == nil {
		return
	}
	if envelope == nil {
		envelope = EnsureEnvelope(nil)
	}
	var ctx context.Context
	if r != nil {
		ctx = r.Context()
	}
	envelope = EnsureCorrelationID(envelope, ctx)
	status := HTTPStatusFromEnvelope(envelope)

	logHTTPError(envelope, status)
	emitErrorMetrics(r, envelope, status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: HTTPErrorDetail{
		Code:      envelope.Code,
		Message:   envelope.Message,
		Details:   ResponseDetails(envelope),
		RequestID: envelope.CorrelationID,
	}})
}

func logHTTPError(envelope *errors.ErrorEnvelope, status int) {
	logger := observability.ServerLogger
	if logger == nil {
		return
	}
	fields := make([]zap.Field, 0, len(envelope.Context)+4)
	fields = append(fields, zap.String("error_code", envelope.Code), zap.Int("http_status", status))
	if envelope.Severity != "" {
		fields = append(fields, zap.String("severity", string(envelope.Severity)))
	}
	if envelope.CorrelationID != "" {
		fields = append(fields, zap.String("request_id", envelope.CorrelationID))
	}
	for key, value := range envelope.Context {
		fields = append(fields, zap.Any(key, value))
	}

	log := logger.Info
	switch envelope.Severity {
	case errors.SeverityCritical, errors.SeverityHigh:
		log = logger.Error
	case errors.SeverityMedium:
		log = logger.Warn
	}
	log(envelope.Message, fields...)
}

func emitErrorMetrics(r *http.Request, envelope *errors.ErrorEnvelope, status int) {
	metrics.RecordError(envelope.Code, status)
	if r == nil {
		return
	}
	endpoint := r.URL.Path
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		endpoint = rc.RoutePattern()
	}
	metrics.RecordErrorByEndpoint(endpoint, envelope.Code)
}
