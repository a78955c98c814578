package metrics

import (
	"strconv"
	"time"

	"github.com/shardline/shardline/internal/observability"
)

// Gateway and REST metric names
const (
	GatewayEventsTotal      = "gateway_events_total"
	GatewayReconnectsTotal  = "gateway_reconnects_total"
	GatewayHeartbeatLatency = "gateway_heartbeat_latency_ms"
	GatewayShardState       = "gateway_shard_state"

	RESTRequestsTotal   = "rest_requests_total"
	RESTRequestDuration = "rest_request_duration_ms"
	RESTRateLimitsTotal = "rest_rate_limits_total"
	RESTAdmissionWait   = "rest_admission_wait_ms"
)

// RecordGatewayEvent counts an event emitted by a shard.
func RecordGatewayEvent(shard int, kind string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			GatewayEventsTotal,
			1,
			map[string]string{
				"shard": strconv.Itoa(shard),
				"kind":  kind,
			},
		)
	}
}

// RecordReconnect counts a shard reconnect and its cause.
func RecordReconnect(shard int, reason string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			GatewayReconnectsTotal,
			1,
			map[string]string{
				"shard":  strconv.Itoa(shard),
				"reason": reason,
			},
		)
	}
}

// RecordHeartbeatLatency records a heartbeat round trip.
func RecordHeartbeatLatency(shard int, latency time.Duration) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Histogram(
			GatewayHeartbeatLatency,
			latency,
			map[string]string{
				"shard": strconv.Itoa(shard),
			},
		)
	}
}

// SetShardState publishes the numeric session state of a shard.
func SetShardState(shard int, state int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			GatewayShardState,
			float64(state),
			map[string]string{
				"shard": strconv.Itoa(shard),
			},
		)
	}
}

// RecordRESTRequest records a completed REST attempt.
func RecordRESTRequest(route string, status int, duration time.Duration) {
	if observability.TelemetrySystem != nil {
		labels := map[string]string{
			"route":  route,
			"status": strconv.Itoa(status),
		}
		_ = observability.TelemetrySystem.Counter(RESTRequestsTotal, 1, labels)
		_ = observability.TelemetrySystem.Histogram(RESTRequestDuration, duration, labels)
	}
}

// RecordRateLimit counts a 429 by scope.
func RecordRateLimit(route string, global bool) {
	scope := "bucket"
	if global {
		scope = "global"
	}
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			RESTRateLimitsTotal,
			1,
			map[string]string{
				"route": route,
				"scope": scope,
			},
		)
	}
}

// RecordAdmissionWait records how long a request queued before admission.
func RecordAdmissionWait(route string, waited time.Duration) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Histogram(
			RESTAdmissionWait,
			waited,
			map[string]string{
				"route": route,
			},
		)
	}
}
