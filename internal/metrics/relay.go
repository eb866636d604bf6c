// Package metrics names and emits the relay's application metrics through the
// global telemetry system. Every helper is a no-op when telemetry is disabled.
package metrics

import (
	"time"

	"github.com/ventrelay/ventrelay/internal/observability"
)

// Relay metric names following Prometheus conventions
const (
	RelayOutcomesTotal       = "relay_outcomes_total"
	RelayUpstreamDurationMs  = "relay_upstream_duration_ms"
	RelayRateLimitKeys       = "relay_ratelimit_keys"
	RelayRateLimitSweptTotal = "relay_ratelimit_swept_total"
	RelayTokensTotal         = "relay_tokens_total"

	ServerStartTime = "app_server_start_time_seconds"
)

// Outcome labels for RelayOutcomesTotal besides the error kinds.
const (
	OutcomeSuccess = "success"
)

// RecordRelayOutcome counts one finished /vent request by outcome.
func RecordRelayOutcome(outcome string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			RelayOutcomesTotal,
			1,
			map[string]string{"outcome": outcome},
		)
	}
}

// RecordUpstreamDuration records how long the completion call took.
func RecordUpstreamDuration(model string, outcome string, duration time.Duration) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Histogram(
			RelayUpstreamDurationMs,
			duration,
			map[string]string{
				"model":   model,
				"outcome": outcome,
			},
		)
	}
}

// RecordTokens adds prompt and completion token usage reported upstream.
func RecordTokens(model string, prompt, completion int) {
	if observability.TelemetrySystem == nil {
		return
	}
	if prompt > 0 {
		_ = observability.TelemetrySystem.Counter(
			RelayTokensTotal,
			float64(prompt),
			map[string]string{"model": model, "kind": "prompt"},
		)
	}
	if completion > 0 {
		_ = observability.TelemetrySystem.Counter(
			RelayTokensTotal,
			float64(completion),
			map[string]string{"model": model, "kind": "completion"},
		)
	}
}

// SetRateLimitKeys reports how many callers the limiter is tracking.
func SetRateLimitKeys(count int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			RelayRateLimitKeys,
			float64(count),
			nil,
		)
	}
}

// RecordRateLimitSweep counts idle callers dropped by the janitor.
func RecordRateLimitSweep(removed int) {
	if removed <= 0 || observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(
		RelayRateLimitSweptTotal,
		float64(removed),
		nil,
	)
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerStartTime,
			float64(timestamp),
			nil,
		)
	}
}
