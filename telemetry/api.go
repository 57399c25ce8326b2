// Package telemetry provides metrics emission and trace correlation for
// the weft runtime. The simple functions in this file cover almost all
// call sites; spans come from the core.Telemetry provider.
package telemetry

import (
	"time"
)

// Counter increments a counter metric by 1.
// Labels are key-value pairs: Counter("run.total", "status", "ok").
func Counter(name string, labels ...string) {
	emitCounter(name, 1, labels...)
}

// CounterN increments a counter metric by n. Used for token counts and
// other bulk increments.
func CounterN(name string, n int64, labels ...string) {
	emitCounter(name, float64(n), labels...)
}

// Histogram records a value in a distribution. The backend computes
// percentiles.
func Histogram(name string, value float64, labels ...string) {
	Emit(name, value, labels...)
}

// Duration records elapsed time since startTime in milliseconds.
//
//	start := time.Now()
//	defer telemetry.Duration("design.duration_ms", start)
func Duration(name string, startTime time.Time, labels ...string) {
	Emit(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

// TimeOperation returns a closure recording the duration when called.
//
//	defer telemetry.TimeOperation("node.duration_ms", "node_type", "flight_search")()
func TimeOperation(name string, labels ...string) func() {
	start := time.Now()
	return func() {
		Duration(name, start, labels...)
	}
}

// Unified metric names. Every component emits through these so dashboard
// queries work across the runtime.
const (
	MetricRunDuration   = "run.duration_ms"
	MetricRunTotal      = "run.total"
	MetricRunErrors     = "run.errors"
	MetricNodeDuration  = "node.call.duration_ms"
	MetricNodeTotal     = "node.call.total"
	MetricNodeErrors    = "node.call.errors"
	MetricNodeRetries   = "node.call.retries"
	MetricLLMDuration   = "llm.request.duration_ms"
	MetricLLMTotal      = "llm.request.total"
	MetricLLMTokens     = "llm.tokens.used"
	MetricDesignTotal   = "design.total"
	MetricTemplateReuse = "template.reuse.total"
	MetricPermissions   = "permission.decisions"
	MetricSessions      = "session.events"
)

// RecordRun records a completed workflow run.
func RecordRun(durationMs float64, status string) {
	Histogram(MetricRunDuration, durationMs, "status", status)
	Counter(MetricRunTotal, "status", status)
}

// RecordRunError classifies a failed run by error kind.
func RecordRunError(errorKind string) {
	Counter(MetricRunErrors, "error_kind", errorKind)
}

// RecordNodeCall records a capability invocation.
func RecordNodeCall(nodeType string, durationMs float64, status string) {
	Histogram(MetricNodeDuration, durationMs, "node_type", nodeType, "status", status)
	Counter(MetricNodeTotal, "node_type", nodeType, "status", status)
}

// RecordNodeError classifies a failed capability invocation.
func RecordNodeError(nodeType string, errorKind string) {
	Counter(MetricNodeErrors, "node_type", nodeType, "error_kind", errorKind)
}

// RecordNodeRetry records a retry attempt for a transient node failure.
func RecordNodeRetry(nodeType string) {
	Counter(MetricNodeRetries, "node_type", nodeType)
}

// RecordLLMRequest records an LLM provider call.
func RecordLLMRequest(provider string, durationMs float64, status string) {
	Histogram(MetricLLMDuration, durationMs, "provider", provider, "status", status)
	Counter(MetricLLMTotal, "provider", provider, "status", status)
}

// RecordLLMTokens records token usage by direction.
func RecordLLMTokens(provider string, promptTokens, completionTokens int64) {
	if promptTokens > 0 {
		CounterN(MetricLLMTokens, promptTokens, "provider", provider, "type", "input")
	}
	if completionTokens > 0 {
		CounterN(MetricLLMTokens, completionTokens, "provider", provider, "type", "output")
	}
}

// RecordDesign records a designer outcome: "new", "reused", or "failed".
func RecordDesign(outcome string) {
	Counter(MetricDesignTotal, "outcome", outcome)
	if outcome == "reused" {
		Counter(MetricTemplateReuse)
	}
}

// RecordPermissionDecision records how a permission request ended:
// "approved", "denied", or "expired".
func RecordPermissionDecision(decision string) {
	Counter(MetricPermissions, "decision", decision)
}

// RecordSessionEvent records session lifecycle events: "opened",
// "closed", "deadline_exceeded".
func RecordSessionEvent(event string) {
	Counter(MetricSessions, "event", event)
}
