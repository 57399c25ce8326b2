package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weftworks/weft/core"
)

var (
	// globalRegistry holds the singleton Registry. atomic.Value gives
	// lock-free reads on the emission hot path; it is written once by
	// Initialize and once more by Shutdown.
	globalRegistry atomic.Value // *Registry

	initOnce sync.Once
)

// Config holds telemetry initialization settings.
type Config struct {
	// ServiceName appears as service.name on every span and metric.
	ServiceName string

	// Endpoint is the OTLP/HTTP collector address (host:port).
	Endpoint string
}

// Registry coordinates the OpenTelemetry provider and tracks emission
// health for diagnostics.
type Registry struct {
	config    Config
	provider  *OTelProvider
	logger    core.Logger
	emitted   atomic.Int64
	startTime time.Time
}

// Initialize activates the telemetry system. Call once from main before
// any metrics are emitted; later calls return the first result. If
// initialization fails the Emit functions stay safe no-ops.
func Initialize(config Config) error {
	var initErr error
	initOnce.Do(func() {
		if config.Endpoint == "" {
			config.Endpoint = "localhost:4318"
		}
		if config.ServiceName == "" {
			config.ServiceName = "weft"
		}

		logger := core.NewProductionLogger(config.ServiceName).WithComponent("telemetry")

		provider, err := NewOTelProvider(config.ServiceName, config.Endpoint)
		if err != nil {
			initErr = err
			logger.Error("Telemetry initialization failed", map[string]interface{}{
				"operation": "telemetry_init",
				"error":     err.Error(),
				"endpoint":  config.Endpoint,
			})
			return
		}

		registry := &Registry{
			config:    config,
			provider:  provider,
			logger:    logger,
			startTime: time.Now(),
		}
		globalRegistry.Store(registry)

		// Logs carry trace_id/span_id from here on.
		core.SetTraceContextFunc(func(ctx context.Context) (string, string) {
			tc := GetTraceContext(ctx)
			return tc.TraceID, tc.SpanID
		})

		logger.Info("Telemetry system initialized", map[string]interface{}{
			"operation": "telemetry_init",
			"endpoint":  config.Endpoint,
			"service":   config.ServiceName,
		})
	})
	return initErr
}

func activeRegistry() *Registry {
	r, _ := globalRegistry.Load().(*Registry)
	return r
}

// Emit records a histogram observation. Silent no-op when telemetry is
// not initialized.
func Emit(name string, value float64, labels ...string) {
	r := activeRegistry()
	if r == nil || r.provider == nil {
		return
	}
	r.provider.RecordMetric(name, value, parseLabels(labels...))
	r.emitted.Add(1)
}

func emitCounter(name string, value float64, labels ...string) {
	r := activeRegistry()
	if r == nil || r.provider == nil {
		return
	}
	r.provider.AddCounter(name, value, parseLabels(labels...))
	r.emitted.Add(1)
}

// parseLabels converts "key1", "val1", "key2", "val2" into a map.
// A trailing unpaired key is dropped.
func parseLabels(labels ...string) map[string]string {
	if len(labels) < 2 {
		return nil
	}
	m := make(map[string]string, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		m[labels[i]] = labels[i+1]
	}
	return m
}

// Shutdown flushes pending telemetry and stops the exporters. Emit
// functions become no-ops afterwards.
func Shutdown(ctx context.Context) error {
	r := activeRegistry()
	if r == nil {
		return nil
	}

	r.logger.Info("Shutting down telemetry system", map[string]interface{}{
		"operation":     "telemetry_shutdown",
		"total_emitted": r.emitted.Load(),
		"uptime_ms":     time.Since(r.startTime).Milliseconds(),
	})

	globalRegistry.Store((*Registry)(nil))

	if r.provider != nil {
		return r.provider.Shutdown(ctx)
	}
	return nil
}

// GetRegistry returns the active registry, or nil before Initialize.
func GetRegistry() *Registry {
	return activeRegistry()
}

// GetTelemetryProvider exposes the provider as core.Telemetry for
// injection into components that create spans. Returns nil when
// telemetry is not initialized.
func GetTelemetryProvider() core.Telemetry {
	r := activeRegistry()
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider
}
