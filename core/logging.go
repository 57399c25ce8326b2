package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// TraceContextFunc extracts trace correlation identifiers from a context.
// The telemetry package installs the real extractor at Init time so this
// package stays free of OpenTelemetry imports.
type TraceContextFunc func(ctx context.Context) (traceID, spanID string)

var traceContextFn atomic.Value

// SetTraceContextFunc installs the trace extractor used by the
// *WithContext logging methods. Safe for concurrent use.
func SetTraceContextFunc(fn TraceContextFunc) {
	if fn != nil {
		traceContextFn.Store(fn)
	}
}

func extractTraceContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	if fn, ok := traceContextFn.Load().(TraceContextFunc); ok && fn != nil {
		return fn(ctx)
	}
	return "", ""
}

// ProductionLogger is the standard logger implementation. It writes JSON
// lines when running under Kubernetes or when LOG_FORMAT=json, and a
// human-readable text format otherwise. Level filtering follows LOG_LEVEL.
//
// Configuration priority:
//  1. Explicit parameters (highest)
//  2. Environment variables (LOG_LEVEL, LOG_FORMAT)
//  3. Auto-detection (Kubernetes environment)
//  4. Defaults (lowest)
type ProductionLogger struct {
	level     string
	format    string
	service   string
	component string
	output    io.Writer
	mu        sync.Mutex
}

// NewProductionLogger creates a logger for the given service name.
func NewProductionLogger(service string) *ProductionLogger {
	level := strings.ToUpper(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "INFO"
	}

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if envFormat := os.Getenv("LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &ProductionLogger{
		level:   level,
		format:  format,
		service: service,
		output:  os.Stdout,
	}
}

// WithComponent returns a sub-logger whose entries carry a component field.
func (l *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{
		level:     l.level,
		format:    l.format,
		service:   l.service,
		component: component,
		output:    l.output,
	}
}

// SetLevel dynamically updates the log level.
func (l *ProductionLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = strings.ToUpper(level)
}

// SetOutput changes the output writer (useful for testing).
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log("DEBUG", msg, fields)
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log("ERROR", msg, fields)
}

func (l *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("DEBUG", msg, l.withTrace(ctx, fields))
}

func (l *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("INFO", msg, l.withTrace(ctx, fields))
}

func (l *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("WARN", msg, l.withTrace(ctx, fields))
}

func (l *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("ERROR", msg, l.withTrace(ctx, fields))
}

func (l *ProductionLogger) withTrace(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	traceID, spanID := extractTraceContext(ctx)
	if traceID == "" {
		return fields
	}
	merged := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		merged[k] = v
	}
	merged["trace_id"] = traceID
	merged["span_id"] = spanID
	return merged
}

func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *ProductionLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.service,
		"message":   msg,
	}
	if l.component != "" {
		entry["component"] = l.component
	}
	for k, v := range fields {
		if k != "timestamp" && k != "level" && k != "service" && k != "message" {
			entry[k] = v
		}
	}

	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *ProductionLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var fieldStr strings.Builder
	if len(fields) > 0 {
		fieldStr.WriteString(" ")
		// Operation and error first for readability
		if op, ok := fields["operation"]; ok {
			fieldStr.WriteString(fmt.Sprintf("operation=%v ", op))
		}
		if err, ok := fields["error"]; ok {
			fieldStr.WriteString(fmt.Sprintf("error=%q ", fmt.Sprintf("%v", err)))
		}
		for k, v := range fields {
			if k == "operation" || k == "error" {
				continue
			}
			fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
		}
	}

	name := l.service
	if l.component != "" {
		name = l.service + "/" + l.component
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n", timestamp, level, name, msg, fieldStr.String())
}

func (l *ProductionLogger) shouldLog(level string) bool {
	levels := map[string]int{
		"DEBUG": 0,
		"INFO":  1,
		"WARN":  2,
		"ERROR": 3,
	}

	current, ok1 := levels[l.level]
	message, ok2 := levels[level]
	if !ok1 || !ok2 {
		return true
	}
	return message >= current
}
