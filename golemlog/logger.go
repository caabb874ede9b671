// Package golemlog provides the structured JSON logger shared by every
// component: one line per event, with request/trace correlation when a
// span is present on the context.
package golemlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// serviceName is stamped onto every log line.
const serviceName = "golem-mcp"

// Logger writes newline-delimited JSON log entries to writer, guarded by
// a mutex so concurrent callers never interleave a line.
type Logger struct {
	mu     sync.Mutex
	writer io.Writer
	fields map[string]any
}

// New constructs a Logger writing to writer.
func New(writer io.Writer) *Logger {
	return &Logger{writer: writer}
}

// With returns a child Logger that merges kv into every entry it emits,
// in addition to whatever fields the caller passes per call.
func (l *Logger) With(kv ...any) *Logger {
	merged := make(map[string]any, len(l.fields)+len(kv)/2)
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range kvToFields(kv) {
		merged[k] = v
	}
	return &Logger{writer: l.writer, fields: merged}
}

// Log emits a single structured entry at level with the given fields map,
// pulling trace/span ids from ctx when a span is present.
func (l *Logger) Log(ctx context.Context, level, message string, fields map[string]any) {
	entry := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"service":   serviceName,
		"level":     strings.ToUpper(level),
		"message":   message,
		"event":     message,
	}

	if ctx != nil {
		if span := trace.SpanFromContext(ctx); span != nil {
			spanCtx := span.SpanContext()
			if spanCtx.IsValid() {
				entry["trace_id"] = spanCtx.TraceID().String()
				entry["span_id"] = spanCtx.SpanID().String()
			}
		}
	}

	for k, v := range l.fields {
		entry[k] = v
	}
	for k, v := range fields {
		entry[k] = v
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.writer.Write(payload)
	_, _ = l.writer.Write([]byte("\n"))
}

// Debug logs at debug level using context.Background and key/value pairs.
func (l *Logger) Debug(message string, kv ...any) {
	l.Log(context.Background(), "debug", message, kvToFields(kv))
}

// Info logs at info level using context.Background and key/value pairs.
func (l *Logger) Info(message string, kv ...any) {
	l.Log(context.Background(), "info", message, kvToFields(kv))
}

// Warn logs at warn level using context.Background and key/value pairs.
func (l *Logger) Warn(message string, kv ...any) {
	l.Log(context.Background(), "warn", message, kvToFields(kv))
}

// Error logs at error level using context.Background and key/value pairs.
func (l *Logger) Error(message string, kv ...any) {
	l.Log(context.Background(), "error", message, kvToFields(kv))
}

// InfoContext logs at info level, attaching trace/span ids from ctx.
func (l *Logger) InfoContext(ctx context.Context, message string, kv ...any) {
	l.Log(ctx, "info", message, kvToFields(kv))
}

// ErrorContext logs at error level, attaching trace/span ids from ctx.
func (l *Logger) ErrorContext(ctx context.Context, message string, kv ...any) {
	l.Log(ctx, "error", message, kvToFields(kv))
}

// kvToFields folds an alternating key/value slice into a map; a trailing
// unpaired key is stamped with a marker value rather than dropped silently.
func kvToFields(kv []any) map[string]any {
	fields := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[i])
		}
		fields[key] = kv[i+1]
	}
	if len(kv)%2 == 1 {
		fields["_extra"] = kv[len(kv)-1]
	}
	return fields
}
