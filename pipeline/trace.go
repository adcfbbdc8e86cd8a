package pipeline

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// DefaultTraceHeader is the inbound header carrying the correlation id.
const DefaultTraceHeader = "X-Trace-Id"

// TraceEnvVar is how the trace id reaches external drivers.
const TraceEnvVar = "RUNWAY_TRACE_ID"

const maxTraceIDLen = 128

type traceKey struct{}

// NormalizeTraceID trims and bounds a caller-supplied trace id; empty input
// yields "".
func NormalizeTraceID(value string) string {
	v := strings.TrimSpace(value)
	if len(v) > maxTraceIDLen {
		return v[:maxTraceIDLen]
	}
	return v
}

// EnsureTraceID returns a normalized trace id, minting one when absent.
func EnsureTraceID(value string) string {
	if v := NormalizeTraceID(value); v != "" {
		return v
	}
	return uuid.New().String()
}

// WithTraceID attaches a trace id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, NormalizeTraceID(traceID))
}

// TraceIDFrom returns the trace id carried by ctx, or "".
func TraceIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}

// TraceIDFromMetadata pulls a trace id out of opaque run metadata.
func TraceIDFromMetadata(metadata Payload) string {
	if metadata == nil {
		return ""
	}
	if v, ok := metadata["trace_id"].(string); ok {
		return NormalizeTraceID(v)
	}
	return ""
}
