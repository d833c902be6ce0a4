// Package util provides small helpers shared by the gateway, the HTTP layer and the stores.
package util

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const traceIDKey contextKey = "trace_id"

// NewTimeoutContext creates a background context with the given timeout.
func NewTimeoutContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// NewContextWithTraceID creates a child context carrying a fresh trace ID.
func NewContextWithTraceID(parent context.Context) context.Context {
	return context.WithValue(parent, traceIDKey, uuid.NewString())
}

// TraceIDFromContext extracts the trace ID from the context, or "".
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}
