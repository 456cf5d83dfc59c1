// Package ctxkeys defines the typed context keys shared across the request
// path, so packages do not collide on string keys.
package ctxkeys

import (
	"context"

	"github.com/olumi/cee/types"
)

type contextKey string

const (
	requestIDKey     contextKey = "request_id"
	correlationIDKey contextKey = "correlation_id"
	callerKey        contextKey = "caller_context"
)

// WithRequestID stores the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id, or "" when unset.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithCorrelationID stores the client-supplied correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID returns the correlation id, or "" when unset.
func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}

// WithCaller attaches the authenticated caller context.
func WithCaller(ctx context.Context, caller *types.CallerContext) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// Caller returns the authenticated caller context, or nil before
// authentication ran.
func Caller(ctx context.Context) *types.CallerContext {
	v, _ := ctx.Value(callerKey).(*types.CallerContext)
	return v
}
