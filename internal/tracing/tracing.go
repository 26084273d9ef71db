// Package tracing carries the per-request trace id through context and
// bootstraps the OpenTelemetry pipeline when telemetry is enabled.
package tracing

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

type ctxKey int

const (
	traceIDKey ctxKey = iota
	sessionIDKey
)

// WithTraceID returns a context carrying the given trace id.
func WithTraceID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// TraceIDFromContext returns the trace id carried by ctx, or uuid.Nil.
func TraceIDFromContext(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(traceIDKey).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

// EnsureTraceID returns ctx with a trace id set, generating one when
// absent. An active OTel span wins: its 16-byte trace id becomes the
// uuid, so log lines and exported spans correlate.
func EnsureTraceID(ctx context.Context) (context.Context, uuid.UUID) {
	if id := TraceIDFromContext(ctx); id != uuid.Nil {
		return ctx, id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		tid := sc.TraceID()
		if id, err := uuid.FromBytes(tid[:]); err == nil {
			return WithTraceID(ctx, id), id
		}
	}
	id := uuid.New()
	return WithTraceID(ctx, id), id
}

// WithSessionID tags ctx with the session the work belongs to.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// SessionIDFromContext returns the session id carried by ctx, or "".
func SessionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey).(string); ok {
		return id
	}
	return ""
}

// Detach returns a fresh background context preserving trace and session
// values from ctx but not its cancellation. Used for cleanup work that
// must survive a cancelled run.
func Detach(ctx context.Context) context.Context {
	out := context.Background()
	if id := TraceIDFromContext(ctx); id != uuid.Nil {
		out = WithTraceID(out, id)
	}
	if sid := SessionIDFromContext(ctx); sid != "" {
		out = WithSessionID(out, sid)
	}
	return out
}
