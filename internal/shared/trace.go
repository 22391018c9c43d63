package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type userIDKey struct{}
type eventKindKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithUserID attaches the end-user an event belongs to.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserID extracts the end-user id (0 if absent).
func UserID(ctx context.Context) int64 {
	if v, ok := ctx.Value(userIDKey{}).(int64); ok {
		return v
	}
	return 0
}

// WithEventKind attaches the inbound event kind (private_message, admin_reply, ...).
func WithEventKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, eventKindKey{}, kind)
}

// EventKind extracts the event kind. Returns "" if absent.
func EventKind(ctx context.Context) string {
	if v, ok := ctx.Value(eventKindKey{}).(string); ok {
		return v
	}
	return ""
}
