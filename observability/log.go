// Package observability carries the ambient concerns of the crypto
// subsystem: structured logging scoped by room/user/session context,
// Prometheus metrics, and the best-effort event bus.
package observability

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	// ContextKeyRoomID scopes log records to the room being processed.
	ContextKeyRoomID contextKey = "room_id"
	// ContextKeyUserID scopes log records to the acting virtual user.
	ContextKeyUserID contextKey = "user_id"
	// ContextKeySessionID scopes log records to a megolm session.
	ContextKeySessionID contextKey = "session_id"
)

// WithRoomID returns ctx annotated with a room id for logging.
func WithRoomID(ctx context.Context, roomID string) context.Context {
	return context.WithValue(ctx, ContextKeyRoomID, roomID)
}

// WithUserID returns ctx annotated with a user id for logging.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ContextKeyUserID, userID)
}

// WithSessionID returns ctx annotated with a session id for logging.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

var _ slog.Handler = scopeContextHandler{}

// scopeContextHandler copies the crypto scope values out of the context
// onto every record, so call sites don't have to thread loggers around.
type scopeContextHandler struct {
	handler slog.Handler
}

// NewLogger wraps handler so records pick up the room/user/session scope
// from their context.
func NewLogger(handler slog.Handler) *slog.Logger {
	return slog.New(scopeContextHandler{handler: handler})
}

func (h scopeContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h scopeContextHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, key := range []contextKey{ContextKeyRoomID, ContextKeyUserID, ContextKeySessionID} {
		if v, ok := ctx.Value(key).(string); ok {
			record.AddAttrs(slog.String(string(key), v))
		}
	}
	return h.handler.Handle(ctx, record)
}

func (h scopeContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return scopeContextHandler{h.handler.WithAttrs(attrs)}
}

func (h scopeContextHandler) WithGroup(name string) slog.Handler {
	return scopeContextHandler{h.handler.WithGroup(name)}
}
