package types

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	sessionKey   contextKey = "session_id"
)

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithSessionID stores the monitored session identifier in the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey, id)
}

// GetSessionID retrieves the monitored session identifier from the context.
func GetSessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey).(string)
	return id
}
