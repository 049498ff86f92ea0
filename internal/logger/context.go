package logger

import "context"

// ctxKey keeps this package's context values from colliding with other
// packages'.
type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID stores a request id for later retrieval by RequestID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id stored in ctx, or "" when none is set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
