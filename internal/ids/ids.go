// Package ids centralises identifier generation. Entity IDs and trace IDs are
// opaque UUIDs; nothing else in the codebase calls uuid directly so the
// format can change in one place.
package ids

import (
	"context"

	"github.com/google/uuid"
)

// New returns a fresh entity identifier.
func New() string {
	return uuid.NewString()
}

// NewTraceID returns a fresh request trace identifier.
func NewTraceID() string {
	return uuid.NewString()
}

// Valid reports whether id parses as a UUID.
func Valid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

type traceKey struct{}

// WithTraceID stores a trace id on the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID returns the trace id from the context, minting one when absent so
// writes always carry a value.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return NewTraceID()
}

// TraceIDIfAny returns the trace id from the context without minting.
func TraceIDIfAny(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(traceKey{}).(string)
	return v, ok && v != ""
}
