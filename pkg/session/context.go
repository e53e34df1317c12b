package session

import (
	"context"

	"github.com/gatehouse-id/gatehouse/pkg/contextkeys"
)

// WithContext binds the session to the request context.
func WithContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, contextkeys.SessionKey, s)
}

// FromContext returns the session bound to the context, or nil.
func FromContext(ctx context.Context) *Session {
	if s, ok := ctx.Value(contextkeys.SessionKey).(*Session); ok {
		return s
	}
	return nil
}
