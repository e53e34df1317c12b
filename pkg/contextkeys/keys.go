// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// TenantKey contains the resolved tenant id string
	// Set by: tenant.Resolver.Middleware (pkg/tenant/middleware.go)
	// Required by: dynamic client resolution, post-login dispatch
	// Type: string
	TenantKey Key = "tenant_id"

	// SessionKey contains *session.Session for the current browser
	// Set by: tenant.Resolver.Middleware (pkg/tenant/middleware.go)
	// Required by: tenant resolver, BFF service, flow dispatcher
	// Type: *session.Session
	SessionKey Key = "web_session"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: logger, audit trail
	// Type: string
	RequestIDKey Key = "request_id"
)

// WithTenant adds the resolved tenant id to the context
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantKey, tenantID)
}

// Tenant returns the resolved tenant id, or "" when none is bound
func Tenant(ctx context.Context) string {
	if v, ok := ctx.Value(TenantKey).(string); ok {
		return v
	}
	return ""
}

// WithRequestID adds the request id to the context
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// RequestID returns the request id, or "" when unset
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(RequestIDKey).(string); ok {
		return v
	}
	return ""
}
