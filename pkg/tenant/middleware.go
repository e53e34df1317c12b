// Package tenant resolves which tenant an inbound request belongs to
// and keeps sessions from silently migrating between tenants.
package tenant

import (
	"net/http"
	"strings"

	"github.com/gatehouse-id/gatehouse/pkg/contextkeys"
	"github.com/gatehouse-id/gatehouse/pkg/httputil"
	"github.com/gatehouse-id/gatehouse/pkg/observability"
	"github.com/gatehouse-id/gatehouse/pkg/session"
)

// SessionTenantKey is the session slot holding the bound tenant id.
const SessionTenantKey = "tenant_id"

// ForwardedPrefixHeader tells downstream issuer/URL computation which
// tenant segment the request arrived under.
const ForwardedPrefixHeader = "X-Forwarded-Prefix"

// excludedSegments are leading path segments that can never be tenant
// ids.
var excludedSegments = map[string]struct{}{
	"login":       {},
	"sso":         {},
	"sas":         {},
	"oauth":       {},
	"public":      {},
	"health":      {},
	"metrics":     {},
	".well-known": {},
}

// oidcSubPaths are the provider-facing sub-paths that may carry a
// tenant segment in front of them.
var oidcSubPaths = []string{
	"oauth2/",
	".well-known/",
	"connect/",
	"login",
	"userinfo",
}

// Resolver binds inbound requests to tenants.
type Resolver struct {
	sessions *session.Manager
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewResolver creates a tenant resolver.
func NewResolver(sessions *session.Manager, logger *observability.Logger, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		sessions: sessions,
		logger:   logger,
		metrics:  metrics,
	}
}

// Middleware resolves the tenant for each request and exposes it, with
// the loaded session, through the request context. Resolution order is
// path segment, then the tenant query parameter, then the session.
//
// When the resolved tenant differs from the one already bound to the
// session, the session is invalidated and a fresh one is bound to the
// new tenant before the request proceeds.
func (t *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		sess, err := t.sessions.Load(ctx, r)
		if err != nil {
			t.logger.WithError(err).Error("failed to load session")
			httputil.WriteErrorMessage(w, http.StatusInternalServerError, "session unavailable")
			return
		}

		tenantID, fromPath := tenantFromRequest(r)
		if tenantID == "" {
			tenantID = sess.Get(SessionTenantKey)
		}

		if tenantID != "" {
			bound := sess.Get(SessionTenantKey)
			if bound != "" && bound != tenantID {
				sess, err = sess.Invalidate(ctx, w)
				if err != nil {
					t.logger.WithError(err).Error("failed to invalidate session on tenant change")
					httputil.WriteErrorMessage(w, http.StatusInternalServerError, "session unavailable")
					return
				}
				t.metrics.TenantSessionRebindsTotal.Inc()
				t.logger.WithFields(map[string]interface{}{
					"old_tenant": bound,
					"new_tenant": tenantID,
				}).Info("session rebound to new tenant")
			}
			if sess.Get(SessionTenantKey) != tenantID {
				sess.Set(SessionTenantKey, tenantID)
				if err := sess.Save(ctx, w); err != nil {
					t.logger.WithError(err).Error("failed to persist session tenant binding")
					httputil.WriteErrorMessage(w, http.StatusInternalServerError, "session unavailable")
					return
				}
			}

			if fromPath && r.Header.Get(ForwardedPrefixHeader) == "" {
				r.Header.Set(ForwardedPrefixHeader, "/"+tenantID)
			}
		}

		ctx = contextkeys.WithTenant(ctx, tenantID)
		ctx = session.WithContext(ctx, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tenantFromRequest extracts a tenant id from the request path or the
// tenant query parameter. The second return value reports a path match
// on a provider-facing sub-path.
func tenantFromRequest(r *http.Request) (string, bool) {
	segment, rest := splitPath(r.URL.Path)
	if segment != "" {
		if _, excluded := excludedSegments[segment]; !excluded && isOIDCSubPath(rest) {
			return segment, true
		}
	}

	if tenantID := r.URL.Query().Get("tenant"); tenantID != "" {
		return tenantID, false
	}
	if tenantID := r.URL.Query().Get("tenantId"); tenantID != "" {
		return tenantID, false
	}

	return "", false
}

// splitPath splits /<segment>/<rest> into its parts.
func splitPath(path string) (segment, rest string) {
	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		return "", ""
	}
	return trimmed[:idx], trimmed[idx+1:]
}

func isOIDCSubPath(rest string) bool {
	for _, p := range oidcSubPaths {
		if strings.HasSuffix(p, "/") {
			if strings.HasPrefix(rest, p) {
				return true
			}
		} else if rest == p {
			return true
		}
	}
	return false
}
