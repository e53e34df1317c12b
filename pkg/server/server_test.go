package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-id/gatehouse/pkg/bff"
	"github.com/gatehouse-id/gatehouse/pkg/config"
	"github.com/gatehouse-id/gatehouse/pkg/directory"
	"github.com/gatehouse-id/gatehouse/pkg/observability"
	"github.com/gatehouse-id/gatehouse/pkg/session"
)

// emptyDirectory satisfies directory.Directory with not-found answers,
// enough to exercise routing and middleware.
type emptyDirectory struct{}

func (emptyDirectory) GetTenant(ctx context.Context, id string) (*directory.Tenant, error) {
	return nil, directory.ErrTenantNotFound
}

func (emptyDirectory) GetTenantByName(ctx context.Context, name string) (*directory.Tenant, error) {
	return nil, directory.ErrTenantNotFound
}

func (emptyDirectory) CreateTenant(ctx context.Context, name, domain string) (*directory.Tenant, error) {
	return nil, directory.ErrTenantNotFound
}

func (emptyDirectory) GetUserByEmail(ctx context.Context, tenantID, email string) (*directory.User, error) {
	return nil, directory.ErrUserNotFound
}

func (emptyDirectory) GetActiveUserByEmail(ctx context.Context, email string) (*directory.User, error) {
	return nil, directory.ErrUserNotFound
}

func (emptyDirectory) CreateUser(ctx context.Context, user *directory.User) error {
	return nil
}

func (emptyDirectory) HasUsers(ctx context.Context, tenantID string) (bool, error) {
	return false, nil
}

func (emptyDirectory) ReactivateUser(ctx context.Context, id string) error { return nil }
func (emptyDirectory) DeactivateUser(ctx context.Context, id string) error { return nil }
func (emptyDirectory) TouchLastLogin(ctx context.Context, id string) error { return nil }
func (emptyDirectory) MarkEmailVerified(ctx context.Context, id string) error {
	return nil
}

func (emptyDirectory) GetInvitation(ctx context.Context, id string) (*directory.Invitation, error) {
	return nil, directory.ErrInvitationNotFound
}

func (emptyDirectory) GetAcceptableInvitation(ctx context.Context, id, email string) (*directory.Invitation, error) {
	return nil, directory.ErrInvitationNotFound
}

func (emptyDirectory) MarkInvitationAccepted(ctx context.Context, id string) error {
	return nil
}

func (emptyDirectory) GetProviderConfig(ctx context.Context, tenantID, provider string) (*directory.ProviderConfig, error) {
	return nil, directory.ErrProviderNotFound
}

func (emptyDirectory) ListEnabledProviders(ctx context.Context, tenantID string) ([]*directory.ProviderConfig, error) {
	return nil, nil
}

func (emptyDirectory) FindTenantByEmailDomain(ctx context.Context, emailDomain string) (*directory.Tenant, error) {
	return nil, directory.ErrTenantNotFound
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			PublicBaseURL: "https://id.example.com",
		},
		Session: config.SessionConfig{
			TTL: time.Hour,
		},
		State: config.StateConfig{
			Secret: "0123456789abcdef0123456789abcdef",
			TTL:    10 * time.Minute,
		},
		OAuth: config.OAuthConfig{
			DefaultIssuerURL:   "https://issuer.example.com",
			DefaultClientID:    "gatehouse",
			DefaultScopes:      []string{"openid", "email"},
			FrontendBaseURL:    "https://app.example.com",
			DevExchangeEnabled: true,
			DevTicketTTL:       time.Minute,
		},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	srv, err := NewServer(testConfig(), emptyDirectory{}, session.NewMemoryStore(), logger, metrics)
	require.NoError(t, err)
	return srv
}

func TestServer_ProvidersRoute(t *testing.T) {
	srv := newTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/sso/providers?tenant=t1", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestServer_UnknownRoute(t *testing.T) {
	srv := newTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/nope", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_LoginWithoutRegistrationFails(t *testing.T) {
	srv := newTestServer(t)

	// A real tenant with no provider registration cannot start a login.
	r := httptest.NewRequest(http.MethodGet, "/oauth/login?tenant=t1", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)

	require.Equal(t, http.StatusFound, w.Code)
	assert.Contains(t, w.Header().Get("Location"), "error=oauth_failed")
}

func TestServer_DevExchangeEnabled(t *testing.T) {
	srv := newTestServer(t)
	require.NotNil(t, srv.Tickets())

	ticket := srv.Tickets().Issue(bff.TicketTokens{AccessToken: "tok-a", RefreshToken: "tok-r"})

	r := httptest.NewRequest(http.MethodGet, "/oauth/dev-exchange?ticket="+ticket, nil)
	r.Host = "localhost:8080"
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)

	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "tok-a", w.Header().Get("X-Access-Token"))
}

func TestHealthHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	observability.NewMetrics(registry)
	h := NewHealthHandler(nil, registry)

	for _, path := range []string{"/health", "/ready"} {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		require.Equal(t, http.StatusOK, w.Code, path)

		var status struct {
			Status string `json:"status"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
		assert.Equal(t, "ok", status.Status)
	}

	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}
