package clients

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-id/gatehouse/pkg/directory"
	"github.com/gatehouse-id/gatehouse/pkg/observability"
)

type fakeProviders struct {
	configs map[string]*directory.ProviderConfig
	calls   int
}

func (f *fakeProviders) GetProviderConfig(ctx context.Context, tenantID, provider string) (*directory.ProviderConfig, error) {
	f.calls++
	cfg, ok := f.configs[tenantID+"/"+provider]
	if !ok {
		return nil, directory.ErrProviderNotFound
	}
	return cfg, nil
}

func (f *fakeProviders) ListEnabledProviders(ctx context.Context, tenantID string) ([]*directory.ProviderConfig, error) {
	return nil, nil
}

func (f *fakeProviders) FindTenantByEmailDomain(ctx context.Context, emailDomain string) (*directory.Tenant, error) {
	return nil, directory.ErrTenantNotFound
}

// newDiscoveryServer serves a minimal OIDC discovery document whose
// issuer matches its own address.
func newDiscoveryServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"issuer": %q,
			"authorization_endpoint": %q,
			"token_endpoint": %q,
			"jwks_uri": %q
		}`, server.URL, server.URL+"/authorize", server.URL+"/token", server.URL+"/keys")
	})

	return server
}

func newTestResolver(t *testing.T, providers directory.Providers, cfg Config) *Resolver {
	t.Helper()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return NewResolver(providers, cfg, logger, metrics)
}

func TestResolver_TenantRegistration(t *testing.T) {
	issuer := newDiscoveryServer(t)

	providers := &fakeProviders{configs: map[string]*directory.ProviderConfig{
		"t1/okta": {
			TenantID:  "t1",
			Provider:  "okta",
			IssuerURL: issuer.URL,
			ClientID:  "tenant-client",
			Scopes:    []string{"openid", "email"},
		},
	}}

	resolver := newTestResolver(t, providers, Config{RedirectURL: "https://gatehouse.example.com/oauth/callback"})

	client, err := resolver.Resolve(context.Background(), "t1", "okta")
	require.NoError(t, err)
	assert.Equal(t, "tenant-client", client.OAuth2.ClientID)
	assert.Equal(t, issuer.URL+"/authorize", client.OAuth2.Endpoint.AuthURL)
	assert.Equal(t, "https://gatehouse.example.com/oauth/callback", client.OAuth2.RedirectURL)
}

func TestResolver_OnboardingPseudoTenant(t *testing.T) {
	issuer := newDiscoveryServer(t)

	providers := &fakeProviders{configs: map[string]*directory.ProviderConfig{}}
	resolver := newTestResolver(t, providers, Config{
		Defaults: Defaults{
			IssuerURL: issuer.URL,
			ClientID:  "default-client",
			Scopes:    []string{"openid"},
		},
		RedirectURL: "https://gatehouse.example.com/oauth/callback",
	})

	client, err := resolver.Resolve(context.Background(), OnboardingTenant, "google")
	require.NoError(t, err)
	assert.Equal(t, "default-client", client.OAuth2.ClientID)
	// The pseudo-tenant never touches tenant-scoped registrations.
	assert.Zero(t, providers.calls)
}

func TestResolver_NoTenantBound(t *testing.T) {
	resolver := newTestResolver(t, &fakeProviders{}, Config{})

	_, err := resolver.Resolve(context.Background(), "", "okta")
	assert.ErrorIs(t, err, ErrNoRegistration)
}

func TestResolver_UnknownProvider(t *testing.T) {
	providers := &fakeProviders{configs: map[string]*directory.ProviderConfig{}}
	resolver := newTestResolver(t, providers, Config{})

	_, err := resolver.Resolve(context.Background(), "t1", "ghost")
	assert.ErrorIs(t, err, ErrNoRegistration)
}

func TestResolver_CachesAndInvalidates(t *testing.T) {
	issuer := newDiscoveryServer(t)

	providers := &fakeProviders{configs: map[string]*directory.ProviderConfig{
		"t1/okta": {
			TenantID:  "t1",
			Provider:  "okta",
			IssuerURL: issuer.URL,
			ClientID:  "tenant-client",
		},
	}}

	resolver := newTestResolver(t, providers, Config{
		RedirectURL: "https://gatehouse.example.com/oauth/callback",
		CacheSize:   8,
		CacheTTL:    time.Minute,
	})

	_, err := resolver.Resolve(context.Background(), "t1", "okta")
	require.NoError(t, err)
	_, err = resolver.Resolve(context.Background(), "t1", "okta")
	require.NoError(t, err)
	assert.Equal(t, 1, providers.calls)

	resolver.Invalidate("t1", "okta")
	_, err = resolver.Resolve(context.Background(), "t1", "okta")
	require.NoError(t, err)
	assert.Equal(t, 2, providers.calls)
}

func TestResolver_DiscoveryFailure(t *testing.T) {
	providers := &fakeProviders{configs: map[string]*directory.ProviderConfig{
		"t1/okta": {
			TenantID:  "t1",
			Provider:  "okta",
			IssuerURL: "https://unreachable.invalid",
			ClientID:  "tenant-client",
		},
	}}

	resolver := newTestResolver(t, providers, Config{})
	resolver.discover = func(ctx context.Context, issuerURL string) (*oidc.Provider, error) {
		return nil, fmt.Errorf("connection refused")
	}

	_, err := resolver.Resolve(context.Background(), "t1", "okta")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoRegistration)
}
