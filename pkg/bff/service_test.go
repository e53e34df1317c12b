package bff

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-id/gatehouse/pkg/clients"
	"github.com/gatehouse-id/gatehouse/pkg/directory"
	"github.com/gatehouse-id/gatehouse/pkg/observability"
	"github.com/gatehouse-id/gatehouse/pkg/session"
	"github.com/gatehouse-id/gatehouse/pkg/tenant"
)

type stubProviders struct {
	configs map[string]*directory.ProviderConfig
}

func (f *stubProviders) GetProviderConfig(ctx context.Context, tenantID, provider string) (*directory.ProviderConfig, error) {
	cfg, ok := f.configs[tenantID+"/"+provider]
	if !ok {
		return nil, directory.ErrProviderNotFound
	}
	return cfg, nil
}

func (f *stubProviders) ListEnabledProviders(ctx context.Context, tenantID string) ([]*directory.ProviderConfig, error) {
	return nil, nil
}

func (f *stubProviders) FindTenantByEmailDomain(ctx context.Context, emailDomain string) (*directory.Tenant, error) {
	return nil, directory.ErrTenantNotFound
}

// testProvider is an httptest identity provider: OIDC discovery plus a
// scriptable token endpoint.
type testProvider struct {
	server     *httptest.Server
	tokenCalls atomic.Int64
	tokenFunc  func(w http.ResponseWriter, r *http.Request)
}

func newTestProvider(t *testing.T) *testProvider {
	t.Helper()

	p := &testProvider{}
	mux := http.NewServeMux()
	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"issuer": %q,
			"authorization_endpoint": %q,
			"token_endpoint": %q,
			"jwks_uri": %q
		}`, p.server.URL, p.server.URL+"/authorize", p.server.URL+"/token", p.server.URL+"/keys")
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		p.tokenCalls.Add(1)
		if p.tokenFunc != nil {
			p.tokenFunc(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-1","token_type":"bearer","refresh_token":"rt-1","expires_in":3600}`)
	})

	return p
}

func newTestService(t *testing.T, provider *testProvider) *Service {
	t.Helper()

	providers := &stubProviders{configs: map[string]*directory.ProviderConfig{
		"t1/default": {
			TenantID:  "t1",
			Provider:  DefaultProvider,
			IssuerURL: provider.server.URL,
			ClientID:  "t1-client",
			Scopes:    []string{"openid", "email"},
		},
	}}

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	resolver := clients.NewResolver(providers, clients.Config{
		RedirectURL: "https://gatehouse.example.com/oauth/callback",
	}, logger, metrics)

	return NewService(resolver, Config{
		FrontendBaseURL: "https://app.example.com",
		UpstreamTimeout: 5 * time.Second,
	}, logger, metrics)
}

func newBoundSession(t *testing.T, tenantID string) *session.Session {
	t.Helper()
	manager := session.NewManager(session.NewMemoryStore(), time.Hour, false)
	sess, err := manager.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.Set(tenant.SessionTenantKey, tenantID)
	return sess
}

func startLogin(t *testing.T, svc *Service, sess *session.Session) (authURL *url.URL, state string) {
	t.Helper()
	started, err := svc.StartLogin(context.Background(), sess, "", "", "")
	require.NoError(t, err)
	// The callback consumes the attempt from the persisted store, the
	// way the browser round trip does.
	require.NoError(t, sess.Save(context.Background(), httptest.NewRecorder()))
	parsed, err := url.Parse(started.AuthURL)
	require.NoError(t, err)
	return parsed, started.State
}

func TestStartLogin_BuildsAuthorizeURL(t *testing.T) {
	provider := newTestProvider(t)
	svc := newTestService(t, provider)
	sess := newBoundSession(t, "t1")

	authURL, state := startLogin(t, svc, sess)

	q := authURL.Query()
	assert.Equal(t, "/authorize", authURL.Path)
	assert.Equal(t, "t1-client", q.Get("client_id"))
	assert.Equal(t, "t1", q.Get("tenant"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.NotEmpty(t, state)
	assert.Equal(t, "https://gatehouse.example.com/oauth/callback", q.Get("redirect_uri"))

	// The attempt is persisted server-side, keyed by state.
	assert.NotEmpty(t, sess.Get(sessionStatePrefix+state))
}

func TestStartLogin_ProviderUnavailable(t *testing.T) {
	provider := newTestProvider(t)
	svc := newTestService(t, provider)
	sess := newBoundSession(t, "tenant-without-registration")

	_, err := svc.StartLogin(context.Background(), sess, "", "", "")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestResolveRedirectTarget(t *testing.T) {
	svc := newTestService(t, newTestProvider(t))

	tests := []struct {
		name       string
		redirectTo string
		referrer   string
		want       string
	}{
		{"absolute target kept", "https://app.example.com/dash", "", "https://app.example.com/dash"},
		{"relative target falls back to referrer", "/dash", "https://ref.example.com/page", "https://ref.example.com/page"},
		{"scheme-less target rejected", "app.example.com/dash", "", "https://app.example.com"},
		{"nothing absolute falls back to frontend", "", "", "https://app.example.com"},
		{"non-http scheme rejected", "javascript:alert(1)", "", "https://app.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, svc.resolveRedirectTarget(tt.redirectTo, tt.referrer))
		})
	}
}

func TestHandleCallback_UnknownStateRejected(t *testing.T) {
	provider := newTestProvider(t)
	svc := newTestService(t, provider)
	sess := newBoundSession(t, "t1")

	_, err := svc.HandleCallback(context.Background(), sess, "code-1", "state-nobody-started")
	assert.ErrorIs(t, err, ErrInvalidCallback)
	assert.Zero(t, provider.tokenCalls.Load())
}

func TestHandleCallback_StateIsSingleUse(t *testing.T) {
	provider := newTestProvider(t)
	svc := newTestService(t, provider)
	sess := newBoundSession(t, "t1")

	_, state := startLogin(t, svc, sess)

	result, err := svc.HandleCallback(context.Background(), sess, "code-1", state)
	require.NoError(t, err)
	assert.Equal(t, "at-1", result.Token.AccessToken)
	assert.Equal(t, "rt-1", result.Token.RefreshToken)
	assert.Equal(t, "https://app.example.com", result.RedirectTo)
	assert.Equal(t, "t1", result.TenantID)

	// Replaying the same callback fails: the state was consumed.
	_, err = svc.HandleCallback(context.Background(), sess, "code-1", state)
	assert.ErrorIs(t, err, ErrInvalidCallback)
	assert.Equal(t, int64(1), provider.tokenCalls.Load())
}

func TestHandleCallback_SendsCodeVerifier(t *testing.T) {
	provider := newTestProvider(t)
	var gotVerifier string
	provider.tokenFunc = func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotVerifier = r.Form.Get("code_verifier")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-1","token_type":"bearer"}`)
	}

	svc := newTestService(t, provider)
	sess := newBoundSession(t, "t1")
	authURL, state := startLogin(t, svc, sess)

	_, err := svc.HandleCallback(context.Background(), sess, "code-1", state)
	require.NoError(t, err)
	require.NotEmpty(t, gotVerifier)
	assert.Equal(t, authURL.Query().Get("code_challenge"), codeChallengeS256(gotVerifier))
}

func TestHandleCallback_ExchangeFailure(t *testing.T) {
	provider := newTestProvider(t)
	provider.tokenFunc = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}

	svc := newTestService(t, provider)
	sess := newBoundSession(t, "t1")
	_, state := startLogin(t, svc, sess)

	_, err := svc.HandleCallback(context.Background(), sess, "code-1", state)
	assert.ErrorIs(t, err, ErrExchangeFailed)
}

func TestRefresh_NoTokenNeverCallsUpstream(t *testing.T) {
	provider := newTestProvider(t)
	svc := newTestService(t, provider)

	_, err := svc.Refresh(context.Background(), "t1", "", "")
	assert.ErrorIs(t, err, ErrNoRefreshToken)
	assert.Zero(t, provider.tokenCalls.Load())
}

func TestRefresh_ReissuesTokens(t *testing.T) {
	provider := newTestProvider(t)
	svc := newTestService(t, provider)

	token, err := svc.Refresh(context.Background(), "t1", "", "rt-old")
	require.NoError(t, err)
	assert.Equal(t, "at-1", token.AccessToken)
	assert.Equal(t, int64(1), provider.tokenCalls.Load())
}
