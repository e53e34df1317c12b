// Package clients resolves the OAuth2/OIDC client registration to use
// for a given tenant and identity provider.
package clients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/oauth2"

	"github.com/gatehouse-id/gatehouse/pkg/directory"
	"github.com/gatehouse-id/gatehouse/pkg/observability"
)

// OnboardingTenant is the pseudo-tenant used during tenant
// self-registration, before any real tenant record exists. It resolves
// to the process-wide default client credentials.
const OnboardingTenant = "sso-onboarding"

// ErrNoRegistration means no usable client exists for the tenant and
// provider. Callers treat this as "cannot offer this provider here",
// not as a server error.
var ErrNoRegistration = errors.New("no client registration for tenant and provider")

// Client is a resolved, discovery-complete provider client.
type Client struct {
	TenantID      string
	Provider      string
	OAuth2        *oauth2.Config
	OIDC          *oidc.Provider
	Verifier      *oidc.IDTokenVerifier
	AutoProvision bool
}

// Defaults holds the process-wide client credentials used for the
// onboarding pseudo-tenant.
type Defaults struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Config holds resolver construction parameters.
type Config struct {
	Defaults Defaults

	// RedirectURL is the shared OAuth callback for every tenant.
	RedirectURL string

	CacheSize int
	CacheTTL  time.Duration
}

// Resolver resolves and caches provider clients per tenant.
type Resolver struct {
	providers directory.Providers
	config    Config

	cache   *lru.LRU[string, *Client]
	logger  *observability.Logger
	metrics *observability.Metrics

	// discover is swapped out in tests.
	discover func(ctx context.Context, issuerURL string) (*oidc.Provider, error)
}

// NewResolver creates a resolver with a TTL-bounded client cache.
func NewResolver(providers directory.Providers, config Config, logger *observability.Logger, metrics *observability.Metrics) *Resolver {
	if config.CacheSize <= 0 {
		config.CacheSize = 128
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 5 * time.Minute
	}

	return &Resolver{
		providers: providers,
		config:    config,
		cache:     lru.NewLRU[string, *Client](config.CacheSize, nil, config.CacheTTL),
		logger:    logger,
		metrics:   metrics,
		discover:  oidc.NewProvider,
	}
}

// Resolve returns the client registration for tenantID and provider.
// The tenant id must come from the session, not the request path; by
// the time a client is needed the browser is mid-redirect and only the
// session reliably carries tenant identity.
func (r *Resolver) Resolve(ctx context.Context, tenantID, provider string) (*Client, error) {
	if tenantID == "" {
		return nil, ErrNoRegistration
	}

	key := tenantID + "/" + provider
	if client, ok := r.cache.Get(key); ok {
		r.metrics.ClientCacheHitsTotal.Inc()
		return client, nil
	}
	r.metrics.ClientCacheMissesTotal.Inc()

	client, err := r.build(ctx, tenantID, provider)
	if err != nil {
		return nil, err
	}

	r.cache.Add(key, client)
	return client, nil
}

// Invalidate drops the cached client for tenantID and provider. Call
// it whenever a tenant's provider configuration changes.
func (r *Resolver) Invalidate(tenantID, provider string) {
	r.cache.Remove(tenantID + "/" + provider)
}

func (r *Resolver) build(ctx context.Context, tenantID, provider string) (*Client, error) {
	var (
		issuerURL     string
		clientID      string
		clientSecret  string
		scopes        []string
		autoProvision bool
	)

	if tenantID == OnboardingTenant {
		d := r.config.Defaults
		issuerURL, clientID, clientSecret, scopes = d.IssuerURL, d.ClientID, d.ClientSecret, d.Scopes
	} else {
		cfg, err := r.providers.GetProviderConfig(ctx, tenantID, provider)
		if errors.Is(err, directory.ErrProviderNotFound) {
			return nil, ErrNoRegistration
		} else if err != nil {
			return nil, fmt.Errorf("failed to load provider config: %w", err)
		}
		issuerURL, clientID, clientSecret, scopes = cfg.IssuerURL, cfg.ClientID, cfg.ClientSecret, cfg.Scopes
		autoProvision = cfg.AutoProvision
	}

	if issuerURL == "" || clientID == "" {
		return nil, ErrNoRegistration
	}

	oidcProvider, err := r.discover(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	verifier := oidcProvider.Verifier(&oidc.Config{ClientID: clientID})

	oauth2Config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oidcProvider.Endpoint(),
		RedirectURL:  r.config.RedirectURL,
		Scopes:       scopes,
	}

	return &Client{
		TenantID:      tenantID,
		Provider:      provider,
		OAuth2:        oauth2Config,
		OIDC:          oidcProvider,
		Verifier:      verifier,
		AutoProvision: autoProvision,
	}, nil
}
