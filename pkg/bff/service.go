// Package bff performs OAuth2 authorization-code exchanges on behalf
// of browser clients, so the browser never sees client secrets or raw
// provider tokens.
package bff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/gatehouse-id/gatehouse/pkg/clients"
	"github.com/gatehouse-id/gatehouse/pkg/observability"
	"github.com/gatehouse-id/gatehouse/pkg/session"
	"github.com/gatehouse-id/gatehouse/pkg/tenant"
)

// DefaultProvider is used when a login request names no provider.
const DefaultProvider = "default"

// sessionStatePrefix namespaces per-attempt login state in the session.
const sessionStatePrefix = "oauth_state_"

// Service errors.
var (
	// ErrProviderUnavailable means no client registration exists for
	// the tenant and provider.
	ErrProviderUnavailable = errors.New("provider unavailable for tenant")

	// ErrInvalidCallback means the callback state was absent from the
	// session or the stored attempt was incomplete. Treated as a
	// forged or stale callback.
	ErrInvalidCallback = errors.New("invalid or expired callback state")

	// ErrExchangeFailed means the token endpoint rejected the grant.
	// Upstream error bodies go to logs, never to the browser.
	ErrExchangeFailed = errors.New("token exchange failed")

	// ErrNoRefreshToken means no refresh token accompanied the request.
	ErrNoRefreshToken = errors.New("no refresh token supplied")
)

// loginAttempt is the per-state record persisted in the session
// between authorize redirect and callback.
type loginAttempt struct {
	Verifier   string `json:"v"`
	TenantID   string `json:"t"`
	Provider   string `json:"p"`
	RedirectTo string `json:"r"`
}

// Config holds service construction parameters.
type Config struct {
	// FrontendBaseURL is the safe default post-login redirect target.
	FrontendBaseURL string

	// UpstreamTimeout bounds every outbound token and revoke call.
	UpstreamTimeout time.Duration

	SecureCookies bool
}

// Service drives the login state machine: Started, AwaitingCallback,
// Exchanged, and the Refreshing/Revoked follow-ups.
type Service struct {
	clients *clients.Resolver
	config  Config
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewService creates a BFF authorization service.
func NewService(resolver *clients.Resolver, config Config, logger *observability.Logger, metrics *observability.Metrics) *Service {
	if config.UpstreamTimeout <= 0 {
		config.UpstreamTimeout = 30 * time.Second
	}
	return &Service{
		clients: resolver,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}
}

// StartResult is a started login attempt.
type StartResult struct {
	// AuthURL is the provider authorize URL to redirect the browser to.
	AuthURL string

	// State is the anti-CSRF value embedded in AuthURL. Flow-start
	// endpoints embed it in their signed flow cookies so the callback
	// can be tied back to the flow that started it.
	State string
}

// StartLogin begins a login attempt for the session's tenant. It
// persists the PKCE verifier and redirect target in the session keyed
// by a fresh state value, and returns the provider authorize URL.
//
// The caller must save the session afterwards.
func (s *Service) StartLogin(ctx context.Context, sess *session.Session, provider, redirectTo, referrer string) (*StartResult, error) {
	if provider == "" {
		provider = DefaultProvider
	}

	tenantID := sess.Get(tenant.SessionTenantKey)
	client, err := s.clients.Resolve(ctx, tenantID, provider)
	if errors.Is(err, clients.ErrNoRegistration) {
		return nil, ErrProviderUnavailable
	} else if err != nil {
		return nil, fmt.Errorf("failed to resolve provider client: %w", err)
	}

	state := newRandomToken(32)
	verifier := newCodeVerifier()

	attempt := loginAttempt{
		Verifier:   verifier,
		TenantID:   tenantID,
		Provider:   provider,
		RedirectTo: s.resolveRedirectTarget(redirectTo, referrer),
	}
	raw, err := json.Marshal(attempt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode login attempt: %w", err)
	}
	sess.Set(sessionStatePrefix+state, string(raw))

	authURL := client.OAuth2.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallengeS256(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("tenant", tenantID),
	)

	s.metrics.LoginStartsTotal.WithLabelValues(provider).Inc()
	s.logger.WithFields(map[string]interface{}{
		"tenant":   tenantID,
		"provider": provider,
	}).Info("login started")

	return &StartResult{AuthURL: authURL, State: state}, nil
}

// resolveRedirectTarget picks the post-login redirect. Only absolute
// URLs are accepted; relative values fall back to the referrer, then
// to the configured frontend. This keeps relative-path injection out
// of the persisted redirect target.
func (s *Service) resolveRedirectTarget(redirectTo, referrer string) string {
	if isAbsoluteURL(redirectTo) {
		return redirectTo
	}
	if isAbsoluteURL(referrer) {
		return referrer
	}
	return s.config.FrontendBaseURL
}

func isAbsoluteURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.IsAbs() && (u.Scheme == "http" || u.Scheme == "https")
}

// CallbackResult is a completed authorization-code exchange.
type CallbackResult struct {
	Token      *oauth2.Token
	RedirectTo string
	TenantID   string
	Provider   string
}

// HandleCallback consumes the state single-use, exchanges the
// authorization code for tokens, and returns the token pair with the
// redirect target recorded at login start.
func (s *Service) HandleCallback(ctx context.Context, sess *session.Session, code, state string) (*CallbackResult, error) {
	if code == "" || state == "" {
		return nil, ErrInvalidCallback
	}

	raw, err := sess.Take(ctx, sessionStatePrefix+state)
	if err != nil {
		return nil, fmt.Errorf("failed to consume login state: %w", err)
	}
	if raw == "" {
		return nil, ErrInvalidCallback
	}

	var attempt loginAttempt
	if err := json.Unmarshal([]byte(raw), &attempt); err != nil {
		return nil, ErrInvalidCallback
	}
	if attempt.Verifier == "" || attempt.TenantID == "" {
		return nil, ErrInvalidCallback
	}

	client, err := s.clients.Resolve(ctx, attempt.TenantID, attempt.Provider)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve provider client: %w", err)
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, s.config.UpstreamTimeout)
	defer cancel()

	token, err := client.OAuth2.Exchange(exchangeCtx, code,
		oauth2.SetAuthURLParam("code_verifier", attempt.Verifier),
	)
	if err != nil {
		s.metrics.CodeExchangesTotal.WithLabelValues("failure").Inc()
		s.logger.WithError(err).WithField("tenant", attempt.TenantID).Error("code exchange rejected by token endpoint")
		return nil, ErrExchangeFailed
	}

	s.metrics.CodeExchangesTotal.WithLabelValues("success").Inc()
	return &CallbackResult{
		Token:      token,
		RedirectTo: attempt.RedirectTo,
		TenantID:   attempt.TenantID,
		Provider:   attempt.Provider,
	}, nil
}

// Identity is the verified identity asserted by the provider.
type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
	GivenName     string
	FamilyName    string
	FullName      string
}

// Identity verifies the ID token accompanying an exchanged token pair
// and extracts the identity claims. It returns nil when the provider
// issued no ID token.
func (s *Service) Identity(ctx context.Context, tenantID, provider string, token *oauth2.Token) (*Identity, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, nil
	}

	client, err := s.clients.Resolve(ctx, tenantID, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve provider client: %w", err)
	}

	idToken, err := client.Verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		GivenName     string `json:"given_name"`
		FamilyName    string `json:"family_name"`
		Name          string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse ID token claims: %w", err)
	}

	return &Identity{
		Subject:       idToken.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		GivenName:     claims.GivenName,
		FamilyName:    claims.FamilyName,
		FullName:      claims.Name,
	}, nil
}

// Refresh exchanges a refresh token for a fresh token pair. It never
// contacts the provider when no refresh token is supplied.
func (s *Service) Refresh(ctx context.Context, tenantID, provider, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	if provider == "" {
		provider = DefaultProvider
	}

	client, err := s.clients.Resolve(ctx, tenantID, provider)
	if errors.Is(err, clients.ErrNoRegistration) {
		return nil, ErrProviderUnavailable
	} else if err != nil {
		return nil, fmt.Errorf("failed to resolve provider client: %w", err)
	}

	refreshCtx, cancel := context.WithTimeout(ctx, s.config.UpstreamTimeout)
	defer cancel()

	token, err := client.OAuth2.TokenSource(refreshCtx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		s.metrics.TokenRefreshesTotal.WithLabelValues("failure").Inc()
		s.logger.WithError(err).WithField("tenant", tenantID).Error("refresh grant rejected by token endpoint")
		return nil, ErrExchangeFailed
	}

	s.metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()
	return token, nil
}

// Revoke best-effort revokes a refresh token at the provider. Failures
// are logged and swallowed; logout must always locally succeed.
func (s *Service) Revoke(ctx context.Context, tenantID, provider, refreshToken string) {
	if refreshToken == "" || tenantID == "" {
		return
	}
	if provider == "" {
		provider = DefaultProvider
	}

	client, err := s.clients.Resolve(ctx, tenantID, provider)
	if err != nil {
		s.logger.WithError(err).Warn("skipping token revocation, no provider client")
		return
	}

	var claims struct {
		RevocationEndpoint string `json:"revocation_endpoint"`
	}
	if err := client.OIDC.Claims(&claims); err != nil || claims.RevocationEndpoint == "" {
		s.logger.WithField("tenant", tenantID).Debug("provider advertises no revocation endpoint")
		return
	}

	revokeCtx, cancel := context.WithTimeout(ctx, s.config.UpstreamTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("token", refreshToken)
	form.Set("token_type_hint", "refresh_token")

	req, err := http.NewRequestWithContext(revokeCtx, http.MethodPost, claims.RevocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		s.logger.WithError(err).Warn("failed to build revocation request")
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(client.OAuth2.ClientID), url.QueryEscape(client.OAuth2.ClientSecret))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.metrics.TokenRevocationsTotal.WithLabelValues("failure").Inc()
		s.logger.WithError(err).Warn("token revocation call failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		s.metrics.TokenRevocationsTotal.WithLabelValues("failure").Inc()
		s.logger.WithField("status", resp.StatusCode).Warn("token revocation rejected by provider")
		return
	}
	s.metrics.TokenRevocationsTotal.WithLabelValues("success").Inc()
}
