package bff

import (
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"golang.org/x/oauth2"

	"github.com/gatehouse-id/gatehouse/pkg/contextkeys"
	"github.com/gatehouse-id/gatehouse/pkg/httputil"
	"github.com/gatehouse-id/gatehouse/pkg/observability"
	"github.com/gatehouse-id/gatehouse/pkg/session"
)

// RefreshTokenHeader is the header alternative to the refresh cookie.
const RefreshTokenHeader = "X-Refresh-Token"

// Dev exchange response headers.
const (
	AccessTokenHeader     = "X-Access-Token"
	RefreshResponseHeader = "X-Refresh-Token"
)

// Finalizer runs post-login flows once the provider has confirmed the
// user's identity, before any token cookies are issued. It returns
// true when it wrote the response itself (flow redirect or flow
// failure); false lets the default login path issue cookies and
// redirect. The token pair is handed over so a successful flow can
// issue the cookies on its own response; a failed flow must not.
type Finalizer interface {
	Finalize(w http.ResponseWriter, r *http.Request, sess *session.Session, identity *Identity, token *oauth2.Token, state string) bool
}

// Handlers exposes the BFF service over HTTP.
type Handlers struct {
	service   *Service
	tickets   *TicketStore
	finalizer Finalizer

	frontendBaseURL string
	secureCookies   bool
	devExchange     bool

	logger *observability.Logger
}

// NewHandlers creates the HTTP layer over the BFF service. tickets may
// be nil when the dev exchange is disabled.
func NewHandlers(service *Service, tickets *TicketStore, devExchange bool, logger *observability.Logger) *Handlers {
	return &Handlers{
		service:         service,
		tickets:         tickets,
		frontendBaseURL: service.config.FrontendBaseURL,
		secureCookies:   service.config.SecureCookies,
		devExchange:     devExchange,
		logger:          logger,
	}
}

// SetFinalizer installs the post-login flow dispatcher.
func (h *Handlers) SetFinalizer(f Finalizer) {
	h.finalizer = f
}

// RegisterRoutes mounts the OAuth endpoints on the router.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/oauth/login", h.Login).Methods(http.MethodGet)
	router.HandleFunc("/oauth/callback", h.Callback).Methods(http.MethodGet)
	router.HandleFunc("/oauth/refresh", h.Refresh).Methods(http.MethodPost)
	router.HandleFunc("/oauth/logout", h.Logout).Methods(http.MethodGet)
	router.HandleFunc("/oauth/dev-exchange", h.DevExchange).Methods(http.MethodGet)
}

// Login starts a login attempt and redirects to the provider.
//
// GET /oauth/login?tenantId&redirectTo&provider
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if sess == nil {
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "session unavailable")
		return
	}

	started, err := h.service.StartLogin(r.Context(), sess,
		r.URL.Query().Get("provider"),
		r.URL.Query().Get("redirectTo"),
		r.Referer(),
	)
	if err == ErrProviderUnavailable {
		h.redirectError(w, r, "provider_unavailable")
		return
	} else if err != nil {
		h.logger.WithError(err).Error("failed to start login")
		h.redirectError(w, r, "login_failed")
		return
	}

	if err := sess.Save(r.Context(), w); err != nil {
		h.logger.WithError(err).Error("failed to persist login state")
		h.redirectError(w, r, "login_failed")
		return
	}

	http.Redirect(w, r, started.AuthURL, http.StatusFound)
}

// Callback finishes the authorization-code exchange and issues the
// token cookies.
//
// GET /oauth/callback?code&state
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if sess == nil {
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "session unavailable")
		return
	}

	if providerErr := r.URL.Query().Get("error"); providerErr != "" {
		h.logger.WithField("provider_error", providerErr).Warn("provider returned an authorize error")
		h.redirectError(w, r, "authorization_denied")
		return
	}

	state := r.URL.Query().Get("state")
	result, err := h.service.HandleCallback(r.Context(), sess, r.URL.Query().Get("code"), state)
	if err != nil {
		h.logger.WithError(err).Warn("callback rejected")
		h.redirectError(w, r, "oauth_failed")
		return
	}

	if h.finalizer != nil {
		identity, err := h.service.Identity(r.Context(), result.TenantID, result.Provider, result.Token)
		if err != nil {
			h.logger.WithError(err).Warn("identity verification failed")
			h.redirectError(w, r, "oauth_failed")
			return
		}
		if h.finalizer.Finalize(w, r, sess, identity, result.Token, state) {
			return
		}
	}

	SetAuthCookies(w, result.Token, h.secureCookies)

	target := result.RedirectTo
	if h.devExchange && h.tickets != nil && httputil.IsLoopbackURL(target) {
		ticket := h.tickets.Issue(TicketTokens{
			AccessToken:  result.Token.AccessToken,
			RefreshToken: result.Token.RefreshToken,
		})
		target = httputil.AppendQuery(target, "ticket", ticket)
	}

	http.Redirect(w, r, target, http.StatusFound)
}

// Refresh re-issues token cookies from a refresh token supplied by
// cookie or header.
//
// POST /oauth/refresh?tenantId
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	refreshToken := ""
	if c, err := r.Cookie(RefreshTokenCookie); err == nil {
		refreshToken = c.Value
	}
	if refreshToken == "" {
		refreshToken = r.Header.Get(RefreshTokenHeader)
	}

	token, err := h.service.Refresh(r.Context(), contextkeys.Tenant(r.Context()),
		r.URL.Query().Get("provider"), refreshToken)
	if err == ErrNoRefreshToken {
		httputil.WriteUnauthorized(w, "no refresh token")
		return
	} else if err != nil {
		httputil.WriteUnauthorized(w, "refresh failed")
		return
	}

	SetAuthCookies(w, token, h.secureCookies)
	httputil.WriteNoContent(w)
}

// Logout invalidates the session, clears auth cookies, and best-effort
// revokes the refresh token server-side.
//
// GET /oauth/logout?tenantId
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	refreshToken := ""
	if c, err := r.Cookie(RefreshTokenCookie); err == nil {
		refreshToken = c.Value
	}
	h.service.Revoke(ctx, contextkeys.Tenant(ctx), r.URL.Query().Get("provider"), refreshToken)

	if sess := session.FromContext(ctx); sess != nil {
		if _, err := sess.Invalidate(ctx, w); err != nil {
			h.logger.WithError(err).Error("failed to invalidate session on logout")
		}
	}

	clearAuthCookies(w, h.secureCookies)
	httputil.WriteNoContent(w)
}

// DevExchange hands tokens back through a single-use server-held
// ticket. It is reachable only from loopback hosts and only when the
// development exchange is enabled.
//
// GET /oauth/dev-exchange?ticket
func (h *Handlers) DevExchange(w http.ResponseWriter, r *http.Request) {
	if !h.devExchange || h.tickets == nil || !httputil.IsLoopback(r) {
		httputil.WriteNotFound(w, "not found")
		return
	}

	tokens, ok := h.tickets.Consume(r.URL.Query().Get("ticket"))
	if !ok {
		httputil.WriteNotFound(w, "not found")
		return
	}

	w.Header().Set(AccessTokenHeader, tokens.AccessToken)
	if tokens.RefreshToken != "" {
		w.Header().Set(RefreshResponseHeader, tokens.RefreshToken)
	}
	httputil.WriteNoContent(w)
}

// redirectError sends the browser to the frontend error target with
// generic error and message parameters. Upstream details stay in logs.
func (h *Handlers) redirectError(w http.ResponseWriter, r *http.Request, message string) {
	target := httputil.AppendQuery(h.frontendBaseURL, "error", "oauth_failed")
	target = httputil.AppendQuery(target, "message", url.QueryEscape(message))
	http.Redirect(w, r, target, http.StatusFound)
}
