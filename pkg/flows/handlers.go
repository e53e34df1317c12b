package flows

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/gatehouse-id/gatehouse/pkg/bff"
	"github.com/gatehouse-id/gatehouse/pkg/clients"
	"github.com/gatehouse-id/gatehouse/pkg/contextkeys"
	"github.com/gatehouse-id/gatehouse/pkg/directory"
	"github.com/gatehouse-id/gatehouse/pkg/httputil"
	"github.com/gatehouse-id/gatehouse/pkg/observability"
	"github.com/gatehouse-id/gatehouse/pkg/session"
	"github.com/gatehouse-id/gatehouse/pkg/statecodec"
	"github.com/gatehouse-id/gatehouse/pkg/tenant"
)

// Handlers exposes the flow-start and discovery endpoints.
type Handlers struct {
	codec   *statecodec.Codec
	service *bff.Service
	dir     directory.Directory

	frontendBaseURL string
	secureCookies   bool
	stateTTL        time.Duration

	logger *observability.Logger
	now    func() time.Time
}

// NewHandlers creates the flow HTTP layer.
func NewHandlers(codec *statecodec.Codec, service *bff.Service, dir directory.Directory,
	frontendBaseURL string, secureCookies bool, stateTTL time.Duration, logger *observability.Logger) *Handlers {
	if stateTTL <= 0 {
		stateTTL = FlowCookieTTL
	}
	return &Handlers{
		codec:           codec,
		service:         service,
		dir:             dir,
		frontendBaseURL: frontendBaseURL,
		secureCookies:   secureCookies,
		stateTTL:        stateTTL,
		logger:          logger,
		now:             time.Now,
	}
}

// RegisterRoutes mounts the flow endpoints on the router.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/oauth/register/sso", h.StartTenantRegistration).Methods(http.MethodPost)
	router.HandleFunc("/oauth/invite/sso", h.StartInvitation).Methods(http.MethodPost)
	router.HandleFunc("/sso/providers", h.ListProviders).Methods(http.MethodGet)
	router.HandleFunc("/sso/discovery", h.DiscoverTenant).Methods(http.MethodGet)
	router.HandleFunc(ContinuePath, h.Continue).Methods(http.MethodGet)
}

// bindFlowTenant binds the session to the flow's tenant. A session
// already bound to a different tenant is invalidated first and
// replaced, so no state crosses the tenant boundary; the same
// guarantee the tenant middleware gives on resolution.
func bindFlowTenant(w http.ResponseWriter, r *http.Request, sess *session.Session, tenantID string) (*session.Session, error) {
	if bound := sess.Get(tenant.SessionTenantKey); bound != "" && bound != tenantID {
		fresh, err := sess.Invalidate(r.Context(), w)
		if err != nil {
			return nil, err
		}
		sess = fresh
	}
	sess.Set(tenant.SessionTenantKey, tenantID)
	return sess, nil
}

// supportedProviders is the closed set of provider names a flow can
// start with. Empty selects the default provider.
var supportedProviders = map[string]bool{
	"":                  true,
	bff.DefaultProvider: true,
	"google":            true,
	"microsoft":         true,
}

type registerRequest struct {
	TenantName   string `json:"tenantName"`
	TenantDomain string `json:"tenantDomain"`
	Provider     string `json:"provider"`
	RedirectTo   string `json:"redirectTo"`
}

type startResponse struct {
	AuthURL string `json:"authUrl"`
}

// StartTenantRegistration begins tenant self-registration over SSO: it
// starts a login under the onboarding pseudo-tenant and binds the
// registration context to that login's state in a signed flow cookie.
//
// POST /oauth/register/sso
func (h *Handlers) StartTenantRegistration(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.TenantName == "" || req.TenantDomain == "" {
		httputil.WriteBadRequest(w, "tenantName and tenantDomain are required")
		return
	}
	if !supportedProviders[req.Provider] {
		httputil.WriteBadRequest(w, "unsupported provider")
		return
	}

	// An existing tenant blocks registration only once it has users; an
	// empty tenant is a registration that failed before its owner was
	// created, and restarting the flow converges on it.
	if existing, err := h.dir.GetTenantByName(r.Context(), req.TenantName); err == nil {
		populated, popErr := h.dir.HasUsers(r.Context(), existing.ID)
		if popErr != nil {
			h.logger.WithError(popErr).Error("tenant uniqueness check failed")
			httputil.WriteErrorMessage(w, http.StatusInternalServerError, "registration unavailable")
			return
		}
		if populated {
			httputil.WriteConflict(w, "tenant name already taken")
			return
		}
	} else if !errors.Is(err, directory.ErrTenantNotFound) {
		h.logger.WithError(err).Error("tenant uniqueness check failed")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "registration unavailable")
		return
	}

	sess := session.FromContext(r.Context())
	if sess == nil {
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "session unavailable")
		return
	}
	sess, err := bindFlowTenant(w, r, sess, clients.OnboardingTenant)
	if err != nil {
		h.logger.WithError(err).Error("failed to rebind session for registration")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "registration unavailable")
		return
	}

	started, err := h.service.StartLogin(r.Context(), sess, req.Provider, req.RedirectTo, r.Referer())
	if errors.Is(err, bff.ErrProviderUnavailable) {
		httputil.WriteNotFound(w, "provider unavailable")
		return
	} else if err != nil {
		h.logger.WithError(err).Error("failed to start registration login")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "registration unavailable")
		return
	}

	now := h.now()
	token, err := h.codec.Encode(&statecodec.TenantRegistrationState{
		State:        started.State,
		TenantName:   req.TenantName,
		TenantDomain: req.TenantDomain,
		Provider:     req.Provider,
		RedirectTo:   req.RedirectTo,
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(h.stateTTL).Unix(),
	})
	if err != nil {
		h.logger.WithError(err).Error("failed to sign registration state")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "registration unavailable")
		return
	}

	if err := sess.Save(r.Context(), w); err != nil {
		h.logger.WithError(err).Error("failed to persist registration session")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "registration unavailable")
		return
	}
	SetFlowCookie(w, TenantRegistrationCookie, token, h.secureCookies)
	httputil.WriteJSON(w, http.StatusOK, startResponse{AuthURL: started.AuthURL})
}

type inviteRequest struct {
	InvitationID string `json:"invitationId"`
	Provider     string `json:"provider"`
	SwitchTenant bool   `json:"switchTenant"`
	RedirectTo   string `json:"redirectTo"`
}

// StartInvitation begins invitation acceptance over SSO under the
// invitation's tenant.
//
// POST /oauth/invite/sso
func (h *Handlers) StartInvitation(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.InvitationID == "" {
		httputil.WriteBadRequest(w, "invitationId is required")
		return
	}
	if !supportedProviders[req.Provider] {
		httputil.WriteBadRequest(w, "unsupported provider")
		return
	}

	inv, err := h.dir.GetInvitation(r.Context(), req.InvitationID)
	if errors.Is(err, directory.ErrInvitationNotFound) {
		httputil.WriteNotFound(w, "invitation not found")
		return
	} else if err != nil {
		h.logger.WithError(err).Error("invitation lookup failed")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "invitation unavailable")
		return
	}
	if inv.Status != directory.InvitationPending || h.now().After(inv.ExpiresAt) {
		httputil.WriteErrorMessage(w, http.StatusGone, "invitation is no longer acceptable")
		return
	}

	sess := session.FromContext(r.Context())
	if sess == nil {
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "session unavailable")
		return
	}
	sess, err = bindFlowTenant(w, r, sess, inv.TenantID)
	if err != nil {
		h.logger.WithError(err).Error("failed to rebind session for invitation")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "invitation unavailable")
		return
	}

	started, err := h.service.StartLogin(r.Context(), sess, req.Provider, req.RedirectTo, r.Referer())
	if errors.Is(err, bff.ErrProviderUnavailable) {
		httputil.WriteNotFound(w, "provider unavailable")
		return
	} else if err != nil {
		h.logger.WithError(err).Error("failed to start invitation login")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "invitation unavailable")
		return
	}

	now := h.now()
	token, err := h.codec.Encode(&statecodec.InvitationState{
		State:        started.State,
		InvitationID: inv.ID,
		SwitchTenant: req.SwitchTenant,
		Provider:     req.Provider,
		RedirectTo:   req.RedirectTo,
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(h.stateTTL).Unix(),
	})
	if err != nil {
		h.logger.WithError(err).Error("failed to sign invitation state")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "invitation unavailable")
		return
	}

	if err := sess.Save(r.Context(), w); err != nil {
		h.logger.WithError(err).Error("failed to persist invitation session")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "invitation unavailable")
		return
	}
	SetFlowCookie(w, InvitationCookie, token, h.secureCookies)
	httputil.WriteJSON(w, http.StatusOK, startResponse{AuthURL: started.AuthURL})
}

type providerInfo struct {
	Provider      string `json:"provider"`
	AutoProvision bool   `json:"autoProvision"`
}

// ListProviders returns the SSO providers enabled for the resolved
// tenant.
//
// GET /sso/providers?tenant
func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	tenantID := contextkeys.Tenant(r.Context())
	if tenantID == "" {
		httputil.WriteJSON(w, http.StatusOK, []providerInfo{})
		return
	}

	configs, err := h.dir.ListEnabledProviders(r.Context(), tenantID)
	if err != nil {
		h.logger.WithError(err).Error("provider listing failed")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "providers unavailable")
		return
	}

	infos := make([]providerInfo, 0, len(configs))
	for _, cfg := range configs {
		infos = append(infos, providerInfo{Provider: cfg.Provider, AutoProvision: cfg.AutoProvision})
	}
	httputil.WriteJSON(w, http.StatusOK, infos)
}

type discoveryResponse struct {
	TenantID   string `json:"tenantId"`
	TenantName string `json:"tenantName"`
}

// DiscoverTenant maps a work email to the tenant whose SSO provider
// auto-provisions its domain, so the login page can route the user
// without asking which tenant they belong to.
//
// GET /sso/discovery?email
func (h *Handlers) DiscoverTenant(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		httputil.WriteBadRequest(w, "a valid email is required")
		return
	}

	found, err := h.dir.FindTenantByEmailDomain(r.Context(), email[at+1:])
	if errors.Is(err, directory.ErrTenantNotFound) {
		httputil.WriteNotFound(w, "no tenant claims this email domain")
		return
	} else if err != nil {
		h.logger.WithError(err).Error("tenant discovery failed")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "discovery unavailable")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, discoveryResponse{TenantID: found.ID, TenantName: found.Name})
}

// Continue completes a finished flow. The tenant middleware has
// already rebound the session to the tenantId query parameter by the
// time this runs; all that is left is to land the browser.
//
// GET /oauth/continue?tenantId&redirectTo
func (h *Handlers) Continue(w http.ResponseWriter, r *http.Request) {
	target := h.frontendBaseURL
	if redirectTo := r.URL.Query().Get("redirectTo"); redirectTo != "" {
		if u, err := url.Parse(redirectTo); err == nil && u.IsAbs() && (u.Scheme == "http" || u.Scheme == "https") {
			target = redirectTo
		}
	}
	http.Redirect(w, r, target, http.StatusFound)
}
