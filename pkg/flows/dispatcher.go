// Package flows runs the post-login flows that piggyback on an SSO
// round trip: tenant self-registration and invitation acceptance, with
// plain login as the default.
package flows

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"golang.org/x/oauth2"

	"github.com/gatehouse-id/gatehouse/pkg/bff"
	"github.com/gatehouse-id/gatehouse/pkg/directory"
	"github.com/gatehouse-id/gatehouse/pkg/httputil"
	"github.com/gatehouse-id/gatehouse/pkg/observability"
	"github.com/gatehouse-id/gatehouse/pkg/session"
	"github.com/gatehouse-id/gatehouse/pkg/statecodec"
	"github.com/gatehouse-id/gatehouse/pkg/tenant"
)

// Flow cookie names. Each registered flow owns exactly one.
const (
	TenantRegistrationCookie = "gh_flow_tenant_registration"
	InvitationCookie         = "gh_flow_invitation"
)

// FlowCookieTTL bounds how long a started flow can wait for the
// provider round trip.
const FlowCookieTTL = 600 * time.Second

// ContinuePath is where finished flows send the browser so the login
// mechanics can complete under the flow's tenant.
const ContinuePath = "/oauth/continue"

// Flow names used in logs and metrics.
const (
	flowTenantRegistration = "tenant_registration"
	flowInvitation         = "invitation"
	flowPlainLogin         = "plain_login"
)

// Dispatcher scans for flow cookies after the provider confirms an
// identity and finalizes the matching flow. It implements
// bff.Finalizer.
type Dispatcher struct {
	codec     *statecodec.Codec
	registrar *Registrar
	dir       directory.Directory

	secureCookies bool
	logger        *observability.Logger
	metrics       *observability.Metrics
}

// NewDispatcher creates the post-login flow dispatcher.
func NewDispatcher(codec *statecodec.Codec, registrar *Registrar, dir directory.Directory,
	secureCookies bool, logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		codec:         codec,
		registrar:     registrar,
		dir:           dir,
		secureCookies: secureCookies,
		logger:        logger,
		metrics:       metrics,
	}
}

// Finalize runs at most one flow for the request: the first registered
// flow whose cookie is present, or the plain-login default. It returns
// true when it wrote the response; plain login returns false so the
// caller issues the token cookies and the normal post-login redirect.
//
// Token cookies are issued only on a flow's success response. A failed
// flow writes its error without them, and its cookie is cleared only on
// success, so restarting the flow converges on the earlier partial
// result instead of double-creating.
func (d *Dispatcher) Finalize(w http.ResponseWriter, r *http.Request, sess *session.Session, identity *bff.Identity, token *oauth2.Token, state string) bool {
	if c, err := r.Cookie(TenantRegistrationCookie); err == nil {
		d.finalizeTenantRegistration(w, r, identity, token, state, c.Value)
		return true
	}
	if c, err := r.Cookie(InvitationCookie); err == nil {
		d.finalizeInvitation(w, r, identity, token, state, c.Value)
		return true
	}

	d.finalizePlainLogin(r, sess, identity)
	return false
}

// checkFlowPreconditions validates the signed payload and the state
// echo shared by every cookie flow. It writes the failure response and
// returns false when the flow must not run.
func (d *Dispatcher) checkFlowPreconditions(w http.ResponseWriter, flow string, decoded bool, payloadState, state string, identity *bff.Identity) bool {
	if !decoded {
		d.metrics.StateDecodeFailuresTotal.Inc()
		d.metrics.FlowFinalizationsTotal.WithLabelValues(flow, "failure").Inc()
		httputil.WriteBadRequest(w, "invalid flow state")
		return false
	}
	if payloadState != state {
		d.metrics.FlowFinalizationsTotal.WithLabelValues(flow, "failure").Inc()
		d.logger.WithField("flow", flow).Warn("flow state mismatch, possible forged callback")
		httputil.WriteBadRequest(w, "invalid state")
		return false
	}
	if identity == nil || identity.Email == "" {
		d.metrics.FlowFinalizationsTotal.WithLabelValues(flow, "failure").Inc()
		httputil.WriteBadRequest(w, "identity assertion carries no email")
		return false
	}
	return true
}

func (d *Dispatcher) finalizeTenantRegistration(w http.ResponseWriter, r *http.Request, identity *bff.Identity, token *oauth2.Token, state, cookieValue string) {
	var payload statecodec.TenantRegistrationState
	decoded := d.codec.Decode(cookieValue, &payload)
	if !d.checkFlowPreconditions(w, flowTenantRegistration, decoded, payload.State, state, identity) {
		return
	}

	if payload.TenantName == "" || payload.TenantDomain == "" {
		d.metrics.FlowFinalizationsTotal.WithLabelValues(flowTenantRegistration, "failure").Inc()
		httputil.WriteBadRequest(w, "registration context is incomplete")
		return
	}

	newTenant, err := d.registrar.RegisterTenant(r.Context(), payload.TenantName, payload.TenantDomain, identity)
	if directory.IsConflict(err) {
		d.metrics.FlowFinalizationsTotal.WithLabelValues(flowTenantRegistration, "conflict").Inc()
		httputil.WriteConflict(w, "tenant name or domain already taken")
		return
	} else if err != nil {
		d.metrics.FlowFinalizationsTotal.WithLabelValues(flowTenantRegistration, "failure").Inc()
		d.logger.WithError(err).Error("tenant registration finalization failed")
		httputil.WriteBadRequest(w, "registration could not be completed")
		return
	}

	d.metrics.FlowFinalizationsTotal.WithLabelValues(flowTenantRegistration, "success").Inc()
	d.finishFlow(w, r, TenantRegistrationCookie, newTenant.ID, token)
}

func (d *Dispatcher) finalizeInvitation(w http.ResponseWriter, r *http.Request, identity *bff.Identity, token *oauth2.Token, state, cookieValue string) {
	var payload statecodec.InvitationState
	decoded := d.codec.Decode(cookieValue, &payload)
	if !d.checkFlowPreconditions(w, flowInvitation, decoded, payload.State, state, identity) {
		return
	}

	inv, err := d.dir.GetAcceptableInvitation(r.Context(), payload.InvitationID, identity.Email)
	if errors.Is(err, directory.ErrInvitationNotFound) {
		d.metrics.FlowFinalizationsTotal.WithLabelValues(flowInvitation, "failure").Inc()
		httputil.WriteBadRequest(w, "invitation is no longer acceptable")
		return
	} else if err != nil {
		d.metrics.FlowFinalizationsTotal.WithLabelValues(flowInvitation, "failure").Inc()
		d.logger.WithError(err).Error("invitation lookup failed")
		httputil.WriteBadRequest(w, "invitation could not be accepted")
		return
	}

	err = d.registrar.AcceptInvitation(r.Context(), inv, identity, payload.SwitchTenant)
	if errors.Is(err, ErrTenantConflict) {
		d.metrics.FlowFinalizationsTotal.WithLabelValues(flowInvitation, "conflict").Inc()
		httputil.WriteConflict(w, "already a member of another tenant")
		return
	} else if err != nil {
		d.metrics.FlowFinalizationsTotal.WithLabelValues(flowInvitation, "failure").Inc()
		d.logger.WithError(err).Error("invitation finalization failed")
		httputil.WriteBadRequest(w, "invitation could not be accepted")
		return
	}

	d.metrics.FlowFinalizationsTotal.WithLabelValues(flowInvitation, "success").Inc()
	d.finishFlow(w, r, InvitationCookie, inv.TenantID, token)
}

// finalizePlainLogin does the default-path bookkeeping. Failures are
// logged, never fatal to the login.
func (d *Dispatcher) finalizePlainLogin(r *http.Request, sess *session.Session, identity *bff.Identity) {
	if identity == nil || identity.Email == "" {
		return
	}
	tenantID := sess.Get(tenant.SessionTenantKey)
	if tenantID == "" {
		return
	}

	user, err := d.dir.GetUserByEmail(r.Context(), tenantID, identity.Email)
	if err != nil {
		if !errors.Is(err, directory.ErrUserNotFound) {
			d.logger.WithError(err).Warn("post-login user lookup failed")
		}
		return
	}

	if err := d.dir.TouchLastLogin(r.Context(), user.ID); err != nil {
		d.logger.WithError(err).Warn("failed to record login time")
	}
	if identity.EmailVerified && !user.EmailVerified {
		if err := d.dir.MarkEmailVerified(r.Context(), user.ID); err != nil {
			d.logger.WithError(err).Warn("failed to record email verification")
		}
	}
	d.metrics.FlowFinalizationsTotal.WithLabelValues(flowPlainLogin, "success").Inc()
}

// finishFlow issues the token cookies, clears the flow's own cookie and
// sends the browser to the continue endpoint under the resolved tenant.
func (d *Dispatcher) finishFlow(w http.ResponseWriter, r *http.Request, cookieName, tenantID string, token *oauth2.Token) {
	bff.SetAuthCookies(w, token, d.secureCookies)
	clearFlowCookie(w, cookieName, d.secureCookies)
	http.Redirect(w, r, ContinuePath+"?tenantId="+url.QueryEscape(tenantID), http.StatusFound)
}

// SetFlowCookie issues a signed flow cookie.
func SetFlowCookie(w http.ResponseWriter, name, value string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(FlowCookieTTL.Seconds()),
	})
}

func clearFlowCookie(w http.ResponseWriter, name string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// resolveNames picks given/family names from explicit claims, falling
// back to splitting the full name on its first whitespace run.
func resolveNames(identity *bff.Identity) (given, family string) {
	if identity.GivenName != "" || identity.FamilyName != "" {
		return identity.GivenName, identity.FamilyName
	}
	return splitFullName(identity.FullName)
}

func splitFullName(full string) (given, family string) {
	trimmed := strings.TrimSpace(full)
	idx := strings.IndexFunc(trimmed, unicode.IsSpace)
	if idx < 0 {
		return trimmed, ""
	}
	return trimmed[:idx], strings.TrimSpace(trimmed[idx:])
}
