package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gatehouse-id/gatehouse/pkg/bff"
	"github.com/gatehouse-id/gatehouse/pkg/clients"
	"github.com/gatehouse-id/gatehouse/pkg/config"
	"github.com/gatehouse-id/gatehouse/pkg/directory"
	"github.com/gatehouse-id/gatehouse/pkg/flows"
	"github.com/gatehouse-id/gatehouse/pkg/httputil"
	"github.com/gatehouse-id/gatehouse/pkg/observability"
	"github.com/gatehouse-id/gatehouse/pkg/session"
	"github.com/gatehouse-id/gatehouse/pkg/statecodec"
	"github.com/gatehouse-id/gatehouse/pkg/tenant"
)

// Server assembles the login orchestration HTTP surface: the OAuth
// endpoints, the flow-start endpoints, and the middleware stack.
type Server struct {
	router  *mux.Router
	handler http.Handler

	sessions *session.Manager
	resolver *clients.Resolver
	service  *bff.Service
	tickets  *bff.TicketStore

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewServer wires the full request path from configuration and a
// directory backend.
func NewServer(cfg *config.Config, dir directory.Directory, store session.Store,
	logger *observability.Logger, metrics *observability.Metrics) (*Server, error) {

	codec, err := statecodec.New([]byte(cfg.State.Secret))
	if err != nil {
		return nil, err
	}

	sessions := session.NewManager(store, cfg.Session.TTL, cfg.Session.SecureCookies)

	resolver := clients.NewResolver(dir, clients.Config{
		Defaults: clients.Defaults{
			IssuerURL:    cfg.OAuth.DefaultIssuerURL,
			ClientID:     cfg.OAuth.DefaultClientID,
			ClientSecret: cfg.OAuth.DefaultClientSecret,
			Scopes:       cfg.OAuth.DefaultScopes,
		},
		RedirectURL: cfg.Server.PublicBaseURL + "/oauth/callback",
		CacheSize:   cfg.OAuth.ClientCacheSize,
		CacheTTL:    cfg.OAuth.ClientCacheTTL,
	}, logger, metrics)

	service := bff.NewService(resolver, bff.Config{
		FrontendBaseURL: cfg.OAuth.FrontendBaseURL,
		SecureCookies:   cfg.Session.SecureCookies,
	}, logger, metrics)

	var tickets *bff.TicketStore
	if cfg.OAuth.DevExchangeEnabled {
		tickets = bff.NewTicketStore(cfg.OAuth.DevTicketTTL)
	}

	oauthHandlers := bff.NewHandlers(service, tickets, cfg.OAuth.DevExchangeEnabled, logger)

	registrar := flows.NewRegistrar(dir, logger)
	dispatcher := flows.NewDispatcher(codec, registrar, dir, cfg.Session.SecureCookies, logger, metrics)
	oauthHandlers.SetFinalizer(dispatcher)

	flowHandlers := flows.NewHandlers(codec, service, dir,
		cfg.OAuth.FrontendBaseURL, cfg.Session.SecureCookies, cfg.State.TTL, logger)

	s := &Server{
		router:   mux.NewRouter(),
		sessions: sessions,
		resolver: resolver,
		service:  service,
		tickets:  tickets,
		logger:   logger,
		metrics:  metrics,
	}
	s.setupRoutes(oauthHandlers, flowHandlers)

	tenantResolver := tenant.NewResolver(sessions, logger, metrics)
	var handler http.Handler = httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
		tenantResolver.Middleware,
	)(s.router)
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(handler, "gatehouse")
	}
	s.handler = handler

	return s, nil
}

// setupRoutes mounts all endpoint groups on the router.
func (s *Server) setupRoutes(oauth *bff.Handlers, flow *flows.Handlers) {
	oauth.RegisterRoutes(s.router)
	flow.RegisterRoutes(s.router)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Sessions exposes the session manager for background maintenance.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Tickets returns the dev exchange ticket store, or nil when the dev
// exchange is disabled.
func (s *Server) Tickets() *bff.TicketStore {
	return s.tickets
}
