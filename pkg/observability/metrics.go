package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the login orchestration layer
type Metrics struct {
	// BFF login lifecycle
	LoginStartsTotal      *prometheus.CounterVec
	CodeExchangesTotal    *prometheus.CounterVec
	TokenRefreshesTotal   *prometheus.CounterVec
	TokenRevocationsTotal *prometheus.CounterVec

	// Post-login flow dispatch
	FlowFinalizationsTotal *prometheus.CounterVec

	// Signed state codec failures (structure, signature, expiry collapse to one)
	StateDecodeFailuresTotal prometheus.Counter

	// Tenant context
	TenantSessionRebindsTotal prometheus.Counter

	// Dynamic client resolution cache
	ClientCacheHitsTotal   prometheus.Counter
	ClientCacheMissesTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics on the registry
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		LoginStartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_login_starts_total",
				Help: "Total number of authorize redirects built",
			},
			[]string{"provider"},
		),
		CodeExchangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_code_exchanges_total",
				Help: "Total number of authorization code exchanges",
			},
			[]string{"outcome"},
		),
		TokenRefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_token_refreshes_total",
				Help: "Total number of refresh token grants",
			},
			[]string{"outcome"},
		),
		TokenRevocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_token_revocations_total",
				Help: "Total number of refresh token revocations attempted on logout",
			},
			[]string{"outcome"},
		),
		FlowFinalizationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_flow_finalizations_total",
				Help: "Total number of post-login flow finalizations",
			},
			[]string{"flow", "outcome"},
		),
		StateDecodeFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_state_decode_failures_total",
				Help: "Total number of signed state tokens rejected at decode",
			},
		),
		TenantSessionRebindsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_tenant_session_rebinds_total",
				Help: "Total number of sessions invalidated due to a tenant change",
			},
		),
		ClientCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_client_cache_hits_total",
				Help: "Total number of dynamic client registration cache hits",
			},
		),
		ClientCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_client_cache_misses_total",
				Help: "Total number of dynamic client registration cache misses",
			},
		),
	}

	registry.MustRegister(
		m.LoginStartsTotal,
		m.CodeExchangesTotal,
		m.TokenRefreshesTotal,
		m.TokenRevocationsTotal,
		m.FlowFinalizationsTotal,
		m.StateDecodeFailuresTotal,
		m.TenantSessionRebindsTotal,
		m.ClientCacheHitsTotal,
		m.ClientCacheMissesTotal,
	)

	return m
}

// Handler returns an HTTP handler exposing the registry in Prometheus format
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
