package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gatehouse-id/gatehouse/pkg/httputil"
	"github.com/gatehouse-id/gatehouse/pkg/observability"
)

// Pinger reports backend reachability. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type healthStatus struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
}

// NewHealthHandler serves the liveness, readiness, and metrics
// endpoints on the side listener.
func NewHealthHandler(db Pinger, registry *prometheus.Registry) http.Handler {
	router := http.NewServeMux()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, healthStatus{Status: "ok"})
	})

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				httputil.WriteJSON(w, http.StatusServiceUnavailable,
					healthStatus{Status: "degraded", Database: "unreachable"})
				return
			}
		}
		httputil.WriteJSON(w, http.StatusOK, healthStatus{Status: "ok", Database: "ok"})
	})

	if registry != nil {
		router.Handle("/metrics", observability.Handler(registry))
	}

	return router
}
