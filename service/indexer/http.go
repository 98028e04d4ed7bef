package indexer

import (
	"context"
	"net/http"
	"time"

	"github.com/brojonat/vialytics/service/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewOpsHandler serves GET /health, which pings the database, and
// GET /metrics for Prometheus scraping.
func NewOpsHandler(db Pinger, m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()

	health := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.Handle("GET /health", metrics.HTTPMetricsMiddleware(m, "/health")(health))
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// OpsHandler returns the health and metrics handler bound to the indexer's pool.
func (ix *Indexer) OpsHandler() http.Handler {
	return NewOpsHandler(ix.pool, ix.metrics)
}
