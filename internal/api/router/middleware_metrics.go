package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/notdienststation/dispatch/internal/observability/metrics"
)

// webhookLatency records how long each telephony webhook takes, labeled
// by the matched route pattern so path parameters do not explode the
// metric cardinality.
func webhookLatency(m *metrics.CallMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				m.ObserveWebhookLatency(rctx.RoutePattern(), time.Since(start).Seconds())
			}
		})
	}
}
