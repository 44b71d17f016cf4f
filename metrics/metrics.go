// ABOUTME: Prometheus collectors for sync runs, scheduler triggers, gateway writes and HTTP retries
// ABOUTME: Also provides chi request middleware and the /metrics handler
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relsync_sync_runs_total",
		Help: "Total number of sync runs by provider and outcome.",
	}, []string{"provider", "status"})

	syncRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relsync_sync_run_duration_seconds",
		Help:    "Histogram of sync run latencies.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"provider", "status"})

	schedulerTriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relsync_scheduler_triggers_total",
		Help: "Scheduler trigger decisions by result.",
	}, []string{"result"})

	gatewayEntitiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relsync_gateway_entities_total",
		Help: "Canonical entities written by the gateway.",
	}, []string{"entity", "action"})

	httpRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relsync_upstream_retries_total",
		Help: "Upstream HTTP requests retried after a 429 or 5xx.",
	}, []string{"host"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relsync_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route", "status"})
)

// Trigger results recorded by the scheduler.
const (
	TriggerLaunched  = "launched"
	TriggerDuplicate = "duplicate"
	TriggerError     = "error"
)

// ObserveRun records one finished sync run.
func ObserveRun(provider, status string, start time.Time) {
	syncRunsTotal.WithLabelValues(provider, status).Inc()
	syncRunDuration.WithLabelValues(provider, status).Observe(time.Since(start).Seconds())
}

func IncTrigger(result string) {
	schedulerTriggersTotal.WithLabelValues(result).Inc()
}

// AddEntities counts gateway writes; zero counts are ignored.
func AddEntities(entity, action string, n int) {
	if n <= 0 {
		return
	}
	gatewayEntitiesTotal.WithLabelValues(entity, action).Add(float64(n))
}

func IncRetry(host string) {
	httpRetriesTotal.WithLabelValues(host).Inc()
}

// Middleware records request counts labelled by chi route pattern.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			httpRequestsTotal.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(ww.Status())).Inc()
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
