package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/MasterYang7/gpustack/pkg/types"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpustack_http_requests_total",
		Help: "Total HTTP requests processed, labeled by route, method and status code.",
	}, []string{"route", "method", "code"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gpustack_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds, labeled by route and method.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	workersByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gpustack_workers",
		Help: "Number of registered workers by state.",
	}, []string{"state"})

	instancesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gpustack_model_instances",
		Help: "Number of model instances by state.",
	}, []string{"state"})
)

// metricsMiddleware records request counts and latencies using the chi
// route pattern so that path parameters do not explode label cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		httpRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// RunMetricsUpdater periodically refreshes the worker and instance state
// gauges from the store until ctx is canceled.
func (s *Server) RunMetricsUpdater(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.refreshStateGauges(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) refreshStateGauges(ctx context.Context) {
	workerCounts, err := s.store.CountWorkersByState(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("metrics: count workers failed")
		return
	}
	for _, st := range []types.WorkerState{types.WorkerStateReady, types.WorkerStateNotReady, types.WorkerStateUnreachable} {
		workersByState.WithLabelValues(string(st)).Set(float64(workerCounts[st]))
	}

	instanceCounts, err := s.store.CountInstancesByState(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("metrics: count instances failed")
		return
	}
	for _, st := range []types.ModelInstanceState{
		types.InstancePending, types.InstanceScheduled,
		types.InstanceInitializing, types.InstanceRunning, types.InstanceError,
	} {
		instancesByState.WithLabelValues(string(st)).Set(float64(instanceCounts[st]))
	}
}
