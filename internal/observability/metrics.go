// Package observability exposes the Prometheus registry and the collectors
// recorded by the HTTP stack, the access guard and the layout engine.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	guardRedirects  *prometheus.CounterVec
	layoutRuns      *prometheus.CounterVec
	layoutHidden    prometheus.Counter
	layoutDuration  prometheus.Histogram
	exportsTotal    *prometheus.CounterVec
}

// NewMetrics initialises the registry and the base collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nexus_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	redirects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_guard_redirects_total",
		Help: "Requests for protected areas redirected to sign-in, by area.",
	}, []string{"area"})
	layoutRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_layout_runs_total",
		Help: "Sidenote layout computations by geometry freshness.",
	}, []string{"geometry"})
	layoutHidden := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nexus_layout_hidden_comments_total",
		Help: "Comments hidden because their anchor could not be resolved.",
	})
	layoutDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nexus_layout_duration_seconds",
		Help:    "Time spent computing one sidenote layout.",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
	})
	exports := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_report_exports_total",
		Help: "Report PDF exports by outcome.",
	}, []string{"status"})
	registry.MustRegister(requests, duration, redirects, layoutRuns, layoutHidden, layoutDuration, exports)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		guardRedirects:  redirects,
		layoutRuns:      layoutRuns,
		layoutHidden:    layoutHidden,
		layoutDuration:  layoutDuration,
		exportsTotal:    exports,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// GuardRedirect counts a sign-in redirect for the protected area of path.
func (m *Metrics) GuardRedirect(path string) {
	if m == nil {
		return
	}
	m.guardRedirects.WithLabelValues(area(path)).Inc()
}

// ObserveLayout records one layout computation.
func (m *Metrics) ObserveLayout(stale bool, total, hidden int, took time.Duration) {
	if m == nil {
		return
	}
	geometry := "fresh"
	if stale {
		geometry = "cached"
	}
	m.layoutRuns.WithLabelValues(geometry).Inc()
	if hidden > 0 {
		m.layoutHidden.Add(float64(hidden))
	}
	m.layoutDuration.Observe(took.Seconds())
}

// ObserveExport records the outcome of one report export.
func (m *Metrics) ObserveExport(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.exportsTotal.WithLabelValues(status).Inc()
}

// Registerer exposes the registry for custom collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

// area keeps label cardinality bounded to the first path segment.
func area(path string) string {
	for i := 1; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i]
		}
	}
	if path == "" {
		return "/"
	}
	return path
}
