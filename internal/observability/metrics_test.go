package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	body := scrape(t, metrics)
	if !strings.Contains(body, "nexus_http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", body)
	}
	if !strings.Contains(body, "nexus_http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", body)
	}
}

func TestGuardRedirectUsesArea(t *testing.T) {
	metrics := NewMetrics()
	metrics.GuardRedirect("/admin/settings")
	metrics.GuardRedirect("/admin")
	metrics.GuardRedirect("/reports/4/export.pdf")

	body := scrape(t, metrics)
	assert.Contains(t, body, `nexus_guard_redirects_total{area="/admin"} 2`)
	assert.Contains(t, body, `nexus_guard_redirects_total{area="/reports"} 1`)
}

func TestObserveLayoutAndExport(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveLayout(false, 3, 1, time.Millisecond)
	metrics.ObserveLayout(true, 3, 0, time.Millisecond)
	metrics.ObserveExport(nil)
	metrics.ObserveExport(errors.New("gotenberg down"))

	body := scrape(t, metrics)
	assert.Contains(t, body, `nexus_layout_runs_total{geometry="fresh"} 1`)
	assert.Contains(t, body, `nexus_layout_runs_total{geometry="cached"} 1`)
	assert.Contains(t, body, "nexus_layout_hidden_comments_total 1")
	assert.Contains(t, body, `nexus_report_exports_total{status="failure"} 1`)
	assert.Contains(t, body, `nexus_report_exports_total{status="success"} 1`)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.GuardRedirect("/tasks")
	metrics.ObserveLayout(false, 1, 1, 0)
	metrics.ObserveExport(nil)

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
