package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/lunzai/arguspam-sub003/internal/dbdriver"
)

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()
	engine := NewEngineMetrics(metrics.Registerer())
	engine.ObserveOperation("create", dbdriver.EngineMySQL, nil, time.Second)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	metrics.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "arguspam_jit_operations_total") {
		t.Fatalf("expected body to contain arguspam_jit_operations_total, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/sessions/{id}/account")

	req := httptest.NewRequest(http.MethodPost, "/sessions/4/account", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	metricsRR := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(metricsRR, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	metricsBody := metricsRR.Body.String()
	if !strings.Contains(metricsBody, "http_requests_total{code=\"418\",route=\"/sessions/{id}/account\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", metricsBody)
	}
	if !strings.Contains(metricsBody, "http_request_duration_seconds_bucket{route=\"/sessions/{id}/account\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", metricsBody)
	}
}

func TestEngineMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewEngineMetrics(registry)

	m.ObserveOperation("create", dbdriver.EnginePostgreSQL, nil, 200*time.Millisecond)
	m.ObserveOperation("create", dbdriver.EnginePostgreSQL, fmt.Errorf("%w: db:5432", dbdriver.ErrConnection), time.Second)
	m.ObserveOperation("terminate", dbdriver.EnginePostgreSQL, errors.New("boom"), time.Second)
	m.AddAuditRows(dbdriver.EnginePostgreSQL, 4)
	m.AddAuditRows(dbdriver.EnginePostgreSQL, 0)

	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("postgresql", "create", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("postgresql", "create", "connection_error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("postgresql", "terminate", "error")))
	require.Equal(t, 4.0, testutil.ToFloat64(m.auditRows.WithLabelValues("postgresql")))
	require.Equal(t, 2, testutil.CollectAndCount(m.duration))

	var nilMetrics *EngineMetrics
	nilMetrics.ObserveOperation("create", dbdriver.EngineRedis, nil, 0)
	nilMetrics.AddAuditRows(dbdriver.EngineRedis, 1)
}
