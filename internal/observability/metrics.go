package observability

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lunzai/arguspam-sub003/internal/dbdriver"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arguspam_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arguspam_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	registry.MustRegister(requests, duration)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
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

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
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

// EngineMetrics mencatat operasi driver per engine database.
type EngineMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	auditRows  *prometheus.CounterVec
}

// NewEngineMetrics mendaftarkan metrik engine pada registerer.
func NewEngineMetrics(registerer prometheus.Registerer) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arguspam_jit_operations_total",
		Help: "Jumlah operasi akun JIT per engine, operasi dan hasil.",
	}, []string{"engine", "op", "result"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arguspam_jit_operation_duration_seconds",
		Help:    "Durasi operasi akun JIT terhadap server database.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"engine", "op"})
	auditRows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arguspam_session_audit_rows_total",
		Help: "Jumlah query yang direkam dari log server database.",
	}, []string{"engine"})
	registerer.MustRegister(operations, duration, auditRows)
	return &EngineMetrics{operations: operations, duration: duration, auditRows: auditRows}
}

// ObserveOperation mencatat hasil satu operasi.
func (m *EngineMetrics) ObserveOperation(op string, engine dbdriver.Engine, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(string(engine), op, resultLabel(err)).Inc()
	m.duration.WithLabelValues(string(engine), op).Observe(elapsed.Seconds())
}

// AddAuditRows menambah jumlah baris audit yang tersimpan.
func (m *EngineMetrics) AddAuditRows(engine dbdriver.Engine, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.auditRows.WithLabelValues(string(engine)).Add(float64(n))
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, dbdriver.ErrConnection):
		return "connection_error"
	case errors.Is(err, dbdriver.ErrProvisioning):
		return "provisioning_error"
	default:
		return "error"
	}
}
