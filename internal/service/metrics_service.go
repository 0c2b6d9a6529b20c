package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/coi-workflow/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation for the workflow.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	admissions      *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	casConflicts    prometheus.Counter
	adapterDuration *prometheus.HistogramVec
	adapterErrors   *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	issued          *prometheus.CounterVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	admissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coi_admissions_total",
		Help: "Inbound mailbox notifications by admission outcome",
	}, []string{"outcome"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coi_transitions_total",
		Help: "Applied request state transitions",
	}, []string{"from", "to"})

	casConflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coi_version_conflicts_total",
		Help: "Compare-and-swap attempts that lost to a concurrent write",
	})

	adapterDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coi_adapter_call_duration_seconds",
		Help:    "Latency of external adapter calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"adapter", "result"})

	adapterErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coi_adapter_errors_total",
		Help: "External adapter failures by classification",
	}, []string{"adapter", "kind"})

	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coi_decisions_total",
		Help: "Reviewer decisions by outcome",
	}, []string{"outcome"})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coi_admission_cache_lookups_total",
		Help: "Admission cache lookups by result",
	}, []string{"result"})

	issued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coi_issuances_total",
		Help: "Issuance executor outcomes",
	}, []string{"result"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, admissions, transitions, casConflicts,
		adapterDuration, adapterErrors, decisions, cacheLookups, issued, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		admissions:      admissions,
		transitions:     transitions,
		casConflicts:    casConflicts,
		adapterDuration: adapterDuration,
		adapterErrors:   adapterErrors,
		decisions:       decisions,
		cacheLookups:    cacheLookups,
		issued:          issued,
	}
}

// Registry exposes the underlying registry.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordAdmission counts one admission outcome.
func (m *MetricsService) RecordAdmission(outcome AdmitOutcome) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(string(outcome)).Inc()
}

// RecordTransition counts one applied state change.
func (m *MetricsService) RecordTransition(from, to models.RequestState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// RecordVersionConflict counts a lost compare-and-swap.
func (m *MetricsService) RecordVersionConflict() {
	if m == nil {
		return
	}
	m.casConflicts.Inc()
}

// ObserveAdapterCall records latency and, on failure, the error classification.
func (m *MetricsService) ObserveAdapterCall(adapter string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		m.adapterErrors.WithLabelValues(adapter, string(ClassifyError(err))).Inc()
	}
	m.adapterDuration.WithLabelValues(adapter, result).Observe(duration.Seconds())
}

// RecordDecision counts a reviewer decision outcome.
func (m *MetricsService) RecordDecision(outcome DecisionOutcome) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(outcome)).Inc()
}

// RecordCacheLookup counts an admission cache hit or miss.
func (m *MetricsService) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// RecordIssuance counts an executor outcome (sent, repeat, failed).
func (m *MetricsService) RecordIssuance(result string) {
	if m == nil {
		return
	}
	m.issued.WithLabelValues(result).Inc()
}
