// Package metrics exposes Prometheus instrumentation for the quota daemon.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/mediaquota/pkg/quota"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatchedRoute = "unmatched"

// Metrics groups the collectors registered by NewMetrics. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	OperationsTotal *prometheus.CounterVec
	OperationUnits  *prometheus.CounterVec
	SweepsTotal     *prometheus.CounterVec
	SweepReclaimed  prometheus.Counter
	SweepDuration   prometheus.Histogram
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	registry        *prometheus.Registry
}

// NewMetrics creates and registers every collector on registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quota_operations_total",
				Help: "Total quota operations by outcome.",
			},
			[]string{"operation", "status", "kind"},
		),
		OperationUnits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quota_operation_units_total",
				Help: "Units moved by successful quota operations.",
			},
			[]string{"operation"},
		),
		SweepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quota_sweeps_total",
				Help: "Total cleanup sweeps.",
			},
			[]string{"status"},
		),
		SweepReclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quota_sweep_reclaimed_uploads_total",
				Help: "Stale uploads failed by the cleanup sweeper.",
			},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "quota_sweep_duration_seconds",
				Help:    "Cleanup sweep duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quota_http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quota_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.OperationsTotal,
		m.OperationUnits,
		m.SweepsTotal,
		m.SweepReclaimed,
		m.SweepDuration,
		m.RequestsTotal,
		m.RequestDuration,
	)
	return m
}

// LogOperation implements quota.OperationLogger.
func (m *Metrics) LogOperation(_ context.Context, entry quota.OperationLog) {
	if m == nil {
		return
	}
	kind := ""
	if entry.Error != nil {
		kind = quota.KindOf(entry.Error).String()
	}
	m.OperationsTotal.WithLabelValues(entry.Operation, entry.Status, kind).Inc()
	if entry.Error == nil && entry.Units > 0 {
		m.OperationUnits.WithLabelValues(entry.Operation).Add(float64(entry.Units.Int64()))
	}
}

// ObserveSweep records one sweep run.
func (m *Metrics) ObserveSweep(result quota.SweepResult, err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case result.Failed > 0:
		status = "partial"
	}
	m.SweepsTotal.WithLabelValues(status).Inc()
	m.SweepReclaimed.Add(float64(result.Reclaimed))
	m.SweepDuration.Observe(duration.Seconds())
}

// IncSweepSkipped counts a tick where another instance held the sweep lock.
func (m *Metrics) IncSweepSkipped() {
	if m == nil {
		return
	}
	m.SweepsTotal.WithLabelValues("lock_held").Inc()
}

// GinMiddleware records request counts and latency keyed by route template.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if m == nil {
			ctx.Next()
			return
		}
		started := time.Now()
		ctx.Next()
		path := ctx.FullPath()
		if path == "" {
			path = unmatchedRoute
		}
		method := ctx.Request.Method
		m.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(ctx.Writer.Status())).Inc()
		m.RequestDuration.WithLabelValues(method, path).Observe(time.Since(started).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
