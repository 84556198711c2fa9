// Package metrics exposes Prometheus counters for the import pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric names
const (
	MetricAPIRequestsTotal     = "partsync_api_requests_total"
	MetricAPIRequestSeconds    = "partsync_api_request_duration_seconds"
	MetricRecordsWrittenTotal  = "partsync_records_written_total"
	MetricImportRunsTotal      = "partsync_import_runs_total"
	MetricBatchDurationSeconds = "partsync_batch_duration_seconds"
	MetricImportRunning        = "partsync_import_running"
)

// Recorder holds the pipeline metrics on a private registry
type Recorder struct {
	registry *prometheus.Registry

	apiRequests    *prometheus.CounterVec
	apiDuration    *prometheus.HistogramVec
	recordsWritten *prometheus.CounterVec
	importRuns     *prometheus.CounterVec
	batchDuration  *prometheus.HistogramVec
	running        *prometheus.GaugeVec
}

// New creates a Recorder with all metrics registered
func New() *Recorder {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		registry: registry,
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricAPIRequestsTotal,
			Help: "Requests sent to the MetaSync API by endpoint and HTTP status",
		}, []string{"endpoint", "status"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricAPIRequestSeconds,
			Help:    "MetaSync API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		recordsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRecordsWrittenTotal,
			Help: "Catalog rows written by kind and outcome",
		}, []string{"kind", "outcome"}),
		importRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricImportRunsTotal,
			Help: "Finished import runs by type and final status",
		}, []string{"type", "status"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricBatchDurationSeconds,
			Help:    "Time spent fetching and writing one batch",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"type"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricImportRunning,
			Help: "1 while an import of the given type is running",
		}, []string{"type"}),
	}

	registry.MustRegister(
		r.apiRequests,
		r.apiDuration,
		r.recordsWritten,
		r.importRuns,
		r.batchDuration,
		r.running,
		prometheus.NewGoCollector(),
	)

	return r
}

// Registry returns the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveAPIRequest records one upstream request. status 0 means a transport error.
func (r *Recorder) ObserveAPIRequest(endpoint string, status int, d time.Duration) {
	if r == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	r.apiRequests.WithLabelValues(endpoint, label).Inc()
	r.apiDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// AddRecords counts written rows; outcome is created, updated, skipped, pending or error
func (r *Recorder) AddRecords(kind, outcome string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.recordsWritten.WithLabelValues(kind, outcome).Add(float64(n))
}

// ObserveBatch records how long one batch took
func (r *Recorder) ObserveBatch(importType string, d time.Duration) {
	if r == nil {
		return
	}
	r.batchDuration.WithLabelValues(importType).Observe(d.Seconds())
}

// RunStarted flips the running gauge for importType
func (r *Recorder) RunStarted(importType string) {
	if r == nil {
		return
	}
	r.running.WithLabelValues(importType).Set(1)
}

// RunFinished counts a finished run and clears the running gauge
func (r *Recorder) RunFinished(importType, status string) {
	if r == nil {
		return
	}
	r.running.WithLabelValues(importType).Set(0)
	r.importRuns.WithLabelValues(importType, status).Inc()
}
