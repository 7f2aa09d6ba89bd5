package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for the stream supervisor and
// the retention engine. A nil *Metrics is valid and records nothing, which
// keeps instrumentation optional in tests.
type Metrics struct {
	registry *prometheus.Registry

	restartsTotal       *prometheus.CounterVec
	healthFailuresTotal *prometheus.CounterVec
	activeStreams       prometheus.Gauge
	bytesReclaimedTotal prometheus.Counter
	filesDeletedTotal   prometheus.Counter
	sweepsTotal         *prometheus.CounterVec
}

// New creates and registers the instrument set.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	restartsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nvr_encoder_restarts_total",
		Help: "Encoder restarts by camera, stream kind and trigger reason",
	}, []string{"camera", "kind", "reason"})
	healthFailuresTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nvr_health_failures_total",
		Help: "Live health probe failures by camera and detected condition",
	}, []string{"camera", "condition"})
	activeStreams := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nvr_active_streams",
		Help: "Stream slots currently in the running state",
	})
	bytesReclaimedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nvr_retention_bytes_reclaimed_total",
		Help: "Bytes freed by retention sweeps",
	})
	filesDeletedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nvr_retention_files_deleted_total",
		Help: "Files deleted by retention sweeps",
	})
	sweepsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nvr_retention_sweeps_total",
		Help: "Retention sweeps by type",
	}, []string{"sweep"})

	registry.MustRegister(
		restartsTotal,
		healthFailuresTotal,
		activeStreams,
		bytesReclaimedTotal,
		filesDeletedTotal,
		sweepsTotal,
	)

	return &Metrics{
		registry:            registry,
		restartsTotal:       restartsTotal,
		healthFailuresTotal: healthFailuresTotal,
		activeStreams:       activeStreams,
		bytesReclaimedTotal: bytesReclaimedTotal,
		filesDeletedTotal:   filesDeletedTotal,
		sweepsTotal:         sweepsTotal,
	}
}

// IncRestarts counts one encoder restart.
func (m *Metrics) IncRestarts(cam, kind, reason string) {
	if m == nil {
		return
	}
	m.restartsTotal.WithLabelValues(cam, kind, reason).Inc()
}

// IncHealthFailure counts one failed health probe condition.
func (m *Metrics) IncHealthFailure(cam, condition string) {
	if m == nil {
		return
	}
	m.healthFailuresTotal.WithLabelValues(cam, condition).Inc()
}

// SetActiveStreams updates the running-slot gauge.
func (m *Metrics) SetActiveStreams(n int) {
	if m == nil {
		return
	}
	m.activeStreams.Set(float64(n))
}

// AddReclaimed accumulates sweep deletion totals.
func (m *Metrics) AddReclaimed(bytes int64, files int) {
	if m == nil {
		return
	}
	m.bytesReclaimedTotal.Add(float64(bytes))
	m.filesDeletedTotal.Add(float64(files))
}

// IncSweeps counts one completed sweep of the given type.
func (m *Metrics) IncSweeps(sweep string) {
	if m == nil {
		return
	}
	m.sweepsTotal.WithLabelValues(sweep).Inc()
}

// Handler serves the registry. updateGauges, when non-nil, refreshes gauge
// values before each scrape.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
