// Package health reports backend readiness, connection pool occupancy,
// queue depth, and embedding configuration, both as a plain-JSON snapshot
// and as Prometheus gauges.
package health

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus gauges updated on every Report. It keeps its
// own registry rather than using prometheus.DefaultRegisterer so a caller
// that never wires /metrics pays nothing beyond the struct allocation.
type Metrics struct {
	registry *prometheus.Registry

	backendReady   *prometheus.GaugeVec
	poolSize       prometheus.Gauge
	poolInUse      prometheus.Gauge
	poolIdle       prometheus.Gauge
	poolMaxConns   prometheus.Gauge
	queueLength    *prometheus.GaugeVec
	jobRunning     prometheus.Gauge
	jobProgressPct prometheus.Gauge
	embeddingDims  prometheus.Gauge
}

// NewMetrics creates and registers the gauge set.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.backendReady = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ragwell",
		Subsystem: "backend",
		Name:      "ready",
		Help:      "1 if the storage backend has completed Initialize, 0 otherwise.",
	}, []string{"kind"})

	m.poolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ragwell", Subsystem: "pool", Name: "size",
		Help: "Total connections in the relational backend's pool.",
	})
	m.poolInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ragwell", Subsystem: "pool", Name: "in_use",
		Help: "Connections currently checked out of the relational backend's pool.",
	})
	m.poolIdle = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ragwell", Subsystem: "pool", Name: "idle",
		Help: "Idle connections in the relational backend's pool.",
	})
	m.poolMaxConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ragwell", Subsystem: "pool", Name: "max_conns",
		Help: "Configured maximum size of the relational backend's pool.",
	})

	m.queueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ragwell", Subsystem: "queue", Name: "length",
		Help: "Number of jobs in the durable queue, by state.",
	}, []string{"state"})

	m.jobRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ragwell", Subsystem: "queue", Name: "job_running",
		Help: "1 if a job is currently executing, 0 otherwise.",
	})
	m.jobProgressPct = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ragwell", Subsystem: "queue", Name: "job_progress_percent",
		Help: "Progress percentage of the currently running job, or 0 if none.",
	})

	m.embeddingDims = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ragwell", Subsystem: "embedding", Name: "dimensions",
		Help: "Embedding vector dimension the backend was initialized with.",
	})

	m.registry.MustRegister(
		m.backendReady,
		m.poolSize, m.poolInUse, m.poolIdle, m.poolMaxConns,
		m.queueLength, m.jobRunning, m.jobProgressPct,
		m.embeddingDims,
	)
	return m
}

// update sets every gauge from a freshly built Report.
func (m *Metrics) update(r Report) {
	if m == nil {
		return
	}
	ready := 0.0
	if r.BackendReady {
		ready = 1.0
	}
	m.backendReady.Reset()
	m.backendReady.WithLabelValues(r.BackendKind).Set(ready)

	if r.Pool != nil {
		m.poolSize.Set(float64(r.Pool.Size))
		m.poolInUse.Set(float64(r.Pool.InUse))
		m.poolIdle.Set(float64(r.Pool.Idle))
		m.poolMaxConns.Set(float64(r.Pool.MaxConns))
	}

	m.queueLength.Reset()
	for state, n := range r.Queue.Lengths {
		m.queueLength.WithLabelValues(state).Set(float64(n))
	}

	if r.Queue.CurrentJob != nil {
		m.jobRunning.Set(1)
		m.jobProgressPct.Set(r.Queue.CurrentJob.ProgressPercent)
	} else {
		m.jobRunning.Set(0)
		m.jobProgressPct.Set(0)
	}

	m.embeddingDims.Set(float64(r.Embedding.Dimension))
}

// Handler exposes the gauge set in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
