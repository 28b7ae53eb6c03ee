package health

import (
	"context"
	"time"

	"github.com/ragwell/ragwell/internal/config"
	"github.com/ragwell/ragwell/internal/embed"
	"github.com/ragwell/ragwell/internal/queue"
	"github.com/ragwell/ragwell/internal/storage"
)

// PoolStatus mirrors storage.PoolStats for JSON exposure at the health
// surface, so the storage package stays free of an encoding/json import.
type PoolStatus struct {
	Size     int32 `json:"size"`
	InUse    int32 `json:"in_use"`
	Idle     int32 `json:"idle"`
	MaxConns int32 `json:"max_conns"`
}

// JobStatus describes the currently executing queue job, if any.
type JobStatus struct {
	ID              string  `json:"id"`
	Path            string  `json:"path"`
	ProgressPercent float64 `json:"progress_percent"`
	CurrentFile     string  `json:"current_file,omitempty"`
}

// QueueStatus summarizes the durable job queue.
type QueueStatus struct {
	Lengths    map[string]int `json:"lengths"`
	CurrentJob *JobStatus     `json:"current_job,omitempty"`
}

// EmbeddingStatus describes the embedder the backend was initialized with.
type EmbeddingStatus struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
}

// Report is the complete health snapshot, the body of both GET /health and
// GET /health/status, and the source for every Prometheus gauge.
type Report struct {
	Status        string          `json:"status"`
	BackendKind   string          `json:"backend_kind"`
	BackendReady  bool            `json:"backend_ready"`
	Pool          *PoolStatus     `json:"pool,omitempty"`
	Queue         QueueStatus     `json:"queue"`
	Embedding     EmbeddingStatus `json:"embedding"`
	UptimeSeconds float64         `json:"uptime_seconds"`
}

// Reporter builds Report snapshots from the live backend, embedder, and
// queue, and optionally mirrors each snapshot onto a Metrics gauge set.
type Reporter struct {
	backend          storage.Backend
	backendKind      config.Backend
	embedder         embed.Embedder
	embedderProvider string
	queue            *queue.Queue
	metrics          *Metrics
	startedAt        time.Time
}

// NewReporter wires a Reporter over the daemon's live components. provider
// is the embedding provider name actually in effect (after any offline
// fallback), reported separately from backendKind since the two vary
// independently. metrics may be nil if Prometheus export is not enabled.
func NewReporter(backend storage.Backend, kind config.Backend, provider string, embedder embed.Embedder, q *queue.Queue, metrics *Metrics) *Reporter {
	return &Reporter{
		backend:          backend,
		backendKind:      kind,
		embedder:         embedder,
		embedderProvider: provider,
		queue:            q,
		metrics:          metrics,
		startedAt:        time.Now(),
	}
}

// Report builds a fresh snapshot. It never returns an error: a failed
// readiness check is reported as BackendReady=false rather than aborting,
// since health reporting must stay available exactly when the system is
// unhealthy.
func (r *Reporter) Report(ctx context.Context) Report {
	ready, _ := r.backend.IsInitialized(ctx)

	report := Report{
		BackendKind:  string(r.backendKind),
		BackendReady: ready,
		Queue:        r.queueStatus(),
		Embedding: EmbeddingStatus{
			Provider:  r.embedderProvider,
			Model:     r.embedder.ModelName(),
			Dimension: r.embedder.Dimensions(),
		},
		UptimeSeconds: time.Since(r.startedAt).Seconds(),
	}
	if ps, ok := r.backend.(storage.PoolStatter); ok {
		stat := ps.PoolStats()
		report.Pool = &PoolStatus{
			Size:     stat.Size,
			InUse:    stat.InUse,
			Idle:     stat.Idle,
			MaxConns: stat.MaxConns,
		}
	}
	if report.BackendReady {
		report.Status = "ok"
	} else {
		report.Status = "degraded"
	}

	r.metrics.update(report)
	return report
}

func (r *Reporter) queueStatus() QueueStatus {
	status := QueueStatus{Lengths: make(map[string]int)}
	for state, n := range r.queue.Lengths() {
		status.Lengths[string(state)] = n
	}
	for _, job := range r.queue.List() {
		if job.State != queue.StateRunning {
			continue
		}
		status.CurrentJob = &JobStatus{
			ID:              job.ID,
			Path:            job.Request.Path,
			ProgressPercent: progressPercent(job.Progress),
			CurrentFile:     job.Progress.CurrentFile,
		}
		break
	}
	return status
}

func progressPercent(p queue.Progress) float64 {
	if p.FilesTotal <= 0 {
		return 0
	}
	pct := float64(p.FilesProcessed) / float64(p.FilesTotal) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
