package services

import (
	"example.com/analytics/services/ingest/internal/metrics"
	"example.com/analytics/services/ingest/internal/queue"

	"github.com/rs/zerolog/log"
)

// QueueMonitor translates queue lifecycle notifications into metrics and
// structured logs. The queue invokes it synchronously at each transition.
type QueueMonitor struct {
	metrics *metrics.Metrics
}

// NewQueueMonitor creates a queue monitor
func NewQueueMonitor(m *metrics.Metrics) *QueueMonitor {
	return &QueueMonitor{metrics: m}
}

// JobSubmitted records a newly accepted job
func (qm *QueueMonitor) JobSubmitted(job *queue.Job) {
	qm.metrics.IncrementCounter("jobs_submitted")
}

// JobStarted records a delivery attempt
func (qm *QueueMonitor) JobStarted(job *queue.Job) {
	qm.metrics.IncrementCounter("job_attempts")
}

// JobCompleted records a successful job and its end-to-end latency
func (qm *QueueMonitor) JobCompleted(job *queue.Job, result *queue.Result) {
	qm.metrics.IncrementCounter("jobs_completed")
	if result != nil && !job.CreatedAt.IsZero() {
		qm.metrics.RecordTimer("job_latency_ms", result.ProcessedAt.Sub(job.CreatedAt).Milliseconds())
	}
}

// JobFailed records a failed attempt; final attempts count separately from
// attempts that will be retried
func (qm *QueueMonitor) JobFailed(job *queue.Job, err error, final bool) {
	if final {
		qm.metrics.IncrementCounter("jobs_failed")
		return
	}
	qm.metrics.IncrementCounter("jobs_retried")
	log.Debug().Err(err).Str("job_id", job.ID).Msg("Job attempt will be retried")
}
