// Package queue is the service-level job queue: enqueue with per-type
// priorities, clearance-checked claims, state-checked completion that feeds
// the pipeline, and timeout reclamation.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quillspace/quill/internal/access"
	"github.com/quillspace/quill/internal/metrics"
	"github.com/quillspace/quill/internal/storage"
	"github.com/quillspace/quill/internal/types"
)

// Dispatcher consumes completed jobs. The pipeline orchestrator implements
// it; the indirection keeps queue and pipeline from importing each other.
type Dispatcher interface {
	OnCompleted(ctx context.Context, job *types.Job) error
}

// Options carries queue defaults applied when the caller does not override.
type Options struct {
	DefaultTimeoutSeconds int
	MaxRetries            int
}

// Queue coordinates job flow over the store.
type Queue struct {
	store      storage.Store
	gate       *access.Gate
	dispatcher Dispatcher
	opts       Options
	metrics    *metrics.Metrics
	log        *slog.Logger
}

// New builds a Queue. The dispatcher is attached later via SetDispatcher
// because the pipeline needs the queue to enqueue follow-up work.
func New(store storage.Store, gate *access.Gate, opts Options, m *metrics.Metrics, log *slog.Logger) *Queue {
	if opts.DefaultTimeoutSeconds <= 0 {
		opts.DefaultTimeoutSeconds = 120
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{store: store, gate: gate, opts: opts, metrics: m, log: log}
}

// SetDispatcher attaches the completion consumer. Must be called before the
// queue serves traffic.
func (q *Queue) SetDispatcher(d Dispatcher) { q.dispatcher = d }

// Enqueue inserts a pending job with the type's baseline priority unless the
// caller overrides it.
func (q *Queue) Enqueue(ctx context.Context, notebookID string, jobType types.JobType, payload []byte, priorityOverride *int) (*types.Job, error) {
	priority := jobType.BasePriority()
	if priorityOverride != nil {
		priority = *priorityOverride
	}
	job := &types.Job{
		NotebookID:     notebookID,
		Type:           jobType,
		Payload:        payload,
		TimeoutSeconds: q.opts.DefaultTimeoutSeconds,
		MaxRetries:     q.opts.MaxRetries,
		Priority:       priority,
	}
	if err := q.store.EnqueueJob(ctx, job); err != nil {
		return nil, err
	}
	if q.metrics != nil {
		q.metrics.JobsEnqueued.Add(ctx, 1, metrics.JobAttrs(notebookID, string(jobType)))
	}
	q.log.Debug("Job enqueued", "notebook", notebookID, "type", jobType, "job", job.ID, "priority", priority)
	return job, nil
}

// Claim hands the next eligible job to a worker. The worker's label must
// dominate the notebook's classification; within the notebook, dispatch is
// priority-first, FIFO within a priority band. Returns (nil, nil) when the
// queue has nothing for this worker.
func (q *Queue) Claim(ctx context.Context, notebookID, workerID string, typeFilter *types.JobType, agentLabel *types.Label) (*types.Job, error) {
	nb, err := q.store.GetNotebook(ctx, notebookID)
	if err != nil {
		return nil, err
	}
	if err := q.gate.CheckAgentLabel(ctx, nb, workerID, agentLabel); err != nil {
		return nil, err
	}

	job, err := q.store.ClaimJob(ctx, storage.ClaimRequest{
		NotebookID: notebookID,
		WorkerID:   workerID,
		Type:       typeFilter,
		Now:        time.Now(),
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if q.metrics != nil {
		q.metrics.JobsClaimed.Add(ctx, 1, metrics.JobAttrs(notebookID, string(job.Type)))
	}
	q.log.Debug("Job claimed", "notebook", notebookID, "job", job.ID, "type", job.Type, "worker", workerID)
	return job, nil
}

// Complete records a worker's result and dispatches the pipeline reaction.
// The state-checked update rejects stale workers; their results are
// discarded. The result is durable before dispatch runs, so a dispatch
// failure never loses it — repair is RetryFailed plus administrative replay.
func (q *Queue) Complete(ctx context.Context, notebookID, jobID, workerID string, result json.RawMessage) (*types.Job, error) {
	job, err := q.store.CompleteJob(ctx, notebookID, jobID, workerID, result, time.Now())
	if err != nil {
		return nil, err
	}
	if q.metrics != nil {
		q.metrics.JobsCompleted.Add(ctx, 1, metrics.JobAttrs(notebookID, string(job.Type)))
	}

	if q.dispatcher != nil {
		if derr := q.dispatcher.OnCompleted(ctx, job); derr != nil {
			// The completed result is already durable; log and surface the
			// dispatch failure without unwinding the completion.
			q.log.Error("Pipeline dispatch failed", "job", job.ID, "type", job.Type, "error", derr)
			return job, fmt.Errorf("job completed but dispatch failed: %w", derr)
		}
	}
	return job, nil
}

// Fail records a worker failure; the job retries until its budget runs out.
func (q *Queue) Fail(ctx context.Context, notebookID, jobID, workerID, errMsg string) (*types.Job, error) {
	job, err := q.store.FailJob(ctx, notebookID, jobID, workerID, errMsg, time.Now())
	if err != nil {
		return nil, err
	}
	if q.metrics != nil {
		q.metrics.JobsFailed.Add(ctx, 1, metrics.JobAttrs(notebookID, string(job.Type)))
	}
	q.log.Info("Job failed", "notebook", notebookID, "job", jobID, "retry", job.RetryCount, "terminal", job.Status == types.JobFailed)
	return job, nil
}

// ReclaimTimedOut returns expired claims to pending for one notebook.
func (q *Queue) ReclaimTimedOut(ctx context.Context, notebookID string) (int64, error) {
	n, err := q.store.ReclaimTimedOutJobs(ctx, notebookID, time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if q.metrics != nil {
			q.metrics.JobsReclaimed.Add(ctx, n, metrics.JobAttrs(notebookID, "any"))
		}
		q.log.Info("Reclaimed timed-out jobs", "notebook", notebookID, "count", n)
	}
	return n, nil
}

// Stats returns the notebook's per-(type,status) counts.
func (q *Queue) Stats(ctx context.Context, notebookID string) (types.JobStats, error) {
	return q.store.JobStats(ctx, notebookID)
}

// RetryFailed resets terminal failures back to pending.
func (q *Queue) RetryFailed(ctx context.Context, notebookID string) (int64, error) {
	return q.store.RetryFailedJobs(ctx, notebookID)
}
