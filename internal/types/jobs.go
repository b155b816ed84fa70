package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType identifies a unit of pipeline work performed by an external worker.
type JobType string

const (
	JobDistillClaims JobType = "DISTILL_CLAIMS"
	JobEmbedClaims   JobType = "EMBED_CLAIMS"
	JobEmbedMirrored JobType = "EMBED_MIRRORED"
	JobCompareClaims JobType = "COMPARE_CLAIMS"
	JobClassifyTopic JobType = "CLASSIFY_TOPIC"
)

// ParseJobType validates a job type string.
func ParseJobType(s string) (JobType, error) {
	switch JobType(s) {
	case JobDistillClaims, JobEmbedClaims, JobEmbedMirrored, JobCompareClaims, JobClassifyTopic:
		return JobType(s), nil
	}
	return "", fmt.Errorf("unknown job type %q", s)
}

// BasePriority returns the dispatch priority for a job type. Every stage
// after distillation outranks DISTILL_CLAIMS so an entry drains its whole
// pipeline before workers pick up fresh distillation work.
func (t JobType) BasePriority() int {
	switch t {
	case JobEmbedClaims:
		return 30
	case JobEmbedMirrored:
		return 25
	case JobCompareClaims:
		return 20
	case JobClassifyTopic:
		return 10
	default:
		return 0
	}
}

// JobStatus is the queue state of a job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job is one queued unit of claim-pipeline work. Payload and Result are
// opaque at the queue level; the orchestrator owns their schemas.
type Job struct {
	ID         string          `json:"id"`
	NotebookID string          `json:"notebook_id"`
	Type       JobType         `json:"type"`
	Status     JobStatus       `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	TimeoutSeconds int        `json:"timeout_seconds"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	Priority       int        `json:"priority"`
}

// JobStats counts jobs per (type, status) for one notebook.
type JobStats map[JobType]map[JobStatus]int
