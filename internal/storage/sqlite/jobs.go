package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quillspace/quill/internal/storage"
	"github.com/quillspace/quill/internal/types"
)

const jobColumns = `id, notebook_id, type, status, payload, result, error,
	created_at, claimed_at, claimed_by, completed_at, timeout_seconds, retry_count, max_retries, priority`

// EnqueueJob inserts a pending job. Priority is stored as given; the
// type's baseline is applied by the caller (queue.Enqueue).
func (s *Store) EnqueueJob(ctx context.Context, job *types.Job) error {
	if job.NotebookID == "" {
		return fmt.Errorf("job missing notebook: %w", storage.ErrInvalid)
	}
	if _, err := types.ParseJobType(string(job.Type)); err != nil {
		return fmt.Errorf("%v: %w", err, storage.ErrInvalid)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = types.JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.TimeoutSeconds <= 0 {
		job.TimeoutSeconds = 120
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = 3
	}

	var payload any
	if len(job.Payload) > 0 {
		payload = string(job.Payload)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, notebook_id, type, status, payload, created_at, timeout_seconds, retry_count, max_retries, priority)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.NotebookID, string(job.Type), string(job.Status), payload,
		sqlTime(job.CreatedAt), job.TimeoutSeconds, job.RetryCount, job.MaxRetries, job.Priority)
	return wrapDBError("enqueue job", err)
}

func scanJob(row interface{ Scan(...any) error }) (*types.Job, error) {
	var j types.Job
	var payload, result, errMsg, claimedBy sql.NullString
	var claimedAt, completedAt sql.NullTime
	var jobType, status string

	err := row.Scan(
		&j.ID, &j.NotebookID, &jobType, &status, &payload, &result, &errMsg,
		&j.CreatedAt, &claimedAt, &claimedBy, &completedAt,
		&j.TimeoutSeconds, &j.RetryCount, &j.MaxRetries, &j.Priority,
	)
	if err != nil {
		return nil, err
	}
	j.Type = types.JobType(jobType)
	j.Status = types.JobStatus(status)
	if payload.Valid {
		j.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	j.Error = nullString(errMsg)
	j.ClaimedBy = nullString(claimedBy)
	j.ClaimedAt = nullTime(claimedAt)
	j.CompletedAt = nullTime(completedAt)
	return &j, nil
}

// GetJob fetches one job scoped to its notebook.
func (s *Store) GetJob(ctx context.Context, notebookID, jobID string) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = ? AND notebook_id = ?
	`, jobID, notebookID)
	j, err := scanJob(row)
	if err != nil {
		return nil, wrapDBError("get job", err)
	}
	return j, nil
}

// ClaimJob atomically selects the highest-priority pending job for the
// notebook (FIFO within a priority band) and transitions it to in_progress
// for the calling worker. The IMMEDIATE transaction plus the status check in
// the UPDATE make a double-claim impossible: a row being claimed here cannot
// be returned to a concurrent caller. Returns ErrNotFound when the queue has
// nothing eligible.
func (s *Store) ClaimJob(ctx context.Context, req storage.ClaimRequest) (*types.Job, error) {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	conn, commit, cleanup, err := s.beginImmediate(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	query := `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE notebook_id = ? AND status = 'pending'`
	args := []any{req.NotebookID}
	if req.Type != nil {
		query += ` AND type = ?`
		args = append(args, string(*req.Type))
	}
	query += ` ORDER BY priority DESC, created_at ASC, rowid ASC LIMIT 1`

	row := conn.QueryRowContext(ctx, query, args...)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no pending job: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, wrapDBError("select pending job", err)
	}

	res, err := conn.ExecContext(ctx, `
		UPDATE jobs SET status = 'in_progress', claimed_at = ?, claimed_by = ?
		WHERE id = ? AND status = 'pending'
	`, sqlTime(now), req.WorkerID, job.ID)
	if err != nil {
		return nil, wrapDBError("claim job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Cannot happen under IMMEDIATE serialization, but a zero update must
		// never hand out the job.
		return nil, fmt.Errorf("job %s raced away: %w", job.ID, storage.ErrConflict)
	}
	if err := commit(ctx); err != nil {
		return nil, err
	}

	claimed := sqlTime(now)
	job.Status = types.JobInProgress
	job.ClaimedAt = &claimed
	job.ClaimedBy = req.WorkerID
	return job, nil
}

// CompleteJob records a worker's result. The update is conditional on the
// caller still holding the claim; a worker whose job was reclaimed gets
// ErrStaleClaim and must discard its result.
func (s *Store) CompleteJob(ctx context.Context, notebookID, jobID, workerID string, result json.RawMessage, now time.Time) (*types.Job, error) {
	if now.IsZero() {
		now = time.Now()
	}
	conn, commit, cleanup, err := s.beginImmediate(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	var resultArg any
	if len(result) > 0 {
		resultArg = string(result)
	}
	res, err := conn.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', result = ?, completed_at = ?
		WHERE id = ? AND notebook_id = ? AND status = 'in_progress' AND claimed_by = ?
	`, resultArg, sqlTime(now), jobID, notebookID, workerID)
	if err != nil {
		return nil, wrapDBError("complete job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, staleOrMissing(ctx, conn, notebookID, jobID)
	}

	row := conn.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return nil, wrapDBError("reload completed job", err)
	}
	if err := commit(ctx); err != nil {
		return nil, err
	}
	return job, nil
}

// FailJob records a worker failure. The job returns to pending while retries
// remain; otherwise it lands in terminal failed state.
func (s *Store) FailJob(ctx context.Context, notebookID, jobID, workerID, errMsg string, now time.Time) (*types.Job, error) {
	if now.IsZero() {
		now = time.Now()
	}
	conn, commit, cleanup, err := s.beginImmediate(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	res, err := conn.ExecContext(ctx, `
		UPDATE jobs SET
			retry_count = retry_count + 1,
			error = ?,
			status = CASE WHEN retry_count + 1 < max_retries THEN 'pending' ELSE 'failed' END,
			claimed_at = CASE WHEN retry_count + 1 < max_retries THEN NULL ELSE claimed_at END,
			claimed_by = CASE WHEN retry_count + 1 < max_retries THEN NULL ELSE claimed_by END,
			completed_at = CASE WHEN retry_count + 1 < max_retries THEN NULL ELSE ? END
		WHERE id = ? AND notebook_id = ? AND status = 'in_progress' AND claimed_by = ?
	`, errMsg, sqlTime(now), jobID, notebookID, workerID)
	if err != nil {
		return nil, wrapDBError("fail job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, staleOrMissing(ctx, conn, notebookID, jobID)
	}

	row := conn.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return nil, wrapDBError("reload failed job", err)
	}
	if err := commit(ctx); err != nil {
		return nil, err
	}
	return job, nil
}

// staleOrMissing distinguishes "job gone" from "someone else holds it".
func staleOrMissing(ctx context.Context, q querier, notebookID, jobID string) error {
	var status, claimedBy sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT status, claimed_by FROM jobs WHERE id = ? AND notebook_id = ?
	`, jobID, notebookID).Scan(&status, &claimedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", jobID, storage.ErrNotFound)
	}
	if err != nil {
		return wrapDBError("inspect job state", err)
	}
	return fmt.Errorf("job %s is %s (claimed by %q): %w", jobID, status.String, claimedBy.String, storage.ErrStaleClaim)
}

// ReclaimTimedOutJobs returns expired in_progress jobs to pending, charging
// one retry per reclaim. Jobs out of retries become terminal failed.
func (s *Store) ReclaimTimedOutJobs(ctx context.Context, notebookID string, now time.Time) (int64, error) {
	if now.IsZero() {
		now = time.Now()
	}
	conn, commit, cleanup, err := s.beginImmediate(ctx)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	// Expiry is data-driven per job: claimed_at + timeout_seconds < now.
	res, err := conn.ExecContext(ctx, `
		UPDATE jobs SET
			retry_count = retry_count + 1,
			status = 'pending',
			claimed_at = NULL,
			claimed_by = NULL,
			error = 'claim timed out'
		WHERE notebook_id = ? AND status = 'in_progress'
		  AND retry_count < max_retries
		  AND datetime(claimed_at, '+' || timeout_seconds || ' seconds') < datetime(?)
	`, notebookID, sqlTime(now))
	if err != nil {
		return 0, wrapDBError("reclaim timed out jobs", err)
	}
	reclaimed, _ := res.RowsAffected()

	// Expired jobs with no retries left terminate.
	_, err = conn.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', error = 'claim timed out; retries exhausted', completed_at = ?
		WHERE notebook_id = ? AND status = 'in_progress'
		  AND retry_count >= max_retries
		  AND datetime(claimed_at, '+' || timeout_seconds || ' seconds') < datetime(?)
	`, sqlTime(now), notebookID, sqlTime(now))
	if err != nil {
		return 0, wrapDBError("fail exhausted jobs", err)
	}

	if err := commit(ctx); err != nil {
		return 0, err
	}
	return reclaimed, nil
}

// JobStats counts jobs per (type, status).
func (s *Store) JobStats(ctx context.Context, notebookID string) (types.JobStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, status, COUNT(*) FROM jobs WHERE notebook_id = ? GROUP BY type, status
	`, notebookID)
	if err != nil {
		return nil, wrapDBError("query job stats", err)
	}
	defer func() { _ = rows.Close() }()

	stats := make(types.JobStats)
	for rows.Next() {
		var jobType, status string
		var count int
		if err := rows.Scan(&jobType, &status, &count); err != nil {
			return nil, wrapDBError("scan job stats", err)
		}
		t := types.JobType(jobType)
		if stats[t] == nil {
			stats[t] = make(map[types.JobStatus]int)
		}
		stats[t][types.JobStatus(status)] = count
	}
	return stats, wrapDBError("iterate job stats", rows.Err())
}

// RetryFailedJobs resets every terminal failed job back to pending with a
// fresh retry budget. Administrative repair path.
func (s *Store) RetryFailedJobs(ctx context.Context, notebookID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', retry_count = 0, error = NULL,
			claimed_at = NULL, claimed_by = NULL, completed_at = NULL
		WHERE notebook_id = ? AND status = 'failed'
	`, notebookID)
	if err != nil {
		return 0, wrapDBError("retry failed jobs", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
