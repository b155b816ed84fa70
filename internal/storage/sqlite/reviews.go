package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quillspace/quill/internal/storage"
	"github.com/quillspace/quill/internal/types"
)

// CreateReview records a pending review for an entry held off the pipeline.
func (s *Store) CreateReview(ctx context.Context, r *types.Review) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = types.ReviewPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entry_reviews (id, notebook_id, entry_id, submitter, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.NotebookID, r.EntryID, r.Submitter.String(), string(r.Status), sqlTime(r.CreatedAt))
	return wrapDBError("create review", err)
}

func scanReview(row interface{ Scan(...any) error }) (*types.Review, error) {
	var r types.Review
	var submitter, status string
	var reviewer sql.NullString
	var decidedAt sql.NullTime
	err := row.Scan(&r.ID, &r.NotebookID, &r.EntryID, &submitter, &status, &reviewer, &r.Reason, &r.CreatedAt, &decidedAt)
	if err != nil {
		return nil, err
	}
	if r.Submitter, err = types.ParseAuthorID(submitter); err != nil {
		return nil, fmt.Errorf("corrupt review submitter: %w", err)
	}
	r.Status = types.ReviewStatus(status)
	if reviewer.Valid {
		id, err := types.ParseAuthorID(reviewer.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt reviewer: %w", err)
		}
		r.Reviewer = &id
	}
	r.DecidedAt = nullTime(decidedAt)
	return &r, nil
}

const reviewColumns = `id, notebook_id, entry_id, submitter, status, reviewer, reason, created_at, decided_at`

// GetReviewByEntry fetches the review record for an entry.
func (s *Store) GetReviewByEntry(ctx context.Context, entryID string) (*types.Review, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+reviewColumns+` FROM entry_reviews WHERE entry_id = ?
	`, entryID)
	r, err := scanReview(row)
	if err != nil {
		return nil, wrapDBError("get review", err)
	}
	return r, nil
}

// DecideReview transitions a pending review to approved or rejected. The
// entry's review_status column — and that of every fragment chained to it —
// moves in the same transaction, so a decision on a fragmented write never
// strands its children at pending.
func (s *Store) DecideReview(ctx context.Context, entryID string, reviewer types.AuthorID, status types.ReviewStatus, reason string, at time.Time) error {
	if status != types.ReviewApproved && status != types.ReviewRejected {
		return fmt.Errorf("review decision must be approved or rejected: %w", storage.ErrInvalid)
	}
	if at.IsZero() {
		at = time.Now()
	}

	conn, commit, cleanup, err := s.beginImmediate(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := conn.ExecContext(ctx, `
		UPDATE entry_reviews SET status = ?, reviewer = ?, reason = ?, decided_at = ?
		WHERE entry_id = ? AND status = 'pending'
	`, string(status), reviewer.String(), reason, sqlTime(at), entryID)
	if err != nil {
		return wrapDBError("decide review", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no pending review for entry %s: %w", entryID, storage.ErrConflict)
	}

	if _, err := conn.ExecContext(ctx, `
		UPDATE entries SET review_status = ? WHERE id = ? OR fragment_of = ?
	`, string(status), entryID, entryID); err != nil {
		return wrapDBError("update entry review status", err)
	}
	return commit(ctx)
}

// ListPendingReviews lists a notebook's open reviews oldest-first.
func (s *Store) ListPendingReviews(ctx context.Context, notebookID string) ([]*types.Review, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reviewColumns+` FROM entry_reviews
		WHERE notebook_id = ? AND status = 'pending'
		ORDER BY created_at, id
	`, notebookID)
	if err != nil {
		return nil, wrapDBError("list pending reviews", err)
	}
	defer func() { _ = rows.Close() }()

	var reviews []*types.Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, wrapDBError("scan review", err)
		}
		reviews = append(reviews, r)
	}
	return reviews, wrapDBError("iterate reviews", rows.Err())
}
