package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quillspace/quill/internal/storage"
	"github.com/quillspace/quill/internal/types"
)

const entryColumns = `id, notebook_id, sequence, content, content_type, original_content_type, topic,
	author, signature, revision_of, refs, fragment_of, fragment_index,
	claims, claims_status, comparisons, expected_comparisons, max_friction, needs_review,
	embedding, integration_status, review_status, created_at`

// InsertEntry persists an entry, assigning the notebook's next sequence in
// the same transaction that reserves the row. The assigned sequence is
// written back to e.Sequence. Client-provided sequences are ignored.
func (s *Store) InsertEntry(ctx context.Context, e *types.Entry) error {
	conn, commit, cleanup, err := s.beginImmediate(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := insertEntryTx(ctx, conn, e); err != nil {
		return err
	}
	return commit(ctx)
}

// InsertEntryBatch persists several entries under one transaction so the
// batch is atomic per notebook: either every entry gets a sequence or none do.
func (s *Store) InsertEntryBatch(ctx context.Context, notebookID string, entries []*types.Entry) error {
	conn, commit, cleanup, err := s.beginImmediate(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	for _, e := range entries {
		if e.NotebookID != notebookID {
			return fmt.Errorf("batch entry targets notebook %s, want %s: %w", e.NotebookID, notebookID, storage.ErrInvalid)
		}
		if err := insertEntryTx(ctx, conn, e); err != nil {
			return err
		}
	}
	return commit(ctx)
}

// insertEntryTx does the actual insert on an open IMMEDIATE transaction.
func insertEntryTx(ctx context.Context, conn *sql.Conn, e *types.Entry) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, storage.ErrInvalid)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.ClaimsStatus == "" {
		e.ClaimsStatus = types.ClaimsPending
	}
	if e.IntegrationStatus == "" {
		e.IntegrationStatus = types.IntegrationProbation
	}
	if e.ReviewStatus == "" {
		e.ReviewStatus = types.ReviewApproved
	}

	if err := ensureAuthor(ctx, conn, e.Author.String()); err != nil {
		return err
	}

	// Revisions and references must resolve inside the same notebook.
	if e.RevisionOf != "" {
		if err := requireEntryInNotebook(ctx, conn, e.NotebookID, e.RevisionOf, "revision_of"); err != nil {
			return err
		}
	}
	if e.FragmentOf != "" {
		if err := requireEntryInNotebook(ctx, conn, e.NotebookID, e.FragmentOf, "fragment_of"); err != nil {
			return err
		}
	}
	for _, ref := range e.References {
		if err := requireEntryInNotebook(ctx, conn, e.NotebookID, ref, "reference"); err != nil {
			return err
		}
	}

	// Atomic sequence assignment: the counter increment and the row insert
	// share the transaction, so (notebook_id, sequence) collisions are
	// impossible by construction.
	var seq int64
	err := conn.QueryRowContext(ctx, `
		UPDATE notebooks SET current_sequence = current_sequence + 1
		WHERE id = ?
		RETURNING current_sequence
	`, e.NotebookID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("notebook %s: %w", e.NotebookID, storage.ErrNotFound)
	}
	if err != nil {
		return wrapDBError("advance sequence", err)
	}
	e.Sequence = seq

	claims, err := marshalJSON(e.Claims)
	if err != nil {
		return err
	}
	comparisons, err := marshalJSON(e.Comparisons)
	if err != nil {
		return err
	}
	refs, err := marshalJSON(e.References)
	if err != nil {
		return err
	}

	var fragmentOf any
	var fragmentIndex any
	if e.FragmentOf != "" {
		fragmentOf = e.FragmentOf
		fragmentIndex = *e.FragmentIndex
	}
	var revisionOf any
	if e.RevisionOf != "" {
		revisionOf = e.RevisionOf
	}
	var originalType any
	if e.OriginalContentType != "" {
		originalType = e.OriginalContentType
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO entries (
			id, notebook_id, sequence, content, content_type, original_content_type, topic,
			author, signature, revision_of, refs, fragment_of, fragment_index,
			claims, claims_status, comparisons, expected_comparisons, max_friction, needs_review,
			embedding, integration_status, review_status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.NotebookID, e.Sequence, e.Content, e.ContentType, originalType, e.Topic,
		e.Author.String(), e.Signature, revisionOf, refs, fragmentOf, fragmentIndex,
		claims, string(e.ClaimsStatus), comparisons, e.ExpectedComparisons, e.MaxFriction, boolInt(e.NeedsReview),
		encodeEmbedding(e.Embedding), string(e.IntegrationStatus), string(e.ReviewStatus), sqlTime(e.CreatedAt),
	)
	if err != nil {
		return wrapDBError("insert entry", err)
	}

	// Index textual content for lexical search.
	if isTextual(e.ContentType) {
		_, err = conn.ExecContext(ctx, `
			INSERT INTO entries_fts (entry_id, notebook_id, content, topic) VALUES (?, ?, ?, ?)
		`, e.ID, e.NotebookID, string(e.Content), e.Topic)
		if err != nil {
			return wrapDBError("index entry content", err)
		}
	}
	return nil
}

func requireEntryInNotebook(ctx context.Context, q querier, notebookID, entryID, kind string) error {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entries WHERE id = ? AND notebook_id = ?
	`, entryID, notebookID).Scan(&n)
	if err != nil {
		return wrapDBError("resolve "+kind, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s does not resolve in notebook %s: %w", kind, entryID, notebookID, storage.ErrInvalid)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "text/") || strings.Contains(ct, "markdown") || strings.Contains(ct, "json")
}

func scanEntry(row interface{ Scan(...any) error }) (*types.Entry, error) {
	var e types.Entry
	var author string
	var originalType, revisionOf, fragmentOf sql.NullString
	var fragmentIndex sql.NullInt64
	var claims, comparisons, refs string
	var claimsStatus, integrationStatus, reviewStatus string
	var maxFriction sql.NullFloat64
	var needsReview int
	var embedding []byte

	err := row.Scan(
		&e.ID, &e.NotebookID, &e.Sequence, &e.Content, &e.ContentType, &originalType, &e.Topic,
		&author, &e.Signature, &revisionOf, &refs, &fragmentOf, &fragmentIndex,
		&claims, &claimsStatus, &comparisons, &e.ExpectedComparisons, &maxFriction, &needsReview,
		&embedding, &integrationStatus, &reviewStatus, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if e.Author, err = types.ParseAuthorID(author); err != nil {
		return nil, fmt.Errorf("corrupt entry author: %w", err)
	}
	e.OriginalContentType = nullString(originalType)
	e.RevisionOf = nullString(revisionOf)
	e.FragmentOf = nullString(fragmentOf)
	if fragmentIndex.Valid {
		idx := int(fragmentIndex.Int64)
		e.FragmentIndex = &idx
	}
	if e.Claims, err = unmarshalClaims(claims); err != nil {
		return nil, err
	}
	if e.Comparisons, err = unmarshalComparisons(comparisons); err != nil {
		return nil, err
	}
	if e.References, err = unmarshalStrings(refs); err != nil {
		return nil, err
	}
	e.ClaimsStatus = types.ClaimsStatus(claimsStatus)
	e.IntegrationStatus = types.IntegrationStatus(integrationStatus)
	e.ReviewStatus = types.ReviewStatus(reviewStatus)
	e.MaxFriction = nullFloat(maxFriction)
	e.NeedsReview = needsReview != 0
	e.Embedding = decodeEmbedding(embedding)
	return &e, nil
}

// GetEntry fetches one entry, scoped to its notebook.
func (s *Store) GetEntry(ctx context.Context, notebookID, entryID string) (*types.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM entries WHERE id = ? AND notebook_id = ?
	`, entryID, notebookID)
	e, err := scanEntry(row)
	if err != nil {
		return nil, wrapDBError("get entry", err)
	}
	return e, nil
}

// ListFragments returns an entry's child fragments in index order.
func (s *Store) ListFragments(ctx context.Context, parentID string) ([]*types.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM entries WHERE fragment_of = ? ORDER BY fragment_index
	`, parentID)
	if err != nil {
		return nil, wrapDBError("list fragments", err)
	}
	defer func() { _ = rows.Close() }()

	var fragments []*types.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, wrapDBError("scan fragment", err)
		}
		fragments = append(fragments, e)
	}
	return fragments, wrapDBError("iterate fragments", rows.Err())
}

// DeleteEntry removes an entry and, within the notebook, its fragments. The
// FTS shadow rows go with it, and every subscription's mirror of the deleted
// rows becomes a tombstone in the same transaction.
func (s *Store) DeleteEntry(ctx context.Context, notebookID, entryID string) error {
	conn, commit, cleanup, err := s.beginImmediate(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	rows, err := conn.QueryContext(ctx, `
		SELECT id FROM entries WHERE notebook_id = ? AND (id = ? OR fragment_of = ?)
	`, notebookID, entryID, entryID)
	if err != nil {
		return wrapDBError("resolve entry for delete", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return wrapDBError("scan entry id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return wrapDBError("iterate entry ids", err)
	}
	_ = rows.Close()
	if len(ids) == 0 {
		return fmt.Errorf("entry %s: %w", entryID, storage.ErrNotFound)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	if _, err := conn.ExecContext(ctx, `
		UPDATE mirrored_claims SET tombstoned = 1 WHERE source_entry_id IN (`+placeholders+`)
	`, args...); err != nil {
		return wrapDBError("tombstone mirrors", err)
	}
	if _, err := conn.ExecContext(ctx, `
		DELETE FROM entries WHERE id IN (`+placeholders+`)
	`, args...); err != nil {
		return wrapDBError("delete entry", err)
	}
	if _, err := conn.ExecContext(ctx, `
		DELETE FROM entries_fts WHERE entry_id IN (`+placeholders+`)
	`, args...); err != nil {
		return wrapDBError("deindex entry", err)
	}
	return commit(ctx)
}

// SetEntryClaims updates only the claim list and claim status columns.
func (s *Store) SetEntryClaims(ctx context.Context, entryID string, claims []types.Claim, status types.ClaimsStatus) error {
	encoded, err := marshalJSON(claims)
	if err != nil {
		return err
	}
	return s.updateEntryColumns(ctx, entryID, `claims = ?, claims_status = ?`, encoded, string(status))
}

// SetEntryEmbedding stores the dense vector and the number of comparisons the
// pipeline expects before the entry can verify.
func (s *Store) SetEntryEmbedding(ctx context.Context, entryID string, embedding []float32, expectedComparisons int) error {
	return s.updateEntryColumns(ctx, entryID, `embedding = ?, expected_comparisons = ?`,
		encodeEmbedding(embedding), expectedComparisons)
}

// SetEntryClaimsStatus updates only the claim status column.
func (s *Store) SetEntryClaimsStatus(ctx context.Context, entryID string, status types.ClaimsStatus) error {
	return s.updateEntryColumns(ctx, entryID, `claims_status = ?`, string(status))
}

// SetEntryIntegrationStatus updates only the integration verdict.
func (s *Store) SetEntryIntegrationStatus(ctx context.Context, entryID string, status types.IntegrationStatus) error {
	return s.updateEntryColumns(ctx, entryID, `integration_status = ?`, string(status))
}

// SetEntryTopic updates the topic column and its FTS shadow.
func (s *Store) SetEntryTopic(ctx context.Context, entryID string, topic string) error {
	conn, commit, cleanup, err := s.beginImmediate(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := conn.ExecContext(ctx, `UPDATE entries SET topic = ? WHERE id = ?`, topic, entryID)
	if err != nil {
		return wrapDBError("update entry topic", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %s: %w", entryID, storage.ErrNotFound)
	}
	if _, err := conn.ExecContext(ctx, `UPDATE entries_fts SET topic = ? WHERE entry_id = ?`, topic, entryID); err != nil {
		return wrapDBError("update topic index", err)
	}
	return commit(ctx)
}

// SetEntryReviewStatus updates only the review status column.
func (s *Store) SetEntryReviewStatus(ctx context.Context, entryID string, status types.ReviewStatus) error {
	return s.updateEntryColumns(ctx, entryID, `review_status = ?`, string(status))
}

// AppendEntryComparison appends one comparison result, refreshes the cached
// max_friction and needs_review fields, and flips claims_status to verified
// once every expected comparison has landed. Runs as one transaction and
// returns the updated entry.
func (s *Store) AppendEntryComparison(ctx context.Context, entryID string, cmp types.Comparison, reviewThreshold float64) (*types.Entry, error) {
	conn, commit, cleanup, err := s.beginImmediate(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	row := conn.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, entryID)
	e, err := scanEntry(row)
	if err != nil {
		return nil, wrapDBError("load entry for comparison", err)
	}

	e.Comparisons = append(e.Comparisons, cmp)
	e.RecomputeMaxFriction()
	e.NeedsReview = e.MaxFriction != nil && *e.MaxFriction >= reviewThreshold
	if e.ExpectedComparisons > 0 && len(e.Comparisons) >= e.ExpectedComparisons {
		e.ClaimsStatus = types.ClaimsVerified
	}

	comparisons, err := marshalJSON(e.Comparisons)
	if err != nil {
		return nil, err
	}
	_, err = conn.ExecContext(ctx, `
		UPDATE entries
		SET comparisons = ?, max_friction = ?, needs_review = ?, claims_status = ?
		WHERE id = ?
	`, comparisons, e.MaxFriction, boolInt(e.NeedsReview), string(e.ClaimsStatus), entryID)
	if err != nil {
		return nil, wrapDBError("append comparison", err)
	}
	if err := commit(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// updateEntryColumns runs a targeted UPDATE naming only the mutated columns.
func (s *Store) updateEntryColumns(ctx context.Context, entryID, setClause string, args ...any) error {
	args = append(args, entryID)
	res, err := s.db.ExecContext(ctx, `UPDATE entries SET `+setClause+` WHERE id = ?`, args...)
	if err != nil {
		return wrapDBError("update entry", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("entry %s: %w", entryID, storage.ErrNotFound)
	}
	return nil
}

// CountEntriesByAuthorSince supports per-author quota checks.
func (s *Store) CountEntriesByAuthorSince(ctx context.Context, author types.AuthorID, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entries WHERE author = ? AND created_at >= ?
	`, author.String(), sqlTime(since)).Scan(&n)
	return n, wrapDBError("count author entries", err)
}
