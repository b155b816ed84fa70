package sqlite

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/quillspace/quill/internal/storage"
	"github.com/quillspace/quill/internal/types"
)

const maxBrowseLimit = 500

// BrowseEntries runs the AND-combined filter set over one notebook. Results
// order by ascending sequence unless the filter asks for descending, and
// pending-review entries stay hidden unless the filter says otherwise.
func (s *Store) BrowseEntries(ctx context.Context, notebookID string, f storage.EntryFilter) ([]*types.Entry, error) {
	if f.Limit <= 0 || f.Limit > maxBrowseLimit {
		f.Limit = maxBrowseLimit
	}
	if f.Offset < 0 {
		return nil, fmt.Errorf("offset must be >= 0: %w", storage.ErrInvalid)
	}

	where := []string{"e.notebook_id = ?"}
	args := []any{notebookID}

	if f.TopicPrefix != "" {
		where = append(where, "(e.topic = ? OR e.topic LIKE ?)")
		args = append(args, f.TopicPrefix, f.TopicPrefix+"/%")
	}
	if f.ClaimsStatus != nil {
		where = append(where, "e.claims_status = ?")
		args = append(args, string(*f.ClaimsStatus))
	}
	if f.IntegrationStatus != nil {
		where = append(where, "e.integration_status = ?")
		args = append(args, string(*f.IntegrationStatus))
	}
	if f.Author != nil {
		where = append(where, "e.author = ?")
		args = append(args, f.Author.String())
	}
	if f.SequenceMin != nil {
		where = append(where, "e.sequence >= ?")
		args = append(args, *f.SequenceMin)
	}
	if f.SequenceMax != nil {
		where = append(where, "e.sequence <= ?")
		args = append(args, *f.SequenceMax)
	}
	if f.HasFrictionAbove != nil {
		where = append(where, "e.max_friction > ?")
		args = append(args, *f.HasFrictionAbove)
	}
	if f.NeedsReview != nil {
		where = append(where, "e.needs_review = ?")
		args = append(args, boolInt(*f.NeedsReview))
	}
	if f.FragmentOf != "" {
		where = append(where, "e.fragment_of = ?")
		args = append(args, f.FragmentOf)
	}

	// The review gate: non-reviewers see approved rows only; the submitter
	// additionally sees their own pending rows.
	if !f.IncludePending {
		if f.Submitter != nil {
			where = append(where, "(e.review_status = 'approved' OR e.author = ?)")
			args = append(args, f.Submitter.String())
		} else {
			where = append(where, "e.review_status = 'approved'")
		}
	}

	join := ""
	if f.Query != "" {
		join = " JOIN entries_fts ON entries_fts.entry_id = e.id"
		where = append(where, "entries_fts MATCH ?")
		args = append(args, ftsQuery(f.Query))
	}

	order := "e.sequence ASC"
	if f.Descending {
		order = "e.sequence DESC"
	}

	query := `SELECT ` + prefixedEntryColumns("e") + ` FROM entries e` + join +
		` WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY ` + order + ` LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("browse entries", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*types.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, wrapDBError("scan browsed entry", err)
		}
		entries = append(entries, e)
	}
	return entries, wrapDBError("iterate browsed entries", rows.Err())
}

// prefixedEntryColumns qualifies entryColumns with a table alias.
func prefixedEntryColumns(alias string) string {
	cols := strings.Split(entryColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// ObserveEntries is the change feed: approved entries with sequence greater
// than the watermark, ascending, capped by limit. The monotonic sequence
// makes the cursor resumable.
func (s *Store) ObserveEntries(ctx context.Context, notebookID string, sinceSequence int64, topicPrefix string, limit int) ([]*types.Entry, error) {
	if limit <= 0 || limit > maxBrowseLimit {
		limit = maxBrowseLimit
	}
	where := []string{"notebook_id = ?", "sequence > ?", "review_status = 'approved'"}
	args := []any{notebookID, sinceSequence}
	if topicPrefix != "" {
		where = append(where, "(topic = ? OR topic LIKE ?)")
		args = append(args, topicPrefix, topicPrefix+"/%")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY sequence ASC LIMIT ?
	`, args...)
	if err != nil {
		return nil, wrapDBError("observe entries", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*types.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, wrapDBError("scan observed entry", err)
		}
		entries = append(entries, e)
	}
	return entries, wrapDBError("iterate observed entries", rows.Err())
}

// SearchLexical runs the trigram full-text index over content and topic,
// returning snippets around matches ranked by bm25.
func (s *Store) SearchLexical(ctx context.Context, notebookID, query string, limit int) ([]storage.SearchHit, error) {
	if limit <= 0 || limit > maxBrowseLimit {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entries_fts.entry_id, snippet(entries_fts, 2, '[', ']', '…', 12), bm25(entries_fts)
		FROM entries_fts
		JOIN entries e ON e.id = entries_fts.entry_id
		WHERE entries_fts.notebook_id = ? AND entries_fts MATCH ? AND e.review_status = 'approved'
		ORDER BY bm25(entries_fts) LIMIT ?
	`, notebookID, ftsQuery(query), limit)
	if err != nil {
		return nil, wrapDBError("lexical search", err)
	}
	defer func() { _ = rows.Close() }()

	type rawHit struct {
		entryID string
		snippet string
		rank    float64
	}
	var raw []rawHit
	for rows.Next() {
		var h rawHit
		if err := rows.Scan(&h.entryID, &h.snippet, &h.rank); err != nil {
			return nil, wrapDBError("scan search hit", err)
		}
		raw = append(raw, h)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate search hits", err)
	}

	hits := make([]storage.SearchHit, 0, len(raw))
	for _, h := range raw {
		e, err := s.GetEntry(ctx, notebookID, h.entryID)
		if err != nil {
			continue // deindex raced a delete
		}
		hits = append(hits, storage.SearchHit{Entry: e, Snippet: h.snippet, Rank: h.rank})
	}
	return hits, nil
}

// ftsQuery quotes the user's query for FTS5 so punctuation cannot escape
// into the match grammar.
func ftsQuery(q string) string {
	return `"` + strings.ReplaceAll(q, `"`, `""`) + `"`
}

// SemanticNeighbors scans embeddings in the notebook (and, optionally, live
// mirrored claims of its subscriptions) and returns the k nearest by cosine
// similarity at or above the floor. Pending-review entries never appear.
func (s *Store) SemanticNeighbors(ctx context.Context, notebookID string, embedding []float32, k int, minSimilarity float64, includeMirrored bool, excludeEntryID string) ([]storage.Neighbor, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("empty query embedding: %w", storage.ErrInvalid)
	}
	if k <= 0 {
		k = 5
	}

	var neighbors []storage.Neighbor

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, embedding, claims FROM entries
		WHERE notebook_id = ? AND embedding IS NOT NULL AND review_status = 'approved' AND id != ?
	`, notebookID, excludeEntryID)
	if err != nil {
		return nil, wrapDBError("scan embeddings", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id, claimsJSON string
		var blob []byte
		if err := rows.Scan(&id, &blob, &claimsJSON); err != nil {
			return nil, wrapDBError("scan embedding row", err)
		}
		sim := cosineSimilarity(embedding, decodeEmbedding(blob))
		if sim < minSimilarity {
			continue
		}
		claims, err := unmarshalClaims(claimsJSON)
		if err != nil {
			return nil, err
		}
		neighbors = append(neighbors, storage.Neighbor{EntryID: id, Similarity: sim, Claims: claims})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate embeddings", err)
	}

	if includeMirrored {
		mrows, err := s.db.QueryContext(ctx, `
			SELECT mc.id, mc.embedding, mc.claims, mc.subscription_id, sub.discount_factor
			FROM mirrored_claims mc
			JOIN notebook_subscriptions sub ON sub.id = mc.subscription_id
			WHERE sub.subscriber_notebook = ? AND mc.tombstoned = 0 AND mc.embedding IS NOT NULL
		`, notebookID)
		if err != nil {
			return nil, wrapDBError("scan mirrored embeddings", err)
		}
		defer func() { _ = mrows.Close() }()

		for mrows.Next() {
			var id, claimsJSON, subID string
			var blob []byte
			var discount float64
			if err := mrows.Scan(&id, &blob, &claimsJSON, &subID, &discount); err != nil {
				return nil, wrapDBError("scan mirrored embedding row", err)
			}
			sim := cosineSimilarity(embedding, decodeEmbedding(blob))
			if sim < minSimilarity {
				continue
			}
			claims, err := unmarshalClaims(claimsJSON)
			if err != nil {
				return nil, err
			}
			neighbors = append(neighbors, storage.Neighbor{
				EntryID:        id,
				Similarity:     sim,
				IsMirrored:     true,
				SubscriptionID: subID,
				DiscountFactor: discount,
				Claims:         claims,
			})
		}
		if err := mrows.Err(); err != nil {
			return nil, wrapDBError("iterate mirrored embeddings", err)
		}
	}

	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Similarity != neighbors[j].Similarity {
			return neighbors[i].Similarity > neighbors[j].Similarity
		}
		return neighbors[i].EntryID < neighbors[j].EntryID
	})
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

// ListTopics returns the distinct non-empty topics in use in a notebook.
func (s *Store) ListTopics(ctx context.Context, notebookID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT topic FROM entries
		WHERE notebook_id = ? AND topic != '' AND review_status = 'approved'
		ORDER BY topic
	`, notebookID)
	if err != nil {
		return nil, wrapDBError("list topics", err)
	}
	defer func() { _ = rows.Close() }()

	var topics []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, wrapDBError("scan topic", err)
		}
		topics = append(topics, t)
	}
	return topics, wrapDBError("iterate topics", rows.Err())
}

// GetClaimsBatch returns claim sets for a list of entries in one call.
func (s *Store) GetClaimsBatch(ctx context.Context, notebookID string, entryIDs []string) (map[string][]types.Claim, error) {
	out := make(map[string][]types.Claim, len(entryIDs))
	if len(entryIDs) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(entryIDs)), ",")
	args := make([]any, 0, len(entryIDs)+1)
	args = append(args, notebookID)
	for _, id := range entryIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, claims FROM entries
		WHERE notebook_id = ? AND review_status = 'approved' AND id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, wrapDBError("batch claims", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id, claimsJSON string
		if err := rows.Scan(&id, &claimsJSON); err != nil {
			return nil, wrapDBError("scan batch claims", err)
		}
		claims, err := unmarshalClaims(claimsJSON)
		if err != nil {
			return nil, err
		}
		out[id] = claims
	}
	return out, wrapDBError("iterate batch claims", rows.Err())
}
