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

const subscriptionColumns = `id, subscriber_notebook, source_notebook, scope, topic_filter,
	discount_factor, poll_interval_seconds, watermark, sync_status, mirrored_count,
	approved_by, created_at, last_sync_at`

// CreateSubscription validates the subscription, rejects graph cycles, and
// inserts it. The cycle walk and the insert share a transaction so two
// concurrent inserts cannot combine into a cycle.
func (s *Store) CreateSubscription(ctx context.Context, sub *types.Subscription) error {
	if err := sub.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, storage.ErrInvalid)
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}

	conn, commit, cleanup, err := s.beginImmediate(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	// Adding subscriber→source closes a cycle iff source can already reach
	// subscriber. BFS over the existing edge set.
	onCycle, err := reaches(ctx, conn, sub.SourceNotebook, sub.SubscriberNotebook)
	if err != nil {
		return err
	}
	if onCycle {
		return fmt.Errorf("subscription %s -> %s: %w", sub.SubscriberNotebook, sub.SourceNotebook, storage.ErrCycle)
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO notebook_subscriptions (
			id, subscriber_notebook, source_notebook, scope, topic_filter,
			discount_factor, poll_interval_seconds, watermark, sync_status,
			mirrored_count, approved_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sub.ID, sub.SubscriberNotebook, sub.SourceNotebook, string(sub.Scope), sub.TopicFilter,
		sub.DiscountFactor, sub.PollIntervalSeconds, sub.Watermark, sub.SyncStatus,
		sub.MirroredCount, sub.ApprovedBy.String(), sqlTime(sub.CreatedAt))
	if err != nil {
		return wrapDBError("insert subscription", err)
	}
	return commit(ctx)
}

// reaches walks subscriber→source edges breadth-first from start looking for
// target.
func reaches(ctx context.Context, q querier, start, target string) (bool, error) {
	visited := map[string]bool{start: true}
	frontier := []string{start}
	for len(frontier) > 0 {
		node := frontier[0]
		frontier = frontier[1:]
		if node == target {
			return true, nil
		}
		rows, err := q.QueryContext(ctx, `
			SELECT source_notebook FROM notebook_subscriptions WHERE subscriber_notebook = ?
		`, node)
		if err != nil {
			return false, wrapDBError("walk subscription graph", err)
		}
		for rows.Next() {
			var next string
			if err := rows.Scan(&next); err != nil {
				_ = rows.Close()
				return false, wrapDBError("scan subscription edge", err)
			}
			if !visited[next] {
				visited[next] = true
				frontier = append(frontier, next)
			}
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return false, wrapDBError("iterate subscription edges", err)
		}
		_ = rows.Close()
	}
	return false, nil
}

func scanSubscription(row interface{ Scan(...any) error }) (*types.Subscription, error) {
	var sub types.Subscription
	var scope, approvedBy string
	var lastSync sql.NullTime
	err := row.Scan(
		&sub.ID, &sub.SubscriberNotebook, &sub.SourceNotebook, &scope, &sub.TopicFilter,
		&sub.DiscountFactor, &sub.PollIntervalSeconds, &sub.Watermark, &sub.SyncStatus,
		&sub.MirroredCount, &approvedBy, &sub.CreatedAt, &lastSync,
	)
	if err != nil {
		return nil, err
	}
	sub.Scope = types.SubscriptionScope(scope)
	if sub.ApprovedBy, err = types.ParseAuthorID(approvedBy); err != nil {
		return nil, fmt.Errorf("corrupt subscription approver: %w", err)
	}
	sub.LastSyncAt = nullTime(lastSync)
	return &sub, nil
}

// GetSubscription fetches one subscription by id.
func (s *Store) GetSubscription(ctx context.Context, id string) (*types.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM notebook_subscriptions WHERE id = ?
	`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, wrapDBError("get subscription", err)
	}
	return sub, nil
}

// ListSubscriptionsBySubscriber lists a notebook's outgoing subscriptions.
func (s *Store) ListSubscriptionsBySubscriber(ctx context.Context, notebookID string) ([]*types.Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM notebook_subscriptions
		WHERE subscriber_notebook = ? ORDER BY created_at, id
	`, notebookID)
}

// ListDueSubscriptions returns subscriptions whose poll interval has elapsed
// since the last sync (or which have never synced).
func (s *Store) ListDueSubscriptions(ctx context.Context, now time.Time) ([]*types.Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM notebook_subscriptions
		WHERE last_sync_at IS NULL
		   OR datetime(last_sync_at, '+' || poll_interval_seconds || ' seconds') < datetime(?)
		ORDER BY created_at, id
	`, sqlTime(now))
}

func (s *Store) querySubscriptions(ctx context.Context, query string, args ...any) ([]*types.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("query subscriptions", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []*types.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, wrapDBError("scan subscription", err)
		}
		subs = append(subs, sub)
	}
	return subs, wrapDBError("iterate subscriptions", rows.Err())
}

// UpdateSubscriptionSync advances the watermark and sync bookkeeping after a
// poll round.
func (s *Store) UpdateSubscriptionSync(ctx context.Context, id string, watermark int64, syncStatus string, mirrored int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notebook_subscriptions
		SET watermark = ?, sync_status = ?, mirrored_count = mirrored_count + ?, last_sync_at = ?
		WHERE id = ?
	`, watermark, syncStatus, mirrored, sqlTime(at), id)
	if err != nil {
		return wrapDBError("update subscription sync", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subscription %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// DeleteSubscription removes a subscription; its mirrored claims cascade.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notebook_subscriptions WHERE id = ?`, id)
	if err != nil {
		return wrapDBError("delete subscription", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subscription %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// UpsertMirroredClaim inserts or refreshes the shadow row keyed by
// (subscription, source entry). A refresh clears any tombstone.
func (s *Store) UpsertMirroredClaim(ctx context.Context, mc *types.MirroredClaim) error {
	if mc.ID == "" {
		mc.ID = uuid.NewString()
	}
	if mc.MirroredAt.IsZero() {
		mc.MirroredAt = time.Now()
	}
	claims, err := marshalJSON(mc.Claims)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mirrored_claims (id, subscription_id, source_entry_id, source_sequence, topic, claims, embedding, tombstoned, mirrored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (subscription_id, source_entry_id) DO UPDATE SET
			source_sequence = excluded.source_sequence,
			topic = excluded.topic,
			claims = excluded.claims,
			tombstoned = 0,
			updated_at = excluded.mirrored_at
	`, mc.ID, mc.SubscriptionID, mc.SourceEntryID, mc.SourceSequence, mc.Topic, claims,
		encodeEmbedding(mc.Embedding), sqlTime(mc.MirroredAt))
	return wrapDBError("upsert mirrored claim", err)
}

// GetMirroredClaim fetches one shadow row by id.
func (s *Store) GetMirroredClaim(ctx context.Context, id string) (*types.MirroredClaim, error) {
	var mc types.MirroredClaim
	var claims string
	var embedding []byte
	var tombstoned int
	var updatedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, subscription_id, source_entry_id, source_sequence, topic, claims, embedding, tombstoned, mirrored_at, updated_at
		FROM mirrored_claims WHERE id = ?
	`, id).Scan(&mc.ID, &mc.SubscriptionID, &mc.SourceEntryID, &mc.SourceSequence, &mc.Topic,
		&claims, &embedding, &tombstoned, &mc.MirroredAt, &updatedAt)
	if err != nil {
		return nil, wrapDBError("get mirrored claim", err)
	}
	if mc.Claims, err = unmarshalClaims(claims); err != nil {
		return nil, err
	}
	mc.Embedding = decodeEmbedding(embedding)
	mc.Tombstoned = tombstoned != 0
	mc.UpdatedAt = nullTime(updatedAt)
	return &mc, nil
}

// SetMirroredClaimEmbedding stores the embedding on a shadow row.
func (s *Store) SetMirroredClaimEmbedding(ctx context.Context, id string, embedding []float32) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mirrored_claims SET embedding = ? WHERE id = ?
	`, encodeEmbedding(embedding), id)
	if err != nil {
		return wrapDBError("set mirrored embedding", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mirrored claim %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// TombstoneMirroredClaim marks one shadow row dead without deleting it.
func (s *Store) TombstoneMirroredClaim(ctx context.Context, subscriptionID, sourceEntryID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mirrored_claims SET tombstoned = 1 WHERE subscription_id = ? AND source_entry_id = ?
	`, subscriptionID, sourceEntryID)
	if err != nil {
		return wrapDBError("tombstone mirrored claim", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mirrored claim for entry %s: %w", sourceEntryID, storage.ErrNotFound)
	}
	return nil
}
