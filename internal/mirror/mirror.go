// Package mirror keeps read-only projections of source notebooks' approved
// claims inside subscriber notebooks, advancing each subscription's
// watermark over the source change feed.
package mirror

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/quillspace/quill/internal/pipeline"
	"github.com/quillspace/quill/internal/storage"
	"github.com/quillspace/quill/internal/types"
)

// fetchBatch bounds one poll round per subscription.
const fetchBatch = 200

// Poller iterates due subscriptions and mirrors fresh source entries.
type Poller struct {
	store    storage.Store
	enqueue  pipeline.EnqueueFunc
	interval time.Duration
	log      *slog.Logger
}

// NewPoller builds a Poller that wakes at the given cadence.
func NewPoller(store storage.Store, enqueue pipeline.EnqueueFunc, interval time.Duration, log *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{store: store, enqueue: enqueue, interval: interval, log: log}
}

// Run polls until the context ends.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.SyncDue(ctx, time.Now()); err != nil && ctx.Err() == nil {
				p.log.Error("Subscription sync round failed", "error", err)
			}
		}
	}
}

// SyncDue mirrors every subscription whose poll interval has elapsed. Each
// subscription syncs independently; one failure does not stall the rest.
func (p *Poller) SyncDue(ctx context.Context, now time.Time) error {
	due, err := p.store.ListDueSubscriptions(ctx, now)
	if err != nil {
		return err
	}
	for _, sub := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.syncOne(ctx, sub, now); err != nil {
			p.log.Error("Subscription sync failed",
				"subscription", sub.ID, "source", sub.SourceNotebook, "error", err)
			_ = p.store.UpdateSubscriptionSync(ctx, sub.ID, sub.Watermark, "error: "+err.Error(), 0, now)
		}
	}
	return nil
}

// syncOne pulls the source change feed past the watermark and upserts shadow
// rows. Transient storage errors retry with backoff inside the round.
func (p *Poller) syncOne(ctx context.Context, sub *types.Subscription, now time.Time) error {
	var fresh []*types.Entry
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 15 * time.Second
	err := backoff.Retry(func() error {
		var ferr error
		fresh, ferr = p.store.ObserveEntries(ctx, sub.SourceNotebook, sub.Watermark, sub.TopicFilter, fetchBatch)
		return ferr
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return err
	}

	watermark := sub.Watermark
	var mirrored int64
	for _, entry := range fresh {
		// The watermark never passes an entry whose claims are still being
		// distilled; the feed resumes at it next round.
		if entry.ClaimsStatus == types.ClaimsPending {
			break
		}
		if entry.Sequence > watermark {
			watermark = entry.Sequence
		}
		if len(entry.Claims) == 0 {
			continue
		}
		mc := &types.MirroredClaim{
			SubscriptionID: sub.ID,
			SourceEntryID:  entry.ID,
			SourceSequence: entry.Sequence,
			Topic:          entry.Topic,
			Claims:         entry.Claims,
		}
		if err := p.store.UpsertMirroredClaim(ctx, mc); err != nil {
			return err
		}
		mirrored++

		payload := pipeline.MustMarshal(pipeline.EmbedMirroredPayload{
			MirroredClaimID: mc.ID,
			Claims:          entry.Claims,
		})
		if _, err := p.enqueue(ctx, sub.SubscriberNotebook, types.JobEmbedMirrored, payload, nil); err != nil {
			return err
		}
	}

	if err := p.store.UpdateSubscriptionSync(ctx, sub.ID, watermark, "ok", mirrored, now); err != nil {
		return err
	}
	if mirrored > 0 {
		p.log.Info("Mirrored source claims",
			"subscription", sub.ID, "source", sub.SourceNotebook, "count", mirrored, "watermark", watermark)
	}
	return nil
}
