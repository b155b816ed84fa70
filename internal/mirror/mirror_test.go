package mirror

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/quillspace/quill/internal/storage"
	"github.com/quillspace/quill/internal/storage/sqlite"
	"github.com/quillspace/quill/internal/types"
)

func setup(t *testing.T) (storage.Store, *Poller, *[]types.JobType, types.AuthorID) {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(ctx, t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	owner, _ := types.ParseAuthorID(strings.Repeat("aa", 32))
	for _, id := range []string{"src", "dst"} {
		if err := store.CreateNotebook(ctx, &types.Notebook{ID: id, Name: id, Owner: owner}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	var enqueued []types.JobType
	enqueue := func(ctx context.Context, notebookID string, jobType types.JobType, payload []byte, _ *int) (*types.Job, error) {
		enqueued = append(enqueued, jobType)
		return &types.Job{ID: "job"}, nil
	}
	p := NewPoller(store, enqueue, time.Minute, slog.Default())
	return store, p, &enqueued, owner
}

func addSourceEntry(t *testing.T, store storage.Store, content string, claims []types.Claim) *types.Entry {
	t.Helper()
	owner, _ := types.ParseAuthorID(strings.Repeat("aa", 32))
	e := &types.Entry{
		NotebookID:  "src",
		Author:      owner,
		Content:     []byte(content),
		ContentType: "text/plain",
	}
	if err := store.InsertEntry(context.Background(), e); err != nil {
		t.Fatalf("InsertEntry: %v", err)
	}
	if claims != nil {
		if err := store.SetEntryClaims(context.Background(), e.ID, claims, types.ClaimsDistilled); err != nil {
			t.Fatalf("SetEntryClaims: %v", err)
		}
	}
	return e
}

func TestSyncMirrorsDistilledClaims(t *testing.T) {
	store, p, enqueued, owner := setup(t)
	ctx := context.Background()

	e1 := addSourceEntry(t, store, "one", []types.Claim{{Text: "fact one", Confidence: 0.9}})
	addSourceEntry(t, store, "two", []types.Claim{{Text: "fact two", Confidence: 0.8}})

	sub := &types.Subscription{
		SubscriberNotebook:  "dst",
		SourceNotebook:      "src",
		Scope:               types.ScopeClaims,
		DiscountFactor:      0.7,
		PollIntervalSeconds: 30,
		ApprovedBy:          owner,
	}
	if err := store.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	if err := p.SyncDue(ctx, time.Now()); err != nil {
		t.Fatalf("SyncDue: %v", err)
	}

	// Both entries mirrored, each scheduling an embed job on the subscriber.
	if len(*enqueued) != 2 {
		t.Fatalf("enqueued %d jobs, want 2", len(*enqueued))
	}
	for _, jt := range *enqueued {
		if jt != types.JobEmbedMirrored {
			t.Errorf("enqueued %s, want EMBED_MIRRORED", jt)
		}
	}

	got, err := store.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.Watermark != 2 {
		t.Errorf("watermark = %d, want 2", got.Watermark)
	}
	if got.MirroredCount != 2 {
		t.Errorf("mirrored_count = %d, want 2", got.MirroredCount)
	}
	_ = e1
}

func TestSyncWatermarkWaitsForPendingClaims(t *testing.T) {
	store, p, enqueued, owner := setup(t)
	ctx := context.Background()

	addSourceEntry(t, store, "ready", []types.Claim{{Text: "a", Confidence: 1}})
	pending := addSourceEntry(t, store, "not distilled yet", nil)
	addSourceEntry(t, store, "later", []types.Claim{{Text: "b", Confidence: 1}})

	sub := &types.Subscription{
		SubscriberNotebook:  "dst",
		SourceNotebook:      "src",
		Scope:               types.ScopeClaims,
		DiscountFactor:      1.0,
		PollIntervalSeconds: 30,
		ApprovedBy:          owner,
	}
	if err := store.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	if err := p.SyncDue(ctx, time.Now()); err != nil {
		t.Fatalf("SyncDue: %v", err)
	}

	// Only the first entry passed; the watermark parked before the pending
	// one so the feed resumes there.
	got, err := store.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.Watermark != 1 {
		t.Errorf("watermark = %d, want 1", got.Watermark)
	}
	if len(*enqueued) != 1 {
		t.Errorf("enqueued = %d, want 1", len(*enqueued))
	}

	// Distill the held entry; the next round catches up.
	if err := store.SetEntryClaims(ctx, pending.ID, []types.Claim{{Text: "c", Confidence: 1}}, types.ClaimsDistilled); err != nil {
		t.Fatalf("SetEntryClaims: %v", err)
	}
	if err := p.SyncDue(ctx, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("SyncDue round 2: %v", err)
	}
	got, err = store.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.Watermark != 3 {
		t.Errorf("watermark after catch-up = %d, want 3", got.Watermark)
	}
}

func TestSyncSkipsSubscriptionsNotDue(t *testing.T) {
	store, p, enqueued, owner := setup(t)
	ctx := context.Background()

	addSourceEntry(t, store, "x", []types.Claim{{Text: "a", Confidence: 1}})
	sub := &types.Subscription{
		SubscriberNotebook:  "dst",
		SourceNotebook:      "src",
		Scope:               types.ScopeClaims,
		DiscountFactor:      1.0,
		PollIntervalSeconds: 3600,
		ApprovedBy:          owner,
	}
	if err := store.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	now := time.Now()
	if err := p.SyncDue(ctx, now); err != nil {
		t.Fatalf("first round: %v", err)
	}
	if len(*enqueued) != 1 {
		t.Fatalf("first round enqueued %d", len(*enqueued))
	}

	addSourceEntry(t, store, "y", []types.Claim{{Text: "b", Confidence: 1}})
	// Within the poll interval: nothing happens.
	if err := p.SyncDue(ctx, now.Add(time.Minute)); err != nil {
		t.Fatalf("second round: %v", err)
	}
	if len(*enqueued) != 1 {
		t.Errorf("subscription polled before its interval elapsed")
	}
}
