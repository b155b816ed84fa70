package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quillspace/quill/internal/storage"
	"github.com/quillspace/quill/internal/types"
)

func enqueueTestJob(t *testing.T, store *Store, notebookID string, jobType types.JobType, timeout int) *types.Job {
	t.Helper()
	job := &types.Job{
		NotebookID:     notebookID,
		Type:           jobType,
		Payload:        json.RawMessage(`{"entry_id":"e1"}`),
		TimeoutSeconds: timeout,
		Priority:       jobType.BasePriority(),
	}
	if err := store.EnqueueJob(context.Background(), job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return job
}

func TestClaimJobPriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	author := testAuthor(t, "a")
	mustCreateNotebook(t, store, "nb", author)

	distill1 := enqueueTestJob(t, store, "nb", types.JobDistillClaims, 120)
	distill2 := enqueueTestJob(t, store, "nb", types.JobDistillClaims, 120)
	embed := enqueueTestJob(t, store, "nb", types.JobEmbedClaims, 120)

	// Highest priority first, regardless of insertion order.
	got, err := store.ClaimJob(ctx, storage.ClaimRequest{NotebookID: "nb", WorkerID: "w1"})
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if got.ID != embed.ID {
		t.Errorf("claimed %s, want embed job %s first", got.ID, embed.ID)
	}

	// FIFO within the same priority band.
	got, err = store.ClaimJob(ctx, storage.ClaimRequest{NotebookID: "nb", WorkerID: "w1"})
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if got.ID != distill1.ID {
		t.Errorf("claimed %s, want oldest distill %s", got.ID, distill1.ID)
	}
	_ = distill2
}

func TestClaimJobTypeFilterAndEmpty(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	author := testAuthor(t, "a")
	mustCreateNotebook(t, store, "nb", author)
	enqueueTestJob(t, store, "nb", types.JobDistillClaims, 120)

	embedType := types.JobEmbedClaims
	_, err := store.ClaimJob(ctx, storage.ClaimRequest{NotebookID: "nb", WorkerID: "w1", Type: &embedType})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for filtered-out queue, got %v", err)
	}

	distillType := types.JobDistillClaims
	if _, err := store.ClaimJob(ctx, storage.ClaimRequest{NotebookID: "nb", WorkerID: "w1", Type: &distillType}); err != nil {
		t.Errorf("typed claim failed: %v", err)
	}
}

// Only one of many concurrent claimers may win each job.
func TestClaimJobConcurrent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	author := testAuthor(t, "a")
	mustCreateNotebook(t, store, "nb", author)
	enqueueTestJob(t, store, "nb", types.JobDistillClaims, 120)

	const claimers = 10
	var wg sync.WaitGroup
	var wins, misses atomic.Int32
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.ClaimJob(ctx, storage.ClaimRequest{NotebookID: "nb", WorkerID: "w"})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrNotFound):
				misses.Add(1)
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("wins = %d, want exactly 1", wins.Load())
	}
	if misses.Load() != claimers-1 {
		t.Errorf("misses = %d, want %d", misses.Load(), claimers-1)
	}
}

func TestCompleteJobOnlyFirstWins(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	author := testAuthor(t, "a")
	mustCreateNotebook(t, store, "nb", author)
	job := enqueueTestJob(t, store, "nb", types.JobDistillClaims, 120)

	if _, err := store.ClaimJob(ctx, storage.ClaimRequest{NotebookID: "nb", WorkerID: "w1"}); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	result := json.RawMessage(`{"claims":[]}`)
	done, err := store.CompleteJob(ctx, "nb", job.ID, "w1", result, time.Now())
	if err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if done.Status != types.JobCompleted {
		t.Errorf("status = %s, want completed", done.Status)
	}

	// A second completion, even by the same worker, must fail predictably.
	_, err = store.CompleteJob(ctx, "nb", job.ID, "w1", result, time.Now())
	if !errors.Is(err, storage.ErrStaleClaim) {
		t.Errorf("second complete: got %v, want ErrStaleClaim", err)
	}

	// A worker that never held the claim must also fail.
	_, err = store.CompleteJob(ctx, "nb", job.ID, "w2", result, time.Now())
	if !errors.Is(err, storage.ErrStaleClaim) {
		t.Errorf("foreign complete: got %v, want ErrStaleClaim", err)
	}
}

func TestFailJobRetriesThenTerminal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	author := testAuthor(t, "a")
	mustCreateNotebook(t, store, "nb", author)
	job := enqueueTestJob(t, store, "nb", types.JobDistillClaims, 120)

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := store.ClaimJob(ctx, storage.ClaimRequest{NotebookID: "nb", WorkerID: "w1"})
		if err != nil {
			t.Fatalf("claim attempt %d: %v", attempt, err)
		}
		failed, err := store.FailJob(ctx, "nb", claimed.ID, "w1", "model exploded", time.Now())
		if err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}
		if attempt < 3 {
			if failed.Status != types.JobPending {
				t.Errorf("attempt %d: status = %s, want pending", attempt, failed.Status)
			}
			if failed.ClaimedBy != "" {
				t.Errorf("attempt %d: claimed_by not cleared", attempt)
			}
		} else {
			if failed.Status != types.JobFailed {
				t.Errorf("final attempt: status = %s, want failed", failed.Status)
			}
		}
		if failed.RetryCount != attempt {
			t.Errorf("attempt %d: retry_count = %d", attempt, failed.RetryCount)
		}
	}

	// Terminal failed jobs never come back through Claim.
	if _, err := store.ClaimJob(ctx, storage.ClaimRequest{NotebookID: "nb", WorkerID: "w2"}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("terminal job claimable: %v", err)
	}

	// Administrative retry resurrects it.
	n, err := store.RetryFailedJobs(ctx, "nb")
	if err != nil {
		t.Fatalf("RetryFailedJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("retried %d jobs, want 1", n)
	}
	if _, err := store.ClaimJob(ctx, storage.ClaimRequest{NotebookID: "nb", WorkerID: "w2"}); err != nil {
		t.Errorf("resurrected job not claimable: %v", err)
	}
	_ = job
}

func TestReclaimTimedOutJobs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	author := testAuthor(t, "a")
	mustCreateNotebook(t, store, "nb", author)
	job := enqueueTestJob(t, store, "nb", types.JobDistillClaims, 1)

	now := time.Now()
	if _, err := store.ClaimJob(ctx, storage.ClaimRequest{NotebookID: "nb", WorkerID: "w1", Now: now}); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	// Not yet expired.
	n, err := store.ReclaimTimedOutJobs(ctx, "nb", now)
	if err != nil {
		t.Fatalf("ReclaimTimedOutJobs: %v", err)
	}
	if n != 0 {
		t.Errorf("reclaimed %d before expiry, want 0", n)
	}

	// Two seconds later the one-second claim is stale.
	n, err = store.ReclaimTimedOutJobs(ctx, "nb", now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("ReclaimTimedOutJobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}

	got, err := store.GetJob(ctx, "nb", job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != types.JobPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}

	// A second worker claims it; the original worker's completion is stale.
	if _, err := store.ClaimJob(ctx, storage.ClaimRequest{NotebookID: "nb", WorkerID: "w2"}); err != nil {
		t.Fatalf("reclaim by w2: %v", err)
	}
	_, err = store.CompleteJob(ctx, "nb", job.ID, "w1", json.RawMessage(`{}`), time.Now())
	if !errors.Is(err, storage.ErrStaleClaim) {
		t.Errorf("stale worker completion: got %v, want ErrStaleClaim", err)
	}
}

func TestJobStats(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	author := testAuthor(t, "a")
	mustCreateNotebook(t, store, "nb", author)

	enqueueTestJob(t, store, "nb", types.JobDistillClaims, 120)
	enqueueTestJob(t, store, "nb", types.JobDistillClaims, 120)
	embed := enqueueTestJob(t, store, "nb", types.JobEmbedClaims, 120)

	if _, err := store.ClaimJob(ctx, storage.ClaimRequest{NotebookID: "nb", WorkerID: "w1"}); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	stats, err := store.JobStats(ctx, "nb")
	if err != nil {
		t.Fatalf("JobStats: %v", err)
	}
	if stats[types.JobDistillClaims][types.JobPending] != 2 {
		t.Errorf("distill pending = %d, want 2", stats[types.JobDistillClaims][types.JobPending])
	}
	if stats[types.JobEmbedClaims][types.JobInProgress] != 1 {
		t.Errorf("embed in_progress = %d, want 1", stats[types.JobEmbedClaims][types.JobInProgress])
	}
	_ = embed
}
