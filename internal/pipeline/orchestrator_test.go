package pipeline_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quillspace/quill/internal/access"
	"github.com/quillspace/quill/internal/pipeline"
	"github.com/quillspace/quill/internal/queue"
	"github.com/quillspace/quill/internal/storage"
	"github.com/quillspace/quill/internal/storage/sqlite"
	"github.com/quillspace/quill/internal/types"
)

type harness struct {
	store storage.Store
	queue *queue.Queue
	owner types.AuthorID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(ctx, t.TempDir()+"/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	owner, err := types.ParseAuthorID(strings.Repeat("aa", 32))
	require.NoError(t, err)
	require.NoError(t, store.CreateNotebook(ctx, &types.Notebook{
		ID: "nb", Name: "test", Owner: owner, ReviewThreshold: 1.0,
	}))

	gate := access.NewGate(store)
	q := queue.New(store, gate, queue.Options{}, nil, slog.Default())
	orch := pipeline.New(store, q.Enqueue, pipeline.Options{
		SemanticTopK:    5,
		SimilarityFloor: 0.5,
		Thresholds:      pipeline.Thresholds{Integrate: 0.75, Low: 0.30, Friction: 0.60},
		IncludeMirrored: true,
	}, slog.Default())
	q.SetDispatcher(orch)

	return &harness{store: store, queue: q, owner: owner}
}

func (h *harness) writeEntry(t *testing.T, content string) *types.Entry {
	t.Helper()
	e := &types.Entry{
		NotebookID:  "nb",
		Author:      h.owner,
		Content:     []byte(content),
		ContentType: "text/plain",
	}
	require.NoError(t, h.store.InsertEntry(context.Background(), e))
	payload := pipeline.MustMarshal(pipeline.DistillPayload{EntryID: e.ID})
	_, err := h.queue.Enqueue(context.Background(), "nb", types.JobDistillClaims, payload, nil)
	require.NoError(t, err)
	return e
}

// claimAndComplete pulls the next job of the given type and completes it.
func (h *harness) claimAndComplete(t *testing.T, jobType types.JobType, result any) *types.Job {
	t.Helper()
	ctx := context.Background()
	job, err := h.queue.Claim(ctx, "nb", "worker-1", &jobType, nil)
	require.NoError(t, err)
	require.NotNil(t, job, "expected a %s job", jobType)

	raw, err := json.Marshal(result)
	require.NoError(t, err)
	done, err := h.queue.Complete(ctx, "nb", job.ID, "worker-1", raw)
	require.NoError(t, err)
	return done
}

// The full distill → embed → compare chain, mirroring the flat-earth
// walkthrough: first entry has no peers, second collides with the first.
func TestPipelineChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e1 := h.writeEntry(t, "the earth is round")

	h.claimAndComplete(t, types.JobDistillClaims, pipeline.DistillResult{
		Claims: []types.Claim{{Text: "earth is spherical", Confidence: 0.95}},
	})

	got, err := h.store.GetEntry(ctx, "nb", e1.ID)
	require.NoError(t, err)
	require.Equal(t, types.ClaimsDistilled, got.ClaimsStatus)

	// Distillation fans out exactly one embed job at priority 30 (and one
	// classify at 10).
	stats, err := h.queue.Stats(ctx, "nb")
	require.NoError(t, err)
	require.Equal(t, 1, stats[types.JobEmbedClaims][types.JobPending])
	require.Equal(t, 1, stats[types.JobClassifyTopic][types.JobPending])

	embedJob, err := h.store.GetJob(ctx, "nb", claimNext(t, h, types.JobEmbedClaims))
	require.NoError(t, err)
	require.Equal(t, 30, embedJob.Priority)
	_, err = h.queue.Complete(ctx, "nb", embedJob.ID, "worker-1",
		pipeline.MustMarshal(pipeline.EmbedResult{Embedding: []float32{1, 0, 0}}))
	require.NoError(t, err)

	// No peers: no compare jobs, entry verifies trivially as an orphan.
	stats, err = h.queue.Stats(ctx, "nb")
	require.NoError(t, err)
	require.Zero(t, stats[types.JobCompareClaims][types.JobPending])

	got, err = h.store.GetEntry(ctx, "nb", e1.ID)
	require.NoError(t, err)
	require.Equal(t, types.ClaimsVerified, got.ClaimsStatus)
	require.Equal(t, types.IntegrationOrphan, got.IntegrationStatus)

	// Second entry contradicts the first.
	e2 := h.writeEntry(t, "the earth is flat")
	h.claimAndComplete(t, types.JobDistillClaims, pipeline.DistillResult{
		Claims: []types.Claim{{Text: "earth is flat", Confidence: 0.9}},
	})
	h.claimAndComplete(t, types.JobEmbedClaims, pipeline.EmbedResult{Embedding: []float32{0.9, 0.1, 0}})

	// One compare job against e1 at priority 20.
	compareType := types.JobCompareClaims
	job, err := h.queue.Claim(ctx, "nb", "worker-1", &compareType, nil)
	require.NoError(t, err)
	require.NotNil(t, job, "expected a compare job")
	require.Equal(t, 20, job.Priority)

	var payload pipeline.ComparePayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	require.Equal(t, e2.ID, payload.EntryID)
	require.Equal(t, e1.ID, payload.CompareAgainst)

	_, err = h.queue.Complete(ctx, "nb", job.ID, "worker-1", pipeline.MustMarshal(pipeline.CompareResult{
		ComparedAgainst: e1.ID,
		Entropy:         0.0,
		Friction:        1.0,
		Contradictions:  []types.Contradiction{{A: "earth is spherical", B: "earth is flat", Severity: 0.9}},
	}))
	require.NoError(t, err)

	got, err = h.store.GetEntry(ctx, "nb", e2.ID)
	require.NoError(t, err)
	require.NotNil(t, got.MaxFriction)
	require.Equal(t, 1.0, *got.MaxFriction)
	require.True(t, got.NeedsReview, "friction 1.0 meets the review threshold")
	require.Equal(t, types.ClaimsVerified, got.ClaimsStatus)
	// High similarity to its only peer but friction over the cut: probation.
	require.Equal(t, types.IntegrationProbation, got.IntegrationStatus)
}

// claimNext claims the next job of a type and returns its id without
// completing it (the caller completes).
func claimNext(t *testing.T, h *harness, jobType types.JobType) string {
	t.Helper()
	job, err := h.queue.Claim(context.Background(), "nb", "worker-1", &jobType, nil)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job.ID
}

func TestClassifySetsTopic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.writeEntry(t, "about bridges")
	h.claimAndComplete(t, types.JobDistillClaims, pipeline.DistillResult{
		Claims: []types.Claim{{Text: "bridges span rivers", Confidence: 0.8}},
	})
	h.claimAndComplete(t, types.JobClassifyTopic, pipeline.ClassifyResult{
		PrimaryTopic: "engineering/civil",
	})

	got, err := h.store.GetEntry(ctx, "nb", e.ID)
	require.NoError(t, err)
	require.Equal(t, "engineering/civil", got.Topic)
}

func TestWorkerLabelGatesClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owner := h.owner
	require.NoError(t, h.store.CreateNotebook(ctx, &types.Notebook{
		ID: "sec", Name: "secret", Owner: owner,
		Label:           types.Label{Level: types.LevelSecret, Compartments: []string{"alpha"}},
		ReviewThreshold: 1.0,
	}))
	job := &types.Job{NotebookID: "sec", Type: types.JobDistillClaims}
	require.NoError(t, h.store.EnqueueJob(ctx, job))

	// An unlabeled worker is refused outright.
	_, err := h.queue.Claim(ctx, "sec", "w-plain", nil, nil)
	require.ErrorIs(t, err, access.ErrForbidden)

	// A dominating label claims normally.
	cleared := types.Label{Level: types.LevelTopSecret, Compartments: []string{"alpha"}}
	got, err := h.queue.Claim(ctx, "sec", "w-cleared", nil, &cleared)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, job.ID, got.ID)
}

// Completing a job whose dispatch enqueues more work must leave the
// completed result durable even if a later stage misbehaves.
func TestCompletionSurvivesDispatchFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.writeEntry(t, "content")
	jobType := types.JobDistillClaims
	job, err := h.queue.Claim(ctx, "nb", "worker-1", &jobType, nil)
	require.NoError(t, err)

	// A result the dispatcher cannot decode.
	_, err = h.queue.Complete(ctx, "nb", job.ID, "worker-1", json.RawMessage(`{"claims": "not-a-list"}`))
	require.Error(t, err)

	got, err := h.store.GetJob(ctx, "nb", job.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, got.Status, "worker submission stays authoritative")
}
