package review

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/quillspace/quill/internal/pipeline"
	"github.com/quillspace/quill/internal/storage"
	"github.com/quillspace/quill/internal/storage/sqlite"
	"github.com/quillspace/quill/internal/types"
)

type enqueued struct {
	jobType types.JobType
	payload []byte
}

type fixture struct {
	svc       *Service
	store     storage.Store
	jobs      *[]enqueued
	owner     types.AuthorID
	submitter types.AuthorID
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(ctx, t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	owner, _ := types.ParseAuthorID(strings.Repeat("aa", 32))
	submitter, _ := types.ParseAuthorID(strings.Repeat("bb", 32))
	if err := store.CreateNotebook(ctx, &types.Notebook{ID: "nb", Name: "n", Owner: owner}); err != nil {
		t.Fatalf("create notebook: %v", err)
	}

	var jobs []enqueued
	enqueue := func(ctx context.Context, notebookID string, jobType types.JobType, payload []byte, _ *int) (*types.Job, error) {
		jobs = append(jobs, enqueued{jobType, payload})
		return &types.Job{ID: "job"}, nil
	}
	return &fixture{
		svc:       New(store, enqueue, slog.Default()),
		store:     store,
		jobs:      &jobs,
		owner:     owner,
		submitter: submitter,
	}
}

// pendingEntry inserts a held entry with a review record.
func (f *fixture) pendingEntry(t *testing.T, content string) *types.Entry {
	t.Helper()
	ctx := context.Background()
	entry := &types.Entry{
		NotebookID:   "nb",
		Author:       f.submitter,
		Content:      []byte(content),
		ContentType:  "text/plain",
		ReviewStatus: types.ReviewPending,
	}
	if err := f.store.InsertEntry(ctx, entry); err != nil {
		t.Fatalf("InsertEntry: %v", err)
	}
	if err := f.store.CreateReview(ctx, &types.Review{NotebookID: "nb", EntryID: entry.ID, Submitter: f.submitter}); err != nil {
		t.Fatalf("CreateReview: %v", err)
	}
	return entry
}

func TestApproveReleasesToPipeline(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	entry := f.pendingEntry(t, "held")

	if err := f.svc.Approve(ctx, "nb", entry.ID, f.owner); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	// Exactly one distill job for the unfragmented entry.
	if len(*f.jobs) != 1 || (*f.jobs)[0].jobType != types.JobDistillClaims {
		t.Errorf("enqueued = %+v, want one DISTILL_CLAIMS", *f.jobs)
	}

	got, err := f.store.GetEntry(ctx, "nb", entry.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.ReviewStatus != types.ReviewApproved {
		t.Errorf("review_status = %s", got.ReviewStatus)
	}

	// Now visible to browse.
	visible, err := f.store.BrowseEntries(ctx, "nb", storage.EntryFilter{})
	if err != nil {
		t.Fatalf("BrowseEntries: %v", err)
	}
	if len(visible) != 1 {
		t.Errorf("approved entry not browsable")
	}
}

// An approved fragmented write must release every fragment: the status flip
// cascades and each fragment gets its own distill job.
func TestApproveCascadesToFragments(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	parent := &types.Entry{
		ID:           "parent-id",
		NotebookID:   "nb",
		Author:       f.submitter,
		Content:      []byte("full document"),
		ContentType:  "text/plain",
		ReviewStatus: types.ReviewPending,
	}
	var fragments []*types.Entry
	for i := 0; i < 2; i++ {
		idx := i
		fragments = append(fragments, &types.Entry{
			NotebookID:    "nb",
			Author:        f.submitter,
			Content:       []byte("piece"),
			ContentType:   "text/plain",
			FragmentOf:    parent.ID,
			FragmentIndex: &idx,
			ReviewStatus:  types.ReviewPending,
		})
	}
	if err := f.store.InsertEntryBatch(ctx, "nb", append([]*types.Entry{parent}, fragments...)); err != nil {
		t.Fatalf("InsertEntryBatch: %v", err)
	}
	if err := f.store.CreateReview(ctx, &types.Review{NotebookID: "nb", EntryID: parent.ID, Submitter: f.submitter}); err != nil {
		t.Fatalf("CreateReview: %v", err)
	}

	if err := f.svc.Approve(ctx, "nb", parent.ID, f.owner); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	// One distill job per fragment, none for the parent.
	if len(*f.jobs) != len(fragments) {
		t.Fatalf("enqueued %d jobs, want %d", len(*f.jobs), len(fragments))
	}
	seeded := make(map[string]bool)
	for _, j := range *f.jobs {
		if j.jobType != types.JobDistillClaims {
			t.Errorf("enqueued %s, want DISTILL_CLAIMS", j.jobType)
		}
		var p pipeline.DistillPayload
		if err := json.Unmarshal(j.payload, &p); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		seeded[p.EntryID] = true
	}
	for _, frag := range fragments {
		if !seeded[frag.ID] {
			t.Errorf("fragment %s not seeded", frag.ID)
		}
	}
	if seeded[parent.ID] {
		t.Error("parent seeded alongside its fragments")
	}

	// Every fragment flipped to approved with the parent.
	for _, frag := range fragments {
		got, err := f.store.GetEntry(ctx, "nb", frag.ID)
		if err != nil {
			t.Fatalf("GetEntry fragment: %v", err)
		}
		if got.ReviewStatus != types.ReviewApproved {
			t.Errorf("fragment %s review_status = %s, want approved", frag.ID, got.ReviewStatus)
		}
	}

	// The whole family is browsable now.
	visible, err := f.store.BrowseEntries(ctx, "nb", storage.EntryFilter{})
	if err != nil {
		t.Fatalf("BrowseEntries: %v", err)
	}
	if len(visible) != 1+len(fragments) {
		t.Errorf("browsable entries = %d, want %d", len(visible), 1+len(fragments))
	}
}

// A re-approval after partial processing hands the already-distilled
// fragment's claims to the remaining ones as context.
func TestApproveCarriesSiblingContext(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	parent := &types.Entry{
		ID: "parent-id", NotebookID: "nb", Author: f.submitter,
		Content: []byte("doc"), ContentType: "text/plain", ReviewStatus: types.ReviewPending,
	}
	idx0, idx1 := 0, 1
	fragA := &types.Entry{
		NotebookID: "nb", Author: f.submitter, Content: []byte("a"), ContentType: "text/plain",
		FragmentOf: parent.ID, FragmentIndex: &idx0, ReviewStatus: types.ReviewPending,
	}
	fragB := &types.Entry{
		NotebookID: "nb", Author: f.submitter, Content: []byte("b"), ContentType: "text/plain",
		FragmentOf: parent.ID, FragmentIndex: &idx1, ReviewStatus: types.ReviewPending,
	}
	if err := f.store.InsertEntryBatch(ctx, "nb", []*types.Entry{parent, fragA, fragB}); err != nil {
		t.Fatalf("InsertEntryBatch: %v", err)
	}
	if err := f.store.CreateReview(ctx, &types.Review{NotebookID: "nb", EntryID: parent.ID, Submitter: f.submitter}); err != nil {
		t.Fatalf("CreateReview: %v", err)
	}
	// fragA was distilled in a prior life.
	if err := f.store.SetEntryClaims(ctx, fragA.ID, []types.Claim{{Text: "anchor claim", Confidence: 0.9}}, types.ClaimsDistilled); err != nil {
		t.Fatalf("SetEntryClaims: %v", err)
	}

	if err := f.svc.Approve(ctx, "nb", parent.ID, f.owner); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	var sawContext bool
	for _, j := range *f.jobs {
		var p pipeline.DistillPayload
		if err := json.Unmarshal(j.payload, &p); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if p.EntryID == fragB.ID {
			if len(p.ContextClaims) != 1 || p.ContextClaims[0].Text != "anchor claim" {
				t.Errorf("fragB context = %+v, want fragA's claim", p.ContextClaims)
			}
			sawContext = true
		}
		if p.EntryID == fragA.ID && len(p.ContextClaims) != 0 {
			t.Errorf("fragA must not receive its own claims as context")
		}
	}
	if !sawContext {
		t.Error("fragB never seeded")
	}
}

func TestRejectLeavesEntryInert(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	entry := f.pendingEntry(t, "held")

	if err := f.svc.Reject(ctx, "nb", entry.ID, f.owner, "spam"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if len(*f.jobs) != 0 {
		t.Errorf("rejected entry seeded pipeline: %+v", *f.jobs)
	}

	got, err := f.store.GetEntry(ctx, "nb", entry.ID)
	if err != nil {
		t.Fatalf("entry should remain stored: %v", err)
	}
	if got.ReviewStatus != types.ReviewRejected {
		t.Errorf("review_status = %s", got.ReviewStatus)
	}

	visible, err := f.store.BrowseEntries(ctx, "nb", storage.EntryFilter{})
	if err != nil {
		t.Fatalf("BrowseEntries: %v", err)
	}
	if len(visible) != 0 {
		t.Errorf("rejected entry visible in browse")
	}
}

func TestDoubleDecisionConflicts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	entry := f.pendingEntry(t, "held")

	if err := f.svc.Approve(ctx, "nb", entry.ID, f.owner); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	err := f.svc.Reject(ctx, "nb", entry.ID, f.owner, "")
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("second decision: got %v, want ErrConflict", err)
	}
}
