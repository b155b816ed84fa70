package sqlite

import (
	"context"
	"testing"

	"github.com/quillspace/quill/internal/storage"
	"github.com/quillspace/quill/internal/types"
)

func TestBrowseFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	author := testAuthor(t, "a")
	other := testAuthor(t, "b")
	mustCreateNotebook(t, store, "nb", author)

	e1 := mustInsertEntry(t, store, "nb", author, "entry one")
	e2 := mustInsertEntry(t, store, "nb", other, "entry two")
	if err := store.SetEntryTopic(ctx, e1.ID, "science/physics"); err != nil {
		t.Fatalf("SetEntryTopic: %v", err)
	}
	if err := store.SetEntryTopic(ctx, e2.ID, "science/biology"); err != nil {
		t.Fatalf("SetEntryTopic: %v", err)
	}
	if err := store.SetEntryClaims(ctx, e1.ID, []types.Claim{{Text: "c", Confidence: 1}}, types.ClaimsDistilled); err != nil {
		t.Fatalf("SetEntryClaims: %v", err)
	}

	// Topic prefix matches whole segments under the prefix.
	got, err := store.BrowseEntries(ctx, "nb", storage.EntryFilter{TopicPrefix: "science"})
	if err != nil {
		t.Fatalf("browse by topic: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("topic prefix science: got %d entries, want 2", len(got))
	}

	got, err = store.BrowseEntries(ctx, "nb", storage.EntryFilter{TopicPrefix: "science/physics"})
	if err != nil {
		t.Fatalf("browse by deep topic: %v", err)
	}
	if len(got) != 1 || got[0].ID != e1.ID {
		t.Errorf("deep topic filter returned %d entries", len(got))
	}

	status := types.ClaimsDistilled
	got, err = store.BrowseEntries(ctx, "nb", storage.EntryFilter{ClaimsStatus: &status})
	if err != nil {
		t.Fatalf("browse by status: %v", err)
	}
	if len(got) != 1 || got[0].ID != e1.ID {
		t.Errorf("claims status filter returned %d entries", len(got))
	}

	got, err = store.BrowseEntries(ctx, "nb", storage.EntryFilter{Author: &other})
	if err != nil {
		t.Fatalf("browse by author: %v", err)
	}
	if len(got) != 1 || got[0].ID != e2.ID {
		t.Errorf("author filter returned %d entries", len(got))
	}

	// Stable ascending sequence order, reversible.
	got, err = store.BrowseEntries(ctx, "nb", storage.EntryFilter{Descending: true})
	if err != nil {
		t.Fatalf("browse descending: %v", err)
	}
	if len(got) != 2 || got[0].Sequence != 2 {
		t.Errorf("descending order wrong: %+v", got)
	}
}

func TestBrowseHidesPendingReview(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	author := testAuthor(t, "a")
	stranger := testAuthor(t, "b")
	mustCreateNotebook(t, store, "nb", author)

	e := &types.Entry{
		NotebookID:   "nb",
		Author:       author,
		Content:      []byte("untrusted"),
		ContentType:  "text/plain",
		ReviewStatus: types.ReviewPending,
	}
	if err := store.InsertEntry(ctx, e); err != nil {
		t.Fatalf("InsertEntry: %v", err)
	}

	got, err := store.BrowseEntries(ctx, "nb", storage.EntryFilter{})
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("pending entry visible to default browse")
	}

	// The submitter sees their own pending rows.
	got, err = store.BrowseEntries(ctx, "nb", storage.EntryFilter{Submitter: &author})
	if err != nil {
		t.Fatalf("browse as submitter: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("submitter cannot see own pending entry")
	}

	// A different author still cannot.
	got, err = store.BrowseEntries(ctx, "nb", storage.EntryFilter{Submitter: &stranger})
	if err != nil {
		t.Fatalf("browse as stranger: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("stranger sees pending entry")
	}

	// Reviewers see everything.
	got, err = store.BrowseEntries(ctx, "nb", storage.EntryFilter{IncludePending: true})
	if err != nil {
		t.Fatalf("browse as reviewer: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("reviewer cannot see pending entry")
	}
}

func TestObserveResumability(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	author := testAuthor(t, "a")
	mustCreateNotebook(t, store, "nb", author)

	for i := 0; i < 5; i++ {
		mustInsertEntry(t, store, "nb", author, "entry")
	}

	for since := int64(0); since <= 5; since++ {
		got, err := store.ObserveEntries(ctx, "nb", since, "", 100)
		if err != nil {
			t.Fatalf("observe since %d: %v", since, err)
		}
		if int64(len(got)) != 5-since {
			t.Errorf("observe since %d: got %d entries, want %d", since, len(got), 5-since)
		}
		for i, e := range got {
			if e.Sequence != since+int64(i)+1 {
				t.Errorf("observe since %d: position %d has sequence %d", since, i, e.Sequence)
			}
		}
	}
}

func TestSearchLexical(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	author := testAuthor(t, "a")
	mustCreateNotebook(t, store, "nb", author)

	e := mustInsertEntry(t, store, "nb", author, "the quick brown fox jumps over the lazy dog")
	mustInsertEntry(t, store, "nb", author, "an unrelated note about cooking pasta")

	hits, err := store.SearchLexical(ctx, "nb", "brown fox", 10)
	if err != nil {
		t.Fatalf("SearchLexical: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].Entry.ID != e.ID {
		t.Errorf("hit entry = %s, want %s", hits[0].Entry.ID, e.ID)
	}
	if hits[0].Snippet == "" {
		t.Error("expected a snippet")
	}
}

func TestSemanticNeighbors(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	author := testAuthor(t, "a")
	mustCreateNotebook(t, store, "nb", author)

	near := mustInsertEntry(t, store, "nb", author, "near")
	far := mustInsertEntry(t, store, "nb", author, "far")
	self := mustInsertEntry(t, store, "nb", author, "self")

	if err := store.SetEntryEmbedding(ctx, near.ID, []float32{1, 0.1, 0}, 0); err != nil {
		t.Fatal(err)
	}
	if err := store.SetEntryEmbedding(ctx, far.ID, []float32{0, 0, 1}, 0); err != nil {
		t.Fatal(err)
	}
	if err := store.SetEntryEmbedding(ctx, self.ID, []float32{1, 0, 0}, 0); err != nil {
		t.Fatal(err)
	}

	neighbors, err := store.SemanticNeighbors(ctx, "nb", []float32{1, 0, 0}, 5, 0.5, false, self.ID)
	if err != nil {
		t.Fatalf("SemanticNeighbors: %v", err)
	}
	if len(neighbors) != 1 {
		t.Fatalf("got %d neighbors, want 1 (far below floor, self excluded)", len(neighbors))
	}
	if neighbors[0].EntryID != near.ID {
		t.Errorf("neighbor = %s, want %s", neighbors[0].EntryID, near.ID)
	}
	if neighbors[0].IsMirrored {
		t.Error("native neighbor flagged mirrored")
	}
}

func TestGetClaimsBatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	author := testAuthor(t, "a")
	mustCreateNotebook(t, store, "nb", author)

	e1 := mustInsertEntry(t, store, "nb", author, "one")
	e2 := mustInsertEntry(t, store, "nb", author, "two")
	if err := store.SetEntryClaims(ctx, e1.ID, []types.Claim{{Text: "a", Confidence: 1}}, types.ClaimsDistilled); err != nil {
		t.Fatal(err)
	}

	claims, err := store.GetClaimsBatch(ctx, "nb", []string{e1.ID, e2.ID, "missing"})
	if err != nil {
		t.Fatalf("GetClaimsBatch: %v", err)
	}
	if len(claims[e1.ID]) != 1 {
		t.Errorf("e1 claims = %d, want 1", len(claims[e1.ID]))
	}
	if _, ok := claims[e2.ID]; !ok {
		t.Error("e2 missing from batch response")
	}
	if _, ok := claims["missing"]; ok {
		t.Error("nonexistent id present in batch response")
	}
}
