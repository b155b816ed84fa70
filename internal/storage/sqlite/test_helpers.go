package sqlite

import (
	"context"
	"strings"
	"testing"

	"github.com/quillspace/quill/internal/types"
)

// newTestStore creates a file-backed store under t.TempDir(). File-based
// databases behave like production under the connection pool, unlike the
// shared ":memory:" database.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()
	store, err := New(ctx, t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Fatalf("Failed to close test database: %v", cerr)
		}
	})
	return store
}

// testAuthor derives a deterministic author id from a single hex digit.
func testAuthor(t *testing.T, digit string) types.AuthorID {
	t.Helper()
	id, err := types.ParseAuthorID(strings.Repeat(digit, 64))
	if err != nil {
		t.Fatalf("bad test author: %v", err)
	}
	return id
}

// mustCreateNotebook inserts a notebook owned by the given author.
func mustCreateNotebook(t *testing.T, store *Store, id string, owner types.AuthorID) *types.Notebook {
	t.Helper()
	nb := &types.Notebook{
		ID:              id,
		Name:            "notebook " + id,
		Owner:           owner,
		ReviewThreshold: 0.8,
	}
	if err := store.CreateNotebook(context.Background(), nb); err != nil {
		t.Fatalf("CreateNotebook(%s): %v", id, err)
	}
	return nb
}

// mustInsertEntry persists a plain-text entry and returns it with its
// assigned sequence.
func mustInsertEntry(t *testing.T, store *Store, notebookID string, author types.AuthorID, content string) *types.Entry {
	t.Helper()
	e := &types.Entry{
		NotebookID:  notebookID,
		Author:      author,
		Content:     []byte(content),
		ContentType: "text/plain",
	}
	if err := store.InsertEntry(context.Background(), e); err != nil {
		t.Fatalf("InsertEntry: %v", err)
	}
	return e
}
