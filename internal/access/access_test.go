package access

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/quillspace/quill/internal/storage"
	"github.com/quillspace/quill/internal/storage/sqlite"
	"github.com/quillspace/quill/internal/types"
)

func setup(t *testing.T) (*Gate, storage.Store, types.AuthorID, types.AuthorID) {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(ctx, t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	owner, _ := types.ParseAuthorID(strings.Repeat("aa", 32))
	stranger, _ := types.ParseAuthorID(strings.Repeat("bb", 32))
	nb := &types.Notebook{ID: "nb", Name: "n", Owner: owner, Label: types.Label{Level: types.LevelInternal}}
	if err := store.CreateNotebook(ctx, nb); err != nil {
		t.Fatalf("create notebook: %v", err)
	}
	return NewGate(store), store, owner, stranger
}

func TestOwnerIsImplicitAdmin(t *testing.T) {
	gate, _, owner, _ := setup(t)
	if _, err := gate.RequireTier(context.Background(), "nb", owner, types.TierAdmin); err != nil {
		t.Errorf("owner denied admin: %v", err)
	}
}

func TestDenialWithoutExistenceIsNotFound(t *testing.T) {
	gate, store, owner, stranger := setup(t)
	ctx := context.Background()

	_, err := gate.RequireTier(ctx, "nb", stranger, types.TierRead)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("strangers must get not-found, got %v", err)
	}

	// With EXISTENCE the same request turns into forbidden.
	grant := &types.AccessGrant{NotebookID: "nb", Author: stranger, Tier: types.TierExistence, GrantedBy: owner}
	if err := store.SetGrant(ctx, grant); err != nil {
		t.Fatalf("SetGrant: %v", err)
	}
	_, err = gate.RequireTier(ctx, "nb", stranger, types.TierRead)
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("existence-tier caller must get forbidden, got %v", err)
	}

	// Both denials audited.
	records, err := store.ListAudit(ctx, "nb", 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	denials := 0
	for _, r := range records {
		if r.Action == "access.denied" {
			denials++
		}
	}
	if denials != 2 {
		t.Errorf("audited denials = %d, want 2", denials)
	}
}

func TestGrantTierSatisfiesRequirement(t *testing.T) {
	gate, store, owner, stranger := setup(t)
	ctx := context.Background()

	grant := &types.AccessGrant{NotebookID: "nb", Author: stranger, Tier: types.TierReadWrite, GrantedBy: owner}
	if err := store.SetGrant(ctx, grant); err != nil {
		t.Fatalf("SetGrant: %v", err)
	}

	if _, err := gate.RequireTier(ctx, "nb", stranger, types.TierReadWrite); err != nil {
		t.Errorf("read_write caller denied read_write: %v", err)
	}
	if _, err := gate.RequireTier(ctx, "nb", stranger, types.TierAdmin); !errors.Is(err, ErrForbidden) {
		t.Errorf("read_write caller allowed admin: %v", err)
	}
}

func TestCheckAgentLabelDominance(t *testing.T) {
	gate, store, owner, _ := setup(t)
	ctx := context.Background()

	secret := &types.Notebook{
		ID: "sec", Name: "s", Owner: owner,
		Label: types.Label{Level: types.LevelSecret, Compartments: []string{"alpha"}},
	}
	if err := store.CreateNotebook(ctx, secret); err != nil {
		t.Fatalf("create: %v", err)
	}

	cleared := types.Label{Level: types.LevelTopSecret, Compartments: []string{"alpha", "beta"}}
	if err := gate.CheckAgentLabel(ctx, secret, "w1", &cleared); err != nil {
		t.Errorf("dominating agent denied: %v", err)
	}

	uncleared := types.Label{Level: types.LevelTopSecret}
	if err := gate.CheckAgentLabel(ctx, secret, "w2", &uncleared); !errors.Is(err, ErrForbidden) {
		t.Errorf("agent without compartment allowed: %v", err)
	}

	if err := gate.CheckAgentLabel(ctx, secret, "w3", nil); !errors.Is(err, ErrForbidden) {
		t.Errorf("unlabeled agent allowed on secret notebook: %v", err)
	}
}
