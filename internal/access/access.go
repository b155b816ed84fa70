// Package access is the single gate in front of every notebook-scoped
// operation: tier checks for principals and classification dominance for
// worker job claims. Every denial lands in the audit log.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/quillspace/quill/internal/storage"
	"github.com/quillspace/quill/internal/types"
)

// ErrForbidden is returned when the caller is known to the notebook but its
// tier is insufficient. Callers with no standing at all get
// storage.ErrNotFound instead, so denial does not leak existence.
var ErrForbidden = errors.New("forbidden")

// Gate evaluates access decisions against the store and audits denials.
type Gate struct {
	store storage.Store
}

// NewGate builds a Gate over the given store.
func NewGate(store storage.Store) *Gate {
	return &Gate{store: store}
}

// RequireTier checks that caller holds at least the required tier on the
// notebook and returns the notebook on success. The owner is implicit admin.
// Denials audit with the required tier; callers without even EXISTENCE
// receive not-found.
func (g *Gate) RequireTier(ctx context.Context, notebookID string, caller types.AuthorID, required types.Tier) (*types.Notebook, error) {
	nb, err := g.store.GetNotebook(ctx, notebookID)
	if err != nil {
		return nil, err
	}

	if nb.Owner == caller {
		return nb, nil
	}

	grant, err := g.store.GetGrant(ctx, notebookID, caller)
	if errors.Is(err, storage.ErrNotFound) {
		g.auditDenial(ctx, notebookID, caller, required, "no grant")
		return nil, fmt.Errorf("notebook %s: %w", notebookID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if grant.Tier < required {
		g.auditDenial(ctx, notebookID, caller, required, "tier "+grant.Tier.String())
		return nil, fmt.Errorf("notebook %s requires %s: %w", notebookID, required, ErrForbidden)
	}
	return nb, nil
}

// RequireClearance additionally checks that the caller's own label dominates
// the notebook's classification. Used on read paths where the principal
// carries a label.
func (g *Gate) RequireClearance(ctx context.Context, notebookID string, caller types.AuthorID, callerLabel types.Label, required types.Tier) (*types.Notebook, error) {
	nb, err := g.RequireTier(ctx, notebookID, caller, required)
	if err != nil {
		return nil, err
	}
	if !callerLabel.Dominates(nb.Label) {
		g.auditDenial(ctx, notebookID, caller, required, "label does not dominate "+nb.Label.Level.String())
		return nil, fmt.Errorf("notebook %s classification: %w", notebookID, ErrForbidden)
	}
	return nb, nil
}

// CheckAgentLabel decides whether a worker holding agentLabel may claim jobs
// on the notebook. A nil label means the worker presented none and may only
// serve unclassified public notebooks with no compartments.
func (g *Gate) CheckAgentLabel(ctx context.Context, nb *types.Notebook, workerID string, agentLabel *types.Label) error {
	label := types.Label{}
	if agentLabel != nil {
		label = *agentLabel
	}
	if label.Dominates(nb.Label) {
		return nil
	}
	_ = g.store.AppendAudit(ctx, &types.AuditRecord{
		NotebookID: nb.ID,
		Action:     "job.claim.denied",
		TargetType: "worker",
		TargetID:   workerID,
		Detail:     fmt.Sprintf("agent label does not dominate %s", nb.Label.Level),
	})
	return fmt.Errorf("worker %s lacks clearance for notebook %s: %w", workerID, nb.ID, ErrForbidden)
}

func (g *Gate) auditDenial(ctx context.Context, notebookID string, caller types.AuthorID, required types.Tier, detail string) {
	// Denial audit is best-effort; the denial itself must not fail on audit
	// trouble.
	_ = g.store.AppendAudit(ctx, &types.AuditRecord{
		NotebookID: notebookID,
		Author:     &caller,
		Action:     "access.denied",
		TargetType: "notebook",
		TargetID:   notebookID,
		Detail:     "required " + required.String() + ": " + detail,
	})
}
