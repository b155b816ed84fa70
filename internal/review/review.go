// Package review holds untrusted submissions off the pipeline until a
// reviewer decides them.
package review

import (
	"context"
	"log/slog"
	"time"

	"github.com/quillspace/quill/internal/pipeline"
	"github.com/quillspace/quill/internal/storage"
	"github.com/quillspace/quill/internal/types"
)

// Service decides pending reviews and releases approved entries into the
// pipeline.
type Service struct {
	store   storage.Store
	enqueue pipeline.EnqueueFunc
	log     *slog.Logger
}

// New builds the review service.
func New(store storage.Store, enqueue pipeline.EnqueueFunc, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, enqueue: enqueue, log: log}
}

// Approve releases the entry: the review flips to approved — fragments
// included — and exactly one distillation job enters the queue per fragment,
// or one for the entry itself when it was never fragmented.
func (s *Service) Approve(ctx context.Context, notebookID, entryID string, reviewer types.AuthorID) error {
	if err := s.store.DecideReview(ctx, entryID, reviewer, types.ReviewApproved, "", time.Now()); err != nil {
		return err
	}

	entry, err := s.store.GetEntry(ctx, notebookID, entryID)
	if err != nil {
		return err
	}
	fragments, err := s.store.ListFragments(ctx, entryID)
	if err != nil {
		return err
	}

	targets := []*types.Entry{entry}
	if len(fragments) > 0 {
		targets = fragments
	}
	for _, t := range targets {
		// A re-approval after partial processing may find some fragments
		// already distilled; their claims anchor the remaining ones.
		payload := pipeline.MustMarshal(pipeline.DistillPayload{
			EntryID:       t.ID,
			ContextClaims: pipeline.SiblingContext(targets, t.ID),
		})
		if _, err := s.enqueue(ctx, notebookID, types.JobDistillClaims, payload, nil); err != nil {
			return err
		}
	}

	_ = s.store.AppendAudit(ctx, &types.AuditRecord{
		NotebookID: notebookID,
		Author:     &reviewer,
		Action:     "review.approved",
		TargetType: "entry",
		TargetID:   entryID,
	})
	s.log.Info("Entry approved", "notebook", notebookID, "entry", entryID)
	return nil
}

// Reject leaves the entry stored but inert: no pipeline work, invisible to
// browse and search.
func (s *Service) Reject(ctx context.Context, notebookID, entryID string, reviewer types.AuthorID, reason string) error {
	if err := s.store.DecideReview(ctx, entryID, reviewer, types.ReviewRejected, reason, time.Now()); err != nil {
		return err
	}
	_ = s.store.AppendAudit(ctx, &types.AuditRecord{
		NotebookID: notebookID,
		Author:     &reviewer,
		Action:     "review.rejected",
		TargetType: "entry",
		TargetID:   entryID,
		Detail:     reason,
	})
	s.log.Info("Entry rejected", "notebook", notebookID, "entry", entryID)
	return nil
}

// Pending lists the notebook's open reviews.
func (s *Service) Pending(ctx context.Context, notebookID string) ([]*types.Review, error) {
	return s.store.ListPendingReviews(ctx, notebookID)
}
