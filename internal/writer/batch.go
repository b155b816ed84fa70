package writer

import (
	"context"
	"fmt"

	"github.com/quillspace/quill/internal/pipeline"
	"github.com/quillspace/quill/internal/storage"
	"github.com/quillspace/quill/internal/types"
)

// WriteBatch persists several entries atomically for one notebook: either
// every entry receives a sequence or none do. Batched entries are normalized
// and cleaned like single writes but never fragmented; oversized content in
// a batch is rejected so the all-or-nothing contract stays simple.
func (w *Writer) WriteBatch(ctx context.Context, notebookID string, author types.AuthorID, reqs []Request) ([]*Result, error) {
	nb, err := w.gate.RequireTier(ctx, notebookID, author, types.TierReadWrite)
	if err != nil {
		return nil, err
	}
	if err := w.checkQuota(ctx, author); err != nil {
		return nil, err
	}

	trusted := w.isTrusted(ctx, nb, author)
	status := types.ReviewApproved
	if !trusted {
		status = types.ReviewPending
	}

	entries := make([]*types.Entry, len(reqs))
	for i, req := range reqs {
		if req.NotebookID != notebookID {
			return nil, fmt.Errorf("batch entry %d targets notebook %s: %w", i, req.NotebookID, storage.ErrInvalid)
		}
		content, contentType, originalType, err := w.normalize(req.Content, req.ContentType)
		if err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}
		if pieces := fragmentContent(string(content), w.opts.TokenBudget); len(pieces) > 0 {
			return nil, fmt.Errorf("batch entry %d exceeds the fragment budget; write it individually: %w", i, storage.ErrInvalid)
		}
		entries[i] = &types.Entry{
			NotebookID:          notebookID,
			Content:             content,
			ContentType:         contentType,
			OriginalContentType: originalType,
			Topic:               req.Topic,
			Author:              author,
			Signature:           req.Signature,
			References:          req.References,
			ClaimsStatus:        types.ClaimsPending,
			ReviewStatus:        status,
		}
	}

	if err := w.store.InsertEntryBatch(ctx, notebookID, entries); err != nil {
		return nil, err
	}

	results := make([]*Result, len(entries))
	for i, e := range entries {
		if trusted {
			payload := pipeline.MustMarshal(pipeline.DistillPayload{EntryID: e.ID})
			if _, err := w.enqueue(ctx, notebookID, types.JobDistillClaims, payload, nil); err != nil {
				return nil, err
			}
		} else {
			review := &types.Review{NotebookID: notebookID, EntryID: e.ID, Submitter: author}
			if err := w.store.CreateReview(ctx, review); err != nil {
				return nil, err
			}
		}
		results[i] = &Result{Entry: e, Pending: !trusted}
	}

	_ = w.store.AppendAudit(ctx, &types.AuditRecord{
		NotebookID: notebookID,
		Author:     &author,
		Action:     "entry.batch_write",
		TargetType: "notebook",
		TargetID:   notebookID,
		Detail:     fmt.Sprintf("%d entries", len(entries)),
	})
	return results, nil
}
