// Package writer implements the entry write path: gate, quota, normalize,
// cleanup, fragment, persist, review-gate, and pipeline seeding.
package writer

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quillspace/quill/internal/access"
	"github.com/quillspace/quill/internal/htmlmd"
	"github.com/quillspace/quill/internal/pipeline"
	"github.com/quillspace/quill/internal/storage"
	"github.com/quillspace/quill/internal/types"
)

// EnqueueFunc seeds a pipeline job. Wired to the queue service.
type EnqueueFunc func(ctx context.Context, notebookID string, jobType types.JobType, payload []byte, priorityOverride *int) (*types.Job, error)

// Options carries the writer's tunables.
type Options struct {
	TokenBudget   int // fragmenter budget, in tokens
	EntriesPerDay int // per-author quota; 0 disables
}

// Writer validates and persists entries and seeds their first pipeline job.
type Writer struct {
	store   storage.Store
	gate    *access.Gate
	enqueue EnqueueFunc
	opts    Options
	log     *slog.Logger
}

// New builds a Writer.
func New(store storage.Store, gate *access.Gate, enqueue EnqueueFunc, opts Options, log *slog.Logger) *Writer {
	if opts.TokenBudget <= 0 {
		opts.TokenBudget = 4000
	}
	if log == nil {
		log = slog.Default()
	}
	return &Writer{store: store, gate: gate, enqueue: enqueue, opts: opts, log: log}
}

// Request is one write (or revision) submission.
type Request struct {
	NotebookID  string
	Author      types.AuthorID
	Content     []byte
	ContentType string
	Topic       string
	References  []string
	Signature   []byte
	RevisionOf  string // set for revisions
	IP          string
	UserAgent   string
}

// Result reports what the write produced.
type Result struct {
	Entry     *types.Entry
	Fragments []*types.Entry
	Pending   bool // held for review
}

// Write runs the full write path and returns the persisted entry with its
// assigned sequence.
func (w *Writer) Write(ctx context.Context, req Request) (*Result, error) {
	nb, err := w.gate.RequireTier(ctx, req.NotebookID, req.Author, types.TierReadWrite)
	if err != nil {
		return nil, err
	}

	if err := w.checkQuota(ctx, req.Author); err != nil {
		return nil, err
	}

	content, contentType, originalType, err := w.normalize(req.Content, req.ContentType)
	if err != nil {
		return nil, err
	}

	// Admins and the owner are trusted; plain read-write contributors go
	// through review before the pipeline sees their entries.
	trusted := w.isTrusted(ctx, nb, req.Author)

	entry := &types.Entry{
		NotebookID:          req.NotebookID,
		Content:             content,
		ContentType:         contentType,
		OriginalContentType: originalType,
		Topic:               req.Topic,
		Author:              req.Author,
		Signature:           req.Signature,
		RevisionOf:          req.RevisionOf,
		References:          req.References,
		ClaimsStatus:        types.ClaimsPending,
		ReviewStatus:        types.ReviewApproved,
	}
	if !trusted {
		entry.ReviewStatus = types.ReviewPending
	}

	fragments := w.fragment(entry)

	if len(fragments) == 0 {
		if err := w.store.InsertEntry(ctx, entry); err != nil {
			return nil, err
		}
	} else {
		if err := w.insertWithFragments(ctx, entry, fragments); err != nil {
			return nil, err
		}
	}

	if !trusted {
		review := &types.Review{
			NotebookID: req.NotebookID,
			EntryID:    entry.ID,
			Submitter:  req.Author,
		}
		if err := w.store.CreateReview(ctx, review); err != nil {
			return nil, err
		}
	} else {
		if err := w.seedPipeline(ctx, entry, fragments); err != nil {
			return nil, err
		}
	}

	action := "entry.write"
	if req.RevisionOf != "" {
		action = "entry.revise"
	}
	_ = w.store.AppendAudit(ctx, &types.AuditRecord{
		NotebookID: req.NotebookID,
		Author:     &req.Author,
		Action:     action,
		TargetType: "entry",
		TargetID:   entry.ID,
		Detail:     fmt.Sprintf("sequence %d", entry.Sequence),
		IP:         req.IP,
		UserAgent:  req.UserAgent,
	})

	w.log.Info("Entry written",
		"notebook", req.NotebookID, "entry", entry.ID,
		"sequence", entry.Sequence, "fragments", len(fragments), "pending", !trusted)

	return &Result{Entry: entry, Fragments: fragments, Pending: !trusted}, nil
}

// Revise writes a new entry chained to the original. The original is never
// mutated and keeps its claims; the revision enters the pipeline afresh.
func (w *Writer) Revise(ctx context.Context, req Request) (*Result, error) {
	if req.RevisionOf == "" {
		return nil, fmt.Errorf("revision requires the original entry id: %w", storage.ErrInvalid)
	}
	return w.Write(ctx, req)
}

func (w *Writer) checkQuota(ctx context.Context, author types.AuthorID) error {
	if w.opts.EntriesPerDay <= 0 {
		return nil
	}
	n, err := w.store.CountEntriesByAuthorSince(ctx, author, time.Now().Add(-24*time.Hour))
	if err != nil {
		return err
	}
	if n >= int64(w.opts.EntriesPerDay) {
		return fmt.Errorf("author quota of %d entries per day exhausted: %w", w.opts.EntriesPerDay, storage.ErrInvalid)
	}
	return nil
}

// normalize converts content by media type. HTML becomes Markdown; Markdown
// and plain text pass through. The original media type is recorded when the
// conversion changed it.
func (w *Writer) normalize(content []byte, contentType string) ([]byte, string, string, error) {
	mediaType := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}
	switch strings.ToLower(mediaType) {
	case "text/html", "application/xhtml+xml":
		md, err := htmlmd.Convert(content)
		if err != nil {
			return nil, "", "", fmt.Errorf("normalize html: %w: %v", storage.ErrInvalid, err)
		}
		if cleaned, changed := cleanupSource(md); changed {
			md = cleaned
		}
		return []byte(md), "text/markdown", contentType, nil
	case "text/markdown", "text/plain":
		text := string(content)
		if cleaned, changed := cleanupSource(text); changed {
			return []byte(cleaned), mediaType, "", nil
		}
		return content, mediaType, "", nil
	case "application/json", "application/octet-stream":
		// Opaque payloads are stored untouched and skip distillation context
		// processing.
		return content, mediaType, "", nil
	default:
		return nil, "", "", fmt.Errorf("unsupported media type %q: %w", contentType, storage.ErrInvalid)
	}
}

// fragment splits an oversized textual entry into child entries. The parent
// keeps the full content; children carry the pieces with contiguous
// zero-based indexes.
func (w *Writer) fragment(parent *types.Entry) []*types.Entry {
	if !strings.HasPrefix(parent.ContentType, "text/") {
		return nil
	}
	pieces := fragmentContent(string(parent.Content), w.opts.TokenBudget)
	if len(pieces) == 0 {
		return nil
	}
	fragments := make([]*types.Entry, len(pieces))
	for i, piece := range pieces {
		idx := i
		fragments[i] = &types.Entry{
			NotebookID:   parent.NotebookID,
			Content:      []byte(piece),
			ContentType:  parent.ContentType,
			Topic:        parent.Topic,
			Author:       parent.Author,
			FragmentIndex: &idx,
			ClaimsStatus: types.ClaimsPending,
			ReviewStatus: parent.ReviewStatus,
		}
	}
	return fragments
}

// insertWithFragments persists the parent and its children atomically,
// filling fragment_of once the parent id is known.
func (w *Writer) insertWithFragments(ctx context.Context, parent *types.Entry, fragments []*types.Entry) error {
	if parent.ID == "" {
		// Assign the parent id up front so children can reference it inside
		// the same batch transaction.
		parent.ID = uuid.NewString()
	}
	for _, f := range fragments {
		f.FragmentOf = parent.ID
	}
	all := append([]*types.Entry{parent}, fragments...)
	return w.store.InsertEntryBatch(ctx, parent.NotebookID, all)
}

// seedPipeline enqueues the first pipeline stage. Fragmented writes distill
// per fragment; the parent's own distillation would duplicate every claim.
// Revisions carry the original's distilled claims as context so terminology
// stays consistent across the chain, and any sibling fragment distilled
// before a re-seed anchors the rest.
func (w *Writer) seedPipeline(ctx context.Context, entry *types.Entry, fragments []*types.Entry) error {
	targets := []*types.Entry{entry}
	if len(fragments) > 0 {
		targets = fragments
	}

	var revisionContext []types.Claim
	if entry.RevisionOf != "" {
		revisionContext = w.revisionContext(ctx, entry.NotebookID, entry.RevisionOf)
	}

	for _, t := range targets {
		claims := revisionContext
		if sibling := pipeline.SiblingContext(targets, t.ID); len(sibling) > 0 {
			claims = append(append([]types.Claim{}, revisionContext...), sibling...)
		}
		payload := pipeline.MustMarshal(pipeline.DistillPayload{
			EntryID:       t.ID,
			ContextClaims: claims,
		})
		if _, err := w.enqueue(ctx, entry.NotebookID, types.JobDistillClaims, payload, nil); err != nil {
			return err
		}
	}
	return nil
}

// revisionContext gathers the distilled claims of the revised entry and its
// fragments. Best-effort: a missing or still-pending original contributes
// nothing.
func (w *Writer) revisionContext(ctx context.Context, notebookID, originalID string) []types.Claim {
	original, err := w.store.GetEntry(ctx, notebookID, originalID)
	if err != nil {
		w.log.Debug("Revision context unavailable", "original", originalID, "error", err)
		return nil
	}
	chain := []*types.Entry{original}
	if fragments, err := w.store.ListFragments(ctx, originalID); err == nil {
		chain = append(chain, fragments...)
	}
	return pipeline.SiblingContext(chain, "")
}

// isTrusted reports whether the author writes directly to the pipeline.
func (w *Writer) isTrusted(ctx context.Context, nb *types.Notebook, author types.AuthorID) bool {
	if nb.Owner == author {
		return true
	}
	grant, err := w.store.GetGrant(ctx, nb.ID, author)
	if err != nil {
		return false
	}
	return grant.Tier >= types.TierAdmin
}
