// Package storage defines the interface for knowledge-exchange storage
// backends.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/quillspace/quill/internal/types"
)

// Sentinel errors shared by all backends. Callers match with errors.Is.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a uniqueness or state conflict.
	ErrConflict = errors.New("conflict")

	// ErrCycle indicates a subscription would close a cycle.
	ErrCycle = errors.New("subscription cycle detected")

	// ErrStaleClaim indicates a job mutation from a worker that no longer
	// holds the claim. The worker must discard its result.
	ErrStaleClaim = errors.New("job claim is stale")

	// ErrInvalid indicates the input fails validation.
	ErrInvalid = errors.New("invalid")
)

// EntryFilter is the AND-combined predicate set for Browse.
type EntryFilter struct {
	TopicPrefix       string
	ClaimsStatus      *types.ClaimsStatus
	IntegrationStatus *types.IntegrationStatus
	Author            *types.AuthorID
	SequenceMin       *int64
	SequenceMax       *int64
	HasFrictionAbove  *float64
	NeedsReview       *bool
	FragmentOf        string
	Query             string

	// IncludePending lifts the review-gate exclusion entirely (reviewers).
	// Without it, a set Submitter widens the approved-only view to that
	// author's own pending rows; Submitter is ignored when IncludePending
	// is set.
	IncludePending bool
	Submitter      *types.AuthorID

	Limit      int
	Offset     int
	Descending bool
}

// SearchHit is one lexical search result with snippet metadata.
type SearchHit struct {
	Entry   *types.Entry
	Snippet string
	Rank    float64
}

// Neighbor is one semantic search result.
type Neighbor struct {
	EntryID        string
	Similarity     float64
	IsMirrored     bool
	SubscriptionID string
	DiscountFactor float64
	Claims         []types.Claim
}

// ClaimRequest selects the next job for a worker.
type ClaimRequest struct {
	NotebookID string
	WorkerID   string
	Type       *types.JobType
	Now        time.Time
}

// BatchEntry is one element of an atomic multi-entry write.
type BatchEntry struct {
	Entry    *types.Entry
	Sequence int64 // assigned by the store
}

// Store is the single storage contract the service core depends on. All
// methods honor ctx cancellation; write methods run inside one transaction.
type Store interface {
	// Notebooks and access.
	CreateNotebook(ctx context.Context, nb *types.Notebook) error
	GetNotebook(ctx context.Context, id string) (*types.Notebook, error)
	ListNotebooksVisibleTo(ctx context.Context, author types.AuthorID) ([]*types.Notebook, error)
	ListNotebookIDs(ctx context.Context) ([]string, error)
	DeleteNotebook(ctx context.Context, id string) error
	SetGrant(ctx context.Context, grant *types.AccessGrant) error
	GetGrant(ctx context.Context, notebookID string, author types.AuthorID) (*types.AccessGrant, error)
	DeleteGrant(ctx context.Context, notebookID string, author types.AuthorID) error

	// Entries. InsertEntry assigns the notebook's next sequence atomically
	// with the row insert and stores it on the entry.
	InsertEntry(ctx context.Context, e *types.Entry) error
	InsertEntryBatch(ctx context.Context, notebookID string, entries []*types.Entry) error
	GetEntry(ctx context.Context, notebookID, entryID string) (*types.Entry, error)
	ListFragments(ctx context.Context, parentID string) ([]*types.Entry, error)
	// DeleteEntry removes the entry and its fragments and tombstones every
	// subscription's mirror of them, all in one transaction.
	DeleteEntry(ctx context.Context, notebookID, entryID string) error

	// Targeted column updates; each mutates only the named fields.
	SetEntryClaims(ctx context.Context, entryID string, claims []types.Claim, status types.ClaimsStatus) error
	SetEntryEmbedding(ctx context.Context, entryID string, embedding []float32, expectedComparisons int) error
	AppendEntryComparison(ctx context.Context, entryID string, cmp types.Comparison, reviewThreshold float64) (*types.Entry, error)
	SetEntryIntegrationStatus(ctx context.Context, entryID string, status types.IntegrationStatus) error
	SetEntryClaimsStatus(ctx context.Context, entryID string, status types.ClaimsStatus) error
	SetEntryTopic(ctx context.Context, entryID string, topic string) error
	SetEntryReviewStatus(ctx context.Context, entryID string, status types.ReviewStatus) error

	// Browse, observe, search.
	BrowseEntries(ctx context.Context, notebookID string, f EntryFilter) ([]*types.Entry, error)
	ObserveEntries(ctx context.Context, notebookID string, sinceSequence int64, topicPrefix string, limit int) ([]*types.Entry, error)
	SearchLexical(ctx context.Context, notebookID, query string, limit int) ([]SearchHit, error)
	SemanticNeighbors(ctx context.Context, notebookID string, embedding []float32, k int, minSimilarity float64, includeMirrored bool, excludeEntryID string) ([]Neighbor, error)
	GetClaimsBatch(ctx context.Context, notebookID string, entryIDs []string) (map[string][]types.Claim, error)
	ListTopics(ctx context.Context, notebookID string) ([]string, error)
	CountEntriesByAuthorSince(ctx context.Context, author types.AuthorID, since time.Time) (int64, error)

	// Job queue.
	EnqueueJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, notebookID, jobID string) (*types.Job, error)
	ClaimJob(ctx context.Context, req ClaimRequest) (*types.Job, error)
	CompleteJob(ctx context.Context, notebookID, jobID, workerID string, result json.RawMessage, now time.Time) (*types.Job, error)
	FailJob(ctx context.Context, notebookID, jobID, workerID, errMsg string, now time.Time) (*types.Job, error)
	ReclaimTimedOutJobs(ctx context.Context, notebookID string, now time.Time) (int64, error)
	JobStats(ctx context.Context, notebookID string) (types.JobStats, error)
	RetryFailedJobs(ctx context.Context, notebookID string) (int64, error)

	// Subscriptions and mirrors.
	CreateSubscription(ctx context.Context, sub *types.Subscription) error
	GetSubscription(ctx context.Context, id string) (*types.Subscription, error)
	ListSubscriptionsBySubscriber(ctx context.Context, notebookID string) ([]*types.Subscription, error)
	ListDueSubscriptions(ctx context.Context, now time.Time) ([]*types.Subscription, error)
	UpdateSubscriptionSync(ctx context.Context, id string, watermark int64, syncStatus string, mirrored int64, at time.Time) error
	DeleteSubscription(ctx context.Context, id string) error
	UpsertMirroredClaim(ctx context.Context, mc *types.MirroredClaim) error
	GetMirroredClaim(ctx context.Context, id string) (*types.MirroredClaim, error)
	SetMirroredClaimEmbedding(ctx context.Context, id string, embedding []float32) error
	TombstoneMirroredClaim(ctx context.Context, subscriptionID, sourceEntryID string) error

	// Reviews.
	CreateReview(ctx context.Context, r *types.Review) error
	GetReviewByEntry(ctx context.Context, entryID string) (*types.Review, error)
	DecideReview(ctx context.Context, entryID string, reviewer types.AuthorID, status types.ReviewStatus, reason string, at time.Time) error
	ListPendingReviews(ctx context.Context, notebookID string) ([]*types.Review, error)

	// Audit.
	AppendAudit(ctx context.Context, rec *types.AuditRecord) error
	ListAudit(ctx context.Context, notebookID string, limit int) ([]*types.AuditRecord, error)

	Close() error
}
