package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/quillspace/quill/internal/storage"
	"github.com/quillspace/quill/internal/types"
)

// EnqueueFunc seeds a follow-up job. Wired to the queue service.
type EnqueueFunc func(ctx context.Context, notebookID string, jobType types.JobType, payload []byte, priorityOverride *int) (*types.Job, error)

// Thresholds are the similarity and friction cut points for integration
// verdicts.
type Thresholds struct {
	Integrate float64 // min peer similarity for an integrated verdict
	Low       float64 // below this no peer "reached" the entry
	Friction  float64 // at or above this friction blocks integration
}

// Options tunes the orchestrator.
type Options struct {
	SemanticTopK    int
	SimilarityFloor float64
	Thresholds      Thresholds
	IncludeMirrored bool
	// RetroPropagation mirrors each comparison against a native
	// (non-mirrored) peer back onto that peer. Off by default: the forward path alone keeps every entry's
	// cached friction consistent with its own comparison list.
	RetroPropagation bool
}

// Orchestrator reacts to completed jobs.
type Orchestrator struct {
	store   storage.Store
	enqueue EnqueueFunc
	opts    Options
	log     *slog.Logger

	// retroMu guards the deduplicated set of peers pending a retroactive
	// update so result bursts collapse into one recompute per peer.
	retroMu      sync.Mutex
	retroPending map[string]bool
}

// New builds an Orchestrator.
func New(store storage.Store, enqueue EnqueueFunc, opts Options, log *slog.Logger) *Orchestrator {
	if opts.SemanticTopK <= 0 {
		opts.SemanticTopK = 5
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		store:        store,
		enqueue:      enqueue,
		opts:         opts,
		log:          log,
		retroPending: make(map[string]bool),
	}
}

// OnCompleted dispatches the reaction for one completed job. Reactions are
// idempotent: replaying a completed job converges to the same entry state.
func (o *Orchestrator) OnCompleted(ctx context.Context, job *types.Job) error {
	switch job.Type {
	case types.JobDistillClaims:
		return o.onDistilled(ctx, job)
	case types.JobEmbedClaims:
		return o.onEmbedded(ctx, job)
	case types.JobEmbedMirrored:
		return o.onMirroredEmbedded(ctx, job)
	case types.JobCompareClaims:
		return o.onCompared(ctx, job)
	case types.JobClassifyTopic:
		return o.onClassified(ctx, job)
	default:
		return fmt.Errorf("no dispatch for job type %q", job.Type)
	}
}

func (o *Orchestrator) onDistilled(ctx context.Context, job *types.Job) error {
	payload, err := decode[DistillPayload](job.Payload, "distill payload")
	if err != nil {
		return err
	}
	result, err := decode[DistillResult](job.Result, "distill result")
	if err != nil {
		return err
	}

	if err := o.store.SetEntryClaims(ctx, payload.EntryID, result.Claims, types.ClaimsDistilled); err != nil {
		return err
	}

	embedPayload := MustMarshal(EmbedPayload{EntryID: payload.EntryID, Claims: result.Claims})
	if _, err := o.enqueue(ctx, job.NotebookID, types.JobEmbedClaims, embedPayload, nil); err != nil {
		return err
	}

	topics, err := o.store.ListTopics(ctx, job.NotebookID)
	if err != nil {
		return err
	}
	classifyPayload := MustMarshal(ClassifyPayload{
		EntryID:         payload.EntryID,
		Claims:          result.Claims,
		AvailableTopics: topics,
	})
	if _, err := o.enqueue(ctx, job.NotebookID, types.JobClassifyTopic, classifyPayload, nil); err != nil {
		return err
	}

	o.log.Debug("Claims distilled", "entry", payload.EntryID, "claims", len(result.Claims))
	return nil
}

func (o *Orchestrator) onEmbedded(ctx context.Context, job *types.Job) error {
	payload, err := decode[EmbedPayload](job.Payload, "embed payload")
	if err != nil {
		return err
	}
	result, err := decode[EmbedResult](job.Result, "embed result")
	if err != nil {
		return err
	}
	if len(result.Embedding) == 0 {
		return fmt.Errorf("embed result for %s carries no vector", payload.EntryID)
	}

	entry, err := o.store.GetEntry(ctx, job.NotebookID, payload.EntryID)
	if err != nil {
		return err
	}

	neighbors, err := o.store.SemanticNeighbors(ctx, job.NotebookID, result.Embedding,
		o.opts.SemanticTopK, o.opts.SimilarityFloor, o.opts.IncludeMirrored, payload.EntryID)
	if err != nil {
		return err
	}

	if err := o.store.SetEntryEmbedding(ctx, payload.EntryID, result.Embedding, len(neighbors)); err != nil {
		return err
	}

	if len(neighbors) == 0 {
		// Nothing to compare against: the claim set verifies trivially and
		// the entry has no peer that reached it.
		if err := o.store.SetEntryClaimsStatus(ctx, payload.EntryID, types.ClaimsVerified); err != nil {
			return err
		}
		if err := o.store.SetEntryIntegrationStatus(ctx, payload.EntryID, types.IntegrationOrphan); err != nil {
			return err
		}
		o.log.Debug("Embedding stored, no peers", "entry", payload.EntryID)
		return nil
	}

	for _, n := range neighbors {
		compare := ComparePayload{
			EntryID:        payload.EntryID,
			CompareAgainst: n.EntryID,
			ClaimsA:        n.Claims,
			ClaimsB:        entry.Claims,
			PeerMirrored:   n.IsMirrored,
		}
		if n.IsMirrored {
			compare.DiscountFactor = n.DiscountFactor
		}
		if _, err := o.enqueue(ctx, job.NotebookID, types.JobCompareClaims, MustMarshal(compare), nil); err != nil {
			return err
		}
	}
	o.log.Debug("Embedding stored", "entry", payload.EntryID, "comparisons_enqueued", len(neighbors))
	return nil
}

func (o *Orchestrator) onMirroredEmbedded(ctx context.Context, job *types.Job) error {
	payload, err := decode[EmbedMirroredPayload](job.Payload, "mirrored embed payload")
	if err != nil {
		return err
	}
	result, err := decode[EmbedResult](job.Result, "mirrored embed result")
	if err != nil {
		return err
	}
	return o.store.SetMirroredClaimEmbedding(ctx, payload.MirroredClaimID, result.Embedding)
}

func (o *Orchestrator) onCompared(ctx context.Context, job *types.Job) error {
	payload, err := decode[ComparePayload](job.Payload, "compare payload")
	if err != nil {
		return err
	}
	result, err := decode[CompareResult](job.Result, "compare result")
	if err != nil {
		return err
	}

	nb, err := o.store.GetNotebook(ctx, job.NotebookID)
	if err != nil {
		return err
	}

	friction := result.Friction
	if payload.PeerMirrored && payload.DiscountFactor > 0 {
		friction *= payload.DiscountFactor
	}

	cmp := types.Comparison{
		ComparedAgainst: payload.CompareAgainst,
		Entropy:         result.Entropy,
		Friction:        friction,
		Contradictions:  result.Contradictions,
		Mirrored:        payload.PeerMirrored,
	}
	entry, err := o.store.AppendEntryComparison(ctx, payload.EntryID, cmp, nb.ReviewThreshold)
	if err != nil {
		return err
	}

	if entry.ClaimsStatus == types.ClaimsVerified {
		if err := o.settleIntegration(ctx, job.NotebookID, entry); err != nil {
			return err
		}
	}

	if o.opts.RetroPropagation && !payload.PeerMirrored {
		o.propagateToPeer(ctx, job.NotebookID, payload.EntryID, payload.CompareAgainst, cmp, nb.ReviewThreshold)
	}

	o.log.Debug("Comparison landed",
		"entry", payload.EntryID, "against", payload.CompareAgainst,
		"friction", friction, "verified", entry.ClaimsStatus == types.ClaimsVerified)
	return nil
}

// settleIntegration computes the integration verdict once every expected
// comparison has landed.
func (o *Orchestrator) settleIntegration(ctx context.Context, notebookID string, entry *types.Entry) error {
	sims, err := o.peerSimilarities(ctx, notebookID, entry)
	if err != nil {
		return err
	}

	status := types.IntegrationProbation
	switch {
	case len(sims) == 0 || maxOf(sims) < o.opts.Thresholds.Low:
		status = types.IntegrationOrphan
	case minOf(sims) >= o.opts.Thresholds.Integrate &&
		(entry.MaxFriction == nil || *entry.MaxFriction < o.opts.Thresholds.Friction):
		status = types.IntegrationIntegrated
	}
	return o.store.SetEntryIntegrationStatus(ctx, entry.ID, status)
}

// peerSimilarities recomputes cosine similarity between the entry and each
// compared peer. Peers may be entries or mirrored claims.
func (o *Orchestrator) peerSimilarities(ctx context.Context, notebookID string, entry *types.Entry) ([]float64, error) {
	if len(entry.Embedding) == 0 {
		return nil, nil
	}
	var sims []float64
	for _, cmp := range entry.Comparisons {
		var peerVec []float32
		if cmp.Mirrored {
			mc, err := o.store.GetMirroredClaim(ctx, cmp.ComparedAgainst)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue // tombstone raced
				}
				return nil, err
			}
			peerVec = mc.Embedding
		} else {
			peer, err := o.store.GetEntry(ctx, notebookID, cmp.ComparedAgainst)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue // peer deleted since comparison
				}
				return nil, err
			}
			peerVec = peer.Embedding
		}
		if sim := cosine(entry.Embedding, peerVec); sim > 0 {
			sims = append(sims, sim)
		}
	}
	return sims, nil
}

// propagateToPeer mirrors a comparison back onto the peer entry, since
// comparison is commutative at the claim-set level. The dedup set absorbs
// bursts: one in-flight update per peer.
func (o *Orchestrator) propagateToPeer(ctx context.Context, notebookID, entryID, peerID string, cmp types.Comparison, reviewThreshold float64) {
	o.retroMu.Lock()
	if o.retroPending[peerID] {
		o.retroMu.Unlock()
		return
	}
	o.retroPending[peerID] = true
	o.retroMu.Unlock()

	defer func() {
		o.retroMu.Lock()
		delete(o.retroPending, peerID)
		o.retroMu.Unlock()
	}()

	peer, err := o.store.GetEntry(ctx, notebookID, peerID)
	if err != nil {
		o.log.Debug("Retro propagation skipped", "peer", peerID, "error", err)
		return
	}
	for _, existing := range peer.Comparisons {
		if existing.ComparedAgainst == entryID {
			return // already recorded in the other direction
		}
	}
	back := types.Comparison{
		ComparedAgainst: entryID,
		Entropy:         cmp.Entropy,
		Friction:        cmp.Friction,
		Contradictions:  cmp.Contradictions,
	}
	if _, err := o.store.AppendEntryComparison(ctx, peerID, back, reviewThreshold); err != nil {
		o.log.Error("Retro propagation failed", "peer", peerID, "error", err)
	}
}

func (o *Orchestrator) onClassified(ctx context.Context, job *types.Job) error {
	payload, err := decode[ClassifyPayload](job.Payload, "classify payload")
	if err != nil {
		return err
	}
	result, err := decode[ClassifyResult](job.Result, "classify result")
	if err != nil {
		return err
	}
	if result.PrimaryTopic == "" {
		return nil // worker declined to classify
	}
	return o.store.SetEntryTopic(ctx, payload.EntryID, result.PrimaryTopic)
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func minOf(v []float64) float64 {
	out := v[0]
	for _, x := range v[1:] {
		if x < out {
			out = x
		}
	}
	return out
}

func maxOf(v []float64) float64 {
	out := v[0]
	for _, x := range v[1:] {
		if x > out {
			out = x
		}
	}
	return out
}
