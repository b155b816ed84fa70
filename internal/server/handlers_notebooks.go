package server

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/quillspace/quill/internal/access"
	"github.com/quillspace/quill/internal/storage"
	"github.com/quillspace/quill/internal/types"
)

// requireRead gates a read path: tier first, then clearance when the
// notebook carries a non-trivial label.
func (s *Server) requireRead(r *http.Request, notebookID string, caller identity, tier types.Tier) (*types.Notebook, error) {
	nb, err := s.gate.RequireTier(r.Context(), notebookID, caller.Author, tier)
	if err != nil {
		return nil, err
	}
	classified := nb.Label.Level > types.LevelPublic || len(nb.Label.Compartments) > 0
	if classified {
		label := types.Label{}
		if caller.Label != nil {
			label = *caller.Label
		}
		if !label.Dominates(nb.Label) {
			return nil, fmt.Errorf("notebook %s classification: %w", notebookID, access.ErrForbidden)
		}
	}
	return nb, nil
}

type createNotebookRequest struct {
	Name            string   `json:"name"`
	Classification  string   `json:"classification,omitempty"`
	Compartments    []string `json:"compartments,omitempty"`
	ReviewThreshold *float64 `json:"review_threshold,omitempty"`
}

func (s *Server) handleCreateNotebook(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var req createNotebookRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	level, err := types.ParseClassificationLevel(req.Classification)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%v: %w", err, storage.ErrInvalid))
		return
	}

	nb := &types.Notebook{
		ID:              uuid.NewString(),
		Name:            req.Name,
		Owner:           caller.Author,
		Label:           types.Label{Level: level, Compartments: req.Compartments},
		ReviewThreshold: 0.8,
	}
	if req.ReviewThreshold != nil {
		nb.ReviewThreshold = *req.ReviewThreshold
	}
	if err := s.store.CreateNotebook(r.Context(), nb); err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = s.store.AppendAudit(r.Context(), &types.AuditRecord{
		NotebookID: nb.ID,
		Author:     &caller.Author,
		Action:     "notebook.create",
		TargetType: "notebook",
		TargetID:   nb.ID,
	})
	writeJSON(w, http.StatusCreated, nb)
}

func (s *Server) handleListNotebooks(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	notebooks, err := s.store.ListNotebooksVisibleTo(r.Context(), caller.Author)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if notebooks == nil {
		notebooks = []*types.Notebook{}
	}
	writeJSON(w, http.StatusOK, notebooks)
}

type shareRequest struct {
	Author string `json:"author"`
	Tier   string `json:"tier"`
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	notebookID := r.PathValue("id")
	if _, err := s.gate.RequireTier(r.Context(), notebookID, caller.Author, types.TierAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req shareRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	author, err := types.ParseAuthorID(req.Author)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%v: %w", err, storage.ErrInvalid))
		return
	}
	tier, err := types.ParseTier(req.Tier)
	if err != nil || tier == types.TierNone {
		s.writeError(w, r, fmt.Errorf("invalid tier %q: %w", req.Tier, storage.ErrInvalid))
		return
	}

	grant := &types.AccessGrant{NotebookID: notebookID, Author: author, Tier: tier, GrantedBy: caller.Author}
	if err := s.store.SetGrant(r.Context(), grant); err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = s.store.AppendAudit(r.Context(), &types.AuditRecord{
		NotebookID: notebookID,
		Author:     &caller.Author,
		Action:     "notebook.share",
		TargetType: "author",
		TargetID:   author.String(),
		Detail:     "tier " + tier.String(),
	})
	writeJSON(w, http.StatusOK, grant)
}

func (s *Server) handleUnshare(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	notebookID := r.PathValue("id")
	if _, err := s.gate.RequireTier(r.Context(), notebookID, caller.Author, types.TierAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}
	author, err := types.ParseAuthorID(r.PathValue("authorHex"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%v: %w", err, storage.ErrInvalid))
		return
	}
	if err := s.store.DeleteGrant(r.Context(), notebookID, author); err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = s.store.AppendAudit(r.Context(), &types.AuditRecord{
		NotebookID: notebookID,
		Author:     &caller.Author,
		Action:     "notebook.unshare",
		TargetType: "author",
		TargetID:   author.String(),
	})
	w.WriteHeader(http.StatusNoContent)
}

type createSubscriptionRequest struct {
	SourceNotebook      string  `json:"source_notebook"`
	Scope               string  `json:"scope"`
	TopicFilter         string  `json:"topic_filter,omitempty"`
	DiscountFactor      float64 `json:"discount_factor"`
	PollIntervalSeconds int     `json:"poll_interval_seconds"`
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	subscriberID := r.PathValue("id")
	// Creating a subscription needs admin on the subscriber and at least
	// read on the source; the subscriber's label must dominate the source's
	// so claims never flow down the classification lattice.
	nb, err := s.gate.RequireTier(r.Context(), subscriberID, caller.Author, types.TierAdmin)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req createSubscriptionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	source, err := s.gate.RequireTier(r.Context(), req.SourceNotebook, caller.Author, types.TierRead)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !nb.Label.Dominates(source.Label) {
		s.writeError(w, r, fmt.Errorf("subscriber label must dominate source label: %w", access.ErrForbidden))
		return
	}

	scope := types.ScopeClaims
	if req.Scope != "" {
		if scope, err = types.ParseSubscriptionScope(req.Scope); err != nil {
			s.writeError(w, r, fmt.Errorf("%v: %w", err, storage.ErrInvalid))
			return
		}
	}
	discount := req.DiscountFactor
	if discount == 0 {
		discount = 1.0
	}
	interval := req.PollIntervalSeconds
	if interval == 0 {
		interval = 60
	}

	sub := &types.Subscription{
		SubscriberNotebook:  subscriberID,
		SourceNotebook:      req.SourceNotebook,
		Scope:               scope,
		TopicFilter:         req.TopicFilter,
		DiscountFactor:      discount,
		PollIntervalSeconds: interval,
		ApprovedBy:          caller.Author,
	}
	if err := s.store.CreateSubscription(r.Context(), sub); err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = s.store.AppendAudit(r.Context(), &types.AuditRecord{
		NotebookID: subscriberID,
		Author:     &caller.Author,
		Action:     "subscription.create",
		TargetType: "subscription",
		TargetID:   sub.ID,
		Detail:     "source " + req.SourceNotebook,
	})
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	notebookID := r.PathValue("id")
	if _, err := s.gate.RequireTier(r.Context(), notebookID, caller.Author, types.TierRead); err != nil {
		s.writeError(w, r, err)
		return
	}
	subs, err := s.store.ListSubscriptionsBySubscriber(r.Context(), notebookID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if subs == nil {
		subs = []*types.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	notebookID := r.PathValue("id")
	if _, err := s.gate.RequireTier(r.Context(), notebookID, caller.Author, types.TierAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := s.store.GetSubscription(r.Context(), r.PathValue("sid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sub.SubscriberNotebook != notebookID {
		s.writeError(w, r, fmt.Errorf("subscription %s: %w", sub.ID, storage.ErrNotFound))
		return
	}
	if err := s.store.DeleteSubscription(r.Context(), sub.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	notebookID := r.PathValue("id")
	if _, err := s.gate.RequireTier(r.Context(), notebookID, caller.Author, types.TierAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}
	limit := intQuery(r, "limit", 100)
	records, err := s.store.ListAudit(r.Context(), notebookID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*types.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}
