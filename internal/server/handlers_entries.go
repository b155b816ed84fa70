package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/quillspace/quill/internal/storage"
	"github.com/quillspace/quill/internal/types"
	"github.com/quillspace/quill/internal/writer"
)

// referenceWalkDepthCap bounds traversal over the (possibly cyclic) entry
// reference graph.
const referenceWalkDepthCap = 100

type writeEntryRequest struct {
	Content     string   `json:"content"`
	ContentType string   `json:"content_type"`
	Topic       string   `json:"topic,omitempty"`
	References  []string `json:"references,omitempty"`
	Signature   string   `json:"signature,omitempty"`
}

type writeEntryResponse struct {
	Entry     *types.Entry   `json:"entry"`
	Fragments []*types.Entry `json:"fragments,omitempty"`
	Pending   bool           `json:"pending"`
	Sequence  int64          `json:"sequence"`
}

func (s *Server) handleWriteEntry(w http.ResponseWriter, r *http.Request) {
	s.writeOrRevise(w, r, "")
}

func (s *Server) handleReviseEntry(w http.ResponseWriter, r *http.Request) {
	s.writeOrRevise(w, r, r.PathValue("eid"))
}

func (s *Server) writeOrRevise(w http.ResponseWriter, r *http.Request, revisionOf string) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var req writeEntryRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	wreq := writer.Request{
		NotebookID:  r.PathValue("id"),
		Author:      caller.Author,
		Content:     []byte(req.Content),
		ContentType: req.ContentType,
		Topic:       req.Topic,
		References:  req.References,
		Signature:   []byte(req.Signature),
		RevisionOf:  revisionOf,
		IP:          remoteIP(r),
		UserAgent:   r.UserAgent(),
	}

	var res *writer.Result
	var err error
	if revisionOf != "" {
		res, err = s.writer.Revise(r.Context(), wreq)
	} else {
		res, err = s.writer.Write(r.Context(), wreq)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, writeEntryResponse{
		Entry:     res.Entry,
		Fragments: res.Fragments,
		Pending:   res.Pending,
		Sequence:  res.Entry.Sequence,
	})
}

type entryResponse struct {
	Entry         *types.Entry   `json:"entry"`
	RevisionChain []*types.Entry `json:"revision_chain,omitempty"`
	References    []*types.Entry `json:"references,omitempty"`
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	notebookID := r.PathValue("id")
	nb, err := s.requireRead(r, notebookID, caller, types.TierRead)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	entry, err := s.store.GetEntry(r.Context(), notebookID, r.PathValue("eid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.entryVisible(r, nb, entry, caller) {
		s.writeError(w, r, fmt.Errorf("entry %s: %w", entry.ID, storage.ErrNotFound))
		return
	}

	resp := entryResponse{Entry: entry}

	// Revision chain: follow revision_of backwards with a visited set and a
	// depth cap; reference graphs may contain cycles by design.
	visited := map[string]bool{entry.ID: true}
	cur := entry
	for depth := 0; depth < referenceWalkDepthCap && cur.RevisionOf != ""; depth++ {
		if visited[cur.RevisionOf] {
			break
		}
		prev, err := s.store.GetEntry(r.Context(), notebookID, cur.RevisionOf)
		if err != nil {
			break
		}
		visited[prev.ID] = true
		resp.RevisionChain = append(resp.RevisionChain, prev)
		cur = prev
	}

	for _, ref := range entry.References {
		if visited[ref] {
			continue
		}
		visited[ref] = true
		re, err := s.store.GetEntry(r.Context(), notebookID, ref)
		if err != nil {
			continue
		}
		if s.entryVisible(r, nb, re, caller) {
			resp.References = append(resp.References, re)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// entryVisible applies the review gate on single-entry reads: pending and
// rejected entries exist only for their submitter and notebook admins.
func (s *Server) entryVisible(r *http.Request, nb *types.Notebook, entry *types.Entry, caller identity) bool {
	if entry.ReviewStatus == types.ReviewApproved {
		return true
	}
	if entry.Author == caller.Author {
		return true
	}
	_, err := s.gate.RequireTier(r.Context(), nb.ID, caller.Author, types.TierAdmin)
	return err == nil
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
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
	entryID := r.PathValue("eid")
	// Deletion tombstones every subscription's mirror of the entry and its
	// fragments inside the same storage transaction.
	if err := s.store.DeleteEntry(r.Context(), notebookID, entryID); err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = s.store.AppendAudit(r.Context(), &types.AuditRecord{
		NotebookID: notebookID,
		Author:     &caller.Author,
		Action:     "entry.delete",
		TargetType: "entry",
		TargetID:   entryID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	notebookID := r.PathValue("id")
	nb, err := s.requireRead(r, notebookID, caller, types.TierRead)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	f, err := parseBrowseFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// Reviewers see pending rows; everyone else sees approved plus their own.
	if _, aerr := s.gate.RequireTier(r.Context(), nb.ID, caller.Author, types.TierAdmin); aerr == nil {
		f.IncludePending = true
	} else {
		f.Submitter = &caller.Author
	}

	entries, err := s.store.BrowseEntries(r.Context(), notebookID, f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*types.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseBrowseFilter(r *http.Request) (storage.EntryFilter, error) {
	q := r.URL.Query()
	f := storage.EntryFilter{
		TopicPrefix: q.Get("topic_prefix"),
		FragmentOf:  q.Get("fragment_of"),
		Query:       q.Get("query"),
		Limit:       intQuery(r, "limit", 100),
		Offset:      intQuery(r, "offset", 0),
		Descending:  q.Get("order") == "desc",
	}
	if f.Limit > 500 {
		return f, fmt.Errorf("limit must be at most 500: %w", storage.ErrInvalid)
	}
	if f.Offset < 0 {
		return f, fmt.Errorf("offset must be >= 0: %w", storage.ErrInvalid)
	}
	if v := q.Get("claims_status"); v != "" {
		cs := types.ClaimsStatus(v)
		f.ClaimsStatus = &cs
	}
	if v := q.Get("integration_status"); v != "" {
		is := types.IntegrationStatus(v)
		f.IntegrationStatus = &is
	}
	if v := q.Get("author"); v != "" {
		author, err := types.ParseAuthorID(v)
		if err != nil {
			return f, fmt.Errorf("%v: %w", err, storage.ErrInvalid)
		}
		f.Author = &author
	}
	if v := q.Get("sequence_min"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, fmt.Errorf("sequence_min: %w", storage.ErrInvalid)
		}
		f.SequenceMin = &n
	}
	if v := q.Get("sequence_max"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, fmt.Errorf("sequence_max: %w", storage.ErrInvalid)
		}
		f.SequenceMax = &n
	}
	if v := q.Get("has_friction_above"); v != "" {
		x, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, fmt.Errorf("has_friction_above: %w", storage.ErrInvalid)
		}
		f.HasFrictionAbove = &x
	}
	if v := q.Get("needs_review"); v != "" {
		b := v == "true" || v == "1"
		f.NeedsReview = &b
	}
	return f, nil
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	notebookID := r.PathValue("id")
	if _, err := s.requireRead(r, notebookID, caller, types.TierRead); err != nil {
		s.writeError(w, r, err)
		return
	}

	since, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("since must be a sequence number: %w", storage.ErrInvalid))
		return
	}
	entries, err := s.store.ObserveEntries(r.Context(), notebookID, since,
		r.URL.Query().Get("topic_prefix"), intQuery(r, "limit", 100))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*types.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	notebookID := r.PathValue("id")
	if _, err := s.requireRead(r, notebookID, caller, types.TierRead); err != nil {
		s.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	mode := q.Get("mode")
	if mode == "" {
		mode = "lexical"
	}
	switch mode {
	case "lexical":
		if q.Get("q") == "" {
			s.writeError(w, r, fmt.Errorf("q is required: %w", storage.ErrInvalid))
			return
		}
		hits, err := s.store.SearchLexical(r.Context(), notebookID, q.Get("q"), intQuery(r, "k", 20))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if hits == nil {
			hits = []storage.SearchHit{}
		}
		writeJSON(w, http.StatusOK, hits)
	case "semantic":
		// Semantic search keys off an existing entry's embedding.
		entryID := q.Get("entry")
		if entryID == "" {
			s.writeError(w, r, fmt.Errorf("semantic mode requires entry=<id>: %w", storage.ErrInvalid))
			return
		}
		entry, err := s.store.GetEntry(r.Context(), notebookID, entryID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if len(entry.Embedding) == 0 {
			s.writeError(w, r, fmt.Errorf("entry %s has no embedding yet: %w", entryID, storage.ErrInvalid))
			return
		}
		minSim := 0.0
		if v := q.Get("min_similarity"); v != "" {
			if minSim, err = strconv.ParseFloat(v, 64); err != nil {
				s.writeError(w, r, fmt.Errorf("min_similarity: %w", storage.ErrInvalid))
				return
			}
		}
		neighbors, err := s.store.SemanticNeighbors(r.Context(), notebookID, entry.Embedding,
			intQuery(r, "k", 10), minSim, true, entryID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if neighbors == nil {
			neighbors = []storage.Neighbor{}
		}
		writeJSON(w, http.StatusOK, neighbors)
	default:
		s.writeError(w, r, fmt.Errorf("mode must be lexical or semantic: %w", storage.ErrInvalid))
	}
}

type batchWriteRequest struct {
	Entries []writeEntryRequest `json:"entries"`
}

func (s *Server) handleBatchWrite(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var req batchWriteRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Entries) == 0 {
		s.writeError(w, r, fmt.Errorf("batch requires at least one entry: %w", storage.ErrInvalid))
		return
	}

	results, err := s.writer.WriteBatch(r.Context(), r.PathValue("id"), caller.Author, toWriterRequests(r, caller, req.Entries))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]writeEntryResponse, len(results))
	for i, res := range results {
		out[i] = writeEntryResponse{Entry: res.Entry, Fragments: res.Fragments, Pending: res.Pending, Sequence: res.Entry.Sequence}
	}
	writeJSON(w, http.StatusCreated, out)
}

func toWriterRequests(r *http.Request, caller identity, in []writeEntryRequest) []writer.Request {
	out := make([]writer.Request, len(in))
	for i, e := range in {
		out[i] = writer.Request{
			NotebookID:  r.PathValue("id"),
			Author:      caller.Author,
			Content:     []byte(e.Content),
			ContentType: e.ContentType,
			Topic:       e.Topic,
			References:  e.References,
			Signature:   []byte(e.Signature),
			IP:          remoteIP(r),
			UserAgent:   r.UserAgent(),
		}
	}
	return out
}

type claimsBatchRequest struct {
	EntryIDs []string `json:"entry_ids"`
}

func (s *Server) handleClaimsBatch(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	notebookID := r.PathValue("id")
	if _, err := s.requireRead(r, notebookID, caller, types.TierRead); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req claimsBatchRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	claims, err := s.store.GetClaimsBatch(r.Context(), notebookID, req.EntryIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

func intQuery(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func remoteIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}
