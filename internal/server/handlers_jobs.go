package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/quillspace/quill/internal/storage"
	"github.com/quillspace/quill/internal/types"
)

func (s *Server) handleJobNext(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	notebookID := r.PathValue("id")
	// Workers need standing on the notebook before the label check runs.
	if _, err := s.gate.RequireTier(r.Context(), notebookID, caller.Author, types.TierRead); err != nil {
		s.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	workerID := q.Get("worker_id")
	if workerID == "" {
		s.writeError(w, r, fmt.Errorf("worker_id is required: %w", storage.ErrInvalid))
		return
	}
	var typeFilter *types.JobType
	if v := q.Get("type"); v != "" {
		jt, err := types.ParseJobType(v)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%v: %w", err, storage.ErrInvalid))
			return
		}
		typeFilter = &jt
	}

	job, err := s.queue.Claim(r.Context(), notebookID, workerID, typeFilter, caller.Label)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type jobCompleteRequest struct {
	WorkerID string          `json:"worker_id"`
	Result   json.RawMessage `json:"result"`
}

func (s *Server) handleJobComplete(w http.ResponseWriter, r *http.Request) {
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
	var req jobCompleteRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.WorkerID == "" {
		s.writeError(w, r, fmt.Errorf("worker_id is required: %w", storage.ErrInvalid))
		return
	}

	job, err := s.queue.Complete(r.Context(), notebookID, r.PathValue("jid"), req.WorkerID, req.Result)
	if err != nil && job == nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{"job": job}
	if err != nil {
		// The result is durable; the dispatch failure is reported for
		// administrative repair, not retried by the worker.
		resp["dispatch_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type jobFailRequest struct {
	WorkerID string `json:"worker_id"`
	Error    string `json:"error"`
}

func (s *Server) handleJobFail(w http.ResponseWriter, r *http.Request) {
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
	var req jobFailRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.WorkerID == "" {
		s.writeError(w, r, fmt.Errorf("worker_id is required: %w", storage.ErrInvalid))
		return
	}
	job, err := s.queue.Fail(r.Context(), notebookID, r.PathValue("jid"), req.WorkerID, req.Error)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
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
	stats, err := s.queue.Stats(r.Context(), notebookID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleJobRetryFailed(w http.ResponseWriter, r *http.Request) {
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
	n, err := s.queue.RetryFailed(r.Context(), notebookID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = s.store.AppendAudit(r.Context(), &types.AuditRecord{
		NotebookID: notebookID,
		Author:     &caller.Author,
		Action:     "jobs.retry_failed",
		Detail:     fmt.Sprintf("%d jobs", n),
	})
	writeJSON(w, http.StatusOK, map[string]int64{"retried": n})
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
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
	reviews, err := s.review.Pending(r.Context(), notebookID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if reviews == nil {
		reviews = []*types.Review{}
	}
	writeJSON(w, http.StatusOK, reviews)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
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
	if err := s.review.Approve(r.Context(), notebookID, r.PathValue("eid"), caller.Author); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
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
	var req rejectRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if err := s.review.Reject(r.Context(), notebookID, r.PathValue("eid"), caller.Author, req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
