// Package server exposes the HTTP surface: notebook management, the entry
// write/browse paths, the worker job interface, reviews, subscriptions, and
// audit reads.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/quillspace/quill/internal/access"
	"github.com/quillspace/quill/internal/queue"
	"github.com/quillspace/quill/internal/review"
	"github.com/quillspace/quill/internal/storage"
	"github.com/quillspace/quill/internal/writer"
)

// Server wires the HTTP handlers over the service layer.
type Server struct {
	store  storage.Store
	gate   *access.Gate
	writer *writer.Writer
	queue  *queue.Queue
	review *review.Service
	auth   *Authenticator
	log    *slog.Logger

	httpServer *http.Server
	listener   net.Listener
	addr       string
}

// New builds the Server.
func New(store storage.Store, gate *access.Gate, w *writer.Writer, q *queue.Queue, rev *review.Service, auth *Authenticator, addr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		store: store, gate: gate, writer: w, queue: q, review: rev,
		auth: auth, addr: addr, log: log,
	}
}

// Routes assembles the mux with authentication in front of every notebook
// operation. Health stays open.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	api := http.NewServeMux()
	api.HandleFunc("POST /notebooks", s.handleCreateNotebook)
	api.HandleFunc("GET /notebooks", s.handleListNotebooks)
	api.HandleFunc("POST /notebooks/{id}/entries", s.handleWriteEntry)
	api.HandleFunc("PUT /notebooks/{id}/entries/{eid}", s.handleReviseEntry)
	api.HandleFunc("GET /notebooks/{id}/entries/{eid}", s.handleGetEntry)
	api.HandleFunc("DELETE /notebooks/{id}/entries/{eid}", s.handleDeleteEntry)
	api.HandleFunc("GET /notebooks/{id}/browse", s.handleBrowse)
	api.HandleFunc("GET /notebooks/{id}/observe", s.handleObserve)
	api.HandleFunc("GET /notebooks/{id}/search", s.handleSearch)
	api.HandleFunc("POST /notebooks/{id}/batch", s.handleBatchWrite)
	api.HandleFunc("POST /notebooks/{id}/claims", s.handleClaimsBatch)
	api.HandleFunc("POST /notebooks/{id}/share", s.handleShare)
	api.HandleFunc("DELETE /notebooks/{id}/share/{authorHex}", s.handleUnshare)

	api.HandleFunc("GET /notebooks/{id}/jobs/next", s.handleJobNext)
	api.HandleFunc("POST /notebooks/{id}/jobs/{jid}/complete", s.handleJobComplete)
	api.HandleFunc("POST /notebooks/{id}/jobs/{jid}/fail", s.handleJobFail)
	api.HandleFunc("GET /notebooks/{id}/jobs/stats", s.handleJobStats)
	api.HandleFunc("POST /notebooks/{id}/jobs/retry-failed", s.handleJobRetryFailed)

	api.HandleFunc("GET /notebooks/{id}/reviews", s.handleListReviews)
	api.HandleFunc("POST /notebooks/{id}/reviews/{eid}/approve", s.handleApprove)
	api.HandleFunc("POST /notebooks/{id}/reviews/{eid}/reject", s.handleReject)

	api.HandleFunc("POST /notebooks/{id}/subscriptions", s.handleCreateSubscription)
	api.HandleFunc("GET /notebooks/{id}/subscriptions", s.handleListSubscriptions)
	api.HandleFunc("DELETE /notebooks/{id}/subscriptions/{sid}", s.handleDeleteSubscription)

	api.HandleFunc("GET /notebooks/{id}/audit", s.handleAudit)

	mux.Handle("/notebooks", s.auth.Middleware(api))
	mux.Handle("/notebooks/", s.auth.Middleware(api))
	return mux
}

// Start serves until the context ends.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info("HTTP server listening", "addr", s.listener.Addr().String())
	if err := s.httpServer.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr reports the bound address once Start has run.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// writeJSON encodes a response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto status codes. Access denials for
// unknown callers already arrive as not-found from the gate.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, access.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrCycle), errors.Is(err, storage.ErrStaleClaim):
		status = http.StatusConflict
	case errors.Is(err, storage.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeBody unmarshals a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w: %v", storage.ErrInvalid, err)
	}
	return nil
}
