// Package worker is the reference language-model worker. It drives the job
// interface from the outside: claim, perform, complete (or fail), honoring
// stale-claim rejections by discarding results.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/quillspace/quill/internal/pipeline"
	"github.com/quillspace/quill/internal/types"
)

// Options configures a worker.
type Options struct {
	ServerURL string
	Token     string // bearer token; dev mode may use AuthorID instead
	AuthorID  string // X-Author-Id for dev-identity servers
	WorkerID  string
	Notebooks []string
	PollEvery time.Duration
	// AnthropicAPIKey enables model-backed distill/compare/classify. Without
	// it the worker falls back to deterministic heuristics, which is enough
	// to exercise the pipeline end to end.
	AnthropicAPIKey string
	Model           string
}

// Worker polls notebooks and performs claimed jobs.
type Worker struct {
	opts   Options
	http   *http.Client
	llm    *llmClient
	embed  func([]types.Claim) []float32
	log    *slog.Logger
}

// New builds a Worker.
func New(opts Options, log *slog.Logger) *Worker {
	if opts.PollEvery <= 0 {
		opts.PollEvery = 2 * time.Second
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "quill-worker"
	}
	if log == nil {
		log = slog.Default()
	}
	w := &Worker{
		opts:  opts,
		http:  &http.Client{Timeout: 60 * time.Second},
		embed: bagEmbedding,
		log:   log,
	}
	if opts.AnthropicAPIKey != "" {
		w.llm = newLLMClient(opts.AnthropicAPIKey, opts.Model)
	}
	return w
}

// Run polls until the context ends.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.PollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, nb := range w.opts.Notebooks {
				if err := w.pollOnce(ctx, nb); err != nil && ctx.Err() == nil {
					w.log.Error("Poll failed", "notebook", nb, "error", err)
				}
			}
		}
	}
}

// pollOnce drains the notebook's queue until a claim comes back empty.
func (w *Worker) pollOnce(ctx context.Context, notebookID string) error {
	for {
		job, err := w.claim(ctx, notebookID)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		w.log.Info("Performing job", "job", job.ID, "type", job.Type, "notebook", notebookID)

		result, perr := w.Perform(ctx, job)
		if perr != nil {
			w.log.Error("Job failed", "job", job.ID, "error", perr)
			if ferr := w.fail(ctx, notebookID, job.ID, perr.Error()); ferr != nil {
				w.log.Error("Fail report rejected", "job", job.ID, "error", ferr)
			}
			continue
		}
		if cerr := w.complete(ctx, notebookID, job.ID, result); cerr != nil {
			// A conflict means another worker finished after a reclaim;
			// discard and move on.
			w.log.Error("Completion rejected, discarding result", "job", job.ID, "error", cerr)
		}
	}
}

// Perform executes one job and returns its result document.
func (w *Worker) Perform(ctx context.Context, job *types.Job) (json.RawMessage, error) {
	switch job.Type {
	case types.JobDistillClaims:
		return w.performDistill(ctx, job)
	case types.JobEmbedClaims:
		var p pipeline.EmbedPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode embed payload: %w", err)
		}
		return json.Marshal(pipeline.EmbedResult{Embedding: w.embed(p.Claims)})
	case types.JobEmbedMirrored:
		var p pipeline.EmbedMirroredPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode mirrored embed payload: %w", err)
		}
		return json.Marshal(pipeline.EmbedResult{Embedding: w.embed(p.Claims)})
	case types.JobCompareClaims:
		return w.performCompare(ctx, job)
	case types.JobClassifyTopic:
		return w.performClassify(ctx, job)
	default:
		return nil, fmt.Errorf("unsupported job type %q", job.Type)
	}
}

func (w *Worker) performDistill(ctx context.Context, job *types.Job) (json.RawMessage, error) {
	var p pipeline.DistillPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode distill payload: %w", err)
	}
	content, err := w.fetchEntryContent(ctx, job.NotebookID, p.EntryID)
	if err != nil {
		return nil, err
	}

	var claims []types.Claim
	if w.llm != nil {
		claims, err = w.llm.distill(ctx, content, p.ContextClaims)
		if err != nil {
			return nil, err
		}
	} else {
		claims = heuristicDistill(content)
	}
	return json.Marshal(pipeline.DistillResult{Claims: claims})
}

func (w *Worker) performCompare(ctx context.Context, job *types.Job) (json.RawMessage, error) {
	var p pipeline.ComparePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode compare payload: %w", err)
	}

	var result pipeline.CompareResult
	if w.llm != nil {
		verdict, err := w.llm.compare(ctx, p.ClaimsA, p.ClaimsB)
		if err != nil {
			return nil, err
		}
		result = *verdict
	} else {
		result = heuristicCompare(p.ClaimsA, p.ClaimsB)
	}
	result.ComparedAgainst = p.CompareAgainst
	return json.Marshal(result)
}

func (w *Worker) performClassify(ctx context.Context, job *types.Job) (json.RawMessage, error) {
	var p pipeline.ClassifyPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode classify payload: %w", err)
	}

	if w.llm != nil {
		return w.llm.classify(ctx, p.Claims, p.AvailableTopics)
	}
	result := heuristicClassify(p.Claims, p.AvailableTopics)
	return json.Marshal(result)
}

// --- HTTP plumbing against the job interface ---

func (w *Worker) claim(ctx context.Context, notebookID string) (*types.Job, error) {
	url := fmt.Sprintf("%s/notebooks/%s/jobs/next?worker_id=%s", w.opts.ServerURL, notebookID, w.opts.WorkerID)
	var job *types.Job
	err := w.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		w.authorize(req)
		resp, err := w.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		switch resp.StatusCode {
		case http.StatusNoContent:
			job = nil
			return nil
		case http.StatusOK:
			job = new(types.Job)
			return json.NewDecoder(resp.Body).Decode(job)
		default:
			return backoff.Permanent(httpError(resp))
		}
	})
	return job, err
}

func (w *Worker) complete(ctx context.Context, notebookID, jobID string, result json.RawMessage) error {
	url := fmt.Sprintf("%s/notebooks/%s/jobs/%s/complete", w.opts.ServerURL, notebookID, jobID)
	body, _ := json.Marshal(map[string]any{"worker_id": w.opts.WorkerID, "result": result})
	return w.post(ctx, url, body)
}

func (w *Worker) fail(ctx context.Context, notebookID, jobID, errMsg string) error {
	url := fmt.Sprintf("%s/notebooks/%s/jobs/%s/fail", w.opts.ServerURL, notebookID, jobID)
	body, _ := json.Marshal(map[string]any{"worker_id": w.opts.WorkerID, "error": errMsg})
	return w.post(ctx, url, body)
}

func (w *Worker) post(ctx context.Context, url string, body []byte) error {
	return w.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		w.authorize(req)
		resp, err := w.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 300 {
			// Conflicts are protocol answers (stale claim), not transients.
			return backoff.Permanent(httpError(resp))
		}
		return nil
	})
}

// fetchEntryContent reads the entry body through the read API.
func (w *Worker) fetchEntryContent(ctx context.Context, notebookID, entryID string) (string, error) {
	url := fmt.Sprintf("%s/notebooks/%s/entries/%s", w.opts.ServerURL, notebookID, entryID)
	var content string
	err := w.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		w.authorize(req)
		resp, err := w.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(httpError(resp))
		}
		var body struct {
			Entry *types.Entry `json:"entry"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return backoff.Permanent(err)
		}
		content = string(body.Entry.Content)
		return nil
	})
	return content, err
}

func (w *Worker) authorize(req *http.Request) {
	if w.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.opts.Token)
	} else if w.opts.AuthorID != "" {
		req.Header.Set("X-Author-Id", w.opts.AuthorID)
	}
}

func (w *Worker) withRetry(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(fn, backoff.WithContext(bo, ctx))
}

func httpError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return fmt.Errorf("server answered %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}
