package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/quillspace/quill/internal/access"
	"github.com/quillspace/quill/internal/config"
	"github.com/quillspace/quill/internal/metrics"
	"github.com/quillspace/quill/internal/mirror"
	"github.com/quillspace/quill/internal/pipeline"
	"github.com/quillspace/quill/internal/queue"
	"github.com/quillspace/quill/internal/review"
	"github.com/quillspace/quill/internal/server"
	"github.com/quillspace/quill/internal/storage"
	"github.com/quillspace/quill/internal/storage/sqlite"
	"github.com/quillspace/quill/internal/writer"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var out io.Writer = os.Stderr
	if cfg.Log.Path != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Log.Path,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		})
	}
	return slog.New(slog.NewTextHandler(out, nil))
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log := newLogger(cfg)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.New(ctx, cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	m, err := metrics.New(true)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(shutdownCtx)
	}()

	gate := access.NewGate(store)
	q := queue.New(store, gate, queue.Options{
		DefaultTimeoutSeconds: cfg.Jobs.DefaultTimeoutSeconds,
		MaxRetries:            cfg.Jobs.MaxRetries,
	}, m, log)

	orch := pipeline.New(store, q.Enqueue, pipeline.Options{
		SemanticTopK:    cfg.Pipeline.SemanticTopK,
		SimilarityFloor: cfg.Pipeline.SimilarityFloor,
		Thresholds: pipeline.Thresholds{
			Integrate: cfg.Pipeline.Thresholds.Integrate,
			Low:       cfg.Pipeline.Thresholds.Low,
			Friction:  cfg.Pipeline.Thresholds.Friction,
		},
		IncludeMirrored:  cfg.Pipeline.IncludeMirrored,
		RetroPropagation: cfg.Pipeline.RetroPropagation,
	}, log)
	q.SetDispatcher(orch)

	w := writer.New(store, gate, q.Enqueue, writer.Options{
		TokenBudget:   cfg.Fragmenter.TokenBudget,
		EntriesPerDay: cfg.Quotas.EntriesPerDay,
	}, log)
	rev := review.New(store, q.Enqueue, log)

	auth, err := server.NewAuthenticator(cfg.Auth.PublicKey, cfg.Auth.Issuer, cfg.Auth.AllowDevIdentity)
	if err != nil {
		return err
	}
	srv := server.New(store, gate, w, q, rev, auth, cfg.Server.Addr, log)

	poller := mirror.NewPoller(store, q.Enqueue, cfg.MirrorPollInterval(), log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error { return runReclaimer(ctx, store, q, cfg.ReclaimInterval(), log) })
	g.Go(func() error { return poller.Run(ctx) })

	log.Info("quilld running", "addr", cfg.Server.Addr, "db", cfg.Storage.Path)
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// runReclaimer periodically returns timed-out claims to pending across every
// notebook. Reclamation is polled; jobs carry their own timeouts.
func runReclaimer(ctx context.Context, store storage.Store, q *queue.Queue, interval time.Duration, log *slog.Logger) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ids, err := store.ListNotebookIDs(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Error("Reclaimer listing failed", "error", err)
				}
				continue
			}
			for _, id := range ids {
				if _, err := q.ReclaimTimedOut(ctx, id); err != nil && ctx.Err() == nil {
					log.Error("Reclaim failed", "notebook", id, "error", err)
				}
			}
		}
	}
}
