// Command quill-worker is the reference external worker: it claims pipeline
// jobs over the HTTP job interface, performs them (with the Anthropic API
// when a key is configured, deterministic heuristics otherwise), and reports
// completion or failure.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quillspace/quill/internal/worker"
)

func main() {
	var opts worker.Options
	var pollSeconds int

	root := &cobra.Command{
		Use:           "quill-worker",
		Short:         "quill-worker performs claim-pipeline jobs for quilld",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(opts.Notebooks) == 0 {
				return fmt.Errorf("at least one --notebook is required")
			}
			opts.PollEvery = time.Duration(pollSeconds) * time.Second
			opts.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := slog.New(slog.NewTextHandler(os.Stderr, nil))
			w := worker.New(opts, log)
			log.Info("Worker running", "server", opts.ServerURL, "notebooks", opts.Notebooks)
			if err := w.Run(ctx); ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	root.Flags().StringVar(&opts.ServerURL, "server", "http://127.0.0.1:7433", "quilld base URL")
	root.Flags().StringVar(&opts.Token, "token", "", "bearer token")
	root.Flags().StringVar(&opts.AuthorID, "author-id", "", "dev identity (X-Author-Id) when the server allows it")
	root.Flags().StringVar(&opts.WorkerID, "worker-id", "", "worker identifier (default quill-worker)")
	root.Flags().StringSliceVar(&opts.Notebooks, "notebook", nil, "notebook id to poll (repeatable)")
	root.Flags().StringVar(&opts.Model, "model", "", "Anthropic model override")
	root.Flags().IntVar(&pollSeconds, "poll-seconds", 2, "poll cadence")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
