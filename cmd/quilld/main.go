// Command quilld runs the knowledge-exchange daemon: the HTTP surface, the
// job-queue reclaimer, and the subscription mirror poller.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "quilld",
		Short:         "quilld is the quill knowledge-exchange daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to quill.yaml (default: ./quill.yaml)")

	root.AddCommand(serveCmd())
	root.AddCommand(initDBCmd())
	root.AddCommand(tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
