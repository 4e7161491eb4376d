package cmd

import (
	"os"

	"github.com/spf13/cobra"

	_ "github.com/keboola/osiris-sub003/internal/driver/builtin" // register reference drivers
	"github.com/keboola/osiris-sub003/internal/worker"
)

func workerCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run the sandbox-side command loop (started by the remote adapter)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return worker.Serve(cmd.Context(), worker.Options{
				Dir:    dir,
				Stdin:  os.Stdin,
				Stdout: os.Stdout,
			})
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "sandbox workspace directory")
	return cmd
}
