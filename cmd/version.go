package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/keboola/osiris-sub003/internal/compiler"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "osiris %s (compiler %s, %s)\n",
				version, compiler.Version, runtime.Version())
		},
	}
}
