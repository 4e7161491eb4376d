package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keboola/osiris-sub003/internal/common/fileutil"
	"github.com/keboola/osiris-sub003/internal/core"
	_ "github.com/keboola/osiris-sub003/internal/driver/builtin" // register reference drivers
	"github.com/keboola/osiris-sub003/internal/registry"
	"github.com/keboola/osiris-sub003/internal/runner"
)

func runCmd() *cobra.Command {
	var (
		adapter     string
		sessionRoot string
		registryDir string
		installDeps bool
	)

	cmd := &cobra.Command{
		Use:   "run <compiled-dir|manifest.yaml>",
		Short: "Execute a compiled manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// The registry enriches redaction at run time but is optional;
			// the default directory may simply not exist here.
			reg := registry.New()
			if fileutil.IsDir(registryDir) {
				if err := reg.LoadDir(registryDir); err != nil {
					return exitWith(core.ExitRuntime, err)
				}
			}

			result, err := runner.Run(cmd.Context(), runner.Options{
				ManifestPath: args[0],
				Adapter:      runner.AdapterKind(adapter),
				SessionRoot:  sessionRoot,
				Registry:     reg,
				InstallDeps:  installDeps,
				Debug:        flagDebug,
			})
			if err != nil {
				return exitWith(core.ExitRuntime, err)
			}

			if !result.Status.OK {
				err := fmt.Errorf("run %s failed", result.SessionID)
				if result.FailedStep != "" {
					err = fmt.Errorf("run %s failed at step %s: %s",
						result.SessionID, result.FailedStep, result.Status.Error)
				}
				return exitWith(result.Status.ExitCode, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s completed: %d steps\n",
				result.SessionID, result.Status.StepsCompleted)
			return nil
		},
	}

	cmd.Flags().StringVar(&adapter, "adapter", "local", "execution adapter: local or remote")
	cmd.Flags().StringVar(&sessionRoot, "session-root", "logs", "directory for session records")
	cmd.Flags().StringVar(&registryDir, "registry", "components", "directory of component spec YAML files")
	cmd.Flags().BoolVar(&installDeps, "install-deps", false, "let the remote worker install missing step dependencies")
	return cmd
}
