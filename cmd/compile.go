package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/keboola/osiris-sub003/internal/compiler"
	"github.com/keboola/osiris-sub003/internal/connection"
	"github.com/keboola/osiris-sub003/internal/core"
	"github.com/keboola/osiris-sub003/internal/oml"
	"github.com/keboola/osiris-sub003/internal/registry"
)

func compileCmd() *cobra.Command {
	var (
		registryDir string
		catalogFile string
		outDir      string
		profile     string
		params      []string
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "compile <pipeline.yaml>",
		Short: "Compile an OML pipeline into a fingerprinted manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := oml.LoadFile(args[0])
			if err != nil {
				return exitWith(core.ExitOMLInvalid, err)
			}

			reg := registry.New()
			if registryDir != "" {
				if err := reg.LoadDir(registryDir); err != nil {
					return exitWith(core.ExitCompile, err)
				}
			}

			var cat *connection.Catalog
			if catalogFile != "" {
				if cat, err = connection.LoadCatalogFile(catalogFile); err != nil {
					return exitWith(core.ExitResolver, err)
				}
			}

			paramMap, err := parseParams(params)
			if err != nil {
				return exitWith(core.ExitCompile, err)
			}

			result, err := compiler.Compile(cmd.Context(), compiler.Options{
				Document: doc,
				Registry: reg,
				Catalog:  cat,
				Profile:  profile,
				Params:   paramMap,
			})
			if err != nil {
				if result != nil && len(result.Diagnostics) > 0 {
					printDiagnostics(result.Diagnostics)
					return exitWith(core.ExitOMLInvalid, nil)
				}
				if core.IsConnectionError(err) {
					return exitWith(core.ExitResolver, err)
				}
				return exitWith(core.ExitCompile, err)
			}

			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "manifest_fp: %s\ncache_key: %s\n",
					result.Fingerprints.Manifest, result.CacheKey())
				return nil
			}
			if err := result.Write(outDir); err != nil {
				return exitWith(core.ExitCompile, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "compiled %d steps into %s (manifest_fp %s)\n",
				len(result.Manifest.Steps), outDir, result.Fingerprints.Manifest)
			return nil
		},
	}

	cmd.Flags().StringVar(&registryDir, "registry", "components", "directory of component spec YAML files")
	cmd.Flags().StringVar(&catalogFile, "catalog", "", "connection catalog YAML file")
	cmd.Flags().StringVarP(&outDir, "out", "o", "compiled", "output directory for the compiled artifact set")
	cmd.Flags().StringVar(&profile, "profile", "", "active profile")
	cmd.Flags().StringArrayVar(&params, "param", nil, "parameter override key=value, repeatable")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compile without writing artifacts")
	return cmd
}

func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("bad --param %q, expected key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

func printDiagnostics(diagnostics []core.Violation) {
	bold := color.New(color.FgRed, color.Bold)
	faint := color.New(color.Faint)
	for _, d := range diagnostics {
		bold.Fprintf(os.Stderr, "%s", d.Code)
		fmt.Fprintf(os.Stderr, " at %s: %s\n", d.Path, d.Message)
		if d.Suggest != "" {
			faint.Fprintf(os.Stderr, "  hint: %s\n", d.Suggest)
		}
	}
	fmt.Fprintf(os.Stderr, "%d violation(s); no artifacts written\n", len(diagnostics))
}
