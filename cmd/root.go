// Package cmd wires the osiris command line: compile, run, worker, version.
package cmd

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/keboola/osiris-sub003/internal/common/logger"
)

var (
	flagEnvFile string
	flagDebug   bool
	flagQuiet   bool
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "osiris",
		Short:         "Deterministic compiler and runner for data movement pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// A missing .env is fine; an explicit --env-file is not.
			if flagEnvFile != "" {
				if err := godotenv.Load(flagEnvFile); err != nil {
					return err
				}
			} else {
				_ = godotenv.Load()
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", "", "load environment variables from this file")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress console logging")

	cmd.AddCommand(compileCmd())
	cmd.AddCommand(runCmd())
	cmd.AddCommand(workerCmd())
	cmd.AddCommand(versionCmd())
	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	cmd := rootCmd()
	if err := cmd.Execute(); err != nil {
		if coded, ok := err.(*exitError); ok {
			if coded.err != nil {
				newConsoleLogger().Error(coded.err.Error())
			}
			return coded.code
		}
		newConsoleLogger().Error(err.Error())
		return 1
	}
	return 0
}

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

func newConsoleLogger() logger.Logger {
	opts := []logger.Option{logger.WithWriter(os.Stderr)}
	if flagDebug {
		opts = append(opts, logger.WithDebug())
	}
	if flagQuiet {
		opts = append(opts, logger.WithQuiet())
	}
	return logger.NewLogger(opts...)
}
