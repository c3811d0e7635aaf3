// Package cmd provides the command-line interface for lifesim.
package cmd

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

// Environment variables that provide defaults for the run command. Flags
// take precedence over them.
const (
	EnvRecord      = "LIFESIM_RECORD"
	EnvMonitorPort = "LIFESIM_MONITOR_PORT"
	EnvLogLevel    = "LIFESIM_LOG_LEVEL"
)

func newRootCmd() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:   "lifesim",
		Short: "lifesim runs adaptive-step life support simulations.",
		Long: `lifesim runs a habitat model on a timer that fires periodic ` +
			`callbacks and settles post-tick actions in a fixed order. ` +
			`Runs can be recorded into SQLite and watched in a browser.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(envFile)
		},
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env",
		"File with environment variables to load. A missing file is ignored.")

	rootCmd.AddCommand(newRunCmd(), newLayoutCmd(), newReportCmd())

	return rootCmd
}

// loadEnvFile loads variables that are not set in the environment yet.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}

	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return err
}

// Execute runs the root command. On failure it exits through atexit, so that
// the registered handlers flush what has been recorded.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		atexit.Exit(1)
	}
}
