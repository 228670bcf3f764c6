// Package cli provides the importctl operator commands.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"census-import/internal/app"
	"census-import/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	cfg      config.Config
	svc      *app.App
	closeLog func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "importctl",
	Short: "Operate census tract imports",
	Long: `importctl starts, drives and inspects resumable census tract imports
against the configured store and source. Configuration comes from the same
environment variables (or .env file) the API and worker read.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		// A previous command that failed skipped the post-run close.
		if svc != nil {
			_ = svc.Close()
		}

		cfg = config.Load()
		level := config.ParseLevel(cfg.LogLevel)
		if !verbose && level < slog.LevelWarn {
			level = slog.LevelWarn
		}
		var logger *slog.Logger
		logger, closeLog = config.SetupLogger(cfg.LogFile, level)

		var err error
		svc, err = app.New(cmd.Context(), cfg, logger)
		if err != nil {
			return fmt.Errorf("open import service: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if svc != nil {
			if err := svc.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close store: %v\n", err)
			}
			svc = nil
		}
		if closeLog != nil {
			_ = closeLog()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at the configured level instead of warnings only")
}
