package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"census-import/internal/importer"
	"census-import/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Drive a job to completion in this process",
	Long: `Call process repeatedly until the job completes, fails or is cancelled.
Transient failures are retried with backoff (MAX_ATTEMPTS, BACKOFF_INITIAL,
BACKOFF_MAX). Interrupting the command leaves the job resumable.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	driver := orchestrator.NewDriver(svc.Importer, orchestrator.Options{
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		PollInterval:   cfg.WorkerPollInterval,
		Logger:         svc.Log,
		OnProgress:     func(res importer.ProcessResult) { printChunk(out, res) },
	})

	res, err := driver.Run(cmd.Context(), args[0])
	switch {
	case err == nil:
		fmt.Fprintf(out, "Completed: %d records written from %d rows\n", res.TotalProcessed, res.TotalRows)
		return nil
	case errors.Is(err, orchestrator.ErrJobCancelled):
		fmt.Fprintf(out, "Cancelled after %d/%d chunks\n", res.ChunkCompleted, res.TotalChunks)
		return nil
	default:
		return fmt.Errorf("run import: %w", err)
	}
}
