package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show job progress and record counts",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	res, err := svc.Importer.Status(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	job := res.Job
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Job: %s\n", job.ID)
	fmt.Fprintf(out, "  Status: %s\n", job.Status)
	fmt.Fprintf(out, "  Source: %s (%s)\n", job.SourceKey, job.Variant)
	fmt.Fprintf(out, "  Progress: %d/%d chunks (%d%%)\n", job.CurrentChunk, job.TotalChunks, res.ProgressPercent)
	fmt.Fprintf(out, "  Rows: %d processed, %d failed of %d\n", job.ProcessedRows, job.FailedRows, job.TotalRows)
	fmt.Fprintf(out, "  Records: %d stored, %d eligible\n", res.CurrentRecordCount, res.EligibleRecordCount)
	fmt.Fprintf(out, "  Started: %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.LastError != nil {
		fmt.Fprintf(out, "  Error: %s\n", *job.LastError)
	}
	for i, e := range job.ErrorDetails {
		if i == 10 {
			fmt.Fprintf(out, "  ... %d more row errors\n", len(job.ErrorDetails)-i)
			break
		}
		fmt.Fprintf(out, "  Row %d: %s\n", e.Row, e.Error)
	}
	return nil
}
