package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var jobsLimit int

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent import jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobs,
}

func init() {
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 20, "maximum number of jobs")
	rootCmd.AddCommand(jobsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	jobs, err := svc.Importer.Jobs(cmd.Context(), jobsLimit)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found")
		return nil
	}

	fmt.Fprintf(out, "%-36s %-10s %-11s %-12s %s\n", "ID", "VARIANT", "STATUS", "PROGRESS", "STARTED")
	fmt.Fprintln(out, "------------------------------------------------------------------------------------------")
	for _, job := range jobs {
		progress := fmt.Sprintf("%d/%d", job.CurrentChunk, job.TotalChunks)
		fmt.Fprintf(out, "%-36s %-10s %-11s %-12s %s\n", job.ID, job.Variant, job.Status, progress, job.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
