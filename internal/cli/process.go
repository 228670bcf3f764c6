package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"census-import/internal/importer"
)

var processChunkSize int

var processCmd = &cobra.Command{
	Use:   "process <job-id>",
	Short: "Process the next chunk of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runProcess,
}

func init() {
	processCmd.Flags().IntVar(&processChunkSize, "chunk-size", 0, "must match the job's chunk size when set")
	rootCmd.AddCommand(processCmd)
}

func runProcess(cmd *cobra.Command, args []string) error {
	res, err := svc.Importer.Process(cmd.Context(), args[0], processChunkSize)
	if err != nil {
		return fmt.Errorf("process chunk: %w", err)
	}
	printChunk(cmd.OutOrStdout(), res)
	return nil
}

func printChunk(out io.Writer, res importer.ProcessResult) {
	switch {
	case res.Busy:
		fmt.Fprintf(out, "%s: another process call holds the chunk, try again shortly\n", res.JobID)
	case res.NoOp:
		fmt.Fprintf(out, "%s: already %s (%d/%d chunks)\n", res.JobID, res.Status, res.ChunkCompleted, res.TotalChunks)
	default:
		fmt.Fprintf(out, "%s: chunk %d/%d %3d%% inserted=%d rejected=%d total=%d/%d status=%s\n",
			res.JobID, res.ChunkCompleted, res.TotalChunks, res.ProgressPercent,
			res.RecordsInserted, res.RecordsFailed, res.TotalProcessed, res.TotalRows, res.Status)
	}
}
