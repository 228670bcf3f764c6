package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"census-import/internal/importer"
)

var (
	startChunkSize int
	startVariant   string
	startSource    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Create an import job",
	Long: `Validate the source file, count its rows and record a new import job.
The job does not advance until "process" or "run" is called.

Examples:
  importctl start
  importctl start --source 2024/census_tracts.csv --chunk-size 500
  importctl start --variant fielddefs`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

func init() {
	startCmd.Flags().IntVar(&startChunkSize, "chunk-size", 0, "rows per chunk (default CHUNK_SIZE)")
	startCmd.Flags().StringVar(&startVariant, "variant", "", "source layout: tracts or fielddefs (default SOURCE_VARIANT)")
	startCmd.Flags().StringVar(&startSource, "source", "", "source object key (default SOURCE_KEY)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	res, err := svc.Importer.Start(cmd.Context(), importer.StartRequest{
		ChunkSize: startChunkSize,
		Variant:   startVariant,
		SourceKey: startSource,
	})
	if err != nil {
		return fmt.Errorf("start import: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job: %s\n", res.JobID)
	fmt.Fprintf(out, "  Status: %s\n", res.Status)
	fmt.Fprintf(out, "  Rows: %d in %d chunks\n", res.TotalRows, res.TotalChunks)
	return nil
}
