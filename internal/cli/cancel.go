package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running import",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	res, err := svc.Importer.Cancel(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("cancel import: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], res.Status)
	return nil
}
