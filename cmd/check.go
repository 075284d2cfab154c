package cmd

import (
	"github.com/spf13/cobra"

	"github.com/nicklasfrahm/remux/pkg/ops"
)

var checkCmd = &cobra.Command{
	Use:   "check <host>...",
	Short: "Verify that hosts are reachable",
	Long: `Connect to every host and verify that the control
master answers.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return ops.Check(cmd.Context(), args, operationOptions()...)
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
