package cmd

import (
	"github.com/spf13/cobra"

	"github.com/nicklasfrahm/remux/pkg/ops"
)

var getCmd = &cobra.Command{
	Use:   "get <host> <remote> <local>",
	Short: "Download a file from a host",
	Long: `Download a file from a host over SFTP. Use "-" as the
local path to write the file to standard output.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return ops.Get(cmd.Context(), args[0], args[1], args[2], operationOptions()...)
	},
}

var putCmd = &cobra.Command{
	Use:   "put <host> <local> <remote>",
	Short: "Upload a file to a host",
	Long: `Upload a file to a host over SFTP. Missing parent
directories are created and the permissions of the
local file are kept.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return ops.Put(cmd.Context(), args[:1], args[1], args[2], operationOptions()...)
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(putCmd)
}
