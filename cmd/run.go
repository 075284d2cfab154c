package cmd

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nicklasfrahm/remux/pkg/ops"
)

var concurrency int

var runCmd = &cobra.Command{
	Use:   "run <host>... -- <command>",
	Short: "Run a command on hosts",
	Long: `Run a command on one or more hosts at the same time.

The words after "--" are joined with spaces and passed
to the remote shell, exactly like ssh does. With more
than one host, every line of output is prefixed with
the host it came from.`,
	Example: `  remux run web1 web2 -- uptime
  remux run root@10.0.0.5:2222 -- 'echo $HOSTNAME'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dash := cmd.ArgsLenAtDash()
		if dash < 1 || dash == len(args) {
			return errors.New("expected hosts and a command separated by --")
		}

		opts := append(operationOptions(), ops.WithConcurrency(concurrency))
		return ops.Run(cmd.Context(), args[:dash], strings.Join(args[dash:], " "), opts...)
	},
}

func init() {
	runCmd.Flags().IntVarP(&concurrency, "concurrency", "p", 0, "maximum number of hosts to run on at once (0 means unlimited)")
	rootCmd.AddCommand(runCmd)
}
