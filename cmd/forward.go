package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nicklasfrahm/remux/pkg/ops"
	"github.com/nicklasfrahm/remux/pkg/sshx"
)

var localForwards []string
var remoteForwards []string

var forwardCmd = &cobra.Command{
	Use:   "forward <host>",
	Short: "Forward ports until interrupted",
	Long: `Forward TCP ports or unix sockets through a host until
the command is interrupted.

Every forwarding has the form <listen>=<connect>, where
both sides are a port, a host:port pair or the path of
a unix socket. Local forwardings listen on this machine,
remote forwardings listen on the host.`,
	Example: `  remux forward db --local 5432=localhost:5432
  remux forward web1 --remote 8080=/run/app.sock`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var forwards []ops.Forwarding
		for _, spec := range localForwards {
			fwd, err := parseForwarding(sshx.ForwardLocal, spec)
			if err != nil {
				return err
			}
			forwards = append(forwards, fwd)
		}
		for _, spec := range remoteForwards {
			fwd, err := parseForwarding(sshx.ForwardRemote, spec)
			if err != nil {
				return err
			}
			forwards = append(forwards, fwd)
		}

		if len(forwards) == 0 {
			return errors.New("no forwarding specified, use --local or --remote")
		}

		return ops.Forward(cmd.Context(), args[0], forwards, operationOptions()...)
	},
}

func parseForwarding(typ sshx.ForwardType, spec string) (ops.Forwarding, error) {
	listen, connect, ok := strings.Cut(spec, "=")
	if !ok {
		return ops.Forwarding{}, fmt.Errorf("invalid forwarding %q: expected <listen>=<connect>", spec)
	}

	listenSocket, err := sshx.ParseSocket(listen)
	if err != nil {
		return ops.Forwarding{}, err
	}
	connectSocket, err := sshx.ParseSocket(connect)
	if err != nil {
		return ops.Forwarding{}, err
	}

	return ops.Forwarding{Type: typ, Listen: listenSocket, Connect: connectSocket}, nil
}

func init() {
	forwardCmd.Flags().StringArrayVarP(&localForwards, "local", "L", nil, "local forwarding <listen>=<connect>")
	forwardCmd.Flags().StringArrayVarP(&remoteForwards, "remote", "R", nil, "remote forwarding <listen>=<connect>")
	rootCmd.AddCommand(forwardCmd)
}
