package ops

import (
	"context"

	"github.com/nicklasfrahm/remux/pkg/rexec"
	"github.com/nicklasfrahm/remux/pkg/sshx"
)

// Forward sets up port forwardings on a host and keeps them open until
// ctx is done.
func Forward(ctx context.Context, host string, forwards []Forwarding, options ...Option) error {
	opts, err := GetDefaultOptions().Apply(options...)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	return withRunner(ctx, cfg, host, opts, func(ctx context.Context, runner *rexec.SSH) error {
		for _, fwd := range forwards {
			if err := runner.Session().RequestPortForward(ctx, fwd.Type, fwd.Listen, fwd.Connect); err != nil {
				return err
			}

			runner.Logger.Info().
				Str("listen", fwd.Listen.String()).
				Str("connect", fwd.Connect.String()).
				Bool("remote", fwd.Type == sshx.ForwardRemote).
				Msg("Forwarding")
		}

		<-ctx.Done()
		return nil
	})
}

// Forwarding is a port forwarding to set up.
type Forwarding struct {
	Type    sshx.ForwardType
	Listen  sshx.Socket
	Connect sshx.Socket
}
