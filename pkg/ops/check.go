package ops

import (
	"context"

	"github.com/nicklasfrahm/remux/pkg/rexec"
)

// Check connects to every host and verifies that the connection works.
func Check(ctx context.Context, hosts []string, options ...Option) error {
	opts, err := GetDefaultOptions().Apply(options...)
	if err != nil {
		return err
	}

	return forEachHost(ctx, hosts, opts, func(ctx context.Context, runner *rexec.SSH) error {
		if err := runner.Session().Check(ctx); err != nil {
			return err
		}

		runner.Logger.Info().Msg("Connection is healthy")
		return nil
	})
}
