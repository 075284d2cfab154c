package ops

import (
	"context"
	"os"

	"go.uber.org/multierr"

	"github.com/nicklasfrahm/remux/pkg/rexec"
)

// Get downloads the file remote from host to local. A local path of "-"
// writes to the configured output.
func Get(ctx context.Context, host, remote, local string, options ...Option) error {
	opts, err := GetDefaultOptions().Apply(options...)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	return withRunner(ctx, cfg, host, opts, func(ctx context.Context, runner *rexec.SSH) error {
		if local == "-" {
			return runner.Download(ctx, remote, opts.Stdout)
		}

		file, err := os.Create(local)
		if err != nil {
			return err
		}

		if err := runner.Download(ctx, remote, file); err != nil {
			file.Close()
			return multierr.Append(err, os.Remove(local))
		}
		if err := file.Close(); err != nil {
			return err
		}

		runner.Logger.Info().Str("remote", remote).Str("local", local).Msg("Downloaded file")
		return nil
	})
}

// Put uploads the file local to remote on every host, keeping its
// permissions.
func Put(ctx context.Context, hosts []string, local, remote string, options ...Option) error {
	opts, err := GetDefaultOptions().Apply(options...)
	if err != nil {
		return err
	}

	info, err := os.Stat(local)
	if err != nil {
		return err
	}

	return forEachHost(ctx, hosts, opts, func(ctx context.Context, runner *rexec.SSH) error {
		file, err := os.Open(local)
		if err != nil {
			return err
		}
		defer file.Close()

		if err := runner.Upload(ctx, remote, file, info.Mode().Perm()); err != nil {
			return err
		}

		runner.Logger.Info().Str("local", local).Str("remote", remote).Msg("Uploaded file")
		return nil
	})
}
