package ops

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/nicklasfrahm/remux/pkg/config"
	"github.com/nicklasfrahm/remux/pkg/rexec"
)

// loadConfig loads the inventory. Without an explicitly configured path,
// a missing file is an empty inventory.
func loadConfig(opts *Options) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !opts.ConfigRequired {
			opts.Logger.Debug().Str("path", opts.ConfigPath).Msg("No configuration file found")
			return &config.Config{}, nil
		}
		return nil, err
	}
	return cfg, nil
}

func newRunner(cfg *config.Config, name string, opts *Options) (*rexec.SSH, error) {
	host, err := cfg.Resolve(name)
	if err != nil {
		return nil, err
	}

	return rexec.NewSSH(name, host,
		rexec.WithLogger(opts.Logger),
		rexec.WithSessionOptions(opts.SessionOptions...),
	)
}

// withRunner connects to a host, calls fn and disconnects again.
func withRunner(ctx context.Context, cfg *config.Config, name string, opts *Options, fn func(ctx context.Context, runner *rexec.SSH) error) (err error) {
	runner, err := newRunner(cfg, name, opts)
	if err != nil {
		return err
	}

	if err := runner.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		// Shut down even if the operation was cancelled.
		err = multierr.Append(err, runner.Disconnect(context.WithoutCancel(ctx)))
	}()

	return fn(ctx, runner)
}

// forEachHost calls fn for every host concurrently. Failures are
// combined, prefixed with the host they occurred on.
func forEachHost(ctx context.Context, names []string, opts *Options, fn func(ctx context.Context, runner *rexec.SSH) error) error {
	if len(names) == 0 {
		return errors.New("no hosts specified")
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	var g errgroup.Group
	if opts.Concurrency > 0 {
		g.SetLimit(opts.Concurrency)
	}

	var mu sync.Mutex
	var errs error
	for _, name := range names {
		g.Go(func() error {
			if err := withRunner(ctx, cfg, name, opts, fn); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errs
}
