package ops

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nicklasfrahm/remux/pkg/rexec"
)

// Run runs a command line on every host. With more than one host, every
// line of output is prefixed with the name of the host it came from.
// Standard error is logged.
func Run(ctx context.Context, hosts []string, command string, options ...Option) error {
	opts, err := GetDefaultOptions().Apply(options...)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	stdoutFor := func(name string) io.WriteCloser {
		if len(hosts) == 1 {
			return nopCloser{opts.Stdout}
		}
		return rexec.NewLineWriter(func(line string) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(opts.Stdout, "%s: %s\n", name, line)
		})
	}

	return forEachHost(ctx, hosts, opts, func(ctx context.Context, runner *rexec.SSH) error {
		stdout := stdoutFor(runner.String())
		stderr := rexec.NewLogWriter(runner.Logger, zerolog.WarnLevel)
		defer stdout.Close()
		defer stderr.Close()

		err := runner.Run(ctx, rexec.Cmd{
			Cmd:    command,
			Stdout: stdout,
			Stderr: stderr,
		})
		if err != nil {
			return err
		}

		runner.Logger.Debug().Msg("Command succeeded")
		return nil
	})
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error {
	return nil
}
