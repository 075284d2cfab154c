package rexec

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/nicklasfrahm/remux/pkg/config"
	"github.com/nicklasfrahm/remux/pkg/sshx"
)

// maxStderr bounds the standard error kept for an ExitError.
const maxStderr = 4096

// SSH is a runner that executes commands on a remote host via SSH.
type SSH struct {
	Logger  *zerolog.Logger
	Name    string
	Target  config.Host
	Timeout time.Duration

	sessionOptions []sshx.Option
	session        *sshx.Session
	owned          bool
}

var _ Runner = (*SSH)(nil)

// NewSSH returns a new SSH-based runner.
func NewSSH(name string, target config.Host, options ...Option) (*SSH, error) {
	opts, err := GetDefaultOptions().Apply(options...)
	if err != nil {
		return nil, err
	}

	if target.ConnectTimeout == 0 {
		target.ConnectTimeout = opts.Timeout
	}

	logger := opts.Logger.With().Str("host", name).Logger()

	return &SSH{
		Logger:         &logger,
		Name:           name,
		Target:         target,
		Timeout:        opts.Timeout,
		sessionOptions: opts.SessionOptions,
	}, nil
}

// Connect establishes a connection to the SSH host.
func (runner *SSH) Connect(ctx context.Context) error {
	if runner.session != nil {
		return nil
	}

	session, owned, err := runner.Target.Open(ctx, runner.Logger, runner.sessionOptions...)
	if err != nil {
		return err
	}

	runner.session, runner.owned = session, owned
	runner.Logger.Debug().Bool("owned", owned).Msg("Connected")
	return nil
}

// Session returns the session of a connected runner.
func (runner *SSH) Session() *sshx.Session {
	return runner.session
}

func (runner *SSH) String() string {
	return runner.Name
}

// Run runs the command and waits for it to exit. Unless redirected, the
// standard error is kept for the ExitError of a failed command.
func (runner *SSH) Run(ctx context.Context, cmd Cmd) error {
	if runner.session == nil {
		return errors.New("rexec: not connected")
	}

	command := cmd.String()
	runner.Logger.Debug().Str("cmd", command).Msg("Running command")

	c := runner.session.RawCommand(command).Stdout(sshx.Piped()).Stderr(sshx.Piped())
	if cmd.Stdin != nil {
		c.Stdin(sshx.Piped())
	}

	child, err := c.Spawn(ctx)
	if err != nil {
		return err
	}

	stdout, stderr := cmd.Stdout, cmd.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	var captured *limitedBuffer
	if stderr == nil {
		captured = &limitedBuffer{limit: maxStderr}
		stderr = captured
	}

	stdinFile, stdoutFile, stderrFile := child.Stdin(), child.Stdout(), child.Stderr()

	var g errgroup.Group
	if stdinFile != nil {
		g.Go(func() error {
			defer stdinFile.Close()
			_, err := io.Copy(stdinFile, cmd.Stdin)
			// The command does not have to read all of its input.
			if errors.Is(err, unix.EPIPE) {
				return nil
			}
			return err
		})
	}
	copyOutput := func(dst io.Writer, src io.ReadCloser) {
		g.Go(func() error {
			defer src.Close()
			_, err := io.Copy(dst, src)
			return err
		})
	}
	copyOutput(stdout, stdoutFile)
	copyOutput(stderr, stderrFile)

	status, err := child.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		// Stop the copies and leave the command running.
		for _, f := range []*os.File{stdinFile, stdoutFile, stderrFile} {
			if f != nil {
				f.Close()
			}
		}
		child.Disconnect()
		g.Wait()
		return err
	}

	if copyErr := g.Wait(); err == nil && copyErr != nil {
		return copyErr
	}
	if err != nil {
		return err
	}

	if !status.Success() {
		exitErr := &ExitError{Cmd: command, Code: status.Code()}
		if captured != nil {
			exitErr.Stderr = captured.String()
		}
		return exitErr
	}

	return nil
}

// Upload writes the content of src to the file dst, creating missing
// parent directories.
func (runner *SSH) Upload(ctx context.Context, dst string, src io.Reader, mode fs.FileMode) error {
	if runner.session == nil {
		return errors.New("rexec: not connected")
	}

	client, err := runner.session.Sftp(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if dir := path.Dir(dst); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return err
		}
	}

	file, err := client.Create(dst)
	if err != nil {
		return err
	}

	n, err := file.ReadFrom(src)
	if err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}

	if mode != 0 {
		if err := client.Chmod(dst, mode); err != nil {
			return err
		}
	}

	runner.Logger.Debug().Str("path", dst).Int64("bytes", n).Msg("Uploaded file")
	return client.Close()
}

// Download writes the content of the file src to dst.
func (runner *SSH) Download(ctx context.Context, src string, dst io.Writer) error {
	if runner.session == nil {
		return errors.New("rexec: not connected")
	}

	client, err := runner.session.Sftp(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	file, err := client.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()

	n, err := file.WriteTo(dst)
	if err != nil {
		return err
	}

	runner.Logger.Debug().Str("path", src).Int64("bytes", n).Msg("Downloaded file")
	return nil
}

// Disconnect closes the session. A master that was resumed instead of
// started by Connect is left running.
func (runner *SSH) Disconnect(ctx context.Context) error {
	if runner.session == nil {
		return nil
	}

	session := runner.session
	runner.session = nil

	if !runner.owned {
		session.Detach()
		return nil
	}
	return session.Close(ctx)
}

// limitedBuffer keeps the first bytes written to it and discards the rest.
type limitedBuffer struct {
	bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}
