package sshx

import (
	"context"
	"os"

	"github.com/alessio/shellescape"
)

// Command is a remote command being prepared. A Command can be spawned
// several times: the stream configuration is reset to the defaults by
// every spawn.
type Command struct {
	session *Session
	cmd     backendCommand

	stdin, stdout, stderr          Stdio
	stdinSet, stdoutSet, stderrSet bool
}

// Arg appends an argument. It is escaped, so the remote shell passes it
// to the program as a single argument.
func (c *Command) Arg(arg string) *Command {
	return c.RawArg(shellescape.Quote(arg))
}

// RawArg appends an argument without escaping it. The remote shell will
// interpret it, so it may for example be split at whitespace.
func (c *Command) RawArg(arg string) *Command {
	c.cmd.rawArg(arg)
	return c
}

// Args appends several escaped arguments.
func (c *Command) Args(args ...string) *Command {
	for _, arg := range args {
		c.Arg(arg)
	}
	return c
}

// RawArgs appends several arguments without escaping them.
func (c *Command) RawArgs(args ...string) *Command {
	for _, arg := range args {
		c.RawArg(arg)
	}
	return c
}

// Stdin configures the standard input of the remote process.
func (c *Command) Stdin(stdio Stdio) *Command {
	c.stdin, c.stdinSet = stdio, true
	return c
}

// Stdout configures the standard output of the remote process.
func (c *Command) Stdout(stdio Stdio) *Command {
	c.stdout, c.stdoutSet = stdio, true
	return c
}

// Stderr configures the standard error of the remote process.
func (c *Command) Stderr(stdio Stdio) *Command {
	c.stderr, c.stderrSet = stdio, true
	return c
}

// String returns the command line as sent to the remote host.
func (c *Command) String() string {
	return c.cmd.String()
}

// Spawn starts the command. Streams that were not configured are
// connected to the null device.
func (c *Command) Spawn(ctx context.Context) (*RemoteChild, error) {
	return c.spawn(ctx, Null(), Null())
}

// Output runs the command and collects its output. Unless configured
// otherwise, standard output and error are piped and standard input is
// connected to the null device.
func (c *Command) Output(ctx context.Context) (*Output, error) {
	child, err := c.spawn(ctx, Piped(), Piped())
	if err != nil {
		return nil, err
	}
	return child.WaitWithOutput(ctx)
}

// Status runs the command and waits for it to exit. Streams that were not
// configured are connected to the null device.
func (c *Command) Status(ctx context.Context) (ExitStatus, error) {
	child, err := c.spawn(ctx, Null(), Null())
	if err != nil {
		return ExitStatus{}, err
	}
	return child.Wait(ctx)
}

// take returns the stream configuration, applying the given defaults to
// the output streams, and resets it.
func (c *Command) take(stdoutDefault, stderrDefault Stdio) [3]Stdio {
	stdio := [3]Stdio{Null(), stdoutDefault, stderrDefault}
	if c.stdinSet {
		stdio[0] = c.stdin
	}
	if c.stdoutSet {
		stdio[1] = c.stdout
	}
	if c.stderrSet {
		stdio[2] = c.stderr
	}

	c.stdin, c.stdout, c.stderr = Null(), Null(), Null()
	c.stdinSet, c.stdoutSet, c.stderrSet = false, false, false

	return stdio
}

func (c *Command) spawn(ctx context.Context, stdoutDefault, stderrDefault Stdio) (*RemoteChild, error) {
	if c.session.isClosed() {
		return nil, ErrSessionClosed
	}

	specs := c.take(stdoutDefault, stderrDefault)

	var remote [3]*fd
	var local [3]*os.File
	closeAll := func() {
		for i := range remote {
			remote[i].Close()
			if local[i] != nil {
				local[i].Close()
			}
		}
	}

	for i, spec := range specs {
		r, l, err := spec.open(stream(i))
		if err != nil {
			closeAll()
			return nil, &Error{Kind: KindChildIO, Err: err}
		}
		remote[i], local[i] = r, l
	}

	c.session.logger.Debug().Str("command", c.String()).Msg("Spawning remote command")

	proc, err := c.cmd.spawn(ctx, [3]*os.File{remote[0].File(), remote[1].File(), remote[2].File()})

	// The remote side holds its own copies of the descriptors now.
	for _, r := range remote {
		r.Close()
	}
	if err != nil {
		for _, l := range local {
			if l != nil {
				l.Close()
			}
		}
		return nil, err
	}

	return newRemoteChild(c.session, proc, c.session.backend.disconnectExitCode(), local[0], local[1], local[2]), nil
}
