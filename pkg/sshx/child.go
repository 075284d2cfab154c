package sshx

import (
	"bytes"
	"context"
	"io"
	"os"
	"runtime"
	"strconv"

	"golang.org/x/sync/errgroup"
)

// ExitStatus is the exit status of a remote process.
type ExitStatus struct {
	code int
}

// Code returns the exit code.
func (s ExitStatus) Code() int {
	return s.code
}

// Success reports whether the process exited with code 0.
func (s ExitStatus) Success() bool {
	return s.code == 0
}

func (s ExitStatus) String() string {
	return "exit status " + strconv.Itoa(s.code)
}

// Output is the collected result of a remote process.
type Output struct {
	Status ExitStatus
	Stdout []byte
	Stderr []byte
}

type childState int

const (
	stateRunning childState = iota
	stateWaiting
	stateExited
	stateDisconnected
)

// RemoteChild is a process started on the remote host. It is meant to be
// used by a single goroutine, although the streams returned by Stdin,
// Stdout and Stderr may be used concurrently.
type RemoteChild struct {
	session *Session
	proc    process

	disconnectExitCode bool

	state  childState
	status ExitStatus
	err    error

	stdin  *os.File
	stdout *os.File
	stderr *os.File
}

func newRemoteChild(session *Session, proc process, disconnectExitCode bool, stdin, stdout, stderr *os.File) *RemoteChild {
	c := &RemoteChild{
		session:            session,
		proc:               proc,
		disconnectExitCode: disconnectExitCode,
		stdin:              stdin,
		stdout:             stdout,
		stderr:             stderr,
	}
	runtime.SetFinalizer(c, (*RemoteChild).finalize)
	return c
}

// Session returns the session the process was started on.
func (c *RemoteChild) Session() *Session {
	return c.session
}

// Stdin returns the local end of a piped standard input. Ownership moves
// to the caller, so later calls return nil.
func (c *RemoteChild) Stdin() *os.File {
	f := c.stdin
	c.stdin = nil
	return f
}

// Stdout returns the local end of a piped standard output. Ownership
// moves to the caller, so later calls return nil.
func (c *RemoteChild) Stdout() *os.File {
	f := c.stdout
	c.stdout = nil
	return f
}

// Stderr returns the local end of a piped standard error. Ownership moves
// to the caller, so later calls return nil.
func (c *RemoteChild) Stderr() *os.File {
	f := c.stderr
	c.stderr = nil
	return f
}

// Wait waits for the remote process to exit. Once it has, every call
// returns the same result.
//
// An exit code of 127 is reported as an error of kind KindRemote with a
// not found cause. With the process backend, an exit code of 255 is
// reported as ErrDisconnected because ssh uses it for connection
// failures, so it cannot be told apart from the remote process exiting
// with 255. Use Session.Check to find out whether the connection is alive.
//
// If ctx is done first, the context error is returned and the process may
// be waited on again.
func (c *RemoteChild) Wait(ctx context.Context) (ExitStatus, error) {
	switch c.state {
	case stateExited:
		return c.status, c.err
	case stateWaiting:
		return ExitStatus{}, ErrWaitInProgress
	case stateDisconnected:
		return ExitStatus{}, ErrChildDisconnected
	}

	c.state = stateWaiting
	sig, err := c.proc.wait(ctx)
	if err != nil {
		c.state = stateRunning
		return ExitStatus{}, err
	}

	c.status, c.err = interpretExit(sig, c.disconnectExitCode)
	c.state = stateExited

	c.session.logger.Debug().
		Int("code", c.status.code).
		AnErr("error", c.err).
		Msg("Remote process exited")

	return c.status, c.err
}

// WaitWithOutput closes the standard input, reads the piped standard
// output and error to the end and waits for the process to exit. Streams
// that were taken or not piped are reported empty.
func (c *RemoteChild) WaitWithOutput(ctx context.Context) (*Output, error) {
	if stdin := c.Stdin(); stdin != nil {
		if err := stdin.Close(); err != nil {
			return nil, &Error{Kind: KindChildIO, Err: err}
		}
	}

	stdout, stderr := c.Stdout(), c.Stderr()
	output := new(Output)
	var stdoutBuf, stderrBuf bytes.Buffer

	var g errgroup.Group
	drain := func(dst *bytes.Buffer, src *os.File) {
		if src == nil {
			return
		}
		g.Go(func() error {
			defer src.Close()
			_, err := io.Copy(dst, src)
			return err
		})
	}
	drain(&stdoutBuf, stdout)
	drain(&stderrBuf, stderr)

	status, waitErr := c.Wait(ctx)
	if waitErr != nil && c.state != stateExited {
		// The process may never close its streams, so stop reading.
		for _, f := range []*os.File{stdout, stderr} {
			if f != nil {
				f.Close()
			}
		}
		g.Wait()
		return nil, waitErr
	}

	if err := g.Wait(); err != nil {
		return nil, &Error{Kind: KindChildIO, Err: err}
	}
	if waitErr != nil {
		return nil, waitErr
	}

	output.Status = status
	output.Stdout = stdoutBuf.Bytes()
	output.Stderr = stderrBuf.Bytes()
	return output, nil
}

// Disconnect stops tracking the process without waiting for it and
// without killing it. The remaining local ends of piped streams are
// closed. Disconnecting from a process that exited returns ErrChildExited.
func (c *RemoteChild) Disconnect() error {
	switch c.state {
	case stateExited:
		return ErrChildExited
	case stateWaiting:
		return ErrWaitInProgress
	case stateDisconnected:
		return ErrChildDisconnected
	}

	c.state = stateDisconnected
	runtime.SetFinalizer(c, nil)

	for _, f := range []*os.File{c.Stdin(), c.Stdout(), c.Stderr()} {
		if f != nil {
			f.Close()
		}
	}

	if err := c.proc.disconnect(); err != nil {
		return &Error{Kind: KindChildIO, Err: err}
	}
	return nil
}

func (c *RemoteChild) finalize() {
	if c.state == stateRunning {
		_ = c.proc.disconnect()
	}
}
