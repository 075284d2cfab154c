package sshx

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// processBackend runs every command by invoking ssh with the control
// socket of the master.
type processBackend struct {
	sshPath string
	ctl     string
	log     string
	addr    string
	logger  *zerolog.Logger
}

var _ backend = (*processBackend)(nil)

func (b *processBackend) baseArgs() []string {
	return []string{"-S", b.ctl, "-o", "BatchMode=yes"}
}

// run invokes ssh and returns its standard error and exit code.
func (b *processBackend) run(ctx context.Context, args ...string) (string, int, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, b.sshPath, args...)
	cmd.Stderr = &stderr

	b.logger.Debug().Strs("args", args).Msg("Running ssh")

	err := cmd.Run()
	if err == nil {
		return stderr.String(), 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", -1, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stderr.String(), exitErr.ExitCode(), nil
	}
	return "", -1, &Error{Kind: KindSsh, Err: err}
}

// masterError explains why the master rejected a control command.
func (b *processBackend) masterError() error {
	if err := discoverMasterError(b.log); err != nil {
		return err
	}
	return &Error{Kind: KindDisconnected}
}

func (b *processBackend) check(ctx context.Context) error {
	_, code, err := b.run(ctx, append(b.baseArgs(), "-O", "check", b.addr)...)
	if err != nil {
		return err
	}
	if code != 0 {
		return b.masterError()
	}
	return nil
}

func (b *processBackend) requestPortForward(ctx context.Context, typ ForwardType, listen, connect Socket) error {
	spec := listen.String() + ":" + connect.String()
	stderr, code, err := b.run(ctx, append(b.baseArgs(), "-O", "forward", typ.flag(), spec, b.addr)...)
	if err != nil {
		return err
	}
	if code == 0 {
		return nil
	}

	if err := discoverMasterError(b.log); err != nil {
		return err
	}
	if msg := trimDiagnostics(stderr); msg != "" {
		return &Error{Kind: KindSsh, Err: &Cause{Category: CategoryOther, Msg: msg}}
	}
	return &Error{Kind: KindDisconnected}
}

func (b *processBackend) close(ctx context.Context) error {
	_, code, err := b.run(ctx, append(b.baseArgs(), "-O", "exit", b.addr)...)
	if err != nil {
		return err
	}
	if code != 0 {
		return b.masterError()
	}
	return nil
}

func (b *processBackend) controlSocket() string {
	return b.ctl
}

func (b *processBackend) masterLog() string {
	return b.log
}

func (b *processBackend) disconnectExitCode() bool {
	return true
}

func (b *processBackend) command(program string) backendCommand {
	// Port 9 is the discard port. If the master is gone, ssh fails
	// instead of opening a connection of its own.
	args := append(b.baseArgs(), "-T", "-p", "9", b.addr, "--")
	return &processCommand{backend: b, args: args, words: []string{program}}
}

func (b *processBackend) subsystem(name string) backendCommand {
	args := append(b.baseArgs(), "-T", "-p", "9", "-s", b.addr, "--")
	return &processCommand{backend: b, args: args, words: []string{name}}
}

type processCommand struct {
	backend *processBackend
	args    []string
	words   []string
}

func (c *processCommand) rawArg(arg string) {
	c.words = append(c.words, arg)
}

func (c *processCommand) String() string {
	return strings.Join(c.words, " ")
}

// argv returns the arguments passed to ssh.
func (c *processCommand) argv() []string {
	return append(append([]string(nil), c.args...), c.String())
}

func (c *processCommand) spawn(ctx context.Context, stdio [3]*os.File) (process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(c.backend.sshPath, c.argv()...)
	cmd.Stdin = stdio[0]
	cmd.Stdout = stdio[1]
	cmd.Stderr = stdio[2]

	if err := cmd.Start(); err != nil {
		return nil, &Error{Kind: KindSsh, Err: err}
	}

	p := &processChild{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

// processChild is an ssh process running a remote command. It is reaped
// in the background, so abandoning a wait leaves it usable.
type processChild struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *processChild) wait(ctx context.Context) (exitSignal, error) {
	select {
	case <-p.done:
	default:
		select {
		case <-p.done:
		case <-ctx.Done():
			return exitSignal{}, ctx.Err()
		}
	}

	if p.err == nil {
		return exitSignal{code: 0, known: true}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) {
		// A negative code means ssh itself was killed by a signal.
		if code := exitErr.ExitCode(); code >= 0 {
			return exitSignal{code: code, known: true}, nil
		}
		return exitSignal{}, nil
	}
	return exitSignal{}, &Error{Kind: KindSsh, Err: p.err}
}

// disconnect leaves ssh running. It is still reaped in the background.
func (p *processChild) disconnect() error {
	return nil
}
