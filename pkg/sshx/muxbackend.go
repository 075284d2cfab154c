package sshx

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/nicklasfrahm/remux/pkg/mux"
)

// muxBackend talks to the control socket of the master directly and passes
// the descriptors of every command to it.
type muxBackend struct {
	ctl    string
	log    string
	logger *zerolog.Logger
}

var _ backend = (*muxBackend)(nil)

// muxError converts errors of the control socket. Failing to reach the
// socket means the master is gone.
func muxError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	for _, errno := range []unix.Errno{
		unix.ENOENT,
		unix.ECONNREFUSED,
		unix.ECONNRESET,
		unix.ECONNABORTED,
		unix.ENOTCONN,
		unix.EPIPE,
	} {
		if errors.Is(err, errno) {
			return &Error{Kind: KindDisconnected, Err: err}
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &Error{Kind: KindDisconnected, Err: err}
	}

	return &Error{Kind: KindMux, Err: err}
}

func (b *muxBackend) dial(ctx context.Context) (*mux.Conn, error) {
	conn, err := mux.Dial(ctx, b.ctl)
	if err != nil {
		return nil, muxError(err)
	}
	return conn, nil
}

func (b *muxBackend) check(ctx context.Context) error {
	conn, err := b.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	pid, err := conn.AliveCheck(ctx)
	if err != nil {
		return muxError(err)
	}

	b.logger.Debug().Uint32("pid", pid).Msg("Control master is alive")
	return nil
}

func (b *muxBackend) requestPortForward(ctx context.Context, typ ForwardType, listen, connect Socket) error {
	conn, err := b.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	fwd := mux.Forward{Type: mux.ForwardLocal}
	if typ == ForwardRemote {
		fwd.Type = mux.ForwardRemote
	}
	fwd.ListenHost, fwd.ListenPort = listen.muxEndpoint()
	fwd.ConnectHost, fwd.ConnectPort = connect.muxEndpoint()

	port, err := conn.OpenForward(ctx, fwd)
	if err != nil {
		return muxError(err)
	}

	b.logger.Debug().
		Str("listen", listen.String()).
		Str("connect", connect.String()).
		Uint32("port", port).
		Msg("Opened port forwarding")
	return nil
}

func (b *muxBackend) close(ctx context.Context) error {
	conn, err := b.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Terminate(ctx); err != nil {
		return muxError(err)
	}
	return nil
}

func (b *muxBackend) controlSocket() string {
	return b.ctl
}

func (b *muxBackend) masterLog() string {
	return b.log
}

func (b *muxBackend) disconnectExitCode() bool {
	return false
}

func (b *muxBackend) command(program string) backendCommand {
	return &muxCommand{backend: b, words: []string{program}}
}

func (b *muxBackend) subsystem(name string) backendCommand {
	return &muxCommand{backend: b, words: []string{name}, subsystem: true}
}

// muxEndpoint returns the host and port fields used by the protocol.
func (s Socket) muxEndpoint() (string, uint32) {
	if s.IsUnix() {
		return s.path, mux.PortStreamLocal
	}
	return s.host, uint32(s.port)
}

type muxCommand struct {
	backend   *muxBackend
	words     []string
	subsystem bool
}

func (c *muxCommand) rawArg(arg string) {
	c.words = append(c.words, arg)
}

func (c *muxCommand) String() string {
	return strings.Join(c.words, " ")
}

func (c *muxCommand) spawn(ctx context.Context, stdio [3]*os.File) (process, error) {
	conn, err := c.backend.dial(ctx)
	if err != nil {
		return nil, err
	}

	session, err := conn.OpenSession(ctx, mux.SessionRequest{
		Command:   c.String(),
		Subsystem: c.subsystem,
	}, stdio)
	if err != nil {
		conn.Close()
		return nil, muxError(err)
	}

	p := &muxChild{session: session, done: make(chan struct{})}
	go func() {
		p.exit, p.err = session.Wait()
		session.Close()
		close(p.done)
	}()

	return p, nil
}

// muxChild is a session opened on the master. Its exit message is read in
// the background, so abandoning a wait leaves it usable.
type muxChild struct {
	session *mux.Session
	done    chan struct{}
	exit    *uint32
	err     error
}

func (p *muxChild) wait(ctx context.Context) (exitSignal, error) {
	select {
	case <-p.done:
	default:
		select {
		case <-p.done:
		case <-ctx.Done():
			return exitSignal{}, ctx.Err()
		}
	}

	if p.err != nil {
		return exitSignal{}, muxError(p.err)
	}
	if p.exit == nil {
		return exitSignal{}, nil
	}
	return exitSignal{code: int(*p.exit), known: true}, nil
}

// disconnect closes the connection to the master. The remote process is
// not signalled.
func (p *muxChild) disconnect() error {
	return p.session.Close()
}
