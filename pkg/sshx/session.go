// Package sshx runs commands on remote hosts over a single authenticated
// connection held open by an OpenSSH control master.
package sshx

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/alessio/shellescape"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// shutdownTimeout bounds the shutdown of a session that was not closed.
const shutdownTimeout = 10 * time.Second

// Session is a connection to a remote host that commands can be run on.
type Session struct {
	backend backend
	logger  *zerolog.Logger

	mu      sync.Mutex
	tempDir string
	closed  bool
}

func newSession(b backend, tempDir string, logger *zerolog.Logger) *Session {
	sessionLogger := logger.With().Str("session", uuid.NewString()).Logger()

	s := &Session{
		backend: b,
		logger:  &sessionLogger,
		tempDir: tempDir,
	}
	if tempDir != "" {
		runtime.SetFinalizer(s, (*Session).finalize)
	}
	return s
}

func newBackend(opts *Options, ctl, log, addr string) backend {
	if opts.Backend == BackendMux {
		return &muxBackend{ctl: ctl, log: log, logger: opts.Logger}
	}
	return &processBackend{
		sshPath: opts.SSHPath,
		ctl:     ctl,
		log:     log,
		addr:    addr,
		logger:  opts.Logger,
	}
}

// Connect starts a control master connected to destination and returns a
// session using it. The destination has the form [ssh://][user@]host[:port].
// Authentication must not require interaction.
func Connect(ctx context.Context, destination string, knownHosts KnownHosts, options ...Option) (*Session, error) {
	opts, err := GetDefaultOptions().Apply(options...)
	if err != nil {
		return nil, err
	}

	dest, err := ParseDestination(destination)
	if err != nil {
		return nil, err
	}
	if dest.User != "" {
		opts.User = dest.User
	}
	if dest.Port != 0 {
		opts.Port = dest.Port
	}

	tempDir, err := os.MkdirTemp(opts.ControlDir, ".ssh-connection")
	if err != nil {
		return nil, &Error{Kind: KindMaster, Err: err}
	}

	ctl := filepath.Join(tempDir, "master")
	log := filepath.Join(tempDir, "log")
	args := opts.masterArgs(knownHosts, ctl, log, dest.Host)

	logger := opts.Logger.With().Str("host", dest.Host).Logger()
	opts.Logger = &logger
	logger.Debug().Strs("args", args).Msg("Starting control master")

	cmd := exec.CommandContext(ctx, opts.SSHPath, args...)
	if err := cmd.Run(); err != nil {
		connectErr := bootstrapError(ctx, err, log)
		if rmErr := os.RemoveAll(tempDir); rmErr != nil {
			logger.Warn().Err(rmErr).Msg("Failed to remove temporary directory")
		}
		return nil, connectErr
	}

	return newSession(newBackend(opts, ctl, log, dest.Host), tempDir, opts.Logger), nil
}

// bootstrapError explains why starting the control master failed.
func bootstrapError(ctx context.Context, err error, log string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &Error{Kind: KindConnect, Err: ctxErr}
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return &Error{Kind: KindSsh, Err: err}
	}

	data, readErr := os.ReadFile(log)
	if readErr != nil {
		return &Error{Kind: KindConnect, Err: readErr}
	}
	return ClassifyDiagnostics(string(data))
}

// Resume returns a session using an existing control master. The session
// does not own the master: it is only shut down by an explicit Close. The
// log path is used to explain failures and may be empty. With the process
// backend, the destination is taken from the master.
func Resume(ctl, masterLog string, options ...Option) (*Session, error) {
	opts, err := GetDefaultOptions().Apply(options...)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger.With().Str("control_socket", ctl).Logger()
	opts.Logger = &logger

	return newSession(newBackend(opts, ctl, masterLog, "none"), "", opts.Logger), nil
}

// ControlSocket returns the path of the control socket.
func (s *Session) ControlSocket() string {
	return s.backend.controlSocket()
}

// MasterLog returns the path of the log file of the control master.
func (s *Session) MasterLog() string {
	return s.backend.masterLog()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Check verifies that the control master is still connected.
func (s *Session) Check(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.backend.check(ctx)
}

// Command prepares to run program. The program name is escaped.
func (s *Session) Command(program string) *Command {
	return s.RawCommand(shellescape.Quote(program))
}

// RawCommand prepares to run program. The program name is passed to the
// remote shell as is.
func (s *Session) RawCommand(program string) *Command {
	return &Command{session: s, cmd: s.backend.command(program)}
}

// Shell prepares to run command with sh -c.
func (s *Session) Shell(command string) *Command {
	return s.RawCommand("sh").Arg("-c").Arg(command)
}

// Subsystem prepares to run the named subsystem, such as sftp.
func (s *Session) Subsystem(name string) *Command {
	return &Command{session: s, cmd: s.backend.subsystem(name)}
}

// RequestPortForward asks the control master to forward connections made
// to listen to connect. The forwarding lasts as long as the master.
func (s *Session) RequestPortForward(ctx context.Context, typ ForwardType, listen, connect Socket) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.backend.requestPortForward(ctx, typ, listen, connect)
}

// Detach gives up ownership of the control master. The master keeps
// running and can be used by Resume with the returned paths. The caller
// becomes responsible for removing the directory containing them.
func (s *Session) Detach() (ctl, log string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.tempDir = ""
	runtime.SetFinalizer(s, nil)

	return s.backend.controlSocket(), s.backend.masterLog()
}

// Close terminates the control master and removes the temporary directory
// of the session. A failure to remove the directory is reported even if
// terminating the master failed as well.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tempDir := s.tempDir
	s.tempDir = ""
	runtime.SetFinalizer(s, nil)
	s.mu.Unlock()

	s.logger.Debug().Msg("Closing session")

	err := s.backend.close(ctx)
	if tempDir != "" {
		if rmErr := os.RemoveAll(tempDir); rmErr != nil {
			err = multierr.Append(err, &Error{Kind: KindCleanup, Err: rmErr})
		}
	}
	return err
}

// finalize shuts down a control master whose session was dropped without
// being closed. It does not block and ignores failures.
func (s *Session) finalize() {
	if s.closed || s.tempDir == "" {
		return
	}

	b, tempDir, logger := s.backend, s.tempDir, s.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := b.close(ctx); err != nil {
			logger.Debug().Err(err).Msg("Failed to shut down dropped session")
		}
		os.RemoveAll(tempDir)
	}()
}
