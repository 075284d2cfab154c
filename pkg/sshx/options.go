package sshx

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// KnownHosts is the policy applied to host keys of unknown or changed hosts.
type KnownHosts int

const (
	// KnownHostsAdd adds keys of new hosts and refuses changed keys.
	KnownHostsAdd KnownHosts = iota
	// KnownHostsStrict only accepts hosts whose key is already known.
	KnownHostsStrict
	// KnownHostsAccept accepts any host key.
	KnownHostsAccept
)

// ParseKnownHosts parses "add", "strict" or "accept". The empty string
// selects KnownHostsAdd.
func ParseKnownHosts(s string) (KnownHosts, error) {
	switch strings.ToLower(s) {
	case "", "add":
		return KnownHostsAdd, nil
	case "strict":
		return KnownHostsStrict, nil
	case "accept":
		return KnownHostsAccept, nil
	}
	return 0, fmt.Errorf("sshx: unknown known-hosts policy %q", s)
}

// option returns the value of the StrictHostKeyChecking option of ssh.
func (k KnownHosts) option() string {
	switch k {
	case KnownHostsStrict:
		return "StrictHostKeyChecking=yes"
	case KnownHostsAccept:
		return "StrictHostKeyChecking=no"
	}
	return "StrictHostKeyChecking=accept-new"
}

// Backend selects how commands are run over the control master.
type Backend int

const (
	// BackendProcess runs every command by invoking the ssh executable.
	BackendProcess Backend = iota
	// BackendMux talks to the control socket directly.
	BackendMux
)

// ParseBackend parses "process" or "mux". The empty string selects
// BackendProcess.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(s) {
	case "", "process":
		return BackendProcess, nil
	case "mux":
		return BackendMux, nil
	}
	return 0, fmt.Errorf("sshx: unknown backend %q", s)
}

func (b Backend) String() string {
	if b == BackendMux {
		return "mux"
	}
	return "process"
}

// Options contains the configuration of a session.
type Options struct {
	Logger  *zerolog.Logger
	Backend Backend

	// SSHPath is the ssh executable to run.
	SSHPath string
	// ControlDir is where the temporary directory holding the control
	// socket is created.
	ControlDir string

	User                string
	Port                int
	KeyFile             string
	ConfigFile          string
	UserKnownHostsFile  string
	ConnectTimeout      time.Duration
	ServerAliveInterval time.Duration
	Compression         *bool
}

// Option applies a configuration option
// for the execution of an operation.
type Option func(options *Options) error

// Apply applies the option functions to the current set of options.
func (o *Options) Apply(options ...Option) (*Options, error) {
	for _, option := range options {
		if err := option(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// GetDefaultOptions returns the default options
// for all operations of this library.
func GetDefaultOptions() *Options {
	logger := zerolog.Nop()

	return &Options{
		Logger:     &logger,
		Backend:    BackendProcess,
		SSHPath:    "ssh",
		ControlDir: os.TempDir(),
	}
}

// WithLogger allows to use a custom logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(options *Options) error {
		options.Logger = logger
		return nil
	}
}

// WithBackend selects how commands are run.
func WithBackend(backend Backend) Option {
	return func(options *Options) error {
		options.Backend = backend
		return nil
	}
}

// WithSSHPath sets the ssh executable to run.
func WithSSHPath(path string) Option {
	return func(options *Options) error {
		if path == "" {
			return errors.New("sshx: empty ssh path")
		}
		options.SSHPath = path
		return nil
	}
}

// WithControlDir sets the directory in which the temporary directory
// holding the control socket is created. Socket paths are limited in
// length, so this should be short.
func WithControlDir(dir string) Option {
	return func(options *Options) error {
		options.ControlDir = dir
		return nil
	}
}

// WithUser sets the remote user. A user in the destination takes precedence.
func WithUser(user string) Option {
	return func(options *Options) error {
		options.User = user
		return nil
	}
}

// WithPort sets the remote port. A port in the destination takes precedence.
func WithPort(port int) Option {
	return func(options *Options) error {
		if port < 1 || port > 65535 {
			return fmt.Errorf("sshx: port %d out of range", port)
		}
		options.Port = port
		return nil
	}
}

// WithKeyFile restricts authentication to the given private key.
func WithKeyFile(path string) Option {
	return func(options *Options) error {
		options.KeyFile = path
		return nil
	}
}

// WithConfigFile uses an alternative ssh configuration file.
func WithConfigFile(path string) Option {
	return func(options *Options) error {
		options.ConfigFile = path
		return nil
	}
}

// WithUserKnownHostsFile uses an alternative known hosts file.
func WithUserKnownHostsFile(path string) Option {
	return func(options *Options) error {
		options.UserKnownHostsFile = path
		return nil
	}
}

// WithConnectTimeout limits the time to establish the connection. The
// timeout is rounded up to whole seconds.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(options *Options) error {
		if timeout < 0 {
			return errors.New("sshx: negative connect timeout")
		}
		options.ConnectTimeout = timeout
		return nil
	}
}

// WithServerAliveInterval makes the control master probe the server when
// no data was received for the given interval.
func WithServerAliveInterval(interval time.Duration) Option {
	return func(options *Options) error {
		if interval < 0 {
			return errors.New("sshx: negative server alive interval")
		}
		options.ServerAliveInterval = interval
		return nil
	}
}

// WithCompression enables or disables compression.
func WithCompression(enabled bool) Option {
	return func(options *Options) error {
		options.Compression = &enabled
		return nil
	}
}

// seconds rounds d up to whole seconds, with a minimum of one.
func seconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// masterArgs returns the arguments of the ssh invocation that starts a
// control master in the background.
func (o *Options) masterArgs(knownHosts KnownHosts, ctl, log, host string) []string {
	args := []string{
		"-E", log,
		"-S", ctl,
		"-M",
		"-f",
		"-N",
		"-o", "ControlPersist=yes",
		"-o", "BatchMode=yes",
		"-o", knownHosts.option(),
	}

	if o.ConnectTimeout > 0 {
		args = append(args, "-o", fmt.Sprintf("ConnectTimeout=%d", seconds(o.ConnectTimeout)))
	}
	if o.ServerAliveInterval > 0 {
		args = append(args, "-o", fmt.Sprintf("ServerAliveInterval=%d", seconds(o.ServerAliveInterval)))
	}
	if o.Port != 0 {
		args = append(args, "-p", fmt.Sprint(o.Port))
	}
	if o.User != "" {
		args = append(args, "-l", o.User)
	}
	if o.KeyFile != "" {
		args = append(args, "-o", "IdentitiesOnly=yes", "-i", o.KeyFile)
	}
	if o.ConfigFile != "" {
		args = append(args, "-F", o.ConfigFile)
	}
	if o.UserKnownHostsFile != "" {
		args = append(args, "-o", "UserKnownHostsFile="+o.UserKnownHostsFile)
	}
	if o.Compression != nil {
		compression := "no"
		if *o.Compression {
			compression = "yes"
		}
		args = append(args, "-o", "Compression="+compression)
	}

	return append(args, host)
}
