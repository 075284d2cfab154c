package ops

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/nicklasfrahm/remux/pkg/config"
	"github.com/nicklasfrahm/remux/pkg/sshx"
)

// Options contains the configuration for an operation.
type Options struct {
	ConfigPath string
	// ConfigRequired makes a missing configuration file an error.
	ConfigRequired bool
	Logger         *zerolog.Logger
	Stdout         io.Writer
	// Concurrency limits the number of hosts handled at once. Zero
	// means no limit.
	Concurrency int
	// SessionOptions are passed to every session.
	SessionOptions []sshx.Option
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
		ConfigPath: config.Program + ".yml",
		Logger:     &logger,
		Stdout:     os.Stdout,
	}
}

// WithConfigPath overrides the default configuration path. The file must
// exist.
func WithConfigPath(configPath string) Option {
	return func(options *Options) error {
		options.ConfigPath = configPath
		options.ConfigRequired = true
		return nil
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(options *Options) error {
		options.Logger = logger
		return nil
	}
}

// WithStdout overrides where the output of commands is written.
func WithStdout(stdout io.Writer) Option {
	return func(options *Options) error {
		options.Stdout = stdout
		return nil
	}
}

// WithConcurrency limits the number of hosts handled at once.
func WithConcurrency(concurrency int) Option {
	return func(options *Options) error {
		options.Concurrency = concurrency
		return nil
	}
}

// WithSessionOptions adds options for every session.
func WithSessionOptions(sessionOptions ...sshx.Option) Option {
	return func(options *Options) error {
		options.SessionOptions = append(options.SessionOptions, sessionOptions...)
		return nil
	}
}
