package rexec

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nicklasfrahm/remux/pkg/sshx"
)

// Options contains the configuration for an operation.
type Options struct {
	Logger  *zerolog.Logger
	Timeout time.Duration
	// SessionOptions are passed to every session after the options
	// derived from the host.
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
	logger := log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})

	return &Options{
		Timeout: time.Second * 5,
		Logger:  &logger,
	}
}

// WithLogger allows to use a custom logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(options *Options) error {
		options.Logger = logger
		return nil
	}
}

// WithTimeout limits the time to establish a connection. Hosts with a
// connect timeout of their own keep it.
func WithTimeout(timeout time.Duration) Option {
	return func(options *Options) error {
		options.Timeout = timeout
		return nil
	}
}

// WithSessionOptions adds options for the underlying sessions.
func WithSessionOptions(sessionOptions ...sshx.Option) Option {
	return func(options *Options) error {
		options.SessionOptions = append(options.SessionOptions, sessionOptions...)
		return nil
	}
}
