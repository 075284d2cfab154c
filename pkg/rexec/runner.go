// Package rexec provides APIs to execute commands on remote machines.
package rexec

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"

	"github.com/alessio/shellescape"
)

// Cmd describes a command to be executed on the remote host.
type Cmd struct {
	// Cmd is the command line. It is interpreted by the remote shell.
	Cmd string
	Env map[string]string
	// Shell wraps the command in sh -c.
	Shell bool
	// Sudo runs the command with sudo.
	Sudo bool

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// String compiles the command to be executed.
func (c *Cmd) String() string {
	cmd := c.Cmd

	// Note that we also need to wrap the command in a
	// shell if we want to inject environment variables.
	if c.Shell || c.Env != nil {
		cmd = "sh -c " + shellescape.Quote(c.Cmd)
	}

	if len(c.Env) > 0 {
		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		vars := make([]string, 0, len(keys))
		for _, k := range keys {
			vars = append(vars, k+"="+shellescape.Quote(c.Env[k]))
		}
		cmd = "env " + strings.Join(vars, " ") + " " + cmd
	}

	if c.Sudo {
		cmd = "sudo " + cmd
	}

	return cmd
}

// ExitError is returned when a command exits with a non-zero code.
type ExitError struct {
	Cmd  string
	Code int
	// Stderr holds the standard error of the command if it was not
	// redirected.
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", e.Cmd, e.Code)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

// Runner is the interface for running commands. This
// can be for example via an SSH session, inside a pod
// or on the local machine.
type Runner interface {
	// Connect establishes a connection to the execution
	// environment.
	Connect(ctx context.Context) error
	// Run runs a command and waits for it to exit.
	Run(ctx context.Context, cmd Cmd) error
	// Upload writes the content of src to the file dst.
	Upload(ctx context.Context, dst string, src io.Reader, mode fs.FileMode) error
	// Download writes the content of the file src to dst.
	Download(ctx context.Context, src string, dst io.Writer) error
	// Disconnect closes the connection to the execution
	// environment.
	Disconnect(ctx context.Context) error
	// String names the execution environment.
	String() string
}
