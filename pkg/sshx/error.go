package sshx

import (
	"errors"
	"strings"

	"golang.org/x/sys/unix"
)

// Kind identifies the class of an Error.
type Kind int

const (
	// KindMaster means the control master failed after it was started.
	KindMaster Kind = iota + 1
	// KindConnect means the control master could not be started.
	KindConnect
	// KindSsh means the local ssh executable could not be run.
	KindSsh
	// KindMux means a request on the control socket failed.
	KindMux
	// KindRemote means the remote command could not be executed.
	KindRemote
	// KindDisconnected means the connection to the remote host is gone.
	// A remote command exiting with 255 is reported the same way when
	// the process backend is in use.
	KindDisconnected
	// KindRemoteProcessTerminated means the remote process ended without
	// reporting an exit code, usually because it was killed by a signal.
	KindRemoteProcessTerminated
	// KindCleanup means the temporary directory could not be removed.
	KindCleanup
	// KindChildIO means reading from or writing to a stream of a remote
	// process failed locally.
	KindChildIO
)

func (k Kind) String() string {
	switch k {
	case KindMaster:
		return "the control master failed"
	case KindConnect:
		return "failed to connect to the remote host"
	case KindSsh:
		return "failed to run the ssh command locally"
	case KindMux:
		return "failed to talk to the control master"
	case KindRemote:
		return "failed to execute the remote command"
	case KindDisconnected:
		return "the connection was terminated"
	case KindRemoteProcessTerminated:
		return "the remote process was terminated without an exit code"
	case KindCleanup:
		return "failed to remove the temporary directory"
	case KindChildIO:
		return "failure while accessing the standard streams of the remote process"
	}
	return "unknown error"
}

// Error is the error type returned by this package.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind that carries no cause, which
// makes the sentinels below usable with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Kind == e.Kind
}

var (
	// ErrDisconnected matches errors of kind KindDisconnected.
	ErrDisconnected = &Error{Kind: KindDisconnected}
	// ErrRemoteProcessTerminated matches errors of kind KindRemoteProcessTerminated.
	ErrRemoteProcessTerminated = &Error{Kind: KindRemoteProcessTerminated}

	// ErrChildExited is returned when disconnecting from a process that
	// already exited.
	ErrChildExited = errors.New("sshx: cannot disconnect an exited process")
	// ErrChildDisconnected is returned when using a process handle after
	// it was disconnected.
	ErrChildDisconnected = errors.New("sshx: process handle was disconnected")
	// ErrWaitInProgress is returned when a process is waited on concurrently.
	ErrWaitInProgress = errors.New("sshx: process is already being waited on")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("sshx: session is closed")
)

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Category classifies the cause of a failure.
type Category int

const (
	CategoryOther Category = iota
	CategoryConnectionAborted
	CategoryConnectionRefused
	CategoryTimedOut
	CategoryPermissionDenied
	CategoryNetworkUnreachable
	CategoryNameResolution
	CategoryNotFound
)

func (c Category) String() string {
	switch c {
	case CategoryConnectionAborted:
		return "connection aborted"
	case CategoryConnectionRefused:
		return "connection refused"
	case CategoryTimedOut:
		return "timed out"
	case CategoryPermissionDenied:
		return "permission denied"
	case CategoryNetworkUnreachable:
		return "network unreachable"
	case CategoryNameResolution:
		return "name resolution failed"
	case CategoryNotFound:
		return "not found"
	}
	return "other"
}

func (c Category) errno() unix.Errno {
	switch c {
	case CategoryConnectionAborted:
		return unix.ECONNABORTED
	case CategoryConnectionRefused:
		return unix.ECONNREFUSED
	case CategoryTimedOut:
		return unix.ETIMEDOUT
	case CategoryPermissionDenied:
		return unix.EACCES
	case CategoryNetworkUnreachable:
		return unix.ENETUNREACH
	case CategoryNotFound:
		return unix.ENOENT
	}
	return 0
}

// Cause is the structured cause carried by errors of kind KindConnect,
// KindMaster and KindRemote.
type Cause struct {
	Category Category
	Msg      string
}

func (c *Cause) Error() string {
	if c.Msg == "" {
		return c.Category.String()
	}
	return c.Msg
}

// Is matches the operating system error corresponding to the category, so
// that errors.Is(err, unix.ECONNREFUSED) and errors.Is(err, os.ErrNotExist)
// work on classified errors.
func (c *Cause) Is(target error) bool {
	errno := c.Category.errno()
	return errno != 0 && (target == errno || errno.Is(target))
}

func connectError(category Category, msg string) *Error {
	return &Error{Kind: KindConnect, Err: &Cause{Category: category, Msg: msg}}
}

// trimDiagnostics strips what ssh prepends to its diagnostics: the program
// name and the notice about a host key being added to known_hosts.
func trimDiagnostics(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "ssh: ")

	if strings.HasPrefix(text, "Warning: Permanently added ") {
		_, rest, _ := strings.Cut(text, "\n")
		text = strings.TrimSpace(rest)
	}
	return text
}

// ClassifyDiagnostics turns the diagnostics printed by ssh when it fails to
// establish a connection into an *Error of kind KindConnect.
func ClassifyDiagnostics(text string) error {
	text = trimDiagnostics(text)

	category := CategoryConnectionAborted
	outer, inner, found := strings.Cut(text, ": ")

	if strings.HasPrefix(outer, "Could not resolve") {
		category = CategoryNameResolution
	}

	if found {
		connectTo := strings.HasPrefix(outer, "connect to host")

		switch {
		case inner == "Network is unreachable":
			category = CategoryNetworkUnreachable
		case inner == "Connection refused":
			category = CategoryConnectionRefused
		case connectTo && (inner == "Connection timed out" || inner == "Operation timed out"):
			category = CategoryTimedOut
		case connectTo && inner == "Permission denied":
			// macOS reports an unreachable network this way.
			category = CategoryNetworkUnreachable
		case strings.Contains(inner, "Permission denied ("):
			category = CategoryPermissionDenied
		}
	}

	return connectError(category, text)
}

// classifyMasterLog inspects the log of a control master that stopped
// answering. It returns nil if the log does not explain the failure.
func classifyMasterLog(text string) error {
	text = trimDiagnostics(text)
	if text == "" {
		return nil
	}

	category := CategoryOther
	if strings.Contains(text, "Connection to") && strings.Contains(text, "closed by remote host") {
		category = CategoryConnectionAborted
	}

	return &Error{Kind: KindMaster, Err: &Cause{Category: category, Msg: text}}
}
