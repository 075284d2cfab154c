package sshx

import (
	"context"
	"os"
)

// backend runs commands over an established control master. A session
// picks one implementation when it is created and keeps it.
type backend interface {
	command(program string) backendCommand
	subsystem(name string) backendCommand
	check(ctx context.Context) error
	requestPortForward(ctx context.Context, typ ForwardType, listen, connect Socket) error
	// close asks the control master to exit.
	close(ctx context.Context) error
	controlSocket() string
	masterLog() string
	// disconnectExitCode reports whether an exit code of 255 is how the
	// backend learns that the connection failed.
	disconnectExitCode() bool
}

type backendCommand interface {
	rawArg(arg string)
	// spawn starts the command with the given remote-side descriptors.
	// The descriptors stay owned by the caller.
	spawn(ctx context.Context, stdio [3]*os.File) (process, error)
	String() string
}

// process is a started remote process.
type process interface {
	// wait blocks until the process exits or ctx is done. It may be
	// called again after an error.
	wait(ctx context.Context) (exitSignal, error)
	// disconnect stops tracking the process without killing it.
	disconnect() error
}

// exitSignal is how a process ended. The code is unknown if the remote
// process vanished without reporting it.
type exitSignal struct {
	code  int
	known bool
}

// interpretExit maps the raw outcome of a process to a status or an error.
func interpretExit(sig exitSignal, disconnectExitCode bool) (ExitStatus, error) {
	if !sig.known {
		return ExitStatus{}, &Error{Kind: KindRemoteProcessTerminated}
	}

	switch {
	case sig.code == 127:
		return ExitStatus{}, &Error{
			Kind: KindRemote,
			Err:  &Cause{Category: CategoryNotFound, Msg: "remote command not found"},
		}
	case sig.code == 255 && disconnectExitCode:
		return ExitStatus{}, &Error{Kind: KindDisconnected}
	}

	return ExitStatus{code: sig.code}, nil
}

// discoverMasterError explains a failure of the control master from its
// log. It returns nil if there is nothing to report.
func discoverMasterError(log string) error {
	if log == "" {
		return nil
	}

	data, err := os.ReadFile(log)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &Error{Kind: KindMaster, Err: err}
	}
	return classifyMasterLog(string(data))
}
