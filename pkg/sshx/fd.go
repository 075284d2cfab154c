package sshx

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// devNull is opened on first use and shared by every discarded stream of
// the process. It is never closed.
var devNull = sync.OnceValues(func() (*os.File, error) {
	return os.OpenFile(os.DevNull, os.O_RDWR, 0)
})

// fd owns a descriptor handed to a remote process and closes it exactly
// once. The shared null device is borrowed, never closed.
type fd struct {
	file     *os.File
	borrowed bool

	once sync.Once
	err  error
}

func ownedFd(f *os.File) *fd {
	return &fd{file: f}
}

func nullFd() (*fd, error) {
	f, err := devNull()
	if err != nil {
		return nil, err
	}
	return &fd{file: f, borrowed: true}, nil
}

// File returns the underlying file. It must not be closed by the caller.
func (d *fd) File() *os.File {
	return d.file
}

// Close closes the descriptor. Calling it again returns the first result.
func (d *fd) Close() error {
	if d == nil || d.borrowed {
		return nil
	}
	d.once.Do(func() {
		d.err = d.file.Close()
	})
	return d.err
}

// dupFile duplicates the descriptor of f with close-on-exec set.
func dupFile(f *os.File) (*os.File, error) {
	raw, err := f.SyscallConn()
	if err != nil {
		return nil, err
	}

	var dup int
	var dupErr error
	if err := raw.Control(func(sysfd uintptr) {
		dup, dupErr = unix.FcntlInt(sysfd, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, os.NewSyscallError("fcntl", dupErr)
	}

	return os.NewFile(uintptr(dup), f.Name()), nil
}

// accessMode reports whether f was opened for reading and for writing.
func accessMode(f *os.File) (readable, writable bool, err error) {
	raw, err := f.SyscallConn()
	if err != nil {
		return false, false, err
	}

	var flags int
	var flagsErr error
	if err := raw.Control(func(sysfd uintptr) {
		flags, flagsErr = unix.FcntlInt(sysfd, unix.F_GETFL, 0)
	}); err != nil {
		return false, false, err
	}
	if flagsErr != nil {
		return false, false, os.NewSyscallError("fcntl", flagsErr)
	}

	switch flags & unix.O_ACCMODE {
	case unix.O_RDONLY:
		return true, false, nil
	case unix.O_WRONLY:
		return false, true, nil
	}
	return true, true, nil
}
