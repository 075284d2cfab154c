package sshx

import (
	"fmt"
	"os"
)

type stdioKind int

const (
	stdioNull stdioKind = iota
	stdioPiped
	stdioInherit
	stdioFile
)

// Stdio describes what a standard stream of a remote process is connected to.
type Stdio struct {
	kind stdioKind
	file *os.File
}

// Null discards output and provides empty input. It is the default for
// every stream.
func Null() Stdio {
	return Stdio{kind: stdioNull}
}

// Piped connects the stream to a pipe whose local end is available
// through the corresponding method of RemoteChild.
func Piped() Stdio {
	return Stdio{kind: stdioPiped}
}

// Inherit connects the stream to the same stream of the current process.
func Inherit() Stdio {
	return Stdio{kind: stdioInherit}
}

// File connects the stream to a duplicate of the descriptor of f. The
// caller keeps ownership of f.
func File(f *os.File) Stdio {
	return Stdio{kind: stdioFile, file: f}
}

type stream int

const (
	streamStdin stream = iota
	streamStdout
	streamStderr
)

func (s stream) String() string {
	switch s {
	case streamStdin:
		return "stdin"
	case streamStdout:
		return "stdout"
	}
	return "stderr"
}

func (s stream) file() *os.File {
	switch s {
	case streamStdin:
		return os.Stdin
	case streamStdout:
		return os.Stdout
	}
	return os.Stderr
}

// open prepares the descriptor passed to the remote process for stream st
// and, for piped streams, the local end of the pipe.
func (s Stdio) open(st stream) (*fd, *os.File, error) {
	switch s.kind {
	case stdioPiped:
		r, w, err := os.Pipe()
		if err != nil {
			return nil, nil, err
		}
		if st == streamStdin {
			return ownedFd(r), w, nil
		}
		return ownedFd(w), r, nil
	case stdioInherit:
		f, err := dupFile(st.file())
		if err != nil {
			return nil, nil, err
		}
		return ownedFd(f), nil, nil
	case stdioFile:
		if s.file == nil {
			return nil, nil, fmt.Errorf("sshx: no file given for %s", st)
		}

		readable, writable, err := accessMode(s.file)
		if err != nil {
			return nil, nil, err
		}
		if st == streamStdin && !readable {
			return nil, nil, fmt.Errorf("sshx: %s is not open for reading", s.file.Name())
		}
		if st != streamStdin && !writable {
			return nil, nil, fmt.Errorf("sshx: %s is not open for writing", s.file.Name())
		}

		f, err := dupFile(s.file)
		if err != nil {
			return nil, nil, err
		}
		return ownedFd(f), nil, nil
	}

	null, err := nullFd()
	if err != nil {
		return nil, nil, err
	}
	return null, nil, nil
}
