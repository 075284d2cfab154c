package muxtest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/pkg/sftp"
)

// LocalHandler runs commands on the local host with sh -c and serves the
// sftp subsystem from the local file system. A command killed by a signal
// ends without an exit message, as with a real master.
func LocalHandler(req Request, stdin, stdout, stderr *os.File) (uint32, bool) {
	if req.Subsystem {
		if req.Command != "sftp" {
			fmt.Fprintf(stderr, "unknown subsystem %s\n", req.Command)
			return 1, true
		}
		return serveSftp(stdin, stdout), true
	}

	cmd := exec.Command("sh", "-c", req.Command)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err == nil {
		return 0, true
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return uint32(code), true
		}
		return 0, false
	}

	fmt.Fprintln(stderr, err)
	return 127, true
}

type pipe struct {
	io.Reader
	io.WriteCloser
}

func serveSftp(stdin, stdout *os.File) uint32 {
	server, err := sftp.NewServer(pipe{Reader: stdin, WriteCloser: stdout})
	if err != nil {
		return 1
	}
	defer server.Close()

	if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
		return 1
	}
	return 0
}
