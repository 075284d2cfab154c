package rexec

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicklasfrahm/remux/pkg/config"
	"github.com/nicklasfrahm/remux/pkg/mux/muxtest"
)

func connectRunner(t *testing.T) (*SSH, *muxtest.Server) {
	t.Helper()

	srv, err := muxtest.NewServer(filepath.Join(t.TempDir(), "master"), muxtest.LocalHandler)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	logger := zerolog.Nop()
	runner, err := NewSSH("local", config.Host{
		Host:        "localhost",
		Backend:     "mux",
		ControlPath: srv.Path,
	}, WithLogger(&logger))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, runner.Connect(ctx))
	t.Cleanup(func() { runner.Disconnect(context.Background()) })

	return runner, srv
}

func TestRun(t *testing.T) {
	runner, srv := connectRunner(t)
	ctx := context.Background()

	var stdout bytes.Buffer
	require.NoError(t, runner.Run(ctx, Cmd{
		Cmd:    "echo $GREETING",
		Env:    map[string]string{"GREETING": "hello world"},
		Stdout: &stdout,
	}))
	assert.Equal(t, "hello world\n", stdout.String())

	stdout.Reset()
	require.NoError(t, runner.Run(ctx, Cmd{
		Cmd:    "tr a-z A-Z",
		Stdin:  strings.NewReader("shout"),
		Stdout: &stdout,
	}))
	assert.Equal(t, "SHOUT", stdout.String())

	requests := srv.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, "env GREETING='hello world' sh -c 'echo $GREETING'", requests[0].Command)
}

func TestRunFailure(t *testing.T) {
	runner, _ := connectRunner(t)
	ctx := context.Background()

	err := runner.Run(ctx, Cmd{Cmd: "echo broken >&2; exit 2", Shell: true})
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
	assert.Equal(t, "broken\n", exitErr.Stderr)

	var stderr bytes.Buffer
	err = runner.Run(ctx, Cmd{Cmd: "echo broken >&2; exit 2", Shell: true, Stderr: &stderr})
	require.ErrorAs(t, err, &exitErr)
	assert.Empty(t, exitErr.Stderr)
	assert.Equal(t, "broken\n", stderr.String())
}

func TestRunUnreadInput(t *testing.T) {
	runner, _ := connectRunner(t)

	input := strings.NewReader(strings.Repeat("x", 1<<20))
	assert.NoError(t, runner.Run(context.Background(), Cmd{Cmd: "true", Stdin: input}))
}

func TestRunCancel(t *testing.T) {
	runner, _ := connectRunner(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := runner.Run(ctx, Cmd{Cmd: "sleep 2"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUploadDownload(t *testing.T) {
	runner, _ := connectRunner(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "nested", "dir", "payload")
	require.NoError(t, runner.Upload(ctx, path, strings.NewReader("payload"), 0o640))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())

	var buf bytes.Buffer
	require.NoError(t, runner.Download(ctx, path, &buf))
	assert.Equal(t, "payload", buf.String())

	err = runner.Download(ctx, filepath.Join(t.TempDir(), "missing"), &buf)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDisconnectKeepsResumedMaster(t *testing.T) {
	runner, srv := connectRunner(t)

	require.NoError(t, runner.Disconnect(context.Background()))
	assert.False(t, srv.Terminated())
	assert.Nil(t, runner.Session())

	err := runner.Run(context.Background(), Cmd{Cmd: "true"})
	assert.Error(t, err)
	assert.Equal(t, "local", runner.String())
}
