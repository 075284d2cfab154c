package sshx

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nicklasfrahm/remux/pkg/sshx/sshxtest"
)

const testTimeout = 10 * time.Second

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// fakeSession connects to the stand-in ssh and returns the session and the
// directory holding the control directories.
func fakeSession(t *testing.T) (*Session, string) {
	t.Helper()

	dir := t.TempDir()
	sshPath, err := sshxtest.WriteFakeSSH(dir)
	require.NoError(t, err)

	controlDir := filepath.Join(dir, "control")
	require.NoError(t, os.Mkdir(controlDir, 0o700))

	s, err := Connect(testContext(t), "tester@example.com:2222", KnownHostsAdd,
		WithSSHPath(sshPath),
		WithControlDir(controlDir),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })

	return s, controlDir
}

func TestConnectFailures(t *testing.T) {
	tests := []struct {
		host     string
		category Category
		errno    unix.Errno
	}{
		{host: sshxtest.RefusedHost + ".example.com", category: CategoryConnectionRefused, errno: unix.ECONNREFUSED},
		{host: sshxtest.TimeoutHost + ".example.com", category: CategoryTimedOut, errno: unix.ETIMEDOUT},
		{host: sshxtest.DeniedHost + ".example.com", category: CategoryPermissionDenied, errno: unix.EACCES},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			dir := t.TempDir()
			sshPath, err := sshxtest.WriteFakeSSH(dir)
			require.NoError(t, err)
			controlDir := filepath.Join(dir, "control")
			require.NoError(t, os.Mkdir(controlDir, 0o700))

			_, err = Connect(testContext(t), tt.host, KnownHostsAccept,
				WithSSHPath(sshPath),
				WithControlDir(controlDir),
			)
			require.Error(t, err)
			assert.True(t, IsKind(err, KindConnect), "unexpected error: %v", err)
			assert.ErrorIs(t, err, tt.errno)

			var cause *Cause
			require.ErrorAs(t, err, &cause)
			assert.Equal(t, tt.category, cause.Category)
			assert.NotContains(t, cause.Msg, "Warning")

			entries, err := os.ReadDir(controlDir)
			require.NoError(t, err)
			assert.Empty(t, entries, "temporary directory was not removed")
		})
	}
}

func TestConnectMissingExecutable(t *testing.T) {
	_, err := Connect(testContext(t), "example.com", KnownHostsAdd,
		WithSSHPath(filepath.Join(t.TempDir(), "no-ssh")),
		WithControlDir(t.TempDir()),
	)
	assert.True(t, IsKind(err, KindSsh), "unexpected error: %v", err)
}

func TestConnectInvalidDestination(t *testing.T) {
	_, err := Connect(testContext(t), "example.com:99999", KnownHostsAdd)
	assert.Error(t, err)
}

func TestSessionPaths(t *testing.T) {
	s, controlDir := fakeSession(t)

	ctl := s.ControlSocket()
	assert.Equal(t, controlDir, filepath.Dir(filepath.Dir(ctl)))
	assert.Equal(t, filepath.Dir(ctl), filepath.Dir(s.MasterLog()))
	assert.FileExists(t, ctl)

	require.NoError(t, s.Check(testContext(t)))
}

func TestOutputEscaping(t *testing.T) {
	s, _ := fakeSession(t)
	ctx := testContext(t)

	out, err := s.Command("printf").Arg("%s|").Arg("a b").Output(ctx)
	require.NoError(t, err)
	assert.True(t, out.Status.Success())
	assert.Equal(t, "a b|", string(out.Stdout))

	out, err = s.Command("printf").Arg("%s|").RawArg("a b").Output(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a|b|", string(out.Stdout))

	out, err = s.Command("printf").Args("%s-%s|", "it's", "$HOME").Output(ctx)
	require.NoError(t, err)
	assert.Equal(t, "it's-$HOME|", string(out.Stdout))

	out, err = s.Shell("echo out; echo err >&2").Output(ctx)
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(out.Stdout))
	assert.Equal(t, "err\n", string(out.Stderr))
}

func TestPipedStreams(t *testing.T) {
	s, _ := fakeSession(t)
	ctx := testContext(t)

	child, err := s.Command("cat").
		Stdin(Piped()).
		Stdout(Piped()).
		Spawn(ctx)
	require.NoError(t, err)
	assert.Same(t, s, child.Session())

	stdin, stdout := child.Stdin(), child.Stdout()
	require.NotNil(t, stdin)
	require.NotNil(t, stdout)
	assert.Nil(t, child.Stdin(), "stdin can only be taken once")
	assert.Nil(t, child.Stderr(), "stderr was not piped")

	_, err = io.WriteString(stdin, "hello world")
	require.NoError(t, err)
	require.NoError(t, stdin.Close())

	data, err := io.ReadAll(stdout)
	require.NoError(t, err)
	stdout.Close()
	assert.Equal(t, "hello world", string(data))

	status, err := child.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, status.Success())
}

func TestWaitWithOutputClosesStdin(t *testing.T) {
	s, _ := fakeSession(t)
	ctx := testContext(t)

	child, err := s.Command("cat").Stdin(Piped()).Stdout(Piped()).Spawn(ctx)
	require.NoError(t, err)

	// Write without taking the handle, cat only exits once it is closed.
	_, err = io.WriteString(child.stdin, "hello world")
	require.NoError(t, err)

	out, err := child.WaitWithOutput(ctx)
	require.NoError(t, err)
	assert.True(t, out.Status.Success())
	assert.Equal(t, "hello world", string(out.Stdout))
}

func TestWaitWithOutputTakenStream(t *testing.T) {
	s, _ := fakeSession(t)
	ctx := testContext(t)

	child, err := s.Shell("echo out; echo err >&2").
		Stdout(Piped()).
		Stderr(Piped()).
		Spawn(ctx)
	require.NoError(t, err)

	stdout := child.Stdout()
	defer stdout.Close()

	out, err := child.WaitWithOutput(ctx)
	require.NoError(t, err)
	assert.Empty(t, out.Stdout)
	assert.Equal(t, "err\n", string(out.Stderr))

	data, err := io.ReadAll(stdout)
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(data))
}

func TestExitCodes(t *testing.T) {
	s, _ := fakeSession(t)
	ctx := testContext(t)

	status, err := s.Shell("exit 3").Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Code())
	assert.False(t, status.Success())
	assert.Equal(t, "exit status 3", status.String())

	_, err = s.Shell("exit 255").Status(ctx)
	assert.ErrorIs(t, err, ErrDisconnected)

	_, err = s.Command("remux-no-such-command").Status(ctx)
	assert.True(t, IsKind(err, KindRemote), "unexpected error: %v", err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = s.Command("remux-no-such-command").Output(ctx)
	assert.ErrorIs(t, err, os.ErrNotExist)

	// The connection itself is still fine.
	require.NoError(t, s.Check(ctx))
}

func TestWaitIsIdempotent(t *testing.T) {
	s, _ := fakeSession(t)
	ctx := testContext(t)

	child, err := s.Shell("exit 4").Spawn(ctx)
	require.NoError(t, err)

	first, err := child.Wait(ctx)
	require.NoError(t, err)
	second, err := child.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 4, second.Code())

	assert.ErrorIs(t, child.Disconnect(), ErrChildExited)
}

func TestWaitCancellation(t *testing.T) {
	s, _ := fakeSession(t)

	child, err := s.Shell("sleep 1").Spawn(testContext(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = child.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	status, err := child.Wait(testContext(t))
	require.NoError(t, err)
	assert.True(t, status.Success())
}

func TestDisconnect(t *testing.T) {
	s, _ := fakeSession(t)
	ctx := testContext(t)

	child, err := s.Shell("sleep 1").Stdout(Piped()).Spawn(ctx)
	require.NoError(t, err)

	require.NoError(t, child.Disconnect())
	assert.Nil(t, child.Stdout(), "local streams are closed by Disconnect")
	assert.ErrorIs(t, child.Disconnect(), ErrChildDisconnected)

	_, err = child.Wait(ctx)
	assert.ErrorIs(t, err, ErrChildDisconnected)

	require.NoError(t, s.Check(ctx))
}

func TestCommandReuse(t *testing.T) {
	s, _ := fakeSession(t)
	ctx := testContext(t)

	cmd := s.Command("cat").Stdin(Piped()).Stdout(Piped())
	child, err := cmd.Spawn(ctx)
	require.NoError(t, err)
	child.Stdin().Close()
	_, err = child.WaitWithOutput(ctx)
	require.NoError(t, err)

	// The stream configuration was reset: stdin is the null device now.
	out, err := cmd.Output(ctx)
	require.NoError(t, err)
	assert.Empty(t, out.Stdout)

	echo := s.Command("echo").Arg("hi")
	for i := 0; i < 2; i++ {
		out, err := echo.Output(ctx)
		require.NoError(t, err)
		assert.Equal(t, "hi\n", string(out.Stdout))
	}
	assert.Equal(t, "echo hi", echo.String())
}

func TestFileStdio(t *testing.T) {
	s, _ := fakeSession(t)
	ctx := testContext(t)
	dir := t.TempDir()

	path := filepath.Join(dir, "out")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	status, err := s.Command("echo").Arg("to file").Stdout(File(f)).Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Success())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "to file\n", string(data))

	// The caller keeps its descriptor.
	_, err = f.WriteString("more")
	require.NoError(t, err)

	in, err := os.Open(path)
	require.NoError(t, err)
	defer in.Close()

	out, err := s.Command("cat").Stdin(File(in)).Output(ctx)
	require.NoError(t, err)
	assert.Equal(t, "to file\nmore", string(out.Stdout))

	readOnly, err := os.Open(path)
	require.NoError(t, err)
	defer readOnly.Close()

	_, err = s.Command("echo").Stdout(File(readOnly)).Spawn(ctx)
	assert.True(t, IsKind(err, KindChildIO), "unexpected error: %v", err)
}

func TestCloseSession(t *testing.T) {
	s, _ := fakeSession(t)
	ctx := testContext(t)

	ctl, log := s.ControlSocket(), s.MasterLog()
	tempDir := filepath.Dir(ctl)

	require.NoError(t, s.Close(ctx))
	assert.NoDirExists(t, tempDir)
	assert.NoError(t, s.Close(ctx), "closing twice is a no-op")

	assert.ErrorIs(t, s.Check(ctx), ErrSessionClosed)
	_, err := s.Command("true").Spawn(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)

	resumed, err := Resume(ctl, log, WithSSHPath(s.backend.(*processBackend).sshPath))
	require.NoError(t, err)
	assert.ErrorIs(t, resumed.Check(ctx), ErrDisconnected)

	_, err = resumed.Command("true").Status(ctx)
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestMasterLogDiscovery(t *testing.T) {
	s, _ := fakeSession(t)
	ctx := testContext(t)

	require.NoError(t, os.Remove(s.ControlSocket()))
	require.NoError(t, os.WriteFile(s.MasterLog(), []byte("Connection to example.com closed by remote host.\r\n"), 0o600))

	err := s.Check(ctx)
	assert.True(t, IsKind(err, KindMaster), "unexpected error: %v", err)
	assert.ErrorIs(t, err, unix.ECONNABORTED)

	var cause *Cause
	require.ErrorAs(t, err, &cause)
	assert.Equal(t, "Connection to example.com closed by remote host.", cause.Msg)

	err = s.RequestPortForward(ctx, ForwardLocal, TCPSocket("127.0.0.1", 8080), TCPSocket("127.0.0.1", 80))
	assert.True(t, IsKind(err, KindMaster), "unexpected error: %v", err)

	// Close still removes the temporary directory.
	tempDir := filepath.Dir(s.ControlSocket())
	assert.Error(t, s.Close(ctx))
	assert.NoDirExists(t, tempDir)
}

func TestRequestPortForward(t *testing.T) {
	s, _ := fakeSession(t)
	ctx := testContext(t)

	require.NoError(t, s.RequestPortForward(ctx, ForwardLocal, TCPSocket("127.0.0.1", 8080), UnixSocket("/run/app.sock")))
	require.NoError(t, s.RequestPortForward(ctx, ForwardRemote, TCPSocket("0.0.0.0", 9000), TCPSocket("localhost", 3000)))

	require.NoError(t, os.Remove(s.ControlSocket()))
	err := s.RequestPortForward(ctx, ForwardLocal, TCPSocket("127.0.0.1", 8080), TCPSocket("127.0.0.1", 80))
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestDetach(t *testing.T) {
	s, _ := fakeSession(t)
	ctx := testContext(t)
	sshPath := s.backend.(*processBackend).sshPath

	ctl, log := s.Detach()
	defer os.RemoveAll(filepath.Dir(ctl))

	assert.ErrorIs(t, s.Check(ctx), ErrSessionClosed)
	require.NoError(t, s.Close(ctx))
	assert.FileExists(t, ctl, "a detached master keeps running")

	resumed, err := Resume(ctl, log, WithSSHPath(sshPath))
	require.NoError(t, err)
	require.NoError(t, resumed.Check(ctx))

	out, err := resumed.Command("echo").Arg("resumed").Output(ctx)
	require.NoError(t, err)
	assert.Equal(t, "resumed\n", string(out.Stdout))

	require.NoError(t, resumed.Close(ctx))
	assert.NoFileExists(t, ctl)
	assert.DirExists(t, filepath.Dir(ctl), "a resumed session does not own the directory")
}

func TestFinalizeDroppedSession(t *testing.T) {
	s, _ := fakeSession(t)
	tempDir := s.tempDir
	require.NotEmpty(t, tempDir)

	s.finalize()

	assert.Eventually(t, func() bool {
		_, err := os.Stat(tempDir)
		return os.IsNotExist(err)
	}, testTimeout, 10*time.Millisecond)
}
