package sshx

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// destination returns the host used by tests that need a real OpenSSH
// server, skipping the test if none is configured.
func destination(t *testing.T) string {
	t.Helper()

	dest := os.Getenv("REMUX_TEST_DESTINATION")
	if dest == "" {
		t.Skip("REMUX_TEST_DESTINATION is not set")
	}
	return dest
}

func TestIntegration(t *testing.T) {
	dest := destination(t)

	for _, backend := range []Backend{BackendProcess, BackendMux} {
		t.Run(backend.String(), func(t *testing.T) {
			ctx := testContext(t)

			s, err := Connect(ctx, dest, KnownHostsAdd, WithBackend(backend))
			require.NoError(t, err)

			require.NoError(t, s.Check(ctx))

			out, err := s.Command("echo").Arg("hello world").Output(ctx)
			require.NoError(t, err)
			assert.True(t, out.Status.Success())
			assert.Equal(t, "hello world\n", string(out.Stdout))

			status, err := s.Shell("exit 3").Status(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, status.Code())

			_, err = s.RawCommand("remux-no-such-program").Status(ctx)
			assert.ErrorIs(t, err, os.ErrNotExist)

			require.NoError(t, s.Close(context.Background()))
			assert.NoFileExists(t, s.ControlSocket())
		})
	}
}
