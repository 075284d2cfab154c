package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicklasfrahm/remux/pkg/mux/muxtest"
	"github.com/nicklasfrahm/remux/pkg/sshx"
)

const inventory = `
defaults:
  user: deploy
  known-hosts: strict
  backend: mux
  connect-timeout: 10s
  compression: true
hosts:
  web1:
    host: 10.0.0.10
    port: 2222
  web2:
    user: admin
  db:
    host: db.internal
    backend: process
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), Program+".yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, inventory))
	require.NoError(t, err)

	assert.Equal(t, []string{"db", "web1", "web2"}, config.Names())
	assert.Equal(t, 10*time.Second, config.Defaults.ConnectTimeout)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := map[string]string{
		"backend":     "hosts:\n  a:\n    backend: telnet\n",
		"known hosts": "defaults:\n  known-hosts: sometimes\n",
		"port":        "hosts:\n  a:\n    port: 70000\n",
		"control log": "hosts:\n  a:\n    control-log: /tmp/log\n",
		"syntax":      "hosts: [",
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, content))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestResolve(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, inventory))
	require.NoError(t, err)

	web1, err := config.Resolve("web1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.10", web1.Host)
	assert.Equal(t, 2222, web1.Port)
	assert.Equal(t, "deploy", web1.User)
	assert.Equal(t, "mux", web1.Backend)
	assert.Equal(t, "deploy@10.0.0.10:2222", web1.Destination())

	web2, err := config.Resolve("web2")
	require.NoError(t, err)
	assert.Equal(t, "web2", web2.Host)
	assert.Equal(t, "admin", web2.User)

	db, err := config.Resolve("db")
	require.NoError(t, err)
	assert.Equal(t, "process", db.Backend)
	require.NotNil(t, db.Compression)
	assert.True(t, *db.Compression)

	adhoc, err := config.Resolve("root@[::1]:22")
	require.NoError(t, err)
	assert.Equal(t, "::1", adhoc.Host)
	assert.Equal(t, "root", adhoc.User)
	assert.Equal(t, 22, adhoc.Port)
	assert.Equal(t, "strict", adhoc.KnownHosts)

	_, err = config.Resolve("host:99999")
	assert.Error(t, err)
}

func TestOptions(t *testing.T) {
	logger := zerolog.Nop()
	host := Host{
		Backend:             "mux",
		SSHPath:             "/usr/local/bin/ssh",
		KeyFile:             "/keys/id",
		ConnectTimeout:      3 * time.Second,
		ServerAliveInterval: 30 * time.Second,
	}

	options, err := host.Options(&logger)
	require.NoError(t, err)

	opts, err := sshx.GetDefaultOptions().Apply(options...)
	require.NoError(t, err)
	assert.Equal(t, sshx.BackendMux, opts.Backend)
	assert.Equal(t, "/usr/local/bin/ssh", opts.SSHPath)
	assert.Equal(t, "/keys/id", opts.KeyFile)
	assert.Equal(t, 3*time.Second, opts.ConnectTimeout)
	assert.Equal(t, 30*time.Second, opts.ServerAliveInterval)
	assert.Nil(t, opts.Compression)
	assert.Same(t, &logger, opts.Logger)
}

func TestOpenControlPath(t *testing.T) {
	srv, err := muxtest.NewServer(filepath.Join(t.TempDir(), "master"), muxtest.LocalHandler)
	require.NoError(t, err)
	defer srv.Close()

	logger := zerolog.Nop()
	host := Host{Host: "example.com", Backend: "mux", ControlPath: srv.Path}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	session, owned, err := host.Open(ctx, &logger)
	require.NoError(t, err)
	assert.False(t, owned)
	assert.Equal(t, srv.Path, session.ControlSocket())
	require.NoError(t, session.Check(ctx))
}
