package sshx

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestClassifyDiagnostics(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		category Category
		msg      string
	}{
		{
			name:     "connection refused",
			text:     "ssh: connect to host 127.0.0.1 port 9: Connection refused\n",
			category: CategoryConnectionRefused,
			msg:      "connect to host 127.0.0.1 port 9: Connection refused",
		},
		{
			name:     "connection timed out",
			text:     "ssh: connect to host 10.255.255.1 port 22: Connection timed out",
			category: CategoryTimedOut,
			msg:      "connect to host 10.255.255.1 port 22: Connection timed out",
		},
		{
			name:     "operation timed out",
			text:     "ssh: connect to host 10.255.255.1 port 22: Operation timed out",
			category: CategoryTimedOut,
			msg:      "connect to host 10.255.255.1 port 22: Operation timed out",
		},
		{
			name:     "network unreachable",
			text:     "ssh: connect to host 192.0.2.1 port 22: Network is unreachable",
			category: CategoryNetworkUnreachable,
			msg:      "connect to host 192.0.2.1 port 22: Network is unreachable",
		},
		{
			name:     "network unreachable on macOS",
			text:     "ssh: connect to host 192.0.2.1 port 22: Permission denied",
			category: CategoryNetworkUnreachable,
			msg:      "connect to host 192.0.2.1 port 22: Permission denied",
		},
		{
			name:     "name resolution",
			text:     "ssh: Could not resolve hostname nope.invalid: Name or service not known",
			category: CategoryNameResolution,
			msg:      "Could not resolve hostname nope.invalid: Name or service not known",
		},
		{
			name: "authentication after adding host key",
			text: "ssh: Warning: Permanently added 'login.csail.mit.edu,128.52.131.0' (ECDSA) to the list of known hosts.\r\n" +
				"openssh-tester@login.csail.mit.edu: Permission denied (publickey,gssapi-keyex,gssapi-with-mic,password,keyboard-interactive).",
			category: CategoryPermissionDenied,
			msg:      "openssh-tester@login.csail.mit.edu: Permission denied (publickey,gssapi-keyex,gssapi-with-mic,password,keyboard-interactive).",
		},
		{
			name:     "unknown text",
			text:     "  something unexpected happened  ",
			category: CategoryConnectionAborted,
			msg:      "something unexpected happened",
		},
		{
			name:     "empty",
			text:     "",
			category: CategoryConnectionAborted,
			msg:      "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyDiagnostics(tt.text)

			var e *Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, KindConnect, e.Kind)

			var cause *Cause
			require.ErrorAs(t, err, &cause)
			assert.Equal(t, tt.category, cause.Category)
			assert.Equal(t, tt.msg, cause.Msg)
		})
	}
}

func TestCauseMatchesErrno(t *testing.T) {
	err := ClassifyDiagnostics("ssh: connect to host example.com port 22: Connection refused")
	assert.ErrorIs(t, err, unix.ECONNREFUSED)
	assert.NotErrorIs(t, err, unix.ETIMEDOUT)

	notFound := &Error{Kind: KindRemote, Err: &Cause{Category: CategoryNotFound, Msg: "remote command not found"}}
	assert.ErrorIs(t, notFound, os.ErrNotExist)

	denied := ClassifyDiagnostics("user@host: Permission denied (publickey).")
	assert.ErrorIs(t, denied, os.ErrPermission)

	other := &Cause{Category: CategoryOther, Msg: "boom"}
	assert.False(t, errors.Is(other, unix.Errno(0)))
}

func TestErrorSentinels(t *testing.T) {
	err := &Error{Kind: KindDisconnected, Err: errors.New("eof")}
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.NotErrorIs(t, err, ErrRemoteProcessTerminated)
	assert.True(t, IsKind(err, KindDisconnected))
	assert.Equal(t, "the connection was terminated: eof", err.Error())

	assert.ErrorIs(t, &Error{Kind: KindRemoteProcessTerminated}, ErrRemoteProcessTerminated)
}

func TestClassifyMasterLog(t *testing.T) {
	assert.NoError(t, classifyMasterLog(""))
	assert.NoError(t, classifyMasterLog("Warning: Permanently added 'host' (ED25519) to the list of known hosts.\r\n"))

	err := classifyMasterLog("Connection to example.com closed by remote host.\r\n")
	var cause *Cause
	require.ErrorAs(t, err, &cause)
	assert.True(t, IsKind(err, KindMaster))
	assert.Equal(t, CategoryConnectionAborted, cause.Category)
	assert.Equal(t, "Connection to example.com closed by remote host.", cause.Msg)

	err = classifyMasterLog("client_loop: send disconnect: Broken pipe")
	require.ErrorAs(t, err, &cause)
	assert.Equal(t, CategoryOther, cause.Category)
}

func TestInterpretExit(t *testing.T) {
	tests := []struct {
		name               string
		sig                exitSignal
		disconnectExitCode bool
		code               int
		kind               Kind
	}{
		{name: "success", sig: exitSignal{code: 0, known: true}},
		{name: "failure", sig: exitSignal{code: 3, known: true}, code: 3},
		{name: "not found", sig: exitSignal{code: 127, known: true}, kind: KindRemote},
		{name: "not found from process backend", sig: exitSignal{code: 127, known: true}, disconnectExitCode: true, kind: KindRemote},
		{name: "255 from process backend", sig: exitSignal{code: 255, known: true}, disconnectExitCode: true, kind: KindDisconnected},
		{name: "255 from mux backend", sig: exitSignal{code: 255, known: true}, code: 255},
		{name: "unknown", sig: exitSignal{}, kind: KindRemoteProcessTerminated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, err := interpretExit(tt.sig, tt.disconnectExitCode)
			if tt.kind != 0 {
				assert.True(t, IsKind(err, tt.kind), "unexpected error: %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.code, status.Code())
			assert.Equal(t, tt.code == 0, status.Success())
		})
	}
}
