// Package sshxtest provides a stand-in for the ssh executable that runs
// commands on the local host, for testing code built on sshx without an
// SSH server.
package sshxtest

import (
	"os"
	"path/filepath"
)

// Destinations with these prefixes make the fake fail to connect with the
// corresponding diagnostics.
const (
	RefusedHost = "refused"
	TimeoutHost = "timeout"
	DeniedHost  = "denied"
)

// The control socket is a regular file: it exists while the fake master
// is running. Commands are run with sh -c.
const script = `#!/bin/sh
log=
ctl=
master=0
op=
dest=
while [ $# -gt 0 ]; do
	case "$1" in
	-E) log=$2; shift 2 ;;
	-S) ctl=$2; shift 2 ;;
	-M) master=1; shift ;;
	-O) op=$2; shift 2 ;;
	-o|-p|-l|-i|-F|-L|-R) shift 2 ;;
	--) shift; break ;;
	-*) shift ;;
	*) dest=$1; shift ;;
	esac
done

if [ "$master" = 1 ]; then
	case "$dest" in
	refused*)
		echo "ssh: connect to host $dest port 22: Connection refused" >"$log"
		exit 255 ;;
	timeout*)
		echo "ssh: connect to host $dest port 22: Connection timed out" >"$log"
		exit 255 ;;
	denied*)
		printf "Warning: Permanently added '%s' (ED25519) to the list of known hosts.\r\n" "$dest" >"$log"
		echo "user@$dest: Permission denied (publickey,password)." >>"$log"
		exit 255 ;;
	esac
	: >"$ctl"
	exit 0
fi

[ -e "$ctl" ] || exit 255

case "$op" in
"") exec sh -c "$1" ;;
check|forward) exit 0 ;;
exit) rm -f "$ctl"; exit 0 ;;
esac
echo "unknown control command $op" >&2
exit 255
`

// WriteFakeSSH writes the stand-in into dir and returns its path, to be
// passed to sshx.WithSSHPath.
func WriteFakeSSH(dir string) (string, error) {
	path := filepath.Join(dir, "ssh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		return "", err
	}
	return path, nil
}
