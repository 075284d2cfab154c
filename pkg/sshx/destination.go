package sshx

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Destination is a parsed connection target.
type Destination struct {
	User string
	Host string
	// Port is 0 if the destination does not specify one.
	Port int
}

// ParseDestination parses destinations of the form [user@]host[:port],
// optionally prefixed with a scheme such as ssh://. IPv6 addresses must be
// enclosed in brackets when a port is given. A trailing part that is not a
// number is considered part of the host name.
func ParseDestination(destination string) (Destination, error) {
	var dest Destination

	rest := destination
	if _, after, ok := strings.Cut(rest, "://"); ok {
		rest = strings.TrimSuffix(after, "/")
	}

	if i := strings.LastIndex(rest, "@"); i >= 0 {
		dest.User = rest[:i]
		rest = rest[i+1:]
	}

	switch {
	case strings.HasPrefix(rest, "["):
		end := strings.Index(rest, "]")
		if end < 0 {
			return Destination{}, fmt.Errorf("sshx: missing ']' in destination %q", destination)
		}
		dest.Host = rest[1:end]

		tail := rest[end+1:]
		if tail != "" {
			port, ok := strings.CutPrefix(tail, ":")
			if !ok {
				return Destination{}, fmt.Errorf("sshx: unexpected %q after host in destination %q", tail, destination)
			}
			n, err := parsePort(port)
			if err != nil {
				return Destination{}, err
			}
			dest.Port = n
		}
	case strings.Count(rest, ":") == 1:
		host, port, _ := strings.Cut(rest, ":")
		if _, err := strconv.Atoi(port); err != nil {
			dest.Host = rest
			break
		}
		n, err := parsePort(port)
		if err != nil {
			return Destination{}, err
		}
		dest.Host = host
		dest.Port = n
	default:
		dest.Host = rest
	}

	if dest.Host == "" {
		return Destination{}, fmt.Errorf("sshx: no host in destination %q", destination)
	}
	return dest, nil
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("sshx: invalid port %q", s)
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("sshx: port %d out of range", n)
	}
	return n, nil
}

// String formats the destination in the form accepted by ParseDestination.
func (d Destination) String() string {
	host := d.Host
	if d.Port != 0 {
		host = net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	if d.User != "" {
		return d.User + "@" + host
	}
	return host
}

// ForwardType is the direction of a port forwarding.
type ForwardType int

const (
	// ForwardLocal listens on the local host and connects from the remote host.
	ForwardLocal ForwardType = iota
	// ForwardRemote listens on the remote host and connects from the local host.
	ForwardRemote
)

func (t ForwardType) flag() string {
	if t == ForwardRemote {
		return "-R"
	}
	return "-L"
}

// Socket is an endpoint of a port forwarding: either a TCP address or
// the path of a unix socket.
type Socket struct {
	path string
	host string
	port int
}

// TCPSocket returns a socket for a TCP address.
func TCPSocket(host string, port int) Socket {
	return Socket{host: host, port: port}
}

// UnixSocket returns a socket for the unix socket at path.
func UnixSocket(path string) Socket {
	return Socket{path: path}
}

// SocketFromAddr converts a *net.TCPAddr or *net.UnixAddr into a Socket.
func SocketFromAddr(addr net.Addr) (Socket, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return TCPSocket(a.IP.String(), a.Port), nil
	case *net.UnixAddr:
		return UnixSocket(a.Name), nil
	}
	return Socket{}, errors.New("sshx: unsupported address type " + addr.Network())
}

// ParseSocket parses host:port, a bare port on localhost, or the path of
// a unix socket, which must contain a slash.
func ParseSocket(s string) (Socket, error) {
	if strings.Contains(s, "/") {
		return UnixSocket(s), nil
	}

	host, port := "localhost", s
	if strings.Contains(s, ":") {
		var err error
		if host, port, err = net.SplitHostPort(s); err != nil {
			return Socket{}, fmt.Errorf("sshx: invalid socket %q: %w", s, err)
		}
	}

	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return Socket{}, fmt.Errorf("sshx: invalid port in socket %q", s)
	}
	return TCPSocket(host, n), nil
}

// IsUnix reports whether the socket is a unix socket.
func (s Socket) IsUnix() bool {
	return s.path != ""
}

func (s Socket) String() string {
	if s.IsUnix() {
		return s.path
	}
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}
