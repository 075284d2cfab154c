// Package mux implements the client side of the protocol spoken on the
// control socket of an OpenSSH ControlMaster.
package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"
)

// ForwardType is the kind of a port forwarding.
type ForwardType uint32

const (
	// ForwardLocal listens locally and connects from the remote host.
	ForwardLocal ForwardType = 1
	// ForwardRemote listens on the remote host and connects locally.
	ForwardRemote ForwardType = 2
	// ForwardDynamic is a SOCKS proxy listening locally.
	ForwardDynamic ForwardType = 3
)

// Forward describes a port forwarding request. A port of PortStreamLocal
// marks the host field as a unix socket path.
type Forward struct {
	Type        ForwardType
	ListenHost  string
	ListenPort  uint32
	ConnectHost string
	ConnectPort uint32
}

// SessionRequest describes the session to open.
type SessionRequest struct {
	// Command is the command line, or the subsystem name if Subsystem is set.
	Command   string
	Subsystem bool
	Term      string
	WantTTY   bool
}

// ServerError is a request rejected by the master.
type ServerError struct {
	PermissionDenied bool
	Reason           string
}

func (e *ServerError) Error() string {
	if e.PermissionDenied {
		return "mux: permission denied: " + e.Reason
	}
	return "mux: request failed: " + e.Reason
}

// UnexpectedMessageError is returned when the master answers with a
// message that is not valid at this point of the exchange.
type UnexpectedMessageError struct {
	Type uint32
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("mux: unexpected message type %#08x", e.Type)
}

// ErrRequestMismatch is returned when a reply does not belong to the request.
var ErrRequestMismatch = errors.New("mux: reply does not match request id")

var aLongTimeAgo = time.Unix(1, 0)

// Conn is a connection to a control socket.
type Conn struct {
	conn   *net.UnixConn
	nextID uint32
}

// Dial connects to the control socket at path and exchanges hello messages.
func Dial(ctx context.Context, path string) (*Conn, error) {
	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}

	c := &Conn{conn: netConn.(*net.UnixConn)}
	if err := c.do(ctx, c.handshake); err != nil {
		c.conn.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) handshake() error {
	body, err := ReadPacket(c.conn)
	if err != nil {
		return err
	}

	var hello HelloMsg
	if err := ssh.Unmarshal(body, &hello); err != nil {
		return err
	}
	if hello.Type != MsgHello {
		return &UnexpectedMessageError{Type: hello.Type}
	}
	if hello.Version != ProtocolVersion {
		return fmt.Errorf("mux: unsupported protocol version %d", hello.Version)
	}

	return c.write(&HelloMsg{Type: MsgHello, Version: ProtocolVersion})
}

// do runs fn with the deadline and cancellation of ctx applied to the socket.
func (c *Conn) do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return err
		}
	}

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(aLongTimeAgo)
		close(interrupted)
	})

	err := fn()
	if !stop() {
		<-interrupted
	}
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	if resetErr := c.conn.SetDeadline(time.Time{}); resetErr != nil && err == nil {
		err = resetErr
	}
	return err
}

func (c *Conn) requestID() uint32 {
	c.nextID++
	return c.nextID
}

func (c *Conn) write(msg interface{}) error {
	return WritePacket(c.conn, ssh.Marshal(msg))
}

// readReply reads the reply to request id and decodes it into one of the
// given message pointers, selected by message type. Failure replies are
// turned into a *ServerError.
func (c *Conn) readReply(id uint32, replies map[uint32]interface{}) (uint32, error) {
	body, err := ReadPacket(c.conn)
	if err != nil {
		return 0, err
	}

	typ := PacketType(body)
	switch typ {
	case MsgPermissionDenied, MsgFailure:
		var failure FailureMsg
		if err := ssh.Unmarshal(body, &failure); err != nil {
			return typ, err
		}
		if failure.ClientRequestID != id {
			return typ, ErrRequestMismatch
		}
		return typ, &ServerError{
			PermissionDenied: typ == MsgPermissionDenied,
			Reason:           failure.Reason,
		}
	}

	reply, ok := replies[typ]
	if !ok {
		return typ, &UnexpectedMessageError{Type: typ}
	}
	if err := ssh.Unmarshal(body, reply); err != nil {
		return typ, err
	}
	return typ, nil
}

func (c *Conn) simpleRequest(ctx context.Context, typ uint32) error {
	return c.do(ctx, func() error {
		id := c.requestID()
		if err := c.write(&RequestMsg{Type: typ, RequestID: id}); err != nil {
			return err
		}

		var ok OKMsg
		if _, err := c.readReply(id, map[uint32]interface{}{MsgOK: &ok}); err != nil {
			return err
		}
		if ok.ClientRequestID != id {
			return ErrRequestMismatch
		}
		return nil
	})
}

// AliveCheck verifies that the master is responsive and returns its pid.
func (c *Conn) AliveCheck(ctx context.Context) (uint32, error) {
	var pid uint32
	err := c.do(ctx, func() error {
		id := c.requestID()
		if err := c.write(&RequestMsg{Type: MsgAliveCheck, RequestID: id}); err != nil {
			return err
		}

		var alive AliveMsg
		if _, err := c.readReply(id, map[uint32]interface{}{MsgAlive: &alive}); err != nil {
			return err
		}
		if alive.ClientRequestID != id {
			return ErrRequestMismatch
		}
		pid = alive.ServerPID
		return nil
	})
	return pid, err
}

// Terminate asks the master to exit.
func (c *Conn) Terminate(ctx context.Context) error {
	return c.simpleRequest(ctx, MsgTerminate)
}

// StopListening asks the master to stop accepting new connections and to
// exit once the existing sessions are gone.
func (c *Conn) StopListening(ctx context.Context) error {
	return c.simpleRequest(ctx, MsgStopListening)
}

// OpenForward requests a port forwarding. For a remote forwarding with
// listen port 0 the port allocated by the server is returned.
func (c *Conn) OpenForward(ctx context.Context, fwd Forward) (uint32, error) {
	var allocated uint32
	err := c.do(ctx, func() error {
		id := c.requestID()
		if err := c.write(&OpenForwardMsg{
			Type:        MsgOpenForward,
			RequestID:   id,
			ForwardType: uint32(fwd.Type),
			ListenHost:  fwd.ListenHost,
			ListenPort:  fwd.ListenPort,
			ConnectHost: fwd.ConnectHost,
			ConnectPort: fwd.ConnectPort,
		}); err != nil {
			return err
		}

		var ok OKMsg
		var port RemotePortMsg
		typ, err := c.readReply(id, map[uint32]interface{}{
			MsgOK:         &ok,
			MsgRemotePort: &port,
		})
		if err != nil {
			return err
		}

		if typ == MsgRemotePort {
			if port.ClientRequestID != id {
				return ErrRequestMismatch
			}
			allocated = port.AllocatedPort
			return nil
		}
		if ok.ClientRequestID != id {
			return ErrRequestMismatch
		}
		allocated = fwd.ListenPort
		return nil
	})
	return allocated, err
}

// OpenSession opens a new session whose standard streams are connected to
// the given files. The master receives duplicates of the descriptors, so
// the caller may close its copies once this returns. On success the
// connection is dedicated to the session and must not be used for other
// requests.
func (c *Conn) OpenSession(ctx context.Context, req SessionRequest, stdio [3]*os.File) (*Session, error) {
	var session *Session
	err := c.do(ctx, func() error {
		id := c.requestID()
		if err := c.write(&NewSessionMsg{
			Type:       MsgNewSession,
			RequestID:  id,
			WantTTY:    Flag(req.WantTTY),
			Subsystem:  Flag(req.Subsystem),
			EscapeChar: 0xffffffff,
			Term:       req.Term,
			Command:    req.Command,
		}); err != nil {
			return err
		}

		for _, f := range stdio {
			if err := c.sendFile(f); err != nil {
				return err
			}
		}

		var opened SessionOpenedMsg
		if _, err := c.readReply(id, map[uint32]interface{}{MsgSessionOpened: &opened}); err != nil {
			return err
		}
		if opened.ClientRequestID != id {
			return ErrRequestMismatch
		}

		session = &Session{ID: opened.SessionID, conn: c}
		return nil
	})
	return session, err
}

// sendFile passes the descriptor of f to the master along with a single
// byte of regular data.
func (c *Conn) sendFile(f *os.File) error {
	raw, err := f.SyscallConn()
	if err != nil {
		return err
	}

	var sendErr error
	err = raw.Control(func(fd uintptr) {
		rights := unix.UnixRights(int(fd))
		_, _, sendErr = c.conn.WriteMsgUnix([]byte{0}, rights, nil)
	})
	if err != nil {
		return err
	}
	return sendErr
}

// Session is a session opened on the master.
type Session struct {
	ID   uint32
	conn *Conn
}

// Wait blocks until the master reports the end of the session. The exit
// value is nil if the session ended without one, which happens when the
// remote process was killed by a signal.
func (s *Session) Wait() (*uint32, error) {
	for {
		body, err := ReadPacket(s.conn.conn)
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		switch typ := PacketType(body); typ {
		case MsgExitMessage:
			var exit ExitMsg
			if err := ssh.Unmarshal(body, &exit); err != nil {
				return nil, err
			}
			if exit.SessionID != s.ID {
				return nil, fmt.Errorf("mux: exit message for session %d on session %d", exit.SessionID, s.ID)
			}
			return &exit.ExitValue, nil
		case MsgTTYAllocFail:
			continue
		default:
			return nil, &UnexpectedMessageError{Type: typ}
		}
	}
}

// Close releases the connection without waiting for the session to end.
// The remote process keeps running.
func (s *Session) Close() error {
	return s.conn.Close()
}
