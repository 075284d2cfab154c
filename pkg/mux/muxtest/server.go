// Package muxtest provides an in-process control master for tests.
package muxtest

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"

	"github.com/nicklasfrahm/remux/pkg/mux"
)

// Request describes a session requested by a client.
type Request struct {
	Command   string
	Subsystem bool
}

// Handler runs a session on the descriptors passed by the client. The
// returned exit value is reported unless reported is false, in which case
// the connection is closed without an exit message.
type Handler func(req Request, stdin, stdout, stderr *os.File) (exit uint32, reported bool)

// Server is a control master listening on a unix socket.
type Server struct {
	// Path is the location of the control socket.
	Path string

	handler Handler
	ln      *net.UnixListener
	wg      sync.WaitGroup

	mu          sync.Mutex
	conns       map[*net.UnixConn]struct{}
	forwards    []mux.Forward
	requests    []Request
	nextSession uint32
	closed      bool
}

// NewServer starts a control master on path that runs sessions with h.
func NewServer(path string, h Handler) (*Server, error) {
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}

	s := &Server{
		Path:    path,
		handler: h,
		ln:      ln,
		conns:   make(map[*net.UnixConn]struct{}),
	}

	s.wg.Add(1)
	go s.serve()

	return s, nil
}

// Close stops the server and closes every open connection.
func (s *Server) Close() error {
	s.shutdown()
	s.wg.Wait()
	return nil
}

// Terminated reports whether the server stopped listening.
func (s *Server) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Forwards returns the port forwardings requested so far.
func (s *Server) Forwards() []mux.Forward {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mux.Forward(nil), s.forwards...)
}

// Requests returns the sessions requested so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func (s *Server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		s.ln.Close()
	}
	for c := range s.conns {
		c.Close()
	}
}

func (s *Server) serve() {
	defer s.wg.Done()

	for {
		c, err := s.ln.AcceptUnix()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		go func() {
			defer func() {
				s.mu.Lock()
				delete(s.conns, c)
				s.mu.Unlock()
				c.Close()
			}()

			_ = s.handle(c)
		}()
	}
}

func (s *Server) handle(c *net.UnixConn) error {
	if err := write(c, &mux.HelloMsg{Type: mux.MsgHello, Version: mux.ProtocolVersion}); err != nil {
		return err
	}

	body, err := mux.ReadPacket(c)
	if err != nil {
		return err
	}
	var hello mux.HelloMsg
	if err := ssh.Unmarshal(body, &hello); err != nil {
		return err
	}

	for {
		body, err := mux.ReadPacket(c)
		if err != nil {
			return err
		}

		switch typ := mux.PacketType(body); typ {
		case mux.MsgAliveCheck:
			var req mux.RequestMsg
			if err := ssh.Unmarshal(body, &req); err != nil {
				return err
			}
			if err := write(c, &mux.AliveMsg{
				Type:            mux.MsgAlive,
				ClientRequestID: req.RequestID,
				ServerPID:       uint32(os.Getpid()),
			}); err != nil {
				return err
			}
		case mux.MsgTerminate, mux.MsgStopListening:
			var req mux.RequestMsg
			if err := ssh.Unmarshal(body, &req); err != nil {
				return err
			}
			s.mu.Lock()
			if !s.closed {
				s.closed = true
				s.ln.Close()
			}
			s.mu.Unlock()
			return write(c, &mux.OKMsg{Type: mux.MsgOK, ClientRequestID: req.RequestID})
		case mux.MsgOpenForward:
			if err := s.openForward(c, body); err != nil {
				return err
			}
		case mux.MsgNewSession:
			return s.session(c, body)
		default:
			return fmt.Errorf("muxtest: unsupported message type %#08x", typ)
		}
	}
}

func (s *Server) openForward(c *net.UnixConn, body []byte) error {
	var req mux.OpenForwardMsg
	if err := ssh.Unmarshal(body, &req); err != nil {
		return err
	}

	fwd := mux.Forward{
		Type:        mux.ForwardType(req.ForwardType),
		ListenHost:  req.ListenHost,
		ListenPort:  req.ListenPort,
		ConnectHost: req.ConnectHost,
		ConnectPort: req.ConnectPort,
	}
	s.mu.Lock()
	s.forwards = append(s.forwards, fwd)
	s.mu.Unlock()

	if fwd.Type == mux.ForwardRemote && fwd.ListenPort == 0 {
		return write(c, &mux.RemotePortMsg{
			Type:            mux.MsgRemotePort,
			ClientRequestID: req.RequestID,
			AllocatedPort:   40022,
		})
	}
	return write(c, &mux.OKMsg{Type: mux.MsgOK, ClientRequestID: req.RequestID})
}

func (s *Server) session(c *net.UnixConn, body []byte) error {
	var req mux.NewSessionMsg
	if err := ssh.Unmarshal(body, &req); err != nil {
		return err
	}

	var stdio [3]*os.File
	for i := range stdio {
		f, err := receiveFile(c)
		if err != nil {
			closeFiles(stdio[:i])
			return err
		}
		stdio[i] = f
	}

	request := Request{Command: req.Command, Subsystem: req.Subsystem != 0}

	s.mu.Lock()
	s.nextSession++
	id := s.nextSession
	s.requests = append(s.requests, request)
	s.mu.Unlock()

	if err := write(c, &mux.SessionOpenedMsg{
		Type:            mux.MsgSessionOpened,
		ClientRequestID: req.RequestID,
		SessionID:       id,
	}); err != nil {
		closeFiles(stdio[:])
		return err
	}

	exit, reported := s.handler(request, stdio[0], stdio[1], stdio[2])
	closeFiles(stdio[:])
	if !reported {
		return nil
	}

	return write(c, &mux.ExitMsg{Type: mux.MsgExitMessage, SessionID: id, ExitValue: exit})
}

func receiveFile(c *net.UnixConn) (*os.File, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	_, oobn, _, _, err := c.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, err
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, err
	}
	if len(msgs) != 1 {
		return nil, errors.New("muxtest: expected one control message")
	}

	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return nil, err
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return nil, errors.New("muxtest: expected one descriptor")
	}

	return os.NewFile(uintptr(fds[0]), "muxtest"), nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

func write(c *net.UnixConn, msg interface{}) error {
	return mux.WritePacket(c, ssh.Marshal(msg))
}
