package mux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ProtocolVersion is the version of the multiplexing protocol spoken by this client.
const ProtocolVersion = 4

// Message types of the multiplexing protocol.
const (
	MsgHello         uint32 = 0x00000001
	MsgNewSession    uint32 = 0x10000002
	MsgAliveCheck    uint32 = 0x10000004
	MsgTerminate     uint32 = 0x10000005
	MsgOpenForward   uint32 = 0x10000006
	MsgCloseForward  uint32 = 0x10000007
	MsgStopListening uint32 = 0x10000009

	MsgOK               uint32 = 0x80000001
	MsgPermissionDenied uint32 = 0x80000002
	MsgFailure          uint32 = 0x80000003
	MsgExitMessage      uint32 = 0x80000004
	MsgAlive            uint32 = 0x80000005
	MsgSessionOpened    uint32 = 0x80000006
	MsgRemotePort       uint32 = 0x80000007
	MsgTTYAllocFail     uint32 = 0x80000008
)

// PortStreamLocal is the port value announcing that a forwarding
// endpoint is a unix socket path rather than a TCP address.
const PortStreamLocal uint32 = 0xfffffffe

// maxPacketSize bounds the length of a single packet.
const maxPacketSize = 256 * 1024

// The structs below are encoded with ssh.Marshal, which writes the
// fields in order using the SSH wire representation.

// HelloMsg is exchanged by both peers when a connection is made.
type HelloMsg struct {
	Type       uint32
	Version    uint32
	Extensions []byte `ssh:"rest"`
}

// RequestMsg carries requests that have no payload besides their id.
type RequestMsg struct {
	Type      uint32
	RequestID uint32
}

// NewSessionMsg asks the master to open a new session. The flags are
// encoded as uint32 values, not as SSH booleans.
type NewSessionMsg struct {
	Type       uint32
	RequestID  uint32
	Reserved   string
	WantTTY    uint32
	WantX11    uint32
	WantAgent  uint32
	Subsystem  uint32
	EscapeChar uint32
	Term       string
	Command    string
}

// OpenForwardMsg asks the master to set up a port forwarding.
type OpenForwardMsg struct {
	Type        uint32
	RequestID   uint32
	ForwardType uint32
	ListenHost  string
	ListenPort  uint32
	ConnectHost string
	ConnectPort uint32
}

// OKMsg acknowledges a request.
type OKMsg struct {
	Type            uint32
	ClientRequestID uint32
}

// FailureMsg rejects a request.
type FailureMsg struct {
	Type            uint32
	ClientRequestID uint32
	Reason          string
}

// AliveMsg answers an alive check.
type AliveMsg struct {
	Type            uint32
	ClientRequestID uint32
	ServerPID       uint32
}

// SessionOpenedMsg confirms a new session.
type SessionOpenedMsg struct {
	Type            uint32
	ClientRequestID uint32
	SessionID       uint32
}

// ExitMsg reports the exit value of a session.
type ExitMsg struct {
	Type      uint32
	SessionID uint32
	ExitValue uint32
}

// RemotePortMsg reports the port allocated for a remote forwarding.
type RemotePortMsg struct {
	Type            uint32
	ClientRequestID uint32
	AllocatedPort   uint32
}

// TTYAllocFailMsg reports that the master could not allocate a tty.
type TTYAllocFailMsg struct {
	Type      uint32
	SessionID uint32
}

// Flag encodes b as a flag of NewSessionMsg.
func Flag(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// ErrPacketTooLarge is returned for packets exceeding the size limit.
var ErrPacketTooLarge = errors.New("mux: packet too large")

// WritePacket writes body prefixed with its length.
func WritePacket(w io.Writer, body []byte) error {
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err := w.Write(buf)
	return err
}

// ReadPacket reads exactly one length-prefixed packet. It never reads past
// the end of the packet, which keeps descriptors sent after it intact.
func ReadPacket(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > maxPacketSize {
		return nil, ErrPacketTooLarge
	}
	if length < 4 {
		return nil, fmt.Errorf("mux: packet of %d bytes has no type", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// PacketType returns the message type of a packet body.
func PacketType(body []byte) uint32 {
	if len(body) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(body)
}
