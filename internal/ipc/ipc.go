// Package ipc defines the local messages between the qsh tool and the
// qshd daemon, carried over a UNIX-domain stream socket as
// length-prefixed binary values.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
)

// SocketName is the daemon's control socket file under XDG_RUNTIME_DIR.
const SocketName = "qshd.socket"

// maxMessageSize caps one IPC message; these messages carry a few
// paths, nothing more.
const maxMessageSize = 1 << 20

var (
	// ErrInvalidMessage is returned when a message is malformed.
	ErrInvalidMessage = errors.New("invalid ipc message")

	// ErrMessageTooLarge is returned when a length prefix exceeds the cap.
	ErrMessageTooLarge = errors.New("ipc message exceeds maximum size")

	// ErrNoRuntimeDir is returned when XDG_RUNTIME_DIR is not set.
	ErrNoRuntimeDir = errors.New("XDG_RUNTIME_DIR not set")
)

// Message kinds.
const (
	KindSessionRequest     uint8 = 0x01
	KindSessionAcknowledge uint8 = 0x02
	KindChannelRequest     uint8 = 0x03
	KindChannelAcknowledge uint8 = 0x04
)

// Channel direction values, as seen from the tool.
const (
	DirectionInbound  uint8 = 0x00
	DirectionOutbound uint8 = 0x01
)

// Channel type values.
const (
	TypeUnbuffered uint8 = 0x00
	TypeBuffered   uint8 = 0x01
)

// SocketPath returns the daemon control socket path,
// $XDG_RUNTIME_DIR/qshd.socket.
func SocketPath() (string, error) {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		return "", ErrNoRuntimeDir
	}
	return filepath.Join(dir, SocketName), nil
}

// SessionRequest is sent from qsh to qshd to start a session.
type SessionRequest struct {
	Host    netip.Addr
	Port    uint16
	Execute string
}

// Encode serializes the request.
// Format: host [16 bytes], port [2 bytes LE], execute length [2 bytes
// LE], execute.
func (r *SessionRequest) Encode() []byte {
	exe := []byte(r.Execute)
	buf := make([]byte, 20+len(exe))
	host := r.Host.As16()
	copy(buf[0:16], host[:])
	binary.LittleEndian.PutUint16(buf[16:18], r.Port)
	binary.LittleEndian.PutUint16(buf[18:20], uint16(len(exe)))
	copy(buf[20:], exe)
	return buf
}

// DecodeSessionRequest deserializes a SessionRequest.
func DecodeSessionRequest(buf []byte) (*SessionRequest, error) {
	if len(buf) < 20 {
		return nil, fmt.Errorf("%w: SessionRequest too short", ErrInvalidMessage)
	}
	var host [16]byte
	copy(host[:], buf[0:16])
	port := binary.LittleEndian.Uint16(buf[16:18])
	length := int(binary.LittleEndian.Uint16(buf[18:20]))
	if len(buf) != 20+length {
		return nil, fmt.Errorf("%w: SessionRequest execute truncated", ErrInvalidMessage)
	}
	return &SessionRequest{
		Host:    netip.AddrFrom16(host),
		Port:    port,
		Execute: string(buf[20 : 20+length]),
	}, nil
}

// SessionAcknowledge is sent from qshd to qsh with the session id and
// the four UNIX sockets the tool must connect to.
type SessionAcknowledge struct {
	ID         uint16
	SocketPath string
	StdinPath  string
	StdoutPath string
	StderrPath string
}

// Encode serializes the acknowledgement.
// Format: id [2 bytes LE], then four length-prefixed paths.
func (a *SessionAcknowledge) Encode() []byte {
	paths := []string{a.SocketPath, a.StdinPath, a.StdoutPath, a.StderrPath}
	size := 2
	for _, p := range paths {
		size += 2 + len(p)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], a.ID)
	offset := 2
	for _, p := range paths {
		binary.LittleEndian.PutUint16(buf[offset:], uint16(len(p)))
		offset += 2
		copy(buf[offset:], p)
		offset += len(p)
	}
	return buf
}

// DecodeSessionAcknowledge deserializes a SessionAcknowledge.
func DecodeSessionAcknowledge(buf []byte) (*SessionAcknowledge, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: SessionAcknowledge too short", ErrInvalidMessage)
	}
	a := &SessionAcknowledge{ID: binary.LittleEndian.Uint16(buf[0:2])}
	offset := 2
	for _, dst := range []*string{&a.SocketPath, &a.StdinPath, &a.StdoutPath, &a.StderrPath} {
		if offset+2 > len(buf) {
			return nil, fmt.Errorf("%w: SessionAcknowledge path length missing", ErrInvalidMessage)
		}
		length := int(binary.LittleEndian.Uint16(buf[offset:]))
		offset += 2
		if offset+length > len(buf) {
			return nil, fmt.Errorf("%w: SessionAcknowledge path truncated", ErrInvalidMessage)
		}
		*dst = string(buf[offset : offset+length])
		offset += length
	}
	if offset != len(buf) {
		return nil, fmt.Errorf("%w: SessionAcknowledge trailing bytes", ErrInvalidMessage)
	}
	return a, nil
}

// ChannelRequest is sent from qsh to qshd to create an extra channel.
type ChannelRequest struct {
	Direction uint8
	Type      uint8
}

// Encode serializes the request.
func (r *ChannelRequest) Encode() []byte {
	return []byte{r.Direction, r.Type}
}

// DecodeChannelRequest deserializes a ChannelRequest.
func DecodeChannelRequest(buf []byte) (*ChannelRequest, error) {
	if len(buf) != 2 {
		return nil, fmt.Errorf("%w: ChannelRequest has size %d", ErrInvalidMessage, len(buf))
	}
	return &ChannelRequest{Direction: buf[0], Type: buf[1]}, nil
}

// ChannelAcknowledge is sent from qshd to qsh with the new channel id
// and its socket.
type ChannelAcknowledge struct {
	ID         uint16
	SocketPath string
}

// Encode serializes the acknowledgement.
func (a *ChannelAcknowledge) Encode() []byte {
	buf := make([]byte, 4+len(a.SocketPath))
	binary.LittleEndian.PutUint16(buf[0:2], a.ID)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(a.SocketPath)))
	copy(buf[4:], a.SocketPath)
	return buf
}

// DecodeChannelAcknowledge deserializes a ChannelAcknowledge.
func DecodeChannelAcknowledge(buf []byte) (*ChannelAcknowledge, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: ChannelAcknowledge too short", ErrInvalidMessage)
	}
	length := int(binary.LittleEndian.Uint16(buf[2:4]))
	if len(buf) != 4+length {
		return nil, fmt.Errorf("%w: ChannelAcknowledge path truncated", ErrInvalidMessage)
	}
	return &ChannelAcknowledge{
		ID:         binary.LittleEndian.Uint16(buf[0:2]),
		SocketPath: string(buf[4 : 4+length]),
	}, nil
}

// WriteMessage writes one framed message: a u64 little-endian length
// covering the kind byte and payload, then both.
func WriteMessage(w io.Writer, kind uint8, payload []byte) error {
	var header [9]byte
	binary.LittleEndian.PutUint64(header[0:8], uint64(1+len(payload)))
	header[8] = kind
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

// ReadMessage reads one framed message.
func ReadMessage(r io.Reader) (kind uint8, payload []byte, err error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint64(header[:])
	if length == 0 {
		return 0, nil, fmt.Errorf("%w: empty message", ErrInvalidMessage)
	}
	if length > maxMessageSize {
		return 0, nil, fmt.Errorf("%w: length %d", ErrMessageTooLarge, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return body[0], body[1:], nil
}
