package session

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Control operations carried on the control channel. Open starts the
// remote process; Close ends the session.
const (
	ControlOpen  uint8 = 0x01
	ControlClose uint8 = 0x80
)

// ErrBadControl is returned when a control payload is malformed.
var ErrBadControl = errors.New("malformed control message")

// Control is one session control message.
type Control struct {
	Op uint8

	// Execute is the program to run on the responder. Set for Open.
	Execute string
}

// Encode serializes the control message.
// Format: op [1 byte], execute length [2 bytes LE], execute.
func (c *Control) Encode() []byte {
	exe := []byte(c.Execute)
	buf := make([]byte, 3+len(exe))
	buf[0] = c.Op
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(exe)))
	copy(buf[3:], exe)
	return buf
}

// DecodeControl deserializes a control message.
func DecodeControl(buf []byte) (*Control, error) {
	if len(buf) < 3 {
		return nil, fmt.Errorf("%w: too short", ErrBadControl)
	}
	length := int(binary.LittleEndian.Uint16(buf[1:3]))
	if len(buf) != 3+length {
		return nil, fmt.Errorf("%w: execute path truncated", ErrBadControl)
	}
	return &Control{
		Op:      buf[0],
		Execute: string(buf[3 : 3+length]),
	}, nil
}

// SendOpen sends the control message that starts the remote process.
func (s *Session) SendOpen(execute string) error {
	msg := Control{Op: ControlOpen, Execute: execute}
	return s.Send(ChannelControl, msg.Encode())
}

// SendClose sends the control message that ends the session.
func (s *Session) SendClose() error {
	msg := Control{Op: ControlClose}
	return s.Send(ChannelControl, msg.Encode())
}
