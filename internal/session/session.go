// Package session multiplexes logical channels over one encrypted
// connection. Each plaintext record carries a 2-byte channel id, an
// optional per-channel sequence number when the channel is buffered,
// and the payload. Channels 0/1/2 are reserved for the remote process's
// stdin, stdout and stderr; channel 0xFFFF carries session control
// messages.
package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/leyvirose/qsh/internal/compress"
	"github.com/leyvirose/qsh/internal/metrics"
	"github.com/leyvirose/qsh/internal/transport"
)

// Reserved channel ids.
const (
	ChannelStdin   uint16 = 0
	ChannelStdout  uint16 = 1
	ChannelStderr  uint16 = 2
	ChannelControl uint16 = 0xFFFF
)

// firstDynamicChannel is where ids for additional channels start.
const firstDynamicChannel uint16 = 3

var (
	// ErrUnknownChannel is returned for a channel id with no descriptor.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrShortPayload is returned when a record is too short for its
	// channel header.
	ErrShortPayload = errors.New("record too short for channel header")

	// ErrSequence is returned when a buffered channel's sequence number
	// does not match the expected one.
	ErrSequence = errors.New("channel sequence mismatch")

	// ErrSessionClosed is returned when sending on a shut-down session.
	ErrSessionClosed = errors.New("session closed")

	// ErrChannelsExhausted is returned when no dynamic channel id is free.
	ErrChannelsExhausted = errors.New("no channel ids left")
)

// Direction tells which way a channel carries data, seen from the
// session owner.
type Direction uint8

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

// Type distinguishes interactive channels from buffered ones. Buffered
// channels carry a sequence number in every message.
type Type uint8

const (
	TypeUnbuffered Type = iota
	TypeBuffered
)

// Descriptor describes one channel.
type Descriptor struct {
	ID        uint16
	Direction Direction
	Type      Type
}

// channelState tracks one channel's descriptor and sequence counters.
type channelState struct {
	desc    Descriptor
	sendSeq uint64
	recvSeq uint64
}

// Message is one demultiplexed channel payload.
type Message struct {
	Channel uint16
	Payload []byte
}

// Session wraps one Link with the channel registry. Stdin, stdout,
// stderr and the control channel are pre-created; additional channels
// come from OpenChannel.
type Session struct {
	link  *transport.Link
	codec compress.Codec

	mu       sync.Mutex
	channels map[uint16]*channelState
	nextID   uint16
	closed   bool
}

// New builds a Session over an established link. Compression applies to
// data channel payloads only; control messages stay uncompressed.
func New(link *transport.Link, compression compress.Kind) (*Session, error) {
	codec, err := compress.New(compression)
	if err != nil {
		return nil, err
	}
	s := &Session{
		link:     link,
		codec:    codec,
		channels: make(map[uint16]*channelState),
		nextID:   firstDynamicChannel,
	}
	s.channels[ChannelStdin] = &channelState{desc: Descriptor{ID: ChannelStdin, Direction: DirectionOutbound, Type: TypeUnbuffered}}
	s.channels[ChannelStdout] = &channelState{desc: Descriptor{ID: ChannelStdout, Direction: DirectionInbound, Type: TypeUnbuffered}}
	s.channels[ChannelStderr] = &channelState{desc: Descriptor{ID: ChannelStderr, Direction: DirectionInbound, Type: TypeUnbuffered}}
	s.channels[ChannelControl] = &channelState{desc: Descriptor{ID: ChannelControl, Direction: DirectionOutbound, Type: TypeUnbuffered}}
	metrics.Get().SessionsActive.Inc()
	return s, nil
}

// Peer returns the remote address of the underlying link.
func (s *Session) Peer() string { return s.link.Peer.String() }

// OpenChannel registers an additional channel and returns its
// descriptor.
func (s *Session) OpenChannel(direction Direction, typ Type) (Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.nextID < ChannelControl {
		id := s.nextID
		s.nextID++
		if _, taken := s.channels[id]; taken {
			continue
		}
		desc := Descriptor{ID: id, Direction: direction, Type: typ}
		s.channels[id] = &channelState{desc: desc}
		return desc, nil
	}
	return Descriptor{}, ErrChannelsExhausted
}

// Channel returns the descriptor for an id.
func (s *Session) Channel(id uint16) (Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.channels[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	return st.desc, nil
}

// Send multiplexes one payload onto a channel and enqueues it for the
// send task. It suspends while the outbound queue is full.
func (s *Session) Send(id uint16, payload []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	st, ok := s.channels[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	var seq uint64
	buffered := st.desc.Type == TypeBuffered
	if buffered {
		seq = st.sendSeq
		st.sendSeq++
	}
	s.mu.Unlock()

	body := payload
	if id != ChannelControl {
		var err error
		body, err = s.codec.Compress(payload)
		if err != nil {
			return err
		}
	}

	headerSize := 2
	if buffered {
		headerSize += 8
	}
	record := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint16(record[0:2], id)
	if buffered {
		binary.LittleEndian.PutUint64(record[2:10], seq)
	}
	copy(record[headerSize:], body)

	select {
	case s.link.Send <- record:
	case <-s.link.Dead():
		return ErrSessionClosed
	}
	metrics.Get().ChannelBytes.WithLabelValues("out").Add(float64(len(payload)))
	return nil
}

// Recv dequeues the next record, demultiplexes it, checks the sequence
// number on buffered channels, and returns the channel payload. It
// returns io.EOF when the inbound queue has been closed.
func (s *Session) Recv() (Message, error) {
	record, ok := <-s.link.Recv
	if !ok {
		return Message{}, io.EOF
	}
	if len(record) < 2 {
		return Message{}, ErrShortPayload
	}
	id := binary.LittleEndian.Uint16(record[0:2])

	s.mu.Lock()
	st, ok := s.channels[id]
	if !ok {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	buffered := st.desc.Type == TypeBuffered
	body := record[2:]
	if buffered {
		if len(body) < 8 {
			s.mu.Unlock()
			return Message{}, ErrShortPayload
		}
		seq := binary.LittleEndian.Uint64(body[:8])
		if seq != st.recvSeq {
			s.mu.Unlock()
			return Message{}, fmt.Errorf("%w: channel %d got %d, want %d", ErrSequence, id, seq, st.recvSeq)
		}
		st.recvSeq++
		body = body[8:]
	}
	s.mu.Unlock()

	if id != ChannelControl {
		var err error
		body, err = s.codec.Decompress(body)
		if err != nil {
			return Message{}, err
		}
	}
	metrics.Get().ChannelBytes.WithLabelValues("in").Add(float64(len(body)))
	return Message{Channel: id, Payload: body}, nil
}

// Shutdown closes the outbound queue so the send task drains and
// half-closes the stream. Idempotent.
func (s *Session) Shutdown() {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if !already {
		metrics.Get().SessionsActive.Dec()
	}
	s.link.Shutdown()
}

// Close abandons the session and the underlying link.
func (s *Session) Close() {
	s.Shutdown()
	s.link.Close()
}
