// Package compress implements the per-channel payload transform applied
// above the record layer. Selection is configuration-static; nothing is
// negotiated on the wire.
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// MaxDecompressedSize caps the size a compressed payload may claim,
// matching the record layer's sanity cap.
const MaxDecompressedSize = 16 << 20

var (
	// ErrUnknownKind is returned for an unrecognized compression method.
	ErrUnknownKind = errors.New("unknown compression method")

	// ErrDecompress is returned when a payload fails to decompress.
	ErrDecompress = errors.New("failed to decompress payload")
)

// Kind selects a compression method from configuration.
type Kind string

const (
	// KindNone disables compression.
	KindNone Kind = "none"

	// KindLZ4 is the default method: LZ4 block compression with the
	// uncompressed size prepended.
	KindLZ4 Kind = "lz4"
)

// ParseKind converts a configuration string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindNone:
		return KindNone, nil
	case KindLZ4:
		return KindLZ4, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// String returns the configuration name of the kind.
func (k Kind) String() string { return string(k) }

// Codec transforms channel payloads in both directions.
type Codec interface {
	Compress(payload []byte) ([]byte, error)
	Decompress(payload []byte) ([]byte, error)
}

// New builds a Codec for the kind.
func New(kind Kind) (Codec, error) {
	switch kind {
	case KindNone:
		return noneCodec{}, nil
	case KindLZ4:
		return &lz4Codec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// noneCodec passes payloads through untouched.
type noneCodec struct{}

func (noneCodec) Compress(payload []byte) ([]byte, error)   { return payload, nil }
func (noneCodec) Decompress(payload []byte) ([]byte, error) { return payload, nil }

// Block markers for the LZ4 wire form. Incompressible payloads are
// carried as-is so the receiver never inflates a block that would have
// grown on the wire.
const (
	blockRaw uint8 = 0
	blockLZ4 uint8 = 1
)

// lz4Codec is an LZ4 block codec. The wire form is the uncompressed
// size as a u32 little-endian, a one-byte block marker, then either one
// LZ4 block or the raw payload.
type lz4Codec struct {
	mu sync.Mutex
	c  lz4.Compressor
}

func (l *lz4Codec) Compress(payload []byte) ([]byte, error) {
	out := make([]byte, 5+lz4.CompressBlockBound(len(payload)))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(payload)))
	out[4] = blockLZ4

	l.mu.Lock()
	n, err := l.c.CompressBlock(payload, out[5:])
	l.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	if n == 0 && len(payload) > 0 {
		// Incompressible; ship it raw.
		out[4] = blockRaw
		n = copy(out[5:], payload)
	}
	return out[:5+n], nil
}

func (l *lz4Codec) Decompress(payload []byte) ([]byte, error) {
	if len(payload) < 5 {
		return nil, fmt.Errorf("%w: payload too short", ErrDecompress)
	}
	size := binary.LittleEndian.Uint32(payload[:4])
	if size > MaxDecompressedSize {
		return nil, fmt.Errorf("%w: claimed size %d exceeds cap", ErrDecompress, size)
	}
	marker := payload[4]
	body := payload[5:]

	switch marker {
	case blockRaw:
		if len(body) != int(size) {
			return nil, fmt.Errorf("%w: raw block has %d bytes, claimed %d", ErrDecompress, len(body), size)
		}
		out := make([]byte, size)
		copy(out, body)
		return out, nil
	case blockLZ4:
		if size == 0 {
			return nil, nil
		}
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
		}
		if n != int(size) {
			return nil, fmt.Errorf("%w: got %d bytes, claimed %d", ErrDecompress, n, size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown block marker %d", ErrDecompress, marker)
	}
}
