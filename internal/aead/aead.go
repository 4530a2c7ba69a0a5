// Package aead implements the authenticated record ciphers. Each
// direction of a connection owns one cipher state with its own key and
// its own 96-bit counter nonce; the two directions never share a nonce
// space because their keys come from independent key exchanges.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the session key size for every supported cipher.
	KeySize = 32

	// NonceSize is the AEAD nonce size in bytes.
	NonceSize = 12

	// TagSize is the authentication tag size in bytes.
	TagSize = 16
)

var (
	// ErrUnknownKind is returned for an unrecognized cipher method.
	ErrUnknownKind = errors.New("unknown cipher method")

	// ErrBadKeyLength is returned when the session key has the wrong size.
	ErrBadKeyLength = errors.New("session key has wrong length")

	// ErrCipherFailure is returned when sealing fails or a tag does not
	// verify. The connection must be torn down: once a record fails to
	// authenticate the stream can no longer be trusted.
	ErrCipherFailure = errors.New("cipher failure")

	// ErrNonceOverflow is returned when the 96-bit counter is exhausted.
	// No further records may be produced on this direction.
	ErrNonceOverflow = errors.New("nonce counter overflow")
)

// Kind selects a cipher method from configuration.
type Kind string

const (
	// KindAESGCM is the default cipher, AES-256-GCM.
	KindAESGCM Kind = "aes-256-gcm"

	// KindChaCha20Poly1305 is the alternative cipher.
	KindChaCha20Poly1305 Kind = "chacha20-poly1305"
)

// ParseKind converts a configuration string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindAESGCM:
		return KindAESGCM, nil
	case KindChaCha20Poly1305:
		return KindChaCha20Poly1305, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// String returns the configuration name of the kind.
func (k Kind) String() string { return string(k) }

// newAEAD builds the underlying AEAD for a kind.
func newAEAD(kind Kind, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadKeyLength, len(key), KeySize)
	}
	switch kind {
	case KindAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCipherFailure, err)
		}
		return cipher.NewGCM(block)
	case KindChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// nonce is a 96-bit counter rendered little-endian into the AEAD nonce
// field. It advances by exactly one per record processed.
type nonce struct {
	lo uint64
	hi uint32
}

// exhausted reports whether the counter has reached its final value.
// The final value is never used: producing a record with it would leave
// no room to advance, so the connection fails first.
func (n *nonce) exhausted() bool {
	return n.lo == math.MaxUint64 && n.hi == math.MaxUint32
}

// bytes renders the counter into out.
func (n *nonce) bytes(out *[NonceSize]byte) {
	binary.LittleEndian.PutUint64(out[0:8], n.lo)
	binary.LittleEndian.PutUint32(out[8:12], n.hi)
}

// advance increments the counter by one.
func (n *nonce) advance() {
	n.lo++
	if n.lo == 0 {
		n.hi++
	}
}

// Encryptor seals outbound records. It is owned exclusively by the send
// task of a connection and is not safe for concurrent use.
type Encryptor struct {
	aead  cipher.AEAD
	nonce nonce
}

// NewEncryptor builds an Encryptor for the outbound session key.
func NewEncryptor(kind Kind, key []byte) (*Encryptor, error) {
	a, err := newAEAD(kind, key)
	if err != nil {
		return nil, err
	}
	return &Encryptor{aead: a}, nil
}

// Encrypt seals data under the current nonce, appending the tag, and
// advances the counter. The result reuses data's backing array when it
// has room for the tag. The additional data is empty on this transport;
// the parameter is kept for future binding.
func (e *Encryptor) Encrypt(data, additional []byte) ([]byte, error) {
	if e.nonce.exhausted() {
		return nil, ErrNonceOverflow
	}
	var n [NonceSize]byte
	e.nonce.bytes(&n)
	out := e.aead.Seal(data[:0], n[:], data, additional)
	e.nonce.advance()
	return out, nil
}

// Decryptor opens inbound records. It is owned exclusively by the
// receive task of a connection and is not safe for concurrent use.
type Decryptor struct {
	aead  cipher.AEAD
	nonce nonce
}

// NewDecryptor builds a Decryptor for the inbound session key.
func NewDecryptor(kind Kind, key []byte) (*Decryptor, error) {
	a, err := newAEAD(kind, key)
	if err != nil {
		return nil, err
	}
	return &Decryptor{aead: a}, nil
}

// Decrypt verifies and strips the tag under the current nonce and
// advances the counter. A verification failure leaves the counter
// untouched and the caller must tear the connection down.
func (d *Decryptor) Decrypt(data, additional []byte) ([]byte, error) {
	if d.nonce.exhausted() {
		return nil, ErrNonceOverflow
	}
	var n [NonceSize]byte
	d.nonce.bytes(&n)
	out, err := d.aead.Open(data[:0], n[:], data, additional)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCipherFailure, err)
	}
	d.nonce.advance()
	return out, nil
}
