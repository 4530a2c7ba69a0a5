// Package kex implements the post-quantum key exchange used to derive
// session keys. Each Exchanger runs a three-message authenticated key
// exchange built on a lattice KEM: both parties trade per-connection
// public keys first, then the initiator sends a client init, the
// responder answers with a server init, and both ends converge on a
// 32-byte shared secret.
package kex

import (
	"errors"
	"fmt"

	"github.com/cloudflare/circl/kem"
)

var (
	// ErrUnknownKind is returned for an unrecognized key exchange method.
	ErrUnknownKind = errors.New("unknown key exchange method")

	// ErrBadLength is returned when a key or message has the wrong size.
	ErrBadLength = errors.New("key exchange message has wrong length")

	// ErrMissingRemoteKey is returned when an operation needs the remote
	// public key before it has been set.
	ErrMissingRemoteKey = errors.New("remote public key not set")

	// ErrRemoteKeySet is returned when SetRemotePublic is called twice.
	ErrRemoteKeySet = errors.New("remote public key already set")

	// ErrIncomplete is returned when the shared secret is requested
	// before the exchange has finished.
	ErrIncomplete = errors.New("key exchange not complete")
)

// Kind selects a key exchange method from configuration.
type Kind string

const (
	// KindMLKEM768 is the default method: an AKE over ML-KEM-768.
	KindMLKEM768 Kind = "mlkem768"
)

// ParseKind converts a configuration string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindMLKEM768:
		return KindMLKEM768, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// String returns the configuration name of the kind.
func (k Kind) String() string { return string(k) }

// scheme returns the underlying KEM scheme for a kind.
func (k Kind) scheme() (kem.Scheme, error) {
	switch k {
	case KindMLKEM768:
		return mlkem768Scheme(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k)
	}
}

// PublicKeySize returns the size of the per-connection public key a peer
// must read during the public key exchange step.
func (k Kind) PublicKeySize() (int, error) {
	s, err := k.scheme()
	if err != nil {
		return 0, err
	}
	return s.PublicKeySize(), nil
}

// ClientInitSize returns the size of the initiator's first exchange
// message: an ephemeral public key followed by one ciphertext.
func (k Kind) ClientInitSize() (int, error) {
	s, err := k.scheme()
	if err != nil {
		return 0, err
	}
	return s.PublicKeySize() + s.CiphertextSize(), nil
}

// ServerInitSize returns the size of the responder's reply: two
// ciphertexts, one to the initiator's ephemeral key and one to its
// per-connection key.
func (k Kind) ServerInitSize() (int, error) {
	s, err := k.scheme()
	if err != nil {
		return 0, err
	}
	return 2 * s.CiphertextSize(), nil
}

// SharedSecretSize is the size of the derived shared secret in bytes.
const SharedSecretSize = 32
