package kex

import (
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// hkdfInfo is the context string for deriving the shared secret from the
// three encapsulated keys.
const hkdfInfo = "qsh-kex-v1"

func mlkem768Scheme() kem.Scheme {
	return mlkem768.Scheme()
}

// Exchanger holds the state of one key exchange. A connection uses two
// independent Exchangers, one per direction, so that the two session
// keys are unrelated and both nonce counters can start at zero.
//
// An Exchanger is not safe for concurrent use; the handshake drives it
// from a single goroutine.
type Exchanger struct {
	scheme kem.Scheme

	// Per-connection keypair, exchanged before the KEM messages flow.
	public  kem.PublicKey
	private kem.PrivateKey

	// Remote per-connection public key, set at most once.
	remote kem.PublicKey

	// Initiator-side state between ClientInit and ClientConfirm.
	ephemeralPrivate kem.PrivateKey
	pendingKey       []byte

	shared []byte
}

// New generates a fresh Exchanger with a new per-connection keypair.
func New(kind Kind) (*Exchanger, error) {
	scheme, err := kind.scheme()
	if err != nil {
		return nil, err
	}
	pub, priv, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate kem keypair: %w", err)
	}
	return &Exchanger{
		scheme:  scheme,
		public:  pub,
		private: priv,
	}, nil
}

// PublicKeySize returns the encoded size of LocalPublic.
func (x *Exchanger) PublicKeySize() int { return x.scheme.PublicKeySize() }

// ClientInitSize returns the encoded size of a ClientInit message.
func (x *Exchanger) ClientInitSize() int {
	return x.scheme.PublicKeySize() + x.scheme.CiphertextSize()
}

// ServerInitSize returns the encoded size of a ServerInit message.
func (x *Exchanger) ServerInitSize() int { return 2 * x.scheme.CiphertextSize() }

// LocalPublic returns the per-connection public key to send to the peer.
func (x *Exchanger) LocalPublic() []byte {
	b, err := x.public.MarshalBinary()
	if err != nil {
		// Marshalling a key we just generated cannot fail.
		panic(fmt.Sprintf("kex: marshal local public key: %v", err))
	}
	return b
}

// SetRemotePublic stores the peer's per-connection public key. It may be
// called at most once.
func (x *Exchanger) SetRemotePublic(b []byte) error {
	if x.remote != nil {
		return ErrRemoteKeySet
	}
	if len(b) != x.scheme.PublicKeySize() {
		return fmt.Errorf("%w: got %d, want %d", ErrBadLength, len(b), x.scheme.PublicKeySize())
	}
	pub, err := x.scheme.UnmarshalBinaryPublicKey(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadLength, err)
	}
	x.remote = pub
	return nil
}

// ClientInit produces the initiator's first exchange message: a fresh
// ephemeral public key plus a ciphertext encapsulated to the remote
// per-connection key. Requires SetRemotePublic.
func (x *Exchanger) ClientInit() ([]byte, error) {
	if x.remote == nil {
		return nil, ErrMissingRemoteKey
	}
	ephPub, ephPriv, err := x.scheme.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral keypair: %w", err)
	}
	ct, k1, err := x.scheme.Encapsulate(x.remote)
	if err != nil {
		return nil, fmt.Errorf("encapsulate to remote key: %w", err)
	}
	ephBytes, err := ephPub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal ephemeral key: %w", err)
	}

	x.ephemeralPrivate = ephPriv
	x.pendingKey = k1

	msg := make([]byte, 0, len(ephBytes)+len(ct))
	msg = append(msg, ephBytes...)
	msg = append(msg, ct...)
	return msg, nil
}

// ServerInit consumes the peer's ClientInit and produces the response:
// one ciphertext to the peer's ephemeral key and one to its
// per-connection key. On success the shared secret is available.
func (x *Exchanger) ServerInit(clientInit []byte) ([]byte, error) {
	if x.remote == nil {
		return nil, ErrMissingRemoteKey
	}
	if len(clientInit) != x.ClientInitSize() {
		return nil, fmt.Errorf("%w: client init got %d, want %d", ErrBadLength, len(clientInit), x.ClientInitSize())
	}

	pkSize := x.scheme.PublicKeySize()
	ephPub, err := x.scheme.UnmarshalBinaryPublicKey(clientInit[:pkSize])
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %v", ErrBadLength, err)
	}
	k1, err := x.scheme.Decapsulate(x.private, clientInit[pkSize:])
	if err != nil {
		return nil, fmt.Errorf("decapsulate client init: %w", err)
	}
	ct1, k2, err := x.scheme.Encapsulate(ephPub)
	if err != nil {
		return nil, fmt.Errorf("encapsulate to ephemeral key: %w", err)
	}
	ct2, k3, err := x.scheme.Encapsulate(x.remote)
	if err != nil {
		return nil, fmt.Errorf("encapsulate to remote key: %w", err)
	}

	x.shared = combine(k1, k2, k3)
	Zero(k1)
	Zero(k2)
	Zero(k3)

	msg := make([]byte, 0, len(ct1)+len(ct2))
	msg = append(msg, ct1...)
	msg = append(msg, ct2...)
	return msg, nil
}

// ClientConfirm consumes the peer's ServerInit and completes the
// exchange on the initiator side.
func (x *Exchanger) ClientConfirm(serverInit []byte) error {
	if x.ephemeralPrivate == nil {
		return ErrIncomplete
	}
	if len(serverInit) != x.ServerInitSize() {
		return fmt.Errorf("%w: server init got %d, want %d", ErrBadLength, len(serverInit), x.ServerInitSize())
	}

	ctSize := x.scheme.CiphertextSize()
	k2, err := x.scheme.Decapsulate(x.ephemeralPrivate, serverInit[:ctSize])
	if err != nil {
		return fmt.Errorf("decapsulate ephemeral ciphertext: %w", err)
	}
	k3, err := x.scheme.Decapsulate(x.private, serverInit[ctSize:])
	if err != nil {
		return fmt.Errorf("decapsulate static ciphertext: %w", err)
	}

	x.shared = combine(x.pendingKey, k2, k3)
	Zero(x.pendingKey)
	Zero(k2)
	Zero(k3)
	x.pendingKey = nil
	x.ephemeralPrivate = nil
	return nil
}

// SharedSecret returns the 32-byte shared secret. It is valid only after
// ServerInit or ClientConfirm has succeeded.
func (x *Exchanger) SharedSecret() ([]byte, error) {
	if x.shared == nil {
		return nil, ErrIncomplete
	}
	return x.shared, nil
}

// Destroy zeroes the derived secret and pending key material.
func (x *Exchanger) Destroy() {
	Zero(x.shared)
	Zero(x.pendingKey)
	x.shared = nil
	x.pendingKey = nil
	x.ephemeralPrivate = nil
}

// combine derives the session secret from the three encapsulated keys.
// Both sides feed the keys in the same order, so the output matches.
func combine(k1, k2, k3 []byte) []byte {
	ikm := make([]byte, 0, len(k1)+len(k2)+len(k3))
	ikm = append(ikm, k1...)
	ikm = append(ikm, k2...)
	ikm = append(ikm, k3...)

	out := make([]byte, SharedSecretSize)
	r := hkdf.New(sha3.New256, ikm, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, out); err != nil {
		// HKDF over fixed-size input cannot fail.
		panic(fmt.Sprintf("kex: derive shared secret: %v", err))
	}
	Zero(ikm)
	return out
}

// Zero zeroes out a byte slice holding key material.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
