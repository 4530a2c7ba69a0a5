// Package auth binds handshake transcripts to long-term identities with
// a lattice signature scheme (ML-DSA-87, FIPS 204). The local private
// key has exactly one owner, the Authenticator, and is zeroed on Close;
// peer public keys are read-only after load and keyed by IPv6 address.
package auth

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"

	"github.com/leyvirose/qsh/internal/keystore"
)

// Context is the domain separation string for every qsh signature.
const Context = "qsh"

var (
	// ErrUnknownKind is returned for an unrecognized authentication method.
	ErrUnknownKind = errors.New("unknown authentication method")

	// ErrBadKey is returned when key bytes do not parse.
	ErrBadKey = errors.New("malformed signature key")
)

// Kind selects an authentication method from configuration.
type Kind string

const (
	// KindMLDSA87 is the default method, ML-DSA-87. The on-disk name
	// "fips204" is accepted as an alias.
	KindMLDSA87 Kind = "mldsa87"
)

// ParseKind converts a configuration string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case string(KindMLDSA87), "fips204":
		return KindMLDSA87, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// String returns the configuration name of the kind.
func (k Kind) String() string { return string(k) }

func (k Kind) scheme() (sign.Scheme, error) {
	switch k {
	case KindMLDSA87:
		return mldsa87.Scheme(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k)
	}
}

// PrivateKeySize returns the encoded private key size.
func (k Kind) PrivateKeySize() (int, error) {
	s, err := k.scheme()
	if err != nil {
		return 0, err
	}
	return s.PrivateKeySize(), nil
}

// PublicKeySize returns the encoded public key size.
func (k Kind) PublicKeySize() (int, error) {
	s, err := k.scheme()
	if err != nil {
		return 0, err
	}
	return s.PublicKeySize(), nil
}

// SignatureSize returns the signature size.
func (k Kind) SignatureSize() (int, error) {
	s, err := k.scheme()
	if err != nil {
		return 0, err
	}
	return s.SignatureSize(), nil
}

// GenerateIdentity creates a fresh identity keypair, returned as encoded
// bytes for the keystore.
func GenerateIdentity(kind Kind) (private, public []byte, err error) {
	scheme, err := kind.scheme()
	if err != nil {
		return nil, nil, err
	}
	pub, priv, err := scheme.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("generate identity keypair: %w", err)
	}
	private, err = priv.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	public, err = pub.MarshalBinary()
	if err != nil {
		keystore.Zero(private)
		return nil, nil, fmt.Errorf("marshal public key: %w", err)
	}
	return private, public, nil
}

// ValidatePublicKey reports whether b parses as a public key of kind.
func ValidatePublicKey(kind Kind, b []byte) error {
	scheme, err := kind.scheme()
	if err != nil {
		return err
	}
	if _, err := scheme.UnmarshalBinaryPublicKey(b); err != nil {
		return fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	return nil
}

// Authenticator signs local transcripts and verifies peer transcripts
// against the trusted peer table.
type Authenticator struct {
	scheme  sign.Scheme
	private sign.PrivateKey
	public  sign.PublicKey

	// privateBytes is the encoded private key, retained only so Close
	// can zero it.
	privateBytes []byte

	peers map[netip.Addr]sign.PublicKey
}

// New builds an Authenticator from encoded keys. It takes ownership of
// privateBytes and zeroes them on Close.
func New(kind Kind, privateBytes, publicBytes []byte, peers map[netip.Addr][]byte) (*Authenticator, error) {
	scheme, err := kind.scheme()
	if err != nil {
		return nil, err
	}
	priv, err := scheme.UnmarshalBinaryPrivateKey(privateBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", ErrBadKey, err)
	}
	pub, err := scheme.UnmarshalBinaryPublicKey(publicBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrBadKey, err)
	}

	table := make(map[netip.Addr]sign.PublicKey, len(peers))
	for addr, b := range peers {
		pk, err := scheme.UnmarshalBinaryPublicKey(b)
		if err != nil {
			return nil, fmt.Errorf("%w: peer %s: %v", ErrBadKey, addr, err)
		}
		table[addr] = pk
	}

	return &Authenticator{
		scheme:       scheme,
		private:      priv,
		public:       pub,
		privateBytes: privateBytes,
		peers:        table,
	}, nil
}

// Load builds an Authenticator from the keystore directory: the local
// identity file plus the certs directory.
func Load(kind Kind, dir string) (*Authenticator, error) {
	scheme, err := kind.scheme()
	if err != nil {
		return nil, err
	}
	private, public, err := keystore.ReadIdentity(keystore.IdentityPath(dir), scheme.PrivateKeySize(), scheme.PublicKeySize())
	if err != nil {
		return nil, err
	}
	peers, err := keystore.ReadPeers(keystore.CertsDir(dir), scheme.PublicKeySize())
	if err != nil {
		keystore.Zero(private)
		return nil, err
	}
	a, err := New(kind, private, public, peers)
	if err != nil {
		keystore.Zero(private)
		return nil, err
	}
	return a, nil
}

// Sign signs data with the local private key under the qsh context.
func (a *Authenticator) Sign(data []byte) []byte {
	return a.scheme.Sign(a.private, data, &sign.SignatureOpts{Context: Context})
}

// Verify checks a peer signature over data. It returns false when the
// peer address is not in the trusted table or the signature does not
// verify.
func (a *Authenticator) Verify(data []byte, peer netip.Addr, signature []byte) bool {
	pk, ok := a.peers[peer]
	if !ok {
		return false
	}
	return a.scheme.Verify(pk, data, signature, &sign.SignatureOpts{Context: Context})
}

// KnownPeer reports whether peer has a trusted key.
func (a *Authenticator) KnownPeer(peer netip.Addr) bool {
	_, ok := a.peers[peer]
	return ok
}

// SignatureSize returns the fixed signature size for this identity.
func (a *Authenticator) SignatureSize() int {
	return a.scheme.SignatureSize()
}

// PublicKey returns the encoded local public key.
func (a *Authenticator) PublicKey() ([]byte, error) {
	b, err := a.public.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return b, nil
}

// Close zeroes the encoded private key. The Authenticator must not be
// used afterwards.
func (a *Authenticator) Close() {
	keystore.Zero(a.privateBytes)
	a.privateBytes = nil
	a.private = nil
}
