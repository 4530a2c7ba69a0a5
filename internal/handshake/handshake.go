// Package handshake runs the key exchange and identity binding that turn
// a raw TCP stream into an encrypted connection. Both endpoints execute
// the same sequence: trade per-connection KEM public keys for two
// independent exchanges, run the three KEM messages for each, then sign
// the transcript with the long-term identity key and verify the peer's
// signature against the trusted table. Only after both signatures check
// out does either side get a cipher pair.
package handshake

import (
	"bufio"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"net/netip"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/leyvirose/qsh/internal/aead"
	"github.com/leyvirose/qsh/internal/auth"
	"github.com/leyvirose/qsh/internal/kex"
)

// DefaultTimeout bounds the whole handshake. A peer that stalls mid
// exchange fails closed.
const DefaultTimeout = 30 * time.Second

var (
	// ErrAuthentication is returned when the peer is unknown or its
	// transcript signature does not verify.
	ErrAuthentication = errors.New("peer authentication failed")

	// ErrTruncated is returned on EOF before the handshake completes.
	ErrTruncated = errors.New("stream ended mid-handshake")
)

// Role distinguishes the dialing endpoint from the listening one. The
// exchange itself is symmetric; the role only fixes the canonical
// transcript ordering.
type Role int

const (
	RoleDialer Role = iota
	RoleListener
)

// Config carries the method selection and identity for one handshake.
type Config struct {
	Kex     kex.Kind
	Cipher  aead.Kind
	Auth    *auth.Authenticator
	Role    Role
	Timeout time.Duration
}

// Result is the outcome of a successful handshake: one cipher per
// direction, each keyed by its own exchange.
type Result struct {
	Encryptor *aead.Encryptor
	Decryptor *aead.Decryptor
}

// transcript accumulates digests of everything sent and received so the
// identity signature covers the whole exchange.
type transcript struct {
	sent     hash.Hash
	received hash.Hash
}

func newTranscript() *transcript {
	return &transcript{sent: sha3.New256(), received: sha3.New256()}
}

// sum produces the transcript hash in canonical order: the dialer's
// bytes first, then the listener's, so both ends sign the same value.
func (t *transcript) sum(role Role) []byte {
	a, b := t.sent.Sum(nil), t.received.Sum(nil)
	if role == RoleListener {
		a, b = b, a
	}
	h := sha3.New256()
	h.Write(a)
	h.Write(b)
	return h.Sum(nil)
}

// Run performs the handshake on conn with the peer at addr. The
// connection deadline covers the whole exchange and is cleared before a
// successful return; on failure it is left in place.
func Run(conn net.Conn, peer netip.Addr, cfg Config) (*Result, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	res, err := run(conn, peer, cfg)
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}
	return res, nil
}

func run(conn net.Conn, peer netip.Addr, cfg Config) (*Result, error) {
	kexIn, err := kex.New(cfg.Kex)
	if err != nil {
		return nil, err
	}
	kexOut, err := kex.New(cfg.Kex)
	if err != nil {
		return nil, err
	}
	defer kexIn.Destroy()
	defer kexOut.Destroy()

	tr := newTranscript()
	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)

	send := func(b []byte) error {
		if _, err := w.Write(b); err != nil {
			return err
		}
		tr.sent.Write(b)
		return nil
	}
	recv := func(n int) ([]byte, error) {
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
			}
			return nil, err
		}
		tr.received.Write(b)
		return b, nil
	}

	// Public key exchange. Sent in the order (inbound, outbound); the
	// first key received pairs with our outbound exchange and the
	// second with our inbound one. The crossing keeps the two
	// exchanges, and therefore the two session keys, independent.
	if err := send(kexIn.LocalPublic()); err != nil {
		return nil, fmt.Errorf("send public keys: %w", err)
	}
	if err := send(kexOut.LocalPublic()); err != nil {
		return nil, fmt.Errorf("send public keys: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("send public keys: %w", err)
	}

	remoteForOut, err := recv(kexOut.PublicKeySize())
	if err != nil {
		return nil, fmt.Errorf("read peer public keys: %w", err)
	}
	remoteForIn, err := recv(kexIn.PublicKeySize())
	if err != nil {
		return nil, fmt.Errorf("read peer public keys: %w", err)
	}
	if err := kexOut.SetRemotePublic(remoteForOut); err != nil {
		return nil, err
	}
	if err := kexIn.SetRemotePublic(remoteForIn); err != nil {
		return nil, err
	}

	// KEM initiation: we initiate on the outbound exchange and respond
	// on the inbound one.
	clientInit, err := kexOut.ClientInit()
	if err != nil {
		return nil, err
	}
	if err := send(clientInit); err != nil {
		return nil, fmt.Errorf("send client init: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("send client init: %w", err)
	}

	peerInit, err := recv(kexIn.ClientInitSize())
	if err != nil {
		return nil, fmt.Errorf("read peer client init: %w", err)
	}
	serverInit, err := kexIn.ServerInit(peerInit)
	if err != nil {
		return nil, err
	}
	if err := send(serverInit); err != nil {
		return nil, fmt.Errorf("send server init: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("send server init: %w", err)
	}

	// KEM completion.
	peerResponse, err := recv(kexOut.ServerInitSize())
	if err != nil {
		return nil, fmt.Errorf("read peer server init: %w", err)
	}
	if err := kexOut.ClientConfirm(peerResponse); err != nil {
		return nil, err
	}

	// Authentication: bind the transcript to the long-term identities.
	digest := tr.sum(cfg.Role)
	if _, err := w.Write(cfg.Auth.Sign(digest)); err != nil {
		return nil, fmt.Errorf("send signature: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("send signature: %w", err)
	}

	peerSig := make([]byte, cfg.Auth.SignatureSize())
	if _, err := io.ReadFull(r, peerSig); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		return nil, fmt.Errorf("read peer signature: %w", err)
	}
	if !cfg.Auth.Verify(digest, peer, peerSig) {
		return nil, fmt.Errorf("%w: %s", ErrAuthentication, peer)
	}

	// Ready: outbound secret keys the encryptor, inbound the decryptor.
	outKey, err := kexOut.SharedSecret()
	if err != nil {
		return nil, err
	}
	inKey, err := kexIn.SharedSecret()
	if err != nil {
		return nil, err
	}
	enc, err := aead.NewEncryptor(cfg.Cipher, outKey)
	if err != nil {
		return nil, err
	}
	dec, err := aead.NewDecryptor(cfg.Cipher, inKey)
	if err != nil {
		return nil, err
	}
	return &Result{Encryptor: enc, Decryptor: dec}, nil
}
