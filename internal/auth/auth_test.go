package auth

import (
	"errors"
	"net/netip"
	"testing"
)

func testIdentity(t *testing.T) (private, public []byte) {
	t.Helper()
	private, public, err := GenerateIdentity(KindMLDSA87)
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}
	return private, public
}

func TestSignVerify(t *testing.T) {
	alicePriv, alicePub := testIdentity(t)
	bobPriv, bobPub := testIdentity(t)

	aliceAddr := netip.MustParseAddr("fd00::1")
	bobAddr := netip.MustParseAddr("fd00::2")

	alice, err := New(KindMLDSA87, alicePriv, alicePub, map[netip.Addr][]byte{bobAddr: bobPub})
	if err != nil {
		t.Fatalf("New(alice) error = %v", err)
	}
	bob, err := New(KindMLDSA87, bobPriv, bobPub, map[netip.Addr][]byte{aliceAddr: alicePub})
	if err != nil {
		t.Fatalf("New(bob) error = %v", err)
	}

	transcript := []byte("handshake transcript digest")
	sig := alice.Sign(transcript)
	if len(sig) != alice.SignatureSize() {
		t.Fatalf("signature length = %d, want %d", len(sig), alice.SignatureSize())
	}

	if !bob.Verify(transcript, aliceAddr, sig) {
		t.Error("Verify() = false for a valid signature")
	}
	if bob.Verify([]byte("different transcript"), aliceAddr, sig) {
		t.Error("Verify() = true for the wrong message")
	}
	if bob.Verify(transcript, netip.MustParseAddr("fd00::99"), sig) {
		t.Error("Verify() = true for an unknown peer")
	}

	tampered := make([]byte, len(sig))
	copy(tampered, sig)
	tampered[0] ^= 0x01
	if bob.Verify(transcript, aliceAddr, tampered) {
		t.Error("Verify() = true for a tampered signature")
	}
}

func TestKnownPeer(t *testing.T) {
	priv, pub := testIdentity(t)
	peerAddr := netip.MustParseAddr("fd00::7")

	a, err := New(KindMLDSA87, priv, pub, map[netip.Addr][]byte{peerAddr: pub})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !a.KnownPeer(peerAddr) {
		t.Error("KnownPeer() = false for a listed peer")
	}
	if a.KnownPeer(netip.MustParseAddr("fd00::8")) {
		t.Error("KnownPeer() = true for an unlisted peer")
	}
}

func TestParseKind(t *testing.T) {
	for _, name := range []string{"mldsa87", "fips204"} {
		kind, err := ParseKind(name)
		if err != nil {
			t.Fatalf("ParseKind(%q) error = %v", name, err)
		}
		if kind != KindMLDSA87 {
			t.Errorf("ParseKind(%q) = %q", name, kind)
		}
	}
	if _, err := ParseKind("rsa"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("ParseKind(rsa) error = %v, want ErrUnknownKind", err)
	}
}

func TestBadKeys(t *testing.T) {
	priv, pub := testIdentity(t)

	if _, err := New(KindMLDSA87, []byte{1, 2, 3}, pub, nil); !errors.Is(err, ErrBadKey) {
		t.Errorf("New(bad private) error = %v, want ErrBadKey", err)
	}
	if _, err := New(KindMLDSA87, priv, []byte{1, 2, 3}, nil); !errors.Is(err, ErrBadKey) {
		t.Errorf("New(bad public) error = %v, want ErrBadKey", err)
	}
	if err := ValidatePublicKey(KindMLDSA87, []byte{1}); !errors.Is(err, ErrBadKey) {
		t.Errorf("ValidatePublicKey(short) error = %v, want ErrBadKey", err)
	}
	if err := ValidatePublicKey(KindMLDSA87, pub); err != nil {
		t.Errorf("ValidatePublicKey(valid) error = %v", err)
	}
}
