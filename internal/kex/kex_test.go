package kex

import (
	"bytes"
	"errors"
	"testing"
)

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("mlkem768")
	if err != nil {
		t.Fatalf("ParseKind(mlkem768) error = %v", err)
	}
	if kind != KindMLKEM768 {
		t.Errorf("ParseKind(mlkem768) = %q", kind)
	}

	if _, err := ParseKind("dh"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("ParseKind(dh) error = %v, want ErrUnknownKind", err)
	}
}

// exchange runs a full double exchange between two endpoints the way a
// connection does: inbound and outbound contexts on each side, public
// keys crossed.
func exchange(t *testing.T) (aliceIn, aliceOut, bobIn, bobOut *Exchanger) {
	t.Helper()

	newExchanger := func() *Exchanger {
		x, err := New(KindMLKEM768)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		return x
	}
	aliceIn, aliceOut = newExchanger(), newExchanger()
	bobIn, bobOut = newExchanger(), newExchanger()

	// The inbound context on one side pairs with the outbound on the other.
	pairs := []struct{ a, b *Exchanger }{
		{aliceOut, bobIn},
		{aliceIn, bobOut},
	}
	for _, p := range pairs {
		if err := p.a.SetRemotePublic(p.b.LocalPublic()); err != nil {
			t.Fatalf("SetRemotePublic() error = %v", err)
		}
		if err := p.b.SetRemotePublic(p.a.LocalPublic()); err != nil {
			t.Fatalf("SetRemotePublic() error = %v", err)
		}
		ci, err := p.a.ClientInit()
		if err != nil {
			t.Fatalf("ClientInit() error = %v", err)
		}
		si, err := p.b.ServerInit(ci)
		if err != nil {
			t.Fatalf("ServerInit() error = %v", err)
		}
		if err := p.a.ClientConfirm(si); err != nil {
			t.Fatalf("ClientConfirm() error = %v", err)
		}
	}
	return aliceIn, aliceOut, bobIn, bobOut
}

func TestExchangeSharedSecrets(t *testing.T) {
	aliceIn, aliceOut, bobIn, bobOut := exchange(t)

	secret := func(x *Exchanger) []byte {
		s, err := x.SharedSecret()
		if err != nil {
			t.Fatalf("SharedSecret() error = %v", err)
		}
		if len(s) != SharedSecretSize {
			t.Fatalf("SharedSecret() length = %d, want %d", len(s), SharedSecretSize)
		}
		return s
	}

	// Alice's outbound must equal Bob's inbound, and vice versa.
	if !bytes.Equal(secret(aliceOut), secret(bobIn)) {
		t.Error("alice outbound and bob inbound secrets differ")
	}
	if !bytes.Equal(secret(aliceIn), secret(bobOut)) {
		t.Error("alice inbound and bob outbound secrets differ")
	}

	// The two directions must be independent.
	if bytes.Equal(secret(aliceOut), secret(aliceIn)) {
		t.Error("inbound and outbound secrets are identical")
	}
}

func TestExchangeFreshness(t *testing.T) {
	_, firstOut, _, _ := exchange(t)
	_, secondOut, _, _ := exchange(t)

	a, _ := firstOut.SharedSecret()
	b, _ := secondOut.SharedSecret()
	if bytes.Equal(a, b) {
		t.Error("two independent exchanges produced the same secret")
	}
}

func TestMessageSizes(t *testing.T) {
	_, aliceOut, bobIn, _ := exchange(t)

	pkSize, err := KindMLKEM768.PublicKeySize()
	if err != nil {
		t.Fatalf("PublicKeySize() error = %v", err)
	}
	if got := len(aliceOut.LocalPublic()); got != pkSize {
		t.Errorf("LocalPublic() length = %d, want %d", got, pkSize)
	}

	ciSize, _ := KindMLKEM768.ClientInitSize()
	if ciSize != aliceOut.ClientInitSize() {
		t.Errorf("ClientInitSize mismatch: kind %d, exchanger %d", ciSize, aliceOut.ClientInitSize())
	}
	siSize, _ := KindMLKEM768.ServerInitSize()
	if siSize != bobIn.ServerInitSize() {
		t.Errorf("ServerInitSize mismatch: kind %d, exchanger %d", siSize, bobIn.ServerInitSize())
	}
}

func TestStateViolations(t *testing.T) {
	x, err := New(KindMLKEM768)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := x.ClientInit(); !errors.Is(err, ErrMissingRemoteKey) {
		t.Errorf("ClientInit() before SetRemotePublic error = %v, want ErrMissingRemoteKey", err)
	}
	if _, err := x.ServerInit(make([]byte, x.ClientInitSize())); !errors.Is(err, ErrMissingRemoteKey) {
		t.Errorf("ServerInit() before SetRemotePublic error = %v, want ErrMissingRemoteKey", err)
	}
	if err := x.ClientConfirm(make([]byte, x.ServerInitSize())); !errors.Is(err, ErrIncomplete) {
		t.Errorf("ClientConfirm() before ClientInit error = %v, want ErrIncomplete", err)
	}
	if _, err := x.SharedSecret(); !errors.Is(err, ErrIncomplete) {
		t.Errorf("SharedSecret() before completion error = %v, want ErrIncomplete", err)
	}

	other, _ := New(KindMLKEM768)
	if err := x.SetRemotePublic(other.LocalPublic()); err != nil {
		t.Fatalf("SetRemotePublic() error = %v", err)
	}
	if err := x.SetRemotePublic(other.LocalPublic()); !errors.Is(err, ErrRemoteKeySet) {
		t.Errorf("second SetRemotePublic() error = %v, want ErrRemoteKeySet", err)
	}
}

func TestBadLengths(t *testing.T) {
	x, _ := New(KindMLKEM768)
	other, _ := New(KindMLKEM768)

	if err := x.SetRemotePublic([]byte{1, 2, 3}); !errors.Is(err, ErrBadLength) {
		t.Errorf("SetRemotePublic(short) error = %v, want ErrBadLength", err)
	}
	if err := x.SetRemotePublic(other.LocalPublic()); err != nil {
		t.Fatalf("SetRemotePublic() error = %v", err)
	}
	if _, err := x.ServerInit([]byte{1}); !errors.Is(err, ErrBadLength) {
		t.Errorf("ServerInit(short) error = %v, want ErrBadLength", err)
	}
	if _, err := x.ClientInit(); err != nil {
		t.Fatalf("ClientInit() error = %v", err)
	}
	if err := x.ClientConfirm([]byte{1}); !errors.Is(err, ErrBadLength) {
		t.Errorf("ClientConfirm(short) error = %v, want ErrBadLength", err)
	}
}
