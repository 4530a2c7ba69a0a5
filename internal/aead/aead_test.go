package aead

import (
	"bytes"
	"crypto/rand"
	"errors"
	"math"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func pair(t *testing.T, kind Kind) (*Encryptor, *Decryptor) {
	t.Helper()
	key := testKey(t)
	enc, err := NewEncryptor(kind, key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	dec, err := NewDecryptor(kind, key)
	if err != nil {
		t.Fatalf("NewDecryptor() error = %v", err)
	}
	return enc, dec
}

func TestRoundTrip(t *testing.T) {
	for _, kind := range []Kind{KindAESGCM, KindChaCha20Poly1305} {
		t.Run(kind.String(), func(t *testing.T) {
			enc, dec := pair(t, kind)

			for _, plaintext := range [][]byte{
				nil,
				[]byte("a"),
				[]byte("The missile knows where it is at all times"),
				bytes.Repeat([]byte{0xAB}, 1<<16),
			} {
				buf := make([]byte, len(plaintext))
				copy(buf, plaintext)

				ciphertext, err := enc.Encrypt(buf, nil)
				if err != nil {
					t.Fatalf("Encrypt() error = %v", err)
				}
				if len(ciphertext) != len(plaintext)+TagSize {
					t.Fatalf("ciphertext length = %d, want %d", len(ciphertext), len(plaintext)+TagSize)
				}

				got, err := dec.Decrypt(ciphertext, nil)
				if err != nil {
					t.Fatalf("Decrypt() error = %v", err)
				}
				if !bytes.Equal(got, plaintext) {
					t.Errorf("round trip mismatch for %d-byte plaintext", len(plaintext))
				}
			}
		})
	}
}

func TestRoundTripWithAdditionalData(t *testing.T) {
	enc, dec := pair(t, KindAESGCM)

	ad := []byte("header")
	ciphertext, err := enc.Encrypt([]byte("payload"), ad)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := dec.Decrypt(ciphertext, []byte("other")); !errors.Is(err, ErrCipherFailure) {
		t.Errorf("Decrypt() with wrong ad error = %v, want ErrCipherFailure", err)
	}
}

func TestTamperedCiphertext(t *testing.T) {
	enc, dec := pair(t, KindAESGCM)

	ciphertext, err := enc.Encrypt([]byte("records must not survive bit flips"), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	tampered := make([]byte, len(ciphertext))
	copy(tampered, ciphertext)
	tampered[0] ^= 0x01

	if _, err := dec.Decrypt(tampered, nil); !errors.Is(err, ErrCipherFailure) {
		t.Fatalf("Decrypt(tampered) error = %v, want ErrCipherFailure", err)
	}

	// The failed decrypt must not advance the counter, so the
	// untampered record still decrypts.
	if _, err := dec.Decrypt(ciphertext, nil); err != nil {
		t.Errorf("Decrypt() after failed attempt error = %v", err)
	}
}

func TestReorderedRecordsFail(t *testing.T) {
	enc, dec := pair(t, KindAESGCM)

	first, err := enc.Encrypt(append([]byte(nil), "first"...), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	second, err := enc.Encrypt(append([]byte(nil), "second"...), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	// Swapped delivery: the decryptor's counter is at 0 but the record
	// was sealed at 1.
	if _, err := dec.Decrypt(second, nil); !errors.Is(err, ErrCipherFailure) {
		t.Fatalf("Decrypt(out of order) error = %v, want ErrCipherFailure", err)
	}
	if _, err := dec.Decrypt(first, nil); err != nil {
		t.Errorf("Decrypt(in order) error = %v", err)
	}
}

func TestDistinctNonces(t *testing.T) {
	enc, _ := pair(t, KindAESGCM)

	plaintext := []byte("same plaintext")
	a, err := enc.Encrypt(append([]byte(nil), plaintext...), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	b, err := enc.Encrypt(append([]byte(nil), plaintext...), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("two records with the same plaintext have identical ciphertext")
	}
}

func TestNonceOverflow(t *testing.T) {
	enc, _ := pair(t, KindAESGCM)
	enc.nonce = nonce{lo: math.MaxUint64, hi: math.MaxUint32}

	if _, err := enc.Encrypt([]byte("never sent"), nil); !errors.Is(err, ErrNonceOverflow) {
		t.Fatalf("Encrypt() at exhausted counter error = %v, want ErrNonceOverflow", err)
	}

	_, dec := pair(t, KindChaCha20Poly1305)
	dec.nonce = nonce{lo: math.MaxUint64, hi: math.MaxUint32}
	if _, err := dec.Decrypt(make([]byte, TagSize+1), nil); !errors.Is(err, ErrNonceOverflow) {
		t.Fatalf("Decrypt() at exhausted counter error = %v, want ErrNonceOverflow", err)
	}
}

func TestNonceCarry(t *testing.T) {
	n := nonce{lo: math.MaxUint64}
	n.advance()
	if n.lo != 0 || n.hi != 1 {
		t.Errorf("advance() across carry = {lo: %d, hi: %d}, want {0, 1}", n.lo, n.hi)
	}

	var out [NonceSize]byte
	n.bytes(&out)
	want := [NonceSize]byte{8: 1}
	if out != want {
		t.Errorf("bytes() = %v, want %v", out, want)
	}
}

func TestBadKeyLength(t *testing.T) {
	if _, err := NewEncryptor(KindAESGCM, make([]byte, 16)); !errors.Is(err, ErrBadKeyLength) {
		t.Errorf("NewEncryptor(short key) error = %v, want ErrBadKeyLength", err)
	}
	if _, err := NewDecryptor(KindChaCha20Poly1305, nil); !errors.Is(err, ErrBadKeyLength) {
		t.Errorf("NewDecryptor(nil key) error = %v, want ErrBadKeyLength", err)
	}
}

func TestParseKind(t *testing.T) {
	for _, name := range []string{"aes-256-gcm", "chacha20-poly1305"} {
		if _, err := ParseKind(name); err != nil {
			t.Errorf("ParseKind(%q) error = %v", name, err)
		}
	}
	if _, err := ParseKind("des"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("ParseKind(des) error = %v, want ErrUnknownKind", err)
	}
}
