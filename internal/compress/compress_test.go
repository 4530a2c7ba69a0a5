package compress

import (
	"bytes"
	"errors"
	"testing"
)

func TestLZ4RoundTrip(t *testing.T) {
	codec, err := New(KindLZ4)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	payloads := [][]byte{
		nil,
		[]byte("a"),
		[]byte("short payload"),
		bytes.Repeat([]byte("compressible pattern "), 1000),
		{0x01, 0x02, 0x03, 0x04, 0x05},
	}
	for i, payload := range payloads {
		compressed, err := codec.Compress(payload)
		if err != nil {
			t.Fatalf("Compress() payload %d error = %v", i, err)
		}
		got, err := codec.Decompress(compressed)
		if err != nil {
			t.Fatalf("Decompress() payload %d error = %v", i, err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("payload %d round trip mismatch", i)
		}
	}
}

func TestLZ4Shrinks(t *testing.T) {
	codec, _ := New(KindLZ4)
	payload := bytes.Repeat([]byte("aaaaaaaaaaaaaaaa"), 4096)

	compressed, err := codec.Compress(payload)
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if len(compressed) >= len(payload) {
		t.Errorf("compressed %d bytes to %d; expected shrinkage", len(payload), len(compressed))
	}
}

func TestLZ4Corrupt(t *testing.T) {
	codec, _ := New(KindLZ4)

	if _, err := codec.Decompress([]byte{1, 2}); !errors.Is(err, ErrDecompress) {
		t.Errorf("Decompress(short) error = %v, want ErrDecompress", err)
	}

	compressed, err := codec.Compress(bytes.Repeat([]byte("data"), 100))
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	// Claim a far larger uncompressed size than the block holds.
	compressed[0] = 0xFF
	compressed[1] = 0xFF
	if _, err := codec.Decompress(compressed); !errors.Is(err, ErrDecompress) {
		t.Errorf("Decompress(corrupt header) error = %v, want ErrDecompress", err)
	}
}

func TestNonePassthrough(t *testing.T) {
	codec, err := New(KindNone)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	payload := []byte("untouched")
	compressed, _ := codec.Compress(payload)
	if !bytes.Equal(compressed, payload) {
		t.Error("none codec modified the payload")
	}
	got, _ := codec.Decompress(compressed)
	if !bytes.Equal(got, payload) {
		t.Error("none codec round trip mismatch")
	}
}

func TestParseKind(t *testing.T) {
	for _, name := range []string{"none", "lz4"} {
		if _, err := ParseKind(name); err != nil {
			t.Errorf("ParseKind(%q) error = %v", name, err)
		}
	}
	if _, err := ParseKind("zstd"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("ParseKind(zstd) error = %v, want ErrUnknownKind", err)
	}
}
