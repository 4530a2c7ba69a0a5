package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	rw := NewRecordWriter(&buf)

	records := [][]byte{
		{},
		[]byte("x"),
		bytes.Repeat([]byte{0x42}, 70000),
	}
	for _, record := range records {
		if err := rw.Write(record); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	rr := NewRecordReader(&buf)
	for i, want := range records {
		got, err := rr.Read()
		if err != nil {
			t.Fatalf("Read() record %d error = %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("record %d mismatch: got %d bytes, want %d", i, len(got), len(want))
		}
	}
	if _, err := rr.Read(); !errors.Is(err, io.EOF) {
		t.Errorf("Read() at end error = %v, want io.EOF", err)
	}
}

func TestRecordTooLarge(t *testing.T) {
	var header [8]byte
	binary.LittleEndian.PutUint64(header[:], MaxRecordSize+1)
	rr := NewRecordReader(bytes.NewReader(header[:]))

	if _, err := rr.Read(); !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("Read() error = %v, want ErrRecordTooLarge", err)
	}

	rw := NewRecordWriter(io.Discard)
	if err := rw.Write(make([]byte, MaxRecordSize+1)); !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("Write() error = %v, want ErrRecordTooLarge", err)
	}
}

func TestRecordTruncated(t *testing.T) {
	// Length prefix cut short.
	rr := NewRecordReader(bytes.NewReader([]byte{1, 2, 3}))
	if _, err := rr.Read(); !errors.Is(err, ErrTruncatedRecord) {
		t.Errorf("Read(short prefix) error = %v, want ErrTruncatedRecord", err)
	}

	// Body cut short.
	var buf bytes.Buffer
	var header [8]byte
	binary.LittleEndian.PutUint64(header[:], 10)
	buf.Write(header[:])
	buf.Write([]byte("short"))

	rr = NewRecordReader(&buf)
	if _, err := rr.Read(); !errors.Is(err, ErrTruncatedRecord) {
		t.Errorf("Read(short body) error = %v, want ErrTruncatedRecord", err)
	}
}
