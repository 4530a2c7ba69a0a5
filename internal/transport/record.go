package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxRecordSize is the sanity cap on one record's ciphertext. A
	// length beyond it is treated as a framing error, not an
	// allocation request.
	MaxRecordSize = 16 << 20

	// recordHeaderSize is the length prefix size in bytes.
	recordHeaderSize = 8
)

var (
	// ErrRecordTooLarge is returned when a record exceeds MaxRecordSize.
	ErrRecordTooLarge = errors.New("record exceeds maximum size")

	// ErrTruncatedRecord is returned on EOF in the middle of a record.
	ErrTruncatedRecord = errors.New("stream ended mid-record")
)

// RecordReader reads length-prefixed records from a stream.
// Record format: u64 little-endian ciphertext length, then the
// ciphertext itself.
type RecordReader struct {
	r      io.Reader
	header [recordHeaderSize]byte
}

// NewRecordReader creates a new RecordReader.
func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{r: r}
}

// Read reads the next record. A clean EOF on the length prefix is
// returned as io.EOF; an EOF anywhere else is a truncation error.
func (rr *RecordReader) Read() ([]byte, error) {
	if _, err := io.ReadFull(rr.r, rr.header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: short length prefix", ErrTruncatedRecord)
		}
		return nil, err
	}

	length := binary.LittleEndian.Uint64(rr.header[:])
	if length > MaxRecordSize {
		return nil, fmt.Errorf("%w: length %d", ErrRecordTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(rr.r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: short body", ErrTruncatedRecord)
		}
		return nil, err
	}
	return body, nil
}

// RecordWriter writes length-prefixed records to a stream.
type RecordWriter struct {
	w      *bufio.Writer
	header [recordHeaderSize]byte
}

// NewRecordWriter creates a new RecordWriter.
func NewRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{w: bufio.NewWriter(w)}
}

// Write writes one record and flushes it to the stream.
func (rw *RecordWriter) Write(ciphertext []byte) error {
	if len(ciphertext) > MaxRecordSize {
		return fmt.Errorf("%w: length %d", ErrRecordTooLarge, len(ciphertext))
	}
	binary.LittleEndian.PutUint64(rw.header[:], uint64(len(ciphertext)))
	if _, err := rw.w.Write(rw.header[:]); err != nil {
		return err
	}
	if _, err := rw.w.Write(ciphertext); err != nil {
		return err
	}
	return rw.w.Flush()
}
