package testutil

import (
	"errors"
	"io"
	"sync"
)

// ErrFlakyFailure is returned when FlakyReader simulates a failure.
var ErrFlakyFailure = errors.New("simulated read failure")

// FlakyReader is an io.ReadCloser that fails after delivering a configured
// number of bytes.
type FlakyReader struct {
	mu sync.Mutex
	// data holds the content read through random access.
	data io.ReaderAt
	// length is the total number of readable bytes.
	length int64
	// failAfter is the byte position after which reads fail; <= 0 never
	// fails.
	failAfter int64
	// pos is the current read position.
	pos    int64
	failed bool
	closed bool
}

// NewFlakyReader creates a reader over data that fails after failAfter
// bytes.
func NewFlakyReader(data io.ReaderAt, length int64, failAfter int) *FlakyReader {
	return &FlakyReader{data: data, length: length, failAfter: int64(failAfter)}
}

// Read implements io.Reader.
func (fr *FlakyReader) Read(p []byte) (int, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.closed {
		return 0, errors.New("read from closed reader")
	}
	if fr.failed {
		return 0, ErrFlakyFailure
	}
	if fr.pos >= fr.length {
		return 0, io.EOF
	}
	toRead := int64(len(p))
	if remaining := fr.length - fr.pos; toRead > remaining {
		toRead = remaining
	}
	if fr.failAfter > 0 && fr.pos+toRead > fr.failAfter {
		toRead = fr.failAfter - fr.pos
		if toRead <= 0 {
			fr.failed = true
			return 0, ErrFlakyFailure
		}
	}
	n, err := fr.data.ReadAt(p[:toRead], fr.pos)
	fr.pos += int64(n)
	if err == io.EOF && fr.pos < fr.length {
		err = nil
	}
	return n, err
}

// Close implements io.Closer.
func (fr *FlakyReader) Close() error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.closed = true
	return nil
}
