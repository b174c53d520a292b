package stratum

import (
	"bytes"

	"github.com/bardlex/minerelay/pkg/errors"
)

// DefaultMaxLineSize bounds a single pool line.
const DefaultMaxLineSize = 64 * 1024

// LineBuffer reassembles newline delimited messages from arbitrary read chunks.
type LineBuffer struct {
	buf     []byte
	maxSize int

	// discarding is set while the rest of a dropped line is skipped.
	discarding bool
}

// NewLineBuffer creates a buffer that discards partial lines longer than maxSize
func NewLineBuffer(maxSize int) *LineBuffer {
	if maxSize <= 0 {
		maxSize = DefaultMaxLineSize
	}
	return &LineBuffer{maxSize: maxSize}
}

// Feed appends chunk and returns every complete, non-blank line it closes.
// Returned lines are trimmed and do not alias the internal buffer. A
// protocol error is returned alongside the lines when an unterminated line
// outgrows the limit; that line is dropped up to and including its newline.
func (b *LineBuffer) Feed(chunk []byte) ([][]byte, error) {
	if b.discarding {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			return nil, nil
		}
		chunk = chunk[i+1:]
		b.discarding = false
	}
	b.buf = append(b.buf, chunk...)

	var lines [][]byte
	start := 0
	for {
		i := bytes.IndexByte(b.buf[start:], '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(b.buf[start : start+i])
		start += i + 1
		if len(line) == 0 {
			continue
		}
		lines = append(lines, bytes.Clone(line))
	}

	n := copy(b.buf, b.buf[start:])
	b.buf = b.buf[:n]

	if len(b.buf) > b.maxSize {
		size := len(b.buf)
		b.buf = b.buf[:0]
		b.discarding = true
		return lines, errors.New(errors.ErrorTypeProtocol, "frame", "pool line exceeds maximum size").
			WithContext("size", size).
			WithContext("max_size", b.maxSize)
	}

	return lines, nil
}

// Pending returns the number of buffered bytes awaiting a newline
func (b *LineBuffer) Pending() int {
	return len(b.buf)
}

// Reset drops any partial line
func (b *LineBuffer) Reset() {
	b.buf = b.buf[:0]
	b.discarding = false
}
