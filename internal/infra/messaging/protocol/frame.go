// Package protocol implements the executor gateway wire format: one UTF-8 JSON
// object per frame, each frame prefixed by its length as a 4-byte big-endian
// unsigned integer.
package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	headerSize = 4

	// DefaultMaxFrameSize bounds a single frame body when no limit is configured.
	DefaultMaxFrameSize = 1 << 20
)

var (
	// ErrFrameTooLarge is returned when a frame's declared length exceeds the
	// configured bound. The body is never read.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrEmptyFrame is returned for a zero-length frame.
	ErrEmptyFrame = errors.New("empty frame")
)

// FrameReader reads length-prefixed frames from a stream. It is not safe for
// concurrent use.
type FrameReader struct {
	r       *bufio.Reader
	maxSize uint32
	header  [headerSize]byte
}

// NewFrameReader creates a FrameReader rejecting frames larger than maxSize
// bytes. A non-positive maxSize selects DefaultMaxFrameSize.
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameReader{r: bufio.NewReader(r), maxSize: uint32(maxSize)}
}

// ReadFrame returns the next frame body. io.EOF is returned unwrapped when the
// stream ends cleanly between frames.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	n := binary.BigEndian.Uint32(fr.header[:])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	if n > fr.maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, fr.maxSize)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}

// FrameWriter writes length-prefixed frames. It is safe for concurrent use so
// the dispatch path can push frames while the connection's read loop replies.
type FrameWriter struct {
	mu      sync.Mutex
	w       io.Writer
	maxSize int
}

// NewFrameWriter creates a FrameWriter. A non-positive maxSize selects
// DefaultMaxFrameSize.
func NewFrameWriter(w io.Writer, maxSize int) *FrameWriter {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameWriter{w: w, maxSize: maxSize}
}

// WriteFrame writes body as a single frame.
func (fw *FrameWriter) WriteFrame(body []byte) error {
	if len(body) == 0 {
		return ErrEmptyFrame
	}
	if len(body) > fw.maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), fw.maxSize)
	}

	buf := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(buf[:headerSize], uint32(len(body)))
	copy(buf[headerSize:], body)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// WriteMessage encodes msg as JSON and writes it as one frame.
func (fw *FrameWriter) WriteMessage(msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return fw.WriteFrame(body)
}
