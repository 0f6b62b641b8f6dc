package frame

import (
	"errors"
	"io"
)

const readChunk = 32 * 1024

// Reader yields frames from a byte stream. It is not safe for concurrent use;
// the session reader loop is its only consumer.
type Reader struct {
	r      io.Reader
	limits Limits
	buf    []byte
	chunk  []byte
}

func NewReader(r io.Reader, limits Limits) *Reader {
	return &Reader{r: r, limits: limits, chunk: make([]byte, readChunk)}
}

// Next returns the next frame. A non-fatal *MalformedError is returned after
// the bad frame has already been skipped, so the caller may call Next again.
func (r *Reader) Next() (Frame, error) {
	for {
		f, rest, err := Decode(r.buf, r.limits)
		if err == nil {
			r.consume(rest)
			return f, nil
		}
		var malformed *MalformedError
		if errors.As(err, &malformed) {
			if malformed.Fatal {
				return Frame{}, err
			}
			r.consume(rest)
			return Frame{}, err
		}
		n, readErr := r.r.Read(r.chunk)
		if n > 0 {
			r.buf = append(r.buf, r.chunk[:n]...)
			continue
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) && len(r.buf) > 0 {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, readErr
		}
	}
}

// Buffered reports bytes read from the stream but not yet returned as frames.
func (r *Reader) Buffered() int {
	return len(r.buf)
}

func (r *Reader) consume(rest []byte) {
	if len(rest) == 0 {
		r.buf = r.buf[:0]
		return
	}
	n := copy(r.buf, rest)
	r.buf = r.buf[:n]
}
