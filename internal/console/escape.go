package console

import (
	"io"
	"sync"
	"time"
)

const (
	// EscapeChar is Ctrl+] (0x1D).
	EscapeChar = 0x1D

	// EscapeCount is the number of consecutive escape chars needed.
	EscapeCount = 2

	// EscapeTimeout is the maximum time between escape key presses.
	EscapeTimeout = 500 * time.Millisecond
)

// EscapeReader wraps an io.Reader and detects escape sequences.
// When EscapeCount consecutive EscapeChar bytes are read within
// EscapeTimeout, it closes the Escaped channel and returns io.EOF from then
// on. Escape chars that turn out not to be part of a sequence are passed
// through. Read must not be called concurrently.
type EscapeReader struct {
	r   io.Reader
	now func() time.Time

	escaped     chan struct{}
	escapedOnce sync.Once

	pending    int
	lastEscape time.Time
	out        []byte
	buf        []byte
	err        error
}

// NewEscapeReader creates an EscapeReader wrapping the given reader.
func NewEscapeReader(r io.Reader) *EscapeReader {
	return newEscapeReader(r, time.Now)
}

func newEscapeReader(r io.Reader, now func() time.Time) *EscapeReader {
	return &EscapeReader{
		r:       r,
		now:     now,
		escaped: make(chan struct{}),
		buf:     make([]byte, 4096),
	}
}

// Escaped returns a channel that is closed when the escape sequence is detected.
func (e *EscapeReader) Escaped() <-chan struct{} {
	return e.escaped
}

func (e *EscapeReader) isEscaped() bool {
	select {
	case <-e.escaped:
		return true
	default:
		return false
	}
}

// Read returns filtered bytes. Bytes read before an escape sequence are
// returned first, then io.EOF.
func (e *EscapeReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(e.out) == 0 {
		if e.isEscaped() {
			return 0, io.EOF
		}
		if e.err != nil {
			return 0, e.err
		}
		n, err := e.r.Read(e.buf)
		e.filter(e.buf[:n])
		if err != nil {
			if err == io.EOF {
				e.flushPending()
			}
			e.err = err
		}
	}

	n := copy(p, e.out)
	e.out = e.out[n:]
	return n, nil
}

func (e *EscapeReader) filter(b []byte) {
	for _, c := range b {
		if c != EscapeChar {
			e.flushPending()
			e.out = append(e.out, c)
			continue
		}

		now := e.now()
		if e.pending > 0 && now.Sub(e.lastEscape) > EscapeTimeout {
			e.flushPending()
		}
		e.pending++
		e.lastEscape = now
		if e.pending >= EscapeCount {
			e.pending = 0
			e.escapedOnce.Do(func() { close(e.escaped) })
			return
		}
	}
}

func (e *EscapeReader) flushPending() {
	for ; e.pending > 0; e.pending-- {
		e.out = append(e.out, EscapeChar)
	}
}
