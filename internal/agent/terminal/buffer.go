package terminal

import (
	"bytes"
	"sync"
	"unicode/utf8"
)

// outputBuffer accumulates combined stdout/stderr. After every append the
// buffer is cut from the front to stay within limit, and the cut always
// lands on a UTF-8 rune start so the retained bytes remain valid text.
type outputBuffer struct {
	mu        sync.Mutex
	data      []byte
	limit     int
	truncated bool
}

func newOutputBuffer(limit int) *outputBuffer {
	if limit < 0 {
		limit = 0
	}
	return &outputBuffer{limit: limit}
}

func (b *outputBuffer) append(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	if len(b.data) <= b.limit {
		return
	}

	start := len(b.data) - b.limit
	for start < len(b.data) && !utf8.RuneStart(b.data[start]) {
		start++
	}
	// Copy so the discarded prefix does not pin the old backing array.
	b.data = append([]byte(nil), b.data[start:]...)
	b.truncated = true
}

func (b *outputBuffer) snapshot() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data), b.truncated
}

// lineWriter is the io.Writer handed to exec.Cmd for one stream. It forwards
// complete lines, each newline-terminated, so that lines written by stdout
// and stderr never interleave mid-line in the shared buffer. A partial line
// longer than the buffer limit is forwarded as is.
//
// exec.Cmd stops waiting for its copy goroutines once WaitDelay expires, so
// Write and flush may run concurrently.
type lineWriter struct {
	mu      sync.Mutex
	buf     *outputBuffer
	pending []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.buf.append(w.pending[:i+1])
		w.pending = w.pending[i+1:]
	}
	if len(w.pending) > w.buf.limit {
		w.buf.append(w.pending)
		w.pending = nil
	}
	return len(p), nil
}

// flush emits a trailing unterminated line with a newline appended.
func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) == 0 {
		return
	}
	line := append(w.pending, '\n')
	w.pending = nil
	w.buf.append(line)
}
