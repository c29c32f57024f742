package proc

import (
	"strings"
	"sync"
)

// ringBuffer is a fixed-capacity circular buffer of output lines. It keeps
// the most recent lines so late readers can catch up without the buffer
// growing without bound.
type ringBuffer struct {
	mu   sync.RWMutex
	buf  []string
	cap  int
	pos  int // next write position
	full bool
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		buf: make([]string, capacity),
		cap: capacity,
	}
}

// Append splits chunk into lines and writes each to the buffer.
func (rb *ringBuffer) Append(chunk string) {
	for _, line := range strings.Split(strings.TrimRight(chunk, "\n"), "\n") {
		rb.write(line)
	}
}

func (rb *ringBuffer) write(line string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = line
	rb.pos = (rb.pos + 1) % rb.cap
	if rb.pos == 0 {
		rb.full = true
	}
}

// Lines returns all buffered lines in chronological order.
func (rb *ringBuffer) Lines() []string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		out := make([]string, rb.pos)
		copy(out, rb.buf[:rb.pos])
		return out
	}

	out := make([]string, rb.cap)
	copy(out, rb.buf[rb.pos:])
	copy(out[rb.cap-rb.pos:], rb.buf[:rb.pos])
	return out
}

// Tail returns the last n lines joined by newlines.
func (rb *ringBuffer) Tail(n int) string {
	lines := rb.Lines()
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Len returns the number of buffered lines.
func (rb *ringBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.full {
		return rb.cap
	}
	return rb.pos
}

// Reset discards all buffered lines.
func (rb *ringBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.buf = make([]string, rb.cap)
	rb.pos = 0
	rb.full = false
}
