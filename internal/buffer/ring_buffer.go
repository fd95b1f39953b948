// Package buffer provides a bounded byte buffer that keeps only the newest output.
package buffer

import (
	"sync"
)

// RingBuffer is a thread-safe circular buffer holding at most capacity bytes.
// Writes past capacity overwrite the oldest bytes. It is used to keep the tail
// of the agent CLI's output so startup failures can be reported with context.
type RingBuffer struct {
	mu    sync.RWMutex
	buf   []byte
	start int // index of the oldest byte
	size  int
	total int64
}

// NewRingBuffer creates a RingBuffer. A non-positive capacity is treated as 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Write implements io.Writer. It never fails.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.total += int64(n)
	capacity := len(rb.buf)

	if n >= capacity {
		copy(rb.buf, p[n-capacity:])
		rb.start = 0
		rb.size = capacity
		return n, nil
	}

	end := (rb.start + rb.size) % capacity
	first := copy(rb.buf[end:], p)
	copy(rb.buf, p[first:])

	rb.size += n
	if rb.size > capacity {
		rb.start = (rb.start + rb.size - capacity) % capacity
		rb.size = capacity
	}
	return n, nil
}

// ReadAll returns a copy of the buffered bytes, oldest first.
func (rb *RingBuffer) ReadAll() []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.size == 0 {
		return nil
	}

	out := make([]byte, rb.size)
	n := copy(out, rb.buf[rb.start:min(rb.start+rb.size, len(rb.buf))])
	copy(out[n:], rb.buf[:rb.size-n])
	return out
}

// String returns the buffered bytes as a string.
func (rb *RingBuffer) String() string {
	return string(rb.ReadAll())
}

// Reset discards the buffered bytes.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.start = 0
	rb.size = 0
}

// Len returns the number of buffered bytes.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return len(rb.buf)
}

// Written returns the total number of bytes ever written, including overwritten ones.
func (rb *RingBuffer) Written() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.total
}
