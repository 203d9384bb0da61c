// Package capture holds the per-session preview buffer: a bounded ring of
// the most recent bytes captured from a session's terminal.
package capture

import (
	"sync"
	"time"
)

// RingBuffer is a fixed-capacity byte buffer that keeps the newest bytes
// written to it. It is safe for concurrent use.
//
// Preview frames are stored with ReplaceWith so readers see either the old
// frame or the new one in full. Each replacement bumps Version, which lets
// renderers skip frames they have already drawn.
type RingBuffer struct {
	mu      sync.RWMutex
	data    []byte
	start   int // index of the oldest byte
	n       int // number of valid bytes
	version uint64
	updated time.Time
}

// NewRingBuffer creates a ring buffer holding at most size bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{data: make([]byte, size)}
}

// Write appends p, discarding the oldest bytes once capacity is reached.
// It always returns len(p), nil.
func (r *RingBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLocked(p)
	r.touchLocked()
	return len(p), nil
}

// ReplaceWith discards the current contents and stores p (or its newest
// Cap() bytes) under a single lock acquisition.
func (r *RingBuffer) ReplaceWith(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start, r.n = 0, 0
	r.appendLocked(p)
	r.touchLocked()
}

func (r *RingBuffer) appendLocked(p []byte) {
	size := len(r.data)
	if len(p) >= size {
		copy(r.data, p[len(p)-size:])
		r.start, r.n = 0, size
		return
	}

	end := (r.start + r.n) % size
	first := copy(r.data[end:], p)
	copy(r.data, p[first:])

	r.n += len(p)
	if r.n > size {
		r.start = (r.start + r.n - size) % size
		r.n = size
	}
}

func (r *RingBuffer) touchLocked() {
	r.version++
	r.updated = time.Now()
}

// Bytes returns a copy of the buffered data, oldest first.
func (r *RingBuffer) Bytes() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]byte, r.n)
	first := copy(out, r.data[r.start:min(r.start+r.n, len(r.data))])
	copy(out[first:], r.data[:r.n-first])
	return out
}

// Len returns the number of bytes currently stored.
func (r *RingBuffer) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}

// Cap returns the buffer capacity.
func (r *RingBuffer) Cap() int {
	return len(r.data)
}

// Version returns a counter incremented by every Write and ReplaceWith.
func (r *RingBuffer) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// UpdatedAt returns when the buffer was last written, or the zero time.
func (r *RingBuffer) UpdatedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updated
}

// Reset clears the buffer. The version counter is preserved.
func (r *RingBuffer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start, r.n = 0, 0
}
