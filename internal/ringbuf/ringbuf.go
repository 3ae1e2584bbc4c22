// Package ringbuf provides a fixed-capacity FIFO used for envelope history.
package ringbuf

import "sync"

// Buffer is a fixed-capacity circular buffer. Once full, each Push
// overwrites the oldest element. It allows late subscribers to catch up
// on recent output.
type Buffer[T any] struct {
	mu       sync.RWMutex
	buf      []T
	capacity int
	pos      int // next write position
	full     bool
}

// New creates a buffer with the given capacity. A capacity below one is
// treated as one.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends v. It reports the evicted element, if any.
func (b *Buffer[T]) Push(v T) (evicted T, didEvict bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.full {
		evicted, didEvict = b.buf[b.pos], true
	}
	b.buf[b.pos] = v
	b.pos = (b.pos + 1) % b.capacity
	if b.pos == 0 {
		b.full = true
	}
	return evicted, didEvict
}

// Len returns the number of stored elements.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return b.capacity
	}
	return b.pos
}

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int {
	return b.capacity
}

// ReadAll returns all elements in insertion order.
func (b *Buffer[T]) ReadAll() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.full {
		result := make([]T, b.pos)
		copy(result, b.buf[:b.pos])
		return result
	}

	result := make([]T, b.capacity)
	copy(result, b.buf[b.pos:])
	copy(result[b.capacity-b.pos:], b.buf[:b.pos])
	return result
}
