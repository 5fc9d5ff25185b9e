// Package history keeps bounded, chronologically ordered records such as
// state transitions and connection events.
package history

import "sync"

// Ring is a fixed-size ring buffer that is safe for concurrent use.
type Ring[T any] struct {
	mu    sync.RWMutex
	items []T
	head  int // next write position
	count int
}

// NewRing creates a ring holding at most size entries.
func NewRing[T any](size int) *Ring[T] {
	if size < 1 {
		size = 1
	}
	return &Ring[T]{items: make([]T, size)}
}

// Record adds v, overwriting the oldest entry when full.
func (r *Ring[T]) Record(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[r.head] = v
	r.head = (r.head + 1) % len(r.items)
	if r.count < len(r.items) {
		r.count++
	}
}

// History returns the entries oldest first.
func (r *Ring[T]) History() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return nil
	}
	result := make([]T, r.count)
	if r.count < len(r.items) {
		copy(result, r.items[:r.count])
	} else {
		// Buffer is full, head is the oldest entry.
		n := copy(result, r.items[r.head:])
		copy(result[n:], r.items[:r.head])
	}
	return result
}

func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
