package logger

import "sync"

// RingBuffer keeps the most recent items pushed into it, up to a fixed
// capacity. Older entries fall off silently. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu      sync.RWMutex
	entries []T
	next    int
	wrapped bool
}

// NewRingBuffer allocates a buffer holding at most capacity items.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{entries: make([]T, capacity)}
}

// Push stores an item, dropping the oldest one once the buffer is full.
func (b *RingBuffer[T]) Push(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.next] = item
	b.next++
	if b.next == len(b.entries) {
		b.next = 0
		b.wrapped = true
	}
}

// GetAll copies the buffered items out, oldest first.
func (b *RingBuffer[T]) GetAll() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.wrapped {
		return append([]T(nil), b.entries[:b.next]...)
	}
	out := make([]T, 0, len(b.entries))
	out = append(out, b.entries[b.next:]...)
	return append(out, b.entries[:b.next]...)
}

// Len reports how many items are currently buffered.
func (b *RingBuffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.wrapped {
		return len(b.entries)
	}
	return b.next
}

// Clear drops everything buffered so far.
func (b *RingBuffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next = 0
	b.wrapped = false
}
