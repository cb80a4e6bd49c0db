// ABOUTME: Thread-safe bounded recency window for deduplicating webhook events.
// ABOUTME: Used by channel webhook handlers to prevent duplicate message processing.

package dedupe

import (
	"container/list"
	"sync"
)

// DefaultCapacity is the window size used when no capacity is configured.
const DefaultCapacity = 1000

// Window tracks recently seen message IDs up to a fixed capacity. When the
// window is full, the oldest ID is evicted to make room. Uses a doubly-linked
// list to maintain insertion order for O(1) eviction.
//
// Webhook delivery is at-least-once, so an ID falling out of the window (or a
// process restart) can let a very old duplicate through. Downstream writes are
// idempotent, so the only cost is a repeated AI call.
type Window struct {
	mu       sync.RWMutex
	seen     map[string]*list.Element
	order    *list.List // IDs in insertion order (oldest at front)
	capacity int
}

// NewWindow creates a dedupe window holding at most capacity IDs.
// A capacity <= 0 falls back to DefaultCapacity.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{
		seen:     make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
	}
}

// Seen returns true if the ID is currently in the window.
func (w *Window) Seen(id string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	_, ok := w.seen[id]
	return ok
}

// CheckAndMark atomically checks whether an ID has been seen and marks it if
// not. Returns true if the ID was already in the window (duplicate), false if
// it is new and now marked. This prevents TOCTOU races that separate
// Seen/Mark calls would allow under concurrent webhook deliveries.
func (w *Window) CheckAndMark(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.seen[id]; ok {
		return true // Already seen, reject
	}

	w.markLocked(id)
	return false
}

// Mark records that an ID has been seen. If the window is at capacity,
// the oldest ID is evicted to make room.
func (w *Window) Mark(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.markLocked(id)
}

// markLocked is the internal mark implementation. Must be called with mu held.
func (w *Window) markLocked(id string) {
	if _, exists := w.seen[id]; exists {
		return
	}

	if len(w.seen) >= w.capacity {
		w.evictOldest()
	}

	w.seen[id] = w.order.PushBack(id)
}

// evictOldest removes the oldest ID from the window.
// Must be called with mu held. O(1) operation using the linked list.
func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}

	id, _ := front.Value.(string)
	w.order.Remove(front)
	delete(w.seen, id)
}

// Len returns the number of IDs currently tracked.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.seen)
}
