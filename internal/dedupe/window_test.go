// ABOUTME: Tests for the bounded dedupe window.
// ABOUTME: Covers FIFO eviction, atomic check-and-mark, and concurrent access.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWindowSeenAndMark(t *testing.T) {
	w := NewWindow(10)

	assert.False(t, w.Seen("msg-1"), "unseen ID should not be reported as seen")

	w.Mark("msg-1")
	assert.True(t, w.Seen("msg-1"), "marked ID should be reported as seen")
	assert.False(t, w.Seen("msg-2"), "different ID should not be reported as seen")
}

func TestWindowCheckAndMark(t *testing.T) {
	w := NewWindow(10)

	assert.False(t, w.CheckAndMark("msg-1"), "first call should report new")
	assert.True(t, w.CheckAndMark("msg-1"), "second call should report duplicate")
}

func TestWindowFIFOEviction(t *testing.T) {
	w := NewWindow(3)

	w.Mark("a")
	w.Mark("b")
	w.Mark("c")
	assert.Equal(t, 3, w.Len())

	// Adding a fourth evicts the oldest
	w.Mark("d")
	assert.Equal(t, 3, w.Len())
	assert.False(t, w.Seen("a"), "oldest ID should be evicted")
	assert.True(t, w.Seen("b"))
	assert.True(t, w.Seen("c"))
	assert.True(t, w.Seen("d"))
}

func TestWindowRemarkDoesNotGrow(t *testing.T) {
	w := NewWindow(3)

	w.Mark("a")
	w.Mark("a")
	w.Mark("a")
	assert.Equal(t, 1, w.Len())
}

func TestWindowDefaultCapacity(t *testing.T) {
	w := NewWindow(0)
	assert.Equal(t, DefaultCapacity, w.capacity)

	w = NewWindow(-5)
	assert.Equal(t, DefaultCapacity, w.capacity)
}

func TestWindowConcurrentCheckAndMark(t *testing.T) {
	w := NewWindow(100)

	// Many goroutines race on the same ID; exactly one must win.
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !w.CheckAndMark("same-id") {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load(), "exactly one goroutine should see the ID as new")
}

func TestWindowConcurrentDistinctIDs(t *testing.T) {
	w := NewWindow(1000)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("msg-%d", n)
			assert.False(t, w.CheckAndMark(id))
			assert.True(t, w.Seen(id))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 100, w.Len())
}
