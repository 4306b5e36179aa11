package tactic

import (
	"fmt"
	"sync"
)

// FrameBuffer is the bounded queue between pipeline stages of differing
// rates. Frames are admitted as discardable or non-discardable:
//
//   - A discardable push against a buffer full of non-discardable frames
//     fails immediately without blocking.
//   - A non-discardable push against such a buffer blocks until space
//     frees; a non-discardable frame is never silently lost.
//   - Otherwise a full buffer evicts its oldest discardable frame to
//     admit the new one.
//
// Pop always prefers a non-discardable frame over a discardable one,
// regardless of arrival order, so non-discardable frames are never
// starved by discardable churn.
//
// An internal inconsistency panics: it indicates a locking defect, not a
// recoverable condition.
type FrameBuffer struct {
	mu          sync.Mutex
	notFull     *sync.Cond
	notEmpty    *sync.Cond
	sizeChanged *sync.Cond

	capacity int
	entries  []bufferEntry
	closed   bool
}

type bufferEntry struct {
	frame       *Frame
	discardable bool
}

// NewFrameBuffer creates a buffer of the given capacity (minimum 1).
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity < 1 {
		capacity = 1
	}
	b := &FrameBuffer{capacity: capacity}
	b.notFull = sync.NewCond(&b.mu)
	b.notEmpty = sync.NewCond(&b.mu)
	b.sizeChanged = sync.NewCond(&b.mu)
	return b
}

// Push admits a frame. It reports true when a frame left the pipeline as
// a consequence: either the pushed discardable frame was refused, or an
// older discardable frame was evicted to make room. Pushing into a closed
// buffer discards the frame.
func (b *FrameBuffer) Push(f *Frame, discardable bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkLocked()

	if b.closed {
		return true
	}

	for len(b.entries) == b.capacity {
		if idx := b.oldestDiscardableLocked(); idx >= 0 {
			// Evict the oldest discardable frame to admit the new one.
			b.entries = append(b.entries[:idx], b.entries[idx+1:]...)
			b.entries = append(b.entries, bufferEntry{frame: f, discardable: discardable})
			b.sizeChanged.Broadcast()
			b.notEmpty.Signal()
			return true
		}
		// Only non-discardable frames in the buffer.
		if discardable {
			return true
		}
		b.notFull.Wait()
		if b.closed {
			return true
		}
	}

	b.entries = append(b.entries, bufferEntry{frame: f, discardable: discardable})
	b.notEmpty.Signal()
	b.sizeChanged.Broadcast()
	return false
}

// Pop blocks while the buffer is empty and returns the next frame,
// preferring non-discardable entries. It returns nil once the buffer is
// closed and drained.
func (b *FrameBuffer) Pop() *Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.entries) == 0 {
		if b.closed {
			return nil
		}
		b.notEmpty.Wait()
	}
	b.checkLocked()

	idx := 0
	for i, e := range b.entries {
		if !e.discardable {
			idx = i
			break
		}
	}
	f := b.entries[idx].frame
	b.entries = append(b.entries[:idx], b.entries[idx+1:]...)
	b.notFull.Signal()
	b.sizeChanged.Broadcast()
	return f
}

// WaitForSize blocks until the buffer holds exactly n frames or the
// buffer is closed. Used to drain-to-empty for safe reconfiguration.
func (b *FrameBuffer) WaitForSize(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.entries) != n && !b.closed {
		b.sizeChanged.Wait()
	}
}

// Len returns the current occupancy.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Close marks the buffer closed and wakes all waiters. Remaining entries
// can still be popped; further pushes are discarded.
func (b *FrameBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.notFull.Broadcast()
	b.notEmpty.Broadcast()
	b.sizeChanged.Broadcast()
}

// oldestDiscardableLocked returns the index of the oldest discardable
// entry, or -1.
func (b *FrameBuffer) oldestDiscardableLocked() int {
	for i, e := range b.entries {
		if e.discardable {
			return i
		}
	}
	return -1
}

// checkLocked panics on internal inconsistency: by construction the
// occupancy can never exceed capacity, so exceeding it means the lock
// discipline is broken.
func (b *FrameBuffer) checkLocked() {
	if len(b.entries) > b.capacity {
		panic(fmt.Sprintf("tactic: frame buffer holds %d of %d entries", len(b.entries), b.capacity))
	}
}
