package tactic

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"strconv"
	"sync"
)

// ErrLockTimeout is returned when the pipeline lock cannot be acquired
// before the caller's context expires. It is recoverable: the caller may
// retry or abort instead of hanging on a stuck pipeline.
var ErrLockTimeout = errors.New("tactic: pipeline lock timed out")

// rtLock is a re-entrant, context-bounded mutex. Re-entrancy lets a stage
// trigger a graph structural change, which itself takes the pipeline
// lock, from inside an already-locked context without deadlocking.
// Ownership is keyed on the goroutine id.
type rtLock struct {
	mu    sync.Mutex
	owner int64
	depth int
	sem   chan struct{} // capacity 1
}

func newRTLock() *rtLock {
	return &rtLock{sem: make(chan struct{}, 1)}
}

// Acquire takes the lock, re-entering when the calling goroutine already
// owns it. Returns ErrLockTimeout when ctx expires first.
func (l *rtLock) Acquire(ctx context.Context) error {
	g := gid()
	l.mu.Lock()
	if l.owner == g {
		l.depth++
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ErrLockTimeout
	}
	l.mu.Lock()
	l.owner = g
	l.depth = 1
	l.mu.Unlock()
	return nil
}

// Release drops one level of ownership, freeing the lock at depth zero.
func (l *rtLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.depth == 0 || l.owner != gid() {
		panic("tactic: pipeline lock released by non-owner")
	}
	l.depth--
	if l.depth == 0 {
		l.owner = 0
		<-l.sem
	}
}

// Depth returns the nesting depth held by the calling goroutine, zero
// when it does not own the lock.
func (l *rtLock) Depth() int {
	g := gid()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != g {
		return 0
	}
	return l.depth
}

// gid returns the current goroutine id, parsed from the stack header.
func gid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		panic("tactic: cannot parse goroutine id")
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		panic("tactic: cannot parse goroutine id: " + err.Error())
	}
	return id
}
