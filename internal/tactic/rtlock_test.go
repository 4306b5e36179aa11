package tactic

import (
	"context"
	"testing"
	"time"
)

func TestRTLockReentrant(t *testing.T) {
	l := newRTLock()
	ctx := context.Background()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("re-entrant acquire: %v", err)
	}
	if d := l.Depth(); d != 2 {
		t.Errorf("Depth = %d, want 2", d)
	}
	l.Release()
	if d := l.Depth(); d != 1 {
		t.Errorf("Depth after one release = %d, want 1", d)
	}
	l.Release()
	if d := l.Depth(); d != 0 {
		t.Errorf("Depth after full release = %d, want 0", d)
	}
}

func TestRTLockTimesOut(t *testing.T) {
	l := newRTLock()
	acquired := make(chan struct{})
	release := make(chan struct{})
	go func() {
		l.Acquire(context.Background())
		close(acquired)
		<-release
		l.Release()
	}()
	<-acquired

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); err != ErrLockTimeout {
		t.Errorf("Acquire while held = %v, want ErrLockTimeout", err)
	}

	close(release)
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := l.Acquire(ctx2); err != nil {
		t.Errorf("Acquire after release: %v", err)
	}
	l.Release()
}

func TestRTLockExcludesOtherGoroutines(t *testing.T) {
	l := newRTLock()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err := l.Acquire(ctx)
		if err == nil {
			defer l.Release()
		}
		got <- err
	}()

	select {
	case <-got:
		t.Fatal("other goroutine acquired while lock held")
	case <-time.After(50 * time.Millisecond):
	}
	l.Release()
	if err := <-got; err != nil {
		t.Errorf("other goroutine acquire after release: %v", err)
	}
}

func TestRTLockReleaseByNonOwnerPanics(t *testing.T) {
	l := newRTLock()
	defer func() {
		if recover() == nil {
			t.Error("expected panic on release of unheld lock")
		}
	}()
	l.Release()
}
