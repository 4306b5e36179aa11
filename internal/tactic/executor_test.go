package tactic

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecutorRunsTasks(t *testing.T) {
	e := NewTaskExecutor(3, 16)
	defer e.Stop()

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		e.Dispatch("count", func() { count.Add(1) })
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := count.Load(); got != 10 {
		t.Errorf("ran %d tasks, want 10", got)
	}
	if e.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", e.Pending())
	}
}

func TestExecutorDropsOldestWhenQueueFull(t *testing.T) {
	e := NewTaskExecutor(1, 2)
	defer e.Stop()

	gate := make(chan struct{})
	started := make(chan struct{})
	e.Dispatch("blocker", func() {
		close(started)
		<-gate
	})
	<-started

	var mu sync.Mutex
	ran := map[string]bool{}
	mark := func(name string) func() {
		return func() {
			mu.Lock()
			ran[name] = true
			mu.Unlock()
		}
	}
	e.Dispatch("t1", mark("t1"))
	e.Dispatch("t2", mark("t2"))
	e.Dispatch("t3", mark("t3")) // queue full, t1 is shed

	close(gate)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if ran["t1"] {
		t.Error("t1 should have been dropped as the oldest pending task")
	}
	if !ran["t2"] || !ran["t3"] {
		t.Errorf("t2/t3 should have run, got %v", ran)
	}
	if d := e.Dropped(); d != 1 {
		t.Errorf("Dropped = %d, want 1", d)
	}
}

func TestExecutorWaitTimesOut(t *testing.T) {
	e := NewTaskExecutor(1, 4)
	defer e.Stop()

	gate := make(chan struct{})
	e.Dispatch("blocker", func() { <-gate })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := e.Wait(ctx); err == nil {
		t.Error("Wait should time out while a task runs")
	}
	close(gate)
}

func TestExecutorStopRunsQueuedTasks(t *testing.T) {
	e := NewTaskExecutor(2, 16)
	var count atomic.Int32
	for i := 0; i < 8; i++ {
		e.Dispatch("count", func() { count.Add(1) })
	}
	e.Stop()
	if got := count.Load(); got != 8 {
		t.Errorf("ran %d tasks before stop completed, want 8", got)
	}

	e.Dispatch("late", func() { count.Add(1) })
	if got := count.Load(); got != 8 {
		t.Error("task dispatched after stop should not run")
	}
	if e.Dropped() == 0 {
		t.Error("dispatch after stop should count as dropped")
	}
}
