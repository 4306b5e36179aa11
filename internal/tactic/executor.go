package tactic

import (
	"context"
	"sync"
)

// Task is one fire-and-forget graph-maintenance job.
type Task struct {
	Name string
	Run  func()
}

// TaskExecutor is the background worker pool for maintenance jobs
// dispatched by pipeline stages. Dispatch never blocks the dispatching
// stage: when the queue is full the oldest pending task is dropped and
// counted. Completion is awaited only by the pipeline lock's drain
// barrier, never synchronously by a stage.
type TaskExecutor struct {
	mu      sync.Mutex
	hasWork *sync.Cond
	queue   []Task
	maxQ    int
	running int
	dropped uint64
	stopped bool
	idle    chan struct{} // closed while pending+running == 0

	wg sync.WaitGroup
}

// NewTaskExecutor starts a pool of `workers` goroutines with a pending
// queue of `queueSize` tasks.
func NewTaskExecutor(workers, queueSize int) *TaskExecutor {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	e := &TaskExecutor{maxQ: queueSize, idle: closedChan()}
	e.hasWork = sync.NewCond(&e.mu)
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Dispatch enqueues a task. Dispatching to a stopped executor drops the
// task.
func (e *TaskExecutor) Dispatch(name string, fn func()) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		e.dropped++
		return
	}
	if len(e.queue) == e.maxQ {
		opsf("task executor queue full, dropping oldest task %q", e.queue[0].Name)
		e.queue = e.queue[1:]
		e.dropped++
	}
	if len(e.queue) == 0 && e.running == 0 {
		e.idle = make(chan struct{})
	}
	e.queue = append(e.queue, Task{Name: name, Run: fn})
	e.hasWork.Signal()
}

// Wait blocks until no tasks are pending or running, or ctx expires.
func (e *TaskExecutor) Wait(ctx context.Context) error {
	e.mu.Lock()
	ch := e.idle
	e.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued plus running tasks.
func (e *TaskExecutor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue) + e.running
}

// Dropped returns the count of tasks shed due to queue overflow or
// dispatch-after-stop.
func (e *TaskExecutor) Dropped() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Stop drains the queue, waits for running tasks and stops the workers.
func (e *TaskExecutor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		e.wg.Wait()
		return
	}
	e.stopped = true
	e.hasWork.Broadcast()
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *TaskExecutor) worker() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.stopped {
			e.hasWork.Wait()
		}
		if len(e.queue) == 0 && e.stopped {
			e.mu.Unlock()
			return
		}
		task := e.queue[0]
		e.queue = e.queue[1:]
		e.running++
		e.mu.Unlock()

		task.Run()

		e.mu.Lock()
		e.running--
		if len(e.queue) == 0 && e.running == 0 {
			close(e.idle)
			e.idle = closedChan()
		}
		e.mu.Unlock()
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
