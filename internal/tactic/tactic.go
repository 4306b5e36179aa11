package tactic

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/trailhead-robotics/retrace/internal/graph"
	"github.com/trailhead-robotics/retrace/internal/se3"
)

// ErrPipelineNotLocked is returned by operations that require the caller
// to hold the pipeline lock.
var ErrPipelineNotLocked = errors.New("tactic: pipeline is not locked by caller")

// StagePipeline provides the behavior of the three pipeline stages. The
// controller owns threading, buffering and frame accounting; the
// pipeline owns what happens to a frame at each stage. A stage returning
// an error drops the frame from the pipeline.
type StagePipeline interface {
	Name() string
	Preprocess(f *Frame) error
	OdometryMapping(f *Frame) error
	Localize(f *Frame) error
}

// TacticAware pipelines receive a back-pointer to the controller before
// the stages start, so stage code can take the pipeline lock re-entrantly
// for structural graph changes.
type TacticAware interface {
	AttachTactic(t *Tactic)
}

// StatusReporter pipelines expose a status snapshot that the controller
// publishes after every odometry cycle.
type StatusReporter interface {
	Status() Status
}

// Status is a point-in-time summary of the live pipeline, published at
// the odometry rate.
type Status struct {
	Mode          Mode
	Seq           uint64
	KeyframeCount int
	TrunkSeqID    int
	Localized     bool
	PathComplete  bool
	// TLeafTrunk is the composed live-to-map pose; unset until the chain
	// has both a petiole and a localization.
	TLeafTrunk se3.Transform
}

// Options tunes the controller. Zero values fall back to defaults.
type Options struct {
	BufferSize int // frames per inter-stage buffer
	Workers    int // task executor pool size
	QueueSize  int // task executor pending queue
}

const (
	defaultBufferSize = 4
	defaultWorkers    = 2
	defaultQueueSize  = 8
)

// Tactic runs the three-stage state estimation pipeline. Frames enter
// through Input, flow preprocessing -> odometry/mapping -> localization
// on dedicated goroutines, and are accounted so that LockPipeline can
// wait for a complete drain.
type Tactic struct {
	graph    *graph.Graph
	pipeline StagePipeline
	exec     *TaskExecutor
	lock     *rtLock

	preBuf *FrameBuffer
	odoBuf *FrameBuffer
	locBuf *FrameBuffer

	mode atomic.Int32
	seq  atomic.Uint64

	inFlight *inFlight
	wg       sync.WaitGroup
	joined   atomic.Bool

	statusMu sync.Mutex
	statusCb func(Status)

	preprocessed atomic.Uint64
	odometrized  atomic.Uint64
	localized    atomic.Uint64
	discarded    atomic.Uint64
}

// New builds the controller and starts its stage goroutines.
func New(g *graph.Graph, p StagePipeline, opts Options) *Tactic {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	t := &Tactic{
		graph:    g,
		pipeline: p,
		exec:     NewTaskExecutor(opts.Workers, opts.QueueSize),
		lock:     newRTLock(),
		preBuf:   NewFrameBuffer(opts.BufferSize),
		odoBuf:   NewFrameBuffer(opts.BufferSize),
		locBuf:   NewFrameBuffer(opts.BufferSize),
		inFlight: newInFlight(),
	}
	t.mode.Store(int32(ModeIdle))
	if aware, ok := p.(TacticAware); ok {
		aware.AttachTactic(t)
	}
	t.wg.Add(3)
	go t.preprocessStage()
	go t.odometryStage()
	go t.localizationStage()
	opsf("pipeline %q started", p.Name())
	return t
}

// Executor exposes the background task pool for stage code and modules.
func (t *Tactic) Executor() *TaskExecutor { return t.exec }

// Graph returns the pose graph under estimation.
func (t *Tactic) Graph() *graph.Graph { return t.graph }

// Mode returns the current pipeline mode.
func (t *Tactic) Mode() Mode { return Mode(t.mode.Load()) }

// SetStatusCallback installs the sink for odometry-rate status
// snapshots. A nil callback disables publishing.
func (t *Tactic) SetStatusCallback(cb func(Status)) {
	t.statusMu.Lock()
	t.statusCb = cb
	t.statusMu.Unlock()
}

// Input ingests a scan. It takes the pipeline lock for the hand-off, so
// ingestion is deferred while a guard is held elsewhere; ctx bounds that
// wait. In idle mode the scan is dropped. The frame's discardability
// follows the current mode.
func (t *Tactic) Input(ctx context.Context, scan *Scan) error {
	if err := t.lock.Acquire(ctx); err != nil {
		return err
	}
	defer t.lock.Release()

	mode := t.Mode()
	if mode == ModeIdle {
		t.discarded.Add(1)
		return nil
	}
	f := NewFrame(scan)
	f.Seq = t.seq.Add(1)
	f.Mode = mode
	f.discardable = !mode.requiresEveryFrame()

	t.inFlight.Add(1)
	if t.preBuf.Push(f, f.discardable) {
		t.discarded.Add(1)
		t.frameDone()
	}
	return nil
}

// PipelineGuard holds the pipeline lock. Unlock is idempotent.
type PipelineGuard struct {
	t    *Tactic
	once sync.Once
}

// Unlock releases the guard's hold on the pipeline.
func (g *PipelineGuard) Unlock() {
	g.once.Do(func() { g.t.lock.Release() })
}

// LockPipeline acquires the pipeline lock and, on the outermost
// acquisition, waits until all in-flight frames and background tasks have
// drained. Nested acquisition by the owning goroutine returns
// immediately without draining. On timeout the lock is not held and
// ErrLockTimeout is returned.
func (t *Tactic) LockPipeline(ctx context.Context) (*PipelineGuard, error) {
	if err := t.lock.Acquire(ctx); err != nil {
		return nil, err
	}
	if t.lock.Depth() == 1 {
		if err := t.inFlight.Wait(ctx); err != nil {
			t.lock.Release()
			return nil, ErrLockTimeout
		}
		if err := t.exec.Wait(ctx); err != nil {
			t.lock.Release()
			return nil, ErrLockTimeout
		}
	}
	return &PipelineGuard{t: t}, nil
}

// SetMode changes the pipeline mode. The caller must hold the pipeline
// lock so the mode never flips with frames in flight.
func (t *Tactic) SetMode(m Mode) error {
	if t.lock.Depth() == 0 {
		return ErrPipelineNotLocked
	}
	old := Mode(t.mode.Swap(int32(m)))
	if old != m {
		opsf("mode %s -> %s", old, m)
	}
	return nil
}

// Join shuts the pipeline down: no further frames are admitted, buffered
// frames finish processing, stage goroutines exit and the task executor
// drains. Safe to call more than once.
func (t *Tactic) Join() {
	if !t.joined.CompareAndSwap(false, true) {
		t.wg.Wait()
		return
	}
	t.preBuf.Close()
	t.wg.Wait()
	t.exec.Stop()
	opsf("pipeline %q joined: %d preprocessed, %d odometrized, %d localized, %d discarded",
		t.pipeline.Name(), t.preprocessed.Load(), t.odometrized.Load(),
		t.localized.Load(), t.discarded.Load())
}

// Stats reports per-stage frame counts since start.
func (t *Tactic) Stats() (preprocessed, odometrized, localized, discarded uint64) {
	return t.preprocessed.Load(), t.odometrized.Load(), t.localized.Load(), t.discarded.Load()
}

func (t *Tactic) preprocessStage() {
	defer t.wg.Done()
	defer t.odoBuf.Close()
	for {
		f := t.preBuf.Pop()
		if f == nil {
			return
		}
		if err := t.pipeline.Preprocess(f); err != nil {
			diagf("preprocess frame %d: %v", f.Seq, err)
			t.frameDone()
			continue
		}
		t.preprocessed.Add(1)
		tracef("preprocessed frame %d", f.Seq)
		if t.odoBuf.Push(f, f.discardable) {
			t.discarded.Add(1)
			t.frameDone()
		}
	}
}

func (t *Tactic) odometryStage() {
	defer t.wg.Done()
	defer t.locBuf.Close()
	for {
		f := t.odoBuf.Pop()
		if f == nil {
			return
		}
		if err := t.pipeline.OdometryMapping(f); err != nil {
			diagf("odometry frame %d: %v", f.Seq, err)
			t.frameDone()
			continue
		}
		t.odometrized.Add(1)
		tracef("odometrized frame %d", f.Seq)
		t.publishStatus(f)
		if t.locBuf.Push(f, f.discardable) {
			t.discarded.Add(1)
			t.frameDone()
		}
	}
}

func (t *Tactic) localizationStage() {
	defer t.wg.Done()
	for {
		f := t.locBuf.Pop()
		if f == nil {
			return
		}
		if err := t.pipeline.Localize(f); err != nil {
			diagf("localization frame %d: %v", f.Seq, err)
		} else {
			t.localized.Add(1)
			tracef("localized frame %d", f.Seq)
		}
		t.frameDone()
	}
}

func (t *Tactic) publishStatus(f *Frame) {
	t.statusMu.Lock()
	cb := t.statusCb
	t.statusMu.Unlock()
	if cb == nil {
		return
	}
	rep, ok := t.pipeline.(StatusReporter)
	if !ok {
		return
	}
	s := rep.Status()
	s.Mode = f.Mode
	s.Seq = f.Seq
	cb(s)
}

func (t *Tactic) frameDone() {
	t.inFlight.Add(-1)
}

// inFlight counts frames between ingestion and final disposition, with a
// channel barrier that is closed while the count is zero.
type inFlight struct {
	mu   sync.Mutex
	n    int
	zero chan struct{}
}

func newInFlight() *inFlight {
	return &inFlight{zero: closedChan()}
}

func (c *inFlight) Add(d int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == 0 && d > 0 {
		c.zero = make(chan struct{})
	}
	c.n += d
	if c.n < 0 {
		panic("tactic: in-flight frame count went negative")
	}
	if c.n == 0 && d < 0 {
		close(c.zero)
		c.zero = closedChan()
	}
}

// Wait blocks until the count is zero or ctx expires.
func (c *inFlight) Wait(ctx context.Context) error {
	c.mu.Lock()
	ch := c.zero
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
