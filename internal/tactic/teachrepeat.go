package tactic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trailhead-robotics/retrace/internal/chain"
	"github.com/trailhead-robotics/retrace/internal/graph"
	"github.com/trailhead-robotics/retrace/internal/se3"
)

// ScanDataName is the vertex data stream keyframe scans are stored under.
const ScanDataName = "scan"

// errStaleCandidate is returned when a forced keyframe is requested but
// the only fallback frame on hand is too old to stand in for the robot's
// current surroundings.
var errStaleCandidate = errors.New("tactic: candidate frame is stale")

// Archiver persists graph elements in the background. Implementations
// must be safe for concurrent use; they run on executor workers.
type Archiver interface {
	ArchiveRun(id graph.RunID) error
	ArchiveVertex(v *graph.Vertex) error
	ArchiveEdge(e *graph.Edge) error
}

// TeachRepeatOptions configures the pipeline behavior.
type TeachRepeatOptions struct {
	Preprocessing []Module
	Odometry      []Module
	VertexTest    []Module
	Localization  []Module

	// SearchWindow bounds the trunk search; zero keeps the chain default.
	SearchWindow int
	// CandidateTTL bounds how old a fallback frame may be when a keyframe
	// is forced by odometry failure.
	CandidateTTL time.Duration
	// Archive, when set, receives every committed graph element.
	Archive Archiver
}

const defaultCandidateTTL = 500 * time.Millisecond

// candidate is the most recent frame that passed odometry but was not
// committed as a keyframe. It backs forced keyframe creation when
// odometry breaks down.
type candidate struct {
	stamp    time.Time
	scan     *Scan
	tPetiole se3.Transform
	dist     float64
	angle    float64
}

// TeachRepeat is the teach-and-repeat behavior behind the pipeline
// stages: it estimates motion, commits keyframes, and tracks the robot
// against a previously taught path through the localization chain.
type TeachRepeat struct {
	g     *graph.Graph
	chain *chain.Chain
	opts  TeachRepeatOptions
	tac   *Tactic

	// Live-run state below is touched only by the odometry and
	// localization stage goroutines and by control calls made under the
	// pipeline lock with the stages drained, so it needs no extra lock.
	petiole       graph.VertexID
	tPetioleLeaf  se3.Transform
	distPetiole   float64
	anglePetiole  float64
	cand          *candidate
	keyframes     int
	following     bool
	forcedDropped uint64
}

// NewTeachRepeat builds the pipeline over a graph.
func NewTeachRepeat(g *graph.Graph, opts TeachRepeatOptions) *TeachRepeat {
	if opts.CandidateTTL <= 0 {
		opts.CandidateTTL = defaultCandidateTTL
	}
	c := chain.New(g)
	if opts.SearchWindow > 0 {
		c.SetSearchWindow(opts.SearchWindow)
	}
	return &TeachRepeat{
		g:       g,
		chain:   c,
		opts:    opts,
		petiole: graph.Invalid(),
	}
}

func (p *TeachRepeat) Name() string { return "teach_repeat" }

// AttachTactic wires the controller back-pointer before stages start.
func (p *TeachRepeat) AttachTactic(t *Tactic) { p.tac = t }

// Chain exposes the localization chain for inspection.
func (p *TeachRepeat) Chain() *chain.Chain { return p.chain }

// StartTeach drains the pipeline, opens a new run and switches to teach
// mode. The first successful odometry frame becomes the run's root
// keyframe.
func (p *TeachRepeat) StartTeach(ctx context.Context) (graph.RunID, error) {
	guard, err := p.tac.LockPipeline(ctx)
	if err != nil {
		return 0, err
	}
	defer guard.Unlock()

	id := p.g.AddRun()
	p.resetRunState()
	p.chain.Reset()
	if err := p.tac.SetMode(ModeTeach); err != nil {
		return 0, err
	}
	if p.opts.Archive != nil {
		p.dispatchArchiveRun(id)
	}
	opsf("teaching run %d", id)
	return id, nil
}

// FollowPath drains the pipeline, installs the privileged vertex sequence
// as the path to repeat, opens a run for the repeat traversal and
// switches to repeat mode.
func (p *TeachRepeat) FollowPath(ctx context.Context, ids []graph.VertexID) (graph.RunID, error) {
	guard, err := p.tac.LockPipeline(ctx)
	if err != nil {
		return 0, err
	}
	defer guard.Unlock()

	if err := p.chain.SetSequence(ids); err != nil {
		return 0, fmt.Errorf("follow path: %w", err)
	}
	if err := p.chain.Expand(); err != nil {
		return 0, fmt.Errorf("follow path: %w", err)
	}
	id := p.g.AddRun()
	p.resetRunState()
	p.following = true
	if err := p.tac.SetMode(ModeRepeat); err != nil {
		return 0, err
	}
	if p.opts.Archive != nil {
		p.dispatchArchiveRun(id)
	}
	opsf("repeating %d-vertex path (%.2f m) as run %d", len(ids), p.chain.Length(), id)
	return id, nil
}

// Halt drains the pipeline and idles it.
func (p *TeachRepeat) Halt(ctx context.Context) error {
	guard, err := p.tac.LockPipeline(ctx)
	if err != nil {
		return err
	}
	defer guard.Unlock()
	return p.tac.SetMode(ModeIdle)
}

func (p *TeachRepeat) resetRunState() {
	p.petiole = graph.Invalid()
	p.tPetioleLeaf = se3.Identity()
	p.distPetiole = 0
	p.anglePetiole = 0
	p.cand = nil
	p.keyframes = 0
	p.following = false
}

// Preprocess runs the preprocessing modules in order.
func (p *TeachRepeat) Preprocess(f *Frame) error {
	for _, m := range p.opts.Preprocessing {
		if err := m.Run(f, p.g, p.tac.Executor()); err != nil {
			return fmt.Errorf("%s: %w", m.Name(), err)
		}
	}
	return nil
}

// OdometryMapping estimates motion since the previous frame, maintains
// the chain's leaf, and commits a keyframe when the vertex test fires or
// odometry fails with a fresh candidate on hand.
func (p *TeachRepeat) OdometryMapping(f *Frame) error {
	if f.Odometry == nil {
		f.Odometry = &OdometryResult{VertexCreated: graph.Invalid()}
	}
	for _, m := range p.opts.Odometry {
		if err := m.Run(f, p.g, p.tac.Executor()); err != nil {
			return fmt.Errorf("%s: %w", m.Name(), err)
		}
	}

	if !f.Odometry.Success {
		return p.handleOdometryFailure(f)
	}

	havePetiole := p.petiole != graph.Invalid()
	if !havePetiole {
		if !f.Mode.createsVertices() {
			return nil
		}
		// Root keyframe of the run.
		vid, err := p.createKeyframe(f.Stamp, f.Scan, se3.Transform{})
		if err != nil {
			return err
		}
		f.Odometry.VertexCreated = vid
		return nil
	}

	t := f.Odometry.TFrameToPrev
	p.tPetioleLeaf = p.tPetioleLeaf.Mul(t)
	p.distPetiole += t.TranslationNorm()
	p.anglePetiole += t.RotationAngle()
	if err := p.chain.UpdatePetioleToLeaf(t, true); err != nil && !errors.Is(err, chain.ErrNoPetiole) {
		return fmt.Errorf("chain leaf update: %w", err)
	}

	f.Odometry.DistanceSincePetiole = p.distPetiole
	f.Odometry.AngleSincePetiole = p.anglePetiole
	for _, m := range p.opts.VertexTest {
		if err := m.Run(f, p.g, p.tac.Executor()); err != nil {
			return fmt.Errorf("%s: %w", m.Name(), err)
		}
	}

	if f.Odometry.KeyframeTest && f.Mode.createsVertices() {
		vid, err := p.createKeyframe(f.Stamp, f.Scan, p.tPetioleLeaf)
		if err != nil {
			return err
		}
		f.Odometry.VertexCreated = vid
		return nil
	}

	p.cand = &candidate{
		stamp:    f.Stamp,
		scan:     f.Scan,
		tPetiole: p.tPetioleLeaf,
		dist:     p.distPetiole,
		angle:    p.anglePetiole,
	}
	return nil
}

// handleOdometryFailure keeps the chain honest about the dead-reckoning
// break and, in mapping modes, falls back to the last candidate frame so
// the graph does not end with a long untracked gap.
func (p *TeachRepeat) handleOdometryFailure(f *Frame) error {
	if p.petiole != graph.Invalid() {
		if err := p.chain.UpdatePetioleToLeaf(se3.Identity(), false); err != nil && !errors.Is(err, chain.ErrNoPetiole) {
			return fmt.Errorf("chain leaf update: %w", err)
		}
	}
	if !f.Mode.createsVertices() || p.petiole == graph.Invalid() {
		return nil
	}
	c := p.cand
	if c == nil || f.Stamp.Sub(c.stamp) > p.opts.CandidateTTL {
		p.forcedDropped++
		return errStaleCandidate
	}
	vid, err := p.createKeyframe(c.stamp, c.scan, c.tPetiole)
	if err != nil {
		return err
	}
	f.Odometry.VertexCreated = vid
	diagf("forced keyframe %v from candidate after odometry failure", vid)
	return nil
}

// createKeyframe commits a vertex for the scan, links it to the previous
// keyframe, advances the chain's petiole and resets the accumulators.
// tPetioleNew is ignored for the run's root keyframe.
func (p *TeachRepeat) createKeyframe(stamp time.Time, scan *Scan, tPetioleNew se3.Transform) (graph.VertexID, error) {
	vid, err := p.g.AddVertex(stamp)
	if err != nil {
		return graph.Invalid(), fmt.Errorf("keyframe vertex: %w", err)
	}
	var edge *graph.Edge
	if p.petiole != graph.Invalid() {
		privileged := p.tac.Mode() == ModeTeach
		if err := p.g.AddEdge(p.petiole, vid, tPetioleNew, privileged); err != nil {
			return graph.Invalid(), fmt.Errorf("keyframe edge: %w", err)
		}
		edge = &graph.Edge{From: p.petiole, To: vid, T: tPetioleNew, Privileged: privileged}
	}
	v, err := p.g.Vertex(vid)
	if err != nil {
		return graph.Invalid(), err
	}
	if scan != nil {
		v.InsertData(ScanDataName, scan)
	}
	if err := p.chain.SetPetiole(vid); err != nil {
		return graph.Invalid(), fmt.Errorf("chain petiole: %w", err)
	}

	p.petiole = vid
	p.tPetioleLeaf = se3.Identity()
	p.distPetiole = 0
	p.anglePetiole = 0
	p.cand = nil
	p.keyframes++
	tracef("keyframe %v committed", vid)

	if p.opts.Archive != nil {
		p.dispatchArchiveKeyframe(v, edge)
	}
	return vid, nil
}

// Localize refines the map-relative pose on keyframe frames while
// following a path.
func (p *TeachRepeat) Localize(f *Frame) error {
	if f.Mode != ModeRepeat || !p.following {
		return nil
	}
	if f.Odometry == nil || f.Odometry.VertexCreated == graph.Invalid() {
		return nil
	}
	f.Localization = &LocalizationResult{
		LiveVID: f.Odometry.VertexCreated,
		MapVID:  p.chain.TrunkVertexID(),
		MapSID:  p.chain.TrunkSequenceID(),
		Prior:   p.chain.TPetioleTrunk(),
	}
	for _, m := range p.opts.Localization {
		if err := m.Run(f, p.g, p.tac.Executor()); err != nil {
			return fmt.Errorf("%s: %w", m.Name(), err)
		}
	}
	res := f.Localization
	if !res.Success {
		diagf("localization failed for %v against %v", res.LiveVID, res.MapVID)
		return nil
	}
	if err := p.chain.UpdateBranchToTwig(res.LiveVID, res.MapVID, res.MapSID, res.TLiveMap, true); err != nil {
		return fmt.Errorf("chain localization update: %w", err)
	}
	tracef("localized %v against %v (trunk sid %d)", res.LiveVID, res.MapVID, p.chain.TrunkSequenceID())
	return nil
}

// Status summarizes the live pipeline for odometry-rate publishing.
func (p *TeachRepeat) Status() Status {
	s := Status{
		KeyframeCount: p.keyframes,
		Localized:     p.chain.IsLocalized(),
		TLeafTrunk:    p.chain.TLeafTrunk(),
	}
	if p.following {
		s.TrunkSeqID = p.chain.TrunkSequenceID()
		seq := p.chain.Sequence()
		s.PathComplete = len(seq) > 0 && s.TrunkSeqID == len(seq)-1 && s.Localized
	}
	return s
}

func (p *TeachRepeat) dispatchArchiveRun(id graph.RunID) {
	arch := p.opts.Archive
	p.tac.Executor().Dispatch("archive_run", func() {
		if err := arch.ArchiveRun(id); err != nil {
			diagf("archiving run %d: %v", id, err)
		}
	})
}

func (p *TeachRepeat) dispatchArchiveKeyframe(v *graph.Vertex, e *graph.Edge) {
	arch := p.opts.Archive
	p.tac.Executor().Dispatch("archive_keyframe", func() {
		if err := arch.ArchiveVertex(v); err != nil {
			diagf("archiving vertex %v: %v", v.ID(), err)
			return
		}
		if e != nil {
			if err := arch.ArchiveEdge(e); err != nil {
				diagf("archiving edge %v->%v: %v", e.From, e.To, err)
			}
		}
	})
}
