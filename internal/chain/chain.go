// Package chain maintains the localization chain: the five-frame
// composed-transform structure that answers "where is the robot relative
// to the reference path right now".
//
// The five frames, from the live end to the map end:
//
//	leaf:    current live pose from pure odometry since the petiole
//	petiole: most recently created live-run vertex
//	twig:    most recent live-run vertex with a successful localization
//	branch:  reference-sequence vertex used as localization anchor
//	trunk:   nearest reference-sequence vertex to the current position
//
// Robot pose relative to the reference path is the composition of the
// four factors T_leaf_petiole, T_petiole_twig, T_twig_branch and
// T_branch_trunk. Every factor is stored in the same sense as graph
// edges, the displacement from the map-side frame to the live-side
// frame, so the leaf factor accumulates raw odometry increments and the
// composed pose reads trunk-side first:
//
//	TLeafTrunk = T_branch_trunk · T_twig_branch · T_petiole_twig · T_leaf_petiole
//
// Each factor is owned and mutated by exactly one pipeline stage; all
// reads and writes go through the chain's single mutex, and a reader must
// treat one call as one atomic snapshot.
package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/trailhead-robotics/retrace/internal/graph"
	"github.com/trailhead-robotics/retrace/internal/se3"
)

// DefaultSearchWindow is the default half-width, in sequence indices, of
// the sliding trunk search window.
const DefaultSearchWindow = 5

var (
	// ErrEmptySequence is returned by SetSequence for an empty path.
	ErrEmptySequence = errors.New("chain: empty sequence")
	// ErrNotConnected is returned by SetSequence when consecutive ids are
	// not linked by a graph edge.
	ErrNotConnected = errors.New("chain: sequence is not a connected walk")
	// ErrNotExpanded is returned when an operation needs Expand first.
	ErrNotExpanded = errors.New("chain: sequence not expanded")
	// ErrNoPetiole flags an update arriving before the first SetPetiole.
	// This is a stage/chain desynchronization: fatal for the run.
	ErrNoPetiole = errors.New("chain: no petiole set")
	// ErrSequenceIndex flags an out-of-range sequence index from a caller.
	// This is a stage/chain desynchronization: fatal for the run.
	ErrSequenceIndex = errors.New("chain: sequence index out of range")
	// ErrVertexMismatch flags a vertex id that disagrees with the
	// installed sequence at the given index.
	ErrVertexMismatch = errors.New("chain: vertex does not match sequence")
	// ErrRolledBack flags an attempt to move twig or petiole to an older
	// vertex without a new event.
	ErrRolledBack = errors.New("chain: twig/petiole recency rollback")
)

// Chain is the localization chain. All methods are safe for concurrent
// use.
type Chain struct {
	mu sync.RWMutex
	g  *graph.Graph

	seq      []graph.VertexID
	cum      []se3.Transform // cum[i] = T_seq0_seqi, built by Expand
	lengthM  float64
	expanded bool

	trunkSID  int
	branchSID int
	trunkVID  graph.VertexID
	branchVID graph.VertexID
	twigVID   graph.VertexID
	petiole   graph.VertexID

	tLeafPetiole se3.Transform
	tPetioleTwig se3.Transform
	tTwigBranch  se3.Transform
	tBranchTrunk se3.Transform

	localized bool

	window    int
	distEvals int
}

// New creates a chain over the given pose graph.
func New(g *graph.Graph) *Chain {
	return &Chain{
		g:         g,
		trunkVID:  graph.Invalid(),
		branchVID: graph.Invalid(),
		twigVID:   graph.Invalid(),
		petiole:   graph.Invalid(),
		window:    DefaultSearchWindow,
	}
}

// SetSearchWindow overrides the trunk search window half-width.
func (c *Chain) SetSearchWindow(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > 0 {
		c.window = n
	}
}

// SetSequence installs the privileged reference path and invalidates all
// prior chain state. The ids must form a single connected walk through the
// graph. Expand must be called before localization updates.
func (c *Chain) SetSequence(ids []graph.VertexID) error {
	if len(ids) == 0 {
		return ErrEmptySequence
	}
	for i := 0; i+1 < len(ids); i++ {
		if _, err := c.g.EdgeBetween(ids[i], ids[i+1]); err != nil {
			return fmt.Errorf("%w: %v -> %v: %v", ErrNotConnected, ids[i], ids[i+1], err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = append([]graph.VertexID(nil), ids...)
	c.cum = nil
	c.lengthM = 0
	c.expanded = false
	c.resetFramesLocked()
	return nil
}

// Expand precomputes cumulative transforms along the sequence so that the
// transform between any two sequence indices composes in O(1). Required
// after every SetSequence.
func (c *Chain) Expand() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.seq) == 0 {
		return ErrEmptySequence
	}
	cum := make([]se3.Transform, len(c.seq))
	cum[0] = se3.Identity()
	var length float64
	for i := 0; i+1 < len(c.seq); i++ {
		t, err := c.g.EdgeBetween(c.seq[i], c.seq[i+1])
		if err != nil {
			return fmt.Errorf("chain: expand at %d: %w", i, err)
		}
		cum[i+1] = cum[i].Mul(t)
		length += t.TranslationNorm()
	}
	c.cum = cum
	c.lengthM = length
	c.expanded = true
	return nil
}

// Reset clears all live-frame state, keeping the installed sequence. Used
// on mode restart.
func (c *Chain) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetFramesLocked()
}

// SetPetiole records a newly created live-run vertex as the petiole and
// resets T_leaf_petiole to identity: a fresh vertex has zero accumulated
// drift from itself. On the first call the twig collapses onto the petiole
// and, when a sequence is installed, branch and trunk initialise to the
// start of the path.
func (c *Chain) SetPetiole(vid graph.VertexID) error {
	if !c.g.Contains(vid) {
		return fmt.Errorf("chain: set petiole: %w: %v", graph.ErrVertexNotFound, vid)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.petiole.Valid() && vid.Run == c.petiole.Run && vid.Seq < c.petiole.Seq {
		return fmt.Errorf("%w: petiole %v -> %v", ErrRolledBack, c.petiole, vid)
	}

	if !c.twigVID.Valid() {
		// First live vertex: the whole live side of the chain collapses
		// onto it.
		c.twigVID = vid
		c.tPetioleTwig = se3.Identity()
		if !c.tTwigBranch.IsSet() {
			c.tTwigBranch = se3.Identity()
		}
		if c.expanded && !c.tBranchTrunk.IsSet() {
			c.trunkSID = 0
			c.branchSID = 0
			c.trunkVID = c.seq[0]
			c.branchVID = c.seq[0]
			c.tBranchTrunk = se3.Identity()
		}
	} else {
		t, err := c.walkLiveLocked(c.twigVID, vid)
		if err != nil {
			return err
		}
		c.tPetioleTwig = t
	}
	c.petiole = vid
	c.tLeafPetiole = se3.Identity()
	return nil
}

// UpdatePetioleToLeaf composes one odometry cycle's motion onto the
// running leaf estimate. The transform is the displacement from the
// previous leaf pose to the new one, in the same sense as graph edges. On
// success == false the chain is marked not localized and the leaf is left
// untouched, signalling consumers to fall back to the last known pose.
func (c *Chain) UpdatePetioleToLeaf(t se3.Transform, success bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.petiole.Valid() {
		return ErrNoPetiole
	}
	if !success {
		c.localized = false
		return nil
	}
	if !t.IsSet() {
		return errors.New("chain: update leaf with unset transform")
	}
	c.tLeafPetiole = c.tLeafPetiole.Mul(t)
	return nil
}

// UpdateBranchToTwig applies one localization result: twig moves to
// liveVID, branch to mapVID at mapSID, T_twig_branch becomes tLiveMap, and
// the trunk is recomputed as the nearest sequence vertex within a bounded
// sliding window, never by rescanning the whole sequence. When mapSID
// falls outside the current window the window recentres on it.
func (c *Chain) UpdateBranchToTwig(liveVID, mapVID graph.VertexID, mapSID int, tLiveMap se3.Transform, isLocalized bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.expanded {
		return ErrNotExpanded
	}
	if !c.petiole.Valid() {
		return ErrNoPetiole
	}
	if mapSID < 0 || mapSID >= len(c.seq) {
		return fmt.Errorf("%w: %d of %d", ErrSequenceIndex, mapSID, len(c.seq))
	}
	if c.seq[mapSID] != mapVID {
		return fmt.Errorf("%w: %v at %d, sequence has %v", ErrVertexMismatch, mapVID, mapSID, c.seq[mapSID])
	}
	if !tLiveMap.IsSet() {
		return errors.New("chain: localization update with unset transform")
	}
	if c.twigVID.Valid() && liveVID.Run == c.twigVID.Run && liveVID.Seq < c.twigVID.Seq {
		return fmt.Errorf("%w: twig %v -> %v", ErrRolledBack, c.twigVID, liveVID)
	}

	tPetioleTwig, err := c.walkLiveLocked(liveVID, c.petiole)
	if err != nil {
		return err
	}

	c.twigVID = liveVID
	c.branchVID = mapVID
	c.branchSID = mapSID
	c.tTwigBranch = tLiveMap
	c.tPetioleTwig = tPetioleTwig

	c.searchTrunkLocked(mapSID)
	c.localized = isLocalized
	return nil
}

// searchTrunkLocked recomputes the trunk as the sequence vertex nearest to
// the current leaf, scanning only a bounded window. Cost is O(window), not
// O(len(sequence)).
func (c *Chain) searchTrunkLocked(mapSID int) {
	center := c.trunkSID
	if abs(mapSID-center) > c.window {
		// Localization jumped outside the window: slide it rather than
		// rescanning the sequence.
		center = mapSID
	}
	lo, hi := center-c.window, center+c.window
	if lo < 0 {
		lo = 0
	}
	if hi > len(c.seq)-1 {
		hi = len(c.seq) - 1
	}

	tBranchLeaf := c.tTwigBranch.Mul(c.tPetioleTwig).Mul(c.tLeafPetiole)
	cumBranch := c.cum[c.branchSID]

	best, bestDist := c.trunkSID, -1.0
	for sid := lo; sid <= hi; sid++ {
		// Distance from the leaf to candidate vertex sid.
		d := c.cum[sid].Inverse().Mul(cumBranch).Mul(tBranchLeaf).TranslationNorm()
		c.distEvals++
		if bestDist < 0 || d < bestDist {
			best, bestDist = sid, d
		}
	}
	c.trunkSID = best
	c.trunkVID = c.seq[best]
	c.tBranchTrunk = c.cum[best].Inverse().Mul(cumBranch)
}

// walkLiveLocked composes live-run temporal edges from `from` up to `to`,
// in the edge sense (the accumulated displacement from `from` to `to`).
// Both vertices must be in the same run with from.Seq <= to.Seq; a
// missing edge means the calling stage and the chain have desynchronized.
func (c *Chain) walkLiveLocked(from, to graph.VertexID) (se3.Transform, error) {
	if from == to {
		return se3.Identity(), nil
	}
	if from.Run != to.Run || from.Seq > to.Seq {
		return se3.Transform{}, fmt.Errorf("chain: live walk %v -> %v: not a forward walk in one run", from, to)
	}
	t := se3.Identity()
	for s := from.Seq; s < to.Seq; s++ {
		step, err := c.g.EdgeBetween(
			graph.VertexID{Run: from.Run, Seq: s},
			graph.VertexID{Run: from.Run, Seq: s + 1},
		)
		if err != nil {
			return se3.Transform{}, fmt.Errorf("chain: live walk %v -> %v: %w", from, to, err)
		}
		t = t.Mul(step)
	}
	return t, nil
}

// TSequence returns the transform T_i_j between two sequence indices.
// O(1) after Expand.
func (c *Chain) TSequence(i, j int) (se3.Transform, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.expanded {
		return se3.Transform{}, ErrNotExpanded
	}
	if i < 0 || i >= len(c.seq) || j < 0 || j >= len(c.seq) {
		return se3.Transform{}, fmt.Errorf("%w: (%d, %d) of %d", ErrSequenceIndex, i, j, len(c.seq))
	}
	return c.cum[i].Inverse().Mul(c.cum[j]), nil
}

// Length returns the sum of per-edge translation magnitudes along the
// installed sequence, in metres. Zero before Expand. Reporting only;
// independent of the chain composition.
func (c *Chain) Length() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lengthM
}

// Sequence returns a copy of the installed reference sequence.
func (c *Chain) Sequence() []graph.VertexID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]graph.VertexID(nil), c.seq...)
}

// TrunkSequenceID returns the trunk's index into the sequence.
func (c *Chain) TrunkSequenceID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.trunkSID
}

// TrunkVertexID returns the trunk vertex id.
func (c *Chain) TrunkVertexID() graph.VertexID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.trunkVID
}

// BranchVertexID returns the branch vertex id.
func (c *Chain) BranchVertexID() graph.VertexID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.branchVID
}

// TwigVertexID returns the twig vertex id.
func (c *Chain) TwigVertexID() graph.VertexID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.twigVID
}

// PetioleVertexID returns the petiole vertex id.
func (c *Chain) PetioleVertexID() graph.VertexID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.petiole
}

// TLeafPetiole returns the accumulated odometry factor.
func (c *Chain) TLeafPetiole() se3.Transform {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tLeafPetiole
}

// TPetioleTwig returns the accumulated petiole-history factor.
func (c *Chain) TPetioleTwig() se3.Transform {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tPetioleTwig
}

// TTwigBranch returns the localization-result factor.
func (c *Chain) TTwigBranch() se3.Transform {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tTwigBranch
}

// TBranchTrunk returns the along-path factor between branch and trunk.
func (c *Chain) TBranchTrunk() se3.Transform {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tBranchTrunk
}

// TPetioleTrunk composes the map-side factors; the localization stage
// feeds this back as its prior. Unset until the chain is initialised.
func (c *Chain) TPetioleTrunk() se3.Transform {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.allSetLocked() {
		return se3.Transform{}
	}
	return c.tBranchTrunk.Mul(c.tTwigBranch).Mul(c.tPetioleTwig)
}

// TLeafTrunk composes all four factors: the robot pose relative to the
// reference path. Unset until the chain is initialised.
func (c *Chain) TLeafTrunk() se3.Transform {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.allSetLocked() {
		return se3.Transform{}
	}
	return c.tBranchTrunk.Mul(c.tTwigBranch).Mul(c.tPetioleTwig).Mul(c.tLeafPetiole)
}

// IsLocalized reports whether consumers may trust the composed pose.
func (c *Chain) IsLocalized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localized
}

// DistanceEvalCount returns the cumulative number of candidate distance
// evaluations performed by trunk searches. Instrumentation for verifying
// the bounded-window property.
func (c *Chain) DistanceEvalCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.distEvals
}

func (c *Chain) allSetLocked() bool {
	return c.tLeafPetiole.IsSet() && c.tPetioleTwig.IsSet() &&
		c.tTwigBranch.IsSet() && c.tBranchTrunk.IsSet()
}

func (c *Chain) resetFramesLocked() {
	c.trunkSID = 0
	c.branchSID = 0
	c.trunkVID = graph.Invalid()
	c.branchVID = graph.Invalid()
	c.twigVID = graph.Invalid()
	c.petiole = graph.Invalid()
	c.tLeafPetiole = se3.Transform{}
	c.tPetioleTwig = se3.Transform{}
	c.tTwigBranch = se3.Transform{}
	c.tBranchTrunk = se3.Transform{}
	c.localized = false
	if len(c.seq) > 0 {
		c.trunkVID = c.seq[0]
		c.branchVID = c.seq[0]
	}
}

func abs(a int) int {
	if a < 0 {
		return -a
	}
	return a
}
