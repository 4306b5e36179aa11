package chain

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/trailhead-robotics/retrace/internal/graph"
	"github.com/trailhead-robotics/retrace/internal/se3"
)

const numVertices = 20

// newTestChain builds the canonical two-run graph: teach run R0 with
// privileged edges translating (0,0,-1), live run R1 with edges
// translating (0,0,-0.4), installs the teach sequence and initialises the
// chain at the start of the live run.
func newTestChain(t *testing.T) (*graph.Graph, *Chain) {
	t.Helper()
	g := graph.New()

	g.AddRun()
	for i := 0; i < numVertices; i++ {
		_, err := g.AddVertex(time.Now())
		require.NoError(t, err)
	}
	for i := 0; i < numVertices-1; i++ {
		edge := se3.FromTranslation(r3.Vec{Z: -1}).WithZeroCovariance()
		require.NoError(t, g.AddEdge(
			graph.VertexID{Run: 0, Seq: uint32(i)},
			graph.VertexID{Run: 0, Seq: uint32(i + 1)},
			edge, true))
	}

	g.AddRun()
	for i := 0; i < numVertices; i++ {
		_, err := g.AddVertex(time.Now())
		require.NoError(t, err)
	}
	for i := 0; i < numVertices-1; i++ {
		require.NoError(t, g.AddEdge(
			graph.VertexID{Run: 1, Seq: uint32(i)},
			graph.VertexID{Run: 1, Seq: uint32(i + 1)},
			se3.FromTranslation(r3.Vec{Z: -0.4}), false))
	}

	seq, err := g.Subgraph(graph.VertexID{Run: 0, Seq: 0}, graph.Privileged{})
	require.NoError(t, err)
	require.Len(t, seq, numVertices)

	c := New(g)
	require.NoError(t, c.SetSequence(seq))
	require.NoError(t, c.Expand())
	require.NoError(t, c.SetPetiole(graph.VertexID{Run: 1, Seq: 0}))

	// Seed the first localization the way the repeat state machine does:
	// assume the robot starts at the path start.
	require.NoError(t, c.UpdateBranchToTwig(
		c.PetioleVertexID(), c.TrunkVertexID(), c.TrunkSequenceID(),
		c.TPetioleTrunk(), true))
	return g, c
}

func localize(t *testing.T, c *Chain) {
	t.Helper()
	require.NoError(t, c.UpdateBranchToTwig(
		c.PetioleVertexID(), c.TrunkVertexID(), c.TrunkSequenceID(),
		c.TPetioleTrunk(), true))
}

func TestInitialState(t *testing.T) {
	_, c := newTestChain(t)
	assert.Equal(t, 0, c.TrunkSequenceID())
	assert.Equal(t, graph.VertexID{Run: 0, Seq: 0}, c.TrunkVertexID())
	assert.Equal(t, graph.VertexID{Run: 1, Seq: 0}, c.PetioleVertexID())
	assert.Equal(t, graph.VertexID{Run: 1, Seq: 0}, c.TwigVertexID())
	assert.True(t, c.IsLocalized())
	assert.True(t, se3.AlmostEqual(c.TLeafTrunk(), se3.Identity(), 1e-9))
	assert.InDelta(t, float64(numVertices-1), c.Length(), 1e-9)
}

func TestLocalizationEveryKeyframe(t *testing.T) {
	_, c := newTestChain(t)

	require.NoError(t, c.SetPetiole(graph.VertexID{Run: 1, Seq: 4}))
	require.NoError(t, c.UpdatePetioleToLeaf(se3.Identity(), true))
	localize(t, c)

	// Live pose is z=-1.6; nearest teach vertex is index 2 at z=-2.
	assert.Equal(t, 2, c.TrunkSequenceID())
	assert.InDelta(t, 0.4, math.Abs(c.TLeafTrunk().Translation().Z), 1e-9)

	require.NoError(t, c.SetPetiole(graph.VertexID{Run: 1, Seq: 5}))
	require.NoError(t, c.UpdatePetioleToLeaf(se3.Identity(), true))
	localize(t, c)

	// Live pose z=-2.0 sits exactly on teach vertex 2.
	assert.Equal(t, 2, c.TrunkSequenceID())
	assert.InDelta(t, 0, c.TLeafTrunk().TranslationNorm(), 1e-9)
}

func TestLocalizationEveryFrame(t *testing.T) {
	_, c := newTestChain(t)

	require.NoError(t, c.SetPetiole(graph.VertexID{Run: 1, Seq: 4}))
	require.NoError(t, c.UpdatePetioleToLeaf(se3.Identity(), true))
	localize(t, c)

	// Odometry-only advance by 3 m without a new keyframe.
	require.NoError(t, c.UpdatePetioleToLeaf(se3.FromTranslation(r3.Vec{Z: -3}), true))
	localize(t, c)

	// Live pose z=-4.6; nearest teach vertex is index 5 at z=-5.
	assert.Equal(t, 5, c.TrunkSequenceID())
	assert.InDelta(t, 0.4, math.Abs(c.TLeafTrunk().Translation().Z), 1e-9)
}

func TestLocalizationSkippedFrames(t *testing.T) {
	_, c := newTestChain(t)

	require.NoError(t, c.SetPetiole(graph.VertexID{Run: 1, Seq: 4}))
	require.NoError(t, c.UpdatePetioleToLeaf(se3.Identity(), true))

	// A localization result computed against petiole (1,4)...
	liveVID := c.PetioleVertexID()
	mapVID := c.TrunkVertexID()
	mapSID := c.TrunkSequenceID()
	tLiveMap := c.TPetioleTrunk()

	// ...arrives only after the live run has advanced to (1,10).
	require.NoError(t, c.SetPetiole(graph.VertexID{Run: 1, Seq: 10}))
	require.NoError(t, c.UpdatePetioleToLeaf(se3.Identity(), true))

	require.NoError(t, c.UpdateBranchToTwig(liveVID, mapVID, mapSID, tLiveMap, true))

	// Twig stays at the old live vertex while petiole has moved on;
	// T_petiole_twig bridges the six live edges between them.
	assert.Equal(t, graph.VertexID{Run: 1, Seq: 4}, c.TwigVertexID())
	assert.Equal(t, graph.VertexID{Run: 1, Seq: 10}, c.PetioleVertexID())
	assert.InDelta(t, 2.4, math.Abs(c.TPetioleTwig().Translation().Z), 1e-9)

	// Composed pose: live z=-4.0, trunk vertex 4 at z=-4.
	assert.Equal(t, 4, c.TrunkSequenceID())
	assert.InDelta(t, 0, c.TLeafTrunk().TranslationNorm(), 1e-9)
}

func TestExpandComposition(t *testing.T) {
	_, c := newTestChain(t)
	for _, pair := range [][2]int{{0, 5}, {2, 9}, {3, 19}, {7, 8}} {
		i, j := pair[0], pair[1]
		t0i, err := c.TSequence(0, i)
		require.NoError(t, err)
		tij, err := c.TSequence(i, j)
		require.NoError(t, err)
		t0j, err := c.TSequence(0, j)
		require.NoError(t, err)
		assert.True(t, se3.AlmostEqual(t0i.Mul(tij), t0j, 1e-9),
			"compose(0->%d, %d->%d) != 0->%d", i, i, j, j)
	}
}

func TestLeafAccumulation(t *testing.T) {
	_, c := newTestChain(t)
	lengthBefore := c.Length()

	require.NoError(t, c.SetPetiole(graph.VertexID{Run: 1, Seq: 0}))
	for i := 0; i < 5; i++ {
		require.NoError(t, c.UpdatePetioleToLeaf(se3.FromTranslation(r3.Vec{Z: -1}), true))
	}

	leaf := c.TLeafPetiole().Translation()
	assert.InDelta(t, 0, leaf.X, 1e-12)
	assert.InDelta(t, 0, leaf.Y, 1e-12)
	assert.InDelta(t, -5, leaf.Z, 1e-12)
	assert.Equal(t, lengthBefore, c.Length(), "length must not depend on live state")
}

func TestPetioleResetsLeaf(t *testing.T) {
	_, c := newTestChain(t)
	require.NoError(t, c.UpdatePetioleToLeaf(se3.FromTranslation(r3.Vec{Z: -0.4}), true))
	require.NoError(t, c.SetPetiole(graph.VertexID{Run: 1, Seq: 1}))
	require.NoError(t, c.UpdatePetioleToLeaf(se3.Identity(), true))
	assert.True(t, se3.AlmostEqual(c.TLeafPetiole(), se3.Identity(), 1e-12),
		"leaf pose must equal petiole pose after reset")
}

func TestWindowedTrunkSearch(t *testing.T) {
	_, c := newTestChain(t)
	c.SetSearchWindow(3)

	require.NoError(t, c.SetPetiole(graph.VertexID{Run: 1, Seq: 1}))

	// Localization reports a match far outside the current window around
	// trunk 0. The search must recentre on the reported index and evaluate
	// only a window of candidates, not the whole sequence.
	mapSID := 15
	mapVID := graph.VertexID{Run: 0, Seq: uint32(mapSID)}
	before := c.DistanceEvalCount()
	require.NoError(t, c.UpdateBranchToTwig(
		c.PetioleVertexID(), mapVID, mapSID, se3.Identity(), true))
	evals := c.DistanceEvalCount() - before

	assert.LessOrEqual(t, evals, 2*3+1, "expected a bounded window, not a full rescan")
	assert.Equal(t, mapSID, c.TrunkSequenceID())
}

func TestNotLocalizedOnOdometryFailure(t *testing.T) {
	_, c := newTestChain(t)
	require.True(t, c.IsLocalized())

	leafBefore := c.TLeafPetiole()
	require.NoError(t, c.UpdatePetioleToLeaf(se3.Transform{}, false))
	assert.False(t, c.IsLocalized())
	assert.True(t, se3.AlmostEqual(c.TLeafPetiole(), leafBefore, 1e-12),
		"failed update must not move the leaf")
}

func TestDesyncErrors(t *testing.T) {
	g, _ := newTestChain(t)

	// A fresh chain that has never seen SetPetiole.
	c := New(g)
	seq, err := g.Subgraph(graph.VertexID{Run: 0, Seq: 0}, graph.Privileged{})
	require.NoError(t, err)
	require.NoError(t, c.SetSequence(seq))

	err = c.UpdateBranchToTwig(graph.VertexID{Run: 1, Seq: 0}, seq[0], 0, se3.Identity(), true)
	assert.ErrorIs(t, err, ErrNotExpanded)

	require.NoError(t, c.Expand())
	err = c.UpdateBranchToTwig(graph.VertexID{Run: 1, Seq: 0}, seq[0], 0, se3.Identity(), true)
	assert.ErrorIs(t, err, ErrNoPetiole)

	err = c.UpdatePetioleToLeaf(se3.Identity(), true)
	assert.ErrorIs(t, err, ErrNoPetiole)

	require.NoError(t, c.SetPetiole(graph.VertexID{Run: 1, Seq: 0}))
	err = c.UpdateBranchToTwig(c.PetioleVertexID(), seq[0], numVertices+3, se3.Identity(), true)
	assert.ErrorIs(t, err, ErrSequenceIndex)

	err = c.UpdateBranchToTwig(c.PetioleVertexID(), seq[0], 3, se3.Identity(), true)
	assert.ErrorIs(t, err, ErrVertexMismatch)
}

func TestRecencyRollbackRejected(t *testing.T) {
	_, c := newTestChain(t)
	require.NoError(t, c.SetPetiole(graph.VertexID{Run: 1, Seq: 5}))
	err := c.SetPetiole(graph.VertexID{Run: 1, Seq: 3})
	assert.ErrorIs(t, err, ErrRolledBack)
}

func TestSetSequenceValidation(t *testing.T) {
	g, _ := newTestChain(t)
	c := New(g)

	assert.ErrorIs(t, c.SetSequence(nil), ErrEmptySequence)

	disjoint := []graph.VertexID{
		{Run: 0, Seq: 0},
		{Run: 0, Seq: 5}, // no direct edge
	}
	assert.ErrorIs(t, c.SetSequence(disjoint), ErrNotConnected)
}

func TestResetClearsLiveState(t *testing.T) {
	_, c := newTestChain(t)
	require.NoError(t, c.SetPetiole(graph.VertexID{Run: 1, Seq: 2}))
	c.Reset()
	assert.False(t, c.PetioleVertexID().Valid())
	assert.False(t, c.IsLocalized())
	assert.False(t, c.TLeafTrunk().IsSet())
	// The installed sequence survives a reset.
	assert.Len(t, c.Sequence(), numVertices)
}
