// Package graph implements the pose graph: an append-mostly store of robot
// poses (vertices) linked by relative rigid transforms (edges), spanning
// one or more teach/repeat runs.
//
// Vertices are addressed by a dense integer VertexID (run, sequence) rather
// than shared pointers; lookups return explicit not-found errors instead of
// nil. Concurrent reads are always safe; structural writes (run, vertex and
// edge creation) take the graph-level lock.
package graph

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/trailhead-robotics/retrace/internal/se3"
)

var (
	// ErrRunNotFound is returned when a run id does not exist.
	ErrRunNotFound = errors.New("graph: run not found")
	// ErrVertexNotFound is returned when a vertex id does not exist.
	ErrVertexNotFound = errors.New("graph: vertex not found")
	// ErrEdgeNotFound is returned when no edge links the requested pair.
	ErrEdgeNotFound = errors.New("graph: edge not found")
	// ErrNoActiveRun is returned when a vertex is added before any run.
	ErrNoActiveRun = errors.New("graph: no active run")
)

// RunID identifies one continuous teach or repeat traversal.
type RunID uint32

// VertexID addresses a pose-graph vertex by run and sequence index.
// Sequence indices increase monotonically within a run; there is no
// inherent order across runs.
type VertexID struct {
	Run RunID
	Seq uint32
}

// Invalid returns the explicit invalid vertex id.
func Invalid() VertexID {
	return VertexID{Run: math.MaxUint32, Seq: math.MaxUint32}
}

// Valid reports whether the id refers to a potentially real vertex.
func (v VertexID) Valid() bool { return v != Invalid() }

func (v VertexID) String() string {
	if !v.Valid() {
		return "<invalid>"
	}
	return fmt.Sprintf("%d-%d", v.Run, v.Seq)
}

// Vertex is one pose-graph node. Arbitrary named data streams (scans,
// submaps, diagnostics) attach to a vertex via InsertData/RetrieveData.
type Vertex struct {
	id    VertexID
	stamp time.Time

	mu   sync.RWMutex
	data map[string]any
}

// ID returns the vertex id.
func (v *Vertex) ID() VertexID { return v.id }

// Stamp returns the creation timestamp of the vertex.
func (v *Vertex) Stamp() time.Time { return v.stamp }

// Edge links two vertices with the relative transform T from->to, i.e.
// the pose of To expressed in the frame of From. Privileged edges belong
// to the reference (teach) path.
type Edge struct {
	From       VertexID
	To         VertexID
	T          se3.Transform
	Privileged bool
}

type run struct {
	id       RunID
	vertices []*Vertex
}

// Graph is the dense pose-graph store.
type Graph struct {
	mu    sync.RWMutex
	runs  []*run
	edges map[VertexID][]*Edge // adjacency, both directions
	nEdge int
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{edges: make(map[VertexID][]*Edge)}
}

// Guard holds the graph-level structural lock until Unlock is called.
type Guard struct {
	g    *Graph
	once sync.Once
}

// Unlock releases the structural lock. Safe to call more than once.
func (gd *Guard) Unlock() { gd.once.Do(gd.g.mu.Unlock) }

// LockGuard takes the graph-level structural write lock and returns a
// scope-bound guard. Readers block until the guard is released.
func (g *Graph) LockGuard() *Guard {
	g.mu.Lock()
	return &Guard{g: g}
}

// AddRun starts a new run and returns its id.
func (g *Graph) AddRun() RunID {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := RunID(len(g.runs))
	g.runs = append(g.runs, &run{id: id})
	return id
}

// AddVertex appends a vertex to the most recent run.
func (g *Graph) AddVertex(stamp time.Time) (VertexID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.runs) == 0 {
		return Invalid(), ErrNoActiveRun
	}
	r := g.runs[len(g.runs)-1]
	id := VertexID{Run: r.id, Seq: uint32(len(r.vertices))}
	r.vertices = append(r.vertices, &Vertex{
		id:    id,
		stamp: stamp,
		data:  make(map[string]any),
	})
	return id, nil
}

// AddEdge links two existing vertices with transform T (pose of to in the
// frame of from).
func (g *Graph) AddEdge(from, to VertexID, t se3.Transform, privileged bool) error {
	if !t.IsSet() {
		return fmt.Errorf("graph: edge %v->%v: transform is unset", from, to)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range []VertexID{from, to} {
		if _, err := g.vertexLocked(id); err != nil {
			return fmt.Errorf("graph: edge %v->%v: %w", from, to, err)
		}
	}
	e := &Edge{From: from, To: to, T: t, Privileged: privileged}
	g.edges[from] = append(g.edges[from], e)
	g.edges[to] = append(g.edges[to], e)
	g.nEdge++
	return nil
}

// Vertex looks up a vertex by id.
func (g *Graph) Vertex(id VertexID) (*Vertex, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.vertexLocked(id)
}

// Contains reports whether the vertex exists.
func (g *Graph) Contains(id VertexID) bool {
	_, err := g.Vertex(id)
	return err == nil
}

// EdgeBetween returns the transform T_a_b between two directly linked
// vertices, inverting the stored edge when it points the other way.
func (g *Graph) EdgeBetween(a, b VertexID) (se3.Transform, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, e := range g.edges[a] {
		if e.From == a && e.To == b {
			return e.T, nil
		}
		if e.From == b && e.To == a {
			return e.T.Inverse(), nil
		}
	}
	return se3.Transform{}, fmt.Errorf("graph: %v<->%v: %w", a, b, ErrEdgeNotFound)
}

// Neighbours returns the edges incident on the vertex.
func (g *Graph) Neighbours(id VertexID) []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Edge, len(g.edges[id]))
	copy(out, g.edges[id])
	return out
}

// NumRuns returns the number of runs in the graph.
func (g *Graph) NumRuns() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.runs)
}

// NumVertices returns the total vertex count across all runs.
func (g *Graph) NumVertices() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, r := range g.runs {
		n += len(r.vertices)
	}
	return n
}

// NumEdges returns the total edge count.
func (g *Graph) NumEdges() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nEdge
}

// RunVertices returns the vertex ids of one run in sequence order.
func (g *Graph) RunVertices(id RunID) ([]VertexID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if int(id) >= len(g.runs) {
		return nil, fmt.Errorf("graph: run %d: %w", id, ErrRunNotFound)
	}
	r := g.runs[id]
	out := make([]VertexID, len(r.vertices))
	for i, v := range r.vertices {
		out[i] = v.id
	}
	return out, nil
}

func (g *Graph) vertexLocked(id VertexID) (*Vertex, error) {
	if int(id.Run) >= len(g.runs) {
		return nil, fmt.Errorf("%w: %v", ErrVertexNotFound, id)
	}
	r := g.runs[id.Run]
	if int(id.Seq) >= len(r.vertices) {
		return nil, fmt.Errorf("%w: %v", ErrVertexNotFound, id)
	}
	return r.vertices[id.Seq], nil
}
