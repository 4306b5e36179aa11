package graph

import (
	"errors"
	"fmt"
)

// ErrSubgraphSeed is returned when subgraph extraction starts from a
// vertex that does not exist.
var ErrSubgraphSeed = errors.New("graph: subgraph seed not found")

// Evaluator masks which edges a subgraph extraction may traverse.
type Evaluator interface {
	Mask(e *Edge) bool
}

// Privileged traverses only reference-path (teach) edges.
type Privileged struct{}

// Mask implements Evaluator.
func (Privileged) Mask(e *Edge) bool { return e.Privileged }

// TemporalRun traverses only edges within a single run.
type TemporalRun struct{ Run RunID }

// Mask implements Evaluator.
func (t TemporalRun) Mask(e *Edge) bool {
	return e.From.Run == t.Run && e.To.Run == t.Run
}

// Subgraph walks outward from seed across edges admitted by eval and
// returns the visited vertex ids in discovery order. For a linear teach
// run under the Privileged evaluator this is the reference sequence.
func (g *Graph) Subgraph(seed VertexID, eval Evaluator) ([]VertexID, error) {
	if !g.Contains(seed) {
		return nil, fmt.Errorf("%w: %v", ErrSubgraphSeed, seed)
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := map[VertexID]bool{seed: true}
	order := []VertexID{seed}
	queue := []VertexID{seed}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.edges[cur] {
			if !eval.Mask(e) {
				continue
			}
			next := e.To
			if next == cur {
				next = e.From
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			order = append(order, next)
			queue = append(queue, next)
		}
	}
	return order, nil
}
