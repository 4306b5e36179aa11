package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrDataNotFound is returned when a vertex has no stream of the
	// requested name.
	ErrDataNotFound = errors.New("graph: vertex data not found")
	// ErrDataType is returned when a stream exists but holds a different
	// type than requested.
	ErrDataType = errors.New("graph: vertex data type mismatch")
)

// InsertData attaches a named data stream to the vertex, replacing any
// previous value under the same name.
func (v *Vertex) InsertData(name string, value any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.data[name] = value
}

// DataNames returns the names of all attached streams.
func (v *Vertex) DataNames() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.data))
	for n := range v.data {
		names = append(names, n)
	}
	return names
}

// RetrieveData fetches a named stream from a vertex with the expected
// type. A missing stream and a wrongly typed stream are distinct errors so
// callers can tell configuration bugs from absent data.
func RetrieveData[T any](v *Vertex, name string) (T, error) {
	var zero T
	v.mu.RLock()
	raw, ok := v.data[name]
	v.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("%w: %q on %v", ErrDataNotFound, name, v.id)
	}
	val, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %q on %v holds %T", ErrDataType, name, v.id, raw)
	}
	return val, nil
}
