package tactic

// Mode governs whether the pipeline creates vertices and how localization
// targets are chosen. It may only change while the pipeline is locked and
// drained, so a stage never sees the mode flip mid-cycle.
type Mode int32

const (
	// ModeIdle processes nothing; frames are discarded at ingestion.
	ModeIdle Mode = iota
	// ModeTeach builds the pose graph from a supervised traversal.
	// Frames are discardable: the mapper runs free and may shed load.
	ModeTeach
	// ModeRepeat re-drives a taught path, localizing against the graph.
	// Frames are non-discardable: precise repeat requires every frame.
	ModeRepeat
	// ModeTransition covers mode hand-overs; no vertices are created.
	ModeTransition
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeTeach:
		return "teach"
	case ModeRepeat:
		return "repeat"
	case ModeTransition:
		return "transition"
	default:
		return "unknown"
	}
}

// createsVertices reports whether the mode commits keyframes to the graph.
func (m Mode) createsVertices() bool {
	return m == ModeTeach || m == ModeRepeat
}

// requiresEveryFrame reports whether frames must never be silently
// dropped in this mode.
func (m Mode) requiresEveryFrame() bool {
	return m == ModeRepeat
}
