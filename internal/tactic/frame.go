package tactic

import (
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/trailhead-robotics/retrace/internal/graph"
	"github.com/trailhead-robotics/retrace/internal/se3"
)

// Scan is one raw sensor frame handed to Input. Motion optionally carries
// an external odometry prior (wheel encoders, IMU integration) expressed
// as the displacement since the previous scan.
type Scan struct {
	Stamp  time.Time
	Points []r3.Vec
	Motion se3.Transform
}

// PreprocessResult is written by preprocessing modules.
type PreprocessResult struct {
	Points  []r3.Vec
	Dropped int
}

// OdometryResult is written by odometry modules and augmented by the
// pipeline before the vertex-test modules run.
type OdometryResult struct {
	// TFrameToPrev is the estimated displacement since the previous
	// frame, in the same sense as graph edges.
	TFrameToPrev se3.Transform
	Success      bool

	// Filled by the pipeline from the chain, inputs to the vertex test.
	DistanceSincePetiole float64
	AngleSincePetiole    float64

	// Written by vertex-test modules and acted on by the pipeline.
	KeyframeTest bool
	// VertexCreated is the id of the keyframe committed this cycle, or
	// invalid when none was.
	VertexCreated graph.VertexID
}

// LocalizationResult is prepared by the odometry/mapping stage (prior and
// target) and completed by localization modules.
type LocalizationResult struct {
	LiveVID graph.VertexID
	MapVID  graph.VertexID
	MapSID  int
	// Prior is the chain's current map-side estimate T_petiole_trunk,
	// the starting point for map-relative registration.
	Prior se3.Transform
	// TLiveMap is the refined localization result.
	TLiveMap se3.Transform
	Success  bool
}

// Frame is the transient per-cycle container flowing through the
// pipeline. It is owned by exactly one in-flight cycle, handed off
// between stages through the buffers, and never shared concurrently.
// Modules communicate by writing the typed stage results rather than
// returning values, so later modules can read earlier modules' outputs.
type Frame struct {
	ID    string
	Seq   uint64
	Stamp time.Time
	Mode  Mode
	Scan  *Scan

	Preprocessed *PreprocessResult
	Odometry     *OdometryResult
	Localization *LocalizationResult

	discardable bool
}

// NewFrame wraps a scan for ingestion.
func NewFrame(scan *Scan) *Frame {
	stamp := time.Now()
	if scan != nil && !scan.Stamp.IsZero() {
		stamp = scan.Stamp
	}
	return &Frame{
		ID:    uuid.New().String(),
		Stamp: stamp,
		Scan:  scan,
	}
}
