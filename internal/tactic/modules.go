package tactic

import (
	"encoding/json"
	"errors"
	"math"

	"github.com/trailhead-robotics/retrace/internal/graph"
)

func init() {
	RegisterModule("downsample", newDownsample)
	RegisterModule("wheel_odometry", newWheelOdometry)
	RegisterModule("keyframe_test", newKeyframeTest)
	RegisterModule("prior_localization", newPriorLocalization)
}

// downsample keeps every Nth point of the raw scan. It is the simplest
// useful preprocessing step and the hook point for heavier filters.
type downsample struct {
	stride int
}

type downsampleConfig struct {
	Stride *int `json:"stride"`
}

func newDownsample(cfg json.RawMessage) (Module, error) {
	stride := 1
	if len(cfg) > 0 {
		var c downsampleConfig
		if err := json.Unmarshal(cfg, &c); err != nil {
			return nil, err
		}
		if c.Stride != nil {
			if *c.Stride < 1 {
				return nil, errors.New("stride must be >= 1")
			}
			stride = *c.Stride
		}
	}
	return &downsample{stride: stride}, nil
}

func (d *downsample) Name() string { return "downsample" }

func (d *downsample) Run(f *Frame, _ *graph.Graph, _ *TaskExecutor) error {
	if f.Scan == nil {
		return errors.New("downsample: frame has no scan")
	}
	res := &PreprocessResult{}
	for i, p := range f.Scan.Points {
		if i%d.stride == 0 {
			res.Points = append(res.Points, p)
		} else {
			res.Dropped++
		}
	}
	f.Preprocessed = res
	return nil
}

// wheelOdometry trusts the scan's external motion prior as the frame's
// odometry estimate. A scan without a prior is an odometry failure, not
// an error: the frame keeps flowing so localization can report it.
type wheelOdometry struct{}

func newWheelOdometry(json.RawMessage) (Module, error) {
	return wheelOdometry{}, nil
}

func (wheelOdometry) Name() string { return "wheel_odometry" }

func (wheelOdometry) Run(f *Frame, _ *graph.Graph, _ *TaskExecutor) error {
	if f.Odometry == nil {
		f.Odometry = &OdometryResult{VertexCreated: graph.Invalid()}
	}
	if f.Scan == nil || !f.Scan.Motion.IsSet() {
		f.Odometry.Success = false
		return nil
	}
	f.Odometry.TFrameToPrev = f.Scan.Motion
	f.Odometry.Success = true
	return nil
}

// keyframeTest decides whether the accumulated motion since the last
// keyframe warrants committing a new one.
type keyframeTest struct {
	maxDistance float64
	maxAngle    float64
}

type keyframeTestConfig struct {
	MaxDistanceM   *float64 `json:"max_distance_m"`
	MaxAngleDegree *float64 `json:"max_angle_degree"`
}

func newKeyframeTest(cfg json.RawMessage) (Module, error) {
	k := &keyframeTest{maxDistance: 0.5, maxAngle: 10 * math.Pi / 180}
	if len(cfg) > 0 {
		var c keyframeTestConfig
		if err := json.Unmarshal(cfg, &c); err != nil {
			return nil, err
		}
		if c.MaxDistanceM != nil {
			if *c.MaxDistanceM <= 0 {
				return nil, errors.New("max_distance_m must be positive")
			}
			k.maxDistance = *c.MaxDistanceM
		}
		if c.MaxAngleDegree != nil {
			if *c.MaxAngleDegree <= 0 {
				return nil, errors.New("max_angle_degree must be positive")
			}
			k.maxAngle = *c.MaxAngleDegree * math.Pi / 180
		}
	}
	return k, nil
}

func (k *keyframeTest) Name() string { return "keyframe_test" }

func (k *keyframeTest) Run(f *Frame, _ *graph.Graph, _ *TaskExecutor) error {
	if f.Odometry == nil {
		return errors.New("keyframe_test: no odometry result on frame")
	}
	if !f.Odometry.Success {
		f.Odometry.KeyframeTest = false
		return nil
	}
	f.Odometry.KeyframeTest = f.Odometry.DistanceSincePetiole >= k.maxDistance ||
		f.Odometry.AngleSincePetiole >= k.maxAngle
	return nil
}

// priorLocalization accepts the chain's prior as the localization result.
// It stands in for scan-to-map registration when no refinement source is
// configured, and keeps the repeat loop closed on odometry alone.
type priorLocalization struct{}

func newPriorLocalization(json.RawMessage) (Module, error) {
	return priorLocalization{}, nil
}

func (priorLocalization) Name() string { return "prior_localization" }

func (priorLocalization) Run(f *Frame, _ *graph.Graph, _ *TaskExecutor) error {
	if f.Localization == nil {
		return errors.New("prior_localization: no localization target on frame")
	}
	if !f.Localization.Prior.IsSet() {
		f.Localization.Success = false
		return nil
	}
	f.Localization.TLiveMap = f.Localization.Prior
	f.Localization.Success = true
	return nil
}
