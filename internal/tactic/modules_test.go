package tactic

import (
	"encoding/json"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/trailhead-robotics/retrace/internal/graph"
	"github.com/trailhead-robotics/retrace/internal/se3"
)

func TestNewModuleUnknownType(t *testing.T) {
	if _, err := NewModule("no_such_module", nil); err == nil {
		t.Error("expected error for unknown module type")
	}
}

func TestRegisteredModulesContainsBuiltins(t *testing.T) {
	names := RegisteredModules()
	want := map[string]bool{
		"downsample":         false,
		"wheel_odometry":     false,
		"keyframe_test":      false,
		"prior_localization": false,
	}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, found := range want {
		if !found {
			t.Errorf("builtin %q not registered", n)
		}
	}
}

func TestDownsampleStride(t *testing.T) {
	m, err := NewModule("downsample", json.RawMessage(`{"stride": 2}`))
	if err != nil {
		t.Fatalf("NewModule: %v", err)
	}
	f := NewFrame(&Scan{Points: []r3.Vec{{X: 0}, {X: 1}, {X: 2}, {X: 3}, {X: 4}}})
	if err := m.Run(f, nil, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.Preprocessed.Points) != 3 {
		t.Errorf("kept %d points, want 3", len(f.Preprocessed.Points))
	}
	if f.Preprocessed.Dropped != 2 {
		t.Errorf("dropped %d points, want 2", f.Preprocessed.Dropped)
	}
}

func TestDownsampleRejectsBadStride(t *testing.T) {
	if _, err := NewModule("downsample", json.RawMessage(`{"stride": 0}`)); err == nil {
		t.Error("expected error for stride 0")
	}
}

func TestWheelOdometryWithoutMotion(t *testing.T) {
	m, err := NewModule("wheel_odometry", nil)
	if err != nil {
		t.Fatalf("NewModule: %v", err)
	}
	f := NewFrame(&Scan{})
	if err := m.Run(f, nil, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.Odometry.Success {
		t.Error("odometry without a motion prior should fail")
	}
}

func TestWheelOdometryPassesMotionThrough(t *testing.T) {
	m, err := NewModule("wheel_odometry", nil)
	if err != nil {
		t.Fatalf("NewModule: %v", err)
	}
	f := NewFrame(&Scan{Motion: se3.FromTranslation(r3.Vec{Z: -0.3})})
	if err := m.Run(f, nil, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !f.Odometry.Success {
		t.Fatal("expected odometry success")
	}
	if z := f.Odometry.TFrameToPrev.Translation().Z; z != -0.3 {
		t.Errorf("TFrameToPrev z = %f, want -0.3", z)
	}
}

func TestKeyframeTestThresholds(t *testing.T) {
	m, err := NewModule("keyframe_test", json.RawMessage(`{"max_distance_m": 1.0}`))
	if err != nil {
		t.Fatalf("NewModule: %v", err)
	}

	cases := []struct {
		dist    float64
		success bool
		want    bool
	}{
		{0.5, true, false},
		{1.0, true, true},
		{2.0, true, true},
		{2.0, false, false},
	}
	for _, tc := range cases {
		f := NewFrame(nil)
		f.Odometry = &OdometryResult{
			Success:              tc.success,
			DistanceSincePetiole: tc.dist,
			VertexCreated:        graph.Invalid(),
		}
		if err := m.Run(f, nil, nil); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if f.Odometry.KeyframeTest != tc.want {
			t.Errorf("dist %.1f success %v: KeyframeTest = %v, want %v",
				tc.dist, tc.success, f.Odometry.KeyframeTest, tc.want)
		}
	}
}

func TestPriorLocalizationCopiesPrior(t *testing.T) {
	m, err := NewModule("prior_localization", nil)
	if err != nil {
		t.Fatalf("NewModule: %v", err)
	}
	f := NewFrame(nil)
	f.Localization = &LocalizationResult{
		Prior: se3.FromTranslation(r3.Vec{Z: -1.5}),
	}
	if err := m.Run(f, nil, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !f.Localization.Success {
		t.Fatal("expected localization success")
	}
	if z := f.Localization.TLiveMap.Translation().Z; z != -1.5 {
		t.Errorf("TLiveMap z = %f, want -1.5", z)
	}

	f2 := NewFrame(nil)
	f2.Localization = &LocalizationResult{}
	if err := m.Run(f2, nil, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f2.Localization.Success {
		t.Error("localization without a prior should fail")
	}
}
