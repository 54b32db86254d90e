package sim

import (
	"math"
	"testing"
	"time"

	"compass-ng/internal/fusion"
)

func TestScenario_ParseAndInterpolateAngleWrap(t *testing.T) {
	yaml := []byte(`
version: 1
# duration derived from last keyframe
keyframes:
  - t: 0s
    heading_deg: 350
  - t: 10s
    heading_deg: 10
`)

	script, err := ParseScriptYAML(yaml)
	if err != nil {
		t.Fatalf("ParseScriptYAML: %v", err)
	}
	scn, err := NewScenario(script)
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	if scn.Duration() != 10*time.Second {
		t.Fatalf("duration: got %s want %s", scn.Duration(), 10*time.Second)
	}

	// 350 -> 10 goes through north: halfway is 0.
	if got := scn.HeadingAt(5*time.Second, false); got != 0 {
		t.Fatalf("heading wrap interpolation: got %v want 0", got)
	}
	if got := scn.HeadingAt(2500*time.Millisecond, false); math.Abs(got-355) > 1e-9 {
		t.Fatalf("heading: got %v want 355", got)
	}
}

func TestScenario_LoopAndClamp(t *testing.T) {
	script := Script{
		Duration: 10 * time.Second,
		Keyframes: []Keyframe{
			{T: 0, HeadingDeg: 0},
			{T: 10 * time.Second, HeadingDeg: 100},
		},
	}
	scn, err := NewScenario(script)
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	if got := scn.HeadingAt(15*time.Second, false); got != 100 {
		t.Fatalf("clamp: got %v want 100", got)
	}
	if got := scn.HeadingAt(15*time.Second, true); got != 50 {
		t.Fatalf("loop: got %v want 50", got)
	}
	if got := scn.HeadingAt(-time.Second, false); got != 0 {
		t.Fatalf("negative: got %v want 0", got)
	}
}

func TestScenario_Failures(t *testing.T) {
	script, err := ParseScriptYAML([]byte(`
keyframes:
  - t: 0s
    heading_deg: 0
failures:
  - t: 3s
    tier: abs
    error: not_readable
`))
	if err != nil {
		t.Fatalf("ParseScriptYAML: %v", err)
	}
	scn, err := NewScenario(script)
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	if scn.Duration() != 3*time.Second {
		t.Fatalf("duration=%s want 3s", scn.Duration())
	}
	if _, ok := scn.FailureBetween(fusion.TierAbsoluteOrientation, 0, 2*time.Second); ok {
		t.Fatalf("failure fired early")
	}
	code, ok := scn.FailureBetween(fusion.TierAbsoluteOrientation, 2*time.Second, 3*time.Second)
	if !ok || code != "not_readable" {
		t.Fatalf("code=%q ok=%v", code, ok)
	}
	if _, ok := scn.FailureBetween(fusion.TierMagnetometerGyroscope, 0, 10*time.Second); ok {
		t.Fatalf("failure fired for wrong tier")
	}
}

func TestNewScenario_Rejects(t *testing.T) {
	for name, script := range map[string]Script{
		"version":    {Version: 2, Keyframes: []Keyframe{{}}},
		"empty":      {},
		"unsorted":   {Keyframes: []Keyframe{{T: time.Second}, {T: 0}}},
		"negative":   {Keyframes: []Keyframe{{T: -time.Second}}},
		"bad tier":   {Keyframes: []Keyframe{{}}, Failures: []Failure{{T: time.Second, Tier: "sonar"}}},
		"bad fail t": {Keyframes: []Keyframe{{}}, Failures: []Failure{{T: -1, Tier: "abs"}}},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := NewScenario(script); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
