package sim

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"compass-ng/internal/fusion"
	"compass-ng/internal/heading"
)

// Script is a deterministic heading timeline for the simulated device.
//
// Time is expressed as Go duration strings (e.g. "0s", "250ms", "10s").
// If Duration is zero, it is derived from the latest keyframe or failure.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 20s
//	keyframes:
//	  - t: 0s
//	    heading_deg: 350
//	  - t: 5s
//	    heading_deg: 10
//	failures:
//	  - t: 3s
//	    tier: abs
//	    error: not_readable
//
// Keyframes must use non-decreasing t values. Headings interpolate along
// the shorter arc.
type Script struct {
	Version   int           `yaml:"version"`
	Duration  time.Duration `yaml:"duration"`
	Keyframes []Keyframe    `yaml:"keyframes"`
	Failures  []Failure     `yaml:"failures"`
}

type Keyframe struct {
	T          time.Duration `yaml:"t"`
	HeadingDeg float64       `yaml:"heading_deg"`
}

// Failure makes a tier report a runtime sensor error at T.
// Error is one of permission_denied, not_readable, unavailable or free text.
type Failure struct {
	T     time.Duration `yaml:"t"`
	Tier  string        `yaml:"tier"`
	Error string        `yaml:"error"`
}

type failure struct {
	at   time.Duration
	tier fusion.Tier
	code string
}

// Scenario is the validated, runtime representation of a Script.
type Scenario struct {
	keyframes []Keyframe
	failures  []failure
	duration  time.Duration
}

func LoadScript(path string) (Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Script{}, err
	}
	return ParseScriptYAML(b)
}

func ParseScriptYAML(b []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Script{}, err
	}
	return s, nil
}

// NewScenario validates script.
func NewScenario(script Script) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	if len(script.Keyframes) == 0 {
		return nil, fmt.Errorf("keyframes is required")
	}
	var maxT time.Duration
	for i, kf := range script.Keyframes {
		if kf.T < 0 {
			return nil, fmt.Errorf("keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && kf.T < script.Keyframes[i-1].T {
			return nil, fmt.Errorf("keyframes must be sorted by t (index %d)", i)
		}
		maxT = max(maxT, kf.T)
	}

	sc := &Scenario{keyframes: script.Keyframes}
	for i, f := range script.Failures {
		tier, ok := fusion.ParseTier(f.Tier)
		if !ok {
			return nil, fmt.Errorf("failures[%d].tier %q is unknown", i, f.Tier)
		}
		if f.T < 0 {
			return nil, fmt.Errorf("failures[%d].t must be >= 0", i)
		}
		sc.failures = append(sc.failures, failure{at: f.T, tier: tier, code: f.Error})
		maxT = max(maxT, f.T)
	}
	sort.Slice(sc.failures, func(i, j int) bool { return sc.failures[i].at < sc.failures[j].at })

	sc.duration = script.Duration
	if sc.duration <= 0 {
		sc.duration = maxT
	}
	return sc, nil
}

func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

// wrap maps elapsed onto the scenario timeline. If loop is true, elapsed
// wraps around Duration(); otherwise it is clamped.
func (s *Scenario) wrap(elapsed time.Duration, loop bool) time.Duration {
	elapsed = max(elapsed, 0)
	if s.duration > 0 {
		if loop {
			elapsed %= s.duration
		} else {
			elapsed = min(elapsed, s.duration)
		}
	}
	return elapsed
}

// HeadingAt computes the scripted heading at elapsed.
func (s *Scenario) HeadingAt(elapsed time.Duration, loop bool) float64 {
	if s == nil || len(s.keyframes) == 0 {
		return 0
	}
	elapsed = s.wrap(elapsed, loop)
	k0, k1, alpha := selectSegment(s.keyframes, elapsed)
	return lerpAngleDeg(k0.HeadingDeg, k1.HeadingDeg, alpha)
}

// FailureBetween returns the first failure for tier in (from, to].
// Failures fire once even when the heading timeline loops.
func (s *Scenario) FailureBetween(tier fusion.Tier, from, to time.Duration) (string, bool) {
	if s == nil {
		return "", false
	}
	for _, f := range s.failures {
		if f.tier == tier && f.at > from && f.at <= to {
			return f.code, true
		}
	}
	return "", false
}

func selectSegment(kfs []Keyframe, t time.Duration) (Keyframe, Keyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	return k0, k1, min(max(alpha, 0), 1)
}

// lerpAngleDeg interpolates along the shorter arc.
func lerpAngleDeg(a0, a1, t float64) float64 {
	d := heading.NormalizeSigned(a1 - a0)
	return heading.Normalize360(a0 + d*t)
}
