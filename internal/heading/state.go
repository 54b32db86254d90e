package heading

import (
	"compass-ng/internal/geodesy"
)

// Target is the currently selected destination.
type Target struct {
	Point      geodesy.GeoPoint `json:"point"`
	Label      string           `json:"label"`
	BearingDeg float64          `json:"bearing_deg"`
	DistanceKm float64          `json:"distance_km"`
}

// NewTarget computes bearing and distance from origin to point.
func NewTarget(origin, point geodesy.GeoPoint, label string) Target {
	return Target{
		Point:      point,
		Label:      label,
		BearingDeg: Normalize360(geodesy.InitialBearingDegrees(origin, point)),
		DistanceKm: geodesy.DistanceKm(origin, point),
	}
}

// Snapshot is a read-only copy of State.
type Snapshot struct {
	Valid        bool     `json:"valid"`
	RawDeg       float64  `json:"raw_deg"`
	SmoothedDeg  float64  `json:"smoothed_deg"`
	Direction    string   `json:"direction,omitempty"`
	Target       *Target  `json:"target,omitempty"`
	IndicatorDeg *float64 `json:"indicator_deg,omitempty"`
}

// State is the single source of truth for heading and target.
// It is not safe for concurrent use; one goroutine owns it.
type State struct {
	smoother *Smoother
	raw      float64
	target   *Target
}

func NewState(smoothingFactor float64) *State {
	return &State{smoother: NewSmoother(smoothingFactor)}
}

// Update records a raw heading and returns the smoothed value.
func (s *State) Update(raw float64) float64 {
	s.raw = Normalize360(raw)
	return s.smoother.Update(s.raw)
}

// Smoothed returns the smoothed heading and whether any sample has been seen.
func (s *State) Smoothed() (float64, bool) {
	return s.smoother.Value()
}

// Forget drops the heading; the target is kept.
func (s *State) Forget() {
	s.raw = 0
	s.smoother.Reset()
}

// SetTarget replaces the target wholesale.
func (s *State) SetTarget(t Target) {
	t.BearingDeg = Normalize360(t.BearingDeg)
	s.target = &t
}

func (s *State) ClearTarget() {
	s.target = nil
}

func (s *State) Target() (Target, bool) {
	if s.target == nil {
		return Target{}, false
	}
	return *s.target, true
}

// IndicatorDeg is the screen angle of the target indicator:
// (target bearing + current heading) mod 360.
func (s *State) IndicatorDeg() (float64, bool) {
	h, ok := s.smoother.Value()
	if !ok || s.target == nil {
		return 0, false
	}
	return Normalize360(s.target.BearingDeg + h), true
}

func (s *State) Snapshot() Snapshot {
	h, ok := s.smoother.Value()
	snap := Snapshot{Valid: ok, RawDeg: s.raw, SmoothedDeg: h}
	if ok {
		snap.Direction = geodesy.DirectionText(h)
	}
	if s.target != nil {
		t := *s.target
		snap.Target = &t
	}
	if v, ok := s.IndicatorDeg(); ok {
		snap.IndicatorDeg = &v
	}
	return snap
}
