package fusion

import (
	"errors"
	"time"

	"compass-ng/internal/heading"
)

type Config struct {
	// Alpha weights the integrated rate path in the complementary filter.
	Alpha float64
	// SmoothingFactor is the per-update weight of the circular smoother.
	SmoothingFactor float64
	// MaxRateGap bounds a single integration interval. Larger gaps restart
	// integration instead of producing a large jump.
	MaxRateGap time.Duration
}

func (c Config) withDefaults() Config {
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = heading.DefaultAlpha
	}
	if c.SmoothingFactor <= 0 || c.SmoothingFactor > 1 {
		c.SmoothingFactor = heading.DefaultSmoothingFactor
	}
	if c.MaxRateGap <= 0 {
		c.MaxRateGap = time.Second
	}
	return c
}

// FusionState is a read-only view of the engine's internal state.
type FusionState struct {
	Session             uint64   `json:"session"`
	Tier                string   `json:"tier"`
	HaveHeading         bool     `json:"have_heading"`
	RawHeading          float64  `json:"raw_heading"`
	SmoothedHeading     float64  `json:"smoothed_heading"`
	LastGyroTimestamp   *int64   `json:"last_gyro_timestamp,omitempty"`
	LastAbsoluteHeading *float64 `json:"last_absolute_heading,omitempty"`
	RateActive          bool     `json:"rate_active"`
	StaleDropped        uint64   `json:"stale_dropped"`
}

// Update is a newly produced heading.
type Update struct {
	Tier        Tier
	RawDeg      float64
	SmoothedDeg float64
	TimestampMs int64
}

// Outcome is the result of one accepted event.
type Outcome struct {
	Updated bool
	Update  Update
	// Err is the sensor error carried by the event, if any.
	Err error
	// Fatal means the active tier can no longer produce headings.
	Fatal bool
}

// Engine is the fusion step function plus the state it owns.
// It is not safe for concurrent use.
type Engine struct {
	cfg    Config
	filter heading.ComplementaryFilter
	state  *heading.State

	active  bool
	session uint64
	tier    Tier

	raw     float64
	haveRaw bool

	lastRateTs   *int64
	lastAbs      *float64
	rateActive   bool
	rateDisabled bool
	absFailed    bool
	rateFailed   bool

	stale uint64
}

func NewEngine(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:    cfg,
		filter: heading.ComplementaryFilter{Alpha: cfg.Alpha},
		state:  heading.NewState(cfg.SmoothingFactor),
	}
}

func (e *Engine) Config() Config { return e.cfg }

// State is the heading state owned by this engine.
func (e *Engine) State() *heading.State { return e.state }

// Begin makes (session, tier) the only accepted event tag and clears
// tier-internal integration state. The last heading is kept so rate-only
// integration continues from it.
func (e *Engine) Begin(session uint64, tier Tier) {
	e.active = true
	e.session = session
	e.tier = tier
	e.lastRateTs = nil
	e.lastAbs = nil
	e.rateActive = false
	e.rateDisabled = false
	e.absFailed = false
	e.rateFailed = false
}

// DisableRate ignores gyroscope and motion samples until the next Begin.
// Used when motion permission is denied.
func (e *Engine) DisableRate() {
	e.rateDisabled = true
	e.rateActive = false
	e.lastRateTs = nil
}

// Reset deactivates the engine; every event is stale until the next Begin.
func (e *Engine) Reset() {
	e.active = false
	e.tier = 0
	e.lastRateTs = nil
	e.lastAbs = nil
	e.rateActive = false
}

// Active returns the accepted tag.
func (e *Engine) Active() (session uint64, tier Tier, ok bool) {
	return e.session, e.tier, e.active
}

// Accepts reports whether ev belongs to the active session and tier.
func (e *Engine) Accepts(ev Event) bool {
	return e.active && ev.Session == e.session && ev.Tier == e.tier
}

// Step processes one event. It returns false when the event was stale and
// discarded.
func (e *Engine) Step(ev Event) (Outcome, bool) {
	if !e.Accepts(ev) {
		e.stale++
		return Outcome{}, false
	}
	switch ev.Kind {
	case KindError:
		return e.fail(ev.Err), true
	case KindQuaternion:
		if e.tier != TierAbsoluteOrientation {
			return Outcome{}, true
		}
		h, ok := QuaternionHeading(ev.Quaternion)
		if !ok {
			return Outcome{}, true
		}
		e.setAbsolute(h)
		return e.emit(h, ev.TimestampMs), true
	case KindMagnetometer:
		if e.tier != TierMagnetometerGyroscope {
			return Outcome{}, true
		}
		h, ok := MagnetometerHeading(ev.Vector)
		if !ok {
			return Outcome{}, true
		}
		e.setAbsolute(h)
		if e.rateLive(ev.TimestampMs) {
			// Gyro samples drive updates; this is the new reference.
			return Outcome{}, true
		}
		return e.emit(h, ev.TimestampMs), true
	case KindGyroscope:
		if e.tier != TierMagnetometerGyroscope || e.rateDisabled {
			return Outcome{}, true
		}
		return e.integrate(ev.TimestampMs, ev.Vector.Z*radToDeg), true
	case KindOrientation:
		if !e.tier.Legacy() {
			return Outcome{}, true
		}
		h, ok := OrientationHeading(ev.Orientation)
		if !ok {
			return Outcome{}, true
		}
		e.setAbsolute(h)
		if e.tier == TierLegacyOrientationWithMotion && e.rateLive(ev.TimestampMs) {
			return Outcome{}, true
		}
		return e.emit(h, ev.TimestampMs), true
	case KindMotion:
		if e.tier != TierLegacyOrientationWithMotion || e.rateDisabled {
			return Outcome{}, true
		}
		// Heading is 360-alpha, so a positive alpha rate turns the heading back.
		return e.integrate(ev.TimestampMs, -ev.RotationRate.Z), true
	}
	return Outcome{}, true
}

func (e *Engine) setAbsolute(h float64) {
	e.lastAbs = &h
	e.absFailed = false
}

// rateLive reports whether rate samples still drive updates at ts. A rate
// stream quiet for longer than MaxRateGap hands updates back to the
// absolute reading until it resumes.
func (e *Engine) rateLive(ts int64) bool {
	if !e.rateActive {
		return false
	}
	if e.lastRateTs != nil && float64(ts-*e.lastRateTs)/1000 > e.cfg.MaxRateGap.Seconds() {
		e.rateActive = false
		return false
	}
	return true
}

// integrate applies one rate sample in deg/s.
func (e *Engine) integrate(ts int64, rateDegPerSec float64) Outcome {
	last := e.lastRateTs
	e.lastRateTs = &ts
	e.rateActive = true
	e.rateFailed = false
	if last == nil {
		return Outcome{}
	}
	dt := float64(ts-*last) / 1000
	if dt <= 0 || dt > e.cfg.MaxRateGap.Seconds() {
		return Outcome{}
	}
	delta := rateDegPerSec * dt
	if e.lastAbs != nil {
		prev := *e.lastAbs
		if e.haveRaw {
			prev = e.raw
		}
		return e.emit(e.filter.Blend(prev, delta, *e.lastAbs), ts)
	}
	// Rate only: drift accepted.
	return e.emit(heading.Normalize360(e.raw+delta), ts)
}

func (e *Engine) emit(raw float64, ts int64) Outcome {
	raw = heading.Normalize360(raw)
	e.raw = raw
	e.haveRaw = true
	smoothed := e.state.Update(raw)
	return Outcome{Updated: true, Update: Update{Tier: e.tier, RawDeg: raw, SmoothedDeg: smoothed, TimestampMs: ts}}
}

func (e *Engine) fail(err error) Outcome {
	out := Outcome{Err: err}
	var sensor Sensor
	var sre *SensorReadError
	if errors.As(err, &sre) {
		sensor = sre.Sensor
	}
	switch e.tier {
	case TierMagnetometerGyroscope:
		switch sensor {
		case SensorMagnetometer:
			e.absFailed = true
			e.lastAbs = nil
		case SensorGyroscope:
			e.rateFailed = true
			e.rateActive = false
			e.lastRateTs = nil
		default:
			e.absFailed, e.rateFailed = true, true
		}
		out.Fatal = e.absFailed && e.rateFailed
	case TierLegacyOrientationWithMotion, TierLegacyOrientationOnly:
		if sensor == SensorMotion {
			e.rateFailed = true
			e.rateActive = false
			e.lastRateTs = nil
		} else {
			out.Fatal = true
		}
	default:
		out.Fatal = true
	}
	return out
}

func (e *Engine) Snapshot() FusionState {
	smoothed, have := e.state.Smoothed()
	fs := FusionState{
		Session:         e.session,
		Tier:            "none",
		HaveHeading:     have,
		RawHeading:      e.raw,
		SmoothedHeading: smoothed,
		RateActive:      e.rateActive,
		StaleDropped:    e.stale,
	}
	if e.active {
		fs.Tier = e.tier.String()
	}
	if e.lastRateTs != nil {
		v := *e.lastRateTs
		fs.LastGyroTimestamp = &v
	}
	if e.lastAbs != nil {
		v := *e.lastAbs
		fs.LastAbsoluteHeading = &v
	}
	return fs
}
