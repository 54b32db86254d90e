// Package sim provides a simulated compass device that can stand in for
// any sensor tier.
package sim

import (
	"math"
	"time"

	"github.com/golang/geo/r3"

	"compass-ng/internal/fusion"
	"compass-ng/internal/heading"
)

const (
	degToRad = math.Pi / 180

	// Horizontal and vertical field in microtesla, roughly mid-latitude.
	fieldHorizontalUT = 30
	fieldVerticalUT   = -40
)

// Device is a deterministic rotating device.
//
// Without a Scenario the heading is StartDeg + RateDegPerSec * elapsed.
// Tiers lists the tiers the hardware supports; empty means all.
type Device struct {
	StartDeg      float64
	RateDegPerSec float64
	Scenario      *Scenario
	Loop          bool
	Tiers         []fusion.Tier
	Interval      time.Duration

	epoch time.Time
	now   func() time.Time
}

// NewDevice returns a device whose timeline starts now.
func NewDevice(d Device) *Device {
	if d.Interval <= 0 {
		d.Interval = 50 * time.Millisecond
	}
	if d.now == nil {
		d.now = time.Now
	}
	d.epoch = d.now()
	return &d
}

// Elapsed is the time since the device was created.
func (d *Device) Elapsed() time.Duration {
	return d.now().Sub(d.epoch)
}

func (d *Device) HeadingAt(elapsed time.Duration) float64 {
	if d.Scenario != nil {
		return d.Scenario.HeadingAt(elapsed, d.Loop)
	}
	return heading.Normalize360(d.StartDeg + d.RateDegPerSec*elapsed.Seconds())
}

// RateAt is the yaw rate in deg/s, positive clockwise seen from above.
func (d *Device) RateAt(elapsed time.Duration) float64 {
	if d.Scenario == nil {
		return d.RateDegPerSec
	}
	const dt = 10 * time.Millisecond
	return heading.NormalizeSigned(d.HeadingAt(elapsed+dt)-d.HeadingAt(elapsed)) / dt.Seconds()
}

func (d *Device) Supports(tier fusion.Tier) bool {
	if len(d.Tiers) == 0 {
		return tier != fusion.TierUnavailable
	}
	for _, t := range d.Tiers {
		if t == tier {
			return true
		}
	}
	return false
}

// Events returns the readings tier would report at elapsed. Session is left
// zero for the caller to stamp.
func (d *Device) Events(tier fusion.Tier, elapsed time.Duration) []fusion.Event {
	h := d.HeadingAt(elapsed)
	rate := d.RateAt(elapsed)
	ts := d.epoch.Add(elapsed).UnixMilli()
	base := fusion.Event{Tier: tier, TimestampMs: ts}

	switch tier {
	case fusion.TierAbsoluteOrientation:
		ev := base
		ev.Kind = fusion.KindQuaternion
		half := h * degToRad / 2
		ev.Quaternion = fusion.QuaternionXYZW(0, 0, math.Sin(half), math.Cos(half))
		return []fusion.Event{ev}

	case fusion.TierMagnetometerGyroscope:
		mag := base
		mag.Kind = fusion.KindMagnetometer
		mag.Vector = r3.Vector{
			X: fieldHorizontalUT * math.Cos(h*degToRad),
			Y: fieldHorizontalUT * math.Sin(h*degToRad),
			Z: fieldVerticalUT,
		}
		gyro := base
		gyro.Kind = fusion.KindGyroscope
		gyro.Vector = r3.Vector{Z: rate * degToRad}
		return []fusion.Event{mag, gyro}

	case fusion.TierLegacyOrientationWithMotion:
		// devicemotion alpha rate is counter-clockwise.
		motion := base
		motion.Kind = fusion.KindMotion
		motion.RotationRate = r3.Vector{Z: -rate}
		return []fusion.Event{orientation(base, h), motion}

	case fusion.TierLegacyOrientationOnly:
		return []fusion.Event{orientation(base, h)}
	}
	return nil
}

func orientation(base fusion.Event, h float64) fusion.Event {
	alpha := heading.Normalize360(360 - h)
	base.Kind = fusion.KindOrientation
	base.Orientation = fusion.Orientation{Alpha: &alpha}
	return base
}
