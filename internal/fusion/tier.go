// Package fusion turns raw orientation sensor events into a single heading.
//
// Sources are ranked into tiers. Exactly one tier is active per session; the
// Engine discards any event not tagged with the active (session, tier) pair.
package fusion

import "strings"

type Tier int

const (
	TierAbsoluteOrientation Tier = iota + 1
	TierMagnetometerGyroscope
	TierLegacyOrientationWithMotion
	TierLegacyOrientationOnly
	TierUnavailable
)

// Tiers lists the tiers in preference order, excluding TierUnavailable.
var Tiers = []Tier{
	TierAbsoluteOrientation,
	TierMagnetometerGyroscope,
	TierLegacyOrientationWithMotion,
	TierLegacyOrientationOnly,
}

func (t Tier) String() string {
	switch t {
	case TierAbsoluteOrientation:
		return "AbsoluteOrientationSensor"
	case TierMagnetometerGyroscope:
		return "Magnetometer+Gyroscope"
	case TierLegacyOrientationWithMotion:
		return "DeviceOrientation+Motion"
	case TierLegacyOrientationOnly:
		return "DeviceOrientation"
	case TierUnavailable:
		return "Unavailable"
	default:
		return "none"
	}
}

// Legacy reports whether the tier uses the permission-gated
// deviceorientation/devicemotion path.
func (t Tier) Legacy() bool {
	return t == TierLegacyOrientationWithMotion || t == TierLegacyOrientationOnly
}

// ParseTier accepts the String form or a short alias (abs, maggyro, legacy+motion, legacy).
func ParseTier(s string) (Tier, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "absoluteorientationsensor", "absolute", "abs":
		return TierAbsoluteOrientation, true
	case "magnetometer+gyroscope", "maggyro", "mag_gyro":
		return TierMagnetometerGyroscope, true
	case "deviceorientation+motion", "legacy+motion", "legacy_motion":
		return TierLegacyOrientationWithMotion, true
	case "deviceorientation", "legacy":
		return TierLegacyOrientationOnly, true
	}
	return 0, false
}
