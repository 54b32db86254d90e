// Package heading owns the device heading and the destination target.
//
// All values are degrees clockwise from true north. Smoothed heading and
// target bearing are kept in [0,360) at every write.
package heading

import "math"

// Normalize360 maps deg into [0,360).
func Normalize360(deg float64) float64 {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return 0
	}
	d := math.Mod(deg, 360)
	if d < 0 {
		d += 360
	}
	// -tiny + 360 can round up to 360.
	if d >= 360 {
		d = 0
	}
	return d
}

// NormalizeSigned maps deg into (-180,180].
func NormalizeSigned(deg float64) float64 {
	d := Normalize360(deg)
	if d > 180 {
		d -= 360
	}
	return d
}
