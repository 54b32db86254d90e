package fusion

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"compass-ng/internal/heading"
)

const radToDeg = 180 / math.Pi

// QuaternionHeading extracts the compass heading from an absolute orientation
// quaternion.
//
// yaw = atan2(m[1], m[0]) where m is the row-major rotation matrix; the first
// row of R(q) is the image of the x axis under the inverse rotation.
func QuaternionHeading(q quat.Number) (float64, bool) {
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	q = quat.Scale(1/n, q)
	row := quat.Mul(quat.Mul(quat.Conj(q), quat.Number{Imag: 1}), q)
	if row.Imag == 0 && row.Jmag == 0 {
		return 0, false
	}
	yaw := math.Atan2(row.Jmag, row.Imag) * radToDeg
	return heading.Normalize360(360 - yaw), true
}

// MagnetometerHeading is atan2(y, x) in degrees, normalized.
func MagnetometerHeading(v r3.Vector) (float64, bool) {
	if v.X == 0 && v.Y == 0 {
		return 0, false
	}
	return heading.Normalize360(math.Atan2(v.Y, v.X) * radToDeg), true
}

// OrientationHeading prefers a directly reported compass heading and otherwise
// converts alpha with 360 - alpha.
func OrientationHeading(o Orientation) (float64, bool) {
	if o.CompassHeading != nil && !math.IsNaN(*o.CompassHeading) {
		return heading.Normalize360(*o.CompassHeading), true
	}
	if o.Alpha != nil && !math.IsNaN(*o.Alpha) {
		return heading.Normalize360(360 - *o.Alpha), true
	}
	return 0, false
}
