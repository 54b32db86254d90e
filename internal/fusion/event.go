package fusion

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

type EventKind int

const (
	KindQuaternion EventKind = iota + 1
	KindMagnetometer
	KindGyroscope
	KindOrientation
	KindMotion
	KindError
)

func (k EventKind) String() string {
	switch k {
	case KindQuaternion:
		return "quaternion"
	case KindMagnetometer:
		return "magnetometer"
	case KindGyroscope:
		return "gyroscope"
	case KindOrientation:
		return "orientation"
	case KindMotion:
		return "motion"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Orientation is a deviceorientation reading in degrees.
// CompassHeading is set by platforms that report heading directly.
type Orientation struct {
	Alpha          *float64 `json:"alpha,omitempty"`
	Beta           float64  `json:"beta"`
	Gamma          float64  `json:"gamma"`
	CompassHeading *float64 `json:"compass_heading,omitempty"`
}

// Event is one tagged sensor sample or sensor error.
//
// Vector carries magnetometer readings (any unit) or gyroscope rates (rad/s).
// RotationRate carries devicemotion rates in deg/s with Z around the screen normal.
type Event struct {
	Session     uint64
	Tier        Tier
	Kind        EventKind
	TimestampMs int64

	Quaternion   quat.Number
	Vector       r3.Vector
	Orientation  Orientation
	RotationRate r3.Vector

	Err error
}

// QuaternionXYZW builds a quat.Number from the [x, y, z, w] order used by
// orientation sensor APIs.
func QuaternionXYZW(x, y, z, w float64) quat.Number {
	return quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z}
}

// ErrorEvent wraps err as a SensorReadError for sensor.
func ErrorEvent(session uint64, tier Tier, sensor Sensor, err error) Event {
	return Event{Session: session, Tier: tier, Kind: KindError, Err: &SensorReadError{Sensor: sensor, Err: err}}
}
