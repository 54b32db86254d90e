package fusion

import (
	"errors"
	"fmt"

	"github.com/golang/geo/r3"
)

// Sample is the JSON form of an Event used on the websocket bridge, in
// sensor logs and on MQTT. Sessions are never serialized; the receiver
// stamps its own.
//
// Quaternion is [x, y, z, w]. XYZ carries magnetometer or gyroscope axes.
// RotationRate is [x, y, z] in deg/s with z around the screen normal
// (devicemotion's alpha).
type Sample struct {
	Tier         string       `json:"tier,omitempty"`
	Kind         string       `json:"kind"`
	TimestampMs  int64        `json:"t,omitempty"`
	Quaternion   []float64    `json:"quaternion,omitempty"`
	XYZ          []float64    `json:"xyz,omitempty"`
	Orientation  *Orientation `json:"orientation,omitempty"`
	RotationRate []float64    `json:"rotation_rate,omitempty"`
	Sensor       string       `json:"sensor,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// Error codes carried in Sample.Error.
const (
	CodePermissionDenied = "permission_denied"
	CodeNotReadable      = "not_readable"
	CodeUnavailable      = "unavailable"
)

// ParseKind is the inverse of EventKind.String.
func ParseKind(s string) (EventKind, bool) {
	for k := KindQuaternion; k <= KindError; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// SampleOf converts an event to its wire form.
func SampleOf(ev Event) Sample {
	s := Sample{Kind: ev.Kind.String(), TimestampMs: ev.TimestampMs}
	if ev.Tier != 0 {
		s.Tier = ev.Tier.String()
	}
	switch ev.Kind {
	case KindQuaternion:
		q := ev.Quaternion
		s.Quaternion = []float64{q.Imag, q.Jmag, q.Kmag, q.Real}
	case KindMagnetometer, KindGyroscope:
		s.XYZ = []float64{ev.Vector.X, ev.Vector.Y, ev.Vector.Z}
	case KindOrientation:
		o := ev.Orientation
		s.Orientation = &o
	case KindMotion:
		s.RotationRate = []float64{ev.RotationRate.X, ev.RotationRate.Y, ev.RotationRate.Z}
	case KindError:
		var re *SensorReadError
		if errors.As(ev.Err, &re) {
			s.Sensor = string(re.Sensor)
		}
		s.Error = errorCode(ev.Err)
	}
	return s
}

func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrNotReadable):
		return CodeNotReadable
	case errors.Is(err, ErrSensorUnavailable):
		return CodeUnavailable
	}
	var re *SensorReadError
	if errors.As(err, &re) && re.Err != nil {
		return re.Err.Error()
	}
	return err.Error()
}

func codeError(code string) error {
	switch code {
	case CodePermissionDenied:
		return ErrPermissionDenied
	case CodeNotReadable:
		return ErrNotReadable
	case CodeUnavailable:
		return ErrSensorUnavailable
	case "":
		return errors.New("read error")
	default:
		return errors.New(code)
	}
}

// Event converts a sample to an event for the given session. The sample's
// own tier is used when it names one, otherwise fallback.
func (s Sample) Event(session uint64, fallback Tier) (Event, error) {
	kind, ok := ParseKind(s.Kind)
	if !ok {
		return Event{}, fmt.Errorf("fusion: unknown sample kind %q", s.Kind)
	}
	tier := fallback
	if s.Tier != "" {
		t, ok := ParseTier(s.Tier)
		if !ok {
			return Event{}, fmt.Errorf("fusion: unknown tier %q", s.Tier)
		}
		tier = t
	}
	ev := Event{Session: session, Tier: tier, Kind: kind, TimestampMs: s.TimestampMs}

	switch kind {
	case KindQuaternion:
		if len(s.Quaternion) != 4 {
			return Event{}, fmt.Errorf("fusion: quaternion needs 4 components, got %d", len(s.Quaternion))
		}
		ev.Quaternion = QuaternionXYZW(s.Quaternion[0], s.Quaternion[1], s.Quaternion[2], s.Quaternion[3])
	case KindMagnetometer, KindGyroscope:
		v, err := vector(s.XYZ, "xyz")
		if err != nil {
			return Event{}, err
		}
		ev.Vector = v
	case KindOrientation:
		if s.Orientation == nil {
			return Event{}, fmt.Errorf("fusion: orientation sample without orientation")
		}
		ev.Orientation = *s.Orientation
	case KindMotion:
		v, err := vector(s.RotationRate, "rotation_rate")
		if err != nil {
			return Event{}, err
		}
		ev.RotationRate = v
	case KindError:
		ev.Err = &SensorReadError{Sensor: Sensor(s.Sensor), Err: codeError(s.Error)}
	}
	return ev, nil
}

func vector(v []float64, field string) (r3.Vector, error) {
	if len(v) != 3 {
		return r3.Vector{}, fmt.Errorf("fusion: %s needs 3 components, got %d", field, len(v))
	}
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}, nil
}
