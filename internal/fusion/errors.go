package fusion

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrSensorUnavailable = errors.New("sensor unavailable")
	// ErrNotReadable marks a sensor that exists in the API but cannot deliver readings.
	ErrNotReadable = errors.New("not readable")
)

// Sensor names a physical or virtual sensor within a tier.
type Sensor string

const (
	SensorAbsoluteOrientation Sensor = "absolute_orientation"
	SensorMagnetometer        Sensor = "magnetometer"
	SensorGyroscope           Sensor = "gyroscope"
	SensorOrientation         Sensor = "orientation"
	SensorMotion              Sensor = "motion"
)

// SensorReadError reports a failure from one sensor.
type SensorReadError struct {
	Sensor Sensor
	Err    error
}

func (e *SensorReadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: read error", e.Sensor)
	}
	if e.Sensor == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Sensor, e.Err)
}

func (e *SensorReadError) Unwrap() error { return e.Err }

// DescribeError returns the user-facing text for a sensor failure.
func DescribeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "Sensor permission denied"
	case errors.Is(err, ErrNotReadable), errors.Is(err, ErrSensorUnavailable):
		return "Sensor not readable (may not exist)"
	default:
		return fmt.Sprintf("Sensor error: %v", err)
	}
}
