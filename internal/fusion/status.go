package fusion

import "fmt"

// Status is the only side channel from the sensor pipeline to the UI.
type Status struct {
	Active bool   `json:"active"`
	Label  string `json:"status_label"`
	Detail string `json:"detail"`
	Tier   string `json:"tier_name"`
}

func StatusInitializing() Status {
	return Status{Label: "Initializing sensors...", Detail: "Detecting available sensors...", Tier: "none"}
}

func StatusDesktop() Status {
	return Status{
		Label:  "No compass sensors (Desktop/Laptop)",
		Detail: "Compass sensors are not available on desktop/laptop devices. This feature works on smartphones and tablets.",
		Tier:   TierUnavailable.String(),
	}
}

func StatusNoSupport() Status {
	return Status{
		Label:  "No orientation support",
		Detail: "Device orientation sensors are not supported by this browser.",
		Tier:   TierUnavailable.String(),
	}
}

func StatusPermissionDenied() Status {
	return Status{
		Label:  "Permission denied",
		Detail: "Compass permission was denied. Please allow sensor access in browser settings.",
		Tier:   TierUnavailable.String(),
	}
}

func StatusPermissionError(err error) Status {
	return Status{
		Label:  "Permission error",
		Detail: fmt.Sprintf("Failed to request sensor permission: %v", err),
		Tier:   TierUnavailable.String(),
	}
}

// StatusActive is emitted once a tier has started.
func StatusActive(t Tier, device DeviceClass) Status {
	s := Status{Active: true, Tier: t.String()}
	switch t {
	case TierAbsoluteOrientation:
		s.Label = "AbsoluteOrientation sensor active"
		s.Detail = "High precision orientation sensor is working."
	case TierMagnetometerGyroscope:
		s.Label = "Magnetometer + Gyroscope active"
		s.Detail = "High precision compass with gyroscope smoothing."
	case TierLegacyOrientationWithMotion:
		s.Label = "Legacy orientation + motion"
		s.Detail = "Using DeviceOrientation API with motion smoothing."
	default:
		s.Label = "Legacy orientation sensor"
		s.Detail = "Using DeviceOrientation API fallback."
	}
	s.Detail += fmt.Sprintf(" Device: %s", device)
	return s
}

// StatusFailed is emitted when a tier cannot start or stops delivering.
// fallback reports whether another tier will be tried.
func StatusFailed(t Tier, err error, fallback bool) Status {
	s := Status{Tier: t.String(), Label: fmt.Sprintf("%s failed", t)}
	s.Detail = DescribeError(err)
	if fallback {
		s.Detail += ". Trying fallback sensors..."
	}
	return s
}

// StatusDegraded reports a sub-sensor failure that leaves the tier running.
func StatusDegraded(t Tier, err error) Status {
	return Status{Active: true, Tier: t.String(), Label: fmt.Sprintf("%s degraded", t), Detail: DescribeError(err)}
}
