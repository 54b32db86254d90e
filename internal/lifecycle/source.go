package lifecycle

import (
	"context"

	"compass-ng/internal/fusion"
)

// Handle is a started sensor subscription.
type Handle interface {
	// Stop detaches listeners. The source must not send after Stop returns.
	Stop()
}

// HandleFunc adapts a function to Handle.
type HandleFunc func()

func (f HandleFunc) Stop() {
	if f != nil {
		f()
	}
}

// Source starts one sensor tier.
//
// Start must not block on sensor readings; it attaches listeners and returns.
// Every event sent on out must carry the given session and the source's tier.
type Source interface {
	Tier() fusion.Tier
	Start(ctx context.Context, session uint64, out chan<- fusion.Event) (Handle, error)
}

// Permissions negotiates consent on platforms that require it.
// Calls may take arbitrarily long (user prompt).
type Permissions interface {
	RequestOrientation(ctx context.Context) (bool, error)
	RequestMotion(ctx context.Context) (bool, error)
}

// Listener receives renderer-facing updates. Calls are made from the
// controller goroutine and must not block.
type Listener interface {
	OnHeadingChanged(smoothedDeg float64)
	OnTargetChanged(bearingDeg, distanceKm float64, label string)
	OnSensorStatus(status fusion.Status)
}

// Listeners fans out to every non-nil element.
type Listeners []Listener

func (ls Listeners) OnHeadingChanged(deg float64) {
	for _, l := range ls {
		if l != nil {
			l.OnHeadingChanged(deg)
		}
	}
}

func (ls Listeners) OnTargetChanged(bearingDeg, distanceKm float64, label string) {
	for _, l := range ls {
		if l != nil {
			l.OnTargetChanged(bearingDeg, distanceKm, label)
		}
	}
}

func (ls Listeners) OnSensorStatus(status fusion.Status) {
	for _, l := range ls {
		if l != nil {
			l.OnSensorStatus(status)
		}
	}
}

// ListenerFuncs adapts optional callbacks to Listener.
type ListenerFuncs struct {
	Heading func(smoothedDeg float64)
	Target  func(bearingDeg, distanceKm float64, label string)
	Status  func(status fusion.Status)
}

func (f ListenerFuncs) OnHeadingChanged(deg float64) {
	if f.Heading != nil {
		f.Heading(deg)
	}
}

func (f ListenerFuncs) OnTargetChanged(bearingDeg, distanceKm float64, label string) {
	if f.Target != nil {
		f.Target(bearingDeg, distanceKm, label)
	}
}

func (f ListenerFuncs) OnSensorStatus(status fusion.Status) {
	if f.Status != nil {
		f.Status(status)
	}
}
