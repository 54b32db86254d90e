package web

import (
	"sync"
	"time"

	"compass-ng/internal/fusion"
	"compass-ng/internal/geodesy"
	"compass-ng/internal/heading"
)

// Frame is one renderer update. Type is "heading", "target" or "status".
type Frame struct {
	Type         string         `json:"type"`
	TimeUTC      string         `json:"time"`
	HeadingDeg   *float64       `json:"heading_deg,omitempty"`
	IndicatorDeg *float64       `json:"indicator_deg,omitempty"`
	BearingDeg   *float64       `json:"bearing_deg,omitempty"`
	DistanceKm   *float64       `json:"distance_km,omitempty"`
	Direction    string         `json:"direction,omitempty"`
	Label        string         `json:"label,omitempty"`
	Status       *fusion.Status `json:"status,omitempty"`
}

// frameState turns listener callbacks into frames. It is owned by one
// controller goroutine, so it needs no locking of its own.
type frameState struct {
	haveTarget bool
	bearingDeg float64
}

func (s *frameState) heading(now time.Time, deg float64) Frame {
	deg = heading.Normalize360(deg)
	f := Frame{Type: "heading", TimeUTC: stamp(now), HeadingDeg: &deg, Direction: geodesy.DirectionText(deg)}
	if s.haveTarget {
		ind := heading.Normalize360(s.bearingDeg + deg)
		f.IndicatorDeg = &ind
	}
	return f
}

func (s *frameState) target(now time.Time, bearingDeg, distanceKm float64, label string) Frame {
	s.haveTarget = true
	s.bearingDeg = bearingDeg
	return Frame{
		Type:       "target",
		TimeUTC:    stamp(now),
		BearingDeg: &bearingDeg,
		DistanceKm: &distanceKm,
		Direction:  geodesy.DirectionText(bearingDeg),
		Label:      label,
	}
}

func (s *frameState) status(now time.Time, st fusion.Status) Frame {
	return Frame{Type: "status", TimeUTC: stamp(now), Status: &st}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// HeadingBroadcaster fans out the server controller's updates to any
// number of websocket viewers. It keeps the latest frame of each type so
// new subscribers can draw immediately.
type HeadingBroadcaster struct {
	mu     sync.RWMutex
	subs   map[int]chan Frame
	nextID int
	state  frameState
	last   map[string]Frame
	now    func() time.Time
}

func NewHeadingBroadcaster() *HeadingBroadcaster {
	return &HeadingBroadcaster{
		subs: make(map[int]chan Frame),
		last: make(map[string]Frame),
		now:  time.Now,
	}
}

// Subscribe registers a viewer. The latest status, target and heading are
// replayed first, in that order.
func (b *HeadingBroadcaster) Subscribe(buffer int) (int, <-chan Frame) {
	if b == nil {
		return 0, nil
	}
	if buffer < 4 {
		buffer = 4
	}
	ch := make(chan Frame, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	for _, typ := range []string{"status", "target", "heading"} {
		if f, ok := b.last[typ]; ok {
			ch <- f
		}
	}
	b.mu.Unlock()
	return id, ch
}

func (b *HeadingBroadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Subscribers reports the number of connected viewers.
func (b *HeadingBroadcaster) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *HeadingBroadcaster) OnHeadingChanged(deg float64) {
	b.mu.Lock()
	f := b.state.heading(b.now(), deg)
	b.mu.Unlock()
	b.publish(f)
}

func (b *HeadingBroadcaster) OnTargetChanged(bearingDeg, distanceKm float64, label string) {
	b.mu.Lock()
	f := b.state.target(b.now(), bearingDeg, distanceKm, label)
	b.mu.Unlock()
	b.publish(f)
}

func (b *HeadingBroadcaster) OnSensorStatus(st fusion.Status) {
	b.mu.Lock()
	f := b.state.status(b.now(), st)
	b.mu.Unlock()
	b.publish(f)
}

// publish never blocks; a slow viewer misses frames.
func (b *HeadingBroadcaster) publish(f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last[f.Type] = f
	for _, ch := range b.subs {
		select {
		case ch <- f:
		default:
		}
	}
}
