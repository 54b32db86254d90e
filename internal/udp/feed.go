package udp

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"compass-ng/internal/fusion"
	"compass-ng/internal/geodesy"
	"compass-ng/internal/metrics"
)

// Message is the datagram body. Type is "heading", "target" or "status".
type Message struct {
	Type       string         `json:"type"`
	Time       string         `json:"time"`
	HeadingDeg *float64       `json:"heading_deg,omitempty"`
	BearingDeg *float64       `json:"bearing_deg,omitempty"`
	DistanceKm *float64       `json:"distance_km,omitempty"`
	Direction  string         `json:"direction,omitempty"`
	Label      string         `json:"label,omitempty"`
	Status     *fusion.Status `json:"status,omitempty"`
}

type sender interface {
	Send(payload []byte) error
}

// Feed is a controller listener that mirrors every update as a datagram.
type Feed struct {
	out sender
	log *zap.Logger
	now func() time.Time
}

func NewFeed(b *Broadcaster, log *zap.Logger) *Feed {
	return newFeed(b, log)
}

func newFeed(out sender, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{out: out, log: log, now: time.Now}
}

func (f *Feed) OnHeadingChanged(deg float64) {
	f.send(Message{Type: "heading", HeadingDeg: &deg, Direction: geodesy.DirectionText(deg)})
}

func (f *Feed) OnTargetChanged(bearingDeg, distanceKm float64, label string) {
	f.send(Message{
		Type:       "target",
		BearingDeg: &bearingDeg,
		DistanceKm: &distanceKm,
		Direction:  geodesy.DirectionText(bearingDeg),
		Label:      label,
	})
}

func (f *Feed) OnSensorStatus(status fusion.Status) {
	f.send(Message{Type: "status", Status: &status})
}

func (f *Feed) send(m Message) {
	m.Time = f.now().UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(m)
	if err == nil {
		err = f.out.Send(b)
	}
	if err != nil {
		metrics.PublishErrorsTotal.WithLabelValues("udp").Inc()
		f.log.Debug("udp send failed", zap.String("type", m.Type), zap.Error(err))
	}
}
