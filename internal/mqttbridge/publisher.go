package mqttbridge

import (
	"encoding/json"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"compass-ng/internal/fusion"
	"compass-ng/internal/geodesy"
	"compass-ng/internal/heading"
	"compass-ng/internal/metrics"
)

const publishTimeout = 2 * time.Second

type HeadingPayload struct {
	HeadingDeg   float64  `json:"heading_deg"`
	Direction    string   `json:"direction"`
	IndicatorDeg *float64 `json:"indicator_deg,omitempty"`
	Time         string   `json:"time"`
}

type TargetPayload struct {
	BearingDeg float64 `json:"bearing_deg"`
	DistanceKm float64 `json:"distance_km"`
	Direction  string  `json:"direction"`
	Label      string  `json:"label"`
}

// Publisher mirrors controller updates to MQTT. Target and status are
// retained so late subscribers see the current state.
type Publisher struct {
	client Client
	topics Topics
	log    *zap.Logger

	mu         sync.Mutex
	bearing    float64
	haveTarget bool

	now func() time.Time
}

func NewPublisher(client Client, prefix string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{client: client, topics: TopicsFor(prefix), log: log, now: time.Now}
}

func (p *Publisher) OnHeadingChanged(deg float64) {
	payload := HeadingPayload{
		HeadingDeg: deg,
		Direction:  geodesy.DirectionText(deg),
		Time:       p.now().UTC().Format(time.RFC3339Nano),
	}
	p.mu.Lock()
	if p.haveTarget {
		v := heading.Normalize360(p.bearing + deg)
		payload.IndicatorDeg = &v
	}
	p.mu.Unlock()
	p.publish(p.topics.Heading, false, payload)
}

func (p *Publisher) OnTargetChanged(bearingDeg, distanceKm float64, label string) {
	p.mu.Lock()
	p.bearing = bearingDeg
	p.haveTarget = true
	p.mu.Unlock()
	p.publish(p.topics.Target, true, TargetPayload{
		BearingDeg: bearingDeg,
		DistanceKm: distanceKm,
		Direction:  geodesy.DirectionText(bearingDeg),
		Label:      label,
	})
}

func (p *Publisher) OnSensorStatus(status fusion.Status) {
	p.publish(p.topics.Status, true, status)
}

func (p *Publisher) publish(topic string, retained bool, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		p.fail(topic, err)
		return
	}
	token := p.client.Publish(topic, 0, retained, b)
	// Listener calls must not block, so completion is checked off-thread.
	go func(t mqtt.Token) {
		if !t.WaitTimeout(publishTimeout) {
			return
		}
		if err := t.Error(); err != nil {
			p.fail(topic, err)
		}
	}(token)
}

func (p *Publisher) fail(topic string, err error) {
	metrics.PublishErrorsTotal.WithLabelValues("mqtt").Inc()
	p.log.Debug("mqtt publish failed", zap.String("topic", topic), zap.Error(err))
}
