package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"compass-ng/internal/fusion"
	"compass-ng/internal/lifecycle"
)

// Source is a magnetometer+gyroscope tier fed by JSON fusion.Sample
// messages on <prefix>/sensor/<name>. Only magnetometer, gyroscope and
// error samples are accepted.
type Source struct {
	client Client
	topics Topics
	log    *zap.Logger
}

func NewSource(client Client, prefix string, log *zap.Logger) *Source {
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{client: client, topics: TopicsFor(prefix), log: log}
}

func (s *Source) Tier() fusion.Tier { return fusion.TierMagnetometerGyroscope }

func (s *Source) Start(ctx context.Context, session uint64, out chan<- fusion.Event) (lifecycle.Handle, error) {
	stop := make(chan struct{})
	var once sync.Once
	var inflight sync.WaitGroup
	var mu sync.Mutex
	stopped := false

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		mu.Lock()
		if stopped {
			mu.Unlock()
			return
		}
		inflight.Add(1)
		mu.Unlock()
		defer inflight.Done()

		ev, err := decode(msg.Payload(), session)
		if err != nil {
			s.log.Debug("dropping mqtt sample", zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}
		select {
		case out <- ev:
		case <-stop:
		case <-ctx.Done():
		}
	}

	token := s.client.Subscribe(s.topics.Sensor, 0, handler)
	if !token.WaitTimeout(5 * time.Second) {
		return nil, &fusion.SensorReadError{Sensor: fusion.SensorMagnetometer, Err: fmt.Errorf("%w: subscribe timed out", fusion.ErrSensorUnavailable)}
	}
	if err := token.Error(); err != nil {
		return nil, &fusion.SensorReadError{Sensor: fusion.SensorMagnetometer, Err: fmt.Errorf("%w: %v", fusion.ErrSensorUnavailable, err)}
	}
	s.log.Info("mqtt sensor source subscribed", zap.String("topic", s.topics.Sensor), zap.Uint64("session", session))

	return lifecycle.HandleFunc(func() {
		once.Do(func() {
			mu.Lock()
			stopped = true
			mu.Unlock()
			close(stop)
			inflight.Wait()
			s.client.Unsubscribe(s.topics.Sensor)
		})
	}), nil
}

func decode(payload []byte, session uint64) (fusion.Event, error) {
	var sample fusion.Sample
	if err := json.Unmarshal(payload, &sample); err != nil {
		return fusion.Event{}, err
	}
	sample.Tier = ""
	ev, err := sample.Event(session, fusion.TierMagnetometerGyroscope)
	if err != nil {
		return fusion.Event{}, err
	}
	switch ev.Kind {
	case fusion.KindMagnetometer, fusion.KindGyroscope, fusion.KindError:
	default:
		return fusion.Event{}, fmt.Errorf("unsupported kind %s", ev.Kind)
	}
	if ev.TimestampMs == 0 {
		ev.TimestampMs = time.Now().UnixMilli()
	}
	return ev, nil
}
