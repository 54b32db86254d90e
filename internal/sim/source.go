package sim

import (
	"context"
	"sync"
	"time"

	"compass-ng/internal/fusion"
	"compass-ng/internal/lifecycle"
)

// Source exposes one tier of a Device.
type Source struct {
	dev  *Device
	tier fusion.Tier
}

// Sources returns one source per tier, including unsupported tiers, which
// fail to start like missing hardware.
func (d *Device) Sources() []lifecycle.Source {
	out := make([]lifecycle.Source, 0, len(fusion.Tiers))
	for _, tier := range fusion.Tiers {
		out = append(out, &Source{dev: d, tier: tier})
	}
	return out
}

func (s *Source) Tier() fusion.Tier { return s.tier }

func (s *Source) Start(ctx context.Context, session uint64, out chan<- fusion.Event) (lifecycle.Handle, error) {
	if !s.dev.Supports(s.tier) {
		return nil, &fusion.SensorReadError{Sensor: primarySensor(s.tier), Err: fusion.ErrSensorUnavailable}
	}

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.run(runCtx, session, out)
	}()
	return lifecycle.HandleFunc(func() {
		cancel()
		wg.Wait()
	}), nil
}

func (s *Source) run(ctx context.Context, session uint64, out chan<- fusion.Event) {
	ticker := time.NewTicker(s.dev.Interval)
	defer ticker.Stop()

	send := func(ev fusion.Event) bool {
		ev.Session = session
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	prev := s.dev.Elapsed()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cur := s.dev.Elapsed()
		if code, ok := s.dev.Scenario.FailureBetween(s.tier, prev, cur); ok {
			for _, sensor := range tierSensors(s.tier) {
				sample := fusion.Sample{Kind: fusion.KindError.String(), Sensor: string(sensor), Error: code}
				ev, _ := sample.Event(session, s.tier)
				if !send(ev) {
					return
				}
			}
			return
		}
		prev = cur
		for _, ev := range s.dev.Events(s.tier, cur) {
			if !send(ev) {
				return
			}
		}
	}
}

// tierSensors lists the sensors that must fail for the tier to be lost.
func tierSensors(tier fusion.Tier) []fusion.Sensor {
	if tier == fusion.TierMagnetometerGyroscope {
		return []fusion.Sensor{fusion.SensorMagnetometer, fusion.SensorGyroscope}
	}
	return []fusion.Sensor{primarySensor(tier)}
}

func primarySensor(tier fusion.Tier) fusion.Sensor {
	switch tier {
	case fusion.TierAbsoluteOrientation:
		return fusion.SensorAbsoluteOrientation
	case fusion.TierMagnetometerGyroscope:
		return fusion.SensorMagnetometer
	default:
		return fusion.SensorOrientation
	}
}
