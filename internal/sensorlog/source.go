package sensorlog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"compass-ng/internal/fusion"
	"compass-ng/internal/lifecycle"
)

// Source plays back the records of one tier as if a device produced them.
// Records written by other tiers are skipped; a log with no records for
// the tier makes Start fail with fusion.ErrSensorUnavailable.
type Source struct {
	tier    fusion.Tier
	records []Record
	speed   float64
	loop    bool
	log     *zap.Logger
	sleeper Sleeper
}

func NewSource(tier fusion.Tier, records []Record, speed float64, loop bool, log *zap.Logger) *Source {
	if log == nil {
		log = zap.NewNop()
	}
	if speed <= 0 {
		speed = 1
	}
	return &Source{tier: tier, records: forTier(records, tier), speed: speed, loop: loop, log: log}
}

// Sources builds one replay source per tier present in records.
func Sources(records []Record, speed float64, loop bool, log *zap.Logger) []lifecycle.Source {
	var out []lifecycle.Source
	for _, tier := range fusion.Tiers {
		src := NewSource(tier, records, speed, loop, log)
		if src.hasSamples() {
			out = append(out, src)
		}
	}
	return out
}

func forTier(records []Record, tier fusion.Tier) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Sample == nil {
			out = append(out, r)
			continue
		}
		if t, ok := fusion.ParseTier(r.Sample.Tier); ok && t == tier {
			out = append(out, r)
		}
	}
	return out
}

func (s *Source) hasSamples() bool {
	for _, r := range s.records {
		if r.Sample != nil {
			return true
		}
	}
	return false
}

func (s *Source) Tier() fusion.Tier { return s.tier }

func (s *Source) Start(ctx context.Context, session uint64, out chan<- fusion.Event) (lifecycle.Handle, error) {
	if !s.hasSamples() {
		return nil, &fusion.SensorReadError{Sensor: sensorFor(s.tier), Err: fusion.ErrSensorUnavailable}
	}

	playCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := Play(playCtx, s.records, s.speed, s.loop, s.sleeper, func(sample fusion.Sample) error {
			ev, err := sample.Event(session, s.tier)
			if err != nil {
				s.log.Warn("skipping replay record", zap.Error(err))
				return nil
			}
			if ev.TimestampMs == 0 {
				ev.TimestampMs = time.Now().UnixMilli()
			}
			select {
			case out <- ev:
				return nil
			case <-playCtx.Done():
				return playCtx.Err()
			}
		})
		if err != nil && playCtx.Err() == nil {
			s.log.Warn("replay stopped", zap.Stringer("tier", s.tier), zap.Error(err))
		}
	}()

	return lifecycle.HandleFunc(func() {
		cancel()
		wg.Wait()
	}), nil
}

func sensorFor(tier fusion.Tier) fusion.Sensor {
	switch tier {
	case fusion.TierAbsoluteOrientation:
		return fusion.SensorAbsoluteOrientation
	case fusion.TierMagnetometerGyroscope:
		return fusion.SensorMagnetometer
	default:
		return fusion.SensorOrientation
	}
}

// Tap wraps a source so every event it produces is also written to w.
func Tap(src lifecycle.Source, w *Writer, log *zap.Logger) lifecycle.Source {
	if log == nil {
		log = zap.NewNop()
	}
	return &tap{Source: src, w: w, log: log}
}

type tap struct {
	lifecycle.Source
	w   *Writer
	log *zap.Logger
}

func (t *tap) Start(ctx context.Context, session uint64, out chan<- fusion.Event) (lifecycle.Handle, error) {
	in := make(chan fusion.Event, cap(out))
	h, err := t.Source.Start(ctx, session, in)
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case ev := <-in:
				if err := t.w.WriteEvent(time.Now(), ev); err != nil {
					t.log.Warn("sensor log write failed", zap.Error(err))
				}
				select {
				case out <- ev:
				case <-stop:
					return
				}
			}
		}
	}()

	return lifecycle.HandleFunc(func() {
		h.Stop()
		close(stop)
		<-done
	}), nil
}
