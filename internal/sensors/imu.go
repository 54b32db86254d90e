// Package sensors exposes locally attached hardware as compass sensor sources.
package sensors

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"go.uber.org/zap"

	"compass-ng/internal/fusion"
	"compass-ng/internal/i2c"
	"compass-ng/internal/lifecycle"
	"compass-ng/internal/sensors/icm20948"
)

const (
	degToRad = 0.017453292519943295

	// maxReadFailures consecutive bus errors end the session with
	// not-readable errors so the controller can fall back.
	maxReadFailures = 5
)

// IMUConfig locates an ICM-20948 on an I2C bus.
type IMUConfig struct {
	Bus      string
	Addr     uint16
	Interval time.Duration
}

// Reader yields IMU samples.
type Reader interface {
	Read() (icm20948.Sample, error)
}

type opener func() (Reader, io.Closer, error)

// IMUSource is the magnetometer+gyroscope tier backed by an ICM-20948.
//
// The chip's X axis is the pointing direction and Z points up. Magnetometer
// readings pass through unchanged, so heading is atan2(y, x). The gyroscope
// Z rate is negated since a clockwise turn is negative in the chip's
// right-handed frame.
type IMUSource struct {
	open     opener
	interval time.Duration
	log      *zap.Logger
}

func NewIMUSource(cfg IMUConfig, log *zap.Logger) *IMUSource {
	if cfg.Bus == "" {
		cfg.Bus = "/dev/i2c-1"
	}
	if cfg.Addr == 0 {
		cfg.Addr = icm20948.DefaultAddress()
	}
	open := func() (Reader, io.Closer, error) {
		bus, err := i2c.Open(cfg.Bus)
		if err != nil {
			return nil, nil, err
		}
		dev, err := icm20948.New(bus.Dev(cfg.Addr), bus.Dev(icm20948.MagnetometerAddress()))
		if err != nil {
			_ = bus.Close()
			return nil, nil, err
		}
		return dev, bus, nil
	}
	return newIMUSource(open, cfg.Interval, log)
}

func newIMUSource(open opener, interval time.Duration, log *zap.Logger) *IMUSource {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &IMUSource{open: open, interval: interval, log: log}
}

func (s *IMUSource) Tier() fusion.Tier { return fusion.TierMagnetometerGyroscope }

func (s *IMUSource) Start(ctx context.Context, session uint64, out chan<- fusion.Event) (lifecycle.Handle, error) {
	dev, closer, err := s.open()
	if err != nil {
		return nil, &fusion.SensorReadError{
			Sensor: fusion.SensorMagnetometer,
			Err:    fmt.Errorf("%w: %v", fusion.ErrSensorUnavailable, err),
		}
	}
	s.log.Info("imu started", zap.Uint64("session", session), zap.Duration("interval", s.interval))

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.run(runCtx, session, dev, out)
	}()

	var once sync.Once
	return lifecycle.HandleFunc(func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			if closer != nil {
				_ = closer.Close()
			}
		})
	}), nil
}

func (s *IMUSource) run(ctx context.Context, session uint64, dev Reader, out chan<- fusion.Event) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	send := func(ev fusion.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sample, err := dev.Read()
		if err != nil {
			failures++
			s.log.Debug("imu read failed", zap.Int("failures", failures), zap.Error(err))
			if failures >= maxReadFailures {
				s.log.Warn("imu not readable", zap.Error(err))
				// Both sensors share the bus, so both are lost.
				for _, sensor := range []fusion.Sensor{fusion.SensorMagnetometer, fusion.SensorGyroscope} {
					if !send(fusion.ErrorEvent(session, fusion.TierMagnetometerGyroscope, sensor, fusion.ErrNotReadable)) {
						return
					}
				}
				return
			}
			continue
		}
		failures = 0

		for _, ev := range imuEvents(session, sample) {
			if !send(ev) {
				return
			}
		}
	}
}

// imuEvents converts one read into magnetometer and gyroscope events.
func imuEvents(session uint64, sample icm20948.Sample) []fusion.Event {
	base := fusion.Event{
		Session:     session,
		Tier:        fusion.TierMagnetometerGyroscope,
		TimestampMs: sample.Time.UnixMilli(),
	}
	out := make([]fusion.Event, 0, 2)
	if sample.MagValid {
		mag := base
		mag.Kind = fusion.KindMagnetometer
		mag.Vector = sample.Mag
		out = append(out, mag)
	}
	gyro := base
	gyro.Kind = fusion.KindGyroscope
	gyro.Vector = r3.Vector{
		X: sample.Gyro.X * degToRad,
		Y: sample.Gyro.Y * degToRad,
		Z: -sample.Gyro.Z * degToRad,
	}
	return append(out, gyro)
}
