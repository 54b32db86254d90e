package sensors

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/geo/r3"

	"compass-ng/internal/fusion"
	"compass-ng/internal/sensors/icm20948"
)

type fakeIMU struct {
	mu      sync.Mutex
	samples []icm20948.Sample
	err     error
}

func (f *fakeIMU) Read() (icm20948.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return icm20948.Sample{}, f.err
	}
	if len(f.samples) == 0 {
		return icm20948.Sample{Time: time.Now()}, nil
	}
	s := f.samples[0]
	if len(f.samples) > 1 {
		f.samples = f.samples[1:]
	}
	return s, nil
}

type countingCloser struct{ n atomic.Int32 }

func (c *countingCloser) Close() error {
	c.n.Add(1)
	return nil
}

func openFake(dev Reader, c io.Closer) opener {
	return func() (Reader, io.Closer, error) { return dev, c, nil }
}

func recv(t *testing.T, ch <-chan fusion.Event) fusion.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return fusion.Event{}
}

func TestIMUSource_OpenFailureIsUnavailable(t *testing.T) {
	src := newIMUSource(func() (Reader, io.Closer, error) {
		return nil, nil, errors.New("i2c: open /dev/i2c-1: no such file or directory")
	}, 0, nil)
	if src.Tier() != fusion.TierMagnetometerGyroscope {
		t.Fatalf("tier=%v", src.Tier())
	}
	_, err := src.Start(context.Background(), 1, make(chan fusion.Event, 1))
	var sre *fusion.SensorReadError
	if !errors.As(err, &sre) || sre.Sensor != fusion.SensorMagnetometer {
		t.Fatalf("err=%v want magnetometer SensorReadError", err)
	}
	if !errors.Is(err, fusion.ErrSensorUnavailable) {
		t.Fatalf("err=%v want ErrSensorUnavailable", err)
	}
}

func TestIMUSource_EmitsMagnetometerAndGyroscope(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	dev := &fakeIMU{samples: []icm20948.Sample{{
		Time:     at,
		Gyro:     r3.Vector{Z: -90},
		Mag:      r3.Vector{X: 0, Y: 30, Z: -40},
		MagValid: true,
	}}}
	closer := &countingCloser{}
	src := newIMUSource(openFake(dev, closer), 5*time.Millisecond, nil)

	out := make(chan fusion.Event, 16)
	h, err := src.Start(context.Background(), 7, out)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	mag := recv(t, out)
	if mag.Kind != fusion.KindMagnetometer || mag.Session != 7 || mag.Tier != fusion.TierMagnetometerGyroscope {
		t.Fatalf("first event=%+v", mag)
	}
	if mag.TimestampMs != at.UnixMilli() {
		t.Fatalf("t=%d want %d", mag.TimestampMs, at.UnixMilli())
	}
	if h, ok := fusion.MagnetometerHeading(mag.Vector); !ok || math.Abs(h-90) > 1e-9 {
		t.Fatalf("magnetometer heading=%v want 90", h)
	}

	gyro := recv(t, out)
	if gyro.Kind != fusion.KindGyroscope {
		t.Fatalf("second event=%+v", gyro)
	}
	// -90 deg/s about chip Z is a clockwise turn.
	if math.Abs(gyro.Vector.Z-math.Pi/2) > 1e-9 {
		t.Fatalf("gyro z=%v want pi/2", gyro.Vector.Z)
	}

	h.Stop()
	h.Stop()
	if closer.n.Load() != 1 {
		t.Fatalf("closes=%d want 1", closer.n.Load())
	}
}

func TestIMUEvents_NoMagnetometerReading(t *testing.T) {
	evs := imuEvents(3, icm20948.Sample{Time: time.Now(), Gyro: r3.Vector{Z: 10}})
	if len(evs) != 1 || evs[0].Kind != fusion.KindGyroscope {
		t.Fatalf("events=%+v want gyroscope only", evs)
	}
}

func TestIMUSource_ReadFailuresEndSession(t *testing.T) {
	dev := &fakeIMU{err: errors.New("i2c: remote I/O error")}
	src := newIMUSource(openFake(dev, nil), time.Millisecond, nil)

	out := make(chan fusion.Event, 4)
	h, err := src.Start(context.Background(), 2, out)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	ev := recv(t, out)
	if ev.Kind != fusion.KindError || ev.Session != 2 {
		t.Fatalf("event=%+v want error", ev)
	}
	if !errors.Is(ev.Err, fusion.ErrNotReadable) {
		t.Fatalf("err=%v want ErrNotReadable", ev.Err)
	}
	if ev2 := recv(t, out); ev2.Kind != fusion.KindError || !errors.Is(ev2.Err, fusion.ErrNotReadable) {
		t.Fatalf("second event=%+v want error", ev2)
	}
}
