package lifecycle

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"

	"compass-ng/internal/fusion"
	"compass-ng/internal/geodesy"
)

const mobileUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile/15E148"

type fakeSource struct {
	tier fusion.Tier

	mu       sync.Mutex
	startErr error
	starts   []uint64
	stops    int
	out      chan<- fusion.Event
	session  uint64
}

func (f *fakeSource) Tier() fusion.Tier { return f.tier }

func (f *fakeSource) Start(ctx context.Context, session uint64, out chan<- fusion.Event) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, session)
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.out = out
	f.session = session
	return HandleFunc(func() {
		f.mu.Lock()
		f.stops++
		f.mu.Unlock()
	}), nil
}

func (f *fakeSource) setStartErr(err error) {
	f.mu.Lock()
	f.startErr = err
	f.mu.Unlock()
}

func (f *fakeSource) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeSource) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// send emits ev tagged with the last started session.
func (f *fakeSource) send(ev fusion.Event) {
	f.mu.Lock()
	out := f.out
	ev.Session = f.session
	ev.Tier = f.tier
	f.mu.Unlock()
	out <- ev
}

type target struct {
	bearing, distance float64
	label             string
}

type recorder struct {
	headings chan float64
	targets  chan target
	statuses chan fusion.Status
}

func newRecorder() *recorder {
	return &recorder{
		headings: make(chan float64, 64),
		targets:  make(chan target, 16),
		statuses: make(chan fusion.Status, 64),
	}
}

func (r *recorder) OnHeadingChanged(deg float64) { r.headings <- deg }

func (r *recorder) OnTargetChanged(bearing, distance float64, label string) {
	r.targets <- target{bearing, distance, label}
}

func (r *recorder) OnSensorStatus(st fusion.Status) { r.statuses <- st }

func (r *recorder) waitStatus(t *testing.T, label string) fusion.Status {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-r.statuses:
			if st.Label == label {
				return st
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %q", label)
		}
	}
}

func (r *recorder) waitHeading(t *testing.T) float64 {
	t.Helper()
	select {
	case h := <-r.headings:
		return h
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for heading")
	}
	return 0
}

func (r *recorder) expectNoHeading(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case h := <-r.headings:
		t.Fatalf("unexpected heading %v", h)
	case <-time.After(within):
	}
}

func startController(t *testing.T, cfg Config, sources []Source, perms Permissions, rec *recorder) *Controller {
	t.Helper()
	if cfg.UserAgent == "" {
		cfg.UserAgent = mobileUA
	}
	if cfg.ResumeDelay == 0 {
		cfg.ResumeDelay = 10 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := New(cfg, sources, perms, rec, nil)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		cancel()
	})
	return c
}

func orientationEvent(alpha float64) fusion.Event {
	return fusion.Event{Kind: fusion.KindOrientation, Orientation: fusion.Orientation{Alpha: &alpha}}
}

func TestController_RequiresStart(t *testing.T) {
	c := New(Config{}, nil, nil, nil, nil)
	if err := c.Activate(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("err=%v want ErrNotStarted", err)
	}
}

func TestController_FallsBackToMagGyro(t *testing.T) {
	abs := &fakeSource{tier: fusion.TierAbsoluteOrientation, startErr: fusion.ErrNotReadable}
	mg := &fakeSource{tier: fusion.TierMagnetometerGyroscope}
	rec := newRecorder()
	c := startController(t, Config{}, []Source{mg, abs}, nil, rec)

	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	rec.waitStatus(t, "AbsoluteOrientationSensor failed")
	st := rec.waitStatus(t, "Magnetometer + Gyroscope active")
	if !st.Active || st.Tier != "Magnetometer+Gyroscope" {
		t.Fatalf("unexpected status: %+v", st)
	}
	if abs.startCount() != 1 || mg.startCount() != 1 {
		t.Fatalf("starts abs=%d mg=%d want 1,1", abs.startCount(), mg.startCount())
	}

	// Gyro only: heading still updates.
	rate := 90 * math.Pi / 180
	mg.send(fusion.Event{Kind: fusion.KindGyroscope, TimestampMs: 0, Vector: r3.Vector{Z: rate}})
	mg.send(fusion.Event{Kind: fusion.KindGyroscope, TimestampMs: 100, Vector: r3.Vector{Z: rate}})
	if h := rec.waitHeading(t); math.Abs(h-9) > 1e-6 {
		t.Fatalf("heading=%v want 9", h)
	}

	snap := c.Snapshot()
	if snap.State != "active" || snap.Tier != "Magnetometer+Gyroscope" {
		t.Fatalf("snapshot state=%s tier=%s", snap.State, snap.Tier)
	}
}

func TestController_DesktopSkipsSensors(t *testing.T) {
	abs := &fakeSource{tier: fusion.TierAbsoluteOrientation}
	rec := newRecorder()
	c := startController(t, Config{UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64)"}, []Source{abs}, nil, rec)

	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	st := rec.waitStatus(t, "No compass sensors (Desktop/Laptop)")
	if st.Active {
		t.Fatalf("desktop status should be inactive")
	}
	if abs.startCount() != 0 {
		t.Fatalf("source started on desktop")
	}
	if got := c.Snapshot().State; got != "unavailable" {
		t.Fatalf("state=%s want unavailable", got)
	}
}

func TestController_NoTierSucceeds(t *testing.T) {
	srcs := []Source{
		&fakeSource{tier: fusion.TierAbsoluteOrientation, startErr: fusion.ErrSensorUnavailable},
		&fakeSource{tier: fusion.TierMagnetometerGyroscope, startErr: fusion.ErrSensorUnavailable},
		&fakeSource{tier: fusion.TierLegacyOrientationOnly, startErr: fusion.ErrSensorUnavailable},
	}
	rec := newRecorder()
	c := startController(t, Config{}, srcs, nil, rec)
	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	rec.waitStatus(t, "No orientation support")
	if got := c.Snapshot().State; got != "unavailable" {
		t.Fatalf("state=%s want unavailable", got)
	}
}

func TestController_ActivateIsIdempotent(t *testing.T) {
	legacy := &fakeSource{tier: fusion.TierLegacyOrientationOnly}
	rec := newRecorder()
	c := startController(t, Config{}, []Source{legacy}, nil, rec)
	for i := 0; i < 3; i++ {
		if err := c.Activate(context.Background()); err != nil {
			t.Fatalf("Activate() error: %v", err)
		}
	}
	if got := legacy.startCount(); got != 1 {
		t.Fatalf("starts=%d want 1", got)
	}
}

func TestController_SuspendDropsLateSamples(t *testing.T) {
	legacy := &fakeSource{tier: fusion.TierLegacyOrientationOnly}
	rec := newRecorder()
	c := startController(t, Config{}, []Source{legacy}, nil, rec)
	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	legacy.send(orientationEvent(90))
	if h := rec.waitHeading(t); h != 270 {
		t.Fatalf("heading=%v want 270", h)
	}

	if err := c.Suspend(context.Background()); err != nil {
		t.Fatalf("Suspend() error: %v", err)
	}
	if legacy.stopCount() != 1 {
		t.Fatalf("stops=%d want 1", legacy.stopCount())
	}
	// A callback that fires after suspension still carries the old session.
	legacy.send(orientationEvent(10))
	rec.expectNoHeading(t, 50*time.Millisecond)
	if got := c.Snapshot().State; got != "idle" {
		t.Fatalf("state=%s want idle", got)
	}
}

func TestController_ResumeRestartsAtFirstTier(t *testing.T) {
	abs := &fakeSource{tier: fusion.TierAbsoluteOrientation, startErr: fusion.ErrNotReadable}
	legacy := &fakeSource{tier: fusion.TierLegacyOrientationOnly}
	rec := newRecorder()
	c := startController(t, Config{}, []Source{abs, legacy}, nil, rec)
	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	rec.waitStatus(t, "Legacy orientation sensor")

	abs.setStartErr(nil)
	if err := c.Suspend(context.Background()); err != nil {
		t.Fatalf("Suspend() error: %v", err)
	}
	if err := c.Resume(context.Background()); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	st := rec.waitStatus(t, "AbsoluteOrientation sensor active")
	if st.Tier != "AbsoluteOrientationSensor" {
		t.Fatalf("tier=%s", st.Tier)
	}
	if abs.startCount() != 2 || legacy.startCount() != 1 {
		t.Fatalf("starts abs=%d legacy=%d want 2,1", abs.startCount(), legacy.startCount())
	}
	// Legacy samples from the previous session are ignored.
	legacy.send(orientationEvent(45))
	rec.expectNoHeading(t, 50*time.Millisecond)
}

func TestController_SuspendCancelsPendingResume(t *testing.T) {
	legacy := &fakeSource{tier: fusion.TierLegacyOrientationOnly}
	rec := newRecorder()
	c := startController(t, Config{ResumeDelay: 50 * time.Millisecond}, []Source{legacy}, nil, rec)
	if err := c.Resume(context.Background()); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	if err := c.Suspend(context.Background()); err != nil {
		t.Fatalf("Suspend() error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if legacy.startCount() != 0 {
		t.Fatalf("source started after cancelled resume")
	}
}

func TestController_RuntimeFailureCascades(t *testing.T) {
	abs := &fakeSource{tier: fusion.TierAbsoluteOrientation}
	legacy := &fakeSource{tier: fusion.TierLegacyOrientationOnly}
	rec := newRecorder()
	c := startController(t, Config{}, []Source{abs, legacy}, nil, rec)
	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	rec.waitStatus(t, "AbsoluteOrientation sensor active")

	abs.send(fusion.Event{Kind: fusion.KindError, Err: &fusion.SensorReadError{Sensor: fusion.SensorAbsoluteOrientation, Err: fusion.ErrNotReadable}})
	failed := rec.waitStatus(t, "AbsoluteOrientationSensor failed")
	if failed.Detail != "Sensor not readable (may not exist). Trying fallback sensors..." {
		t.Fatalf("detail=%q", failed.Detail)
	}
	rec.waitStatus(t, "Legacy orientation sensor")
	if abs.stopCount() != 1 {
		t.Fatalf("abs stops=%d want 1", abs.stopCount())
	}

	// Late sample from the failed tier.
	s := math.Sin(math.Pi / 4)
	abs.send(fusion.Event{Kind: fusion.KindQuaternion, Quaternion: fusion.QuaternionXYZW(0, 0, s, s)})
	rec.expectNoHeading(t, 50*time.Millisecond)
	legacy.send(orientationEvent(0))
	if h := rec.waitHeading(t); h != 0 {
		t.Fatalf("heading=%v want 0", h)
	}
}

type fakePerms struct {
	orientation chan bool
	motion      chan bool
}

func newFakePerms() *fakePerms {
	return &fakePerms{orientation: make(chan bool, 1), motion: make(chan bool, 1)}
}

func (p *fakePerms) RequestOrientation(ctx context.Context) (bool, error) {
	select {
	case ok := <-p.orientation:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (p *fakePerms) RequestMotion(ctx context.Context) (bool, error) {
	select {
	case ok := <-p.motion:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func TestController_OrientationDeniedIsFatal(t *testing.T) {
	legacy := &fakeSource{tier: fusion.TierLegacyOrientationWithMotion}
	perms := newFakePerms()
	rec := newRecorder()
	c := startController(t, Config{}, []Source{legacy}, perms, rec)
	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	perms.orientation <- false
	st := rec.waitStatus(t, "Permission denied")
	if st.Active {
		t.Fatalf("status should be inactive")
	}
	if legacy.startCount() != 0 {
		t.Fatalf("legacy source started despite denial")
	}
	if got := c.Snapshot().State; got != "unavailable" {
		t.Fatalf("state=%s want unavailable", got)
	}
}

func TestController_MotionDeniedDisablesGyro(t *testing.T) {
	legacy := &fakeSource{tier: fusion.TierLegacyOrientationWithMotion}
	perms := newFakePerms()
	rec := newRecorder()
	c := startController(t, Config{}, []Source{legacy}, perms, rec)
	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	perms.orientation <- true
	perms.motion <- false
	st := rec.waitStatus(t, "Legacy orientation sensor")
	if !st.Active || st.Tier != "DeviceOrientation" {
		t.Fatalf("unexpected status: %+v", st)
	}

	legacy.send(orientationEvent(350))
	if h := rec.waitHeading(t); h != 10 {
		t.Fatalf("heading=%v want 10", h)
	}
	// Motion samples are ignored; orientation keeps driving updates.
	legacy.send(fusion.Event{Kind: fusion.KindMotion, TimestampMs: 0})
	legacy.send(fusion.Event{Kind: fusion.KindMotion, TimestampMs: 100, RotationRate: r3.Vector{Z: 100}})
	rec.expectNoHeading(t, 30*time.Millisecond)
	legacy.send(orientationEvent(340))
	if h := rec.waitHeading(t); math.Abs(h-11) > 1e-9 {
		t.Fatalf("heading=%v want 11", h)
	}
}

func TestController_LatePermissionIgnoredAfterSuspend(t *testing.T) {
	legacy := &fakeSource{tier: fusion.TierLegacyOrientationOnly}
	perms := newFakePerms()
	rec := newRecorder()
	c := startController(t, Config{}, []Source{legacy}, perms, rec)
	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	if err := c.Suspend(context.Background()); err != nil {
		t.Fatalf("Suspend() error: %v", err)
	}
	perms.orientation <- true
	time.Sleep(50 * time.Millisecond)
	if legacy.startCount() != 0 {
		t.Fatalf("stale permission started a source")
	}
	if got := c.Snapshot().State; got != "idle" {
		t.Fatalf("state=%s want idle", got)
	}
}

func TestController_Destination(t *testing.T) {
	legacy := &fakeSource{tier: fusion.TierLegacyOrientationOnly}
	rec := newRecorder()
	c := startController(t, Config{}, []Source{legacy}, nil, rec)
	ctx := context.Background()

	paris := geodesy.GeoPoint{Lat: 48.8566, Lon: 2.3522}
	if err := c.SetDestination(ctx, paris, "Paris"); !errors.Is(err, ErrNoLocation) {
		t.Fatalf("err=%v want ErrNoLocation", err)
	}
	if err := c.SetDestination(ctx, geodesy.GeoPoint{Lat: 100}, "bad"); !errors.Is(err, geodesy.ErrInvalidCoordinate) {
		t.Fatalf("err=%v want ErrInvalidCoordinate", err)
	}

	if err := c.SetLocation(ctx, geodesy.GeoPoint{Lat: 52.52, Lon: 13.405}); err != nil {
		t.Fatalf("SetLocation() error: %v", err)
	}
	if err := c.SetDestination(ctx, paris, "Paris"); err != nil {
		t.Fatalf("SetDestination() error: %v", err)
	}
	select {
	case tg := <-rec.targets:
		if tg.label != "Paris" || math.Abs(tg.bearing-245) > 3 || math.Abs(tg.distance-878) > 2 {
			t.Fatalf("unexpected target: %+v", tg)
		}
	case <-time.After(time.Second):
		t.Fatalf("no target published")
	}

	if err := c.Activate(ctx); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	legacy.send(orientationEvent(270))
	if h := rec.waitHeading(t); h != 90 {
		t.Fatalf("heading=%v want 90", h)
	}
	snap := c.Snapshot()
	if snap.Heading.Target == nil || snap.Heading.IndicatorDeg == nil {
		t.Fatalf("snapshot missing target: %+v", snap.Heading)
	}
	want := math.Mod(snap.Heading.Target.BearingDeg+90, 360)
	if math.Abs(*snap.Heading.IndicatorDeg-want) > 1e-9 {
		t.Fatalf("indicator=%v want %v", *snap.Heading.IndicatorDeg, want)
	}

	if err := c.ClearDestination(ctx); err != nil {
		t.Fatalf("ClearDestination() error: %v", err)
	}
	if c.Snapshot().Heading.Target != nil {
		t.Fatalf("target should be cleared")
	}
}
