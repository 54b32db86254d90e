// Package lifecycle drives the sensor tier cascade for one device session.
//
// A Controller owns the fusion engine and every sensor handle. All state
// changes happen on a single run-loop goroutine; public methods post requests
// to it and wait for the result.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"compass-ng/internal/fusion"
	"compass-ng/internal/geodesy"
	"compass-ng/internal/heading"
	"compass-ng/internal/metrics"
)

var (
	ErrNoLocation = errors.New("lifecycle: user location unknown")
	ErrNotStarted = errors.New("lifecycle: controller not started")
	ErrClosed     = errors.New("lifecycle: controller closed")
)

type State int

const (
	StateIdle State = iota
	StateProbing
	StateActive
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateActive:
		return "active"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

type Config struct {
	Fusion fusion.Config
	// ResumeDelay lets the platform settle focus before re-probing.
	ResumeDelay time.Duration
	// UserAgent feeds the device classification gate.
	UserAgent string
	// EventBuffer sizes the shared sensor event channel.
	EventBuffer int
}

// Snapshot is a copy of the controller state for status pages.
type Snapshot struct {
	State         string             `json:"state"`
	Tier          string             `json:"tier"`
	Session       uint64             `json:"session"`
	Device        string             `json:"device"`
	Status        fusion.Status      `json:"status"`
	Heading       heading.Snapshot   `json:"heading"`
	Fusion        fusion.FusionState `json:"fusion"`
	Location      *geodesy.GeoPoint  `json:"location,omitempty"`
	LastUpdateUTC string             `json:"last_update_utc,omitempty"`
}

type reqKind int

const (
	reqActivate reqKind = iota + 1
	reqSuspend
	reqResume
	reqSetLocation
	reqSetDestination
	reqClearDestination
)

type request struct {
	kind  reqKind
	point geodesy.GeoPoint
	label string
	done  chan error
}

type permKind int

const (
	permOrientation permKind = iota + 1
	permMotion
)

type permResult struct {
	session uint64
	kind    permKind
	idx     int
	ok      bool
	err     error
}

type Controller struct {
	cfg      Config
	log      *zap.Logger
	sources  []Source
	perms    Permissions
	listener Listener
	device   fusion.DeviceClass

	events chan fusion.Event
	reqCh  chan request
	permCh chan permResult

	// session is bumped before any teardown so in-flight continuations
	// and late samples can be recognized as stale.
	session atomic.Uint64

	mu   sync.RWMutex
	snap Snapshot

	startOnce sync.Once
	started   atomic.Bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}

	// Owned by the run loop.
	engine        *fusion.Engine
	state         State
	activeIdx     int
	handle        Handle
	location      *geodesy.GeoPoint
	permAsked     bool
	motionGranted bool
	resumeTimer   *time.Timer
	resumeC       <-chan time.Time
	lastStatus    fusion.Status
	lastUpdateAt  time.Time
}

// New builds a controller over sources, which are tried in tier order.
// perms may be nil when the platform needs no consent; listener may be nil.
func New(cfg Config, sources []Source, perms Permissions, listener Listener, log *zap.Logger) *Controller {
	if cfg.ResumeDelay <= 0 {
		cfg.ResumeDelay = 500 * time.Millisecond
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	if listener == nil {
		listener = Listeners(nil)
	}
	sorted := make([]Source, 0, len(sources))
	for _, s := range sources {
		if s != nil {
			sorted = append(sorted, s)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Tier() < sorted[j].Tier() })

	c := &Controller{
		cfg:       cfg,
		log:       log,
		sources:   sorted,
		perms:     perms,
		listener:  listener,
		device:    fusion.Classify(cfg.UserAgent),
		events:    make(chan fusion.Event, cfg.EventBuffer),
		reqCh:     make(chan request),
		permCh:    make(chan permResult, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		engine:    fusion.NewEngine(cfg.Fusion),
		activeIdx: -1,
	}
	c.publishSnapshot()
	return c
}

// Start launches the run loop. It is safe to call more than once.
func (c *Controller) Start(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("lifecycle: controller is nil")
	}
	if ctx == nil {
		return fmt.Errorf("lifecycle: ctx is nil")
	}
	c.startOnce.Do(func() {
		c.started.Store(true)
		go c.run(ctx)
	})
	return nil
}

// Close stops the run loop and every sensor handle.
func (c *Controller) Close() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() {
		c.session.Add(1)
		close(c.stopCh)
	})
	if c.started.Load() {
		<-c.doneCh
	}
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Activate starts the tier cascade. Calls while a session is probing, active
// or unavailable are no-ops.
func (c *Controller) Activate(ctx context.Context) error {
	return c.do(ctx, request{kind: reqActivate})
}

// Suspend marks the session stale, then stops every sensor subscription.
func (c *Controller) Suspend(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("lifecycle: controller is nil")
	}
	// Stale first: anything already in flight becomes a no-op even if the
	// run loop is busy.
	c.session.Add(1)
	return c.do(ctx, request{kind: reqSuspend})
}

// Resume re-runs the cascade from the first tier after ResumeDelay.
func (c *Controller) Resume(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("lifecycle: controller is nil")
	}
	c.session.Add(1)
	return c.do(ctx, request{kind: reqResume})
}

// SetLocation records the user position and re-targets any destination.
func (c *Controller) SetLocation(ctx context.Context, p geodesy.GeoPoint) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return c.do(ctx, request{kind: reqSetLocation, point: p})
}

// SetDestination computes bearing and distance from the last known location
// and publishes the new target. It fails with ErrNoLocation before SetLocation.
func (c *Controller) SetDestination(ctx context.Context, p geodesy.GeoPoint, label string) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return c.do(ctx, request{kind: reqSetDestination, point: p, label: label})
}

func (c *Controller) ClearDestination(ctx context.Context) error {
	return c.do(ctx, request{kind: reqClearDestination})
}

func (c *Controller) do(ctx context.Context, req request) error {
	if c == nil {
		return fmt.Errorf("lifecycle: controller is nil")
	}
	if ctx == nil {
		return fmt.Errorf("lifecycle: ctx is nil")
	}
	if !c.started.Load() {
		return ErrNotStarted
	}
	req.done = make(chan error, 1)
	select {
	case c.reqCh <- req:
	case <-c.doneCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-c.doneCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.doneCh)
	defer c.teardown()

	for {
		select {
		case <-ctx.Done():
			c.session.Add(1)
			return
		case <-c.stopCh:
			return
		case req := <-c.reqCh:
			req.done <- c.handleRequest(ctx, req)
		case res := <-c.permCh:
			c.onPermission(ctx, res)
		case ev := <-c.events:
			c.onEvent(ctx, ev)
		case <-c.resumeC:
			c.resumeTimer = nil
			c.resumeC = nil
			c.beginProbe(ctx)
		}
	}
}

func (c *Controller) handleRequest(ctx context.Context, req request) error {
	switch req.kind {
	case reqActivate:
		if c.state != StateIdle || c.resumeC != nil {
			return nil
		}
		c.beginProbe(ctx)
		return nil
	case reqSuspend:
		c.cancelResume()
		c.stopActive()
		c.setState(StateIdle)
		c.log.Info("sensors suspended", zap.Uint64("session", c.session.Load()))
		return nil
	case reqResume:
		c.cancelResume()
		c.stopActive()
		c.setState(StateProbing)
		c.resumeTimer = time.NewTimer(c.cfg.ResumeDelay)
		c.resumeC = c.resumeTimer.C
		c.log.Info("sensors resuming", zap.Duration("delay", c.cfg.ResumeDelay))
		return nil
	case reqSetLocation:
		p := req.point
		c.location = &p
		if t, ok := c.engine.State().Target(); ok {
			c.applyTarget(heading.NewTarget(p, t.Point, t.Label))
		}
		c.publishSnapshot()
		return nil
	case reqSetDestination:
		if c.location == nil {
			return ErrNoLocation
		}
		c.applyTarget(heading.NewTarget(*c.location, req.point, req.label))
		c.publishSnapshot()
		return nil
	case reqClearDestination:
		c.engine.State().ClearTarget()
		c.publishSnapshot()
		return nil
	}
	return fmt.Errorf("lifecycle: unknown request %d", req.kind)
}

func (c *Controller) applyTarget(t heading.Target) {
	st := c.engine.State()
	st.SetTarget(t)
	t, _ = st.Target()
	c.publishSnapshot()
	c.log.Info("destination set",
		zap.String("label", t.Label),
		zap.Float64("bearing_deg", t.BearingDeg),
		zap.Float64("distance_km", t.DistanceKm))
	c.listener.OnTargetChanged(t.BearingDeg, t.DistanceKm, t.Label)
	// Redraw the indicator against the current heading.
	if h, ok := st.Smoothed(); ok {
		c.listener.OnHeadingChanged(h)
	}
}

func (c *Controller) beginProbe(ctx context.Context) {
	sess := c.session.Add(1)
	c.permAsked = false
	c.motionGranted = false
	c.activeIdx = -1
	metrics.SessionsStartedTotal.Inc()
	c.setState(StateProbing)
	c.log.Info("probing sensors", zap.Uint64("session", sess), zap.String("device", string(c.device)))

	if !c.device.HasCompass() {
		c.unavailable(fusion.StatusDesktop())
		return
	}
	c.emitStatus(fusion.StatusInitializing())
	c.probeFrom(ctx, sess, 0)
}

// probeFrom tries sources[idx:] in order; the first successful Start wins.
func (c *Controller) probeFrom(ctx context.Context, sess uint64, idx int) {
	for i := idx; i < len(c.sources); i++ {
		src := c.sources[i]
		tier := src.Tier()
		if tier.Legacy() && c.perms != nil && !c.permAsked {
			c.permAsked = true
			c.requestPermission(ctx, sess, permOrientation, i)
			return
		}

		h, err := src.Start(ctx, sess, c.events)
		if err != nil {
			metrics.TierFailuresTotal.WithLabelValues(tier.String()).Inc()
			c.log.Warn("sensor tier failed", zap.String("tier", tier.String()), zap.Error(err))
			c.emitStatus(fusion.StatusFailed(tier, err, i+1 < len(c.sources)))
			continue
		}
		if h == nil {
			h = HandleFunc(nil)
		}
		c.handle = h
		c.activeIdx = i
		c.engine.Begin(sess, tier)
		effective := tier
		if tier == fusion.TierLegacyOrientationWithMotion && c.perms != nil && !c.motionGranted {
			c.engine.DisableRate()
			effective = fusion.TierLegacyOrientationOnly
		}
		metrics.ActiveSessions.Inc()
		c.setState(StateActive)
		c.log.Info("sensor tier active", zap.String("tier", tier.String()), zap.Uint64("session", sess))
		c.emitStatus(fusion.StatusActive(effective, c.device))
		return
	}
	c.unavailable(fusion.StatusNoSupport())
}

func (c *Controller) requestPermission(ctx context.Context, sess uint64, kind permKind, idx int) {
	perms := c.perms
	go func() {
		var ok bool
		var err error
		if kind == permOrientation {
			ok, err = perms.RequestOrientation(ctx)
		} else {
			ok, err = perms.RequestMotion(ctx)
		}
		select {
		case c.permCh <- permResult{session: sess, kind: kind, idx: idx, ok: ok, err: err}:
		case <-c.stopCh:
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) onPermission(ctx context.Context, res permResult) {
	if res.session != c.session.Load() || c.state != StateProbing {
		metrics.StalePermissionResultsTotal.Inc()
		c.log.Debug("stale permission result dropped", zap.Uint64("session", res.session))
		return
	}
	switch res.kind {
	case permOrientation:
		if res.err != nil {
			c.unavailable(fusion.StatusPermissionError(res.err))
			return
		}
		if !res.ok {
			c.unavailable(fusion.StatusPermissionDenied())
			return
		}
		c.requestPermission(ctx, res.session, permMotion, res.idx)
	case permMotion:
		c.motionGranted = res.ok && res.err == nil
		if !c.motionGranted {
			c.log.Info("motion permission not granted; gyro smoothing disabled")
		}
		c.probeFrom(ctx, res.session, res.idx)
	}
}

func (c *Controller) onEvent(ctx context.Context, ev fusion.Event) {
	if ev.Session != c.session.Load() {
		metrics.StaleEventsTotal.Inc()
		return
	}
	out, ok := c.engine.Step(ev)
	if !ok {
		metrics.StaleEventsTotal.Inc()
		return
	}
	if out.Err != nil {
		_, tier, _ := c.engine.Active()
		if !out.Fatal {
			c.log.Warn("sensor degraded", zap.String("tier", tier.String()), zap.Error(out.Err))
			c.emitStatus(fusion.StatusDegraded(tier, out.Err))
			return
		}
		metrics.TierFailuresTotal.WithLabelValues(tier.String()).Inc()
		c.log.Warn("sensor tier lost", zap.String("tier", tier.String()), zap.Error(out.Err))
		next := c.activeIdx + 1
		c.stopActive()
		c.emitStatus(fusion.StatusFailed(tier, out.Err, next < len(c.sources)))
		c.setState(StateProbing)
		c.probeFrom(ctx, ev.Session, next)
		return
	}
	if !out.Updated {
		return
	}
	now := time.Now().UTC()
	if !c.lastUpdateAt.IsZero() {
		metrics.UpdateInterval.Observe(now.Sub(c.lastUpdateAt).Seconds())
	}
	c.lastUpdateAt = now
	metrics.HeadingUpdatesTotal.WithLabelValues(out.Update.Tier.String()).Inc()
	c.publishSnapshot()
	c.listener.OnHeadingChanged(out.Update.SmoothedDeg)
}

func (c *Controller) unavailable(st fusion.Status) {
	c.setState(StateUnavailable)
	c.log.Warn("compass unavailable", zap.String("reason", st.Label))
	c.emitStatus(st)
}

func (c *Controller) stopActive() {
	if c.handle != nil {
		c.handle.Stop()
		c.handle = nil
		metrics.ActiveSessions.Dec()
	}
	c.engine.Reset()
	c.activeIdx = -1
}

func (c *Controller) cancelResume() {
	if c.resumeTimer != nil {
		c.resumeTimer.Stop()
	}
	c.resumeTimer = nil
	c.resumeC = nil
}

func (c *Controller) teardown() {
	c.cancelResume()
	c.stopActive()
	c.setState(StateIdle)
}

func (c *Controller) setState(s State) {
	c.state = s
	c.publishSnapshot()
}

func (c *Controller) emitStatus(st fusion.Status) {
	c.lastStatus = st
	c.publishSnapshot()
	c.listener.OnSensorStatus(st)
}

func (c *Controller) publishSnapshot() {
	snap := Snapshot{
		State:   c.state.String(),
		Tier:    "none",
		Session: c.session.Load(),
		Device:  string(c.device),
		Status:  c.lastStatus,
		Heading: c.engine.State().Snapshot(),
		Fusion:  c.engine.Snapshot(),
	}
	if _, tier, ok := c.engine.Active(); ok {
		snap.Tier = tier.String()
	}
	if c.location != nil {
		p := *c.location
		snap.Location = &p
	}
	if !c.lastUpdateAt.IsZero() {
		snap.LastUpdateUTC = c.lastUpdateAt.Format(time.RFC3339Nano)
	}
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
}
