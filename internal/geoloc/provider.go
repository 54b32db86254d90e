package geoloc

import (
	"context"
	"errors"
	"sync"
	"time"

	"compass-ng/internal/geodesy"
	"compass-ng/internal/metrics"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultMaximumAge = 60 * time.Second
)

// Options bound a single CurrentPosition call.
// Zero values select DefaultTimeout and DefaultMaximumAge.
type Options struct {
	Timeout    time.Duration
	MaximumAge time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaximumAge <= 0 {
		o.MaximumAge = DefaultMaximumAge
	}
	return o
}

// Fix is a single position report.
type Fix struct {
	Point     geodesy.GeoPoint `json:"point"`
	AccuracyM *float64         `json:"accuracy_m,omitempty"`
	Source    string           `json:"source"`
	Time      time.Time        `json:"time"`
}

// Provider returns the current position or an *Error.
type Provider interface {
	CurrentPosition(ctx context.Context, opts Options) (Fix, error)
}

// Static always reports the same point.
type Static struct {
	Point geodesy.GeoPoint
}

func (s Static) CurrentPosition(ctx context.Context, opts Options) (Fix, error) {
	if err := s.Point.Validate(); err != nil {
		return Fix{}, fail(&Error{Kind: KindPositionUnavailable, Err: err})
	}
	return Fix{Point: s.Point, Source: "static", Time: time.Now().UTC()}, nil
}

// Feed caches the latest fix from a streaming source and lets callers wait
// for a fresh one.
type Feed struct {
	mu      sync.Mutex
	fix     Fix
	have    bool
	err     error
	changed chan struct{}

	now func() time.Time
}

func NewFeed() *Feed {
	return &Feed{changed: make(chan struct{}), now: time.Now}
}

// Publish stores fix and wakes every waiter. A fix without a timestamp is
// stamped with the current time.
func (f *Feed) Publish(fix Fix) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fix.Time.IsZero() {
		fix.Time = f.now().UTC()
	}
	f.fix = fix
	f.have = true
	f.err = nil
	f.wakeLocked()
}

// Fail records a terminal source error. Pending and future requests
// return it until the next Publish.
func (f *Feed) Fail(err error) {
	if err == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	f.wakeLocked()
}

// Last returns the cached fix regardless of age.
func (f *Feed) Last() (Fix, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fix, f.have
}

func (f *Feed) wakeLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

// CurrentPosition returns a cached fix younger than opts.MaximumAge, or
// waits up to opts.Timeout for the next one.
func (f *Feed) CurrentPosition(ctx context.Context, opts Options) (Fix, error) {
	opts = opts.withDefaults()
	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	for {
		f.mu.Lock()
		if f.have && f.now().Sub(f.fix.Time) <= opts.MaximumAge {
			fix := f.fix
			f.mu.Unlock()
			return fix, nil
		}
		if f.err != nil {
			err := f.err
			f.mu.Unlock()
			var ge *Error
			if !errors.As(err, &ge) {
				ge = &Error{Kind: KindPositionUnavailable, Err: err}
			}
			return Fix{}, fail(ge)
		}
		ch := f.changed
		f.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return Fix{}, fail(&Error{Kind: KindTimeout})
		case <-ctx.Done():
			kind := KindOther
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				kind = KindTimeout
			}
			return Fix{}, fail(&Error{Kind: kind, Err: ctx.Err()})
		}
	}
}

func fail(err *Error) *Error {
	metrics.GeolocationErrorsTotal.WithLabelValues(err.Kind.String()).Inc()
	return err
}
