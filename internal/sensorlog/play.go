package sensorlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"compass-ng/internal/fusion"
)

type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Play replays records with their relative timing until ctx ends.
//
// START markers reset the origin. speed 1.0 is real time, 2.0 halves waits.
func Play(ctx context.Context, records []Record, speed float64, loop bool, sleeper Sleeper, cb func(fusion.Sample) error) error {
	if speed <= 0 {
		return fmt.Errorf("sensorlog: speed must be > 0")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}
	if cb == nil {
		return errors.New("sensorlog: callback is nil")
	}
	if len(records) == 0 {
		return errors.New("sensorlog: no records")
	}

	for {
		var origin, lastAt time.Duration
		haveLast := false

		for _, r := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			if r.Sample == nil {
				origin = r.At
				lastAt = 0
				haveLast = false
				continue
			}

			at := max(r.At-origin, 0)
			if haveLast {
				wait := time.Duration(float64(max(at-lastAt, 0)) / speed)
				if wait > 0 {
					if err := sleeper.Sleep(ctx, wait); err != nil {
						return err
					}
				}
			}
			if err := cb(*r.Sample); err != nil {
				return err
			}
			lastAt = at
			haveLast = true
		}

		if !loop {
			return nil
		}
	}
}
