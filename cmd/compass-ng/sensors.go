package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"compass-ng/internal/config"
	"compass-ng/internal/fusion"
	"compass-ng/internal/geodesy"
	"compass-ng/internal/heading"
	"compass-ng/internal/lifecycle"
	"compass-ng/internal/sensorlog"
)

// replayGrace keeps a replay session open after the last record so the
// final sample reaches the listener.
const replayGrace = 500 * time.Millisecond

type recordOptions struct {
	out       string
	duration  time.Duration
	tiers     []string
	startDeg  float64
	rate      float64
	interval  time.Duration
	scenario  string
	userAgent string
}

func newRecordCmd(newLogger func() (*zap.Logger, error)) *cobra.Command {
	var opts recordOptions
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a simulated sensor session to a sensor log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return runRecord(cmd.Context(), cmd.OutOrStdout(), opts, log)
		},
	}
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "sensor log to write")
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 10*time.Second, "how long to record")
	cmd.Flags().StringSliceVar(&opts.tiers, "tier", nil, "tiers the simulated device supports (abs, maggyro, legacy+motion, legacy); all when empty")
	cmd.Flags().Float64Var(&opts.startDeg, "start-deg", 0, "initial heading")
	cmd.Flags().Float64Var(&opts.rate, "rate", 0, "turn rate in degrees per second")
	cmd.Flags().DurationVar(&opts.interval, "interval", 50*time.Millisecond, "sample interval")
	cmd.Flags().StringVar(&opts.scenario, "scenario", "", "scenario YAML driving heading and failures")
	cmd.Flags().StringVar(&opts.userAgent, "user-agent", "", "user agent used to classify the device")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func runRecord(ctx context.Context, w io.Writer, opts recordOptions, log *zap.Logger) error {
	if opts.duration <= 0 {
		return fmt.Errorf("--duration must be > 0")
	}
	cfg := config.Config{Sim: config.SimConfig{
		Enable:        true,
		StartDeg:      opts.startDeg,
		RateDegPerSec: opts.rate,
		Interval:      opts.interval,
		Tiers:         opts.tiers,
		Scenario:      opts.scenario,
	}}
	if err := config.DefaultAndValidate(&cfg); err != nil {
		return err
	}
	dev, err := newSimDevice(cfg.Sim)
	if err != nil {
		return err
	}

	rec, err := sensorlog.CreateWriter(opts.out)
	if err != nil {
		return err
	}
	sources := dev.Sources()
	for i, src := range sources {
		sources[i] = sensorlog.Tap(src, rec, log.Named("record"))
	}

	snap, err := runSession(ctx, lifecycle.Config{
		Fusion:      cfg.Fusion.Engine(),
		ResumeDelay: cfg.Fusion.ResumeDelay,
		UserAgent:   opts.userAgent,
	}, sources, opts.duration, nil, log)
	if cerr := rec.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "path: %s\n", opts.out)
	printSessionEnd(w, snap)
	return nil
}

type replayOptions struct {
	in        string
	speed     float64
	loop      bool
	duration  time.Duration
	minDelta  float64
	userAgent string
}

func newReplayCmd(newLogger func() (*zap.Logger, error)) *cobra.Command {
	var opts replayOptions
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Feed a sensor log through the fusion engine and print headings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return runReplay(cmd.Context(), cmd.OutOrStdout(), opts, log)
		},
	}
	cmd.Flags().StringVarP(&opts.in, "in", "i", "", "sensor log to replay")
	cmd.Flags().Float64Var(&opts.speed, "speed", 1, "playback speed multiplier")
	cmd.Flags().BoolVar(&opts.loop, "loop", false, "restart at the end of the log")
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "stop after this long; the log length when zero")
	cmd.Flags().Float64Var(&opts.minDelta, "min-delta", 1, "only print headings that moved at least this many degrees")
	cmd.Flags().StringVar(&opts.userAgent, "user-agent", "", "user agent used to classify the device")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func runReplay(ctx context.Context, w io.Writer, opts replayOptions, log *zap.Logger) error {
	if opts.speed <= 0 {
		return fmt.Errorf("--speed must be > 0")
	}
	recs, err := sensorlog.ReadFile(opts.in)
	if err != nil {
		return err
	}
	sources := sensorlog.Sources(recs, opts.speed, opts.loop, log.Named("replay"))
	if len(sources) == 0 {
		return fmt.Errorf("%s: no samples", opts.in)
	}

	d := opts.duration
	if d <= 0 {
		if opts.loop {
			return fmt.Errorf("--loop needs --duration")
		}
		sum := summarizeSensorLog(recs)
		d = time.Duration(float64(sum.MaxDuration)/opts.speed) + replayGrace
	}

	p := &headingPrinter{w: w, minDelta: opts.minDelta}
	snap, err := runSession(ctx, lifecycle.Config{UserAgent: opts.userAgent}, sources, d, p.listener(), log)
	if err != nil {
		return err
	}
	printSessionEnd(w, snap)
	return nil
}

// runSession activates a controller over sources for d, or until ctx ends,
// and returns its snapshot from just before shutdown.
func runSession(ctx context.Context, cfg lifecycle.Config, sources []lifecycle.Source, d time.Duration, listener lifecycle.Listener, log *zap.Logger) (lifecycle.Snapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	// The controller tears down when its context ends, so it runs on the
	// parent and the session length is a separate timer.
	c := lifecycle.New(cfg, sources, nil, listener, log.Named("compass"))
	if err := c.Start(ctx); err != nil {
		return lifecycle.Snapshot{}, err
	}
	defer c.Close()
	if err := c.Activate(ctx); err != nil {
		if ctx.Err() != nil {
			return c.Snapshot(), nil
		}
		return lifecycle.Snapshot{}, err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return c.Snapshot(), nil
}

func printSessionEnd(w io.Writer, snap lifecycle.Snapshot) {
	fmt.Fprintf(w, "state: %s\n", snap.State)
	fmt.Fprintf(w, "tier: %s\n", snap.Tier)
	fmt.Fprintf(w, "status: %s\n", snap.Status.Label)
	if snap.Heading.Valid {
		fmt.Fprintf(w, "heading_deg: %.1f %s\n", snap.Heading.SmoothedDeg, snap.Heading.Direction)
	}
}

// headingPrinter writes status changes and headings that moved by at least
// minDelta. It is only called from the controller goroutine.
type headingPrinter struct {
	w        io.Writer
	minDelta float64

	printed bool
	last    float64
}

func (p *headingPrinter) listener() lifecycle.Listener {
	return lifecycle.ListenerFuncs{
		Heading: p.heading,
		Status: func(st fusion.Status) {
			fmt.Fprintf(p.w, "status: %s (%s)\n", st.Label, st.Tier)
		},
	}
}

func (p *headingPrinter) heading(deg float64) {
	if p.printed && math.Abs(heading.NormalizeSigned(deg-p.last)) < p.minDelta {
		return
	}
	p.printed = true
	p.last = deg
	fmt.Fprintf(p.w, "heading: %.1f %s\n", deg, geodesy.DirectionText(deg))
}

func newLogSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log-summary <path>",
		Short: "Summarize a sensor log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printLogSummary(cmd.OutOrStdout(), args[0])
		},
	}
}
