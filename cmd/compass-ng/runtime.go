package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"compass-ng/internal/catalog"
	"compass-ng/internal/config"
	"compass-ng/internal/geodesy"
	"compass-ng/internal/geoloc"
	"compass-ng/internal/lifecycle"
	"compass-ng/internal/mqttbridge"
	"compass-ng/internal/sensorlog"
	"compass-ng/internal/sensors"
	"compass-ng/internal/sim"
	"compass-ng/internal/udp"
	"compass-ng/internal/web"
)

// serveRuntime owns every long-lived service behind `compass-ng serve`.
type serveRuntime struct {
	cfg  config.Config
	log  *zap.Logger
	logs *web.LogBuffer

	status   *web.Status
	catalog  *catalog.Catalog
	geo      *geoloc.Service
	headings *web.HeadingBroadcaster
	bridge   *web.SensorBridge

	// compass is nil when no server-side sensor source is configured.
	compass *lifecycle.Controller

	udp      *udp.Broadcaster
	mqtt     mqtt.Client
	recorder *sensorlog.Writer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newServeRuntime(cfg config.Config, log *zap.Logger, logs *web.LogBuffer) (*serveRuntime, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rt := &serveRuntime{
		cfg:      cfg,
		log:      log,
		logs:     logs,
		status:   web.NewStatus(),
		headings: web.NewHeadingBroadcaster(),
	}

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("catalog load failed: %w", err)
	}
	rt.catalog = cat

	rt.geo = geoloc.New(geoloc.Config{
		Source:   cfg.Geolocation.Source,
		Static:   geodesy.GeoPoint{Lat: cfg.Geolocation.StaticLat, Lon: cfg.Geolocation.StaticLon},
		Device:   cfg.Geolocation.Device,
		Baud:     cfg.Geolocation.Baud,
		GPSDAddr: cfg.Geolocation.GPSDAddr,
	}, log.Named("geoloc"))

	if err := rt.initSinks(); err != nil {
		rt.Close()
		return nil, err
	}
	if err := rt.initCompass(); err != nil {
		rt.Close()
		return nil, err
	}

	rt.bridge = web.NewSensorBridge(lifecycle.Config{
		Fusion:      cfg.Fusion.Engine(),
		ResumeDelay: cfg.Fusion.ResumeDelay,
	}, cat, rt.geo, log.Named("bridge"))
	if rt.recorder != nil {
		w := rt.recorder
		rt.bridge.WrapSources(func(src lifecycle.Source) lifecycle.Source {
			return sensorlog.Tap(src, w, log.Named("record"))
		})
	}

	rt.status.SetStatic(rt.staticInfo())
	return rt, nil
}

func (rt *serveRuntime) initSinks() error {
	if rt.cfg.UDP.Enable {
		b, err := udp.NewBroadcaster(rt.cfg.UDP.Dest)
		if err != nil {
			return fmt.Errorf("udp broadcaster init failed: %w", err)
		}
		rt.udp = b
	}
	if rt.cfg.MQTT.Enable {
		client, err := mqttbridge.Connect(mqttbridge.Config{
			Broker:      rt.cfg.MQTT.Broker,
			ClientID:    rt.cfg.MQTT.ClientID,
			TopicPrefix: rt.cfg.MQTT.TopicPrefix,
		}, rt.log.Named("mqtt"))
		if err != nil {
			return err
		}
		rt.mqtt = client
	}
	if rt.cfg.Record.Enable {
		w, err := sensorlog.CreateWriter(rt.cfg.Record.Path)
		if err != nil {
			return fmt.Errorf("record init failed: %w", err)
		}
		rt.recorder = w
	}
	return nil
}

// serverSources collects the configured sensor sources in priority order.
func (rt *serveRuntime) serverSources() ([]lifecycle.Source, error) {
	var out []lifecycle.Source
	switch {
	case rt.cfg.Replay.Enable:
		recs, err := sensorlog.ReadFile(rt.cfg.Replay.Path)
		if err != nil {
			return nil, fmt.Errorf("replay load failed: %w", err)
		}
		out = append(out, sensorlog.Sources(recs, rt.cfg.Replay.Speed, rt.cfg.Replay.Loop, rt.log.Named("replay"))...)
	case rt.cfg.Sim.Enable:
		dev, err := newSimDevice(rt.cfg.Sim)
		if err != nil {
			return nil, err
		}
		out = append(out, dev.Sources()...)
	}
	if rt.cfg.IMU.Enable {
		out = append(out, sensors.NewIMUSource(sensors.IMUConfig{
			Bus:      rt.cfg.IMU.Bus,
			Addr:     rt.cfg.IMU.Addr,
			Interval: rt.cfg.IMU.Interval,
		}, rt.log.Named("imu")))
	}
	if rt.cfg.MQTT.SensorSource && rt.mqtt != nil {
		out = append(out, mqttbridge.NewSource(rt.mqtt, rt.cfg.MQTT.TopicPrefix, rt.log.Named("mqtt")))
	}
	if rt.recorder != nil {
		for i, src := range out {
			out[i] = sensorlog.Tap(src, rt.recorder, rt.log.Named("record"))
		}
	}
	return out, nil
}

func newSimDevice(cfg config.SimConfig) (*sim.Device, error) {
	d := sim.Device{
		StartDeg:      cfg.StartDeg,
		RateDegPerSec: cfg.RateDegPerSec,
		Loop:          cfg.Loop,
		Tiers:         cfg.ParsedTiers(),
		Interval:      cfg.Interval,
	}
	if cfg.Scenario != "" {
		script, err := sim.LoadScript(cfg.Scenario)
		if err != nil {
			return nil, fmt.Errorf("sim scenario load failed: %w", err)
		}
		sc, err := sim.NewScenario(script)
		if err != nil {
			return nil, fmt.Errorf("sim scenario invalid: %w", err)
		}
		d.Scenario = sc
	}
	return sim.NewDevice(d), nil
}

func (rt *serveRuntime) initCompass() error {
	sources, err := rt.serverSources()
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return nil
	}
	listeners := lifecycle.Listeners{rt.headings}
	if rt.udp != nil {
		listeners = append(listeners, udp.NewFeed(rt.udp, rt.log.Named("udp")))
	}
	if rt.mqtt != nil {
		listeners = append(listeners, mqttbridge.NewPublisher(rt.mqtt, rt.cfg.MQTT.TopicPrefix, rt.log.Named("mqtt")))
	}
	rt.compass = lifecycle.New(lifecycle.Config{
		Fusion:      rt.cfg.Fusion.Engine(),
		ResumeDelay: rt.cfg.Fusion.ResumeDelay,
		UserAgent:   rt.cfg.Fusion.UserAgent,
	}, sources, nil, listeners, rt.log.Named("compass"))
	return nil
}

func (rt *serveRuntime) staticInfo() web.StaticInfo {
	info := web.StaticInfo{LocationSource: rt.cfg.Geolocation.Source}
	if rt.cfg.Web.Enabled() {
		info.Listen = rt.cfg.Web.Listen
	}
	info.Sources = append(info.Sources, "browser")
	switch {
	case rt.cfg.Replay.Enable:
		info.Sources = append(info.Sources, "replay:"+rt.cfg.Replay.Path)
	case rt.cfg.Sim.Enable:
		info.Sources = append(info.Sources, "sim")
	}
	if rt.cfg.IMU.Enable {
		info.Sources = append(info.Sources, "imu:"+rt.cfg.IMU.Bus)
	}
	if rt.cfg.MQTT.SensorSource {
		info.Sources = append(info.Sources, "mqtt")
	}
	if rt.udp != nil {
		info.Sinks = append(info.Sinks, "udp:"+rt.udp.Dest())
	}
	if rt.mqtt != nil {
		info.Sinks = append(info.Sinks, "mqtt:"+rt.cfg.MQTT.Broker)
	}
	if rt.recorder != nil {
		info.Sinks = append(info.Sinks, "record:"+rt.cfg.Record.Path)
	}
	return info
}

// Start launches background work. The server controller is activated
// immediately and fed positions from the geolocation service.
func (rt *serveRuntime) Start(ctx context.Context) error {
	ctx, rt.cancel = context.WithCancel(ctx)
	if err := rt.geo.Start(ctx); err != nil {
		return fmt.Errorf("geolocation start failed: %w", err)
	}
	if rt.compass == nil {
		return nil
	}
	if err := rt.compass.Start(ctx); err != nil {
		return err
	}
	if err := rt.compass.Activate(ctx); err != nil {
		return err
	}
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.followLocation(ctx)
	}()
	return nil
}

// followLocation pushes the current position into the server controller
// every refresh interval. The configured destination is applied once the
// first position arrives.
func (rt *serveRuntime) followLocation(ctx context.Context) {
	opts := geoloc.Options{Timeout: rt.cfg.Geolocation.Timeout, MaximumAge: rt.cfg.Geolocation.MaxAge}
	applied := !rt.cfg.Destination.IsSet()
	var (
		failing  bool
		lastKind geoloc.ErrorKind
	)

	ticker := time.NewTicker(rt.cfg.Geolocation.Refresh)
	defer ticker.Stop()
	for {
		fix, err := rt.geo.CurrentPosition(ctx, opts)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			// Log each kind of failure once until a fix comes back.
			if k := geoloc.KindOf(err); !failing || k != lastKind {
				failing, lastKind = true, k
				rt.log.Warn("position unavailable", zap.String("kind", k.String()), zap.Error(err))
			}
		default:
			failing = false
			if err := rt.compass.SetLocation(ctx, fix.Point); err != nil {
				if ctx.Err() != nil {
					return
				}
				rt.log.Warn("set location failed", zap.Error(err))
				break
			}
			if !applied {
				applied = rt.applyDestination(ctx)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// applyDestination reports whether the configured destination is settled,
// either set or permanently rejected.
func (rt *serveRuntime) applyDestination(ctx context.Context) bool {
	dest, err := configuredDestination(rt.catalog, rt.cfg.Destination)
	if err != nil {
		rt.log.Error("configured destination rejected", zap.Error(err))
		return true
	}
	if err := rt.compass.SetDestination(ctx, dest.Point, dest.Label); err != nil {
		if errors.Is(err, lifecycle.ErrNoLocation) {
			return false
		}
		rt.log.Warn("set destination failed", zap.Error(err))
		return false
	}
	rt.log.Info("destination set",
		zap.String("label", dest.Label),
		zap.Float64("lat", dest.Point.Lat),
		zap.Float64("lon", dest.Point.Lon),
	)
	return true
}

func configuredDestination(cat *catalog.Catalog, d config.DestinationConfig) (catalog.Destination, error) {
	if d.Lat != nil && d.Lon != nil {
		return catalog.Custom(*d.Lat, *d.Lon)
	}
	return cat.Lookup(d.Country, d.City)
}

func (rt *serveRuntime) deps() web.Deps {
	d := web.Deps{
		Status:   rt.status,
		Catalog:  rt.catalog,
		Location: rt.geo,
		Headings: rt.headings,
		Bridge:   rt.bridge,
		Logs:     rt.logs,
	}
	// A nil *Controller must not become a non-nil interface.
	if rt.compass != nil {
		d.Compass = rt.compass
	}
	return d
}

// Run blocks until ctx is cancelled or the web server fails.
func (rt *serveRuntime) Run(ctx context.Context) error {
	if !rt.cfg.Web.Enabled() {
		<-ctx.Done()
		return nil
	}
	rt.log.Info("web listening", zap.String("listen", rt.cfg.Web.Listen))
	err := web.Serve(ctx, rt.cfg.Web.Listen, rt.deps())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (rt *serveRuntime) Close() {
	if rt == nil {
		return
	}
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.wg.Wait()
	if rt.bridge != nil {
		rt.bridge.Close()
	}
	if rt.compass != nil {
		rt.compass.Close()
		rt.compass = nil
	}
	if rt.geo != nil {
		rt.geo.Close()
		rt.geo = nil
	}
	if rt.mqtt != nil {
		rt.mqtt.Disconnect(250)
		rt.mqtt = nil
	}
	if rt.udp != nil {
		_ = rt.udp.Close()
		rt.udp = nil
	}
	if rt.recorder != nil {
		if err := rt.recorder.Close(); err != nil {
			rt.log.Warn("record close failed", zap.Error(err))
		}
		rt.recorder = nil
	}
}
