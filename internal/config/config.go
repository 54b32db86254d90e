package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"compass-ng/internal/fusion"
	"compass-ng/internal/geodesy"
)

type Config struct {
	Fusion      FusionConfig      `yaml:"fusion"`
	Web         WebConfig         `yaml:"web"`
	Geolocation GeolocationConfig `yaml:"geolocation"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Destination DestinationConfig `yaml:"destination"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	UDP         UDPConfig         `yaml:"udp"`
	Sim         SimConfig         `yaml:"sim"`
	IMU         IMUConfig         `yaml:"imu"`
	Record      RecordConfig      `yaml:"record"`
	Replay      ReplayConfig      `yaml:"replay"`
	Log         LogConfig         `yaml:"log"`
}

type FusionConfig struct {
	Alpha           float64       `yaml:"alpha"`
	SmoothingFactor float64       `yaml:"smoothing_factor"`
	MaxRateGap      time.Duration `yaml:"max_rate_gap"`
	ResumeDelay     time.Duration `yaml:"resume_delay"`
	// UserAgent classifies the server-side controller. Empty counts as a
	// device with sensors.
	UserAgent string `yaml:"user_agent"`
}

// Engine converts to the fusion engine's config.
func (c FusionConfig) Engine() fusion.Config {
	return fusion.Config{Alpha: c.Alpha, SmoothingFactor: c.SmoothingFactor, MaxRateGap: c.MaxRateGap}
}

type WebConfig struct {
	// Enable defaults to true when omitted.
	Enable *bool  `yaml:"enable"`
	Listen string `yaml:"listen"`
}

func (c WebConfig) Enabled() bool { return c.Enable == nil || *c.Enable }

type GeolocationConfig struct {
	Source    string        `yaml:"source"`
	StaticLat float64       `yaml:"static_lat"`
	StaticLon float64       `yaml:"static_lon"`
	Device    string        `yaml:"device"`
	Baud      int           `yaml:"baud"`
	GPSDAddr  string        `yaml:"gpsd_addr"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxAge    time.Duration `yaml:"max_age"`
	// Refresh is how often the server controller re-reads its position.
	Refresh time.Duration `yaml:"refresh"`
}

type CatalogConfig struct {
	Path string `yaml:"path"`
}

// DestinationConfig is the server controller's initial target: either a
// catalog country and city, or lat and lon.
type DestinationConfig struct {
	Country string   `yaml:"country"`
	City    string   `yaml:"city"`
	Lat     *float64 `yaml:"lat"`
	Lon     *float64 `yaml:"lon"`
}

func (c DestinationConfig) IsSet() bool {
	return c.Country != "" || c.City != "" || c.Lat != nil || c.Lon != nil
}

type MQTTConfig struct {
	Enable      bool   `yaml:"enable"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	// SensorSource subscribes to <prefix>/sensor/+ as a magnetometer and
	// gyroscope tier.
	SensorSource bool `yaml:"sensor_source"`
}

type UDPConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

type SimConfig struct {
	Enable        bool          `yaml:"enable"`
	StartDeg      float64       `yaml:"start_deg"`
	RateDegPerSec float64       `yaml:"rate_deg_per_sec"`
	Interval      time.Duration `yaml:"interval"`
	Tiers         []string      `yaml:"tiers"`
	Scenario      string        `yaml:"scenario"`
	Loop          bool          `yaml:"loop"`
}

// ParsedTiers returns Tiers as fusion tiers; call after validation.
func (c SimConfig) ParsedTiers() []fusion.Tier {
	out := make([]fusion.Tier, 0, len(c.Tiers))
	for _, s := range c.Tiers {
		if t, ok := fusion.ParseTier(s); ok {
			out = append(out, t)
		}
	}
	return out
}

// IMUConfig enables an ICM-20948 on the host's I2C bus as the server-side
// magnetometer and gyroscope tier.
type IMUConfig struct {
	Enable   bool          `yaml:"enable"`
	Bus      string        `yaml:"bus"`
	Addr     uint16        `yaml:"addr"`
	Interval time.Duration `yaml:"interval"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type ReplayConfig struct {
	Enable bool    `yaml:"enable"`
	Path   string  `yaml:"path"`
	Speed  float64 `yaml:"speed"`
	Loop   bool    `yaml:"loop"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, decodeError(err)
	}

	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeError reports unknown keys without yaml's line prefixes.
func decodeError(err error) error {
	var te *yaml.TypeError
	if !errors.As(err, &te) {
		return err
	}
	unknown := make([]string, 0, len(te.Errors))
	for _, e := range te.Errors {
		if !strings.Contains(e, "not found in type") {
			return err
		}
		if _, rest, ok := strings.Cut(e, ": "); ok && strings.HasPrefix(e, "line ") {
			e = rest
		}
		unknown = append(unknown, e)
	}
	return fmt.Errorf("config contains unknown fields: %s", strings.Join(unknown, "; "))
}

// DefaultAndValidate fills defaults and checks cfg in place. Load calls it;
// programmatic configs should too.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if cfg.Fusion.Alpha < 0 || cfg.Fusion.Alpha > 1 {
		return fmt.Errorf("fusion.alpha must be in [0,1]")
	}
	if cfg.Fusion.SmoothingFactor < 0 || cfg.Fusion.SmoothingFactor > 1 {
		return fmt.Errorf("fusion.smoothing_factor must be in [0,1]")
	}
	if cfg.Fusion.ResumeDelay <= 0 {
		cfg.Fusion.ResumeDelay = 500 * time.Millisecond
	}

	if strings.TrimSpace(cfg.Web.Listen) == "" {
		cfg.Web.Listen = ":8080"
	}

	if err := validateGeolocation(&cfg.Geolocation); err != nil {
		return err
	}

	if cfg.Destination.IsSet() {
		d := cfg.Destination
		switch {
		case d.Lat != nil || d.Lon != nil:
			if d.Lat == nil || d.Lon == nil {
				return fmt.Errorf("destination.lat and destination.lon must be set together")
			}
			if d.Country != "" || d.City != "" {
				return fmt.Errorf("destination takes either country/city or lat/lon")
			}
			if err := (geodesy.GeoPoint{Lat: *d.Lat, Lon: *d.Lon}).Validate(); err != nil {
				return fmt.Errorf("destination: %w", err)
			}
		case d.Country == "" || d.City == "":
			return fmt.Errorf("destination.country and destination.city must be set together")
		}
	}

	if cfg.MQTT.Enable {
		if strings.TrimSpace(cfg.MQTT.Broker) == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt.enable is true")
		}
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = "compass-ng"
		}
		if cfg.MQTT.TopicPrefix == "" {
			cfg.MQTT.TopicPrefix = "compass"
		}
	} else if cfg.MQTT.SensorSource {
		return fmt.Errorf("mqtt.sensor_source requires mqtt.enable")
	}

	if cfg.UDP.Enable && strings.TrimSpace(cfg.UDP.Dest) == "" {
		return fmt.Errorf("udp.dest is required when udp.enable is true")
	}

	// Simulator defaults (safe even if disabled).
	if cfg.Sim.Interval <= 0 {
		cfg.Sim.Interval = 50 * time.Millisecond
	}
	for _, s := range cfg.Sim.Tiers {
		if _, ok := fusion.ParseTier(s); !ok {
			return fmt.Errorf("sim.tiers: unknown tier %q", s)
		}
	}

	if cfg.IMU.Enable {
		if strings.TrimSpace(cfg.IMU.Bus) == "" {
			cfg.IMU.Bus = "/dev/i2c-1"
		}
		if cfg.IMU.Addr == 0 {
			cfg.IMU.Addr = 0x68
		}
		if cfg.IMU.Addr > 0x7F {
			return fmt.Errorf("imu.addr must be a 7-bit address")
		}
		if cfg.IMU.Interval <= 0 {
			cfg.IMU.Interval = 20 * time.Millisecond
		}
	}

	if cfg.Record.Enable && cfg.Record.Path == "" {
		return fmt.Errorf("record.path is required when record.enable is true")
	}
	if cfg.Replay.Enable {
		if cfg.Replay.Path == "" {
			return fmt.Errorf("replay.path is required when replay.enable is true")
		}
		if cfg.Replay.Speed == 0 {
			cfg.Replay.Speed = 1
		}
		if cfg.Replay.Speed < 0 {
			return fmt.Errorf("replay.speed must be > 0")
		}
	}
	if cfg.Record.Enable && cfg.Replay.Enable {
		return fmt.Errorf("record and replay cannot both be enabled")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Log.Level)) {
	case "":
		cfg.Log.Level = "info"
	case "debug", "info", "warn", "error":
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}

	return nil
}

func validateGeolocation(g *GeolocationConfig) error {
	g.Source = strings.ToLower(strings.TrimSpace(g.Source))
	switch g.Source {
	case "":
		g.Source = "browser"
	case "browser":
	case "static":
		if err := (geodesy.GeoPoint{Lat: g.StaticLat, Lon: g.StaticLon}).Validate(); err != nil {
			return fmt.Errorf("geolocation.static_lat/static_lon: %w", err)
		}
	case "nmea":
		if g.Baud == 0 {
			g.Baud = 9600
		}
		if g.Baud < 0 {
			return fmt.Errorf("geolocation.baud must be > 0")
		}
	case "gpsd":
		if strings.TrimSpace(g.GPSDAddr) == "" {
			g.GPSDAddr = "127.0.0.1:2947"
		}
	default:
		return fmt.Errorf("geolocation.source must be one of static, nmea, gpsd, browser")
	}
	if g.Timeout <= 0 {
		g.Timeout = 10 * time.Second
	}
	if g.MaxAge <= 0 {
		g.MaxAge = 60 * time.Second
	}
	if g.Refresh <= 0 {
		g.Refresh = 5 * time.Second
	}
	return nil
}
