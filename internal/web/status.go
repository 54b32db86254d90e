package web

import (
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"compass-ng/internal/geoloc"
	"compass-ng/internal/lifecycle"
)

// Status holds process-level facts for /api/status. Live component state
// is read from the handler's dependencies at request time.
type Status struct {
	startUnixNano int64
	static        atomic.Value // StaticInfo
	build         BuildInfo
}

// StaticInfo describes how the process was configured.
type StaticInfo struct {
	Listen         string   `json:"listen,omitempty"`
	Sources        []string `json:"sources,omitempty"`
	Sinks          []string `json:"sinks,omitempty"`
	LocationSource string   `json:"location_source,omitempty"`
}

type BuildInfo struct {
	GoVersion  string `json:"go_version"`
	ModulePath string `json:"module_path,omitempty"`
	Version    string `json:"version,omitempty"`
	Commit     string `json:"commit,omitempty"`
	Dirty      bool   `json:"dirty,omitempty"`
	BuildTime  string `json:"build_time,omitempty"`
}

func NewStatus() *Status {
	s := &Status{build: readBuildInfo()}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.static.Store(StaticInfo{})
	return s
}

func (s *Status) SetStatic(info StaticInfo) {
	s.static.Store(info)
}

type StatusSnapshot struct {
	Service        string              `json:"service"`
	NowUTC         string              `json:"now_utc"`
	UptimeSec      int64               `json:"uptime_sec"`
	Build          BuildInfo           `json:"build"`
	Static         StaticInfo          `json:"static"`
	Compass        *lifecycle.Snapshot `json:"compass,omitempty"`
	Location       *geoloc.Snapshot    `json:"location,omitempty"`
	SensorClients  []ClientInfo        `json:"sensor_clients"`
	HeadingViewers int                 `json:"heading_viewers"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()
	uptime := nowUTC.Sub(start)
	if uptime < 0 {
		uptime = 0
	}
	static, _ := s.static.Load().(StaticInfo)
	return StatusSnapshot{
		Service:       "compass-ng",
		NowUTC:        nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:     int64(uptime / time.Second),
		Build:         s.build,
		Static:        static,
		SensorClients: []ClientInfo{},
	}
}

func readBuildInfo() BuildInfo {
	out := BuildInfo{GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return out
	}
	out.ModulePath = bi.Main.Path
	out.Version = bi.Main.Version
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Commit = s.Value
		case "vcs.modified":
			out.Dirty = s.Value == "true"
		case "vcs.time":
			out.BuildTime = s.Value
		}
	}
	return out
}
