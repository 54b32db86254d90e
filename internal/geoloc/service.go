package geoloc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"compass-ng/internal/geodesy"
)

// Source names accepted by Config.Source.
const (
	SourceStatic  = "static"
	SourceNMEA    = "nmea"
	SourceGPSD    = "gpsd"
	SourceBrowser = "browser"
)

// Config selects where positions come from.
//
// Device may be empty to auto-detect a USB receiver.
type Config struct {
	Source string

	// Static is used when Source=="static".
	Static geodesy.GeoPoint

	// Device and Baud are used when Source=="nmea".
	Device string
	Baud   int

	// GPSDAddr is host:port when Source=="gpsd".
	GPSDAddr string
}

type Snapshot struct {
	Enabled bool   `json:"enabled"`
	Valid   bool   `json:"valid"`
	Source  string `json:"source,omitempty"`

	GPSDAddr string `json:"gpsd_addr,omitempty"`
	Device   string `json:"device,omitempty"`
	Baud     int    `json:"baud,omitempty"`

	LatDeg     float64  `json:"lat_deg,omitempty"`
	LonDeg     float64  `json:"lon_deg,omitempty"`
	FixMode    *int     `json:"fix_mode,omitempty"`
	Satellites *int     `json:"satellites,omitempty"`
	HDOP       *float64 `json:"hdop,omitempty"`
	HorizAccM  *float64 `json:"horiz_acc_m,omitempty"`

	LastFixUTC string `json:"last_fix_utc,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

// Service runs the configured source in the background and answers
// CurrentPosition from its cache.
type Service struct {
	cfg  Config
	log  *zap.Logger
	feed *Feed

	cancel context.CancelFunc
	wg     sync.WaitGroup

	last atomic.Value // Snapshot

	mu     sync.Mutex
	closer io.Closer
}

func New(cfg Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.Source = normalizeSource(cfg.Source)
	s := &Service{cfg: cfg, log: log, feed: NewFeed()}
	s.last.Store(Snapshot{
		Enabled:  true,
		Source:   cfg.Source,
		GPSDAddr: strings.TrimSpace(cfg.GPSDAddr),
		Device:   cfg.Device,
		Baud:     cfg.Baud,
	})
	return s
}

func normalizeSource(src string) string {
	src = strings.ToLower(strings.TrimSpace(src))
	if src == "" {
		return SourceBrowser
	}
	return src
}

// Start launches the background reader for streaming sources. It is a
// no-op for static and browser sources.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("geoloc: service is nil")
	}
	if ctx == nil {
		return fmt.Errorf("geoloc: ctx is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	switch s.cfg.Source {
	case SourceStatic:
		if err := s.cfg.Static.Validate(); err != nil {
			return fmt.Errorf("geoloc: static position: %w", err)
		}
		cur := s.Snapshot()
		cur.Valid = true
		cur.LatDeg = s.cfg.Static.Lat
		cur.LonDeg = s.cfg.Static.Lon
		s.last.Store(cur)
		return nil
	case SourceBrowser:
		return nil
	case SourceGPSD:
		return s.startGPSDLocked(ctx)
	case SourceNMEA:
		return s.startNMEALocked(ctx)
	default:
		return fmt.Errorf("geoloc: unknown source %q", s.cfg.Source)
	}
}

func (s *Service) startNMEALocked(ctx context.Context) error {
	device := strings.TrimSpace(s.cfg.Device)
	if device == "" {
		device = autoDetectDevice()
		if device == "" {
			err := fmt.Errorf("geoloc: auto-detect failed: no /dev/ttyACM* or /dev/ttyUSB* found")
			s.setErrorLocked(err.Error())
			s.feed.Fail(&Error{Kind: KindPositionUnavailable, Err: err})
			return err
		}
	}
	baud := s.cfg.Baud
	if baud == 0 {
		baud = 9600
	}

	f, err := openSerial(device, baud)
	if err != nil {
		s.setErrorLocked(fmt.Sprintf("open failed device=%s baud=%d: %v", device, baud, err))
		s.feed.Fail(&Error{Kind: KindPositionUnavailable, Err: err})
		return err
	}
	s.closer = f

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.last.Store(Snapshot{Enabled: true, Source: SourceNMEA, Device: device, Baud: baud})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = f.Close() }()

		s.log.Info("geolocation enabled", zap.String("source", SourceNMEA), zap.String("device", device), zap.Int("baud", baud))
		st := nmeaState{device: device, baud: baud}
		err := s.consume(childCtx, f, 4096, st.applyLine, func() {
			s.store(st.snapshot(), st.fix)
		})
		if err != nil && childCtx.Err() == nil {
			s.setError(fmt.Sprintf("read stopped: %v", err))
			s.feed.Fail(&Error{Kind: KindPositionUnavailable, Err: err})
		}
	}()
	return nil
}

func (s *Service) startGPSDLocked(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.GPSDAddr)
	if addr == "" {
		addr = gpsdDefaultAddr
	}

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.last.Store(Snapshot{Enabled: true, Source: SourceGPSD, GPSDAddr: addr})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.log.Info("geolocation enabled", zap.String("source", SourceGPSD), zap.String("addr", addr))
		st := newGPSDState(addr)
		backoff := 250 * time.Millisecond
		const maxBackoff = 10 * time.Second

		for childCtx.Err() == nil {
			conn, err := dialGPSD(childCtx, addr)
			if err != nil {
				s.setError(fmt.Sprintf("gpsd dial failed addr=%s: %v", addr, err))
				select {
				case <-childCtx.Done():
					return
				case <-time.After(min(backoff, maxBackoff)):
				}
				if backoff < maxBackoff {
					backoff *= 2
				}
				continue
			}
			backoff = 250 * time.Millisecond

			s.mu.Lock()
			s.closer = conn
			s.mu.Unlock()

			if err := gpsdWatch(conn); err != nil {
				s.setError(fmt.Sprintf("gpsd watch failed: %v", err))
				_ = conn.Close()
				continue
			}
			err = s.consume(childCtx, conn, 256*1024, st.applyLine, func() {
				s.store(st.snapshot(), st.fix)
			})
			_ = conn.Close()
			if err != nil && childCtx.Err() == nil {
				s.log.Warn("gpsd connection lost", zap.String("addr", addr), zap.Error(err))
				s.setError(fmt.Sprintf("gpsd read stopped: %v", err))
			}
		}
	}()
	return nil
}

// consume scans r line by line until ctx ends or the reader fails.
func (s *Service) consume(ctx context.Context, r io.Reader, maxLine int, apply func(time.Time, string) (bool, error), onUpdate func()) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256), maxLine)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return io.EOF
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		updated, err := apply(time.Now().UTC(), line)
		if err != nil {
			// Keep the last parse error without flipping validity.
			s.setError(err.Error())
			continue
		}
		if updated {
			onUpdate()
		}
	}
}

func (s *Service) store(snap Snapshot, fix func() (Fix, bool)) {
	s.mu.Lock()
	snap.LastError = s.Snapshot().LastError
	s.last.Store(snap)
	s.mu.Unlock()
	if f, ok := fix(); ok {
		s.feed.Publish(f)
	}
}

// Publish records a position reported by a browser.
func (s *Service) Publish(fix Fix) error {
	if err := fix.Point.Validate(); err != nil {
		return fmt.Errorf("geoloc: %w", err)
	}
	if fix.Source == "" {
		fix.Source = SourceBrowser
	}
	s.feed.Publish(fix)

	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.Snapshot()
	cur.Valid = true
	cur.LatDeg = fix.Point.Lat
	cur.LonDeg = fix.Point.Lon
	cur.HorizAccM = fix.AccuracyM
	cur.LastFixUTC = time.Now().UTC().Format(time.RFC3339Nano)
	cur.LastError = ""
	s.last.Store(cur)
	return nil
}

// Fail records a position error reported by a browser.
func (s *Service) Fail(err error) {
	s.feed.Fail(err)
	s.setError(Message(err))
}

func (s *Service) CurrentPosition(ctx context.Context, opts Options) (Fix, error) {
	if s.cfg.Source == SourceStatic {
		return Static{Point: s.cfg.Static}.CurrentPosition(ctx, opts)
	}
	return s.feed.CurrentPosition(ctx, opts)
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	closer := s.closer
	s.cancel = nil
	s.closer = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if closer != nil {
		_ = closer.Close()
	}
	s.wg.Wait()
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	v := s.last.Load()
	if v == nil {
		return Snapshot{}
	}
	return v.(Snapshot)
}

func (s *Service) setError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setErrorLocked(msg)
}

func (s *Service) setErrorLocked(msg string) {
	cur := s.Snapshot()
	cur.LastError = msg
	s.last.Store(cur)
}

func autoDetectDevice() string {
	for _, prefix := range []string{"/dev/ttyACM", "/dev/ttyUSB"} {
		for i := 0; i < 10; i++ {
			p := fmt.Sprintf("%s%d", prefix, i)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}
