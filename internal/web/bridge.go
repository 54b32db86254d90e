package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"compass-ng/internal/catalog"
	"compass-ng/internal/fusion"
	"compass-ng/internal/geodesy"
	"compass-ng/internal/geoloc"
	"compass-ng/internal/lifecycle"
	"compass-ng/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	helloWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	outboundBuffer = 64
)

var errSlowClient = errors.New("web: client not draining messages")

// Locator supplies and accepts positions. *geoloc.Service implements it.
type Locator interface {
	CurrentPosition(ctx context.Context, opts geoloc.Options) (geoloc.Fix, error)
	Snapshot() geoloc.Snapshot
	Publish(fix geoloc.Fix) error
	Fail(err error)
}

// clientMessage is anything the page sends. Type selects which fields apply.
type clientMessage struct {
	Type string `json:"type"`

	// hello
	Tiers           []string `json:"tiers,omitempty"`
	NeedsPermission bool     `json:"needs_permission,omitempty"`

	// sample
	Sample *fusion.Sample `json:"sample,omitempty"`

	// permission
	Permission string `json:"permission,omitempty"`
	Granted    bool   `json:"granted,omitempty"`
	Error      string `json:"error,omitempty"`

	// visibility
	Hidden bool `json:"hidden,omitempty"`

	// location, location_error
	Lat       *float64 `json:"lat,omitempty"`
	Lon       *float64 `json:"lon,omitempty"`
	AccuracyM *float64 `json:"accuracy_m,omitempty"`
	Code      string   `json:"code,omitempty"`

	// destination
	Destination *DestinationRequest `json:"destination,omitempty"`
}

// controlMessage asks the page to do something.
type controlMessage struct {
	Type       string `json:"type"`
	Tier       string `json:"tier,omitempty"`
	Permission string `json:"permission,omitempty"`
	Message    string `json:"message,omitempty"`
	Label      string `json:"label,omitempty"`
}

// ClientInfo is the debug view of one connected page.
type ClientInfo struct {
	ID          uint64             `json:"id"`
	RemoteAddr  string             `json:"remote_addr"`
	Device      string             `json:"device"`
	Tiers       []string           `json:"tiers"`
	ConnectedAt string             `json:"connected_at"`
	Samples     uint64             `json:"samples"`
	Compass     lifecycle.Snapshot `json:"compass"`
}

// SensorBridge turns each connected page into a set of sensor sources and
// runs a dedicated controller for it. Fused headings go back on the same
// socket.
type SensorBridge struct {
	cfg     lifecycle.Config
	catalog *catalog.Catalog
	locator Locator
	log     *zap.Logger
	wrap    func(lifecycle.Source) lifecycle.Source

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[uint64]*bridgeConn
	nextID  uint64
	closed  bool
}

// NewSensorBridge builds a bridge. cfg.UserAgent is replaced per request.
// locator and cat may be nil.
func NewSensorBridge(cfg lifecycle.Config, cat *catalog.Catalog, locator Locator, log *zap.Logger) *SensorBridge {
	if log == nil {
		log = zap.NewNop()
	}
	if cat == nil {
		cat = catalog.Default()
	}
	return &SensorBridge{
		cfg:     cfg,
		catalog: cat,
		locator: locator,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The page is served from the same host; sensors are local.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[uint64]*bridgeConn),
	}
}

// WrapSources installs fn around every browser source, e.g. a sensor log tap.
// It affects connections opened afterwards.
func (b *SensorBridge) WrapSources(fn func(lifecycle.Source) lifecycle.Source) {
	b.mu.Lock()
	b.wrap = fn
	b.mu.Unlock()
}

func (b *SensorBridge) Clients() []ClientInfo {
	b.mu.Lock()
	conns := make([]*bridgeConn, 0, len(b.clients))
	for _, c := range b.clients {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	out := make([]ClientInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.info())
	}
	return out
}

// Close disconnects every page. Hijacked connections are not closed by
// http.Server.Shutdown, so Serve calls this.
func (b *SensorBridge) Close() {
	b.mu.Lock()
	b.closed = true
	conns := make([]*bridgeConn, 0, len(b.clients))
	for _, c := range b.clients {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.cancel()
		_ = c.ws.Close()
	}
}

func (b *SensorBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		_ = ws.Close()
		return
	}
	b.nextID++
	c := &bridgeConn{
		id:        b.nextID,
		ws:        ws,
		bridge:    b,
		remote:    r.RemoteAddr,
		userAgent: r.UserAgent(),
		out:       make(chan any, outboundBuffer),
		cancel:    cancel,
		connected: time.Now().UTC(),
		tiers:     make(map[fusion.Tier]bool),
		permWait:  make(map[string]chan permReply),
		wrap:      b.wrap,
	}
	c.log = b.log.With(zap.Uint64("client", c.id))
	b.clients[c.id] = c
	b.mu.Unlock()

	metrics.WebsocketClients.Inc()
	defer func() {
		b.mu.Lock()
		delete(b.clients, c.id)
		b.mu.Unlock()
		metrics.WebsocketClients.Dec()
	}()

	c.run(ctx)
}

type permReply struct {
	granted bool
	err     error
}

// subscription is one started browser tier.
type subscription struct {
	tier    fusion.Tier
	session uint64
	out     chan<- fusion.Event

	stopOnce sync.Once
	stop     chan struct{}
	mu       sync.RWMutex
	stopped  bool
}

func (s *subscription) deliver(ctx context.Context, ev fusion.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.out <- ev:
	case <-s.stop:
	case <-ctx.Done():
	}
}

func (s *subscription) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

type bridgeConn struct {
	id        uint64
	ws        *websocket.Conn
	bridge    *SensorBridge
	log       *zap.Logger
	remote    string
	userAgent string
	out       chan any
	cancel    context.CancelFunc
	connected time.Time
	wrap      func(lifecycle.Source) lifecycle.Source
	samples   atomic.Uint64

	mu       sync.Mutex
	tiers    map[fusion.Tier]bool
	active   *subscription
	permWait map[string]chan permReply
	ctrl     *lifecycle.Controller

	// frames is owned by the controller goroutine.
	frames frameState
}

func (c *bridgeConn) info() ClientInfo {
	c.mu.Lock()
	tiers := make([]string, 0, len(c.tiers))
	for _, t := range fusion.Tiers {
		if c.tiers[t] {
			tiers = append(tiers, t.String())
		}
	}
	ctrl := c.ctrl
	c.mu.Unlock()

	info := ClientInfo{
		ID:          c.id,
		RemoteAddr:  c.remote,
		Device:      string(fusion.Classify(c.userAgent)),
		Tiers:       tiers,
		ConnectedAt: c.connected.Format(time.RFC3339),
		Samples:     c.samples.Load(),
	}
	if ctrl != nil {
		info.Compass = ctrl.Snapshot()
	}
	return info
}

func (c *bridgeConn) run(ctx context.Context) {
	defer c.cancel()
	defer c.ws.Close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(helloWait))
	var hello clientMessage
	if err := c.ws.ReadJSON(&hello); err != nil {
		c.log.Debug("websocket closed before hello", zap.Error(err))
		return
	}
	if hello.Type != "hello" {
		_ = c.ws.WriteJSON(controlMessage{Type: "error", Message: "expected hello"})
		return
	}
	c.mu.Lock()
	for _, name := range hello.Tiers {
		if t, ok := fusion.ParseTier(name); ok {
			c.tiers[t] = true
		}
	}
	c.mu.Unlock()

	var writerDone sync.WaitGroup
	writerDone.Add(1)
	go func() {
		defer writerDone.Done()
		c.writeLoop(ctx)
	}()

	cfg := c.bridge.cfg
	cfg.UserAgent = c.userAgent
	sources := make([]lifecycle.Source, 0, len(fusion.Tiers))
	for _, t := range fusion.Tiers {
		var src lifecycle.Source = &browserSource{conn: c, tier: t}
		if c.wrap != nil {
			src = c.wrap(src)
		}
		sources = append(sources, src)
	}
	var perms lifecycle.Permissions
	if hello.NeedsPermission {
		perms = c
	}
	ctrl := lifecycle.New(cfg, sources, perms, c, c.log)
	c.mu.Lock()
	c.ctrl = ctrl
	c.mu.Unlock()
	if err := ctrl.Start(ctx); err != nil {
		c.log.Warn("controller start failed", zap.Error(err))
		return
	}
	defer ctrl.Close()

	c.log.Info("sensor bridge connected",
		zap.String("remote", c.remote),
		zap.Strings("tiers", hello.Tiers),
		zap.Bool("needs_permission", hello.NeedsPermission))

	if err := ctrl.Activate(ctx); err != nil {
		c.log.Warn("controller activate failed", zap.Error(err))
		return
	}
	c.seedLocation(ctx, ctrl)

	c.readLoop(ctx, ctrl)
	c.cancel()
	ctrl.Close()
	writerDone.Wait()
	c.log.Info("sensor bridge disconnected", zap.Uint64("samples", c.samples.Load()))
}

// seedLocation hands the server's position to the controller when one is
// known, so a page that never shares its location can still target.
func (c *bridgeConn) seedLocation(ctx context.Context, ctrl *lifecycle.Controller) {
	loc := c.bridge.locator
	if loc == nil {
		return
	}
	go func() {
		fix, err := loc.CurrentPosition(ctx, geoloc.Options{})
		if err != nil {
			c.log.Debug("no server position for client", zap.Error(err))
			return
		}
		if err := ctrl.SetLocation(ctx, fix.Point); err != nil && ctx.Err() == nil {
			c.log.Warn("seed location failed", zap.Error(err))
		}
	}()
}

func (c *bridgeConn) readLoop(ctx context.Context, ctrl *lifecycle.Controller) {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg clientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if err := c.handle(ctx, ctrl, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Debug("client message rejected", zap.String("type", msg.Type), zap.Error(err))
		}
	}
}

func (c *bridgeConn) handle(ctx context.Context, ctrl *lifecycle.Controller, msg clientMessage) error {
	switch msg.Type {
	case "sample":
		if msg.Sample == nil {
			return fmt.Errorf("web: sample message without sample")
		}
		return c.deliver(ctx, *msg.Sample)
	case "permission":
		c.answer(msg)
		return nil
	case "visibility":
		if msg.Hidden {
			return ctrl.Suspend(ctx)
		}
		return ctrl.Resume(ctx)
	case "location":
		if msg.Lat == nil || msg.Lon == nil {
			return fmt.Errorf("web: location message without lat/lon")
		}
		p := geodesy.GeoPoint{Lat: *msg.Lat, Lon: *msg.Lon}
		if loc := c.bridge.locator; loc != nil && loc.Snapshot().Source == geoloc.SourceBrowser {
			if err := loc.Publish(geoloc.Fix{Point: p, AccuracyM: msg.AccuracyM, Source: geoloc.SourceBrowser}); err != nil {
				c.log.Debug("browser fix rejected", zap.Error(err))
			}
		}
		if err := ctrl.SetLocation(ctx, p); err != nil {
			c.sendControl(controlMessage{Type: "error", Message: destinationMessage(err)})
			return err
		}
		return nil
	case "location_error":
		gerr := &geoloc.Error{Kind: geoloc.ParseKind(msg.Code)}
		if msg.Error != "" {
			gerr.Err = errors.New(msg.Error)
		}
		if loc := c.bridge.locator; loc != nil && loc.Snapshot().Source == geoloc.SourceBrowser {
			loc.Fail(gerr)
		}
		c.sendControl(controlMessage{Type: "error", Message: gerr.Kind.Message()})
		return nil
	case "destination":
		if msg.Destination == nil {
			return errNoDestination
		}
		dest, err := applyDestination(ctx, ctrl, c.bridge.catalog, *msg.Destination)
		if err != nil {
			c.sendControl(controlMessage{Type: "error", Message: destinationMessage(err)})
			return err
		}
		c.sendControl(controlMessage{Type: "destination_set", Label: dest.Label})
		return nil
	case "clear_destination":
		return ctrl.ClearDestination(ctx)
	case "hello":
		return fmt.Errorf("web: duplicate hello")
	}
	return fmt.Errorf("web: unknown message type %q", msg.Type)
}

// deliver stamps a page sample with the running session, converts it to the
// heading frame and forwards it. Samples for a tier that is not running are
// dropped.
func (c *bridgeConn) deliver(ctx context.Context, s fusion.Sample) error {
	c.mu.Lock()
	sub := c.active
	c.mu.Unlock()
	if sub == nil {
		return nil
	}
	if t, ok := fusion.ParseTier(s.Tier); ok && t != sub.tier {
		return nil
	}
	ev, err := s.Event(sub.session, sub.tier)
	if err != nil {
		return err
	}
	if ev.Kind == fusion.KindGyroscope {
		// Page gyroscopes report device-frame rates, counterclockwise
		// positive about Z. Headings grow clockwise.
		ev.Vector.Z = -ev.Vector.Z
	}
	c.samples.Add(1)
	sub.deliver(ctx, ev)
	return nil
}

func (c *bridgeConn) answer(msg clientMessage) {
	c.mu.Lock()
	ch, ok := c.permWait[msg.Permission]
	delete(c.permWait, msg.Permission)
	c.mu.Unlock()
	if !ok {
		return
	}
	var err error
	if msg.Error != "" {
		err = errors.New(msg.Error)
	}
	ch <- permReply{granted: msg.Granted, err: err}
}

func (c *bridgeConn) ask(ctx context.Context, kind string) (bool, error) {
	ch := make(chan permReply, 1)
	c.mu.Lock()
	c.permWait[kind] = ch
	c.mu.Unlock()
	if !c.sendControl(controlMessage{Type: "permission_request", Permission: kind}) {
		return false, errSlowClient
	}
	select {
	case r := <-ch:
		return r.granted, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *bridgeConn) RequestOrientation(ctx context.Context) (bool, error) {
	return c.ask(ctx, "orientation")
}

func (c *bridgeConn) RequestMotion(ctx context.Context) (bool, error) {
	return c.ask(ctx, "motion")
}

func (c *bridgeConn) OnHeadingChanged(deg float64) {
	c.send(c.frames.heading(time.Now(), deg))
}

func (c *bridgeConn) OnTargetChanged(bearingDeg, distanceKm float64, label string) {
	c.send(c.frames.target(time.Now(), bearingDeg, distanceKm, label))
}

func (c *bridgeConn) OnSensorStatus(st fusion.Status) {
	c.send(c.frames.status(time.Now(), st))
}

// send queues m and drops it when the page is behind.
func (c *bridgeConn) send(m any) {
	select {
	case c.out <- m:
	default:
	}
}

// sendControl queues a control message. A page that cannot keep up with
// control traffic is disconnected.
func (c *bridgeConn) sendControl(m controlMessage) bool {
	select {
	case c.out <- m:
		return true
	default:
		c.log.Warn("dropping slow client", zap.String("message", m.Type))
		c.cancel()
		_ = c.ws.Close()
		return false
	}
}

func (c *bridgeConn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case m := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(m); err != nil {
				c.log.Debug("websocket write failed", zap.Error(err))
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// browserSource is one tier of a connected page.
type browserSource struct {
	conn *bridgeConn
	tier fusion.Tier
}

func (s *browserSource) Tier() fusion.Tier { return s.tier }

func (s *browserSource) Start(ctx context.Context, session uint64, out chan<- fusion.Event) (lifecycle.Handle, error) {
	c := s.conn
	c.mu.Lock()
	if !c.tiers[s.tier] {
		c.mu.Unlock()
		return nil, &fusion.SensorReadError{Err: fmt.Errorf("%s not supported by this browser: %w", s.tier, fusion.ErrSensorUnavailable)}
	}
	sub := &subscription{tier: s.tier, session: session, out: out, stop: make(chan struct{})}
	if c.active != nil {
		c.active.halt()
	}
	c.active = sub
	c.mu.Unlock()

	if !c.sendControl(controlMessage{Type: "start", Tier: s.tier.String()}) {
		c.mu.Lock()
		if c.active == sub {
			c.active = nil
		}
		c.mu.Unlock()
		return nil, &fusion.SensorReadError{Err: fmt.Errorf("%v: %w", errSlowClient, fusion.ErrNotReadable)}
	}
	return lifecycle.HandleFunc(func() {
		sub.halt()
		c.mu.Lock()
		if c.active == sub {
			c.active = nil
		}
		c.mu.Unlock()
		c.send(controlMessage{Type: "stop", Tier: s.tier.String()})
	}), nil
}
