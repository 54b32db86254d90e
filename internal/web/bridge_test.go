package web

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"compass-ng/internal/fusion"
	"compass-ng/internal/geoloc"
	"compass-ng/internal/lifecycle"
)

const iphoneUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile/15E148"

// wsMsg is the union of every server message.
type wsMsg struct {
	Type         string         `json:"type"`
	Tier         string         `json:"tier"`
	Permission   string         `json:"permission"`
	Message      string         `json:"message"`
	Label        string         `json:"label"`
	HeadingDeg   *float64       `json:"heading_deg"`
	IndicatorDeg *float64       `json:"indicator_deg"`
	BearingDeg   *float64       `json:"bearing_deg"`
	DistanceKm   *float64       `json:"distance_km"`
	Direction    string         `json:"direction"`
	Status       *fusion.Status `json:"status"`
}

func newBridgeServer(t *testing.T, locator Locator) (*SensorBridge, string) {
	t.Helper()
	b := NewSensorBridge(lifecycle.Config{ResumeDelay: 10 * time.Millisecond}, nil, locator, nil)
	ts := httptest.NewServer(Handler(Deps{Bridge: b}))
	t.Cleanup(func() {
		b.Close()
		ts.Close()
	})
	return b, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/sensors"
}

func dial(t *testing.T, url, ua string) *websocket.Conn {
	t.Helper()
	h := http.Header{}
	if ua != "" {
		h.Set("User-Agent", ua)
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, h)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func writeMsg(t *testing.T, ws *websocket.Conn, m any) {
	t.Helper()
	if err := ws.WriteJSON(m); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil skips messages until match returns true.
func readUntil(t *testing.T, ws *websocket.Conn, what string, match func(wsMsg) bool) wsMsg {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var m wsMsg
		if err := ws.ReadJSON(&m); err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if match(m) {
			return m
		}
	}
}

func ofType(typ string) func(wsMsg) bool {
	return func(m wsMsg) bool { return m.Type == typ }
}

func quaternionSample(headingDeg float64) *fusion.Sample {
	half := headingDeg * math.Pi / 360
	return &fusion.Sample{Kind: "quaternion", Quaternion: []float64{0, 0, math.Sin(half), math.Cos(half)}}
}

func TestBridge_AbsoluteOrientation(t *testing.T) {
	b, url := newBridgeServer(t, nil)
	ws := dial(t, url, iphoneUA)

	writeMsg(t, ws, clientMessage{Type: "hello", Tiers: []string{"abs"}})
	start := readUntil(t, ws, "start", ofType("start"))
	if start.Tier != fusion.TierAbsoluteOrientation.String() {
		t.Fatalf("start tier=%q", start.Tier)
	}
	st := readUntil(t, ws, "active status", func(m wsMsg) bool { return m.Type == "status" && m.Status.Active })
	if st.Status.Tier != fusion.TierAbsoluteOrientation.String() {
		t.Fatalf("status tier=%q", st.Status.Tier)
	}

	writeMsg(t, ws, clientMessage{Type: "sample", Sample: quaternionSample(90)})
	h := readUntil(t, ws, "heading", ofType("heading"))
	if h.HeadingDeg == nil || math.Abs(*h.HeadingDeg-90) > 1e-6 {
		t.Fatalf("heading=%v want 90", h.HeadingDeg)
	}
	if h.Direction != "E" {
		t.Fatalf("direction=%q want E", h.Direction)
	}

	clients := b.Clients()
	if len(clients) != 1 {
		t.Fatalf("clients=%d want 1", len(clients))
	}
	if got := clients[0].Tiers; len(got) != 1 || got[0] != fusion.TierAbsoluteOrientation.String() {
		t.Fatalf("client tiers=%v", got)
	}
	if clients[0].Samples != 1 {
		t.Fatalf("samples=%d want 1", clients[0].Samples)
	}
	if clients[0].Compass.State != "active" {
		t.Fatalf("client state=%q", clients[0].Compass.State)
	}
}

func TestBridge_FallsBackToSupportedTier(t *testing.T) {
	_, url := newBridgeServer(t, nil)
	ws := dial(t, url, iphoneUA)

	writeMsg(t, ws, clientMessage{Type: "hello", Tiers: []string{"maggyro"}})
	start := readUntil(t, ws, "start", ofType("start"))
	if start.Tier != fusion.TierMagnetometerGyroscope.String() {
		t.Fatalf("start tier=%q", start.Tier)
	}

	writeMsg(t, ws, clientMessage{Type: "sample", Sample: &fusion.Sample{Kind: "magnetometer", XYZ: []float64{0, 30, -40}}})
	h := readUntil(t, ws, "heading", ofType("heading"))
	if h.HeadingDeg == nil || math.Abs(*h.HeadingDeg-90) > 1e-6 {
		t.Fatalf("heading=%v want 90", h.HeadingDeg)
	}
}

// gyroSample is a page gyroscope reading in the device frame, where a
// clockwise turn seen from above is a negative Z rate.
func gyroSample(ts int64, clockwiseDegPerSec float64) *fusion.Sample {
	return &fusion.Sample{Kind: "gyroscope", TimestampMs: ts, XYZ: []float64{0, 0, -clockwiseDegPerSec * math.Pi / 180}}
}

func TestBridge_GyroscopeTurnsClockwise(t *testing.T) {
	_, url := newBridgeServer(t, nil)
	ws := dial(t, url, iphoneUA)

	writeMsg(t, ws, clientMessage{Type: "hello", Tiers: []string{"maggyro"}})
	readUntil(t, ws, "start", ofType("start"))

	writeMsg(t, ws, clientMessage{Type: "sample", Sample: &fusion.Sample{Kind: "magnetometer", XYZ: []float64{30, 0, 0}}})
	h := readUntil(t, ws, "heading", ofType("heading"))
	if h.HeadingDeg == nil || math.Abs(*h.HeadingDeg) > 1e-6 {
		t.Fatalf("heading=%v want 0", h.HeadingDeg)
	}

	// 90 deg/s clockwise for 0.1 s: raw 0.95*9 = 8.55, smoothed 0.855.
	writeMsg(t, ws, clientMessage{Type: "sample", Sample: gyroSample(0, 90)})
	writeMsg(t, ws, clientMessage{Type: "sample", Sample: gyroSample(100, 90)})
	h = readUntil(t, ws, "heading", ofType("heading"))
	if h.HeadingDeg == nil || math.Abs(*h.HeadingDeg-0.855) > 1e-6 {
		t.Fatalf("heading=%v want 0.855", h.HeadingDeg)
	}
}

func TestBridge_GyroscopeOnlyIsDegraded(t *testing.T) {
	_, url := newBridgeServer(t, nil)
	ws := dial(t, url, iphoneUA)

	writeMsg(t, ws, clientMessage{Type: "hello", Tiers: []string{"maggyro"}})
	readUntil(t, ws, "start", ofType("start"))

	writeMsg(t, ws, clientMessage{Type: "sample", Sample: &fusion.Sample{Kind: "error", Sensor: "magnetometer", Error: fusion.CodeUnavailable}})
	st := readUntil(t, ws, "degraded status", func(m wsMsg) bool {
		return m.Type == "status" && m.Status.Label == "Magnetometer+Gyroscope degraded"
	})
	if !st.Status.Active {
		t.Fatalf("degraded status should stay active: %+v", st.Status)
	}

	writeMsg(t, ws, clientMessage{Type: "sample", Sample: gyroSample(0, 90)})
	writeMsg(t, ws, clientMessage{Type: "sample", Sample: gyroSample(100, 90)})
	h := readUntil(t, ws, "heading", ofType("heading"))
	if h.HeadingDeg == nil || math.Abs(*h.HeadingDeg-9) > 1e-6 {
		t.Fatalf("heading=%v want 9", h.HeadingDeg)
	}
}

func TestBridge_DesktopIsUnavailable(t *testing.T) {
	_, url := newBridgeServer(t, nil)
	ws := dial(t, url, "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0")

	writeMsg(t, ws, clientMessage{Type: "hello", Tiers: []string{"abs", "legacy"}})
	m := readUntil(t, ws, "status or start", func(m wsMsg) bool { return m.Type == "status" || m.Type == "start" })
	if m.Type != "status" {
		t.Fatalf("got %q before desktop status", m.Type)
	}
	if m.Status.Label != fusion.StatusDesktop().Label {
		t.Fatalf("label=%q", m.Status.Label)
	}
}

func TestBridge_PermissionRoundTrip(t *testing.T) {
	_, url := newBridgeServer(t, nil)
	ws := dial(t, url, iphoneUA)

	writeMsg(t, ws, clientMessage{Type: "hello", Tiers: []string{"legacy+motion", "legacy"}, NeedsPermission: true})

	req := readUntil(t, ws, "orientation request", ofType("permission_request"))
	if req.Permission != "orientation" {
		t.Fatalf("permission=%q want orientation", req.Permission)
	}
	writeMsg(t, ws, clientMessage{Type: "permission", Permission: "orientation", Granted: true})

	req = readUntil(t, ws, "motion request", ofType("permission_request"))
	if req.Permission != "motion" {
		t.Fatalf("permission=%q want motion", req.Permission)
	}
	writeMsg(t, ws, clientMessage{Type: "permission", Permission: "motion", Granted: false})

	start := readUntil(t, ws, "start", ofType("start"))
	if start.Tier != fusion.TierLegacyOrientationWithMotion.String() {
		t.Fatalf("start tier=%q", start.Tier)
	}
	st := readUntil(t, ws, "active status", func(m wsMsg) bool { return m.Type == "status" && m.Status.Active })
	if st.Status.Tier != fusion.TierLegacyOrientationOnly.String() {
		t.Fatalf("effective tier=%q want orientation only", st.Status.Tier)
	}

	alpha := 270.0
	writeMsg(t, ws, clientMessage{Type: "sample", Sample: &fusion.Sample{
		Kind:        "orientation",
		Orientation: &fusion.Orientation{Alpha: &alpha},
	}})
	h := readUntil(t, ws, "heading", ofType("heading"))
	if h.HeadingDeg == nil || math.Abs(*h.HeadingDeg-90) > 1e-6 {
		t.Fatalf("heading=%v want 90", h.HeadingDeg)
	}
}

func TestBridge_PermissionDenied(t *testing.T) {
	_, url := newBridgeServer(t, nil)
	ws := dial(t, url, iphoneUA)

	writeMsg(t, ws, clientMessage{Type: "hello", Tiers: []string{"legacy"}, NeedsPermission: true})
	readUntil(t, ws, "orientation request", ofType("permission_request"))
	writeMsg(t, ws, clientMessage{Type: "permission", Permission: "orientation", Granted: false})

	st := readUntil(t, ws, "denied status", func(m wsMsg) bool {
		return m.Type == "status" && m.Status.Label == fusion.StatusPermissionDenied().Label
	})
	if st.Status.Active {
		t.Fatalf("status active after denial")
	}
}

func TestBridge_DestinationAndVisibility(t *testing.T) {
	_, url := newBridgeServer(t, nil)
	ws := dial(t, url, iphoneUA)

	writeMsg(t, ws, clientMessage{Type: "hello", Tiers: []string{"abs"}})
	readUntil(t, ws, "start", ofType("start"))

	writeMsg(t, ws, clientMessage{Type: "destination", Destination: &DestinationRequest{Country: "France", City: "Paris"}})
	e := readUntil(t, ws, "error", ofType("error"))
	if e.Message != "Location not available yet" {
		t.Fatalf("message=%q", e.Message)
	}

	lat, lon := berlin.Lat, berlin.Lon
	writeMsg(t, ws, clientMessage{Type: "location", Lat: &lat, Lon: &lon})
	writeMsg(t, ws, clientMessage{Type: "destination", Destination: &DestinationRequest{Country: "France", City: "Paris"}})
	tgt := readUntil(t, ws, "target", ofType("target"))
	if tgt.Label != "Paris" || tgt.BearingDeg == nil || math.Abs(*tgt.BearingDeg-245) > 2 {
		t.Fatalf("target=%+v", tgt)
	}
	if tgt.Direction != "WSW" {
		t.Fatalf("direction=%q want WSW", tgt.Direction)
	}
	set := readUntil(t, ws, "destination_set", ofType("destination_set"))
	if set.Label != "Paris" {
		t.Fatalf("label=%q", set.Label)
	}

	writeMsg(t, ws, clientMessage{Type: "sample", Sample: quaternionSample(10)})
	h := readUntil(t, ws, "heading", ofType("heading"))
	if h.IndicatorDeg == nil {
		t.Fatalf("indicator missing with a target set")
	}

	writeMsg(t, ws, clientMessage{Type: "visibility", Hidden: true})
	stop := readUntil(t, ws, "stop", ofType("stop"))
	if stop.Tier != fusion.TierAbsoluteOrientation.String() {
		t.Fatalf("stop tier=%q", stop.Tier)
	}

	writeMsg(t, ws, clientMessage{Type: "visibility", Hidden: false})
	again := readUntil(t, ws, "restart", ofType("start"))
	if again.Tier != fusion.TierAbsoluteOrientation.String() {
		t.Fatalf("restart tier=%q", again.Tier)
	}
}

func TestBridge_BrowserLocationFeedsService(t *testing.T) {
	svc := geoloc.New(geoloc.Config{Source: geoloc.SourceBrowser}, nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Close()

	_, url := newBridgeServer(t, svc)
	ws := dial(t, url, iphoneUA)
	writeMsg(t, ws, clientMessage{Type: "hello", Tiers: []string{"abs"}})
	readUntil(t, ws, "start", ofType("start"))

	writeMsg(t, ws, clientMessage{Type: "location_error", Code: "permission_denied"})
	e := readUntil(t, ws, "error", ofType("error"))
	if e.Message != "Location access denied" {
		t.Fatalf("message=%q", e.Message)
	}

	lat, lon, acc := paris.Lat, paris.Lon, 12.0
	writeMsg(t, ws, clientMessage{Type: "location", Lat: &lat, Lon: &lon, AccuracyM: &acc})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		fix, err := svc.CurrentPosition(ctx, geoloc.Options{Timeout: 50 * time.Millisecond})
		if err == nil {
			if fix.Point != paris || fix.AccuracyM == nil || *fix.AccuracyM != 12 {
				t.Fatalf("fix=%+v", fix)
			}
			return
		}
		if ctx.Err() != nil {
			t.Fatalf("no browser fix: %v", err)
		}
	}
}

func TestBridge_RequiresHello(t *testing.T) {
	_, url := newBridgeServer(t, nil)
	ws := dial(t, url, iphoneUA)

	writeMsg(t, ws, clientMessage{Type: "visibility"})
	e := readUntil(t, ws, "error", ofType("error"))
	if e.Message != "expected hello" {
		t.Fatalf("message=%q", e.Message)
	}
}

func TestHeadingStream(t *testing.T) {
	hb := NewHeadingBroadcaster()
	hb.OnHeadingChanged(180)
	ts := httptest.NewServer(Handler(Deps{Headings: hb}))
	defer ts.Close()

	ws := dial(t, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/heading", "")
	first := readUntil(t, ws, "replayed heading", ofType("heading"))
	if first.HeadingDeg == nil || *first.HeadingDeg != 180 || first.Direction != "S" {
		t.Fatalf("frame=%+v", first)
	}

	hb.OnSensorStatus(fusion.StatusDesktop())
	st := readUntil(t, ws, "status", ofType("status"))
	if st.Status == nil || st.Status.Label != fusion.StatusDesktop().Label {
		t.Fatalf("status=%+v", st.Status)
	}
}
