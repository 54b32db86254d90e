package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"compass-ng/internal/catalog"
	"compass-ng/internal/geoloc"
	"compass-ng/internal/heading"
	"compass-ng/internal/lifecycle"
	"compass-ng/internal/metrics"
)

//go:embed assets/*
var embeddedAssets embed.FS

// Compass is the server-side controller as seen by the API.
type Compass interface {
	Targeter
	Snapshot() lifecycle.Snapshot
}

// Deps are the components the HTTP surface reads from. Any may be nil;
// the matching routes then answer 404 or omit the data.
type Deps struct {
	Status   *Status
	Compass  Compass
	Catalog  *catalog.Catalog
	Location Locator
	Headings *HeadingBroadcaster
	Bridge   *SensorBridge
	Logs     *LogBuffer
}

type DestinationResponse struct {
	Target *heading.Target `json:"target"`
}

type LocationResponse struct {
	Fix   *geoloc.Fix `json:"fix,omitempty"`
	Error string      `json:"error,omitempty"`
	Kind  string      `json:"kind,omitempty"`
}

type CatalogResponse struct {
	Countries []string       `json:"countries,omitempty"`
	Country   string         `json:"country,omitempty"`
	Cities    []catalog.City `json:"cities,omitempty"`
}

func Handler(d Deps) http.Handler {
	if d.Status == nil {
		d.Status = NewStatus()
	}
	if d.Catalog == nil {
		d.Catalog = catalog.Default()
	}
	mux := http.NewServeMux()

	assetsFS, err := fs.Sub(embeddedAssets, "assets")
	if err != nil {
		assetsFS = nil
	}

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet) {
			return
		}
		snap := d.Status.Snapshot(time.Now().UTC())
		if d.Compass != nil {
			cs := d.Compass.Snapshot()
			snap.Compass = &cs
		}
		if d.Location != nil {
			ls := d.Location.Snapshot()
			snap.Location = &ls
		}
		if d.Bridge != nil {
			snap.SensorClients = d.Bridge.Clients()
		}
		snap.HeadingViewers = d.Headings.Subscribers()
		writeJSON(w, http.StatusOK, snap)
	})

	mux.HandleFunc("/api/catalog", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet) {
			return
		}
		country := strings.TrimSpace(r.URL.Query().Get("country"))
		if country == "" {
			writeJSON(w, http.StatusOK, CatalogResponse{Countries: d.Catalog.CountryNames()})
			return
		}
		cities, err := d.Catalog.Cities(country)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, CatalogResponse{Country: country, Cities: cities})
	})

	mux.HandleFunc("/api/destination", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet, http.MethodPost, http.MethodDelete) {
			return
		}
		if d.Compass == nil {
			writeError(w, http.StatusNotFound, "compass unavailable")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		switch r.Method {
		case http.MethodPost:
			var req DestinationRequest
			dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
				return
			}
			if _, err := applyDestination(ctx, d.Compass, d.Catalog, req); err != nil {
				writeError(w, destinationStatus(err), destinationMessage(err))
				return
			}
		case http.MethodDelete:
			if err := d.Compass.ClearDestination(ctx); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		writeJSON(w, http.StatusOK, DestinationResponse{Target: d.Compass.Snapshot().Heading.Target})
	})

	mux.HandleFunc("/api/location", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet) {
			return
		}
		if d.Location == nil {
			writeError(w, http.StatusNotFound, "location unavailable")
			return
		}
		opts, err := locationOptions(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		fix, err := d.Location.CurrentPosition(r.Context(), opts)
		if err != nil {
			kind := geoloc.KindOf(err)
			writeJSON(w, locationStatus(kind), LocationResponse{Error: kind.Message(), Kind: kind.String()})
			return
		}
		writeJSON(w, http.StatusOK, LocationResponse{Fix: &fix})
	})

	if d.Bridge != nil {
		mux.Handle("/ws/sensors", d.Bridge)
	}
	if d.Headings != nil {
		mux.Handle("/ws/heading", headingStream(d.Headings))
	}
	if d.Logs != nil {
		mux.Handle("/api/logs", d.Logs.Handler())
	}
	mux.Handle("/metrics", metrics.Handler())

	if assetsFS != nil {
		fileServer := http.FileServer(http.FS(assetsFS))
		mux.Handle("/assets/", http.StripPrefix("/assets/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			fileServer.ServeHTTP(w, r)
		})))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet) {
			return
		}
		// Unknown paths get the page, except under /api and /assets.
		if r.URL.Path != "/" {
			dir := path.Dir(r.URL.Path)
			if strings.HasPrefix(dir, "/api") || strings.HasPrefix(dir, "/assets") {
				http.NotFound(w, r)
				return
			}
		}
		if assetsFS == nil {
			http.Error(w, "ui unavailable", http.StatusInternalServerError)
			return
		}
		b, err := fs.ReadFile(assetsFS, "index.html")
		if err != nil {
			http.Error(w, "ui unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(b)
	})

	return mux
}

func locationOptions(r *http.Request) (geoloc.Options, error) {
	var opts geoloc.Options
	q := r.URL.Query()
	for _, p := range []struct {
		key string
		dst *time.Duration
	}{
		{"timeout_ms", &opts.Timeout},
		{"max_age_ms", &opts.MaximumAge},
	} {
		s := strings.TrimSpace(q.Get(p.key))
		if s == "" {
			continue
		}
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 || v > 600000 {
			return geoloc.Options{}, errors.New(p.key + " must be an integer in [1,600000]")
		}
		*p.dst = time.Duration(v) * time.Millisecond
	}
	return opts, nil
}

func locationStatus(kind geoloc.ErrorKind) int {
	switch kind {
	case geoloc.KindPermissionDenied:
		return http.StatusForbidden
	case geoloc.KindPositionUnavailable:
		return http.StatusServiceUnavailable
	case geoloc.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// headingStream pushes the server controller's frames to a read-only viewer.
func headingStream(b *HeadingBroadcaster) http.Handler {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet) {
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		id, frames := b.Subscribe(32)
		defer b.Unsubscribe(id)

		// Viewers send nothing; reading only detects the close.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := ws.NextReader(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-closed:
				return
			case f, ok := <-frames:
				if !ok {
					return
				}
				_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := ws.WriteJSON(f); err != nil {
					return
				}
			case <-ticker.C:
				_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	})
}

// allowMethods answers 405 with an Allow header unless r uses one of methods.
func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Serve runs the HTTP server until ctx is done. The bridge's sockets are
// closed after the listener shuts down.
func Serve(ctx context.Context, listenAddr string, d Deps) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if d.Bridge != nil {
			d.Bridge.Close()
		}
		return ctx.Err()
	case err := <-errCh:
		if d.Bridge != nil {
			d.Bridge.Close()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
