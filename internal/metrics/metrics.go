// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Headings produced by the fusion engine, per tier.
	HeadingUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compass_heading_updates_total",
		Help: "Total number of fused heading updates",
	}, []string{"tier"})

	// Events discarded because they belonged to a superseded session or tier.
	StaleEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compass_stale_events_total",
		Help: "Total number of sensor events dropped as stale",
	})

	StalePermissionResultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compass_stale_permission_results_total",
		Help: "Total number of permission completions ignored because a newer session started",
	})

	TierFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compass_tier_failures_total",
		Help: "Total number of sensor tier start or runtime failures",
	}, []string{"tier"})

	SessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compass_sessions_started_total",
		Help: "Total number of sensor probing sessions started",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "compass_active_sessions",
		Help: "Number of controllers currently delivering headings",
	})

	GeolocationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compass_geolocation_errors_total",
		Help: "Total number of failed position requests",
	}, []string{"kind"})

	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "compass_websocket_clients",
		Help: "Number of connected browser sensor bridges",
	})

	PublishErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compass_publish_errors_total",
		Help: "Total number of failed heading publications",
	}, []string{"sink"})

	// Interval between consecutive heading updates.
	UpdateInterval = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "compass_update_interval_seconds",
		Help:    "Time between consecutive heading updates",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
