// Package metrics exposes Prometheus collectors for the inbox core.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors.
type Metrics struct {
	EventsTotal   *prometheus.CounterVec
	EventsDropped *prometheus.CounterVec

	MediaFetches  *prometheus.CounterVec
	MediaBytes    prometheus.Counter
	MediaInflight prometheus.Gauge
	Transcodes    *prometheus.CounterVec

	CacheLookups *prometheus.CounterVec

	UpstreamCalls    *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
	RateLimited      *prometheus.CounterVec

	Accounts         *prometheus.GaugeVec
	ForcedLogouts    prometheus.Counter
	ListenerRestarts prometheus.Counter

	WSClients     prometheus.Gauge
	SinkPublishes *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Default returns the process-wide metrics instance.
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "unibox_events_total",
			Help: "Events emitted to subscribers, by kind and platform",
		}, []string{"kind", "platform"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "unibox_events_dropped_total",
			Help: "Provider events dropped before fanout",
		}, []string{"reason"}),

		MediaFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "unibox_media_fetches_total",
			Help: "Media materializations by result (stored, duplicate, cached, failed)",
		}, []string{"result"}),
		MediaBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "unibox_media_bytes_total",
			Help: "Bytes written to the media store",
		}),
		MediaInflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "unibox_media_fetches_inflight",
			Help: "Background media fetches currently running",
		}),
		Transcodes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "unibox_transcodes_total",
			Help: "Voice transcodes by result (encoded, cached, passthrough, failed)",
		}, []string{"result"}),

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "unibox_cache_lookups_total",
			Help: "TTL cache lookups by cache and result",
		}, []string{"cache", "result"}),

		UpstreamCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "unibox_upstream_calls_total",
			Help: "Calls into platform clients",
		}, []string{"platform", "op", "result"}),
		UpstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "unibox_upstream_call_duration_seconds",
			Help:    "Duration of calls into platform clients",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"platform", "op"}),
		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "unibox_upstream_rate_limited_total",
			Help: "Upstream rate-limit responses answered from snapshots",
		}, []string{"platform"}),

		Accounts: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "unibox_accounts",
			Help: "Linked accounts by platform and connection state",
		}, []string{"platform", "state"}),
		ForcedLogouts: f.NewCounter(prometheus.CounterOpts{
			Name: "unibox_forced_logouts_total",
			Help: "Accounts logged out by the watchdog",
		}),
		ListenerRestarts: f.NewCounter(prometheus.CounterOpts{
			Name: "unibox_listener_restarts_total",
			Help: "Listeners re-attached by the reconcile loop",
		}),

		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "unibox_ws_clients",
			Help: "Connected dashboard websocket clients",
		}),
		SinkPublishes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "unibox_sink_publishes_total",
			Help: "Events published to external sinks",
		}, []string{"sink", "result"}),
	}
}

// ObserveUpstream records one platform client call.
func (m *Metrics) ObserveUpstream(platform, op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.UpstreamCalls.WithLabelValues(platform, op, result).Inc()
	m.UpstreamDuration.WithLabelValues(platform, op).Observe(time.Since(start).Seconds())
}

// CacheResult records a TTL cache hit or miss.
func (m *Metrics) CacheResult(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(cache, result).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
