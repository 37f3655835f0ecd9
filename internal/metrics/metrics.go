// Package metrics defines Prometheus metrics for streamgate.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgate_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// StreamSessionDuration replaces RequestDuration for SSE and WebSocket
	// routes, whose requests last as long as the connection.
	StreamSessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamgate_stream_session_seconds",
			Help:    "Lifetime of stream connections in seconds",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 12 * 3600},
		},
		[]string{"path"},
	)

	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgate_errors_total",
			Help: "Total errors by type",
		},
		[]string{"type"},
	)

	Connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamgate_connections",
			Help: "Stream connections attached to this instance",
		},
	)

	EvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgate_evictions_total",
			Help: "Connections removed by a newer registration",
		},
		[]string{"reason"},
	)

	AdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgate_admissions_total",
			Help: "Registration attempts by outcome",
		},
		[]string{"outcome"},
	)

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgate_events_published_total",
			Help: "Events published by class",
		},
		[]string{"class"},
	)

	ReplayedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streamgate_replay_events_total",
			Help: "Events re-sent from the replay log on reconnect",
		},
	)

	ResyncsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streamgate_resync_total",
			Help: "Reconnects whose position fell outside the replay window",
		},
	)

	WriteTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streamgate_write_timeouts_total",
			Help: "Connections torn down because a write did not drain in time",
		},
	)

	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgate_rate_limited_total",
			Help: "Requests rejected by a rate limiter",
		},
		[]string{"scope"},
	)

	FanoutDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streamgate_fanout_dropped_total",
			Help: "Fanout messages that could not be decoded or delivered",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestDuration, RequestsTotal, StreamSessionDuration, ErrorsTotal,
		Connections, EvictionsTotal, AdmissionsTotal,
		EventsPublished, ReplayedEvents, ResyncsTotal,
		WriteTimeouts, FanoutDropped, RateLimited,
	)
}
