package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkstream",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "linkstream",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30, 120, 600},
	}, []string{"method", "path"})

	ActiveMediaStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "linkstream",
		Name:      "active_media_streams",
		Help:      "Number of media streams held by the registry.",
	})

	ActiveFetchSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "linkstream",
		Name:      "active_fetch_sessions",
		Help:      "Number of upstream fetch sessions currently running.",
	})

	ActiveRangeRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "linkstream",
		Name:      "active_range_requests",
		Help:      "Number of client range requests currently being served.",
	})

	RangeRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "linkstream",
		Name:      "range_requests_total",
		Help:      "Total number of client range requests.",
	})

	BufferedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "linkstream",
		Name:      "buffered_bytes",
		Help:      "Bytes held in stream caches after the last buffer sweep.",
	})

	EvictedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "linkstream",
		Name:      "evicted_bytes_total",
		Help:      "Total bytes evicted from stream caches.",
	})

	BytesServedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "linkstream",
		Name:      "served_bytes_total",
		Help:      "Total bytes handed to client range readers.",
	})

	UpstreamBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "linkstream",
		Name:      "upstream_bytes_total",
		Help:      "Total bytes downloaded from upstream sources.",
	})

	FetchSessionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "linkstream",
		Name:      "fetch_sessions_opened_total",
		Help:      "Total number of upstream fetch sessions that connected.",
	})

	FetchSessionsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkstream",
		Name:      "fetch_sessions_failed_total",
		Help:      "Total number of upstream connect failures by reason.",
	}, []string{"reason"})

	FetchSessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkstream",
		Name:      "fetch_sessions_ended_total",
		Help:      "Total number of fetch sessions that ended, by reason.",
	}, []string{"reason"})

	SlowStreamCompensationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "linkstream",
		Name:      "slow_stream_compensations_total",
		Help:      "Total number of compensating fetches started ahead of slow sessions.",
	})

	LinkRefreshesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkstream",
		Name:      "link_refreshes_total",
		Help:      "Total number of link refreshes by result.",
	}, []string{"result"})

	LinkCacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkstream",
		Name:      "link_cache_lookups_total",
		Help:      "Total number of link cache lookups by result.",
	}, []string{"result"})

	WSClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "linkstream",
		Name:      "ws_clients",
		Help:      "Number of connected stats WebSocket clients.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveMediaStreams,
		ActiveFetchSessions,
		ActiveRangeRequests,
		RangeRequestsTotal,
		BufferedBytes,
		EvictedBytesTotal,
		BytesServedTotal,
		UpstreamBytesTotal,
		FetchSessionsOpened,
		FetchSessionsFailed,
		FetchSessionsEnded,
		SlowStreamCompensationsTotal,
		LinkRefreshesTotal,
		LinkCacheLookupsTotal,
		WSClients,
	)
}
