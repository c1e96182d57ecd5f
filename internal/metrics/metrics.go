// Package metrics provides Prometheus metrics for the sync server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	rebuildsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mirror_rebuilds_total",
			Help: "Total number of rebuild cycles",
		},
	)

	rebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mirror_rebuild_duration_seconds",
			Help:    "Time spent resolving and diffing in one rebuild cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	rebuildSkippedPaths = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mirror_rebuild_skipped_paths_total",
			Help: "Paths skipped during a rebuild because they could not be read",
		},
	)

	eventsBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_events_broadcast_total",
			Help: "File change events broadcast to peers",
		},
		[]string{"event"},
	)

	snapshotsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_snapshots_total",
			Help: "Full snapshots sent",
		},
		[]string{"reason"},
	)

	inboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_inbound_messages_total",
			Help: "Messages received from peers",
		},
		[]string{"event", "result"},
	)

	connectedPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mirror_connected_peers",
			Help: "Number of connected peers",
		},
	)

	activeSetSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mirror_active_set_size",
			Help: "Number of paths peers are believed to have",
		},
	)

	droppedPeers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mirror_dropped_peers_total",
			Help: "Peers disconnected because their queue filled or a write failed",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordHTTPRequest(method, path string, status int) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}

// RecordRebuild records one completed rebuild cycle.
func RecordRebuild(duration time.Duration, activeSet, skipped int) {
	rebuildsTotal.Inc()
	rebuildDuration.Observe(duration.Seconds())
	activeSetSize.Set(float64(activeSet))
	rebuildSkippedPaths.Add(float64(skipped))
}

func RecordBroadcast(event string) {
	eventsBroadcast.WithLabelValues(event).Inc()
}

// RecordSnapshot counts a full snapshot. reason is one of join,
// rehydrate or empty.
func RecordSnapshot(reason string) {
	snapshotsSent.WithLabelValues(reason).Inc()
}

func RecordInbound(event string, success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	inboundMessages.WithLabelValues(event, result).Inc()
}

func SetConnectedPeers(n int) {
	connectedPeers.Set(float64(n))
}

func RecordDroppedPeer() {
	droppedPeers.Inc()
}
