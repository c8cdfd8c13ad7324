package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "market"

var (
	Registry = prometheus.NewRegistry()

	//OverlayMessages counts messages seen by the overlay, by role and source
	//("gossip", "direct", "published")
	OverlayMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "overlay",
			Name:      "messages_total",
			Help:      "Messages handled by the pub/sub overlay.",
		},
		[]string{"role", "source"},
	)

	OverlayDirectSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "overlay",
			Name:      "direct_sends_total",
			Help:      "Point-to-point pushes, by reason and status.",
		},
		[]string{"reason", "status"},
	)

	OverlayPeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "overlay",
			Name:      "peers",
			Help:      "Peers currently known to the overlay.",
		},
		[]string{"role"},
	)

	CacheWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "writes_total",
			Help:      "Message cache writes, by outcome.",
		},
		[]string{"outcome"},
	)

	CachePruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "pruned_total",
			Help:      "Expired messages removed from the cache.",
		},
	)

	CachePruneDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "prune_duration_seconds",
			Help:      "Latency of cache prune passes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
	)

	RegistryEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "events_total",
			Help:      "Lifecycle events emitted by registries.",
		},
		[]string{"registry", "event"},
	)

	RegistryRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "rejected_total",
			Help:      "Messages refused at a registry boundary, by reason.",
		},
		[]string{"registry", "reason"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		OverlayMessages,
		OverlayDirectSends,
		OverlayPeers,
		CacheWrites,
		CachePruned,
		CachePruneDuration,
		RegistryEvents,
		RegistryRejected,
		uptime,
	)
}

//MetricsHandler exposes /metrics
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

//Serve runs a metrics endpoint on addr until the server is closed
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go srv.ListenAndServe()
	return srv
}
