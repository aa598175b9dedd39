package metrics

import (
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus builds a Sink backed by Prometheus instruments registered
// under the "mcingress" namespace, ready to be exposed on the /varz endpoint.
func Prometheus() *Sink {
	return &Sink{
		ConnectionsTotal: kitprometheus.NewCounter(promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcingress", Name: "connections_total",
			Help: "Total number of connections accepted.",
		}, nil)),
		ConnectionsActive: kitprometheus.NewGauge(promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mcingress", Name: "connections_active",
			Help: "Number of currently active connections.",
		}, nil)),
		BytesSent: kitprometheus.NewCounter(promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcingress", Name: "bytes_sent_total",
			Help: "Total bytes forwarded to backends.",
		}, nil)),
		BytesReceived: kitprometheus.NewCounter(promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcingress", Name: "bytes_received_total",
			Help: "Total bytes forwarded from backends.",
		}, nil)),
		RouteRejections: kitprometheus.NewCounter(promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcingress", Name: "route_rejections_total",
			Help: "Total connections rejected by policy or cache.",
		}, nil)),
		DecisionTimeouts: kitprometheus.NewCounter(promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcingress", Name: "decision_timeouts_total",
			Help: "Total route/motd decisions that timed out waiting on policy.",
		}, nil)),
		CacheHits: kitprometheus.NewCounter(promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcingress", Name: "cache_hits_total",
			Help: "Total decision cache hits.",
		}, nil)),
		CacheMisses: kitprometheus.NewCounter(promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcingress", Name: "cache_misses_total",
			Help: "Total decision cache misses.",
		}, nil)),
	}
}
