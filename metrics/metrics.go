// Package metrics provides the go-kit metrics facade used throughout the
// engine, with swappable backends (discard, Prometheus, InfluxDB) selected
// at startup the way the teacher's own metrics builder does.
package metrics

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
)

// Sink is the set of instruments the engine records against. It is built
// once at startup and handed to every package that needs to observe
// connection activity.
type Sink struct {
	ConnectionsTotal  metrics.Counter
	ConnectionsActive metrics.Gauge
	BytesSent         metrics.Counter
	BytesReceived     metrics.Counter
	RouteRejections   metrics.Counter
	DecisionTimeouts  metrics.Counter
	CacheHits         metrics.Counter
	CacheMisses       metrics.Counter
}

// Discard builds a Sink whose instruments drop every observation. This is
// the default backend, matching the teacher's "discard" metrics choice when
// no backend is configured.
func Discard() *Sink {
	return &Sink{
		ConnectionsTotal:  discard.NewCounter(),
		ConnectionsActive: discard.NewGauge(),
		BytesSent:         discard.NewCounter(),
		BytesReceived:     discard.NewCounter(),
		RouteRejections:   discard.NewCounter(),
		DecisionTimeouts:  discard.NewCounter(),
		CacheHits:         discard.NewCounter(),
		CacheMisses:       discard.NewCounter(),
	}
}
