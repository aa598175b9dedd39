package metrics

import (
	"context"
	"time"

	kitlogrus "github.com/go-kit/kit/log/logrus"
	kitinflux "github.com/go-kit/kit/metrics/influx"
	influx "github.com/influxdata/influxdb1-client/v2"
	"github.com/sirupsen/logrus"
)

// InfluxDBConfig configures the InfluxDB metrics backend.
type InfluxDBConfig struct {
	Addr            string
	Username        string
	Password        string
	Database        string
	RetentionPolicy string
	Interval        time.Duration
	Tags            map[string]string
}

// InfluxDB builds a Sink backed by an InfluxDB line-protocol writer and
// starts its periodic WriteLoop, matching the teacher's influx metrics
// builder: one kitinflux.Influx bucket shared by every instrument, flushed
// on a ticker against an HTTP client.
func InfluxDB(ctx context.Context, cfg InfluxDBConfig) (*Sink, error) {
	client, err := influx.NewHTTPClient(influx.HTTPConfig{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		return nil, err
	}

	bucket := kitinflux.New(cfg.Tags, influx.BatchPointsConfig{
		Database:        cfg.Database,
		RetentionPolicy: cfg.RetentionPolicy,
	}, kitlogrus.NewLogger(logrus.StandardLogger()))

	ticker := time.NewTicker(cfg.Interval)
	go bucket.WriteLoop(ctx, ticker.C, client)

	return &Sink{
		ConnectionsTotal:  bucket.NewCounter("mcingress_connections_total"),
		ConnectionsActive: bucket.NewGauge("mcingress_connections_active"),
		BytesSent:         bucket.NewCounter("mcingress_bytes_sent_total"),
		BytesReceived:     bucket.NewCounter("mcingress_bytes_received_total"),
		RouteRejections:   bucket.NewCounter("mcingress_route_rejections_total"),
		DecisionTimeouts:  bucket.NewCounter("mcingress_decision_timeouts_total"),
		CacheHits:         bucket.NewCounter("mcingress_cache_hits_total"),
		CacheMisses:       bucket.NewCounter("mcingress_cache_misses_total"),
	}, nil
}
