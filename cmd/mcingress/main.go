package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/itzg/go-flagsfiller"
	"github.com/sirupsen/logrus"

	"github.com/mcingress/mcingress/boundary"
	"github.com/mcingress/mcingress/ingress"
	"github.com/mcingress/mcingress/ingress/proxyhdr"
	"github.com/mcingress/mcingress/metrics"
)

// ListenerConfig describes one Minecraft-facing listener to bring up at
// startup, in addition to any started later through the boundary API.
type ListenerConfig struct {
	Host      string `usage:"Host to bind this listener to"`
	Port      int    `default:"25565" usage:"The port bound to listen for Minecraft client connections"`
	ProxyMode string `default:"none" usage:"PROXY protocol handling for inbound connections on this listener: none,optional,strict"`
}

// InfluxDBConfig configures the influxdb metrics backend.
type InfluxDBConfig struct {
	Addr            string        `usage:"InfluxDB HTTP address"`
	Username        string        `usage:"InfluxDB username"`
	Password        string        `usage:"InfluxDB password"`
	Database        string        `usage:"InfluxDB database"`
	RetentionPolicy string        `usage:"InfluxDB retention policy"`
	Interval        time.Duration `default:"10s" usage:"How often to flush metrics to InfluxDB"`
}

// Config is the top-level configuration filled in from flags/environment by
// go-flagsfiller.
type Config struct {
	ApiBinding  string `usage:"The host:port bound for servicing the policy boundary API"`
	Listener    ListenerConfig
	MetricsBackend string `default:"discard" usage:"Backend to use for metrics exposure: discard,prometheus,influxdb"`
	InfluxDB    InfluxDBConfig

	DecisionTimeout  time.Duration `default:"30s" usage:"How long to wait for a routing/motd decision before giving up"`
	DefaultCacheTTL  time.Duration `default:"30s" usage:"Default decision cache TTL when a decision doesn't specify one"`
	AcceptRatePerSec float64       `default:"0" usage:"Max accepted connections per second, 0 for unlimited"`
	AcceptBurst      int64         `default:"0" usage:"Burst size for the accept rate limiter"`

	ClientsToAllow []string `usage:"Zero or more client IP addresses or CIDRs to allow. Takes precedence over deny."`
	ClientsToDeny  []string `usage:"Zero or more client IP addresses or CIDRs to deny. Ignored if any configured to allow."`

	VersionFlag bool `usage:"Output version and exit"`
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var config Config
	filler := flagsfiller.New()
	if err := filler.Fill(flag.CommandLine, &config); err != nil {
		logrus.WithError(err).Fatal("configuring flags")
	}
	flag.Parse()

	if config.VersionFlag {
		fmt.Printf("%v, commit %v, built at %v\n", version, commit, date)
		os.Exit(0)
	}

	sink, err := buildMetricsSink(&config)
	if err != nil {
		logrus.WithError(err).Fatal("configuring metrics backend")
	}

	opts := ingress.Options{
		DecisionTimeout:  config.DecisionTimeout,
		DefaultCacheTTL:  config.DefaultCacheTTL,
		AcceptRatePerSec: config.AcceptRatePerSec,
		AcceptBurst:      config.AcceptBurst,
		AllowList:        config.ClientsToAllow,
		DenyList:         config.ClientsToDeny,
	}

	engine := ingress.New(opts, sink)

	if _, err := engine.StartListener(ingress.ListenerConfig{
		Host:      config.Listener.Host,
		Port:      config.Listener.Port,
		ProxyMode: parseProxyMode(config.Listener.ProxyMode),
	}); err != nil {
		logrus.WithError(err).Fatal("starting listener")
	}

	if config.ApiBinding != "" {
		srv := boundary.New(engine)
		go func() {
			if err := srv.Serve(config.ApiBinding); err != nil {
				logrus.WithError(err).Error("policy boundary API server failed")
			}
		}()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	<-c

	logrus.Info("shutting down")
	engine.Shutdown()
}

func parseProxyMode(s string) proxyhdr.Mode {
	switch s {
	case "optional":
		return proxyhdr.ModeOptional
	case "strict":
		return proxyhdr.ModeStrict
	default:
		return proxyhdr.ModeNone
	}
}

func buildMetricsSink(config *Config) (*metrics.Sink, error) {
	switch config.MetricsBackend {
	case "prometheus":
		return metrics.Prometheus(), nil
	case "influxdb":
		return metrics.InfluxDB(context.Background(), metrics.InfluxDBConfig{
			Addr:            config.InfluxDB.Addr,
			Username:        config.InfluxDB.Username,
			Password:        config.InfluxDB.Password,
			Database:        config.InfluxDB.Database,
			RetentionPolicy: config.InfluxDB.RetentionPolicy,
			Interval:        config.InfluxDB.Interval,
		})
	default:
		return metrics.Discard(), nil
	}
}
