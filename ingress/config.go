package ingress

import (
	"time"

	"github.com/mcingress/mcingress/ingress/proxyhdr"
	"github.com/mcingress/mcingress/ingress/ratelimit"
)

// ListenerConfig describes one accepting listener.
type ListenerConfig struct {
	Host      string
	Port      int
	ProxyMode proxyhdr.Mode
}

// Options are the engine-wide, dynamically reconfigurable settings exposed
// through the boundary's set-options operation.
type Options struct {
	DecisionTimeout  time.Duration
	DefaultCacheTTL  time.Duration
	AcceptRatePerSec float64
	AcceptBurst      int64
	AllowList        []string
	DenyList         []string

	// GlobalSendLimit/GlobalRecvLimit are the optional default per-connection
	// token buckets applied to a Connection at creation (§4.4). A zero Rate
	// means unlimited, matching ratelimit.Limits' own zero-value semantics.
	GlobalSendLimit ratelimit.Limits
	GlobalRecvLimit ratelimit.Limits
}

// DefaultOptions mirrors the values the original implementation falls back
// to when the policy layer hasn't yet overridden them.
func DefaultOptions() Options {
	return Options{
		DecisionTimeout:  30 * time.Second,
		DefaultCacheTTL:  30 * time.Second,
		AcceptRatePerSec: 0,
		AcceptBurst:      0,
	}
}
