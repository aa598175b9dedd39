// Package ratelimit provides the per-connection send/recv token buckets,
// built on the same juju/ratelimit buckets the accept loop already uses for
// its own admission throttling.
package ratelimit

import (
	"sync/atomic"
	"time"

	"github.com/juju/ratelimit"
)

// Limits describes a bucket's fill rate and burst capacity. A zero Rate
// means unlimited: no bucket is created and callers fast-path through.
type Limits struct {
	Rate  float64 // bytes per second
	Burst int64   // bytes
}

func (l Limits) unlimited() bool {
	return l.Rate <= 0
}

// PairedLimiter holds the independent send and receive buckets for one
// connection. Either side can be reconfigured at any time via SetSend or
// SetRecv without
// disturbing in-flight Wait calls on the other side: each bucket is stored
// behind its own atomic pointer and swapped, never mutated in place.
type PairedLimiter struct {
	send atomic.Pointer[ratelimit.Bucket]
	recv atomic.Pointer[ratelimit.Bucket]
}

// New builds a PairedLimiter with the given initial send/recv limits.
func New(send, recv Limits) *PairedLimiter {
	p := &PairedLimiter{}
	p.SetSend(send)
	p.SetRecv(recv)
	return p
}

// SetSend reconfigures the outbound-direction bucket.
func (p *PairedLimiter) SetSend(l Limits) {
	p.send.Store(newBucket(l))
}

// SetRecv reconfigures the inbound-direction bucket.
func (p *PairedLimiter) SetRecv(l Limits) {
	p.recv.Store(newBucket(l))
}

func newBucket(l Limits) *ratelimit.Bucket {
	if l.unlimited() {
		return nil
	}
	burst := l.Burst
	if burst <= 0 {
		// NewBucketWithRate panics on a zero capacity; a configured rate
		// with no burst still needs at least one token's worth of capacity.
		burst = 1
	}
	return ratelimit.NewBucketWithRate(l.Rate, burst)
}

// WaitSend blocks until n bytes may be sent, charging them against the
// current send bucket. A nil bucket (unlimited) returns immediately.
func (p *PairedLimiter) WaitSend(n int64) {
	waitOn(p.send.Load(), n)
}

// WaitRecv blocks until n bytes may be received.
func (p *PairedLimiter) WaitRecv(n int64) {
	waitOn(p.recv.Load(), n)
}

func waitOn(bucket *ratelimit.Bucket, n int64) {
	if bucket == nil || n <= 0 {
		return
	}
	d := bucket.Take(n)
	if d > 0 {
		time.Sleep(d)
	}
}

// Unlimited reports whether both directions are currently unlimited, which
// is the gate for the forwarder's kernel-splice fast path.
func (p *PairedLimiter) Unlimited() bool {
	return p.send.Load() == nil && p.recv.Load() == nil
}
