// Package ingress implements the connection pipeline: accepting a client,
// speaking enough of the Minecraft handshake to learn what it wants, asking
// the external policy (direct or via the decision cache) what to do about
// it, and then forwarding bytes to a backend until either side hangs up.
package ingress

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mcingress/mcingress/ingress/cache"
	"github.com/mcingress/mcingress/ingress/filter"
	"github.com/mcingress/mcingress/ingress/ratelimit"
	"github.com/mcingress/mcingress/ingress/registry"
	"github.com/mcingress/mcingress/metrics"
)

// Engine owns every listener, the registry of live state, the decision
// cache, and the admission filter. It is the root object the boundary
// package drives and cmd/mcingress wires up at startup.
type Engine struct {
	Registry *registry.Registry
	Cache    *cache.Cache
	Metrics  *metrics.Sink

	mu      sync.RWMutex
	opts    Options
	admit   *filter.Filter
	limiter *acceptLimiter

	listeners map[uint64]*listenerHandle
}

type listenerHandle struct {
	cfg      ListenerConfig
	listener net.Listener
	cancel   context.CancelFunc
}

// New builds an Engine with the given initial options and metrics sink.
func New(opts Options, sink *metrics.Sink) *Engine {
	admit, _ := filter.New(opts.AllowList, opts.DenyList)
	if admit == nil {
		admit = filter.AllowAll()
	}
	reg := registry.New()
	reg.SetGlobalRateLimit(opts.GlobalSendLimit, opts.GlobalRecvLimit)
	return &Engine{
		Registry:  reg,
		Cache:     cache.New(),
		Metrics:   sink,
		opts:      opts,
		admit:     admit,
		limiter:   newAcceptLimiter(opts.AcceptRatePerSec, opts.AcceptBurst),
		listeners: make(map[uint64]*listenerHandle),
	}
}

// SetOptions atomically replaces the engine's dynamic options, rebuilding
// the admission filter and accept limiter from the new values.
func (e *Engine) SetOptions(opts Options) error {
	admit, err := filter.New(opts.AllowList, opts.DenyList)
	if err != nil {
		return errors.Wrap(err, "invalid allow/deny list")
	}

	e.mu.Lock()
	e.opts = opts
	e.admit = admit
	e.limiter = newAcceptLimiter(opts.AcceptRatePerSec, opts.AcceptBurst)
	e.mu.Unlock()

	e.Registry.SetGlobalRateLimit(opts.GlobalSendLimit, opts.GlobalRecvLimit)
	return nil
}

func (e *Engine) options() Options {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.opts
}

func (e *Engine) filter() *filter.Filter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.admit
}

func (e *Engine) acceptLimiter() *acceptLimiter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.limiter
}

// StartListener opens a new listening socket and begins accepting
// connections on it, registering it in the registry under a fresh id.
func (e *Engine) StartListener(cfg ListenerConfig) (uint64, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return 0, errors.Wrap(err, "opening listener")
	}

	id := e.Registry.NextID()
	ctx, cancel := context.WithCancel(context.Background())

	e.Registry.AddListener(&registry.ListenerState{
		ID: id, Host: cfg.Host, Port: cfg.Port, ProxyMode: int(cfg.ProxyMode),
	})

	e.mu.Lock()
	e.listeners[id] = &listenerHandle{cfg: cfg, listener: ln, cancel: cancel}
	e.mu.Unlock()

	go e.acceptLoop(ctx, id, cfg, ln)

	logrus.WithField("listenerId", id).WithField("addr", ln.Addr()).Info("listener started")
	return id, nil
}

// StopListener closes a listener and stops accepting new connections on it.
// Connections already established through it are left running.
func (e *Engine) StopListener(id uint64) error {
	e.mu.Lock()
	handle, ok := e.listeners[id]
	if ok {
		delete(e.listeners, id)
	}
	e.mu.Unlock()

	if !ok {
		return errors.Errorf("no such listener: %d", id)
	}

	handle.cancel()
	e.Registry.RemoveListener(id)
	return handle.listener.Close()
}

// Shutdown stops every listener and cancels every live connection.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	handles := e.listeners
	e.listeners = make(map[uint64]*listenerHandle)
	e.mu.Unlock()

	for id, h := range handles {
		h.cancel()
		_ = h.listener.Close()
		e.Registry.RemoveListener(id)
	}

	e.KickAll("shutdown")
}

// Disconnect forcibly closes one connection by id. Cancelling its context
// wakes up anything selecting on ctx.Done (such as a token wait), and
// closing its registered sockets unblocks a goroutine parked in a blocking
// net.Conn.Read, which never observes the context at all.
func (e *Engine) Disconnect(connID uint64, reason string) bool {
	conn, ok := e.Registry.Connection(connID)
	if !ok {
		return false
	}
	if conn.Cancel != nil {
		conn.Cancel()
	}
	conn.CloseAll()
	_ = reason
	return true
}

// SetRateLimit reconfigures one connection's send/recv token buckets. It
// reports false if the connection id is unknown.
func (e *Engine) SetRateLimit(connID uint64, send, recv ratelimit.Limits) bool {
	conn, ok := e.Registry.Connection(connID)
	if !ok {
		return false
	}
	conn.Limiter.SetSend(send)
	conn.Limiter.SetRecv(recv)
	return true
}

// KickAll forcibly closes every live connection.
func (e *Engine) KickAll(reason string) int {
	conns := e.Registry.Connections()
	for _, c := range conns {
		if c.Cancel != nil {
			c.Cancel()
		}
		c.CloseAll()
	}
	_ = reason
	return len(conns)
}

func (e *Engine) acceptLoop(ctx context.Context, listenerID uint64, cfg ListenerConfig, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			logrus.WithError(err).WithField("listenerId", listenerID).Warn("accept failed")
			return
		}

		e.acceptLimiter().wait()

		if addr, ok := clientAddr(conn); ok && !e.filter().Admit(addr) {
			logrus.WithField("client", conn.RemoteAddr()).Info("rejected by admission filter")
			_ = conn.Close()
			continue
		}

		connCtx, cancel := context.WithCancel(context.Background())
		connID := e.Registry.NextID()

		globalSend, globalRecv := e.Registry.GlobalRateLimit()
		state := &registry.ConnectionState{
			ID:         connID,
			ListenerID: listenerID,
			ClientAddr: conn.RemoteAddr().String(),
			Metrics:    &registry.ConnMetrics{ConnectedAt: time.Now()},
			Limiter:    ratelimit.New(globalSend, globalRecv),
			Cancel:     cancel,
		}
		state.AddCloser(conn)
		e.Registry.AddConnection(state)
		e.Metrics.ConnectionsTotal.Add(1)
		e.Metrics.ConnectionsActive.Add(1)

		go func() {
			defer cancel()
			defer e.Metrics.ConnectionsActive.Add(-1)
			defer e.Registry.RemoveConnection(connID)

			p := &pipeline{
				engine:     e,
				connID:     connID,
				state:      state,
				proxyMode:  cfg.ProxyMode,
				opts:       e.options(),
			}
			reason := func() (reason string) {
				defer func() {
					if r := recover(); r != nil {
						logrus.WithField("connId", connID).WithField("panic", r).Error("connection pipeline panicked")
						state.CloseAll()
						reason = "panic"
					}
				}()
				return p.run(connCtx, conn)
			}()
			e.Registry.PushEvent(registry.DisconnectionEvent{
				ConnectionID:  connID,
				Reason:        reason,
				At:            time.Now(),
				BytesSent:     atomic.LoadUint64(&state.Metrics.BytesSent),
				BytesReceived: atomic.LoadUint64(&state.Metrics.BytesReceived),
			})
		}()
	}
}

func clientAddr(conn net.Conn) (netip.Addr, bool) {
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(tcpAddr.IP)
	return addr, ok
}

// acceptLimiter throttles the accept loop itself, grounded on the same
// juju/ratelimit bucket the teacher uses for its accept-rate limiting.
type acceptLimiter struct {
	l *ratelimit.PairedLimiter
}

func newAcceptLimiter(rate float64, burst int64) *acceptLimiter {
	return &acceptLimiter{l: ratelimit.New(ratelimit.Limits{Rate: rate, Burst: burst}, ratelimit.Limits{})}
}

func (a *acceptLimiter) wait() {
	a.l.WaitSend(1)
}
