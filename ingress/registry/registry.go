// Package registry holds the engine's shared runtime state: listener and
// connection tables, the pending one-shot decision slots a connection
// blocks on, the FIFO queues the policy boundary drains, and the global
// counters exposed through get-metrics.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcingress/mcingress/ingress/ratelimit"
)

// ListenerState describes one accepting listener.
type ListenerState struct {
	ID       uint64
	Host     string
	Port     int
	ProxyMode int
}

// ConnMetrics is the per-connection counters exposed by get-connection-metrics.
type ConnMetrics struct {
	BytesSent     uint64    `json:"bytes_sent"`
	BytesReceived uint64    `json:"bytes_recv"`
	ConnectedAt   time.Time `json:"connected_at"`
}

// ConnectionState describes one live connection.
type ConnectionState struct {
	ID         uint64
	ListenerID uint64
	ClientAddr string
	Host       string
	Username   string
	Metrics    *ConnMetrics
	Limiter    *ratelimit.PairedLimiter
	Cancel     func()

	closersMu sync.Mutex
	closers   []io.Closer
}

// AddCloser registers a socket (client or backend) to be closed when this
// connection is disconnected or kicked. Cancelling the connection's context
// alone doesn't unblock a goroutine parked in a blocking net.Conn.Read; the
// socket itself has to be closed.
func (c *ConnectionState) AddCloser(closer io.Closer) {
	c.closersMu.Lock()
	c.closers = append(c.closers, closer)
	c.closersMu.Unlock()
}

// CloseAll closes every socket registered for this connection.
func (c *ConnectionState) CloseAll() {
	c.closersMu.Lock()
	closers := c.closers
	c.closersMu.Unlock()
	for _, cl := range closers {
		_ = cl.Close()
	}
}

// RouteRequest is emitted to the route queue when a handshake needs a policy
// decision and nothing usable was found in the decision cache.
type RouteRequest struct {
	ConnectionID    uint64 `json:"connId"`
	ClientAddr      string `json:"peerIp"`
	Host            string `json:"host"`
	Port            uint16 `json:"port"`
	ProtocolVersion int    `json:"protocol"`
	Username        string `json:"username,omitempty"`
}

// MotdRequest is emitted to the motd queue for a status-state handshake.
type MotdRequest struct {
	ConnectionID    uint64 `json:"connId"`
	ClientAddr      string `json:"peerIp"`
	Host            string `json:"host"`
	Port            uint16 `json:"port"`
	ProtocolVersion int    `json:"protocol"`
}

// CacheGranularity selects whether a cache directive's key includes the
// requested host, matching the two granularities §4.3 defines.
type CacheGranularity string

const (
	CacheGranularityIP     CacheGranularity = "Ip"
	CacheGranularityIPHost CacheGranularity = "IpHost"
)

// CacheDirective is the optional "cache" object a RouteDecision or
// MotdDecision carries, telling the engine how long (and under what key) to
// remember the answer without asking the policy again. Reject/RejectReason
// let a decision that routes or serves a MOTD *this* time still tell the
// engine to treat the next matching connection as a rejection. The engine
// stores only a RouteDecision's directive: a MotdDecision's cache field is
// decoded but never written to the decision cache.
type CacheDirective struct {
	Granularity  CacheGranularity `json:"granularity"`
	TTLMillis    int64            `json:"ttl"`
	Reject       bool             `json:"reject,omitempty"`
	RejectReason string           `json:"rejectReason,omitempty"`
}

// RouteDecision is submitted by the policy against a pending route request.
// Its JSON shape is either {disconnect} or {remoteHost, remotePort, proxy?,
// proxyProtocol?, rewriteHost?, cache?}, per §6.
type RouteDecision struct {
	Disconnect    string          `json:"disconnect,omitempty"`
	RemoteHost    string          `json:"remoteHost,omitempty"`
	RemotePort    uint16          `json:"remotePort,omitempty"`
	Proxy         string          `json:"proxy,omitempty"`
	ProxyProtocol int             `json:"proxyProtocol,omitempty"`
	RewriteHost   string          `json:"rewriteHost,omitempty"`
	Cache         *CacheDirective `json:"cache,omitempty"`
}

// Reject reports whether this decision disconnects the client instead of
// routing it.
func (d RouteDecision) Reject() bool { return d.Disconnect != "" }

// Backend returns the dial target derived from RemoteHost/RemotePort, or the
// empty string when the decision carries no route (a disconnect).
func (d RouteDecision) Backend() string {
	if d.RemoteHost == "" {
		return ""
	}
	return net.JoinHostPort(d.RemoteHost, strconv.Itoa(int(d.RemotePort)))
}

// IntOrAuto decodes either a JSON number or the literal string "auto",
// matching the protocol/online fields §6 lets the policy leave to the
// engine to fill in at response-build time.
type IntOrAuto struct {
	Value int
	Auto  bool
}

func (v *IntOrAuto) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte(`"auto"`)) {
		v.Auto = true
		v.Value = 0
		return nil
	}
	v.Auto = false
	return json.Unmarshal(data, &v.Value)
}

func (v IntOrAuto) MarshalJSON() ([]byte, error) {
	if v.Auto {
		return []byte(`"auto"`), nil
	}
	return json.Marshal(v.Value)
}

const zeroUUID = "00000000-0000-0000-0000-000000000000"

// PlayerSample is one entry of players.sample. A bare JSON string is
// promoted to {name, id: zero UUID} per §6.
type PlayerSample struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

func (p *PlayerSample) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		p.Name = name
		p.ID = zeroUUID
		return nil
	}

	type playerSample PlayerSample
	var alias playerSample
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*p = PlayerSample(alias)
	return nil
}

// StatusVersion is the version object of a status response.
type StatusVersion struct {
	Name     string    `json:"name"`
	Protocol IntOrAuto `json:"protocol"`
}

// StatusPlayers is the players object of a status response.
type StatusPlayers struct {
	Max    int            `json:"max"`
	Online IntOrAuto      `json:"online"`
	Sample []PlayerSample `json:"sample,omitempty"`
}

// StatusDescription holds the MOTD text shown on the server list.
type StatusDescription struct {
	Text string `json:"text"`
}

// MotdDecision is submitted by the policy against a pending motd request.
// Its JSON shape is either {disconnect} or {version, players, description,
// favicon?, cache?}, per §6.
type MotdDecision struct {
	Disconnect  string            `json:"disconnect,omitempty"`
	Version     StatusVersion     `json:"version"`
	Players     StatusPlayers     `json:"players"`
	Description StatusDescription `json:"description"`
	Favicon     string            `json:"favicon,omitempty"`
	Cache       *CacheDirective   `json:"cache,omitempty"`
}

// Reject reports whether this decision disconnects the client instead of
// serving a status response.
func (d MotdDecision) Reject() bool { return d.Disconnect != "" }

// DisconnectionEvent is emitted to the event queue when a connection ends.
type DisconnectionEvent struct {
	ConnectionID uint64    `json:"connId"`
	Reason       string    `json:"reason"`
	At           time.Time `json:"at"`
	BytesSent    uint64    `json:"bytesSent"`
	BytesReceived uint64   `json:"bytesReceived"`
}

// GlobalCounters are the process-wide totals exposed by get-metrics.
type GlobalCounters struct {
	TotalConnections  uint64 `json:"total_conn"`
	ActiveConnections int64  `json:"active_conn"`
	BytesSent         uint64 `json:"total_bytes_sent"`
	BytesReceived     uint64 `json:"total_bytes_recv"`
}

type queue[T any] struct {
	mu    sync.Mutex
	items []T
}

func (q *queue[T]) push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

// drain removes and returns up to max items (0 means all).
func (q *queue[T]) drain(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 || max >= len(q.items) {
		out := q.items
		q.items = nil
		return out
	}
	out := q.items[:max]
	q.items = q.items[max:]
	return out
}

// Registry is the engine's single source of truth for runtime state.
type Registry struct {
	nextID atomic.Uint64

	mu        sync.RWMutex
	listeners map[uint64]*ListenerState
	conns     map[uint64]*ConnectionState

	pendingMu sync.Mutex
	pendingRoute map[uint64]chan RouteDecision
	pendingMotd  map[uint64]chan MotdDecision

	routeQueue queue[RouteRequest]
	motdQueue  queue[MotdRequest]
	eventQueue queue[DisconnectionEvent]

	counters GlobalCounters

	rateLimitMu sync.RWMutex
	globalSend  ratelimit.Limits
	globalRecv  ratelimit.Limits
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		listeners:    make(map[uint64]*ListenerState),
		conns:        make(map[uint64]*ConnectionState),
		pendingRoute: make(map[uint64]chan RouteDecision),
		pendingMotd:  make(map[uint64]chan MotdDecision),
	}
}

// NextID mints a fresh, process-unique monotonic identifier.
func (r *Registry) NextID() uint64 {
	return r.nextID.Add(1)
}

// AddListener registers a new listener.
func (r *Registry) AddListener(l *ListenerState) {
	r.mu.Lock()
	r.listeners[l.ID] = l
	r.mu.Unlock()
}

// RemoveListener deregisters a listener.
func (r *Registry) RemoveListener(id uint64) {
	r.mu.Lock()
	delete(r.listeners, id)
	r.mu.Unlock()
}

// Listeners returns a snapshot of all registered listeners.
func (r *Registry) Listeners() []*ListenerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ListenerState, 0, len(r.listeners))
	for _, l := range r.listeners {
		out = append(out, l)
	}
	return out
}

// Listener looks up a listener by id.
func (r *Registry) Listener(id uint64) (*ListenerState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listeners[id]
	return l, ok
}

// AddConnection registers a new live connection and bumps the global counters.
func (r *Registry) AddConnection(c *ConnectionState) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()

	atomic.AddUint64(&r.counters.TotalConnections, 1)
	atomic.AddInt64(&r.counters.ActiveConnections, 1)
}

// RemoveConnection deregisters a connection and decrements active count.
func (r *Registry) RemoveConnection(id uint64) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()

	atomic.AddInt64(&r.counters.ActiveConnections, -1)
}

// Connection looks up a live connection by id.
func (r *Registry) Connection(id uint64) (*ConnectionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Connections returns a snapshot of all live connections.
func (r *Registry) Connections() []*ConnectionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ConnectionState, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// AddBytesSent/AddBytesReceived track bytes moved on the data path.
func (r *Registry) AddBytesSent(n uint64)     { atomic.AddUint64(&r.counters.BytesSent, n) }
func (r *Registry) AddBytesReceived(n uint64) { atomic.AddUint64(&r.counters.BytesReceived, n) }

// SetGlobalRateLimit installs the default send/recv limits applied to every
// Connection at creation, per §4.4. Already-live connections are unaffected;
// only connections accepted after this call see the new default.
func (r *Registry) SetGlobalRateLimit(send, recv ratelimit.Limits) {
	r.rateLimitMu.Lock()
	r.globalSend = send
	r.globalRecv = recv
	r.rateLimitMu.Unlock()
}

// GlobalRateLimit returns the currently installed default send/recv limits.
func (r *Registry) GlobalRateLimit() (send, recv ratelimit.Limits) {
	r.rateLimitMu.RLock()
	defer r.rateLimitMu.RUnlock()
	return r.globalSend, r.globalRecv
}

// Counters returns a snapshot of the global counters.
func (r *Registry) Counters() GlobalCounters {
	return GlobalCounters{
		TotalConnections:  atomic.LoadUint64(&r.counters.TotalConnections),
		ActiveConnections: atomic.LoadInt64(&r.counters.ActiveConnections),
		BytesSent:         atomic.LoadUint64(&r.counters.BytesSent),
		BytesReceived:     atomic.LoadUint64(&r.counters.BytesReceived),
	}
}

// AwaitRouteDecision registers a pending route slot for connID, enqueues
// req, and blocks until a decision is submitted or the context is done.
func (r *Registry) AwaitRouteDecision(ctx context.Context, connID uint64, req RouteRequest) (RouteDecision, bool) {
	ch := make(chan RouteDecision, 1)
	r.pendingMu.Lock()
	r.pendingRoute[connID] = ch
	r.pendingMu.Unlock()

	r.routeQueue.push(req)

	defer func() {
		r.pendingMu.Lock()
		delete(r.pendingRoute, connID)
		r.pendingMu.Unlock()
	}()

	select {
	case decision := <-ch:
		return decision, true
	case <-ctx.Done():
		return RouteDecision{}, false
	}
}

// AwaitMotdDecision is the motd-flow counterpart to AwaitRouteDecision.
func (r *Registry) AwaitMotdDecision(ctx context.Context, connID uint64, req MotdRequest) (MotdDecision, bool) {
	ch := make(chan MotdDecision, 1)
	r.pendingMu.Lock()
	r.pendingMotd[connID] = ch
	r.pendingMu.Unlock()

	r.motdQueue.push(req)

	defer func() {
		r.pendingMu.Lock()
		delete(r.pendingMotd, connID)
		r.pendingMu.Unlock()
	}()

	select {
	case decision := <-ch:
		return decision, true
	case <-ctx.Done():
		return MotdDecision{}, false
	}
}

// SubmitRouteDecision delivers a decision to the connection blocked in
// AwaitRouteDecision for connID. It reports false if no such connection is
// currently waiting (already timed out, or the connID is unknown).
func (r *Registry) SubmitRouteDecision(connID uint64, decision RouteDecision) bool {
	r.pendingMu.Lock()
	ch, ok := r.pendingRoute[connID]
	r.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- decision:
		return true
	default:
		return false
	}
}

// SubmitMotdDecision is the motd-flow counterpart to SubmitRouteDecision.
func (r *Registry) SubmitMotdDecision(connID uint64, decision MotdDecision) bool {
	r.pendingMu.Lock()
	ch, ok := r.pendingMotd[connID]
	r.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- decision:
		return true
	default:
		return false
	}
}

// PollRouteRequests drains up to max pending route requests (0 means all).
func (r *Registry) PollRouteRequests(max int) []RouteRequest { return r.routeQueue.drain(max) }

// PollMotdRequests drains up to max pending motd requests (0 means all).
func (r *Registry) PollMotdRequests(max int) []MotdRequest { return r.motdQueue.drain(max) }

// PollEvents drains up to max pending disconnection events (0 means all).
func (r *Registry) PollEvents(max int) []DisconnectionEvent { return r.eventQueue.drain(max) }

// PushEvent enqueues a disconnection event for later polling.
func (r *Registry) PushEvent(e DisconnectionEvent) { r.eventQueue.push(e) }
