package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mcingress/mcingress/ingress/cache"
	"github.com/mcingress/mcingress/ingress/forward"
	"github.com/mcingress/mcingress/ingress/proxyhdr"
	"github.com/mcingress/mcingress/ingress/registry"
	"github.com/mcingress/mcingress/mcproto"
	"github.com/mcingress/mcingress/metrics"
)

// readerLike is satisfied by the *bufio.Reader proxyhdr.Read hands back; it
// is named separately from io.Reader only so the pipeline's intent (read
// buffered handshake bytes) reads clearly at call sites.
type readerLike = io.Reader

// pipeline carries the per-connection state through the handshake, the
// routing decision, and into forwarding.
type pipeline struct {
	engine    *Engine
	connID    uint64
	state     *registry.ConnectionState
	proxyMode proxyhdr.Mode
	opts      Options
}

// run drives one connection end to end and returns a short reason string
// used as the DisconnectionEvent's Reason.
func (p *pipeline) run(ctx context.Context, conn net.Conn) string {
	defer conn.Close()

	clientAddr := conn.RemoteAddr().String()
	clientIP, _, _ := net.SplitHostPort(clientAddr)

	br, proxyInfo, err := proxyhdr.Read(conn, p.proxyMode)
	if err != nil {
		logrus.WithError(err).WithField("client", clientAddr).Debug("PROXY protocol rejected")
		return "proxy-protocol-error"
	}
	if proxyInfo != nil {
		clientIP, _, _ = net.SplitHostPort(proxyInfo.SourceAddr.String())
	}

	packet, err := mcproto.ReadPacket(br, conn.RemoteAddr())
	if err != nil {
		logrus.WithError(err).WithField("client", clientAddr).Debug("failed to read handshake frame")
		return "framing-error"
	}

	if packet.PacketID != mcproto.PacketIDHandshake {
		return "protocol-violation"
	}

	handshake, err := mcproto.DecodeHandshake(packet.Data)
	if err != nil {
		logrus.WithError(err).WithField("client", clientAddr).Debug("failed to decode handshake")
		return "protocol-violation"
	}

	p.state.Host = handshake.ServerAddress

	switch handshake.NextState {
	case mcproto.StateStatus:
		return p.handleStatus(ctx, conn, br, clientIP, handshake)
	case mcproto.StateLogin:
		return p.handleLogin(ctx, conn, br, clientIP, handshake)
	default:
		return "protocol-violation"
	}
}

func (p *pipeline) handleLogin(ctx context.Context, conn net.Conn, br readerLike, clientIP string, handshake *mcproto.Handshake) string {
	loginPacket, err := mcproto.ReadPacket(br, conn.RemoteAddr())
	if err != nil {
		return "framing-error"
	}
	if loginPacket.PacketID != mcproto.PacketIDLoginStart {
		return "protocol-violation"
	}

	loginStart, err := mcproto.DecodeLoginStart(loginPacket.Data)
	if err != nil {
		return "protocol-violation"
	}
	p.state.Username = loginStart.Name

	decision, ok := p.resolveRouteDecision(ctx, clientIP, handshake, loginStart)
	if !ok {
		_ = mcproto.WriteLoginDisconnect(conn, "Routing decision timed out")
		return "decision-timeout"
	}
	if decision.Reject() {
		reason := decision.Disconnect
		if reason == "" {
			reason = "Connection refused"
		}
		_ = mcproto.WriteLoginDisconnect(conn, reason)
		return "policy-rejection"
	}
	if decision.Backend() == "" {
		_ = mcproto.WriteLoginDisconnect(conn, "No backend configured")
		return "policy-rejection"
	}

	backendConn, err := dialBackend(ctx, decision.Backend(), decision.Proxy)
	if err != nil {
		logrus.WithError(err).WithField("backend", decision.Backend()).Warn("backend unavailable")
		_ = mcproto.WriteLoginDisconnect(conn, "Backend unavailable")
		return "backend-unavailable"
	}
	p.state.AddCloser(backendConn)

	switch decision.ProxyProtocol {
	case 1:
		_ = proxyhdr.WriteV1(backendConn, conn.RemoteAddr(), backendConn.RemoteAddr())
	case 2:
		_ = proxyhdr.WriteV2(backendConn, conn.RemoteAddr(), backendConn.RemoteAddr())
	}

	outHandshake := *handshake
	if decision.RewriteHost != "" {
		outHandshake.ServerAddress = decision.RewriteHost
	}
	outHandshake.ServerPort = decision.RemotePort
	if err := replayHandshake(backendConn, &outHandshake); err != nil {
		_ = backendConn.Close()
		return "backend-unavailable"
	}
	if err := replayRawPacket(backendConn, loginPacket.PacketID, loginStart.Raw); err != nil {
		_ = backendConn.Close()
		return "backend-unavailable"
	}

	return p.forward(ctx, conn, br, backendConn)
}

func (p *pipeline) handleStatus(ctx context.Context, conn net.Conn, br readerLike, clientIP string, handshake *mcproto.Handshake) string {
	decision, ok := p.resolveMotdDecision(ctx, clientIP, handshake)
	if !ok {
		return "decision-timeout"
	}
	if decision.Reject() {
		return "policy-rejection"
	}

	for {
		packet, err := mcproto.ReadPacket(br, conn.RemoteAddr())
		if err != nil {
			return "framing-error"
		}

		switch packet.PacketID {
		case mcproto.PacketIDStatusRequest:
			status := p.buildStatusResponse(decision, handshake)
			if err := mcproto.WriteStatusResponse(conn, status); err != nil {
				return "io-error"
			}
		case mcproto.PacketIDPing:
			payload, err := mcproto.ReadLong(bytes.NewReader(packet.Data))
			if err != nil {
				return "protocol-violation"
			}
			if err := mcproto.WritePong(conn, payload); err != nil {
				return "io-error"
			}
			return "status-complete"
		default:
			return "protocol-violation"
		}
	}
}

// buildStatusResponse maps a MotdDecision's wire fields onto the packet's
// status JSON, substituting "auto" for version.protocol and players.online
// each time a response is built, so the online count reflects the live
// connection count at that moment.
func (p *pipeline) buildStatusResponse(decision registry.MotdDecision, handshake *mcproto.Handshake) mcproto.StatusResponse {
	status := mcproto.StatusResponse{}

	status.Version.Name = decision.Version.Name
	if decision.Version.Protocol.Auto {
		status.Version.Protocol = handshake.ProtocolVersion
	} else {
		status.Version.Protocol = decision.Version.Protocol.Value
	}

	status.Players.Max = decision.Players.Max
	if decision.Players.Online.Auto {
		active := p.engine.Registry.Counters().ActiveConnections - 1
		if active < 0 {
			active = 0
		}
		status.Players.Online = int(active)
	} else {
		status.Players.Online = decision.Players.Online.Value
	}
	for _, s := range decision.Players.Sample {
		status.Players.Sample = append(status.Players.Sample, mcproto.StatusResponsePlayerSample{Name: s.Name, ID: s.ID})
	}

	if decision.Description.Text != "" {
		status.Description = map[string]string{"text": decision.Description.Text}
	} else {
		status.Description = map[string]string{"text": "A Minecraft Server"}
	}
	status.Favicon = decision.Favicon

	return status
}

func (p *pipeline) resolveRouteDecision(ctx context.Context, clientIP string, handshake *mcproto.Handshake, login *mcproto.LoginStart) (registry.RouteDecision, bool) {
	if entry, hit := p.lookupCache(clientIP, handshake.ServerAddress); hit {
		p.engine.Metrics.CacheHits.Add(1)
		if entry.IsRejection {
			p.engine.Metrics.RouteRejections.Add(1)
			return registry.RouteDecision{Disconnect: entry.RejectReason}, true
		}
		var decision registry.RouteDecision
		if err := json.Unmarshal(entry.Data, &decision); err == nil {
			return decision, true
		}
	}
	p.engine.Metrics.CacheMisses.Add(1)

	port, _ := strconv.Atoi(portOf(handshake.ServerPort))
	req := registry.RouteRequest{
		ConnectionID:    p.connID,
		ClientAddr:      clientIP,
		Host:            handshake.ServerAddress,
		Port:            uint16(port),
		ProtocolVersion: handshake.ProtocolVersion,
		Username:        login.Name,
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, p.opts.DecisionTimeout)
	defer cancel()

	decision, ok := p.engine.Registry.AwaitRouteDecision(timeoutCtx, p.connID, req)
	if !ok {
		p.engine.Metrics.DecisionTimeouts.Add(1)
		return registry.RouteDecision{}, false
	}

	p.cacheRouteDecision(clientIP, handshake.ServerAddress, decision)
	if decision.Reject() {
		p.engine.Metrics.RouteRejections.Add(1)
	}
	return decision, true
}

// lookupCache looks for a cached decision under the finer IP+host key first,
// falling back to the coarser IP-only key. A decision cached with
// granularity:"Ip" is stored under the IP-only key by cacheRouteDecision, so
// a lookup that only ever tried IP+host would never find it: the engine has
// no way to know at lookup time which granularity the policy originally
// chose.
func (p *pipeline) lookupCache(clientIP, host string) (cache.Entry, bool) {
	if entry, hit := p.engine.Cache.Get(clientIP, host, cache.GranularityIPHost); hit {
		return entry, true
	}
	return p.engine.Cache.Get(clientIP, host, cache.GranularityIP)
}

func (p *pipeline) cacheRouteDecision(clientIP, host string, decision registry.RouteDecision) {
	c := decision.Cache
	if c == nil {
		return
	}
	ttl := time.Duration(c.TTLMillis) * time.Millisecond
	if ttl <= 0 {
		ttl = p.opts.DefaultCacheTTL
	}
	if ttl <= 0 {
		return
	}
	granularity := cache.GranularityIPHost
	if c.Granularity == registry.CacheGranularityIP {
		granularity = cache.GranularityIP
	}
	if c.Reject || decision.Reject() {
		reason := c.RejectReason
		if reason == "" {
			reason = decision.Disconnect
		}
		p.engine.Cache.SetRejection(clientIP, host, granularity, ttl, reason)
		return
	}
	data, err := json.Marshal(decision)
	if err != nil {
		return
	}
	p.engine.Cache.Set(clientIP, host, granularity, ttl, data)
}

func (p *pipeline) resolveMotdDecision(ctx context.Context, clientIP string, handshake *mcproto.Handshake) (registry.MotdDecision, bool) {
	if entry, hit := p.lookupCache(clientIP, handshake.ServerAddress); hit {
		p.engine.Metrics.CacheHits.Add(1)
		if entry.IsRejection {
			return registry.MotdDecision{Disconnect: entry.RejectReason}, true
		}
		var decision registry.MotdDecision
		if err := json.Unmarshal(entry.Data, &decision); err == nil {
			return decision, true
		}
	}
	p.engine.Metrics.CacheMisses.Add(1)

	port, _ := strconv.Atoi(portOf(handshake.ServerPort))
	req := registry.MotdRequest{
		ConnectionID:    p.connID,
		ClientAddr:      clientIP,
		Host:            handshake.ServerAddress,
		Port:            uint16(port),
		ProtocolVersion: handshake.ProtocolVersion,
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, p.opts.DecisionTimeout)
	defer cancel()

	decision, ok := p.engine.Registry.AwaitMotdDecision(timeoutCtx, p.connID, req)
	if !ok {
		p.engine.Metrics.DecisionTimeouts.Add(1)
		// No policy attached: degrade to the default placeholder MOTD
		// rather than leaving the client hanging.
		return registry.MotdDecision{}, true
	}
	return decision, true
}

func (p *pipeline) forward(ctx context.Context, client net.Conn, clientReader readerLike, backend net.Conn) string {
	clientConn := &bufferedConn{Conn: client, r: clientReader}

	err := forward.Pump(ctx, clientConn, backend, p.state.Limiter, connCounters{state: p.state, registry: p.engine.Registry, sink: p.engine.Metrics})
	if err != nil && !errors.Is(err, context.Canceled) {
		return "io-error"
	}
	return "closed"
}

// bufferedConn makes sure any bytes proxyhdr.Read already buffered past the
// PROXY protocol header (the start of the handshake frame we already read
// out of it) are drained before forwarding falls through to raw socket
// reads on the underlying net.Conn. Because the client side reaches
// forward.Pump as a *bufferedConn rather than a *net.TCPConn, Pump always
// takes its metered copy path for pipeline connections, never the splice
// fast path.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

type connCounters struct {
	state    *registry.ConnectionState
	registry *registry.Registry
	sink     *metrics.Sink
}

func (c connCounters) AddSent(n int64) {
	if n <= 0 {
		return
	}
	atomic.AddUint64(&c.state.Metrics.BytesSent, uint64(n))
	c.registry.AddBytesSent(uint64(n))
	c.sink.BytesSent.Add(float64(n))
}

func (c connCounters) AddReceived(n int64) {
	if n <= 0 {
		return
	}
	atomic.AddUint64(&c.state.Metrics.BytesReceived, uint64(n))
	c.registry.AddBytesReceived(uint64(n))
	c.sink.BytesReceived.Add(float64(n))
}

func portOf(port uint16) string {
	return strconv.Itoa(int(port))
}
