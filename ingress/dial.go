package ingress

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/net/proxy"
)

// dialBackend connects to backend, either directly or through a SOCKS5
// relay when socks5Addr is non-empty. No credentials are passed to the
// SOCKS5 dialer, so only the NoAuth method is offered; a relay that requires
// username/password authentication refuses the connection.
func dialBackend(ctx context.Context, backend, socks5Addr string) (net.Conn, error) {
	if socks5Addr == "" {
		dialer := &net.Dialer{}
		conn, err := dialer.DialContext(ctx, "tcp", backend)
		if err != nil {
			return nil, errors.Wrap(err, "dialing backend")
		}
		return conn, nil
	}

	socksDialer, err := proxy.SOCKS5("tcp", socks5Addr, nil, proxy.Direct)
	if err != nil {
		return nil, errors.Wrap(err, "building SOCKS5 dialer")
	}

	if ctxDialer, ok := socksDialer.(proxy.ContextDialer); ok {
		conn, err := ctxDialer.DialContext(ctx, "tcp", backend)
		if err != nil {
			return nil, errors.Wrap(err, "dialing backend through SOCKS5")
		}
		return conn, nil
	}

	conn, err := socksDialer.Dial("tcp", backend)
	if err != nil {
		return nil, errors.Wrap(err, "dialing backend through SOCKS5")
	}
	return conn, nil
}
