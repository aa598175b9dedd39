// Package proxyhdr wraps github.com/pires/go-proxyproto with the
// per-listener mode semantics (none/optional/strict) this gateway needs on
// the inbound side, and a small outbound helper for writing a header toward
// the backend after a connection has been routed.
package proxyhdr

import (
	"bufio"
	"net"

	"github.com/pires/go-proxyproto"
	"github.com/pkg/errors"
)

// Mode controls how a listener treats the PROXY Protocol header that may
// precede the Minecraft handshake on an inbound connection.
type Mode int

const (
	// ModeNone never looks for a header; the first bytes read are always
	// the Minecraft handshake.
	ModeNone Mode = iota
	// ModeOptional peeks for a header and consumes it if present, but
	// accepts connections that go straight to the handshake too.
	ModeOptional
	// ModeStrict requires a header; connections without one are rejected.
	ModeStrict
)

// Info is the decoded header's address pair: the real client address and
// the destination it connected to. v2 TLVs are not kept.
type Info struct {
	SourceAddr net.Addr
	DestAddr   net.Addr
}

// Read consumes a PROXY Protocol header from conn according to mode, returning
// the decoded Info (nil if mode is ModeNone or mode is ModeOptional and no
// header was present) and a reader positioned right after the header so the
// handshake bytes that follow are unaffected.
func Read(conn net.Conn, mode Mode) (*bufio.Reader, *Info, error) {
	br := bufio.NewReader(conn)

	if mode == ModeNone {
		return br, nil, nil
	}

	header, err := proxyproto.Read(br)
	if err != nil {
		if err == proxyproto.ErrNoProxyProtocol {
			if mode == ModeStrict {
				return nil, nil, errors.New("PROXY protocol header required but not present")
			}
			return br, nil, nil
		}
		return nil, nil, errors.Wrap(err, "parsing PROXY protocol header")
	}

	return br, &Info{
		SourceAddr: header.SourceAddr,
		DestAddr:   header.DestinationAddr,
	}, nil
}

// WriteV2 writes a binary (v2) PROXY Protocol header to w, describing a
// connection originating from src and destined for dst. It is used toward
// the backend, written after any SOCKS5 negotiation on that same socket has
// completed.
func WriteV2(w net.Conn, src, dst net.Addr) error {
	header := proxyproto.HeaderProxyFromAddrs(2, src, dst)
	_, err := header.WriteTo(w)
	return err
}

// WriteV1 writes the ASCII (v1) PROXY Protocol header to w.
func WriteV1(w net.Conn, src, dst net.Addr) error {
	header := proxyproto.HeaderProxyFromAddrs(1, src, dst)
	_, err := header.WriteTo(w)
	return err
}
