// Package forward implements the bidirectional byte-forwarding loop between
// a client and its backend once a connection has been routed. Each
// direction prefers a kernel-splice fast path where the platform and the
// rate limiter allow it, and otherwise falls back to a metered, chunked
// user-space copy.
package forward

import (
	"context"
	"io"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/mcingress/mcingress/ingress/ratelimit"
)

// ChunkSize bounds how many bytes the metered path moves per rate-limit
// token acquisition, per spec.
const ChunkSize = 4096

// Counters receives byte counts as they are forwarded, in each direction.
type Counters interface {
	AddSent(n int64)
	AddReceived(n int64)
}

// Pump copies bytes in both directions between client and backend until
// either side closes or ctx is cancelled, charging bytes against limiter
// and reporting totals to counters. It returns once both directions have
// finished.
func Pump(ctx context.Context, client, backend net.Conn, limiter *ratelimit.PairedLimiter, counters Counters) error {
	g, ctx := errgroup.WithContext(ctx)

	clientTCP, clientIsTCP := client.(*net.TCPConn)
	backendTCP, backendIsTCP := backend.(*net.TCPConn)
	useSplice := spliceSupported && clientIsTCP && backendIsTCP

	g.Go(func() error {
		defer closeWrite(backend)
		if useSplice && limiter.Unlimited() {
			n, err := spliceCopy(backendTCP, clientTCP)
			counters.AddSent(n)
			return err
		}
		return copyDirection(ctx, backend, client, limiter.WaitSend, counters.AddSent)
	})

	g.Go(func() error {
		defer closeWrite(client)
		if useSplice && limiter.Unlimited() {
			n, err := spliceCopy(clientTCP, backendTCP)
			counters.AddReceived(n)
			return err
		}
		return copyDirection(ctx, client, backend, limiter.WaitRecv, counters.AddReceived)
	})

	err := g.Wait()
	_ = client.Close()
	_ = backend.Close()
	return err
}

func closeWrite(conn net.Conn) {
	type halfCloser interface {
		CloseWrite() error
	}
	if hc, ok := conn.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
}

// copyDirection is the metered fallback path: read up to ChunkSize bytes,
// acquire that many tokens, write them, repeat. It is always used when the
// limiter has any configured limit, and is the only path on non-Linux
// platforms regardless of limiter state.
func copyDirection(ctx context.Context, dst io.Writer, src io.Reader, wait func(int64), report func(int64)) error {
	buf := make([]byte, ChunkSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := src.Read(buf)
		if n > 0 {
			wait(int64(n))
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			report(int64(n))
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
