//go:build !linux

package forward

import "net"

const spliceSupported = false

func spliceCopy(dst, src *net.TCPConn) (int64, error) {
	panic("spliceCopy is unavailable on this platform")
}
