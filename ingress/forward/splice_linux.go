//go:build linux

package forward

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

const spliceSupported = true

// spliceCopy moves bytes from src to dst entirely in kernel space via an
// intermediate pipe. Splice only moves data between a socket and a pipe,
// never socket-to-socket directly, so each chunk makes two splice calls:
// socket -> pipe, then pipe -> socket.
func spliceCopy(dst, src *net.TCPConn) (int64, error) {
	srcRaw, err := src.SyscallConn()
	if err != nil {
		return 0, err
	}
	dstRaw, err := dst.SyscallConn()
	if err != nil {
		return 0, err
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return 0, err
	}
	defer pr.Close()
	defer pw.Close()

	const spliceChunk = 1 << 20
	var total int64

	for {
		n, err := spliceFromSocket(srcRaw, int(pw.Fd()), spliceChunk)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}

		remaining := n
		for remaining > 0 {
			written, err := spliceToSocket(dstRaw, int(pr.Fd()), int(remaining))
			if err != nil {
				return total, err
			}
			remaining -= written
			total += written
		}
	}
}

// spliceFromSocket splices up to max bytes from the socket behind raw into
// pipeWriteFD, retrying on EAGAIN since the socket runs non-blocking under
// the runtime's netpoller.
func spliceFromSocket(raw interface{ Read(func(uintptr) bool) error }, pipeWriteFD, max int) (int64, error) {
	var n int64
	var spliceErr error
	err := raw.Read(func(fd uintptr) bool {
		n, spliceErr = unix.Splice(int(fd), nil, pipeWriteFD, nil, max, unix.SPLICE_F_MOVE|unix.SPLICE_F_NONBLOCK)
		return spliceErr != unix.EAGAIN
	})
	if err != nil {
		return 0, err
	}
	if spliceErr == unix.EAGAIN {
		return spliceFromSocket(raw, pipeWriteFD, max)
	}
	return n, spliceErr
}

// spliceToSocket is the mirror of spliceFromSocket for the pipe-to-socket leg.
func spliceToSocket(raw interface{ Write(func(uintptr) bool) error }, pipeReadFD, max int) (int64, error) {
	var n int64
	var spliceErr error
	err := raw.Write(func(fd uintptr) bool {
		n, spliceErr = unix.Splice(pipeReadFD, nil, int(fd), nil, max, unix.SPLICE_F_MOVE|unix.SPLICE_F_NONBLOCK)
		return spliceErr != unix.EAGAIN
	})
	if err != nil {
		return 0, err
	}
	if spliceErr == unix.EAGAIN {
		return spliceToSocket(raw, pipeReadFD, max)
	}
	return n, spliceErr
}
