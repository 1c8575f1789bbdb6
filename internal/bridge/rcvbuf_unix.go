//go:build unix

package bridge

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// socketRecvBuffer reads SO_RCVBUF off the underlying file descriptor of a
// *net.TCPConn, for stream_read_limit_chunks.
func socketRecvBuffer(conn *net.TCPConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	var size int
	var sysErr error
	err = raw.Control(func(fd uintptr) {
		size, sysErr = unix.GetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF)
	})
	if err != nil {
		return 0, err
	}
	if sysErr != nil {
		return 0, sysErr
	}
	return size, nil
}
