//go:build !unix

package bridge

import "net"

// socketRecvBuffer has no portable equivalent outside unix; callers fall
// back to the default clamp in stream_read_limit_chunks.
func socketRecvBuffer(conn *net.TCPConn) (int, error) {
	return 0, errUnsupportedPlatform
}

var errUnsupportedPlatform = &platformError{}

type platformError struct{}

func (*platformError) Error() string { return "bridge: SO_RCVBUF introspection unsupported on this platform" }
