package bridge

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// Application error codes carried over QUIC RESET_STREAM / STOP_SENDING.
const (
	InternalErrorCode    = 0x101
	FileCancelErrorCode  = 0x105
)

// ResetCodeForWriteError maps a local TCP write failure to the QUIC app
// error code that should be propagated to the peer: a broken pipe on the
// server's target connection maps to FileCancelErrorCode (so the client
// sees the upstream's own close semantics); every other local write/read
// error maps to InternalErrorCode.
func ResetCodeForWriteError(err error) uint64 {
	if isBrokenPipe(err) {
		return FileCancelErrorCode
	}
	return InternalErrorCode
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed)
}

// IsTransientReadError reports whether a TCP read error is one the reader
// task should treat as a benign interruption (interrupted, would-block, or
// a timeout) rather than a terminal StreamReadError.
func IsTransientReadError(err error) bool {
	if errors.Is(err, io.EOF) {
		return false
	}
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) || isTimeout(err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
