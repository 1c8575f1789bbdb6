package bridge

import "net"

const (
	minReadLimitBytes = 4 * 1024 * 1024
	maxReadLimitBytes = 16 * 1024 * 1024
)

// StreamReadLimitChunks computes the bounded reader->runtime channel
// capacity in units of ReadChunkSize: SO_RCVBUF / 4 KiB, clamped to
// [4 MiB, 16 MiB] worth of chunks.
func StreamReadLimitChunks(conn *net.TCPConn) int {
	rcvbuf, err := socketRecvBuffer(conn)
	if err != nil || rcvbuf <= 0 {
		rcvbuf = minReadLimitBytes
	}
	if rcvbuf < minReadLimitBytes {
		rcvbuf = minReadLimitBytes
	}
	if rcvbuf > maxReadLimitBytes {
		rcvbuf = maxReadLimitBytes
	}
	return rcvbuf / readChunkSize
}
