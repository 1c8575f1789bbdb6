package bridge

import (
	"sync/atomic"

	"slipstream-go/internal/flowcontrol"
)

const (
	readChunkSize = 4 * 1024

	// DefaultTCPSendBufferBytes is how much queued Data the writer task
	// coalesces before issuing one write_all.
	DefaultTCPSendBufferBytes = 256 * 1024
)

// WriteMessage is one entry in a stream's writer queue: either a chunk of
// bytes read off the QUIC stream, or a FIN marker once the stream's read
// side has seen an end-of-stream offset.
type WriteMessage struct {
	Data []byte
	Fin  bool
}

// StreamRecord is the runtime's sole-owned record for one bridged stream.
// Reader/writer tasks hold only channel endpoints and the numeric
// StreamID; all mutation of the record itself happens from the runtime
// goroutine that owns it.
type StreamRecord struct {
	ID uint64

	Flow   flowcontrol.State
	Config flowcontrol.Config

	// ReadCh is the bounded MPSC from the TCP reader task to the
	// runtime, sized by stream_read_limit_chunks so the kernel socket
	// buffer provides natural backpressure.
	ReadCh chan []byte

	// WriteCh carries WriteMessage{Data,Fin} from the runtime to the TCP
	// writer task.
	WriteCh chan WriteMessage

	// SendPending coalesces StreamReadable notifications: the reader
	// sets it before sending a command; the runtime clears it once it
	// has drained all currently-available bytes.
	SendPending atomic.Bool

	// QueuedBytes counts the bytes sitting in this stream's WriteCh: added
	// on enqueue, subtracted on StreamWriteDrained. pumpQUICRead copies it
	// into Flow.QueuedBytes, so the per-stream queue cap applies to it. No
	// connection-level limit is applied, and
	// SLIPSTREAM_STREAM_WRITE_BUFFER_BYTES is not read.
	QueuedBytes atomic.Int64
}

// NewStreamRecord allocates a stream record with channel capacities
// derived from readLimitChunks (see stream_read_limit_chunks in
// rcvbuf.go) and a write queue sized generously enough to behave as an
// effectively unbounded queue without actually growing without bound in
// a runaway producer scenario.
func NewStreamRecord(id uint64, cfg flowcontrol.Config, readLimitChunks int) *StreamRecord {
	if readLimitChunks <= 0 {
		readLimitChunks = 1
	}
	return &StreamRecord{
		ID:      id,
		Config:  cfg,
		ReadCh:  make(chan []byte, readLimitChunks),
		WriteCh: make(chan WriteMessage, 4096),
	}
}

// ReadChunkSize is the fixed chunk size the reader task uses (4 KiB).
const ReadChunkSize = readChunkSize
