package bridge

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// transientReadLogLimiter caps how often a persistently-transient read
// error gets logged, so a resolver or NAT hiccup that keeps tripping
// IsTransientReadError doesn't flood the log at read-loop speed.
var transientReadLogLimiter = rate.NewLimiter(rate.Every(time.Second), 1)

// ConnectTarget resolves and dials addr for a newly-seen server-side
// stream id, sets NODELAY, and spawns the reader/writer tasks. It reports
// connect failure via StreamConnectError instead of blocking the caller.
func ConnectTarget(dialer Dialer, addr string, rec *StreamRecord, commands chan<- Command, sendBufferBytes int) {
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		commands <- Command{Kind: StreamConnectError, StreamID: rec.ID, Err: fmt.Errorf("bridge: dial target %s: %w", addr, err)}
		return
	}

	commands <- Command{Kind: StreamConnected, StreamID: rec.ID, Conn: conn}

	go runWriter(conn, rec, commands, sendBufferBytes)
	go runReader(conn, rec, commands)
}

// runWriter coalesces up to sendBufferBytes worth of queued Data messages
// before issuing a single write_all, then reports StreamWriteDrained so
// the runtime can decrement the record's QueuedBytes.
func runWriter(conn net.Conn, rec *StreamRecord, commands chan<- Command, sendBufferBytes int) {
	if sendBufferBytes <= 0 {
		sendBufferBytes = DefaultTCPSendBufferBytes
	}

	var buf []byte
	flush := func() bool {
		if len(buf) == 0 {
			return true
		}
		n := len(buf)
		if _, err := conn.Write(buf); err != nil {
			code := ResetCodeForWriteError(err)
			commands <- Command{Kind: StreamWriteError, StreamID: rec.ID, Err: err}
			log.Debug().Uint64("stream_id", rec.ID).Err(err).Uint64("code", code).Msg("bridge: write error")
			buf = buf[:0]
			return false
		}
		buf = buf[:0]
		commands <- Command{Kind: StreamWriteDrained, StreamID: rec.ID, DrainedBytes: n}
		return true
	}

	for msg := range rec.WriteCh {
		if msg.Fin {
			if !flush() {
				return
			}
			if closer, ok := conn.(interface{ CloseWrite() error }); ok {
				_ = closer.CloseWrite()
			} else {
				_ = conn.Close()
			}
			continue
		}

		buf = append(buf, msg.Data...)

		// Drain whatever is already queued, coalescing without blocking,
		// up to the send-buffer cap.
	drain:
		for len(buf) < sendBufferBytes {
			select {
			case next, ok := <-rec.WriteCh:
				if !ok {
					break drain
				}
				if next.Fin {
					if !flush() {
						return
					}
					if closer, ok := conn.(interface{ CloseWrite() error }); ok {
						_ = closer.CloseWrite()
					} else {
						_ = conn.Close()
					}
					return
				}
				buf = append(buf, next.Data...)
			default:
				break drain
			}
		}

		if !flush() {
			return
		}
	}
}

// runReader reads in 4 KiB chunks, enqueues each into ReadCh, and signals
// StreamReadable exactly once per coalescing window via SendPending.
func runReader(conn net.Conn, rec *StreamRecord, commands chan<- Command) {
	for {
		chunk := make([]byte, ReadChunkSize)
		n, err := conn.Read(chunk)
		if n > 0 {
			rec.ReadCh <- chunk[:n]
			if rec.SendPending.CompareAndSwap(false, true) {
				commands <- Command{Kind: StreamReadable, StreamID: rec.ID}
			}
		}
		if err != nil {
			if err == io.EOF {
				commands <- Command{Kind: StreamClosed, StreamID: rec.ID}
				return
			}
			if IsTransientReadError(err) {
				if transientReadLogLimiter.Allow() {
					log.Debug().Uint64("stream_id", rec.ID).Err(err).Msg("bridge: transient read error, retrying")
				}
				continue
			}
			commands <- Command{Kind: StreamReadError, StreamID: rec.ID, Err: err}
			return
		}
	}
}
