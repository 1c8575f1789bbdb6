package bridge

import (
	"io"
	"net"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"

	"slipstream-go/internal/flowcontrol"
)

// quicStream is the subset of *quic.Stream Pump drives, narrowed so this
// package doesn't have to depend on the concrete quic-go stream type.
type quicStream interface {
	io.Reader
	io.Writer
	CancelRead(quic.StreamErrorCode)
	CancelWrite(quic.StreamErrorCode)
	Close() error
}

// Pump starts the TCP reader/writer tasks for tcpConn - the client's
// already-accepted local connection - and runs the per-stream runtime
// loop the record's owner drives: bytes the TCP reader queues on
// rec.ReadCh are forwarded to the QUIC stream via WriteStreamOrReset, and
// bytes read directly off stream are run through
// flowcontrol.HandleStreamReceive before being handed to the TCP writer
// via rec.WriteCh, so queue overflow and STOP_SENDING follow the same
// rule a multiplexed server stream does. Blocks until both directions
// finish.
func Pump(stream quicStream, tcpConn net.Conn, rec *StreamRecord, sendBufferBytes int) {
	commands := make(chan Command, 16)
	go runWriter(tcpConn, rec, commands, sendBufferBytes)
	go runReader(tcpConn, rec, commands)
	pump(stream, tcpConn, rec, commands)
}

// AwaitConnected consumes the StreamConnected/StreamConnectError handshake
// ConnectTarget produces as its first command, returning the dialed
// connection on success (the caller must still call PumpStarted to
// actually run the bridge) or a non-nil error on connect failure.
func AwaitConnected(commands chan Command) (net.Conn, error) {
	first := <-commands
	if first.Kind == StreamConnectError {
		return nil, first.Err
	}
	return first.Conn, nil
}

// PumpStarted runs the same loop Pump does, against reader/writer tasks
// ConnectTarget already started (and whose StreamConnected handshake the
// caller already consumed via AwaitConnected). Blocks until both
// directions finish.
func PumpStarted(stream quicStream, tcpConn net.Conn, rec *StreamRecord, commands chan Command) {
	pump(stream, tcpConn, rec, commands)
}

func pump(stream quicStream, tcpConn net.Conn, rec *StreamRecord, commands chan Command) {
	quicDone := make(chan struct{})
	go func() {
		defer close(quicDone)
		pumpQUICRead(stream, rec)
	}()

	writeToStream := func(data []byte) error {
		_, err := stream.Write(data)
		return err
	}

	readCh := rec.ReadCh
	cmdCh := commands
	done := quicDone

	for readCh != nil || cmdCh != nil || done != nil {
		select {
		case data, ok := <-readCh:
			if !ok {
				readCh = nil
				continue
			}
			WriteStreamOrReset(tcpConn, rec, writeToStream, data)
			if len(readCh) == 0 {
				rec.SendPending.Store(false)
			}

		case cmd, ok := <-cmdCh:
			if !ok {
				cmdCh = nil
				continue
			}
			if handleCommand(stream, tcpConn, rec, cmd) {
				// Either direction finishing ends the whole bridge, the
				// same as when the prior io.Copy pair unblocked each
				// other by closing their shared conn/stream.
				readCh = nil
				cmdCh = nil
			}

		case <-done:
			done = nil
		}
	}
}

// handleCommand reacts to one bridge.Command from the TCP reader/writer
// tasks, resetting the QUIC stream in the direction the failure actually
// affects. Returns whether the bridge should tear down.
func handleCommand(stream quicStream, tcpConn net.Conn, rec *StreamRecord, cmd Command) bool {
	switch cmd.Kind {
	case StreamWriteDrained:
		rec.QueuedBytes.Add(-int64(cmd.DrainedBytes))
		return false

	case StreamClosed:
		// Local TCP read hit a clean EOF; closing the QUIC stream's send
		// side forwards it to the peer as a FIN.
		_ = stream.Close()
		return true

	case StreamReadError:
		stream.CancelWrite(quic.StreamErrorCode(ResetCodeForWriteError(cmd.Err)))
		_ = tcpConn.Close()
		return true

	case StreamWriteError:
		stream.CancelRead(quic.StreamErrorCode(ResetCodeForWriteError(cmd.Err)))
		log.Debug().Uint64("stream_id", rec.ID).Err(cmd.Err).Msg("bridge: target write failed, resetting inbound stream")
		_ = tcpConn.Close()
		return true

	case StreamConnectError:
		stream.CancelWrite(quic.StreamErrorCode(InternalErrorCode))
		stream.CancelRead(quic.StreamErrorCode(InternalErrorCode))
		return true

	default:
		return false
	}
}

// pumpQUICRead reads the QUIC stream until EOF or error, running every
// chunk through flowcontrol.HandleStreamReceive before queuing it for the
// TCP writer task. quic-go has no separate "advance consumed offset"
// call the way the original transport did - reading a quic.Stream already
// advances its flow control window - so Consume is a no-op; StopSending
// and the reset paths below are the real transport side effects this
// loop drives.
func pumpQUICRead(stream quicStream, rec *StreamRecord) {
	defer close(rec.WriteCh)

	buf := make([]byte, ReadChunkSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			// Bytes the writer task has flushed are subtracted from
			// rec.QueuedBytes on StreamWriteDrained; carry that into the
			// flow-control state so the queue cap sees only unflushed bytes.
			rec.Flow.QueuedBytes = int(rec.QueuedBytes.Load())
			reset := flowcontrol.HandleStreamReceive(&rec.Flow, n, rec.Config, flowcontrol.Ops{
				Enqueue: func() error {
					rec.WriteCh <- WriteMessage{Data: chunk}
					rec.QueuedBytes.Add(int64(n))
					return nil
				},
				Consume: func(uint64) error { return nil },
				StopSending: func() {
					stream.CancelRead(quic.StreamErrorCode(InternalErrorCode))
				},
				LogOverflow: func(queuedBytes, incomingLen, maxQueue int) {
					log.Debug().Uint64("stream_id", rec.ID).
						Int("queued_bytes", queuedBytes).
						Int("incoming_len", incomingLen).
						Int("max_queue", maxQueue).
						Msg("bridge: inbound queue overflow, discarding")
				},
			})
			if reset {
				stream.CancelRead(quic.StreamErrorCode(InternalErrorCode))
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				rec.WriteCh <- WriteMessage{Fin: true}
			} else {
				stream.CancelWrite(quic.StreamErrorCode(InternalErrorCode))
			}
			return
		}
	}
}
