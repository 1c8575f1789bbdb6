package bridge

import (
	"net"

	"github.com/rs/zerolog/log"
)

// AcceptLoop accepts connections from ln, enabling TCP_NODELAY on TCP
// connections; each accepted connection is handed to onAccept (which allocates the next local bidirectional
// stream id, builds a StreamRecord, and spawns ConnectTarget-equivalent
// reader/writer tasks bridging it to a QUIC stream) - the client side's
// mirror of the server's target connector.
func AcceptLoop(ln net.Listener, onAccept func(conn net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		onAccept(conn)
	}
}

// WriteStreamOrReset performs the client's write_stream_or_reset
// semantics: if handing data to the QUIC stream fails, the error is mapped
// to its reset code and logged, and the TCP socket is half-closed (or
// closed when it cannot be half-closed). The QUIC stream itself is not
// reset here.
func WriteStreamOrReset(conn net.Conn, rec *StreamRecord, writeToStream func([]byte) error, data []byte) {
	if err := writeToStream(data); err != nil {
		code := ResetCodeForWriteError(err)
		log.Debug().Uint64("stream_id", rec.ID).Err(err).Uint64("code", code).Msg("bridge: write_stream_or_reset")
		if closer, ok := conn.(interface{ CloseWrite() error }); ok {
			_ = closer.CloseWrite()
		} else {
			_ = conn.Close()
		}
	}
}
