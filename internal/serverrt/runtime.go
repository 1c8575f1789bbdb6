package serverrt

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"

	"slipstream-go/internal/bridge"
	"slipstream-go/internal/flowcontrol"
	"slipstream-go/internal/metrics"
	"slipstream-go/internal/proxy"
	"slipstream-go/internal/serverdispatch"
)

// Runtime owns the QUIC transport built atop a ServerConn and the per-
// connection stream-bridging work, plus the idle-connection GC sweep.
type Runtime struct {
	conn      *ServerConn
	transport *quic.Transport
	listener  *quic.Listener
	idle      *serverdispatch.IdleTracker
	dialer    bridge.Dialer
	stop      chan struct{}
}

// NewRuntime opens the DNS-facing UDP socket, layers a QUIC transport over
// it (forcing address validation via Retry to dodge the 3x amplification
// limit that otherwise deadlocks the handshake once
// the certificate chain exceeds the DNS response's per-round-trip budget),
// and starts the idle-connection GC.
func NewRuntime(cfg Config, tlsConf *tls.Config, quicConfig *quic.Config, dialer bridge.Dialer) (*Runtime, error) {
	conn, err := Listen(cfg)
	if err != nil {
		return nil, err
	}

	transport := &quic.Transport{
		Conn:                conn,
		VerifySourceAddress: func(net.Addr) bool { return true },
	}

	ln, err := transport.Listen(tlsConf, quicConfig)
	if err != nil {
		conn.Close()
		return nil, err
	}

	r := &Runtime{
		conn:      conn,
		transport: transport,
		listener:  ln,
		idle:      serverdispatch.NewIdleTracker(quicIdleTimeout(quicConfig)),
		dialer:    dialer,
		stop:      make(chan struct{}),
	}
	go serverdispatch.RunIdleGC(r.idle, r.stop, r.evictConnection)
	return r, nil
}

func quicIdleTimeout(cfg *quic.Config) time.Duration {
	if cfg != nil && cfg.MaxIdleTimeout > 0 {
		return cfg.MaxIdleTimeout
	}
	return 5 * time.Minute
}

// evictConnection counts and logs an idle-GC eviction. It does not close
// the QUIC connection.
func (r *Runtime) evictConnection(connID string) {
	metrics.IdleConnectionsEvicted.Inc()
	log.Debug().Str("conn", connID).Msg("serverrt: idle gc evicting connection")
}

// Accept runs the server's main accept loop: for every new QUIC connection,
// bridge its streams to dialer targets.
func (r *Runtime) Accept(ctx context.Context) error {
	for {
		conn, err := r.listener.Accept(ctx)
		if err != nil {
			return err
		}
		remote := conn.RemoteAddr().String()
		r.idle.Touch(remote, time.Now())
		log.Info().Str("remote", remote).Msg("serverrt: new quic connection")
		go r.handleConnection(conn)
	}
}

func (r *Runtime) handleConnection(conn *quic.Conn) {
	defer conn.CloseWithError(0, "")
	remote := conn.RemoteAddr().String()
	defer r.idle.Forget(remote)

	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		r.idle.Touch(remote, time.Now())
		go r.handleStream(stream, remote)
	}
}

func (r *Runtime) handleStream(stream *quic.Stream, remote string) {
	defer stream.Close()

	targetAddr, err := proxy.ParseTargetAddress(stream)
	if err != nil {
		log.Error().Err(err).Msg("serverrt: failed to parse target address")
		stream.Write([]byte{0x01})
		return
	}

	commands := make(chan bridge.Command, 16)
	rec := bridge.NewStreamRecord(0, flowcontrol.NewConfig(true, 0), defaultReadLimitChunks)
	bridge.ConnectTarget(r.dialer, targetAddr, rec, commands, bridge.DefaultTCPSendBufferBytes)

	targetConn, err := bridge.AwaitConnected(commands)
	if err != nil {
		log.Error().Err(err).Str("target", targetAddr).Msg("serverrt: failed to connect to target")
		stream.Write([]byte{0x01})
		return
	}
	defer targetConn.Close()

	if _, err := stream.Write([]byte{0x00}); err != nil {
		return
	}

	bridge.PumpStarted(stream, targetConn, rec, commands)
	log.Debug().Str("remote", remote).Str("target", targetAddr).Msg("serverrt: stream closed")
}

// defaultReadLimitChunks is the inbound-queue depth used for server
// streams: ConnectTarget owns the dial, so the record has to be sized
// before the target connection (and its SO_RCVBUF) is known.
// StreamReadLimitChunks-based sizing is still exercised on the client,
// where the local TCP connection exists before the record is built.
const defaultReadLimitChunks = 16

// Close shuts down the accept loop, transport, and underlying socket.
func (r *Runtime) Close() error {
	close(r.stop)
	r.listener.Close()
	return r.conn.Close()
}
