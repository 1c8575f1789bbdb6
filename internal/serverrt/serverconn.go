// Package serverrt wires the server-side dispatch cascade, fallback
// sessions, stateless-reset seed, and QUIC transport into a runnable
// listener.
package serverrt

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"slipstream-go/internal/dnscodec"
	"slipstream-go/internal/fallback"
	"slipstream-go/internal/fragment"
	"slipstream-go/internal/metrics"
	"slipstream-go/internal/reset"
	"slipstream-go/internal/serverdispatch"
)

// pendingQuery remembers the DNS envelope of a poll so the response-prepare
// sweep can wrap whatever the transport produces back into a matching DNS
// reply.
type pendingQuery struct {
	id       uint16
	rd, cd   bool
	question dnscodec.Question
}

// ServerConn implements net.PacketConn over the real DNS UDP socket,
// classifying every inbound datagram through serverdispatch.Dispatcher and
// satisfying quic-go's Accept/Read/Write contract for the QUIC transport
// layer.
type ServerConn struct {
	socket *net.UDPConn
	disp   *serverdispatch.Dispatcher
	seed   []byte

	rx chan rxItem

	mu      sync.Mutex
	pending map[string]*pendingQuery // peer addr string -> last poll envelope

	// fragmented mirrors the client's --redundant-polls setting: when
	// set, every query payload is reassembled from fragment-framed
	// chunks before being handed to the transport.
	fragmented   bool
	reassemblers map[string]*fragment.Reassembler

	closed chan struct{}
	once   sync.Once
}

type rxItem struct {
	payload []byte
	peer    *net.UDPAddr
}

// Config bundles the pieces HandleDatagram's Ops need plus the listener
// address.
type Config struct {
	ListenAddr   string
	Domains      []string
	FallbackAddr *net.UDPAddr
	ResetSeed    []byte
	Fragmented   bool
}

// Listen opens the shared UDP socket and starts the dispatch-driven receive
// loop. FeedToTransport is c.feedToTransport, which only queues payloads
// for ReadFrom, because the QUIC transport isn't constructed until after
// the PacketConn exists (quic.Transport needs a net.PacketConn in its
// constructor).
func Listen(cfg Config) (*ServerConn, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	socket, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	_ = socket.SetReadBuffer(4 * 1024 * 1024)

	c := &ServerConn{
		socket:       socket,
		seed:         cfg.ResetSeed,
		rx:           make(chan rxItem, 4096),
		pending:      make(map[string]*pendingQuery),
		fragmented:   cfg.Fragmented,
		reassemblers: make(map[string]*fragment.Reassembler),
		closed:       make(chan struct{}),
	}

	c.disp = &serverdispatch.Dispatcher{
		Domains: cfg.Domains,
		Ops: serverdispatch.Ops{
			FeedToTransport: c.feedToTransport,
			StatelessReset:  c.statelessReset,
			Classification:  fallback.NewClassificationStore(),
			Sessions:        fallback.NewSessionStore(),
			ForwardFallback: nil,
			FallbackAddr:    cfg.FallbackAddr,
		},
	}
	c.disp.Ops.Sessions.OnEvicted(func(peer string, sess *fallback.Session) {
		sess.Conn.Close()
	})

	go c.recvLoop()
	return c, nil
}

// feedToTransport is Dispatcher.Ops.FeedToTransport: it queues the decoded
// payload for ReadFrom, standing in for quic-go's own DCID-routing table,
// which isn't exposed through its public API. Since we can't observe
// whether quic-go's internal transport actually recognized the
// destination connection id, every call reports Handled; the UnknownDCID
// path stays reachable for callers that inject it directly (see
// serverdispatch's own tests) but is never produced from this wiring.
func (c *ServerConn) feedToTransport(payload []byte, peer *net.UDPAddr) serverdispatch.TransportResult {
	if c.fragmented {
		payload = c.reassemble(peer, payload)
		if payload == nil {
			return serverdispatch.TransportResult{Handled: true}
		}
	}
	select {
	case c.rx <- rxItem{payload: payload, peer: peer}:
	case <-c.closed:
	}
	return serverdispatch.TransportResult{Handled: true}
}

func (c *ServerConn) reassemble(peer *net.UDPAddr, chunk []byte) []byte {
	key := peer.String()
	c.mu.Lock()
	r, ok := c.reassemblers[key]
	if !ok {
		r = fragment.NewReassembler()
		c.reassemblers[key] = r
	}
	c.mu.Unlock()
	return r.IngestChunk(chunk)
}

func (c *ServerConn) statelessReset(dcid []byte) ([]byte, bool) {
	if len(c.seed) == 0 {
		return nil, false
	}
	return reset.TokenFor(c.seed, dcid), true
}

func (c *ServerConn) recvLoop() {
	buf := make([]byte, 65535)
	for {
		n, peer, err := c.socket.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			log.Debug().Err(err).Msg("serverrt: udp read error")
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		if query, err := dnscodec.DecodeQuery(data, c.disp.Domains); err == nil {
			c.mu.Lock()
			c.pending[peer.String()] = &pendingQuery{id: query.ID, rd: query.RD, cd: query.CD, question: query.Question}
			c.mu.Unlock()
		}

		outcome := c.disp.HandleDatagram(peer, data)
		switch {
		case outcome.ResponsePacket != nil:
			if _, err := c.socket.WriteToUDP(outcome.ResponsePacket, peer); err != nil {
				log.Debug().Err(err).Str("peer", peer.String()).Msg("serverrt: write response failed")
			}
		case outcome.Forwarded:
			metrics.FallbackForwarded.Inc()
		case outcome.Dropped:
			// nothing to do; drops are not counted in metrics
		}
	}
}

// --- net.PacketConn surface consumed by quic.Transport ---

func (c *ServerConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case item, ok := <-c.rx:
		if !ok {
			return 0, nil, net.ErrClosed
		}
		n := copy(p, item.payload)
		return n, item.peer, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

// WriteTo wraps an outbound QUIC datagram in the DNS envelope of the most
// recent poll from addr: since quic-go drives WriteTo directly rather than
// through a response-slot API, every WriteTo call here plays the role of a
// per-slot prepare step for the peer's most recent poll.
func (c *ServerConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, net.ErrClosed
	}

	c.mu.Lock()
	pq, ok := c.pending[udpAddr.String()]
	if ok {
		delete(c.pending, udpAddr.String())
	}
	c.mu.Unlock()

	if !ok {
		return 0, nil // no poll in flight for this peer; datagram is dropped
	}

	packet, err := dnscodec.EncodeResponse(dnscodec.ResponseParams{
		ID:       pq.id,
		RD:       pq.rd,
		CD:       pq.cd,
		Question: pq.question,
		Payload:  p,
	})
	if err != nil {
		return 0, err
	}
	if _, err := c.socket.WriteToUDP(packet, udpAddr); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *ServerConn) LocalAddr() net.Addr                { return c.socket.LocalAddr() }
func (c *ServerConn) SetDeadline(t time.Time) error      { return nil }
func (c *ServerConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *ServerConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *ServerConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.socket.Close()
	})
	return nil
}
