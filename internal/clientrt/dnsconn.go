// Package clientrt implements the client's runtime: it owns the UDP socket
// shared by all resolvers, the resolver pool's poll engine, and the QUIC
// connection dialed over them. The TCP listener bridging local
// connections onto QUIC streams lives in cmd/client.
package clientrt

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"slipstream-go/internal/dnscodec"
	"slipstream-go/internal/fragment"
	"slipstream-go/internal/resolverpool"
)

// MultiResolverConn presents quic-go with a single net.PacketConn while
// actually fanning queries out across every configured resolver's poll
// engine and wrapping/unwrapping the QUIC datagrams as DNS messages. It
// generalizes a single-resolver packet conn to the full resolver list.
type MultiResolverConn struct {
	apex    string
	mtu     int
	socket  *net.UDPConn
	paths   []*resolverpool.Path
	addrs   map[string]*net.UDPAddr // resolver key -> resolved address
	primary *resolverpool.Path

	nextID atomic.Uint32

	// fragmented and redundantPolls implement the --redundant-polls
	// fallback framing: when enabled, every query
	// payload (even an empty idle poll) is wrapped in fragment headers
	// and, if redundantPolls is set, each fragment is sent twice to
	// survive a lossy resolver. Disabled by default, since dnscodec's
	// codec is already one-DNS-message-per-datagram.
	fragmented     bool
	redundantPolls bool
	reassembler    *fragment.Reassembler

	rx     chan []byte
	closed chan struct{}
	once   sync.Once
}

// SetFragmentMode enables the legacy fragment/reassembly framing for every
// query this connection sends and expects to receive. Both ends of a
// tunnel must agree on this setting.
func (c *MultiResolverConn) SetFragmentMode(fragmented, redundant bool) {
	c.fragmented = fragmented
	c.redundantPolls = redundant
	if fragmented && c.reassembler == nil {
		c.reassembler = fragment.NewReassembler()
	}
}

// NewMultiResolverConn resolves every configured resolver, opens one
// shared UDP socket, and starts the background receive loop.
func NewMultiResolverConn(specs []resolverpool.Spec, apex string) (*MultiResolverConn, error) {
	if err := resolverpool.ValidateUnique(specs); err != nil {
		return nil, err
	}
	mtu, err := dnscodec.MTU(apex)
	if err != nil {
		return nil, err
	}

	socket, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	_ = socket.SetReadBuffer(4 * 1024 * 1024)

	c := &MultiResolverConn{
		apex:   apex,
		mtu:    mtu,
		socket: socket,
		addrs:  make(map[string]*net.UDPAddr, len(specs)),
		rx:     make(chan []byte, 4096),
		closed: make(chan struct{}),
	}

	for i, spec := range specs {
		addr, err := net.ResolveUDPAddr("udp", spec.HostPort)
		if err != nil {
			socket.Close()
			return nil, err
		}
		c.addrs[spec.HostPort] = addr
		path := resolverpool.NewPath(spec, i == 0)
		c.paths = append(c.paths, path)
		if i == 0 {
			c.primary = path
		}
		log.Debug().Str("resolver", spec.HostPort).Str("path_id", path.ID.String()).Bool("primary", i == 0).Msg("clientrt: resolver path created")
	}

	go c.recvLoop()
	return c, nil
}

// MTU is the maximum QUIC payload size per query under the configured
// apex.
func (c *MultiResolverConn) MTU() int { return c.mtu }

// Paths exposes the poll-engine state for the runtime loop to drive (send
// bursts, pacing floor, probe backoff).
func (c *MultiResolverConn) Paths() []*resolverpool.Path { return c.paths }

// SendPoll wraps payload as a DNS query on path and sends it to the
// resolver, recording the query id for inflight tracking. When fragment
// mode is enabled, payload is split into headered chunks first and each
// chunk travels as its own DNS query (duplicated when redundantPolls is
// set), since a single DNS message can't be guaranteed to carry it whole.
func (c *MultiResolverConn) SendPoll(path *resolverpool.Path, payload []byte, now time.Time) error {
	addr, ok := c.addrs[path.Spec.HostPort]
	if !ok {
		return errors.New("clientrt: unknown resolver path")
	}

	if !c.fragmented {
		return c.sendOne(addr, path, payload, now)
	}

	maxChunk := c.mtu - fragment.HeaderLen
	if maxChunk <= 0 {
		return errors.New("clientrt: mtu too small for fragment framing")
	}
	for _, chunk := range fragment.Split(payload, maxChunk) {
		if err := c.sendOne(addr, path, chunk, now); err != nil {
			return err
		}
		if c.redundantPolls {
			if err := c.sendOne(addr, path, chunk, now); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *MultiResolverConn) sendOne(addr *net.UDPAddr, path *resolverpool.Path, payload []byte, now time.Time) error {
	id := uint16(c.nextID.Add(1))
	query, err := dnscodec.EncodeQuery(payload, c.apex, id, true, false)
	if err != nil {
		return err
	}
	if _, err := c.socket.WriteToUDP(query, addr); err != nil {
		return err
	}
	path.RecordSent(id, now)
	return nil
}

func (c *MultiResolverConn) recvLoop() {
	buf := make([]byte, 65535)
	for {
		n, from, err := c.socket.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			if isTransientUDPError(err) {
				continue
			}
			log.Debug().Err(err).Msg("clientrt: udp read error")
			continue
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])

		path := c.pathForAddr(from)
		if path != nil && dnscodec.IsResponse(packet) {
			path.OnResponse(queryIDOf(packet), time.Now())
		}

		payload, ok := dnscodec.DecodeResponse(packet)
		if !ok {
			continue
		}

		if c.fragmented {
			payload = c.reassembler.IngestChunk(payload)
			if payload == nil {
				continue
			}
		}

		select {
		case c.rx <- payload:
		case <-c.closed:
			return
		}
	}
}

func (c *MultiResolverConn) pathForAddr(from *net.UDPAddr) *resolverpool.Path {
	for hostPort, addr := range c.addrs {
		if addr.IP.Equal(from.IP) && addr.Port == from.Port {
			for _, p := range c.paths {
				if p.Spec.HostPort == hostPort {
					return p
				}
			}
		}
	}
	return nil
}

func queryIDOf(packet []byte) uint16 {
	if len(packet) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(packet[:2])
}

func isTransientUDPError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// --- net.PacketConn surface consumed by quic.Dial ---

func (c *MultiResolverConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case payload, ok := <-c.rx:
		if !ok {
			return 0, nil, net.ErrClosed
		}
		n := copy(p, payload)
		return n, dummyAddr(), nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

// WriteTo lets quic-go drive outbound traffic like any other UDP socket.
// It hands every datagram to writePath's choice of resolver rather than a
// fixed one, so real QUIC traffic - not just idle polls - actually
// exercises multipath failover.
func (c *MultiResolverConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	path := c.writePath(time.Now())
	if path == nil {
		return 0, errors.New("clientrt: no resolver path available")
	}
	if err := c.SendPoll(path, p, time.Now()); err != nil {
		return 0, err
	}
	return len(p), nil
}

// writePath picks the resolver path to carry an outbound QUIC datagram:
// the primary resolver while it keeps answering, or else the first other
// bound (Added) resolver, so a primary that has gone quiet doesn't stall
// the data plane while a probed, responsive secondary sits idle. Falls
// back to the primary itself (even if stale) when no secondary has ever
// answered, since sending is still better than refusing outright.
func (c *MultiResolverConn) writePath(now time.Time) *resolverpool.Path {
	if c.primary != nil && !c.primary.Stale(now, resolverpool.DefaultStaleTimeout) {
		return c.primary
	}
	for _, p := range c.paths {
		if p != c.primary && p.Added {
			return p
		}
	}
	return c.primary
}

func (c *MultiResolverConn) LocalAddr() net.Addr                { return dummyAddr() }
func (c *MultiResolverConn) SetDeadline(t time.Time) error      { return nil }
func (c *MultiResolverConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *MultiResolverConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *MultiResolverConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.socket.Close()
	})
	return nil
}

func dummyAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
}
