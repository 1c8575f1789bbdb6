package clientrt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/logging"
	"github.com/rs/zerolog/log"

	"slipstream-go/internal/pacing"
	"slipstream-go/internal/resolverpool"
)

// Config bundles the client runtime's external configuration.
type Config struct {
	Resolvers        []resolverpool.Spec
	Domain           string
	TLSConfig        *tls.Config
	QUICConfig       *quic.Config
	IdlePollInterval time.Duration
	DebugPoll        bool
	// RedundantPolls enables the legacy fragment-framed fallback codec,
	// duplicating every fragment for resilience against lossy resolvers.
	// Both ends must agree on this setting.
	RedundantPolls bool
}

// Runtime owns the DNS transport and the QUIC connection, and runs the
// poll-engine loop on its own goroutine.
type Runtime struct {
	cfg     Config
	conn    *MultiResolverConn
	quic    *quic.Conn
	metrics *connMetrics

	lastActivity time.Time
}

// connMetrics holds the live congestion-window/RTT telemetry quic-go's
// connection tracer reports, the transport-side half of a
// pacing.PathQuality sample. quic-go's public API exposes pacing rate
// nowhere (confirmed against the vendored quic-go source: it lives only
// in an unexported congestion-controller package), so PacingRate is
// always left at its zero value and pacing.Budget.Evaluate always takes
// the cwnd/MTU branch for that case; congestion window and smoothed RTT,
// by contrast, are reported through logging.ConnectionTracer.UpdatedMetrics, a real part
// of quic-go's public surface, and are threaded through here instead of
// being left at zero.
type connMetrics struct {
	cwnd atomic.Uint64
	rtt  atomic.Int64 // nanoseconds
}

func (m *connMetrics) update(rttStats *logging.RTTStats, cwnd logging.ByteCount) {
	m.cwnd.Store(uint64(cwnd))
	if rttStats != nil {
		m.rtt.Store(int64(rttStats.SmoothedRTT()))
	}
}

func (m *connMetrics) snapshot() (cwnd uint64, rtt time.Duration) {
	return m.cwnd.Load(), time.Duration(m.rtt.Load())
}

// tracerFactory builds the quic.Config.Tracer hook that feeds m from the
// connection's own congestion controller.
func (m *connMetrics) tracerFactory() func(context.Context, logging.Perspective, logging.ConnectionID) *logging.ConnectionTracer {
	return func(context.Context, logging.Perspective, logging.ConnectionID) *logging.ConnectionTracer {
		return &logging.ConnectionTracer{
			UpdatedMetrics: func(rttStats *logging.RTTStats, cwnd, _ logging.ByteCount, _ int) {
				m.update(rttStats, cwnd)
			},
		}
	}
}

// Dial builds the multi-resolver DNS transport, drives the QUIC handshake
// over it, and starts the background poll loop.
func Dial(ctx context.Context, cfg Config) (*Runtime, error) {
	conn, err := NewMultiResolverConn(cfg.Resolvers, cfg.Domain)
	if err != nil {
		return nil, fmt.Errorf("clientrt: build dns transport: %w", err)
	}
	if cfg.RedundantPolls {
		conn.SetFragmentMode(true, true)
	}

	metrics := &connMetrics{}
	if cfg.QUICConfig != nil && cfg.QUICConfig.Tracer == nil {
		cfg.QUICConfig.Tracer = metrics.tracerFactory()
	}

	qConn, err := quic.Dial(ctx, conn, dummyAddr(), cfg.TLSConfig, cfg.QUICConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("clientrt: quic dial: %w", err)
	}

	r := &Runtime{cfg: cfg, conn: conn, quic: qConn, metrics: metrics, lastActivity: time.Now()}
	go r.pollLoop()
	return r, nil
}

// Connection returns the live QUIC connection for opening streams.
func (r *Runtime) Connection() *quic.Conn { return r.quic }

// Close tears down the QUIC connection and the DNS transport.
func (r *Runtime) Close() error {
	_ = r.quic.CloseWithError(0, "shutdown")
	return r.conn.Close()
}

// MarkActivity records stream activity to suppress the idle keepalive
// poll; cmd/client calls it when a bridged connection finishes.
func (r *Runtime) MarkActivity() { r.lastActivity = time.Now() }

// pollLoop is the send-burst half of the poll engine: for each resolver,
// probe non-added non-primary paths, recompute the pacing budget for
// authoritative resolvers, and drain pending_polls by preparing and
// sending datagrams.
func (r *Runtime) pollLoop() {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		anyPending := false

		for _, path := range r.conn.Paths() {
			if !path.Primary && path.Added && path.Stale(now, resolverpool.DefaultStaleTimeout) {
				path.ResetPathState()
			}

			if path.ShouldProbe(now) {
				r.sendIdlePoll(path, now)
			}

			if path.Spec.Mode == resolverpool.Authoritative {
				cwnd, smoothedRTT := r.metrics.snapshot()
				pq := pacing.PathQuality{
					CongestionWindow: cwnd,
					SmoothedRTT:      smoothedRTT,
					RTTProxy:         path.MeasuredRTT(),
				}
				bytesInTransit := uint64(path.InflightCount()) * uint64(r.conn.MTU())
				path.ApplyPacingFloor(pq, r.conn.MTU(), bytesInTransit, now)
			}

			// Each poll query, even carrying no outbound QUIC bytes, is
			// itself what elicits a response datagram that may carry
			// server-to-client data: quic-go's own WriteTo calls supply
			// actual outbound payloads opportunistically rather than
			// through a separate prepare-packet handoff, since that's the
			// only shape quic-go's public API allows.
			for path.PendingPolls > 0 {
				if err := r.conn.SendPoll(path, nil, now); err != nil {
					if isTransientUDPError(err) {
						break
					}
					log.Debug().Err(err).Str("resolver", path.Spec.HostPort).Msg("clientrt: poll send failed")
					break
				}
				if r.cfg.DebugPoll {
					log.Debug().Str("resolver", path.Spec.HostPort).Msg("clientrt: poll sent")
				}
			}
			if path.PendingPolls > 0 {
				anyPending = true
			}
		}

		if !anyPending && time.Since(r.lastActivity) >= r.idlePollInterval() {
			r.sendIdlePoll(r.conn.primary, now)
			r.lastActivity = now
		}
	}
}

func (r *Runtime) idlePollInterval() time.Duration {
	if r.cfg.IdlePollInterval > 0 {
		return r.cfg.IdlePollInterval
	}
	return 5 * time.Second
}

func (r *Runtime) sendIdlePoll(path *resolverpool.Path, now time.Time) {
	if path == nil {
		return
	}
	if err := r.conn.SendPoll(path, nil, now); err != nil {
		log.Debug().Err(err).Str("resolver", path.Spec.HostPort).Msg("clientrt: idle poll failed")
	}
}

var _ net.PacketConn = (*MultiResolverConn)(nil)
