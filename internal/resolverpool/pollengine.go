package resolverpool

import (
	"time"

	"github.com/google/uuid"

	"slipstream-go/internal/pacing"
)

const (
	inflightExpiry = 5 * time.Second

	initialProbeBackoff = 250 * time.Millisecond
	maxProbeBackoff     = 10 * time.Second
	maxProbeDoublings   = 6 // cap at 2^6
)

// DefaultStaleTimeout is how long a path may go without a response before
// it is considered dead: a candidate for primary failover (the transport's
// write-path selection) and for being reset back to probing (so it can
// recover and rejoin the pool).
const DefaultStaleTimeout = 10 * time.Second

// MaxPollBurst bounds demand-refill growth of pending_polls; exported so
// the runtime loop and tests share one constant.
var MaxPollBurst = 64

// inflightPoll records a sent-but-unanswered authoritative query.
type inflightPoll struct {
	sentAt time.Time
}

// Path is one resolver's live poll-engine state. ID is a stable unique id
// for the path handle, independent of the transport-assigned path id so
// logging/metrics can correlate a resolver across transport path rebinds.
type Path struct {
	Spec Spec
	ID   uuid.UUID

	PendingPolls int

	// Added reports whether the transport has bound a path for this
	// resolver; non-added non-primary resolvers are probed with backoff.
	Added   bool
	Primary bool

	nextProbeAt    time.Time
	probeBackoff   time.Duration
	probeDoublings int

	inflight       map[uint16]inflightPoll
	lastRTT        time.Duration
	lastResponseAt time.Time

	budget *pacing.Budget
}

// NewPath creates poll-engine state for one resolver spec.
func NewPath(spec Spec, primary bool) *Path {
	p := &Path{
		Spec:         spec,
		ID:           uuid.New(),
		Primary:      primary,
		probeBackoff: initialProbeBackoff,
	}
	if spec.Mode == Authoritative {
		p.inflight = make(map[uint16]inflightPoll)
		p.budget = &pacing.Budget{}
	}
	return p
}

// ResetPathState clears transport binding on a path miss: on miss, the
// resolver's path state resets and it is skipped until it rebinds.
func (p *Path) ResetPathState() {
	p.Added = false
	p.PendingPolls = 0
	if p.inflight != nil {
		p.inflight = make(map[uint16]inflightPoll)
	}
}

// ShouldProbe reports whether it is time to probe a non-added, non-primary
// resolver, and advances the exponential backoff (250ms -> 10s, doubling,
// capped at 2^6 doublings) if so.
func (p *Path) ShouldProbe(now time.Time) bool {
	if p.Added || p.Primary {
		return false
	}
	if now.Before(p.nextProbeAt) {
		return false
	}
	p.nextProbeAt = now.Add(p.probeBackoff)
	if p.probeDoublings < maxProbeDoublings {
		p.probeBackoff *= 2
		if p.probeBackoff > maxProbeBackoff {
			p.probeBackoff = maxProbeBackoff
		}
		p.probeDoublings++
	}
	return true
}

// RecordSent inserts a sent query id into the inflight map (authoritative
// only) with the send timestamp, and decrements pending_polls.
func (p *Path) RecordSent(id uint16, now time.Time) {
	p.PendingPolls--
	if p.inflight != nil {
		p.inflight[id] = inflightPoll{sentAt: now}
	}
}

// ExpireInflight drops inflight entries older than 5s, run once per loop
// iteration; the returned count is used as a floor on pending_polls so
// polls can replace expired queries.
func (p *Path) ExpireInflight(now time.Time) int {
	if p.inflight == nil {
		return 0
	}
	for id, entry := range p.inflight {
		if now.Sub(entry.sentAt) > inflightExpiry {
			delete(p.inflight, id)
		}
	}
	return len(p.inflight)
}

// OnResponse is the demand-refill hook: called on every successful DNS
// response (payload present or not), increments pending_polls by one,
// capped at MaxPollBurst. If id matches an inflight entry, it is removed
// (best-effort id matching: a response for a reused id is accepted,
// causing at most a spurious inflight removal) and the round-trip
// latency (now - sentAt) is recorded as the path's RTT proxy, used by
// ApplyPacingFloor when the transport reports no smoothed RTT.
//
// A response is also the only signal this resolver is reachable at all, so
// it is what binds the path: quic-go's multipath "path added" event has no
// equivalent over a resolver pool, and a resolver that has never answered
// has no business carrying real traffic yet.
func (p *Path) OnResponse(id uint16, now time.Time) {
	if p.inflight != nil {
		if entry, ok := p.inflight[id]; ok {
			p.lastRTT = now.Sub(entry.sentAt)
			delete(p.inflight, id)
		}
	}
	p.lastResponseAt = now
	p.Added = true
	if p.PendingPolls < MaxPollBurst {
		p.PendingPolls++
	}
}

// Stale reports whether this path has gone more than timeout without a
// response. A path that has never answered (lastResponseAt zero) is not
// stale yet, since it hasn't had a chance to; it only goes stale after
// having been live and then falling silent.
func (p *Path) Stale(now time.Time, timeout time.Duration) bool {
	if p.lastResponseAt.IsZero() {
		return false
	}
	return now.Sub(p.lastResponseAt) > timeout
}

// MeasuredRTT returns the most recently observed inflight-poll round-trip
// latency for this path, the caller-provided RTT proxy used as a fallback
// when the transport's own smoothed RTT is zero. Zero until at least one
// authoritative poll has completed a round trip.
func (p *Path) MeasuredRTT() time.Duration { return p.lastRTT }

// InflightCount reports the number of currently outstanding authoritative
// polls, used by the caller to compute bytes_in_transit_packets.
func (p *Path) InflightCount() int { return len(p.inflight) }

// ApplyPacingFloor recomputes the pacing budget for an authoritative
// resolver and raises pending_polls to the target inflight count minus
// bytes currently in transit (in MTU-sized packets), then floors it at the
// inflight-poll count so polls can replace expired entries.
func (p *Path) ApplyPacingFloor(pq pacing.PathQuality, mtu int, bytesInTransit uint64, now time.Time) pacing.Snapshot {
	if p.Spec.Mode != Authoritative || p.budget == nil {
		return pacing.Snapshot{}
	}
	snap := p.budget.Evaluate(pq, mtu)

	bytesInTransitPackets := int(ceilDiv(bytesInTransit, uint64(mtu)))
	target := snap.TargetInflight - bytesInTransitPackets
	if target > p.PendingPolls {
		p.PendingPolls = target
	}

	floor := p.ExpireInflight(now)
	if p.PendingPolls < floor {
		p.PendingPolls = floor
	}
	return snap
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
