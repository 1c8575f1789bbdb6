// Package pacing implements the client's authoritative-resolver pacing
// budget.
//
// quic-go does not expose pacing rate through its public API (verified
// against the vendored quic-go trees in the example pack: it lives in an
// unexported internal package); congestion window and smoothed RTT are
// reported through its connection tracer. This package is therefore written against a narrow PathQuality
// collaborator interface rather than quic-go types directly, so it stays
// independently testable and the caller supplies whatever telemetry it can
// actually observe (falling back to a self-measured RTT proxy when the
// transport reports zero).
package pacing

import (
	"math"
	"time"
)

const (
	gainSteady = 1.0
	gainProbe  = 1.25

	probeThreshold = 1.05

	rttFloor = time.Microsecond
)

// PathQuality is the subset of transport telemetry the pacing budget needs
// for one resolver path.
type PathQuality struct {
	PacingRate      uint64 // bytes/sec; 0 if unknown
	CongestionWindow uint64 // bytes
	SmoothedRTT     time.Duration
	// RTTProxy is used when SmoothedRTT is zero, e.g. derived from the
	// poll engine's own inflight round-trip timestamps.
	RTTProxy time.Duration
}

// Budget tracks the gain state across calls for a single resolver path.
type Budget struct {
	lastPacingRate uint64
	haveLast       bool
}

// Snapshot is the computed result of one budget evaluation.
type Snapshot struct {
	Gain           float64
	QPS            float64
	RTT            time.Duration
	TargetInflight int
}

// Evaluate computes the target number of in-flight polls for this loop
// pass, given the current path quality and the per-query payload size
// (MTU, in bytes).
func (b *Budget) Evaluate(pq PathQuality, mtu int) Snapshot {
	if mtu <= 0 {
		mtu = 1
	}

	rtt := pq.SmoothedRTT
	if rtt <= 0 {
		rtt = pq.RTTProxy
	}
	if rtt < rttFloor {
		rtt = rttFloor
	}

	if pq.PacingRate == 0 {
		target := ceilDiv(pq.CongestionWindow, uint64(mtu))
		qps := float64(target) / rtt.Seconds()
		b.recordRate(0)
		return Snapshot{Gain: gainSteady, QPS: qps, RTT: rtt, TargetInflight: int(target)}
	}

	gain := b.gainFor(pq.PacingRate)
	qps := (float64(pq.PacingRate) / float64(mtu)) * gain
	targetInflight := int(math.Ceil(qps * rtt.Seconds()))
	if targetInflight < 0 {
		targetInflight = 0
	}
	b.recordRate(pq.PacingRate)

	return Snapshot{Gain: gain, QPS: qps, RTT: rtt, TargetInflight: targetInflight}
}

// gainFor applies the BBR-style steady/probe alternation: probe (1.25)
// when the current pacing rate exceeds the last recorded rate by more
// than 5%, steady (1.0) otherwise.
func (b *Budget) gainFor(currentRate uint64) float64 {
	if !b.haveLast {
		return gainSteady
	}
	threshold := float64(b.lastPacingRate) * probeThreshold
	if float64(currentRate) > threshold {
		return gainProbe
	}
	return gainSteady
}

func (b *Budget) recordRate(rate uint64) {
	b.lastPacingRate = rate
	b.haveLast = true
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
