// Package flowcontrol implements the per-stream receive-side flow-control
// core shared by the client (single-stream mode) and server (multi-stream
// mode).
package flowcontrol

import (
	"os"
	"strconv"
	"sync"
)

const (
	defaultStreamQueueMaxBytes = 2 * 1024 * 1024
	defaultConnReserveBytes    = 64 * 1024
)

var (
	streamQueueMaxOnce sync.Once
	streamQueueMaxVal  int

	connReserveOnce sync.Once
	connReserveVal  int
)

// StreamQueueMaxBytes returns the multi-stream queue cap, overridable by
// SLIPSTREAM_STREAM_QUEUE_MAX_BYTES (must be a positive integer).
func StreamQueueMaxBytes() int {
	streamQueueMaxOnce.Do(func() {
		streamQueueMaxVal = defaultStreamQueueMaxBytes
		if v, ok := envPositiveInt("SLIPSTREAM_STREAM_QUEUE_MAX_BYTES"); ok {
			streamQueueMaxVal = v
		}
	})
	return streamQueueMaxVal
}

// ConnReserveBytes returns the single-stream reserve window, overridable by
// SLIPSTREAM_CONN_RESERVE_BYTES.
func ConnReserveBytes() int {
	connReserveOnce.Do(func() {
		connReserveVal = defaultConnReserveBytes
		if v, ok := envInt("SLIPSTREAM_CONN_RESERVE_BYTES"); ok {
			connReserveVal = v
		}
	})
	return connReserveVal
}

func envPositiveInt(name string) (int, bool) {
	v, ok := envInt(name)
	if !ok || v <= 0 {
		return 0, false
	}
	return v, true
}

func envInt(name string) (int, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// State is the per-stream flow-control bookkeeping.
type State struct {
	QueuedBytes     int
	RxBytes         uint64
	ConsumedOffset  uint64
	FinOffset       *uint64
	Discarding      bool
	StopSendingSent bool
}

// Config selects single-stream vs multi-stream receive semantics.
type Config struct {
	MultiStream  bool
	ReserveBytes int // single-stream mode only
	MaxQueue     int // multi-stream mode only
}

// NewConfig builds a Config for either receive mode, deriving the
// multi-stream queue cap from StreamQueueMaxBytes when enabled.
func NewConfig(multiStream bool, reserveBytes int) Config {
	maxQueue := 0
	if multiStream {
		maxQueue = StreamQueueMaxBytes()
	}
	return Config{MultiStream: multiStream, ReserveBytes: reserveBytes, MaxQueue: maxQueue}
}

// Ops are the transport-level side effects the core needs to invoke. They
// are injected so this package stays independent of the concrete QUIC
// library.
type Ops struct {
	// Enqueue hands the incoming chunk to the paired TCP writer; an error
	// means the stream should be reset.
	Enqueue func() error
	// OnOverflow is called once when the queue cap is exceeded and the
	// stream transitions into discarding.
	OnOverflow func()
	// Consume advances the transport's consumed offset to target. Returns
	// an error for a failed/invalid advance.
	Consume func(target uint64) error
	// StopSending issues STOP_SENDING exactly once.
	StopSending func()
	// LogOverflow records queue-cap overflows.
	LogOverflow func(queuedBytes, incomingLen, maxQueue int)
	// OnConsumeError is invoked (rate-limited by the caller) on a failed
	// consumed-offset advance, which should never happen in practice.
	OnConsumeError func(err error, current, target uint64)
}

// ReserveTargetOffset computes the single-stream consumed-offset target:
// drained bytes plus the configured reserve, capped at rx_bytes and at the
// FIN offset when known.
func ReserveTargetOffset(rxBytes uint64, queuedBytes int, finOffset *uint64, reserveBytes int) uint64 {
	drained := rxBytes
	if uint64(queuedBytes) <= rxBytes {
		drained = rxBytes - uint64(queuedBytes)
	}
	target := drained
	if reserveBytes > 0 {
		target = drained + uint64(reserveBytes)
		if target > rxBytes {
			target = rxBytes
		}
	}
	if finOffset != nil && target > *finOffset {
		target = *finOffset
	}
	return target
}

func applyConsumedOffset(consumedOffset *uint64, target uint64, ops *Ops) bool {
	if target <= *consumedOffset {
		return true
	}
	if err := ops.Consume(target); err != nil {
		if ops.OnConsumeError != nil {
			ops.OnConsumeError(err, *consumedOffset, target)
		}
		return false
	}
	*consumedOffset = target
	return true
}

// HandleStreamReceive is the single entry point called whenever the
// transport delivers bytes for a stream but before those bytes are
// consumed at the transport level. Returns true if the stream should be
// reset (enqueue or consume failure outside the overflow path).
func HandleStreamReceive(s *State, incomingLen int, cfg Config, ops Ops) bool {
	if incomingLen == 0 {
		return false
	}

	s.RxBytes += uint64(incomingLen)

	resetStream := false

	switch {
	case s.Discarding:
		applyConsumedOffset(&s.ConsumedOffset, s.RxBytes, &ops)

	case cfg.MultiStream:
		overflowed := handleQueueOverflow(s, incomingLen, cfg.MaxQueue, &ops)
		if overflowed {
			s.Discarding = true
			s.QueuedBytes = 0
			if ops.OnOverflow != nil {
				ops.OnOverflow()
			}
		} else if err := ops.Enqueue(); err != nil {
			resetStream = true
		} else {
			s.QueuedBytes += incomingLen
		}

		if !s.Discarding {
			if !applyConsumedOffset(&s.ConsumedOffset, s.RxBytes, &ops) {
				resetStream = true
			}
		}

	default: // single-stream mode
		if err := ops.Enqueue(); err != nil {
			resetStream = true
		} else {
			s.QueuedBytes += incomingLen
		}

		if cfg.ReserveBytes > 0 && !s.Discarding {
			target := ReserveTargetOffset(s.RxBytes, s.QueuedBytes, s.FinOffset, cfg.ReserveBytes)
			if !applyConsumedOffset(&s.ConsumedOffset, target, &ops) {
				resetStream = true
			}
		}
	}

	return resetStream
}

func handleQueueOverflow(s *State, incomingLen, maxQueue int, ops *Ops) bool {
	projected := s.QueuedBytes + incomingLen
	if projected <= maxQueue {
		return false
	}
	if ops.LogOverflow != nil {
		ops.LogOverflow(s.QueuedBytes, incomingLen, maxQueue)
	}
	applyConsumedOffset(&s.ConsumedOffset, s.RxBytes, ops)
	if !s.StopSendingSent {
		ops.StopSending()
		s.StopSendingSent = true
	}
	return true
}

// PromoteStreams advances the consumed offset of every non-discarding
// stream whose consumed offset trails its rx_bytes, e.g. after a local
// writer drains bytes out of the queue and frees window.
func PromoteStreams(states map[uint64]*State, consume func(streamID uint64, target uint64) error, onError func(streamID uint64, err error, current, target uint64)) {
	for id, s := range states {
		if s.Discarding || s.ConsumedOffset >= s.RxBytes {
			continue
		}
		target := s.RxBytes
		if err := consume(id, target); err != nil {
			if onError != nil {
				onError(id, err, s.ConsumedOffset, target)
			}
			continue
		}
		s.ConsumedOffset = target
	}
}
