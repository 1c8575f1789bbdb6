package flowcontrol

import (
	"errors"
	"math/rand"
	"testing"
)

func TestReserveTargetOffsetCapsAtRxAndFin(t *testing.T) {
	fin := uint64(100)
	target := ReserveTargetOffset(50, 10, &fin, 64*1024)
	if target != 50 {
		t.Fatalf("expected cap at rx_bytes=50, got %d", target)
	}

	fin = 30
	target = ReserveTargetOffset(50, 10, &fin, 64*1024)
	if target != 30 {
		t.Fatalf("expected cap at fin_offset=30, got %d", target)
	}
}

func TestHandleStreamReceiveSingleStreamAdvancesConsumedOffset(t *testing.T) {
	s := &State{}
	cfg := NewConfig(false, 64*1024)
	var consumed uint64
	ops := Ops{
		Enqueue: func() error { return nil },
		Consume: func(target uint64) error { consumed = target; return nil },
	}

	reset := HandleStreamReceive(s, 1000, cfg, ops)
	if reset {
		t.Fatal("unexpected reset")
	}
	if consumed != 1000 {
		t.Fatalf("expected consumed offset to reach rx_bytes under large reserve, got %d", consumed)
	}
	if s.RxBytes != 1000 || s.QueuedBytes != 1000 {
		t.Fatalf("unexpected state %+v", s)
	}
}

func TestHandleStreamReceiveMultiStreamOverflowDiscards(t *testing.T) {
	s := &State{}
	cfg := Config{MultiStream: true, MaxQueue: 100}
	var stopSendingCalls int
	var overflowCalls int
	var consumed uint64
	ops := Ops{
		Enqueue:     func() error { return nil },
		Consume:     func(target uint64) error { consumed = target; return nil },
		StopSending: func() { stopSendingCalls++ },
		OnOverflow:  func() { overflowCalls++ },
	}

	reset := HandleStreamReceive(s, 50, cfg, ops)
	if reset || s.Discarding {
		t.Fatalf("expected no overflow yet, got discarding=%v", s.Discarding)
	}
	if s.QueuedBytes != 50 {
		t.Fatalf("expected queued_bytes=50, got %d", s.QueuedBytes)
	}

	reset = HandleStreamReceive(s, 80, cfg, ops)
	if reset {
		t.Fatal("overflow should discard, not reset")
	}
	if !s.Discarding {
		t.Fatal("expected discarding=true after overflow")
	}
	if s.QueuedBytes != 0 {
		t.Fatalf("expected queue cleared on overflow, got %d", s.QueuedBytes)
	}
	if stopSendingCalls != 1 {
		t.Fatalf("expected STOP_SENDING exactly once, got %d", stopSendingCalls)
	}
	if overflowCalls != 1 {
		t.Fatalf("expected overflow hook exactly once, got %d", overflowCalls)
	}
	if consumed != s.RxBytes {
		t.Fatalf("expected consumed offset to keep pace with rx_bytes, got %d want %d", consumed, s.RxBytes)
	}

	// Further receives must not re-send STOP_SENDING and must keep discarding.
	reset = HandleStreamReceive(s, 30, cfg, ops)
	if reset {
		t.Fatal("discarding stream should never reset")
	}
	if stopSendingCalls != 1 {
		t.Fatalf("expected STOP_SENDING still sent exactly once, got %d", stopSendingCalls)
	}
	if consumed != s.RxBytes {
		t.Fatalf("consumed offset should keep pace with rx_bytes while discarding, got %d want %d", consumed, s.RxBytes)
	}
}

func TestHandleStreamReceiveEnqueueFailureResetsStream(t *testing.T) {
	s := &State{}
	cfg := NewConfig(false, 1024)
	ops := Ops{
		Enqueue: func() error { return errors.New("writer gone") },
		Consume: func(uint64) error { return nil },
	}
	reset := HandleStreamReceive(s, 10, cfg, ops)
	if !reset {
		t.Fatal("expected reset on enqueue failure")
	}
}

// TestFlowControlPropertyQueuedBytesBoundedAndConsumedMonotone is property
// test 3: for bounded max_queue, queued_bytes never exceeds max_queue +
// incoming_len, consumed_offset is monotone non-decreasing, and once
// discarding flips true no further enqueue happens while consumed_offset
// keeps pace with rx_bytes.
func TestFlowControlPropertyQueuedBytesBoundedAndConsumedMonotone(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const maxQueue = 4096

	for trial := 0; trial < 200; trial++ {
		s := &State{}
		cfg := Config{MultiStream: true, MaxQueue: maxQueue}
		var consumed uint64
		var enqueuedAfterDiscard bool
		ops := Ops{
			Enqueue: func() error {
				if s.Discarding {
					enqueuedAfterDiscard = true
				}
				return nil
			},
			Consume: func(target uint64) error {
				if target < consumed {
					t.Fatalf("consumed_offset went backwards: %d -> %d", consumed, target)
				}
				consumed = target
				return nil
			},
			StopSending: func() {},
		}

		for i := 0; i < 50; i++ {
			incoming := rng.Intn(600)
			HandleStreamReceive(s, incoming, cfg, ops)
			if s.QueuedBytes > maxQueue+incoming {
				t.Fatalf("queued_bytes=%d exceeds max_queue+incoming_len=%d", s.QueuedBytes, maxQueue+incoming)
			}
			if s.Discarding && consumed != s.RxBytes {
				t.Fatalf("discarding but consumed_offset=%d rx_bytes=%d", consumed, s.RxBytes)
			}
		}
		if enqueuedAfterDiscard {
			t.Fatal("enqueue happened after discarding=true")
		}
	}
}

func TestPromoteStreamsAdvancesNonDiscardingOnly(t *testing.T) {
	states := map[uint64]*State{
		1: {RxBytes: 100, ConsumedOffset: 40},
		2: {RxBytes: 100, ConsumedOffset: 40, Discarding: true},
		3: {RxBytes: 100, ConsumedOffset: 100},
	}
	advanced := map[uint64]uint64{}
	PromoteStreams(states, func(id uint64, target uint64) error {
		advanced[id] = target
		return nil
	}, nil)

	if advanced[1] != 100 {
		t.Fatalf("expected stream 1 advanced to 100, got %d", advanced[1])
	}
	if _, ok := advanced[2]; ok {
		t.Fatal("discarding stream must not be advanced")
	}
	if _, ok := advanced[3]; ok {
		t.Fatal("already-caught-up stream must not be re-advanced")
	}
	if states[1].ConsumedOffset != 100 {
		t.Fatalf("expected state mutated in place, got %d", states[1].ConsumedOffset)
	}
}

func TestStreamQueueMaxBytesDefault(t *testing.T) {
	if got := StreamQueueMaxBytes(); got != defaultStreamQueueMaxBytes {
		t.Fatalf("got %d, want default %d (env override tested separately per-process)", got, defaultStreamQueueMaxBytes)
	}
}
