package serverdispatch

import (
	"testing"
	"time"
)

// TestIdleGCEvictsWithinWindow is property test 8: with
// idle_timeout_seconds = 1 and no traffic, a connection is evicted within
// 2s of going idle.
func TestIdleGCEvictsWithinWindow(t *testing.T) {
	tracker := NewIdleTracker(1 * time.Second)
	start := time.Now()
	tracker.Touch("conn-1", start)

	if evicted := tracker.Sweep(start.Add(500 * time.Millisecond)); len(evicted) != 0 {
		t.Fatalf("expected no eviction before idle_timeout elapses, got %v", evicted)
	}

	evicted := tracker.Sweep(start.Add(2 * time.Second))
	if len(evicted) != 1 || evicted[0] != "conn-1" {
		t.Fatalf("expected conn-1 evicted within 2s of going idle, got %v", evicted)
	}
}

func TestIdleGCDoesNotEvictActiveConnections(t *testing.T) {
	tracker := NewIdleTracker(1 * time.Second)
	now := time.Now()
	tracker.Touch("conn-1", now)
	tracker.Touch("conn-1", now.Add(900*time.Millisecond))

	if evicted := tracker.Sweep(now.Add(1100 * time.Millisecond)); len(evicted) != 0 {
		t.Fatalf("expected touched connection to survive, got %v", evicted)
	}
}
