package serverdispatch

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// IdleTracker records per-connection last-seen timestamps and evicts
// connections idle past idleTimeout.
type IdleTracker struct {
	mu          sync.Mutex
	lastSeen    map[string]time.Time
	idleTimeout time.Duration
}

func NewIdleTracker(idleTimeout time.Duration) *IdleTracker {
	return &IdleTracker{lastSeen: make(map[string]time.Time), idleTimeout: idleTimeout}
}

// Touch records activity for a connection id.
func (t *IdleTracker) Touch(connID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[connID] = now
}

// Forget removes a connection id, e.g. once the transport reports it
// closed by other means.
func (t *IdleTracker) Forget(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSeen, connID)
}

// Sweep compares every tracked connection's last-seen time against now
// and returns the ids that exceeded idleTimeout, removing them from the
// tracker. Callers run this every 1s and evict the returned ids at the
// transport level.
func (t *IdleTracker) Sweep(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []string
	for id, seen := range t.lastSeen {
		if now.Sub(seen) >= t.idleTimeout {
			evicted = append(evicted, id)
			delete(t.lastSeen, id)
		}
	}
	if len(evicted) > 0 {
		log.Debug().Strs("connections", evicted).Msg("idle gc: closing connection")
	}
	return evicted
}

// RunIdleGC blocks, sweeping every second until stop is closed, invoking
// onEvict for each evicted connection id (which should call the
// transport's close-immediate for that connection).
func RunIdleGC(tracker *IdleTracker, stop <-chan struct{}, onEvict func(connID string)) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			for _, id := range tracker.Sweep(now) {
				onEvict(id)
			}
		}
	}
}
