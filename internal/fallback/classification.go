// Package fallback implements the server's per-peer DNS classification and
// sticky fallback-session routing.
package fallback

import (
	"time"

	cache "github.com/patrickmn/go-cache"
)

const (
	// IdleWindow is how long a DNS classification or a fallback session
	// survives without traffic before it is evicted.
	IdleWindow = 180 * time.Second
	// GCInterval is how often both stores sweep for expired entries.
	GCInterval = 30 * time.Second

	// NonDNSStreakThreshold is the number of consecutive non-DNS
	// datagrams from a DNS-classified peer that triggers demotion to
	// fallback routing.
	NonDNSStreakThreshold = 16
)

// Decision is the outcome of classifying a datagram that failed to decode
// as DNS at all.
type Decision int

const (
	// DropSilently: the peer is DNS-classified and has not yet hit the
	// non-DNS streak threshold.
	DropSilently Decision = iota
	// CreateSessionAndForward: the peer was never DNS-classified; start
	// (or reuse) a fallback session and forward the datagram.
	CreateSessionAndForward
	// DemoteAndForward: the peer just crossed the non-DNS streak
	// threshold; it is demoted out of DNS classification and the
	// datagram is forwarded.
	DemoteAndForward
)

type classification struct {
	nonDNSStreak int
}

// ClassificationStore tracks, per peer address, whether the peer has been
// observed to speak DNS successfully.
type ClassificationStore struct {
	c *cache.Cache
}

// NewClassificationStore builds a store with the default idle window and
// GC cadence.
func NewClassificationStore() *ClassificationStore {
	return &ClassificationStore{c: cache.New(IdleWindow, GCInterval)}
}

// IsDNSClassified reports whether peer has an active (non-expired)
// classification entry.
func (s *ClassificationStore) IsDNSClassified(peer string) bool {
	_, ok := s.c.Get(peer)
	return ok
}

// MarkDNSClassified records that peer successfully produced a decodable
// DNS query or a reply was sent to it, resetting its non-DNS streak and
// refreshing the idle window.
func (s *ClassificationStore) MarkDNSClassified(peer string) {
	s.c.Set(peer, &classification{}, IdleWindow)
}

// ClassifyDrop applies the decode-error classification cascade for a
// datagram that is not DNS at all.
func (s *ClassificationStore) ClassifyDrop(peer string) Decision {
	entry, ok := s.c.Get(peer)
	if !ok {
		return CreateSessionAndForward
	}
	cl := entry.(*classification)
	cl.nonDNSStreak++
	if cl.nonDNSStreak >= NonDNSStreakThreshold {
		s.c.Delete(peer)
		return DemoteAndForward
	}
	// Refresh the idle window; the peer is still active even though this
	// particular datagram isn't DNS.
	s.c.Set(peer, cl, IdleWindow)
	return DropSilently
}
