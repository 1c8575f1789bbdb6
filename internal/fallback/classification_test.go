package fallback

import "testing"

// TestNonDNSStreakThreshold is property test 7: once a peer has received a
// DNS reply from the server, 15 consecutive non-DNS packets from that peer
// do not reach the fallback endpoint; the 16th does.
func TestNonDNSStreakThreshold(t *testing.T) {
	s := NewClassificationStore()
	peer := "203.0.113.5:40000"
	s.MarkDNSClassified(peer)

	for i := 1; i <= NonDNSStreakThreshold-1; i++ {
		if d := s.ClassifyDrop(peer); d != DropSilently {
			t.Fatalf("packet %d: expected DropSilently, got %v", i, d)
		}
	}

	if d := s.ClassifyDrop(peer); d != DemoteAndForward {
		t.Fatalf("16th packet: expected DemoteAndForward, got %v", d)
	}

	// After demotion the peer is no longer DNS-classified.
	if s.IsDNSClassified(peer) {
		t.Fatal("expected peer to be demoted out of DNS classification")
	}
}

func TestUnclassifiedPeerCreatesSessionImmediately(t *testing.T) {
	s := NewClassificationStore()
	if d := s.ClassifyDrop("198.51.100.1:1234"); d != CreateSessionAndForward {
		t.Fatalf("expected CreateSessionAndForward for never-classified peer, got %v", d)
	}
}

func TestMarkDNSClassifiedResetsStreak(t *testing.T) {
	s := NewClassificationStore()
	peer := "203.0.113.5:40000"
	s.MarkDNSClassified(peer)

	for i := 0; i < NonDNSStreakThreshold-2; i++ {
		s.ClassifyDrop(peer)
	}

	// A fresh DNS success should reset the streak counter.
	s.MarkDNSClassified(peer)
	for i := 1; i <= NonDNSStreakThreshold-1; i++ {
		if d := s.ClassifyDrop(peer); d != DropSilently {
			t.Fatalf("after reset, packet %d: expected DropSilently, got %v", i, d)
		}
	}
	if d := s.ClassifyDrop(peer); d != DemoteAndForward {
		t.Fatal("expected demotion after a fresh full streak")
	}
}
