package serverdispatch

import (
	"net"
	"testing"

	"slipstream-go/internal/dnscodec"
	"slipstream-go/internal/fallback"
)

func newTestDispatcher(feed func(payload []byte, peer *net.UDPAddr) TransportResult) *Dispatcher {
	return &Dispatcher{
		Domains: []string{"tunnel.example.com"},
		Ops: Ops{
			FeedToTransport: feed,
			StatelessReset:  func([]byte) ([]byte, bool) { return nil, false },
			Classification:  fallback.NewClassificationStore(),
			Sessions:        fallback.NewSessionStore(),
			FallbackAddr:    nil, // forwarding is a no-op in these tests
		},
	}
}

func TestDecodeSuccessMarksClassifiedAndFeedsTransport(t *testing.T) {
	var fed []byte
	d := newTestDispatcher(func(payload []byte, peer *net.UDPAddr) TransportResult {
		fed = payload
		return TransportResult{Handled: true}
	})

	query, err := dnscodec.EncodeQuery([]byte("hi"), "tunnel.example.com", 1, true, false)
	if err != nil {
		t.Fatal(err)
	}
	peer := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 5000}

	outcome := d.HandleDatagram(peer, query)
	if outcome.Dropped || outcome.Forwarded || outcome.ResponsePacket != nil {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if string(fed) != "hi" {
		t.Fatalf("expected payload fed to transport, got %q", fed)
	}
	if !d.Ops.Classification.IsDNSClassified(peer.String()) {
		t.Fatal("expected peer marked DNS-classified")
	}
}

func TestNonDNSDropCascadeMatchesStreakThreshold(t *testing.T) {
	d := newTestDispatcher(func([]byte, *net.UDPAddr) TransportResult { return TransportResult{Handled: true} })
	peer := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 5000}

	query, err := dnscodec.EncodeQuery([]byte("hi"), "tunnel.example.com", 1, true, false)
	if err != nil {
		t.Fatal(err)
	}
	d.HandleDatagram(peer, query) // mark classified

	nonDNS := []byte("nope")
	for i := 1; i <= fallback.NonDNSStreakThreshold-1; i++ {
		outcome := d.HandleDatagram(peer, nonDNS)
		if !outcome.Dropped {
			t.Fatalf("packet %d: expected silent drop, got %+v", i, outcome)
		}
	}
	outcome := d.HandleDatagram(peer, nonDNS)
	if !outcome.Forwarded {
		t.Fatalf("16th non-DNS packet: expected forward on demotion, got %+v", outcome)
	}
}

func TestReplyErrorEncodesRcodeResponse(t *testing.T) {
	d := newTestDispatcher(nil)
	peer := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 5000}

	// A query under an apex that isn't configured yields a NXDOMAIN
	// ReplyError (dnscodec can't even tell it's Drop-worthy: it parses as
	// well-formed DNS, just against the wrong apex).
	mismatch, err := dnscodec.EncodeQuery(nil, "not-configured.example.org", 8, false, false)
	if err != nil {
		t.Fatal(err)
	}
	outcome := d.HandleDatagram(peer, mismatch)
	if outcome.ResponsePacket == nil {
		t.Fatal("expected an RCODE response packet for unmatched apex")
	}
	if !dnscodec.IsResponse(outcome.ResponsePacket) {
		t.Fatal("expected response packet to have QR=1")
	}
}
