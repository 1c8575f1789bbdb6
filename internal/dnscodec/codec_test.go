package dnscodec

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeQueryRoundTrip(t *testing.T) {
	apex := "tunnel.example.com"
	mtu, err := MTU(apex)
	if err != nil {
		t.Fatalf("MTU: %v", err)
	}

	for n := 0; n <= mtu; n += 7 {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i*31 + n)
		}
		query, err := EncodeQuery(payload, apex, uint16(n), true, false)
		if err != nil {
			t.Fatalf("EncodeQuery(len=%d): %v", n, err)
		}
		decoded, err := DecodeQuery(query, []string{apex})
		if n == 0 {
			// An empty payload encodes to the bare apex, which decodes as NXDOMAIN.
			if replyErr, ok := err.(*ReplyError); !ok || replyErr.Rcode != RcodeNameError {
				t.Fatalf("DecodeQuery(len=0): expected NXDOMAIN reply error, got %v", err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("DecodeQuery(len=%d): %v", n, err)
		}
		if !bytes.Equal(decoded.Payload, payload) {
			t.Fatalf("round trip mismatch at len=%d", n)
		}
	}
}

func TestLongestApexWinsAndExactIsNXDOMAIN(t *testing.T) {
	domains := []string{"example.com", "n.example.com", "a.n.example.com"}

	query, err := EncodeQuery([]byte("hello"), "a.n.example.com", 1, true, false)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeQuery(query, domains)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if string(decoded.Payload) != "hello" {
		t.Fatalf("payload mismatch: %q", decoded.Payload)
	}

	for _, apex := range domains {
		q, err := EncodeQuery(nil, apex, 2, false, false)
		if err != nil {
			t.Fatal(err)
		}
		_, err = DecodeQuery(q, domains)
		replyErr, ok := err.(*ReplyError)
		if !ok {
			t.Fatalf("exact apex %q: expected *ReplyError, got %v", apex, err)
		}
		if replyErr.Rcode != RcodeNameError {
			t.Fatalf("exact apex %q: expected NXDOMAIN, got %d", apex, replyErr.Rcode)
		}
	}
}

func TestDecodeQueryNonTXTIsNXDOMAIN(t *testing.T) {
	msgBuilder, err := EncodeQuery([]byte("x"), "example.com", 5, true, false)
	if err != nil {
		t.Fatal(err)
	}
	// Flip the QTYPE in the already-packed message to something other than TXT (A=1).
	// QTYPE sits in the last 4 bytes before the OPT record; simplest is to re-encode
	// via the question offset computed by parseHeader/parseQuestion.
	hdr, ok := parseHeader(msgBuilder)
	if !ok {
		t.Fatal("parseHeader failed")
	}
	q, next, err := parseQuestion(msgBuilder, hdr.offset)
	if err != nil {
		t.Fatal(err)
	}
	_ = q
	msgBuilder[next-4] = 0
	msgBuilder[next-3] = 1 // A record

	_, err = DecodeQuery(msgBuilder, []string{"example.com"})
	replyErr, ok := err.(*ReplyError)
	if !ok {
		t.Fatalf("expected *ReplyError, got %v", err)
	}
	if replyErr.Rcode != RcodeNameError {
		t.Fatalf("expected NXDOMAIN for non-TXT qtype, got %d", replyErr.Rcode)
	}
}

func TestEncodeResponseRejectsOversizePayload(t *testing.T) {
	payload := make([]byte, 0x10000)
	_, err := EncodeResponse(ResponseParams{
		ID:       1,
		Question: Question{Name: "a.test.com.", QType: rrTXT, QClass: classIN},
		Payload:  payload,
	})
	if err == nil {
		t.Fatal("expected error for oversize payload")
	}
}

func TestEncodeDecodeResponseRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 600)
	packet, err := EncodeResponse(ResponseParams{
		ID:       42,
		RD:       true,
		Question: Question{Name: "abc.tunnel.example.com.", QType: rrTXT, QClass: classIN},
		Payload:  payload,
	})
	if err != nil {
		t.Fatal(err)
	}
	got, ok := DecodeResponse(packet)
	if !ok {
		t.Fatal("DecodeResponse reported no payload")
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload mismatch after response round trip")
	}
}

func TestDecodeResponseEmptyPayloadIsNoPayload(t *testing.T) {
	packet, err := EncodeResponse(ResponseParams{
		ID:       1,
		Question: Question{Name: "a.test.com.", QType: rrTXT, QClass: classIN},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := DecodeResponse(packet); ok {
		t.Fatal("expected no payload")
	}
}
