// Package dnscodec implements the DNS wire codec that carries opaque QUIC
// datagrams as TXT query/response payloads under a configured apex domain.
package dnscodec

import "fmt"

// Rcode mirrors the subset of RFC 1035 response codes this codec emits.
type Rcode uint8

const (
	RcodeOK             Rcode = 0
	RcodeFormatError    Rcode = 1
	RcodeServerFailure  Rcode = 2
	RcodeNameError      Rcode = 3 // NXDOMAIN
)

const (
	rrTXT            = 16
	rrOPT            = 41
	classIN          = 1
	ednsUDPPayload   = 1232
	maxDNSNameLen    = 253
	maxLabelLen      = 63
	maxPointerDepth  = 16
	maxTXTChunkBytes = 255
)

// Question is the single question carried by a tunnel DNS message.
type Question struct {
	Name   string
	QType  uint16
	QClass uint16
}

// DecodedQuery is the payload extracted from a successfully decoded query.
type DecodedQuery struct {
	ID       uint16
	RD       bool
	CD       bool
	Question Question
	Payload  []byte
}

// DropReason distinguishes a silently-dropped malformed packet from one that
// still deserves a DNS error reply.
type DropReason int

const (
	_ DropReason = iota
	DropMalformed
)

func (d DropReason) Error() string { return "dnscodec: malformed packet, dropped" }

// ReplyError is returned when the packet parses as DNS but must be answered
// with a non-zero RCODE rather than silently dropped.
type ReplyError struct {
	ID       uint16
	RD       bool
	CD       bool
	Question *Question
	Rcode    Rcode
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("dnscodec: reply rcode=%d for query id=%d", e.Rcode, e.ID)
}

// NameError is returned by the name parser and encoder for malformed names.
type NameError struct {
	Kind string
}

func (e *NameError) Error() string { return "dnscodec: " + e.Kind }

var (
	ErrLabelTooLong        = &NameError{Kind: "label too long"}
	ErrNameTooLong         = &NameError{Kind: "name too long"}
	ErrPointerLoop         = &NameError{Kind: "pointer loop"}
	ErrPointerDepthExceeded = &NameError{Kind: "pointer depth exceeded"}
	ErrOutOfRange          = &NameError{Kind: "out of range"}
)

// QueryParams describes an outbound query (client -> resolver).
type QueryParams struct {
	ID     uint16
	RD     bool
	CD     bool
	QName  string
	QType  uint16
	QClass uint16
}

// ResponseParams describes an outbound response (server -> client).
type ResponseParams struct {
	ID       uint16
	RD       bool
	CD       bool
	Question Question
	Payload  []byte // nil/empty means "no payload"
	Rcode    *Rcode // nil means "derive from Payload"
}

// MTU returns the maximum QUIC payload size carriable in one DNS query under
// the given apex domain: floor((240 - domain_len) / 1.6).
// Domains of length >= 240 are rejected.
func MTU(domain string) (int, error) {
	n := len(domain)
	if n >= 240 {
		return 0, fmt.Errorf("dnscodec: domain %q too long for MTU computation", domain)
	}
	mtu := int(float64(240-n) / 1.6)
	if mtu <= 0 {
		return 0, fmt.Errorf("dnscodec: domain %q leaves no MTU budget", domain)
	}
	return mtu, nil
}
