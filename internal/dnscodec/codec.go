package dnscodec

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// DecodeQuery decodes an inbound DNS query against the configured apex
// domain set (longest-suffix match wins).
//
// Three outcomes are possible:
//   - a *DecodedQuery on success
//   - a DropReason error: the packet should be silently dropped (malformed
//     header, or a QR=1/qdcount!=1 packet whose question cannot even be
//     parsed for a reply)
//   - a *ReplyError: the packet parses enough to answer with a specific
//     RCODE (FORMERR/NXDOMAIN/SERVFAIL)
func DecodeQuery(packet []byte, domains []string) (*DecodedQuery, error) {
	hdr, ok := parseHeader(packet)
	if !ok {
		return nil, DropMalformed
	}

	if hdr.isResponse {
		q := tryParseQuestionForReply(packet, hdr.qdcount, hdr.offset)
		if q == nil {
			return nil, DropMalformed
		}
		return nil, &ReplyError{ID: hdr.id, RD: hdr.rd, CD: hdr.cd, Question: q, Rcode: RcodeFormatError}
	}

	if hdr.qdcount != 1 {
		q := tryParseQuestionForReply(packet, hdr.qdcount, hdr.offset)
		if q == nil {
			return nil, DropMalformed
		}
		return nil, &ReplyError{ID: hdr.id, RD: hdr.rd, CD: hdr.cd, Question: q, Rcode: RcodeFormatError}
	}

	q, _, err := parseQuestion(packet, hdr.offset)
	if err != nil {
		return nil, DropMalformed
	}

	if q.QType != rrTXT {
		return nil, &ReplyError{ID: hdr.id, RD: hdr.rd, CD: hdr.cd, Question: &q, Rcode: RcodeNameError}
	}

	subRaw, rc, err := extractSubdomainMulti(q.Name, domains)
	if err != nil {
		return nil, &ReplyError{ID: hdr.id, RD: hdr.rd, CD: hdr.cd, Question: &q, Rcode: rc}
	}

	undotted := undotify(subRaw)
	if undotted == "" {
		return nil, &ReplyError{ID: hdr.id, RD: hdr.rd, CD: hdr.cd, Question: &q, Rcode: RcodeNameError}
	}

	payload, err := decodeBase32(undotted)
	if err != nil {
		return nil, &ReplyError{ID: hdr.id, RD: hdr.rd, CD: hdr.cd, Question: &q, Rcode: RcodeServerFailure}
	}

	return &DecodedQuery{ID: hdr.id, RD: hdr.rd, CD: hdr.cd, Question: q, Payload: payload}, nil
}

// EncodeQuery encodes an outbound QUIC datagram as a DNS query under apex.
func EncodeQuery(payload []byte, apex string, id uint16, rd, cd bool) ([]byte, error) {
	encoded := encodeBase32(payload)
	qname := trimDot(apex) + "."
	if encoded != "" {
		qname = dotify(encoded) + "." + qname
	}
	if len(qname) > maxDNSNameLen+1 { // +1 for trailing dot the encoder strips
		return nil, ErrNameTooLong
	}

	msg := new(dns.Msg)
	msg.Id = id
	msg.RecursionDesired = rd
	msg.CheckingDisabled = cd
	msg.Question = []dns.Question{{Name: dns.Fqdn(qname), Qtype: dns.TypeTXT, Qclass: dns.ClassINET}}
	msg.Extra = []dns.RR{optRecord()}

	return msg.Pack()
}

// EncodeResponse encodes a response to a decoded (or error) query, carrying
// an outbound QUIC datagram back as the TXT answer.
func EncodeResponse(p ResponseParams) ([]byte, error) {
	payloadLen := len(p.Payload)

	rcode := RcodeNameError
	if payloadLen > 0 {
		rcode = RcodeOK
	}
	if p.Rcode != nil {
		rcode = *p.Rcode
	}

	ancount := 0
	if payloadLen > 0 && rcode == RcodeOK {
		ancount = 1
	}

	msg := new(dns.Msg)
	msg.Id = p.ID
	msg.Response = true
	msg.Authoritative = true
	msg.RecursionDesired = p.RD
	msg.CheckingDisabled = p.CD
	msg.Rcode = int(rcode)
	msg.Question = []dns.Question{{Name: dns.Fqdn(p.Question.Name), Qtype: p.Question.QType, Qclass: p.Question.QClass}}

	if ancount == 1 {
		chunkCount := (payloadLen + maxTXTChunkBytes - 1) / maxTXTChunkBytes
		rdataLen := payloadLen + chunkCount
		if rdataLen > 0xFFFF {
			return nil, fmt.Errorf("dnscodec: response payload too long (%d bytes)", rdataLen)
		}
		txt := &dns.TXT{
			Hdr: dns.RR_Header{Name: dns.Fqdn(p.Question.Name), Rrtype: p.Question.QType, Class: p.Question.QClass, Ttl: 60},
			Txt: splitTXTStrings(p.Payload),
		}
		msg.Answer = []dns.RR{txt}
	}

	msg.Extra = []dns.RR{optRecord()}
	msg.Compress = true
	return msg.Pack()
}

// DecodeResponse reassembles the TXT answer of an inbound DNS response into
// a QUIC datagram. Returns nil, false if there is "no payload".
func DecodeResponse(packet []byte) ([]byte, bool) {
	hdr, ok := parseHeader(packet)
	if !ok || !hdr.isResponse || hdr.rcode != RcodeOK || hdr.ancount != 1 {
		return nil, false
	}

	offset := hdr.offset
	for i := uint16(0); i < hdr.qdcount; i++ {
		_, next, err := parseQuestion(packet, offset)
		if err != nil {
			return nil, false
		}
		offset = next
	}

	name, err := parseName(packet, offset)
	if err != nil {
		return nil, false
	}
	offset = name.NextOffset
	if offset+10 > len(packet) {
		return nil, false
	}
	qtype := be16(packet, offset)
	offset += 2 // qclass
	offset += 2
	offset += 4 // ttl
	rdlen := int(be16(packet, offset))
	offset += 2
	if offset+rdlen > len(packet) || rdlen < 1 || qtype != rrTXT {
		return nil, false
	}

	out := make([]byte, 0, rdlen)
	remaining := rdlen
	cursor := offset
	for remaining > 0 {
		n := int(packet[cursor])
		cursor++
		remaining--
		if n > remaining {
			return nil, false
		}
		out = append(out, packet[cursor:cursor+n]...)
		cursor += n
		remaining -= n
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// IsResponse reports whether packet's QR bit is set, without fully parsing it.
func IsResponse(packet []byte) bool {
	hdr, ok := parseHeader(packet)
	return ok && hdr.isResponse
}

func optRecord() *dns.OPT {
	o := new(dns.OPT)
	o.Hdr.Name = "."
	o.Hdr.Rrtype = dns.TypeOPT
	o.SetUDPSize(ednsUDPPayload)
	return o
}

func splitTXTStrings(payload []byte) []string {
	if len(payload) == 0 {
		return nil
	}
	var chunks []string
	for i := 0; i < len(payload); i += maxTXTChunkBytes {
		end := i + maxTXTChunkBytes
		if end > len(payload) {
			end = len(payload)
		}
		// miekg/dns reads a backslash in TXT data as an escape when
		// packing, so literal backslash bytes are doubled.
		chunks = append(chunks, strings.ReplaceAll(string(payload[i:end]), `\`, `\\`))
	}
	return chunks
}

func trimDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}
