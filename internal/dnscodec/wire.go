package dnscodec

// Minimal header/question wire inspection used only where the exact
// FORMERR/NXDOMAIN/SERVFAIL/Drop distinctions require inspecting a packet
// that miekg/dns.Msg.Unpack would otherwise reject outright or fold into
// a single generic error.

type header struct {
	id       uint16
	isResponse bool
	rd       bool
	cd       bool
	rcode    Rcode
	qdcount  uint16
	ancount  uint16
	offset   int // offset of the question section
}

func parseHeader(packet []byte) (header, bool) {
	if len(packet) < 12 {
		return header{}, false
	}
	id := be16(packet, 0)
	flags := be16(packet, 2)
	qdcount := be16(packet, 4)
	ancount := be16(packet, 6)
	return header{
		id:         id,
		isResponse: flags&0x8000 != 0,
		rd:         flags&0x0100 != 0,
		cd:         flags&0x0010 != 0,
		rcode:      Rcode(flags & 0x000F),
		qdcount:    qdcount,
		ancount:    ancount,
		offset:     12,
	}, true
}

func be16(b []byte, off int) uint16 { return uint16(b[off])<<8 | uint16(b[off+1]) }
func be32(b []byte, off int) uint32 {
	return uint32(b[off])<<24 | uint32(b[off+1])<<16 | uint32(b[off+2])<<8 | uint32(b[off+3])
}

func putBE16(out []byte, v uint16) []byte { return append(out, byte(v>>8), byte(v)) }
func putBE32(out []byte, v uint32) []byte {
	return append(out, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// parseQuestion parses exactly one question at offset, returning the
// question and the offset immediately following it.
func parseQuestion(packet []byte, offset int) (Question, int, error) {
	name, err := parseName(packet, offset)
	if err != nil {
		return Question{}, 0, err
	}
	off := name.NextOffset
	if off+4 > len(packet) {
		return Question{}, 0, ErrOutOfRange
	}
	q := Question{
		Name:   name.Name,
		QType:  be16(packet, off),
		QClass: be16(packet, off+2),
	}
	return q, off + 4, nil
}

// tryParseQuestionForReply best-effort parses the first question so an
// error reply can echo it back; returns nil if it cannot be parsed at all.
func tryParseQuestionForReply(packet []byte, qdcount uint16, offset int) *Question {
	if qdcount == 0 {
		return nil
	}
	q, _, err := parseQuestion(packet, offset)
	if err != nil {
		return nil
	}
	return &q
}
