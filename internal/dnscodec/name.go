package dnscodec

import (
	"encoding/base32"
	"strings"
)

// base32Enc is the no-padding, case-insensitive-on-decode alphabet used to
// turn a raw datagram into DNS label characters.
var base32Enc = base32.StdEncoding.WithPadding(base32.NoPadding)

// encodeBase32 encodes a datagram for use in DNS labels. Decoding is
// case-insensitive (see decodeBase32), so lower-case output is acceptable.
func encodeBase32(data []byte) string {
	return strings.ToLower(base32Enc.EncodeToString(data))
}

func decodeBase32(s string) ([]byte, error) {
	return base32Enc.DecodeString(strings.ToUpper(s))
}

// dotify splits an encoded string into labels of at most maxLabelLen octets,
// preserving order, and joins them with dots.
func dotify(encoded string) string {
	if len(encoded) <= maxLabelLen {
		return encoded
	}
	var b strings.Builder
	for i := 0; i < len(encoded); i += maxLabelLen {
		end := i + maxLabelLen
		if end > len(encoded) {
			end = len(encoded)
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(encoded[i:end])
	}
	return b.String()
}

// undotify concatenates dot-separated labels back into one encoded string.
func undotify(labels string) string {
	return strings.ReplaceAll(labels, ".", "")
}

// parsedName is the result of walking a DNS name starting at some offset in
// a wire-format packet.
type parsedName struct {
	Name      string // dot-joined labels, trailing dot, "." for root
	NextOffset int   // offset immediately following the name (post any pointer jump back-reference)
}

// parseName walks a possibly-compressed DNS name starting at offset start.
func parseName(packet []byte, start int) (parsedName, error) {
	var labels []string
	offset := start
	jumped := false
	endOffset := start
	seen := map[int]bool{}
	depth := 0
	nameLen := 0

	for {
		if offset >= len(packet) {
			return parsedName{}, ErrOutOfRange
		}
		length := int(packet[offset])
		if length&0xC0 == 0xC0 {
			if offset+1 >= len(packet) {
				return parsedName{}, ErrOutOfRange
			}
			ptr := (length&0x3F)<<8 | int(packet[offset+1])
			if ptr >= len(packet) {
				return parsedName{}, ErrOutOfRange
			}
			if seen[ptr] {
				return parsedName{}, ErrPointerLoop
			}
			seen[ptr] = true
			if !jumped {
				endOffset = offset + 2
				jumped = true
			}
			offset = ptr
			depth++
			if depth > maxPointerDepth {
				return parsedName{}, ErrPointerDepthExceeded
			}
			continue
		}
		if length == 0 {
			offset++
			if !jumped {
				endOffset = offset
			}
			break
		}
		if length > maxLabelLen {
			return parsedName{}, ErrLabelTooLong
		}
		offset++
		end := offset + length
		if end > len(packet) {
			return parsedName{}, ErrOutOfRange
		}
		if len(labels) > 0 {
			nameLen++
		}
		nameLen += length
		if nameLen > maxDNSNameLen {
			return parsedName{}, ErrNameTooLong
		}
		labels = append(labels, string(packet[offset:end]))
		offset = end
		if !jumped {
			endOffset = offset
		}
	}

	name := "."
	if len(labels) > 0 {
		name = strings.Join(labels, ".") + "."
	}
	return parsedName{Name: name, NextOffset: endOffset}, nil
}

// encodeName writes name (dot-joined, optionally trailing-dot) as wire-format
// labels terminated by a zero-length root label.
func encodeName(name string, out []byte) ([]byte, error) {
	if name == "." {
		return append(out, 0), nil
	}
	trimmed := strings.TrimSuffix(name, ".")
	nameLen := 0
	first := true
	for _, label := range strings.Split(trimmed, ".") {
		if label == "" {
			return nil, &NameError{Kind: "empty label"}
		}
		if len(label) > maxLabelLen {
			return nil, ErrLabelTooLong
		}
		if !first {
			nameLen++
		}
		nameLen += len(label)
		if nameLen > maxDNSNameLen {
			return nil, ErrNameTooLong
		}
		out = append(out, byte(len(label)))
		out = append(out, label...)
		first = false
	}
	out = append(out, 0)
	return out, nil
}

// matchApex chooses the longest apex in domains that is either an exact
// case-insensitive match for qname, or a suffix of it on a complete label
// boundary. It reports whether the match was exact (no subdomain left).
func matchApex(qname string, domains []string) (apex string, exact bool, ok bool) {
	trimmed := strings.TrimSuffix(qname, ".")
	if trimmed == "" {
		return "", false, false
	}
	lower := strings.ToLower(trimmed)

	bestLen := -1
	for _, d := range domains {
		dTrim := strings.TrimSuffix(d, ".")
		if dTrim == "" {
			continue
		}
		dLower := strings.ToLower(dTrim)

		isExact := lower == dLower
		isSuffix := !isExact &&
			len(lower) > len(dLower) &&
			strings.HasSuffix(lower, dLower) &&
			lower[len(lower)-len(dLower)-1] == '.'

		if !isExact && !isSuffix {
			continue
		}
		if len(dTrim) > bestLen {
			bestLen = len(dTrim)
			apex = dTrim
			exact = isExact
			ok = true
		}
	}
	return apex, exact, ok
}

// extractSubdomain strips the apex suffix (and the joining dot) from qname,
// returning the raw (case-preserved) subdomain label string.
func extractSubdomain(qname, apex string) (string, bool) {
	apex = strings.TrimSuffix(apex, ".")
	if apex == "" {
		return "", false
	}
	suffix := "." + apex + "."
	if !strings.HasSuffix(strings.ToLower(qname), strings.ToLower(suffix)) {
		return "", false
	}
	if len(qname) <= len(apex)+2 {
		return "", false
	}
	dataLen := len(qname) - len(apex) - 2
	sub := qname[:dataLen]
	if sub == "" {
		return "", false
	}
	return sub, true
}

// extractSubdomainMulti applies matchApex + extractSubdomain, mapping
// failures to the RCODE the caller should answer with.
func extractSubdomainMulti(qname string, domains []string) (string, Rcode, error) {
	apex, exact, ok := matchApex(qname, domains)
	if !ok || exact {
		return "", RcodeNameError, &NameError{Kind: "no matching apex"}
	}
	sub, ok := extractSubdomain(qname, apex)
	if !ok {
		return "", RcodeNameError, &NameError{Kind: "no matching apex"}
	}
	return sub, RcodeOK, nil
}
