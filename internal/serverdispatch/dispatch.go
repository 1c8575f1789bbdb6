// Package serverdispatch implements the server's inbound UDP
// classification cascade.
package serverdispatch

import (
	"net"

	"github.com/rs/zerolog/log"

	"slipstream-go/internal/dnscodec"
	"slipstream-go/internal/fallback"
)

// TransportResult is returned by Ops.FeedToTransport.
type TransportResult struct {
	// Handled is true if an existing connection consumed the payload.
	Handled bool
	// UnknownDCID holds the destination connection id when the transport
	// could not find a matching connection.
	UnknownDCID []byte
}

// Ops are the collaborators the dispatch cascade needs: the transport
// (accessed through a narrow feed-or-reject interface), the fallback
// classification/session stores, and the actual fallback socket forward.
type Ops struct {
	FeedToTransport func(payload []byte, peer *net.UDPAddr) TransportResult
	StatelessReset   func(dcid []byte) ([]byte, bool)
	Classification   *fallback.ClassificationStore
	Sessions         *fallback.SessionStore
	ForwardFallback  func(peer *net.UDPAddr, data []byte) error
	FallbackAddr     *net.UDPAddr
}

// Outcome is the result of classifying one inbound datagram.
type Outcome struct {
	// ResponsePacket, if non-nil, should be sent back to Peer verbatim
	// (used only for the unknown-DCID stateless-reset-as-DNS-response
	// path and the RCODE-reply path; the "normal" post-decode response
	// is produced later by the per-connection packet-prepare sweep).
	ResponsePacket []byte
	Forwarded      bool
	Dropped        bool
}

// Dispatcher runs the classification cascade for one inbound datagram.
type Dispatcher struct {
	Domains []string
	Ops     Ops
}

// HandleDatagram classifies and acts on one inbound UDP datagram from
// peer.
func (d *Dispatcher) HandleDatagram(peer *net.UDPAddr, data []byte) Outcome {
	// Step 1: active fallback session check.
	if sess, ok := d.Ops.Sessions.Get(peer.String()); ok {
		if _, err := sess.Conn.Write(data); err != nil {
			log.Debug().Str("peer", peer.String()).Err(err).Msg("serverdispatch: fallback session forward failed")
		}
		return Outcome{Forwarded: true}
	}

	query, err := dnscodec.DecodeQuery(data, d.Domains)
	if err == nil {
		return d.handleDecodeSuccess(peer, query)
	}

	if _, isDrop := err.(dnscodec.DropReason); isDrop {
		return d.handleDrop(peer, data)
	}

	if replyErr, ok := err.(*dnscodec.ReplyError); ok {
		return d.handleReply(peer, data, replyErr)
	}

	return Outcome{Dropped: true}
}

func (d *Dispatcher) handleDecodeSuccess(peer *net.UDPAddr, query *dnscodec.DecodedQuery) Outcome {
	d.Ops.Classification.MarkDNSClassified(peer.String())

	result := d.Ops.FeedToTransport(query.Payload, peer)
	if result.Handled {
		return Outcome{}
	}

	if result.UnknownDCID == nil {
		return Outcome{}
	}

	resetPayload, produced := d.Ops.StatelessReset(result.UnknownDCID)
	if !produced {
		// No response slot, but the peer is still marked DNS-classified.
		return Outcome{}
	}

	packet, encErr := dnscodec.EncodeResponse(dnscodec.ResponseParams{
		ID:       query.ID,
		RD:       query.RD,
		CD:       query.CD,
		Question: query.Question,
		Payload:  resetPayload,
	})
	if encErr != nil {
		log.Debug().Err(encErr).Msg("serverdispatch: encode stateless-reset response failed")
		return Outcome{}
	}
	return Outcome{ResponsePacket: packet}
}

func (d *Dispatcher) handleDrop(peer *net.UDPAddr, data []byte) Outcome {
	decision := d.Ops.Classification.ClassifyDrop(peer.String())
	switch decision {
	case fallback.CreateSessionAndForward, fallback.DemoteAndForward:
		d.forwardToFallback(peer, data)
		return Outcome{Forwarded: true}
	default:
		return Outcome{Dropped: true}
	}
}

func (d *Dispatcher) handleReply(peer *net.UDPAddr, data []byte, replyErr *dnscodec.ReplyError) Outcome {
	// An empty-question FORMERR is fallback-eligible rather than replied
	// to: QDCOUNT=0 packets are often non-DNS protocols that happen to
	// parse a 12-byte header.
	if replyErr.Rcode == dnscodec.RcodeFormatError && replyErr.Question == nil {
		return d.handleDrop(peer, data)
	}

	d.Ops.Classification.MarkDNSClassified(peer.String())

	q := dnscodec.Question{Name: ".", QType: 16, QClass: 1}
	if replyErr.Question != nil {
		q = *replyErr.Question
	}
	rc := replyErr.Rcode
	packet, err := dnscodec.EncodeResponse(dnscodec.ResponseParams{
		ID:       replyErr.ID,
		RD:       replyErr.RD,
		CD:       replyErr.CD,
		Question: q,
		Rcode:    &rc,
	})
	if err != nil {
		log.Debug().Err(err).Msg("serverdispatch: encode rcode response failed")
		return Outcome{Dropped: true}
	}
	return Outcome{ResponsePacket: packet}
}

func (d *Dispatcher) forwardToFallback(peer *net.UDPAddr, data []byte) {
	if d.Ops.FallbackAddr == nil {
		return
	}
	sess, _, err := d.Ops.Sessions.GetOrCreate(peer, d.Ops.FallbackAddr)
	if err != nil {
		log.Debug().Str("peer", peer.String()).Err(err).Msg("serverdispatch: fallback session dial failed")
		return
	}
	if _, err := sess.Conn.Write(data); err != nil {
		log.Debug().Str("peer", peer.String()).Err(err).Msg("serverdispatch: fallback forward failed")
	}
}
