// Package fragment implements the oversize-datagram fallback path: when a
// QUIC datagram is larger than one DNS query/response can carry under the
// configured apex's MTU, it is split into headered chunks and reassembled
// on the other side. The normal codec is one-DNS-message-per-datagram
// and never needs this; it exists for deployments that raise
// --redundant-polls against a very restrictive resolver and end up
// wanting to push a datagram past the computed ceiling anyway.
package fragment

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

// HeaderLen is the [PacketID:2][Total:1][Seq:1] fragment header.
const HeaderLen = 4

const completedRetention = 30 * time.Second

// Reassembler reassembles fragmented packets for one peer, discarding
// fragments belonging to already-completed packet ids so a duplicated
// fragment (sent under the redundancy option) can't re-trigger delivery.
type Reassembler struct {
	mu        sync.Mutex
	pending   map[uint16]*partial
	completed map[uint16]time.Time
}

type partial struct {
	chunks   [][]byte
	total    int
	received int
}

func NewReassembler() *Reassembler {
	return &Reassembler{
		pending:   make(map[uint16]*partial),
		completed: make(map[uint16]time.Time),
	}
}

// IngestChunk processes one fragment and returns the full packet once every
// chunk for its packet id has arrived, or nil while still incomplete.
func (r *Reassembler) IngestChunk(data []byte) []byte {
	if len(data) < HeaderLen {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	packetID := binary.BigEndian.Uint16(data[0:2])
	total := int(data[2])
	seq := int(data[3])
	payload := data[HeaderLen:]

	if _, done := r.completed[packetID]; done {
		return nil
	}

	now := time.Now()
	for id, at := range r.completed {
		if now.Sub(at) > completedRetention {
			delete(r.completed, id)
		}
	}

	pkt, ok := r.pending[packetID]
	if !ok {
		if len(r.pending) > 1000 {
			r.pending = make(map[uint16]*partial)
		}
		pkt = &partial{chunks: make([][]byte, total), total: total}
		r.pending[packetID] = pkt
	}

	if seq < pkt.total && pkt.chunks[seq] == nil {
		pkt.chunks[seq] = payload
		pkt.received++
	}

	if pkt.received != pkt.total {
		return nil
	}

	delete(r.pending, packetID)
	r.completed[packetID] = now

	var full []byte
	for _, chunk := range pkt.chunks {
		full = append(full, chunk...)
	}
	return full
}

// Split divides data into headered chunks of at most maxChunk bytes each,
// tagged with a shared random packet id so the reassembler on the other
// end can group them. Split produces one copy per chunk; in redundant
// mode the caller sends every chunk twice, since duplication belongs to
// the transport loop, not the framing layer.
func Split(data []byte, maxChunk int) [][]byte {
	packetID := randomPacketID()

	total := (len(data) + maxChunk - 1) / maxChunk
	if total == 0 {
		total = 1
	}
	if total > 255 {
		total = 255
	}

	chunks := make([][]byte, total)
	for i := 0; i < total; i++ {
		start := i * maxChunk
		end := start + maxChunk
		if end > len(data) {
			end = len(data)
		}

		out := make([]byte, HeaderLen+(end-start))
		binary.BigEndian.PutUint16(out[0:2], packetID)
		out[2] = byte(total)
		out[3] = byte(i)
		copy(out[HeaderLen:], data[start:end])
		chunks[i] = out
	}
	return chunks
}

func randomPacketID() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}
