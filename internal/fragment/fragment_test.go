package fragment

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestSplitAndReassembleRoundTrip(t *testing.T) {
	data := make([]byte, 1000)
	rand.New(rand.NewSource(1)).Read(data)

	chunks := Split(data, 124)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	r := NewReassembler()
	var full []byte
	for _, c := range chunks {
		if out := r.IngestChunk(c); out != nil {
			full = out
		}
	}
	if !bytes.Equal(full, data) {
		t.Fatal("reassembled packet does not match original")
	}
}

func TestReassemblerIgnoresOutOfOrderAndDuplicateChunks(t *testing.T) {
	data := []byte("hello fragmented world, this is a longer payload than one chunk")
	chunks := Split(data, 16)

	r := NewReassembler()
	// feed in reverse, then again (duplicates)
	var full []byte
	for i := len(chunks) - 1; i >= 0; i-- {
		if out := r.IngestChunk(chunks[i]); out != nil {
			full = out
		}
	}
	if !bytes.Equal(full, data) {
		t.Fatal("out-of-order reassembly failed")
	}

	for _, c := range chunks {
		if out := r.IngestChunk(c); out != nil {
			t.Fatal("expected duplicate fragments of a completed packet to be ignored")
		}
	}
}

func TestIngestChunkRejectsShortData(t *testing.T) {
	r := NewReassembler()
	if out := r.IngestChunk([]byte{0x01, 0x02}); out != nil {
		t.Fatal("expected nil for undersize fragment")
	}
}
