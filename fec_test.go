package kcp

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildDataEnvelope wraps payload the way session.output does for a
// live (non-recovered) shard: a 6-byte FEC header followed by a
// 2-byte length-including-self word and the payload itself. This is
// what travels on the wire and what FEC.Input is fed.
func buildDataEnvelope(f *FEC, payload []byte) []byte {
	buf := make([]byte, fecHeaderSizePlus2+len(payload))
	copy(buf[fecHeaderSizePlus2:], payload)
	f.markData(buf, len(payload))
	return buf
}

// buildParityEnvelope wraps an RS-computed parity payload (which
// must NOT include the 6-byte header - the header is never part of
// the erasure-coded data) with its own fresh header.
func buildParityEnvelope(f *FEC, parityPayload []byte) []byte {
	buf := make([]byte, fecHeaderSize+len(parityPayload))
	copy(buf[fecHeaderSize:], parityPayload)
	f.markFEC(buf)
	return buf
}

func TestFECRecoversOneDroppedDataShard(t *testing.T) {
	const k, m = 3, 1
	enc, err := NewFEC(3*(k+m), k, m)
	if err != nil {
		t.Fatalf("NewFEC: %v", err)
	}
	dec, err := NewFEC(3*(k+m), k, m)
	if err != nil {
		t.Fatalf("NewFEC: %v", err)
	}

	payloads := [][]byte{
		[]byte("shard-zero"),
		[]byte("shard-one-is-longer"),
		[]byte("two"),
	}

	envelopes := make([][]byte, k)
	rsShards := make([][]byte, k+m)
	maxlen := 0
	for i, p := range payloads {
		envelopes[i] = buildDataEnvelope(enc, p)
		payload := envelopes[i][fecHeaderSize:]
		if len(payload) > maxlen {
			maxlen = len(payload)
		}
		rsShards[i] = payload
	}
	for i := range rsShards[:k] {
		padded := make([]byte, maxlen)
		copy(padded, rsShards[i])
		rsShards[i] = padded
	}
	if err := enc.Encode(rsShards); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	parityEnvelope := buildParityEnvelope(enc, rsShards[k])

	now := uint32(1000)
	if r := dec.Input(envelopes[0], now); len(r) != 0 {
		t.Fatalf("unexpected recovery after shard 0: %v", r)
	}
	// envelopes[1] dropped
	if r := dec.Input(envelopes[2], now); len(r) != 0 {
		t.Fatalf("unexpected recovery after shard 2: %v", r)
	}
	recovered := dec.Input(parityEnvelope, now)
	if len(recovered) != 1 {
		t.Fatalf("expected exactly one recovered shard, got %d", len(recovered))
	}
	if !bytes.Equal(recovered[0], payloads[1]) {
		t.Fatalf("recovered %q, want %q", recovered[0], payloads[1])
	}
}

func TestFECNoRecoveryNeededWhenNothingLost(t *testing.T) {
	const k, m = 2, 1
	enc, _ := NewFEC(3*(k+m), k, m)
	dec, _ := NewFEC(3*(k+m), k, m)

	envelopes := []([]byte){
		buildDataEnvelope(enc, []byte("aaa")),
		buildDataEnvelope(enc, []byte("bb")),
	}
	maxlen := 0
	rsShards := make([][]byte, k+m)
	for i, e := range envelopes {
		rsShards[i] = e[fecHeaderSize:]
		if len(rsShards[i]) > maxlen {
			maxlen = len(rsShards[i])
		}
	}
	for i := 0; i < k; i++ {
		padded := make([]byte, maxlen)
		copy(padded, rsShards[i])
		rsShards[i] = padded
	}
	enc.Encode(rsShards)
	parityEnvelope := buildParityEnvelope(enc, rsShards[k])

	for _, e := range envelopes {
		if r := dec.Input(e, 0); len(r) != 0 {
			t.Fatalf("unexpected recovery with no loss: %v", r)
		}
	}
	if r := dec.Input(parityEnvelope, 0); len(r) != 0 {
		t.Fatalf("parity arriving last with all data present should recover nothing: %v", r)
	}
}

func TestFECDuplicateShardIgnored(t *testing.T) {
	const k, m = 2, 1
	enc, _ := NewFEC(3*(k+m), k, m)
	dec, _ := NewFEC(3*(k+m), k, m)
	envelope := buildDataEnvelope(enc, []byte("x"))

	dec.Input(envelope, 0)
	before := len(dec.rx)
	dec.Input(append([]byte(nil), envelope...), 0)
	if len(dec.rx) != before {
		t.Fatalf("duplicate seqid should not grow rx: before=%d after=%d", before, len(dec.rx))
	}
}

func TestFECEmptyRxGuard(t *testing.T) {
	// the reference source computes "rx.size()-1" on an empty,
	// size_t-typed vector and underflows; this must not panic here.
	const k, m = 2, 1
	dec, _ := NewFEC(3*(k+m), k, m)
	envelope := buildDataEnvelope(dec, []byte("first ever packet"))
	if r := dec.Input(envelope, 0); len(r) != 0 {
		t.Fatalf("unexpected recovery: %v", r)
	}
}

func TestFECExpiresStaleShards(t *testing.T) {
	const k, m = 3, 1
	dec, _ := NewFEC(3*(k+m), k, m)
	envelope := buildDataEnvelope(dec, []byte("stale"))
	staleSeqid := binary.LittleEndian.Uint32(envelope)
	dec.Input(envelope, 0)
	if len(dec.rx) != 1 {
		t.Fatalf("expected 1 pending shard, got %d", len(dec.rx))
	}

	other := buildDataEnvelope(dec, []byte("much later"))
	dec.Input(other, fecExpire+1)
	for _, p := range dec.rx {
		if p.seqid == staleSeqid {
			t.Fatal("expired shard should have been swept")
		}
	}
}

func TestMarkFECWrapsNextAtPAWS(t *testing.T) {
	f, _ := NewFEC(3, 1, 1)
	f.next = f.paws - 1
	buf := make([]byte, fecHeaderSizePlus2)
	f.markFEC(buf)
	if f.next != 0 {
		t.Fatalf("next should wrap to 0 at paws, got %d", f.next)
	}
}

func TestUnpadDataShardRoundTrip(t *testing.T) {
	payload := []byte("round trip me")
	buf := make([]byte, 2+len(payload)+5) // +5 padding
	binary.LittleEndian.PutUint16(buf, uint16(len(payload)+2))
	copy(buf[2:], payload)
	got := unpadDataShard(buf)
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestNewFECRejectsInvalidShardCounts(t *testing.T) {
	if _, err := NewFEC(10, 0, 1); err != ErrInvalidFECParams {
		t.Fatalf("NewFEC with dataShards=0 = %v, want ErrInvalidFECParams", err)
	}
	if _, err := NewFEC(10, 1, 0); err != ErrInvalidFECParams {
		t.Fatalf("NewFEC with parityShards=0 = %v, want ErrInvalidFECParams", err)
	}
}
