package kcp

import (
	"bytes"
	"testing"
)

// loopback wires two ARQ engines together with an in-process channel
// pump instead of a real socket, optionally dropping specific
// sequence numbers to exercise retransmission.
type loopback struct {
	a, b   *ARQ
	drop   map[uint32]bool // sequence numbers to drop, keyed by sn parsed from the segment
	dropN  int
	clock  uint32
}

func newLoopback() *loopback {
	lb := &loopback{drop: make(map[uint32]bool)}
	lb.a = New(42, func(buf []byte) { lb.deliver(lb.b, buf) })
	lb.b = New(42, func(buf []byte) { lb.deliver(lb.a, buf) })
	lb.a.SetNoDelay(true, 10, 2, true)
	lb.b.SetNoDelay(true, 10, 2, true)
	return lb
}

func (lb *loopback) deliver(dst *ARQ, buf []byte) {
	sn := parseSN(buf)
	if lb.drop[sn] {
		lb.dropN++
		return
	}
	cp := append([]byte(nil), buf...)
	dst.current = lb.clock
	if err := dst.Input(cp, true); err != nil {
		panic(err)
	}
}

func parseSN(buf []byte) uint32 {
	if len(buf) < overhead {
		return 0
	}
	return uint32(buf[12]) | uint32(buf[13])<<8 | uint32(buf[14])<<16 | uint32(buf[15])<<24
}

func (lb *loopback) tick(n int) {
	for i := 0; i < n; i++ {
		lb.clock += 10
		lb.a.Update(lb.clock)
		lb.b.Update(lb.clock)
	}
}

func TestSendRecvSingleMessage(t *testing.T) {
	lb := newLoopback()
	msg := []byte("hello, reliable world")
	if err := lb.a.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	lb.tick(5)

	buf := make([]byte, 64)
	n, err := lb.b.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("got %q, want %q", buf[:n], msg)
	}
}

func TestSendFragmentsLargeMessage(t *testing.T) {
	lb := newLoopback()
	msg := bytes.Repeat([]byte("x"), int(lb.a.mss)*3+17)
	if err := lb.a.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	lb.tick(20)

	if n := lb.b.PeekSize(); n != len(msg) {
		t.Fatalf("PeekSize = %d, want %d", n, len(msg))
	}
	buf := make([]byte, len(msg))
	n, err := lb.b.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatal("reassembled message mismatch")
	}
}

func TestRecvErrorsWhenNothingArrived(t *testing.T) {
	lb := newLoopback()
	buf := make([]byte, 16)
	if _, err := lb.b.Recv(buf); err != ErrNoData {
		t.Fatalf("Recv = %v, want ErrNoData", err)
	}
}

func TestRecvShortBufferLeavesMessageQueued(t *testing.T) {
	lb := newLoopback()
	msg := []byte("0123456789")
	lb.a.Send(msg)
	lb.tick(5)

	small := make([]byte, 4)
	if _, err := lb.b.Recv(small); err != ErrShortBuffer {
		t.Fatalf("Recv = %v, want ErrShortBuffer", err)
	}
	big := make([]byte, len(msg))
	n, err := lb.b.Recv(big)
	if err != nil || !bytes.Equal(big[:n], msg) {
		t.Fatalf("message should still be retrievable after ErrShortBuffer, got n=%d err=%v", n, err)
	}
}

func TestOutOfOrderArrivalReorders(t *testing.T) {
	lb := newLoopback()
	// drop the first segment so frag 2 (sn=1) arrives before frag 1
	// (sn=0) is retransmitted and accepted.
	lb.drop[0] = true
	msg := bytes.Repeat([]byte("y"), int(lb.a.mss)*2+5)
	if err := lb.a.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	lb.tick(3)
	delete(lb.drop, 0) // allow the retransmit through
	lb.tick(20)

	buf := make([]byte, len(msg))
	n, err := lb.b.Recv(buf)
	if err != nil {
		t.Fatalf("Recv after reorder: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatal("message reassembled out of order incorrectly")
	}
}

func TestFastRetransmitOnSelectiveAck(t *testing.T) {
	lb := newLoopback()
	lb.drop[0] = true // lose the first of several segments

	send := func(i int) {
		msg := bytes.Repeat([]byte{byte('a' + i)}, int(lb.a.mss))
		if err := lb.a.Send(msg); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	// sn 1 and 2 are acked in one datagram, which counts as a single
	// skip of sn 0 (fastack 1).
	for i := 0; i < 3; i++ {
		send(i)
	}
	lb.tick(1)
	delete(lb.drop, 0)
	// the ACK for sn 3 raises sn 0's fastack to the threshold of 2, so
	// sn 0 is resent within a few ticks, well before its 210ms timeout.
	send(3)
	lb.tick(3)

	for i := 0; i < 4; i++ {
		buf := make([]byte, int(lb.a.mss))
		n, err := lb.b.Recv(buf)
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		want := bytes.Repeat([]byte{byte('a' + i)}, int(lb.a.mss))
		if !bytes.Equal(buf[:n], want) {
			t.Fatalf("message %d mismatch", i)
		}
	}
}

func TestTimeoutRetransmitGrowsRTO(t *testing.T) {
	lb := newLoopback()
	lb.a.SetNoDelay(false, 10, 0, false) // disable fast-resend, force RTO-driven retransmit
	lb.drop[0] = true

	lb.a.Send([]byte("will be lost then retried"))
	rtoBefore := lb.a.rxRto
	lb.tick(1)
	seg := lb.a.sndBuf[0]
	xmitBefore := seg.xmit

	// advance well past the segment's resend deadline several times
	for i := 0; i < 5; i++ {
		lb.clock += 500
		lb.a.Update(lb.clock)
	}
	delete(lb.drop, 0)
	lb.tick(5)

	if lb.a.sndBuf != nil && len(lb.a.sndBuf) > 0 {
		if lb.a.sndBuf[0].xmit <= xmitBefore {
			t.Fatalf("expected xmit count to grow, got %d (was %d)", lb.a.sndBuf[0].xmit, xmitBefore)
		}
	}
	if seg.rto <= rtoBefore {
		t.Fatalf("segment rto should grow after timeouts: %d -> %d", rtoBefore, seg.rto)
	}
	if lb.a.rxRto < rtoBefore {
		t.Fatalf("rxRto should not shrink after a timeout: %d -> %d", rtoBefore, lb.a.rxRto)
	}
}

func TestSetMTURejectsTooSmall(t *testing.T) {
	k := New(1, func([]byte) {})
	if err := k.SetMTU(10); err != ErrInvalidMTU {
		t.Fatalf("SetMTU(10) = %v, want ErrInvalidMTU", err)
	}
}

func TestSendRejectsEmptyBuffer(t *testing.T) {
	k := New(1, func([]byte) {})
	if err := k.Send(nil); err != ErrEmptySend {
		t.Fatalf("Send(nil) = %v, want ErrEmptySend", err)
	}
}

func TestGetConvRejectsShortDatagram(t *testing.T) {
	if _, err := GetConv([]byte{1, 2}); err != ErrShortHeader {
		t.Fatalf("GetConv = %v, want ErrShortHeader", err)
	}
}

func TestInputRejectsConvMismatch(t *testing.T) {
	k := New(1, func([]byte) {})
	other := New(2, func([]byte) {})
	var sent []byte
	other.output = func(buf []byte) { sent = append([]byte(nil), buf...) }
	other.Send([]byte("hi"))
	other.flush(0)
	if err := k.Input(sent, true); err != ErrConvMismatch {
		t.Fatalf("Input = %v, want ErrConvMismatch", err)
	}
}

func TestDeadLinkFlipsState(t *testing.T) {
	lb := newLoopback()
	lb.a.deadLink = 3
	lb.a.SetNoDelay(false, 10, 0, false)
	// drop everything so every retransmit fails, forever.
	for sn := uint32(0); sn < 100; sn++ {
		lb.drop[sn] = true
	}
	lb.a.Send([]byte("never arrives"))
	for i := 0; i < 50 && lb.a.State(); i++ {
		lb.clock += 1000
		lb.a.Update(lb.clock)
	}
	if lb.a.State() {
		t.Fatal("expected State() to be false after repeated retransmit failures")
	}
}
