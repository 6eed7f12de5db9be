// Package kcp implements a reliable, ordered, selective-repeat ARQ
// transport over an unreliable datagram channel, plus an optional
// Reed-Solomon FEC shim (see fec.go) that recovers lost datagrams
// without a round trip. The engine in this file reasons only about
// opaque byte payloads; it knows nothing about sockets, addresses or
// encryption - see session.go for the layer that wires it to a real
// net.PacketConn.
package kcp

import (
	"encoding/binary"
)

const (
	rtoNoDelay   = 30  // no-delay minimum RTO
	rtoMin       = 100 // normal minimum RTO
	rtoDefault   = 200
	rtoMax       = 60000
	cmdPush      = 81 // push data
	cmdAck       = 82 // acknowledge
	cmdWindowAsk = 83 // window probe (ask)
	cmdWindowIns = 84 // window size (tell)
	askSend      = 1 // need to send cmdWindowAsk
	askTell      = 2 // need to send cmdWindowIns
	wndSendDef   = 32
	wndRecvDef   = 32
	mtuDefault   = 1400
	overhead     = 24 // size of the wire header
	deadLinkDef  = 20
	threshInit   = 2
	threshMin    = 2
	probeInit    = 7000   // 7s to first window probe
	probeLimit   = 120000 // up to 120s between window probes
)

// Output is invoked by flush whenever it has a datagram ready to
// leave this session. The socket, peer address and any per-session
// user context are expected to be captured in the closure the caller
// supplies at construction (see Design Notes: "mutable callback
// state"), not threaded through this call.
type Output func(buf []byte)

// segment is the unit of reliable transmission: a PUSH/ACK/WASK/WINS
// header plus an owned payload slice. Fields below the dashed line
// never travel on the wire; they are bookkeeping for the sender.
type segment struct {
	conv uint32
	cmd  uint8
	frg  uint8
	wnd  uint16
	ts   uint32
	sn   uint32
	una  uint32
	data []byte
	// ---- sender-local bookkeeping, never serialized ----
	resendts uint32
	rto      uint32
	fastack  uint32
	xmit     uint32
}

// encode writes the 24-byte wire header followed by the payload into
// ptr, returning the remaining unwritten slice.
func (seg *segment) encode(ptr []byte) []byte {
	binary.LittleEndian.PutUint32(ptr, seg.conv)
	ptr[4] = seg.cmd
	ptr[5] = seg.frg
	binary.LittleEndian.PutUint16(ptr[6:], seg.wnd)
	binary.LittleEndian.PutUint32(ptr[8:], seg.ts)
	binary.LittleEndian.PutUint32(ptr[12:], seg.sn)
	binary.LittleEndian.PutUint32(ptr[16:], seg.una)
	binary.LittleEndian.PutUint32(ptr[20:], uint32(len(seg.data)))
	return ptr[overhead:]
}

type ackItem struct {
	sn uint32
	ts uint32
}

// ARQ is a single reliable connection's worth of state: windows, RTO
// estimation, congestion window, fast-retransmit bookkeeping and the
// four ordered segment lists. It is not safe for concurrent use; the
// embedder must serialize Send/Recv/Input/Update/Check (see session.go
// for a goroutine-safe wrapper around a real socket).
type ARQ struct {
	conv, mtu, mss uint32
	state          bool // true while alive; false once dead-linked

	sndUna, sndNxt, rcvNxt uint32

	ssthresh uint32

	rxRttvar, rxSrtt int32
	rxRto, rxMinrto  uint32

	sndWnd, rcvWnd, rmtWnd, cwnd, probe uint32

	interval, tsFlush, xmit uint32

	nodelay bool
	updated bool

	tsProbe, probeWait uint32

	deadLink, incr uint32

	// current mirrors the most recent timestamp passed to Update. The
	// reference source reasons about "now" only inside ikcp_update,
	// and ikcp_input/ikcp_flush read that cached value rather than a
	// fresh clock sample - callers are expected to pump Update often
	// enough that the staleness is immaterial.
	current uint32

	fastresend int32
	nocwnd     bool
	stream     bool

	sndQueue []*segment
	rcvQueue []*segment
	sndBuf   []*segment
	rcvBuf   []*segment

	acklist []ackItem

	buffer []byte
	output Output
	alloc  Allocator
}

// Option configures an ARQ engine at construction time.
type Option func(*ARQ)

// WithAllocator overrides the default pool-backed segment allocator.
func WithAllocator(a Allocator) Option {
	return func(k *ARQ) { k.alloc = a }
}

// New creates an ARQ engine for conversation id conv. output is
// invoked synchronously from flush whenever a datagram is ready.
func New(conv uint32, output Output, opts ...Option) *ARQ {
	k := &ARQ{
		conv:     conv,
		sndWnd:   wndSendDef,
		rcvWnd:   wndRecvDef,
		rmtWnd:   wndRecvDef,
		mtu:      mtuDefault,
		rxRto:    rtoDefault,
		rxMinrto: rtoMin,
		interval: uint32(intervalDefault),
		tsFlush:  uint32(intervalDefault),
		ssthresh: threshInit,
		cwnd:     1,
		deadLink: deadLinkDef,
		output:   output,
		state:    true,
	}
	k.mss = k.mtu - overhead
	for _, opt := range opts {
		opt(k)
	}
	if k.alloc == nil {
		k.alloc = NewPoolAllocator(int((k.mtu + overhead) * 3))
	}
	k.buffer = make([]byte, (k.mtu+overhead)*3)
	return k
}

const intervalDefault = 100

func (k *ARQ) newSegment(size int) *segment {
	return &segment{data: k.alloc.Get(size)[:size]}
}

func (k *ARQ) delSegment(seg *segment) {
	if seg.data != nil {
		k.alloc.Put(seg.data)
		seg.data = nil
	}
}

// PeekSize reports the length of the next complete message in
// rcv_queue, or -1 if none is ready yet (queue empty, or the head
// fragment's successors have not all arrived).
func (k *ARQ) PeekSize() (length int) {
	if len(k.rcvQueue) == 0 {
		return -1
	}
	seg := k.rcvQueue[0]
	if seg.frg == 0 {
		return len(seg.data)
	}
	if len(k.rcvQueue) < int(seg.frg)+1 {
		return -1
	}
	for _, seg := range k.rcvQueue {
		length += len(seg.data)
		if seg.frg == 0 {
			break
		}
	}
	return length
}

// Recv copies the next complete message into buf.
func (k *ARQ) Recv(buf []byte) (int, error) {
	if len(k.rcvQueue) == 0 {
		return 0, ErrNoData
	}
	peeksize := k.PeekSize()
	if peeksize < 0 {
		return 0, ErrFragmentIncomplete
	}
	if peeksize > len(buf) {
		return 0, ErrShortBuffer
	}

	fastRecover := len(k.rcvQueue) >= int(k.rcvWnd)

	n := 0
	count := 0
	for _, seg := range k.rcvQueue {
		copy(buf[n:], seg.data)
		n += len(seg.data)
		count++
		k.delSegment(seg)
		if seg.frg == 0 {
			break
		}
	}
	k.rcvQueue = k.rcvQueue[count:]

	// move available data from rcv_buf -> rcv_queue
	count = 0
	for _, seg := range k.rcvBuf {
		if seg.sn == k.rcvNxt && len(k.rcvQueue)+count < int(k.rcvWnd) {
			k.rcvNxt++
			count++
		} else {
			break
		}
	}
	k.rcvQueue = append(k.rcvQueue, k.rcvBuf[:count]...)
	k.rcvBuf = k.rcvBuf[count:]

	if len(k.rcvQueue) < int(k.rcvWnd) && fastRecover {
		k.probe |= askTell
	}
	return n, nil
}

// Send segments buf for reliable delivery, appending to snd_queue.
// Sequence numbers are not assigned here - only on admission to
// snd_buf during flush.
func (k *ARQ) Send(buf []byte) error {
	if len(buf) == 0 {
		return ErrEmptySend
	}

	if k.stream {
		if n := len(k.sndQueue); n > 0 {
			old := k.sndQueue[n-1]
			if len(old.data) < int(k.mss) {
				capacity := int(k.mss) - len(old.data)
				extend := capacity
				if len(buf) < capacity {
					extend = len(buf)
				}
				merged := k.newSegment(len(old.data) + extend)
				merged.frg = 0
				copy(merged.data, old.data)
				copy(merged.data[len(old.data):], buf[:extend])
				buf = buf[extend:]
				k.delSegment(old)
				k.sndQueue[n-1] = merged
			}
		}
		if len(buf) == 0 {
			return nil
		}
	}

	var count int
	if len(buf) <= int(k.mss) {
		count = 1
	} else {
		count = (len(buf) + int(k.mss) - 1) / int(k.mss)
	}
	if count > 255 {
		return ErrTooManyFragments
	}
	if count == 0 {
		count = 1
	}

	for i := 0; i < count; i++ {
		size := int(k.mss)
		if len(buf) < size {
			size = len(buf)
		}
		seg := k.newSegment(size)
		copy(seg.data, buf[:size])
		if !k.stream {
			seg.frg = uint8(count - i - 1)
		}
		k.sndQueue = append(k.sndQueue, seg)
		buf = buf[size:]
	}
	return nil
}

func (k *ARQ) updateAck(rtt int32) {
	// Jacobson/Karels RTT estimation, RFC 6298 flavor.
	if k.rxSrtt == 0 {
		k.rxSrtt = rtt
		k.rxRttvar = rtt >> 1
	} else {
		delta := rtt - k.rxSrtt
		if delta < 0 {
			delta = -delta
		}
		k.rxRttvar += (delta - k.rxRttvar) >> 2
		k.rxSrtt += (rtt - k.rxSrtt) >> 3
		if k.rxSrtt < 1 {
			k.rxSrtt = 1
		}
	}
	rto := uint32(k.rxSrtt) + maxu32(k.interval, uint32(k.rxRttvar)<<2)
	k.rxRto = bound32(k.rxMinrto, rto, rtoMax)
}

func (k *ARQ) shrinkBuf() {
	if len(k.sndBuf) > 0 {
		k.sndUna = k.sndBuf[0].sn
	} else {
		k.sndUna = k.sndNxt
	}
}

func (k *ARQ) parseAck(sn uint32) {
	if timeDiff(sn, k.sndUna) < 0 || timeDiff(sn, k.sndNxt) >= 0 {
		return
	}
	for i, seg := range k.sndBuf {
		if sn == seg.sn {
			k.delSegment(seg)
			k.sndBuf = append(k.sndBuf[:i], k.sndBuf[i+1:]...)
			break
		}
		if timeDiff(sn, seg.sn) < 0 {
			break
		}
	}
}

func (k *ARQ) parseFastack(sn uint32) {
	if timeDiff(sn, k.sndUna) < 0 || timeDiff(sn, k.sndNxt) >= 0 {
		return
	}
	for _, seg := range k.sndBuf {
		if timeDiff(sn, seg.sn) < 0 {
			break
		} else if sn != seg.sn {
			seg.fastack++
		}
	}
}

func (k *ARQ) parseUna(una uint32) {
	count := 0
	for _, seg := range k.sndBuf {
		if timeDiff(una, seg.sn) > 0 {
			k.delSegment(seg)
			count++
		} else {
			break
		}
	}
	k.sndBuf = k.sndBuf[count:]
}

func (k *ARQ) ackPush(sn, ts uint32) {
	k.acklist = append(k.acklist, ackItem{sn, ts})
}

// parseData inserts newseg into rcv_buf in sn order (dropping exact
// duplicates), then promotes any now-contiguous prefix into rcv_queue.
func (k *ARQ) parseData(newseg *segment) {
	sn := newseg.sn
	if timeDiff(sn, k.rcvNxt+k.rcvWnd) >= 0 || timeDiff(sn, k.rcvNxt) < 0 {
		k.delSegment(newseg)
		return
	}

	insertIdx := len(k.rcvBuf)
	repeat := false
	for i := len(k.rcvBuf) - 1; i >= 0; i-- {
		seg := k.rcvBuf[i]
		if seg.sn == sn {
			repeat = true
			break
		}
		if timeDiff(sn, seg.sn) > 0 {
			insertIdx = i + 1
			break
		}
		insertIdx = i
	}

	if repeat {
		k.delSegment(newseg)
	} else {
		k.rcvBuf = append(k.rcvBuf, nil)
		copy(k.rcvBuf[insertIdx+1:], k.rcvBuf[insertIdx:])
		k.rcvBuf[insertIdx] = newseg
	}

	count := 0
	for _, seg := range k.rcvBuf {
		if seg.sn == k.rcvNxt && len(k.rcvQueue)+count < int(k.rcvWnd) {
			k.rcvNxt++
			count++
		} else {
			break
		}
	}
	k.rcvQueue = append(k.rcvQueue, k.rcvBuf[:count]...)
	k.rcvBuf = k.rcvBuf[count:]
}

// Input parses one or more concatenated segments out of data. regular
// distinguishes a packet that arrived on the wire as-is from one
// recovered by the FEC shim: only regular packets are trusted to
// update rmt_wnd and feed fast-retransmit counting, since a recovered
// packet may be stale relative to one the peer has already
// superseded.
func (k *ARQ) Input(data []byte, regular bool) error {
	if len(data) < overhead {
		return ErrShortHeader
	}

	now := k.current
	una := k.sndUna
	var maxack uint32
	var sawAck bool

	for len(data) >= overhead {
		conv := binary.LittleEndian.Uint32(data)
		if conv != k.conv {
			return ErrConvMismatch
		}
		cmd := data[4]
		frg := data[5]
		wnd := binary.LittleEndian.Uint16(data[6:])
		ts := binary.LittleEndian.Uint32(data[8:])
		sn := binary.LittleEndian.Uint32(data[12:])
		segUna := binary.LittleEndian.Uint32(data[16:])
		length := binary.LittleEndian.Uint32(data[20:])
		data = data[overhead:]
		if uint32(len(data)) < length {
			return ErrTruncatedPayload
		}

		if cmd != cmdPush && cmd != cmdAck && cmd != cmdWindowAsk && cmd != cmdWindowIns {
			return ErrUnknownCmd
		}

		if regular {
			k.rmtWnd = uint32(wnd)
		}
		k.parseUna(segUna)
		k.shrinkBuf()

		switch cmd {
		case cmdAck:
			if timeDiff(now, ts) >= 0 {
				k.updateAck(timeDiff(now, ts))
			}
			k.parseAck(sn)
			k.shrinkBuf()
			if !sawAck {
				sawAck = true
				maxack = sn
			} else if timeDiff(sn, maxack) > 0 {
				maxack = sn
			}
		case cmdPush:
			if timeDiff(sn, k.rcvNxt+k.rcvWnd) < 0 {
				k.ackPush(sn, ts)
				if timeDiff(sn, k.rcvNxt) >= 0 {
					seg := k.newSegment(int(length))
					seg.conv = conv
					seg.cmd = cmd
					seg.frg = frg
					seg.wnd = wnd
					seg.ts = ts
					seg.sn = sn
					seg.una = segUna
					copy(seg.data, data[:length])
					k.parseData(seg)
				}
			}
		case cmdWindowAsk:
			k.probe |= askTell
		case cmdWindowIns:
			// no state change: the rmt_wnd update above suffices.
		}

		data = data[length:]
	}

	if sawAck && regular {
		k.parseFastack(maxack)
	}

	if timeDiff(k.sndUna, una) > 0 && k.cwnd < k.rmtWnd {
		mss := k.mss
		if k.cwnd < k.ssthresh {
			k.cwnd++
			k.incr += mss
		} else {
			if k.incr < mss {
				k.incr = mss
			}
			k.incr += (mss*mss)/k.incr + mss/16
			if (k.cwnd+1)*mss <= k.incr {
				k.cwnd++
			}
		}
		if k.cwnd > k.rmtWnd {
			k.cwnd = k.rmtWnd
			k.incr = k.rmtWnd * mss
		}
	}
	return nil
}

func (k *ARQ) wndUnused() uint16 {
	if len(k.rcvQueue) < int(k.rcvWnd) {
		return uint16(int(k.rcvWnd) - len(k.rcvQueue))
	}
	return 0
}

// flush is the sender's heartbeat: emit pending ACKs, window probes,
// admit snd_queue into snd_buf under the congestion/remote window,
// and (re)transmit everything in snd_buf that is due.
func (k *ARQ) flush(now uint32) {
	buffer := k.buffer
	change := 0
	lost := false

	probeSeg := segment{conv: k.conv, cmd: cmdAck, wnd: k.wndUnused(), una: k.rcvNxt}

	ptr := buffer
	flushBuf := func() {
		size := len(buffer) - len(ptr)
		if size > 0 {
			k.output(buffer[:size])
		}
		ptr = buffer
	}

	// emit acknowledges
	for _, ack := range k.acklist {
		if len(ptr) < overhead {
			flushBuf()
		}
		probeSeg.sn, probeSeg.ts = ack.sn, ack.ts
		ptr = probeSeg.encode(ptr)
	}
	k.acklist = nil

	// window probe
	if k.rmtWnd == 0 {
		if k.probeWait == 0 {
			k.probeWait = probeInit
			k.tsProbe = now + k.probeWait
		} else if timeDiff(now, k.tsProbe) >= 0 {
			if k.probeWait < probeInit {
				k.probeWait = probeInit
			}
			k.probeWait += k.probeWait / 2
			if k.probeWait > probeLimit {
				k.probeWait = probeLimit
			}
			k.tsProbe = now + k.probeWait
			k.probe |= askSend
		}
	} else {
		k.tsProbe = 0
		k.probeWait = 0
	}

	if k.probe&askSend != 0 {
		probeSeg.cmd = cmdWindowAsk
		if len(buffer)-len(ptr)+overhead > int(k.mtu) {
			flushBuf()
		}
		ptr = probeSeg.encode(ptr)
	}
	if k.probe&askTell != 0 {
		probeSeg.cmd = cmdWindowIns
		if len(buffer)-len(ptr)+overhead > int(k.mtu) {
			flushBuf()
		}
		ptr = probeSeg.encode(ptr)
	}
	k.probe = 0

	// calculate window size
	cwnd := minu32(k.sndWnd, k.rmtWnd)
	if !k.nocwnd {
		cwnd = minu32(k.cwnd, cwnd)
	}

	// admit snd_queue -> snd_buf
	newSegs := 0
	for _, seg := range k.sndQueue {
		if timeDiff(k.sndNxt, k.sndUna+cwnd) >= 0 {
			break
		}
		seg.conv = k.conv
		seg.cmd = cmdPush
		seg.sn = k.sndNxt
		k.sndBuf = append(k.sndBuf, seg)
		k.sndNxt++
		newSegs++
	}
	k.sndQueue = k.sndQueue[newSegs:]

	resent := uint32(k.fastresend)
	if k.fastresend <= 0 {
		resent = 0xffffffff
	}

	// send freshly-admitted segments
	firstNew := len(k.sndBuf) - newSegs
	for i := firstNew; i < len(k.sndBuf); i++ {
		seg := k.sndBuf[i]
		seg.xmit++
		seg.rto = k.rxRto
		rtomin := uint32(0)
		if !k.nodelay {
			rtomin = seg.rto / 8
		}
		seg.resendts = now + seg.rto + rtomin
		seg.ts = now
		seg.wnd = probeSeg.wnd
		seg.una = k.rcvNxt

		need := overhead + len(seg.data)
		if len(buffer)-len(ptr)+need > int(k.mtu) {
			flushBuf()
		}
		ptr = seg.encode(ptr)
		n := copy(ptr, seg.data)
		ptr = ptr[n:]
	}

	// walk the rest of snd_buf deciding retransmission
	for i := 0; i < firstNew; i++ {
		seg := k.sndBuf[i]
		needsend := false
		if timeDiff(now, seg.resendts) >= 0 {
			needsend = true
			seg.xmit++
			k.xmit++
			if !k.nodelay {
				seg.rto += k.rxRto
			} else {
				seg.rto += k.rxRto / 2
			}
			seg.resendts = now + seg.rto
			lost = true
		} else if seg.fastresendEligible(resent) {
			needsend = true
			seg.xmit++
			seg.fastack = 0
			seg.rto = k.rxRto
			seg.resendts = now + seg.rto
			change++
		}

		if needsend {
			seg.ts = now
			seg.wnd = probeSeg.wnd
			seg.una = k.rcvNxt

			need := overhead + len(seg.data)
			if len(buffer)-len(ptr)+need > int(k.mtu) {
				flushBuf()
			}
			ptr = seg.encode(ptr)
			n := copy(ptr, seg.data)
			ptr = ptr[n:]

			if seg.xmit >= k.deadLink {
				k.state = false
			}
		}
	}

	flushBuf()

	// congestion control adjustments
	if change != 0 {
		inflight := k.sndNxt - k.sndUna
		k.ssthresh = maxu32(inflight/2, threshMin)
		k.cwnd = k.ssthresh + resent
		k.incr = k.cwnd * k.mss
	}
	if lost {
		k.ssthresh = maxu32(cwnd/2, threshMin)
		k.cwnd = 1
		k.incr = k.mss
	}
	if k.cwnd < 1 {
		k.cwnd = 1
		k.incr = k.mss
	}
}

func (seg *segment) fastresendEligible(resent uint32) bool {
	return resent != 0xffffffff && seg.fastack >= resent
}

// Update drives flush on interval boundaries; call it repeatedly
// (every 10-100ms, tighter under nodelay), or use Check to learn when
// the next call is actually needed.
func (k *ARQ) Update(now uint32) {
	k.current = now
	if !k.updated {
		k.updated = true
		k.tsFlush = now
	}

	slap := timeDiff(now, k.tsFlush)
	if slap >= 10000 || slap < -10000 {
		k.tsFlush = now
		slap = 0
	}

	if slap >= 0 {
		k.tsFlush += k.interval
		if timeDiff(now, k.tsFlush) >= 0 {
			k.tsFlush = now + k.interval
		}
		k.flush(now)
	}
}

// Check returns the timestamp at which Update should next be called,
// absent any intervening Send/Input.
func (k *ARQ) Check(now uint32) uint32 {
	if !k.updated {
		return now
	}

	tsFlush := k.tsFlush
	if timeDiff(now, tsFlush) >= 10000 || timeDiff(now, tsFlush) < -10000 {
		tsFlush = now
	}
	if timeDiff(now, tsFlush) >= 0 {
		return now
	}

	tmFlush := timeDiff(tsFlush, now)
	tmPacket := int32(0x7fffffff)
	for _, seg := range k.sndBuf {
		diff := timeDiff(seg.resendts, now)
		if diff <= 0 {
			return now
		}
		if diff < tmPacket {
			tmPacket = diff
		}
	}

	minimal := uint32(tmPacket)
	if tmPacket >= tmFlush {
		minimal = uint32(tmFlush)
	}
	if minimal >= k.interval {
		minimal = k.interval
	}
	return now + minimal
}

// SetMTU changes the maximum transmission unit; default 1400.
func (k *ARQ) SetMTU(mtu int) error {
	if mtu < 50 || mtu < overhead {
		return ErrInvalidMTU
	}
	k.buffer = make([]byte, (mtu+overhead)*3)
	k.mtu = uint32(mtu)
	k.mss = k.mtu - overhead
	return nil
}

// SetInterval sets the flush cadence in milliseconds, clamped to
// [10, 5000].
func (k *ARQ) SetInterval(ms int) {
	if ms > 5000 {
		ms = 5000
	} else if ms < 10 {
		ms = 10
	}
	k.interval = uint32(ms)
}

// SetNoDelay configures the fast/slow operating mode:
//
//	nodelay:    disables the default RTO floor and RTO growth curve
//	interval:   flush cadence in ms (<0 leaves it unchanged)
//	fastresend: fastack threshold to trigger fast retransmit, 0 disables it
//	nocwnd:     disables congestion-window clamping of the send window
func (k *ARQ) SetNoDelay(nodelay bool, interval, fastresend int, nocwnd bool) {
	k.nodelay = nodelay
	if nodelay {
		k.rxMinrto = rtoNoDelay
	} else {
		k.rxMinrto = rtoMin
	}
	if interval >= 0 {
		k.SetInterval(interval)
	}
	k.fastresend = int32(fastresend)
	k.nocwnd = nocwnd
}

// SetWindowSize sets the maximum send/receive window, in segments.
// A non-positive value leaves that window unchanged.
func (k *ARQ) SetWindowSize(snd, rcv int) {
	if snd > 0 {
		k.sndWnd = uint32(snd)
	}
	if rcv > 0 {
		k.rcvWnd = uint32(rcv)
	}
}

// WaitSnd reports how many segments are queued or in flight.
func (k *ARQ) WaitSnd() int {
	return len(k.sndBuf) + len(k.sndQueue)
}

// Cwnd returns the current effective congestion/send window.
func (k *ARQ) Cwnd() uint32 {
	cwnd := minu32(k.sndWnd, k.rmtWnd)
	if !k.nocwnd {
		cwnd = minu32(k.cwnd, cwnd)
	}
	return cwnd
}

// State reports whether the connection is still considered alive.
// It flips to false once any segment has been retransmitted
// dead_link times without acknowledgement.
func (k *ARQ) State() bool { return k.state }

// GetConv reads the conversation id from the front of a raw inbound
// datagram without otherwise parsing it.
func GetConv(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, ErrShortHeader
	}
	return binary.LittleEndian.Uint32(data), nil
}

func minu32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func bound32(lower, middle, upper uint32) uint32 {
	return minu32(maxu32(lower, middle), upper)
}

// timeDiff computes later-earlier as a wrapping signed 32-bit
// difference, preserving the reference source's treatment of ms
// timestamps as a ring that wraps every ~49.7 days.
func timeDiff(later, earlier uint32) int32 {
	return int32(later - earlier)
}
