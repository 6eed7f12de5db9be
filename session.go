package kcp

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"

	"github.com/ARwMq9b6/fectun/registry"
)

const (
	defaultWndSize           = 128
	mtuLimit                 = 2048
	rxQueueLimit             = 8192
	rxFECMulti               = 3 // FEC keeps rxFECMulti*(dataShards+parityShards) ordered packets in memory
	defaultKeepAliveInterval = 10 * time.Second
	defaultUpdateInterval    = 100 * time.Millisecond
)

const (
	errBrokenPipe       = "broken pipe"
	errInvalidOperation = "invalid operation"
)

type errTimeout struct{ error }

func (errTimeout) Timeout() bool   { return true }
func (errTimeout) Temporary() bool { return true }
func (errTimeout) Error() string   { return "i/o timeout" }

type setReadBuffer interface {
	SetReadBuffer(bytes int) error
}

type setWriteBuffer interface {
	SetWriteBuffer(bytes int) error
}

// Session binds an ARQ engine (and an optional FEC shim) to a real
// net.PacketConn: it runs the periodic Update tick, multiplexes
// inbound datagrams between the two, and exposes the familiar
// net.Conn blocking Read/Write surface on top of the core's
// copy-in/copy-out queues.
type Session struct {
	arq *ARQ
	l   *Listener // non-nil on the server side

	fec           *FEC
	fecDataShards [][]byte
	fecCnt        int
	fecMaxSize    int

	conn   net.PacketConn
	remote net.Addr

	rd, wd time.Time

	sockbuff []byte // Read() turns kcp's message boundaries back into a byte stream

	die          chan struct{}
	dieOnce      sync.Once
	chReadEvent  chan struct{}
	chWriteEvent chan struct{}

	headerSize int
	ackNoDelay bool
	closed     bool

	mu                sync.Mutex
	updateInterval    int32 // ms, atomic
	keepAliveInterval int32 // seconds, atomic; 0 disables
	lastActivity      int64 // unix ms, atomic
}

func newSession(conv uint32, dataShards, parityShards int, l *Listener, conn net.PacketConn, remote net.Addr) *Session {
	sess := &Session{
		die:               make(chan struct{}),
		chReadEvent:       make(chan struct{}, 1),
		chWriteEvent:      make(chan struct{}, 1),
		remote:            remote,
		conn:              conn,
		l:                 l,
		updateInterval:    int32(defaultUpdateInterval / time.Millisecond),
		keepAliveInterval: int32(defaultKeepAliveInterval / time.Second),
		lastActivity:      time.Now().UnixMilli(),
	}

	if dataShards > 0 && parityShards > 0 {
		fec, err := NewFEC(rxFECMulti*(dataShards+parityShards), dataShards, parityShards)
		if err != nil {
			glog.Errorf("fec init failed, continuing without FEC: %v", err)
		} else {
			sess.fec = fec
			sess.headerSize += fecHeaderSizePlus2
			sess.fecDataShards = make([][]byte, dataShards)
			for i := range sess.fecDataShards {
				sess.fecDataShards[i] = make([]byte, mtuLimit)
			}
		}
	}

	sess.arq = New(conv, sess.output)
	sess.arq.SetWindowSize(defaultWndSize, defaultWndSize)
	sess.arq.SetMTU(mtuDefault - sess.headerSize)

	go sess.updateLoop()
	if sess.l == nil {
		go sess.readLoop()
	}
	return sess
}

// Read implements net.Conn's Read, blocking until a message's worth
// of bytes (or more, carried over in sockbuff) is available.
func (s *Session) Read(b []byte) (int, error) {
	for {
		s.mu.Lock()
		if len(s.sockbuff) > 0 {
			n := copy(b, s.sockbuff)
			s.sockbuff = s.sockbuff[n:]
			s.mu.Unlock()
			return n, nil
		}
		if s.closed {
			s.mu.Unlock()
			return 0, errors.New(errBrokenPipe)
		}
		if !s.rd.IsZero() && time.Now().After(s.rd) {
			s.mu.Unlock()
			return 0, errTimeout{}
		}

		if n := s.arq.PeekSize(); n > 0 {
			var buf []byte
			if len(b) >= n {
				buf = b[:n]
			} else {
				buf = make([]byte, n)
			}
			n, _ = s.arq.Recv(buf)
			if len(b) < n {
				copy(b, buf[:len(b)])
				s.sockbuff = buf[len(b):]
				n = len(b)
			}
			s.mu.Unlock()
			return n, nil
		}

		var timeout <-chan time.Time
		if !s.rd.IsZero() {
			t := time.NewTimer(time.Until(s.rd))
			defer t.Stop()
			timeout = t.C
		}
		s.mu.Unlock()

		select {
		case <-s.chReadEvent:
		case <-timeout:
		case <-s.die:
		}
	}
}

// Write implements net.Conn's Write, blocking while the send window
// is full.
func (s *Session) Write(b []byte) (int, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, errors.New(errBrokenPipe)
		}
		if !s.wd.IsZero() && time.Now().After(s.wd) {
			s.mu.Unlock()
			return 0, errTimeout{}
		}

		if s.arq.WaitSnd() < int(s.arq.Cwnd()) {
			n := len(b)
			for len(b) > int(s.arq.mss) {
				s.arq.Send(b[:s.arq.mss])
				b = b[s.arq.mss:]
			}
			if len(b) > 0 {
				s.arq.Send(b)
			}
			s.arq.flush(currentMs())
			s.mu.Unlock()
			return n, nil
		}

		var timeout <-chan time.Time
		if !s.wd.IsZero() {
			t := time.NewTimer(time.Until(s.wd))
			defer t.Stop()
			timeout = t.C
		}
		s.mu.Unlock()

		select {
		case <-s.chWriteEvent:
		case <-timeout:
		case <-s.die:
		}
	}
}

// Close tears the session down. On the client side it also closes
// the underlying socket; sessions accepted by a Listener share that
// listener's socket and leave it open.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New(errBrokenPipe)
	}
	s.closed = true
	s.mu.Unlock()

	s.dieOnce.Do(func() { close(s.die) })
	if s.l != nil {
		s.l.registry.Remove(s.remote.String())
	} else {
		return s.conn.Close()
	}
	return nil
}

func (s *Session) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *Session) RemoteAddr() net.Addr { return s.remote }

func (s *Session) SetDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rd, s.wd = t, t
	return nil
}

func (s *Session) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rd = t
	return nil
}

func (s *Session) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wd = t
	return nil
}

// SetWindowSize sets the maximum send/receive window, in segments.
func (s *Session) SetWindowSize(sndwnd, rcvwnd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arq.SetWindowSize(sndwnd, rcvwnd)
}

// SetMTU sets the maximum transmission unit of the underlying socket;
// the ARQ engine's own MTU is reduced by this session's header size.
func (s *Session) SetMTU(mtu int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arq.SetMTU(mtu - s.headerSize)
}

// SetStreamMode toggles coalescing writes into the tail of
// snd_queue's last segment instead of always starting a new message.
func (s *Session) SetStreamMode(enable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arq.stream = enable
}

// SetACKNoDelay makes every inbound datagram that leaves ACKs pending
// flush them immediately instead of waiting for the next tick -
// useful for latency-sensitive peers at the cost of more small
// datagrams.
func (s *Session) SetACKNoDelay(nodelay bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackNoDelay = nodelay
}

// SetNoDelay configures the nodelay/interval/fastresend/nocwnd mode.
func (s *Session) SetNoDelay(nodelay bool, interval, resend int, nc bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arq.SetNoDelay(nodelay, interval, resend, nc)
	atomic.StoreInt32(&s.updateInterval, int32(interval))
}

// SetDSCP sets the 6-bit DSCP field of the IP header. No effect on a
// session accepted from a Listener, which shares the listener's
// socket with every other peer.
func (s *Session) SetDSCP(dscp int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.l != nil {
		return errors.New(errInvalidOperation)
	}
	if nc, ok := s.conn.(net.Conn); ok {
		return ipv4.NewConn(nc).SetTOS(dscp << 2)
	}
	return errors.New(errInvalidOperation)
}

func (s *Session) SetReadBuffer(bytes int) error {
	if s.l != nil {
		return errors.New(errInvalidOperation)
	}
	if nc, ok := s.conn.(setReadBuffer); ok {
		return nc.SetReadBuffer(bytes)
	}
	return errors.New(errInvalidOperation)
}

func (s *Session) SetWriteBuffer(bytes int) error {
	if s.l != nil {
		return errors.New(errInvalidOperation)
	}
	if nc, ok := s.conn.(setWriteBuffer); ok {
		return nc.SetWriteBuffer(bytes)
	}
	return errors.New(errInvalidOperation)
}

// SetKeepAlive changes the per-connection NAT keepalive interval; 0
// disables it. Default 10s, matching the teacher's UDPSession.
func (s *Session) SetKeepAlive(seconds int) {
	atomic.StoreInt32(&s.keepAliveInterval, int32(seconds))
}

// ConvID returns this session's conversation id.
func (s *Session) ConvID() uint32 { return s.arq.conv }

// State reports whether the underlying ARQ engine still considers
// the peer reachable (see ARQ.State).
func (s *Session) State() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arq.State()
}

func (s *Session) notifyReadEvent() {
	select {
	case s.chReadEvent <- struct{}{}:
	default:
	}
}

func (s *Session) notifyWriteEvent() {
	select {
	case s.chWriteEvent <- struct{}{}:
	default:
	}
}

// output is the ARQ engine's Output callback: it optionally wraps
// the datagram into an FEC data shard (batching until a full block
// of data shards triggers an RS parity computation) and hands every
// resulting datagram to the socket.
func (s *Session) output(buf []byte) {
	if s.fec == nil {
		s.send(buf)
		return
	}

	ext := make([]byte, fecHeaderSizePlus2+len(buf))
	copy(ext[fecHeaderSizePlus2:], buf)
	s.fec.markData(ext, len(buf))
	s.send(ext)

	// The Reed-Solomon math never sees the 6-byte seqid/flag header -
	// only the length-prefixed payload is erasure-coded, matching
	// Input's own header/payload split on the receive side.
	payload := ext[fecHeaderSize:]
	s.fecDataShards[s.fecCnt] = append(s.fecDataShards[s.fecCnt][:0], payload...)
	s.fecCnt++
	if len(payload) > s.fecMaxSize {
		s.fecMaxSize = len(payload)
	}

	if s.fecCnt == s.fec.DataShards() {
		shards := make([][]byte, s.fec.DataShards()+s.fec.ParityShards())
		for i := 0; i < s.fec.DataShards(); i++ {
			// pad with fresh zeros rather than reusing the scratch
			// buffer's stale tail, which Encode's own padding would
			// otherwise fold into the parity computation.
			padded := make([]byte, s.fecMaxSize)
			copy(padded, s.fecDataShards[i])
			shards[i] = padded
		}
		if err := s.fec.Encode(shards); err != nil {
			glog.Errorf("fec encode failed: %v", err)
		} else {
			for i := s.fec.DataShards(); i < len(shards); i++ {
				parity := make([]byte, fecHeaderSize+len(shards[i]))
				copy(parity[fecHeaderSize:], shards[i])
				s.fec.markFEC(parity)
				s.send(parity)
			}
		}
		s.fecCnt = 0
		s.fecMaxSize = 0
	}
}

func (s *Session) send(buf []byte) {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixMilli())
	if _, err := s.conn.WriteTo(buf, s.remote); err != nil {
		glog.V(1).Infof("session %d: write to %v failed: %v", s.arq.conv, s.remote, err)
	}
}

// updateLoop drives ARQ.Update on a fixed cadence until the session
// closes.
func (s *Session) updateLoop() {
	ticker := time.NewTicker(defaultUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			s.arq.Update(currentMs())
			if s.arq.WaitSnd() < int(s.arq.Cwnd()) {
				s.notifyWriteEvent()
			}
			dead := !s.arq.state
			s.mu.Unlock()

			if interval := atomic.LoadInt32(&s.keepAliveInterval); interval > 0 {
				last := atomic.LoadInt64(&s.lastActivity)
				if time.Now().UnixMilli()-last >= int64(interval)*1000 {
					s.send([]byte{})
					atomic.StoreInt64(&s.lastActivity, time.Now().UnixMilli())
				}
			}

			if dead {
				glog.Warningf("session %d: peer %v is dead-linked", s.ConvID(), s.remote)
				if s.l != nil {
					s.l.registry.Remove(s.remote.String())
				}
				return
			}
		case <-s.die:
			return
		}
	}
}

// kcpInput feeds one inbound raw datagram (already stripped of any
// transport framing) through the FEC shim, if any, and into the ARQ
// engine.
func (s *Session) kcpInput(data []byte, now uint32) {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixMilli())
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fec == nil {
		if err := s.arq.Input(data, true); err != nil {
			glog.V(1).Infof("session %d: input: %v", s.arq.conv, err)
		}
	} else {
		flag := binary.LittleEndian.Uint16(data[4:])
		if flag == typeData {
			if err := s.arq.Input(data[fecHeaderSizePlus2:], true); err != nil {
				glog.V(1).Infof("session %d: input: %v", s.arq.conv, err)
			}
		}
		for _, rec := range s.fec.Input(data, now) {
			if len(rec) == 0 {
				continue
			}
			if err := s.arq.Input(rec, false); err != nil {
				glog.V(1).Infof("session %d: recovered segment rejected: %v", s.arq.conv, err)
			}
		}
	}

	if s.ackNoDelay && len(s.arq.acklist) > 0 {
		s.arq.current = now
		s.arq.flush(now)
	}

	if s.arq.PeekSize() > 0 {
		s.notifyReadEvent()
	}
}

func (s *Session) receiver(ch chan<- []byte) {
	for {
		buf := make([]byte, mtuLimit)
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if n < s.headerSize+overhead {
			continue
		}
		select {
		case ch <- buf[:n]:
		case <-s.die:
			return
		}
	}
}

func (s *Session) readLoop() {
	ch := make(chan []byte, rxQueueLimit)
	go s.receiver(ch)
	for {
		select {
		case data := <-ch:
			s.kcpInput(data, currentMs())
		case <-s.die:
			return
		}
	}
}

// Listener accepts Sessions multiplexed over a single net.PacketConn,
// keyed by peer address through a registry.Registry so a dead-linked
// peer's slot is reclaimed and a later Dial from the same address is
// accepted as a new session (see registry.Registry.Get).
type Listener struct {
	dataShards, parityShards int
	conn                     net.PacketConn
	registry                 *registry.Registry
	chAccept                 chan *Session
	die                      chan struct{}
	dieOnce                  sync.Once
	headerSize               int
	fecEnabled               bool

	rd, wd atomic.Value
}

type inPacket struct {
	from net.Addr
	data []byte
}

func (l *Listener) receiver(ch chan<- inPacket) {
	for {
		buf := make([]byte, mtuLimit)
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if n < l.headerSize+overhead {
			continue
		}
		select {
		case ch <- inPacket{from, buf[:n]}:
		case <-l.die:
			return
		}
	}
}

func (l *Listener) monitor() {
	ch := make(chan inPacket, rxQueueLimit)
	go l.receiver(ch)
	for {
		select {
		case p := <-ch:
			addr := p.from.String()
			now := currentMs()
			if sess, ok := l.registry.Get(addr); ok {
				sess.(*Session).kcpInput(p.data, now)
				l.registry.Touch(addr, sess)
				continue
			}

			conv, ok := l.parseNewConv(p.data)
			if !ok {
				continue
			}
			sess := newSession(conv, l.dataShards, l.parityShards, l, l.conn, p.from)
			l.registry.Add(addr, sess)
			sess.kcpInput(p.data, now)
			select {
			case l.chAccept <- sess:
			case <-l.die:
				return
			}
		case <-l.die:
			return
		}
	}
}

func (l *Listener) parseNewConv(data []byte) (uint32, bool) {
	if l.fecEnabled {
		if len(data) < fecHeaderSizePlus2+4 {
			return 0, false
		}
		if binary.LittleEndian.Uint16(data[4:]) != typeData {
			return 0, false
		}
		return binary.LittleEndian.Uint32(data[fecHeaderSizePlus2:]), true
	}
	conv, err := GetConv(data)
	return conv, err == nil
}

// Accept waits for the next inbound session.
func (l *Listener) Accept() (net.Conn, error) {
	return l.AcceptSession()
}

// AcceptSession waits for and returns the next inbound session.
func (l *Listener) AcceptSession() (*Session, error) {
	var timeout <-chan time.Time
	if t, ok := l.rd.Load().(time.Time); ok && !t.IsZero() {
		tm := time.NewTimer(time.Until(t))
		defer tm.Stop()
		timeout = tm.C
	}
	select {
	case <-timeout:
		return nil, errTimeout{}
	case sess := <-l.chAccept:
		return sess, nil
	case <-l.die:
		return nil, errors.New(errBrokenPipe)
	}
}

func (l *Listener) SetDeadline(t time.Time) error {
	l.rd.Store(t)
	l.wd.Store(t)
	return nil
}
func (l *Listener) SetReadDeadline(t time.Time) error  { l.rd.Store(t); return nil }
func (l *Listener) SetWriteDeadline(t time.Time) error { l.wd.Store(t); return nil }

func (l *Listener) Close() error {
	l.dieOnce.Do(func() { close(l.die) })
	return l.conn.Close()
}

func (l *Listener) Addr() net.Addr { return l.conn.LocalAddr() }

// SetDSCP sets the 6-bit DSCP field of the IP header for this listener's socket.
func (l *Listener) SetDSCP(dscp int) error {
	if nc, ok := l.conn.(net.Conn); ok {
		return ipv4.NewConn(nc).SetTOS(dscp << 2)
	}
	return errors.New(errInvalidOperation)
}

// Listen listens for incoming sessions on laddr with FEC disabled.
func Listen(laddr string) (*Listener, error) {
	return ListenWithOptions(laddr, 0, 0)
}

// ListenWithOptions listens for incoming sessions on laddr, enabling
// the FEC shim when dataShards and parityShards are both positive.
func ListenWithOptions(laddr string, dataShards, parityShards int) (*Listener, error) {
	udpaddr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, errors.Wrap(err, "net.ResolveUDPAddr")
	}
	conn, err := net.ListenUDP("udp", udpaddr)
	if err != nil {
		return nil, errors.Wrap(err, "net.ListenUDP")
	}
	return ServeConn(dataShards, parityShards, conn)
}

// ServeConn serves sessions over an already-constructed packet
// connection, useful for testing with a pipe or a connection shared
// with another protocol's demultiplexer.
func ServeConn(dataShards, parityShards int, conn net.PacketConn) (*Listener, error) {
	l := &Listener{
		conn:         conn,
		registry:     registry.New(2*time.Minute, 30*time.Second),
		chAccept:     make(chan *Session, 1024),
		die:          make(chan struct{}),
		dataShards:   dataShards,
		parityShards: parityShards,
		fecEnabled:   dataShards > 0 && parityShards > 0,
	}
	if l.fecEnabled {
		l.headerSize = fecHeaderSizePlus2
	}
	go l.monitor()
	return l, nil
}

// Dial connects to raddr with FEC disabled.
func Dial(raddr string) (*Session, error) {
	return DialWithOptions(raddr, 0, 0)
}

// DialWithOptions connects to raddr, enabling the FEC shim when
// dataShards and parityShards are both positive.
func DialWithOptions(raddr string, dataShards, parityShards int) (*Session, error) {
	udpaddr, err := net.ResolveUDPAddr("udp", raddr)
	if err != nil {
		return nil, errors.Wrap(err, "net.ResolveUDPAddr")
	}
	conn, err := net.DialUDP("udp", nil, udpaddr)
	if err != nil {
		return nil, errors.Wrap(err, "net.DialUDP")
	}
	var convid uint32
	if err := binary.Read(rand.Reader, binary.LittleEndian, &convid); err != nil {
		return nil, errors.Wrap(err, "rand.Reader")
	}
	return newSession(convid, dataShards, parityShards, nil, conn, udpaddr), nil
}

func currentMs() uint32 {
	return uint32(time.Now().UnixNano() / int64(time.Millisecond))
}
