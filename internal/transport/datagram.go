package transport

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/rayctl/internal/protocol"
	"github.com/rs/zerolog/log"
)

// SendClass orders the send queue; High drains before Normal.
type SendClass uint8

const (
	ClassHigh SendClass = iota
	ClassNormal
)

// SendMode selects delivery semantics for one datagram.
type SendMode uint8

const (
	// Unreliable is fire-and-forget; loss abandons the carried rays.
	Unreliable SendMode = iota
	// Reliable holds the payload in a bounded per-peer buffer and
	// retransmits with backoff until acknowledged. A datagram still
	// unacknowledged after maxRetransmits sends in all is dropped, and
	// a full buffer abandons its oldest entry to admit a new one.
	Reliable
)

// Tracked datagrams prepend a transport tag byte outside the message
// opcode space, a sequence number for data, or the acked sequence for
// acks. Plain datagrams start directly at the message frame.
const (
	tagData = 0xD1
	tagAck  = 0xA1

	trackedHeaderLen = 5
	maxRetransmits   = 8
	// outboxLimit bounds the per-peer retransmission buffer.
	outboxLimit = 512
	// dedupeWindow bounds the per-peer seen-sequence memory.
	dedupeWindow = 4096
)

// ErrSocketClosed is returned for sends after the socket died.
var ErrSocketClosed = errors.New("transport: datagram socket closed")

// Packet is one received datagram.
type Packet struct {
	From *net.UDPAddr
	Msg  protocol.Message
}

type pendingDatagram struct {
	buf      []byte
	addr     *net.UDPAddr
	attempts int
	nextSend time.Time
}

type peerTrack struct {
	nextSeq uint32
	pending map[uint32]*pendingDatagram

	seen     map[uint32]struct{}
	seenRing []uint32
}

type outDatagram struct {
	addr *net.UDPAddr
	buf  []byte
}

// PacketSock is the worker's (and master's) datagram endpoint.
type PacketSock struct {
	sock     *net.UDPConn
	incoming chan Packet

	outHigh   chan outDatagram
	outNormal chan outDatagram

	mu    sync.Mutex
	peers map[string]*peerTrack

	policy RetryPolicy
	rng    *rand.Rand

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// ListenPacket binds a datagram socket on addr ("" or ":0" for any).
func ListenPacket(addr string) (*PacketSock, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	sock, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	p := &PacketSock{
		sock:      sock,
		incoming:  make(chan Packet, 1024),
		outHigh:   make(chan outDatagram, 256),
		outNormal: make(chan outDatagram, 4096),
		peers:     make(map[string]*peerTrack),
		policy:    defaultRetryPolicy(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		done:      make(chan struct{}),
	}
	go p.readLoop()
	go p.writeLoop()
	go p.retransmitLoop()
	return p, nil
}

// SetRetryPolicy overrides the retransmission schedule; callers set
// it before the first Reliable send.
func (p *PacketSock) SetRetryPolicy(policy RetryPolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy = policy
}

// LocalAddr returns the bound address.
func (p *PacketSock) LocalAddr() *net.UDPAddr {
	return p.sock.LocalAddr().(*net.UDPAddr)
}

// Incoming delivers received messages; closed when the socket dies.
func (p *PacketSock) Incoming() <-chan Packet {
	return p.incoming
}

// BytesSent reports total datagram bytes written.
func (p *PacketSock) BytesSent() uint64 {
	return p.bytesSent.Load()
}

// BytesReceived reports total datagram bytes read.
func (p *PacketSock) BytesReceived() uint64 {
	return p.bytesReceived.Load()
}

// Outstanding reports datagrams awaiting acknowledgement.
func (p *PacketSock) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, track := range p.peers {
		n += len(track.pending)
	}
	return n
}

// Send queues one message toward addr.
func (p *PacketSock) Send(addr *net.UDPAddr, msg protocol.Message, class SendClass, mode SendMode) error {
	frame, err := msg.Marshal()
	if err != nil {
		return err
	}

	var buf []byte
	if mode == Reliable {
		buf = p.track(addr, frame)
	} else {
		buf = frame
	}

	out := outDatagram{addr: addr, buf: buf}
	var ch chan outDatagram
	if class == ClassHigh {
		ch = p.outHigh
	} else {
		ch = p.outNormal
	}
	select {
	case <-p.done:
		return ErrSocketClosed
	case ch <- out:
		return nil
	}
}

func (p *PacketSock) track(addr *net.UDPAddr, frame []byte) []byte {
	buf := make([]byte, trackedHeaderLen+len(frame))
	buf[0] = tagData
	copy(buf[trackedHeaderLen:], frame)

	p.mu.Lock()
	defer p.mu.Unlock()
	track := p.peer(addr.String())
	seq := track.nextSeq
	track.nextSeq++
	binary.BigEndian.PutUint32(buf[1:5], seq)

	if len(track.pending) >= outboxLimit {
		// Bounded buffer: the oldest unacked datagram is abandoned.
		var oldest uint32
		first := true
		for s := range track.pending {
			if first || s < oldest {
				oldest = s
				first = false
			}
		}
		delete(track.pending, oldest)
	}
	track.pending[seq] = &pendingDatagram{
		buf:      buf,
		addr:     addr,
		attempts: 1,
		nextSend: time.Now().Add(p.policy.delay(1, p.rng)),
	}
	return buf
}

func (p *PacketSock) peer(key string) *peerTrack {
	track := p.peers[key]
	if track == nil {
		track = &peerTrack{
			pending: make(map[uint32]*pendingDatagram),
			seen:    make(map[uint32]struct{}),
		}
		p.peers[key] = track
	}
	return track
}

func (p *PacketSock) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := p.sock.ReadFromUDP(buf)
		if err != nil {
			close(p.incoming)
			return
		}
		p.bytesReceived.Add(uint64(n))
		data := buf[:n]

		switch {
		case n >= trackedHeaderLen && data[0] == tagData:
			seq := binary.BigEndian.Uint32(data[1:5])
			p.ackPeer(from, seq)
			if p.alreadySeen(from, seq) {
				continue
			}
			p.deliver(from, data[trackedHeaderLen:])
		case n >= trackedHeaderLen && data[0] == tagAck:
			seq := binary.BigEndian.Uint32(data[1:5])
			p.mu.Lock()
			if track, ok := p.peers[from.String()]; ok {
				delete(track.pending, seq)
			}
			p.mu.Unlock()
		default:
			p.deliver(from, data)
		}
	}
}

func (p *PacketSock) deliver(from *net.UDPAddr, frame []byte) {
	msg, err := protocol.ParseDatagram(frame)
	if err != nil {
		log.Warn().Str("from", from.String()).Err(err).Msg("dropping malformed datagram")
		return
	}
	select {
	case p.incoming <- Packet{From: from, Msg: msg}:
	case <-p.done:
	}
}

func (p *PacketSock) ackPeer(addr *net.UDPAddr, seq uint32) {
	ack := make([]byte, trackedHeaderLen)
	ack[0] = tagAck
	binary.BigEndian.PutUint32(ack[1:5], seq)
	select {
	case p.outHigh <- outDatagram{addr: addr, buf: ack}:
	case <-p.done:
	}
}

func (p *PacketSock) alreadySeen(addr *net.UDPAddr, seq uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	track := p.peer(addr.String())
	if _, ok := track.seen[seq]; ok {
		return true
	}
	track.seen[seq] = struct{}{}
	track.seenRing = append(track.seenRing, seq)
	if len(track.seenRing) > dedupeWindow {
		evict := track.seenRing[0]
		track.seenRing = track.seenRing[1:]
		delete(track.seen, evict)
	}
	return false
}

func (p *PacketSock) writeLoop() {
	for {
		// High-class datagrams drain first.
		select {
		case out := <-p.outHigh:
			p.write(out)
			continue
		case <-p.done:
			return
		default:
		}
		select {
		case out := <-p.outHigh:
			p.write(out)
		case out := <-p.outNormal:
			p.write(out)
		case <-p.done:
			return
		}
	}
}

func (p *PacketSock) write(out outDatagram) {
	n, err := p.sock.WriteToUDP(out.buf, out.addr)
	if err != nil {
		log.Warn().Str("to", out.addr.String()).Err(err).Msg("datagram write failed")
		return
	}
	p.bytesSent.Add(uint64(n))
}

func (p *PacketSock) retransmitLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case now := <-ticker.C:
			p.retransmit(now)
		}
	}
}

func (p *PacketSock) retransmit(now time.Time) {
	var resend []outDatagram
	p.mu.Lock()
	for _, track := range p.peers {
		for seq, pending := range track.pending {
			if now.Before(pending.nextSend) {
				continue
			}
			if pending.attempts >= maxRetransmits {
				delete(track.pending, seq)
				continue
			}
			pending.attempts++
			pending.nextSend = now.Add(p.policy.delay(pending.attempts, p.rng))
			resend = append(resend, outDatagram{addr: pending.addr, buf: pending.buf})
		}
	}
	p.mu.Unlock()

	for _, out := range resend {
		select {
		case p.outNormal <- out:
		case <-p.done:
			return
		default:
			// Full queue: the retransmit ticker will try again.
			return
		}
	}
}

// Close tears the socket down; safe to call repeatedly.
func (p *PacketSock) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.sock.Close()
	})
}
