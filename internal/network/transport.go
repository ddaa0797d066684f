package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/bastion-project/bastion/internal/protocol"
)

// Disconnect reasons raised by the transport itself.
const (
	ReasonTimeout          = "timeout"
	ReasonHandshakeTimeout = "handshake_timeout"
	ReasonReliableTimeout  = "reliable_timeout"
	ReasonRemote           = "client_disconnect"
	ReasonShutdown         = "server_shutdown"
)

// ErrUnknownPeer is returned when sending to a peer that is not registered.
var ErrUnknownPeer = errors.New("unknown peer")

// recvWindow bounds how far ahead of the expected sequence a reliable frame
// may arrive and still be buffered.
const recvWindow = 1024

// Reliability selects the logical channel for a send.
type Reliability int

const (
	Unreliable Reliability = iota
	ReliableOrdered
)

// EventKind distinguishes transport events.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventReceived
)

// Event is raised by the transport and consumed through Poll.
type Event struct {
	Kind    EventKind
	Peer    PeerID
	Reason  string
	Type    protocol.MessageType
	Payload []byte
}

// Options configures a Transport.
type Options struct {
	Addr             string
	HandshakeTimeout time.Duration
	PeerTimeout      time.Duration
	ResendInterval   time.Duration
	PingInterval     time.Duration
	MaxResends       int
	MaxQueuedEvents  int
	MaxDatagramSize  int
}

// DefaultOptions returns transport defaults suitable for a LAN or WAN host.
func DefaultOptions() Options {
	return Options{
		Addr:             "0.0.0.0:7777",
		HandshakeTimeout: 10 * time.Second,
		PeerTimeout:      15 * time.Second,
		ResendInterval:   200 * time.Millisecond,
		PingInterval:     time.Second,
		MaxResends:       20,
		MaxQueuedEvents:  4096,
		MaxDatagramSize:  1400,
	}
}

// Stats are cumulative transport counters.
type Stats struct {
	PacketsIn   uint64 `json:"packets_in"`
	PacketsOut  uint64 `json:"packets_out"`
	BytesIn     uint64 `json:"bytes_in"`
	BytesOut    uint64 `json:"bytes_out"`
	Dropped     uint64 `json:"dropped"`
	Retransmits uint64 `json:"retransmits"`
	Peers       int    `json:"peers"`
}

// Transport owns the UDP socket and the peer registry. Send, Broadcast and
// Disconnect are safe for concurrent use. Events are only observed via Poll.
type Transport struct {
	opts     Options
	registry *PeerRegistry
	logger   zerolog.Logger
	now      func() time.Time

	conn *net.UDPConn

	qmu   sync.Mutex
	queue []Event

	packetsIn, packetsOut atomic.Uint64
	bytesIn, bytesOut     atomic.Uint64
	dropped, retransmits  atomic.Uint64

	malformedLog rate.Sometimes
	oversizeLog  rate.Sometimes
	overflowLog  rate.Sometimes
}

// NewTransport creates an unbound transport.
func NewTransport(opts Options) *Transport {
	return &Transport{
		opts:         opts,
		registry:     NewPeerRegistry(),
		logger:       log.With().Str("component", "transport").Logger(),
		now:          time.Now,
		malformedLog: rate.Sometimes{Interval: 10 * time.Second},
		oversizeLog:  rate.Sometimes{Interval: 10 * time.Second},
		overflowLog:  rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Listen binds the UDP socket with SO_REUSEADDR.
func (t *Transport) Listen(ctx context.Context) error {
	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", t.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind UDP transport on %s: %w", t.opts.Addr, err)
	}
	t.conn = pc.(*net.UDPConn)
	t.logger.Info().Str("addr", t.conn.LocalAddr().String()).Msg("UDP transport listening")
	return nil
}

// Start binds and serves until ctx is cancelled.
func (t *Transport) Start(ctx context.Context) error {
	if err := t.Listen(ctx); err != nil {
		return err
	}
	return t.Serve(ctx)
}

// Serve runs the read loop and the maintenance loop. It returns nil once
// ctx is cancelled.
func (t *Transport) Serve(ctx context.Context) error {
	if t.conn == nil {
		return errors.New("transport is not listening")
	}

	go t.maintainLoop(ctx)
	go func() {
		<-ctx.Done()
		t.Close()
	}()

	buf := make([]byte, 65536)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				t.logger.Info().Msg("UDP transport stopping")
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.logger.Error().Err(err).Msg("UDP read error")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		t.handleDatagram(data, addr, t.now())
	}
}

func (t *Transport) maintainLoop(ctx context.Context) {
	interval := t.opts.ResendInterval / 2
	if interval <= 0 || interval > 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.maintain(t.now())
		}
	}
}

// LocalAddr returns the bound address, or nil before Listen.
func (t *Transport) LocalAddr() *net.UDPAddr {
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Close disconnects every peer with ReasonShutdown and closes the socket.
func (t *Transport) Close() error {
	for _, p := range t.registry.All() {
		t.Disconnect(p.id, ReasonShutdown)
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

func (t *Transport) handleDatagram(data []byte, addr *net.UDPAddr, now time.Time) {
	t.packetsIn.Add(1)
	t.bytesIn.Add(uint64(len(data)))

	f, err := decodeFrame(data)
	if err != nil {
		t.dropped.Add(1)
		if !errors.Is(err, errBadProtoID) {
			t.malformedLog.Do(func() {
				t.logger.Warn().Err(err).Str("remote", addr.String()).Msg("dropping malformed datagram")
			})
		}
		return
	}

	if f.kind == kindConnect {
		p, created := t.registry.Register(addr, now)
		p.touch(now)
		t.write(p.addr, encodeFrame(frame{kind: kindAccept, peer: p.id}))
		if created {
			t.logger.Info().Uint32("peer_id", uint32(p.id)).Str("remote", addr.String()).Msg("peer connected")
			t.push(Event{Kind: EventConnected, Peer: p.id})
		}
		return
	}

	p, ok := t.registry.ByAddr(addr)
	if !ok || p.id != f.peer {
		t.dropped.Add(1)
		return
	}
	p.touch(now)

	switch f.kind {
	case kindUnreliable:
		t.deliver(p, f.payload)
	case kindReliable:
		t.receiveReliable(p, f.seq, f.payload)
	case kindAck:
		t.ackReliable(p, f.seq, now)
	case kindPing:
		t.write(p.addr, encodeFrame(frame{kind: kindPong, peer: p.id, nanos: f.nanos}))
	case kindPong:
		p.sampleRTT(now.Sub(time.Unix(0, int64(f.nanos))))
	case kindDisconnect:
		t.drop(p.id, ReasonRemote)
	}
}

func (t *Transport) deliver(p *Peer, msg []byte) {
	typ, payload, err := protocol.Decode(msg)
	if err != nil {
		t.dropped.Add(1)
		t.malformedLog.Do(func() {
			t.logger.Warn().Err(err).Uint32("peer_id", uint32(p.id)).Msg("dropping malformed message")
		})
		return
	}
	t.push(Event{Kind: EventReceived, Peer: p.id, Type: typ, Payload: payload})
}

func (t *Transport) receiveReliable(p *Peer, seq uint32, msg []byte) {
	t.write(p.addr, encodeFrame(frame{kind: kindAck, peer: p.id, seq: seq}))

	var ready [][]byte
	p.mu.Lock()
	switch {
	case seq < p.nextRecvSeq:
		// duplicate of something already delivered
	case seq == p.nextRecvSeq:
		ready = append(ready, msg)
		p.nextRecvSeq++
		for {
			next, ok := p.recvBuf[p.nextRecvSeq]
			if !ok {
				break
			}
			delete(p.recvBuf, p.nextRecvSeq)
			ready = append(ready, next)
			p.nextRecvSeq++
		}
	case seq-p.nextRecvSeq < recvWindow:
		if _, dup := p.recvBuf[seq]; !dup {
			p.recvBuf[seq] = msg
		}
	}
	p.mu.Unlock()

	for _, m := range ready {
		t.deliver(p, m)
	}
}

func (t *Transport) ackReliable(p *Peer, seq uint32, now time.Time) {
	var sample time.Duration = -1
	p.mu.Lock()
	if pf, ok := p.pending[seq]; ok {
		delete(p.pending, seq)
		if pf.attempts == 1 {
			sample = now.Sub(pf.firstAt)
		}
	}
	p.mu.Unlock()

	if sample >= 0 {
		p.sampleRTT(sample)
	}
}

// maintain expires dead peers, retransmits unacknowledged reliable frames
// and sends keepalive pings.
func (t *Transport) maintain(now time.Time) {
	for id, reason := range t.registry.Expired(now, t.opts.PeerTimeout, t.opts.HandshakeTimeout) {
		t.logger.Info().Uint32("peer_id", uint32(id)).Str("reason", reason).Msg("expiring peer")
		t.Disconnect(id, reason)
	}

	for _, p := range t.registry.All() {
		var resend [][]byte
		failed := false

		p.mu.Lock()
		rto := t.opts.ResendInterval
		if 2*p.rtt > rto {
			rto = 2 * p.rtt
		}
		for _, pf := range p.pending {
			if now.Sub(pf.sentAt) < rto {
				continue
			}
			if pf.attempts > t.opts.MaxResends {
				failed = true
				break
			}
			pf.attempts++
			pf.sentAt = now
			resend = append(resend, pf.datagram)
		}
		ping := t.opts.PingInterval > 0 && now.Sub(p.lastPing) >= t.opts.PingInterval
		if ping {
			p.lastPing = now
		}
		p.mu.Unlock()

		if failed {
			t.Disconnect(p.id, ReasonReliableTimeout)
			continue
		}
		for _, dg := range resend {
			t.retransmits.Add(1)
			t.write(p.addr, dg)
		}
		if ping {
			t.write(p.addr, encodeFrame(frame{kind: kindPing, peer: p.id, nanos: uint64(now.UnixNano())}))
		}
	}
}

func (t *Transport) push(ev Event) {
	t.qmu.Lock()
	defer t.qmu.Unlock()

	if ev.Kind == EventReceived && t.opts.MaxQueuedEvents > 0 && len(t.queue) >= t.opts.MaxQueuedEvents {
		t.dropped.Add(1)
		t.overflowLog.Do(func() {
			t.logger.Warn().Int("queued", len(t.queue)).Msg("event queue full, dropping inbound message")
		})
		return
	}
	t.queue = append(t.queue, ev)
}

// Poll drains pending events without blocking.
func (t *Transport) Poll() []Event {
	t.qmu.Lock()
	defer t.qmu.Unlock()

	if len(t.queue) == 0 {
		return nil
	}
	out := t.queue
	t.queue = nil
	return out
}

func (t *Transport) write(addr *net.UDPAddr, datagram []byte) {
	if t.conn == nil {
		return
	}
	if t.opts.MaxDatagramSize > 0 && len(datagram) > t.opts.MaxDatagramSize {
		t.oversizeLog.Do(func() {
			t.logger.Warn().Int("size", len(datagram)).Int("max", t.opts.MaxDatagramSize).Msg("datagram exceeds configured size")
		})
	}
	n, err := t.conn.WriteToUDP(datagram, addr)
	if err != nil {
		t.logger.Debug().Err(err).Str("remote", addr.String()).Msg("UDP write failed")
		return
	}
	t.packetsOut.Add(1)
	t.bytesOut.Add(uint64(n))
}

// Send encodes msg and sends it to one peer.
func (t *Transport) Send(id PeerID, msg protocol.Message, rel Reliability) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return t.SendRaw(id, data, rel)
}

// SendRaw sends an already encoded message frame to one peer.
func (t *Transport) SendRaw(id PeerID, msg []byte, rel Reliability) error {
	p, ok := t.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}

	if rel == Unreliable {
		t.write(p.addr, encodeFrame(frame{kind: kindUnreliable, peer: p.id, payload: msg}))
		return nil
	}

	now := t.now()
	p.mu.Lock()
	seq := p.nextSendSeq
	p.nextSendSeq++
	dg := encodeFrame(frame{kind: kindReliable, peer: p.id, seq: seq, payload: msg})
	p.pending[seq] = &pendingFrame{datagram: dg, firstAt: now, sentAt: now, attempts: 1}
	p.mu.Unlock()

	t.write(p.addr, dg)
	return nil
}

// SendMany encodes msg once and sends it to each listed peer. Unknown peers
// are skipped.
func (t *Transport) SendMany(ids []PeerID, msg protocol.Message, rel Reliability) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	for _, id := range ids {
		t.SendRaw(id, data, rel)
	}
	return nil
}

// Broadcast sends msg to every peer in PeerConnected.
func (t *Transport) Broadcast(msg protocol.Message, rel Reliability) error {
	return t.BroadcastExcept(PeerIDNone, msg, rel)
}

// BroadcastExcept sends msg to every connected peer except one.
func (t *Transport) BroadcastExcept(except PeerID, msg protocol.Message, rel Reliability) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	for _, p := range t.registry.All() {
		if p.id == except || p.State() != PeerConnected {
			continue
		}
		t.SendRaw(p.id, data, rel)
	}
	return nil
}

// Disconnect notifies the peer, frees it and raises PeerDisconnected.
func (t *Transport) Disconnect(id PeerID, reason string) {
	p, ok := t.registry.Get(id)
	if !ok {
		return
	}
	p.setState(PeerDisconnecting)
	t.write(p.addr, encodeFrame(frame{kind: kindDisconnect, peer: p.id, reason: reason}))
	t.drop(id, reason)
}

func (t *Transport) drop(id PeerID, reason string) {
	if _, ok := t.registry.Unregister(id); !ok {
		return
	}
	t.logger.Info().Uint32("peer_id", uint32(id)).Str("reason", reason).Msg("peer disconnected")
	t.push(Event{Kind: EventDisconnected, Peer: id, Reason: reason})
}

// SetState records the application-level stage of a peer.
func (t *Transport) SetState(id PeerID, s PeerState) error {
	p, ok := t.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}
	p.setState(s)
	return nil
}

// Peer returns a monitoring copy of one peer.
func (t *Transport) Peer(id PeerID) (PeerInfo, bool) {
	p, ok := t.registry.Get(id)
	if !ok {
		return PeerInfo{}, false
	}
	return p.Info(), true
}

// Peers returns monitoring copies of every live peer.
func (t *Transport) Peers() []PeerInfo {
	all := t.registry.All()
	out := make([]PeerInfo, 0, len(all))
	for _, p := range all {
		out = append(out, p.Info())
	}
	return out
}

// Stats returns cumulative counters.
func (t *Transport) Stats() Stats {
	return Stats{
		PacketsIn:   t.packetsIn.Load(),
		PacketsOut:  t.packetsOut.Load(),
		BytesIn:     t.bytesIn.Load(),
		BytesOut:    t.bytesOut.Load(),
		Dropped:     t.dropped.Load(),
		Retransmits: t.retransmits.Load(),
		Peers:       t.registry.Count(),
	}
}
