package network

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bastion-project/bastion/internal/protocol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func newTestTransport(t *testing.T) (*Transport, *fakeClock) {
	t.Helper()

	opts := DefaultOptions()
	opts.Addr = "127.0.0.1:0"
	opts.PingInterval = 0
	opts.MaxResends = 2

	tr := NewTransport(opts)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tr.now = clock.Now
	if err := tr.Listen(context.Background()); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { tr.conn.Close() })
	return tr, clock
}

func newClient(t *testing.T) *net.UDPConn {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("client listen: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func addrOf(c *net.UDPConn) *net.UDPAddr {
	return c.LocalAddr().(*net.UDPAddr)
}

func readFrame(t *testing.T, c *net.UDPConn) frame {
	t.Helper()
	buf := make([]byte, 65536)
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := c.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	f, err := decodeFrame(buf[:n])
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func pingFrame(t *testing.T, n int64) []byte {
	t.Helper()
	data, err := protocol.Encode(protocol.Ping{ClientTime: n})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func connect(t *testing.T, tr *Transport, c *net.UDPConn, now time.Time) PeerID {
	t.Helper()
	tr.handleDatagram(encodeFrame(frame{kind: kindConnect}), addrOf(c), now)
	f := readFrame(t, c)
	if f.kind != kindAccept || f.peer == PeerIDNone {
		t.Fatalf("expected accept with id, got %+v", f)
	}
	return f.peer
}

func TestPeerIDsAreNeverReused(t *testing.T) {
	tr, clock := newTestTransport(t)
	c := newClient(t)

	first := connect(t, tr, c, clock.Now())
	again := connect(t, tr, c, clock.Now())
	if again != first {
		t.Fatalf("repeated connect from same address got id %d, want %d", again, first)
	}

	tr.Disconnect(first, "kicked")
	readFrame(t, c) // disconnect notice

	second := connect(t, tr, c, clock.Now())
	if second <= first {
		t.Fatalf("reconnect got id %d, want > %d", second, first)
	}

	events := tr.Poll()
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].Kind != EventConnected || events[0].Peer != first {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Kind != EventDisconnected || events[1].Reason != "kicked" {
		t.Errorf("event 1 = %+v", events[1])
	}
	if events[2].Kind != EventConnected || events[2].Peer != second {
		t.Errorf("event 2 = %+v", events[2])
	}
}

func TestReliableDeliveryIsOrderedAndDeduplicated(t *testing.T) {
	tr, clock := newTestTransport(t)
	c := newClient(t)
	id := connect(t, tr, c, clock.Now())
	tr.Poll()

	for _, seq := range []uint32{2, 3, 1, 2, 1} {
		dg := encodeFrame(frame{kind: kindReliable, peer: id, seq: seq, payload: pingFrame(t, int64(seq))})
		tr.handleDatagram(dg, addrOf(c), clock.Now())
	}

	for i := 0; i < 5; i++ {
		if f := readFrame(t, c); f.kind != kindAck {
			t.Fatalf("expected ack, got kind %d", f.kind)
		}
	}

	events := tr.Poll()
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Kind != EventReceived || ev.Type != protocol.TypePing {
			t.Fatalf("event %d = %+v", i, ev)
		}
		p, err := protocol.DecodeAs[protocol.Ping](ev.Payload)
		if err != nil {
			t.Fatal(err)
		}
		if p.ClientTime != int64(i+1) {
			t.Fatalf("event %d carries %d, want %d", i, p.ClientTime, i+1)
		}
	}
}

func TestDatagramsFromUnknownAddressAreDropped(t *testing.T) {
	tr, clock := newTestTransport(t)
	c := newClient(t)

	dg := encodeFrame(frame{kind: kindUnreliable, peer: 1, payload: pingFrame(t, 1)})
	tr.handleDatagram(dg, addrOf(c), clock.Now())

	if events := tr.Poll(); len(events) != 0 {
		t.Fatalf("unexpected events %+v", events)
	}
	if tr.Stats().Dropped != 1 {
		t.Fatalf("dropped = %d, want 1", tr.Stats().Dropped)
	}
}

func TestMalformedMessageIsDroppedNotFatal(t *testing.T) {
	tr, clock := newTestTransport(t)
	c := newClient(t)
	id := connect(t, tr, c, clock.Now())
	tr.Poll()

	tr.handleDatagram(encodeFrame(frame{kind: kindUnreliable, peer: id, payload: []byte{0x04}}), addrOf(c), clock.Now())
	tr.handleDatagram([]byte{1, 2, 3}, addrOf(c), clock.Now())
	tr.handleDatagram(encodeFrame(frame{kind: kindUnreliable, peer: id, payload: pingFrame(t, 9)}), addrOf(c), clock.Now())

	events := tr.Poll()
	if len(events) != 1 || events[0].Type != protocol.TypePing {
		t.Fatalf("events = %+v", events)
	}
	if _, ok := tr.Peer(id); !ok {
		t.Fatal("peer was dropped after a malformed message")
	}
}

func TestHandshakeTimeoutDisconnectsUnauthenticatedPeer(t *testing.T) {
	tr, clock := newTestTransport(t)
	pending := newClient(t)
	admitted := newClient(t)

	pendingID := connect(t, tr, pending, clock.Now())
	admittedID := connect(t, tr, admitted, clock.Now())
	tr.SetState(pendingID, PeerAuthenticating)
	tr.SetState(admittedID, PeerConnected)
	tr.Poll()

	tr.maintain(clock.Advance(tr.opts.HandshakeTimeout + time.Millisecond))

	events := tr.Poll()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(events), events)
	}
	if events[0].Kind != EventDisconnected || events[0].Peer != pendingID || events[0].Reason != ReasonHandshakeTimeout {
		t.Fatalf("event = %+v", events[0])
	}
	if _, ok := tr.Peer(pendingID); ok {
		t.Fatal("timed out peer still registered")
	}
	if _, ok := tr.Peer(admittedID); !ok {
		t.Fatal("connected peer was expired")
	}
}

func TestLivenessTimeout(t *testing.T) {
	tr, clock := newTestTransport(t)
	c := newClient(t)
	id := connect(t, tr, c, clock.Now())
	tr.SetState(id, PeerConnected)
	tr.Poll()

	tr.maintain(clock.Advance(tr.opts.PeerTimeout / 2))
	if events := tr.Poll(); len(events) != 0 {
		t.Fatalf("premature events %+v", events)
	}

	tr.maintain(clock.Advance(tr.opts.PeerTimeout))
	events := tr.Poll()
	if len(events) != 1 || events[0].Reason != ReasonTimeout {
		t.Fatalf("events = %+v", events)
	}
}

func TestReliableRetransmitUntilAcked(t *testing.T) {
	tr, clock := newTestTransport(t)
	c := newClient(t)
	id := connect(t, tr, c, clock.Now())
	tr.SetState(id, PeerConnected)

	if err := tr.SendRaw(id, pingFrame(t, 5), ReliableOrdered); err != nil {
		t.Fatal(err)
	}
	first := readFrame(t, c)
	if first.kind != kindReliable || first.seq != 1 {
		t.Fatalf("first = %+v", first)
	}

	tr.maintain(clock.Advance(tr.opts.ResendInterval))
	again := readFrame(t, c)
	if again.kind != kindReliable || again.seq != first.seq {
		t.Fatalf("retransmit = %+v", again)
	}

	tr.handleDatagram(encodeFrame(frame{kind: kindAck, peer: id, seq: first.seq}), addrOf(c), clock.Now())
	if info, _ := tr.Peer(id); info.Pending != 0 {
		t.Fatalf("pending = %d after ack", info.Pending)
	}
	if tr.Stats().Retransmits != 1 {
		t.Fatalf("retransmits = %d", tr.Stats().Retransmits)
	}
}

func TestReliableGiveUpDisconnects(t *testing.T) {
	tr, clock := newTestTransport(t)
	c := newClient(t)
	id := connect(t, tr, c, clock.Now())
	tr.SetState(id, PeerConnected)
	tr.Poll()

	tr.SendRaw(id, pingFrame(t, 1), ReliableOrdered)
	for i := 0; i < 10; i++ {
		now := clock.Advance(tr.opts.ResendInterval)
		tr.handleDatagram(encodeFrame(frame{kind: kindPong, peer: id, nanos: uint64(now.UnixNano())}), addrOf(c), now)
		tr.maintain(now)
	}

	events := tr.Poll()
	if len(events) != 1 || events[0].Kind != EventDisconnected || events[0].Reason != ReasonReliableTimeout {
		t.Fatalf("events = %+v", events)
	}
}

func TestBroadcastSkipsPeersNotConnected(t *testing.T) {
	tr, clock := newTestTransport(t)
	a, b, x := newClient(t), newClient(t), newClient(t)
	ida := connect(t, tr, a, clock.Now())
	idb := connect(t, tr, b, clock.Now())
	connect(t, tr, x, clock.Now())
	tr.SetState(ida, PeerConnected)
	tr.SetState(idb, PeerConnected)

	if err := tr.BroadcastExcept(idb, protocol.Ping{ClientTime: 3}, Unreliable); err != nil {
		t.Fatal(err)
	}

	f := readFrame(t, a)
	if f.kind != kindUnreliable {
		t.Fatalf("a got %+v", f)
	}
	for _, c := range []*net.UDPConn{b, x} {
		c.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		buf := make([]byte, 2048)
		if _, _, err := c.ReadFromUDP(buf); err == nil {
			t.Fatal("excluded peer received broadcast")
		}
	}
}

func TestServeEndToEnd(t *testing.T) {
	opts := DefaultOptions()
	opts.Addr = "127.0.0.1:0"
	tr := NewTransport(opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tr.Listen(ctx); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- tr.Serve(ctx) }()

	c, err := net.DialUDP("udp4", nil, tr.LocalAddr())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c.Write(encodeFrame(frame{kind: kindConnect}))
	buf := make([]byte, 2048)
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := c.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	accept, err := decodeFrame(buf[:n])
	if err != nil || accept.kind != kindAccept {
		t.Fatalf("accept = %+v, %v", accept, err)
	}

	c.Write(encodeFrame(frame{kind: kindReliable, peer: accept.peer, seq: 1, payload: pingFrame(t, 77)}))

	deadline := time.Now().Add(2 * time.Second)
	var got []Event
	for time.Now().Before(deadline) && len(got) < 2 {
		got = append(got, tr.Poll()...)
		time.Sleep(5 * time.Millisecond)
	}
	if len(got) != 2 || got[0].Kind != EventConnected || got[1].Kind != EventReceived {
		t.Fatalf("events = %+v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}
}

type fixedCapacity int

func (f fixedCapacity) FreeSlots() int { return int(f) }

func TestDiscoveryProbe(t *testing.T) {
	d := NewDiscoveryResponder("127.0.0.1:0", "bastion-eu-1", "1.4.0", fixedCapacity(12))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Listen(ctx); err != nil {
		t.Fatal(err)
	}
	go d.Serve(ctx)

	name, version, free, err := Probe(d.LocalAddr().String(), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if name != "bastion-eu-1" || version != "1.4.0" || free != 12 {
		t.Fatalf("probe = %q %q %d", name, version, free)
	}
}
