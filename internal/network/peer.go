// Package network implements the UDP transport: a peer registry, a
// reliable-ordered and an unreliable channel multiplexed over one socket,
// liveness tracking, and the LAN discovery responder.
package network

import (
	"net"
	"sync"
	"time"
)

// PeerID identifies a transport connection. IDs are assigned on connect and
// never reused by a Transport.
type PeerID uint32

// PeerIDNone is never assigned.
const PeerIDNone PeerID = 0

// PeerState is the lifecycle stage of a peer.
type PeerState int

const (
	PeerConnecting PeerState = iota
	PeerAuthenticating
	PeerConnected
	PeerDisconnecting
	PeerDisconnected
)

var peerStateStrings = map[PeerState]string{
	PeerConnecting:     "connecting",
	PeerAuthenticating: "authenticating",
	PeerConnected:      "connected",
	PeerDisconnecting:  "disconnecting",
	PeerDisconnected:   "disconnected",
}

// String returns the lowercase state name.
func (s PeerState) String() string {
	if str, ok := peerStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes PeerState as a JSON string.
func (s PeerState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Peer is one remote endpoint. All mutable fields are guarded by mu.
type Peer struct {
	mu   sync.Mutex
	id   PeerID
	addr *net.UDPAddr

	state     PeerState
	createdAt time.Time
	lastRecv  time.Time
	lastPing  time.Time
	rtt       time.Duration

	// reliable channel
	nextSendSeq uint32
	pending     map[uint32]*pendingFrame
	nextRecvSeq uint32
	recvBuf     map[uint32][]byte
}

type pendingFrame struct {
	datagram []byte
	firstAt  time.Time
	sentAt   time.Time
	attempts int
}

func newPeer(id PeerID, addr *net.UDPAddr, now time.Time) *Peer {
	return &Peer{
		id:          id,
		addr:        addr,
		state:       PeerConnecting,
		createdAt:   now,
		lastRecv:    now,
		lastPing:    now,
		nextSendSeq: 1,
		pending:     make(map[uint32]*pendingFrame),
		nextRecvSeq: 1,
		recvBuf:     make(map[uint32][]byte),
	}
}

// ID returns the peer id.
func (p *Peer) ID() PeerID { return p.id }

// Addr returns the remote address.
func (p *Peer) Addr() *net.UDPAddr { return p.addr }

// State returns the current lifecycle state.
func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) setState(s PeerState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// RTT returns the smoothed round-trip estimate.
func (p *Peer) RTT() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rtt
}

// LastRecv returns the time of the last datagram from the peer.
func (p *Peer) LastRecv() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRecv
}

func (p *Peer) touch(now time.Time) {
	p.mu.Lock()
	p.lastRecv = now
	p.mu.Unlock()
}

// sampleRTT folds one measurement into an EWMA with weight 1/8.
func (p *Peer) sampleRTT(sample time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sample < 0 {
		return
	}
	if p.rtt == 0 {
		p.rtt = sample
		return
	}
	p.rtt += (sample - p.rtt) / 8
}

// PeerInfo is a point-in-time copy of a peer for monitoring.
type PeerInfo struct {
	ID        PeerID    `json:"id"`
	Addr      string    `json:"addr"`
	State     PeerState `json:"state"`
	RTTMillis int64     `json:"rtt_ms"`
	LastRecv  time.Time `json:"last_recv"`
	Pending   int       `json:"pending_reliable"`
}

// Info returns a monitoring snapshot of the peer.
func (p *Peer) Info() PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PeerInfo{
		ID:        p.id,
		Addr:      p.addr.String(),
		State:     p.state,
		RTTMillis: p.rtt.Milliseconds(),
		LastRecv:  p.lastRecv,
		Pending:   len(p.pending),
	}
}
