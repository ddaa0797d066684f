package network

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PeerRegistry tracks live peers by id and by address. A single RWMutex
// guards both indexes so connect and disconnect cannot race a broadcast.
type PeerRegistry struct {
	mu     sync.RWMutex
	nextID PeerID
	byID   map[PeerID]*Peer
	byAddr map[string]*Peer
}

// NewPeerRegistry creates an empty registry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{
		byID:   make(map[PeerID]*Peer),
		byAddr: make(map[string]*Peer),
	}
}

// Register returns the peer for addr, creating it with a fresh id when the
// address is unknown. The bool reports whether a new peer was created.
func (r *PeerRegistry) Register(addr *net.UDPAddr, now time.Time) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := addr.String()
	if existing, ok := r.byAddr[key]; ok {
		return existing, false
	}

	r.nextID++
	p := newPeer(r.nextID, addr, now)
	r.byID[p.id] = p
	r.byAddr[key] = p

	log.Debug().Uint32("peer_id", uint32(p.id)).Str("addr", key).Msg("peer registered")
	return p, true
}

// Unregister removes a peer. It returns false if the peer was already gone.
func (r *PeerRegistry) Unregister(id PeerID) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	delete(r.byAddr, p.addr.String())
	p.setState(PeerDisconnected)
	return p, true
}

// Get returns the peer with the given id.
func (r *PeerRegistry) Get(id PeerID) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

// ByAddr returns the peer bound to addr.
func (r *PeerRegistry) ByAddr(addr *net.UDPAddr) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byAddr[addr.String()]
	return p, ok
}

// All returns the live peers ordered by id.
func (r *PeerRegistry) All() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Peer, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Count returns the number of live peers.
func (r *PeerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Expired lists peers that exceeded the liveness window, or that have not
// reached PeerConnected within the handshake window. Each entry carries the
// disconnect reason.
func (r *PeerRegistry) Expired(now time.Time, peerTimeout, handshakeTimeout time.Duration) map[PeerID]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[PeerID]string)
	for id, p := range r.byID {
		p.mu.Lock()
		switch {
		case now.Sub(p.lastRecv) > peerTimeout:
			out[id] = ReasonTimeout
		case p.state < PeerConnected && now.Sub(p.createdAt) > handshakeTimeout:
			out[id] = ReasonHandshakeTimeout
		}
		p.mu.Unlock()
	}
	return out
}
