// Package server runs sessions on a host: it admits peers over the UDP
// transport, routes their messages into sessions, creates and tears down
// sessions on the orchestrator's request and tracks tick overruns.
package server

import (
	"time"

	"github.com/bastion-project/bastion/internal/auth"
	"github.com/bastion-project/bastion/internal/network"
)

// admission is the stage a peer has reached on its way into a session.
type admission int

const (
	// Waiting for Connect.
	stageConnecting admission = iota
	// Version accepted, waiting for AuthRequest.
	stageAuthenticating
	// AuthRequest in flight.
	stageVerifying
	// Join handed to a session.
	stageJoined
)

var admissionStrings = map[admission]string{
	stageConnecting:     "connecting",
	stageAuthenticating: "authenticating",
	stageVerifying:      "verifying",
	stageJoined:         "joined",
}

func (a admission) String() string {
	if s, ok := admissionStrings[a]; ok {
		return s
	}
	return "unknown"
}

// peerState is the manager's view of one peer. Owned by the service loop.
type peerState struct {
	id        network.PeerID
	stage     admission
	since     time.Time
	identity  auth.Identity
	matchID   string
	requestID uint32
}

func newPeerState(id network.PeerID, now time.Time) *peerState {
	return &peerState{id: id, stage: stageConnecting, since: now}
}

func (p *peerState) advance(stage admission, now time.Time) {
	p.stage = stage
	p.since = now
}

// authResult is posted back to the service loop by a verification goroutine.
type authResult struct {
	peer      network.PeerID
	requestID uint32
	identity  auth.Identity
	err       error
}
