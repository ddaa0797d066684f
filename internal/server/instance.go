package server

import (
	"context"
	"errors"
	"time"

	"github.com/bastion-project/bastion/internal/events"
	"github.com/bastion-project/bastion/internal/match"
	"github.com/bastion-project/bastion/internal/network"
	"github.com/bastion-project/bastion/internal/protocol"
)

const teardownTimeout = 5 * time.Second

// Instance is one hosted session and the resources bound to it.
type Instance struct {
	session   *match.Session
	sink      *events.SessionSink
	roster    []match.RosterSlot
	mode      string
	mapName   string
	createdAt time.Time
}

// open reports whether the session still admits joins without a roster.
func (i *Instance) open() bool {
	return i.session.Status().State == match.StateWaitingForPlayers.String()
}

// Info is a monitor view of an instance.
type Info struct {
	match.Status
	Roster []match.RosterSlot `json:"roster,omitempty"`
}

// Info returns the last published status of the session.
func (i *Instance) Info() Info {
	return Info{Status: i.session.Status(), Roster: i.roster}
}

// run drives the session loop and tears the session down once it returns.
func (m *Manager) run(inst *Instance) {
	defer m.wg.Done()

	err := inst.session.Run(m.ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error().Err(err).Str("match_id", inst.session.MatchID()).Msg("session loop failed")
	}
	m.teardown(inst)
}

// teardown releases everything a finished session holds. It runs on the
// session goroutine after Run has returned.
func (m *Manager) teardown(inst *Instance) {
	s := inst.session
	matchID := s.MatchID()

	m.mu.Lock()
	delete(m.sessions, matchID)
	for _, slot := range inst.roster {
		if m.users[slot.UserID] == matchID {
			delete(m.users, slot.UserID)
		}
	}
	m.mu.Unlock()

	outcome := s.Outcome()
	if m.deps.Replays != nil {
		m.deps.Replays.Finish(matchID, outcome.String(), s.Tick(), s.Digest())
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := inst.sink.Flush(ctx); err != nil {
		m.logger.Warn().Err(err).Str("match_id", matchID).Msg("event sink did not drain")
	}

	status := s.Status()
	s.Release()
	m.deps.Lag.Forget(matchID)

	payload := events.SessionPayload{
		MatchID: matchID,
		Mode:    inst.mode,
		Map:     inst.mapName,
		State:   status.State,
		Players: len(status.Players),
	}
	m.deps.EventBus.Emit(context.Background(), events.Event{
		Type:    events.EventSessionClosed,
		Source:  "manager",
		Payload: payload,
	})
	if o := m.deps.Orchestrator; o != nil && o.Enabled() {
		if err := o.SessionClosed(ctx, payload); err != nil {
			m.logger.Warn().Err(err).Str("match_id", matchID).Msg("failed to report closed session")
		}
	}

	m.logger.Info().
		Str("match_id", matchID).
		Str("outcome", outcome.String()).
		Uint64("ticks", s.Tick()).
		Msg("session closed")
}

// peerLink adapts the transport to the session's PeerLink.
type peerLink struct {
	m *Manager
}

func (l peerLink) Send(peer uint32, msg protocol.Message, reliable bool) {
	rel := network.Unreliable
	if reliable {
		rel = network.ReliableOrdered
	}
	if err := l.m.deps.Transport.Send(network.PeerID(peer), msg, rel); err != nil && !errors.Is(err, network.ErrUnknownPeer) {
		l.m.logger.Debug().Err(err).Uint32("peer_id", peer).Msg("send failed")
	}
}

func (l peerLink) Admitted(peer uint32, player match.PlayerID) {
	l.m.deps.Transport.SetState(network.PeerID(peer), network.PeerConnected)
	l.m.logger.Debug().Uint32("peer_id", peer).Uint32("player_id", uint32(player)).Msg("peer admitted")
}

func (l peerLink) Reject(peer uint32, reason string) {
	l.m.dropLater(network.PeerID(peer), reason)
}
