package match

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bastion-project/bastion/internal/events"
	"github.com/bastion-project/bastion/internal/protocol"
)

// ---- roster ----

func (s *Session) rosterSlot(userID string) (RosterSlot, bool) {
	for _, r := range s.cfg.Roster {
		if r.UserID == userID {
			return r, true
		}
	}
	return RosterSlot{}, false
}

func (s *Session) requiredPlayers() int {
	if len(s.cfg.Roster) > 0 {
		return len(s.cfg.Roster)
	}
	if s.cfg.Mode == ModeSolo {
		return 1
	}
	return 2
}

// openTeam returns the map team with the fewest players, lowest id first.
func (s *Session) openTeam() uint8 {
	counts := make(map[uint8]int)
	for _, p := range s.players {
		counts[p.Team]++
	}
	teams := s.cfg.Map.Teams()
	if len(teams) == 0 {
		return 0
	}
	best := teams[0]
	for _, t := range teams[1:] {
		if counts[t] < counts[best] {
			best = t
		}
	}
	return best
}

func (s *Session) rejectJoin(j Join, code protocol.ErrorCode, text string) {
	if s.deps.Link == nil {
		return
	}
	s.deps.Link.Send(j.Peer, protocol.AuthResponse{
		RequestID: j.RequestID,
		UserID:    j.UserID,
		MatchID:   s.cfg.MatchID,
		Code:      code,
		Message:   text,
	}, true)
	s.deps.Link.Reject(j.Peer, code.String())
}

func (s *Session) join(j Join) {
	if _, dup := s.byPeer[j.Peer]; dup {
		return
	}
	if s.state != StateWaitingForPlayers {
		s.rejectJoin(j, protocol.ErrCodeMatchAlreadyStarted, "match already started")
		return
	}

	slot, listed := s.rosterSlot(j.UserID)
	if len(s.cfg.Roster) > 0 && !listed {
		s.rejectJoin(j, protocol.ErrCodeNotInRoster, "user is not part of this match")
		return
	}
	for _, p := range s.players {
		if p.UserID == j.UserID {
			s.rejectJoin(j, protocol.ErrCodeSessionFull, "user already connected")
			return
		}
	}
	if len(s.players) >= s.cfg.MaxPlayers {
		s.rejectJoin(j, protocol.ErrCodeSessionFull, "session is full")
		return
	}

	team := slot.Team
	if !listed && s.cfg.Mode == ModePvP {
		team = s.openTeam()
	}
	name := j.Name
	if name == "" {
		name = slot.Name
	}

	s.nextPlayer++
	p := &Player{
		ID:           s.nextPlayer,
		Peer:         j.Peer,
		UserID:       j.UserID,
		CharacterID:  j.CharacterID,
		Name:         name,
		Team:         team,
		Connected:    true,
		limiter:      rate.NewLimiter(rate.Limit(s.cfg.ActionRate), s.cfg.ActionBurst),
		abilityReady: make(map[string]uint64),
	}
	s.players[p.ID] = p
	s.playerOrder = append(s.playerOrder, p.ID)
	s.byPeer[j.Peer] = p.ID

	if s.deps.Link != nil {
		s.deps.Link.Admitted(j.Peer, p.ID)
	}
	s.send(p, protocol.AuthResponse{
		RequestID: j.RequestID,
		Success:   true,
		PlayerID:  uint32(p.ID),
		UserID:    p.UserID,
		MatchID:   s.cfg.MatchID,
	}, true)
	s.needSnapshot[p.ID] = true

	s.log.Info().Uint32("player_id", uint32(p.ID)).Uint32("peer_id", j.Peer).Str("user_id", p.UserID).Msg("player admitted")
	s.publish(events.EventPlayerConnection, events.PlayerConnectionPayload{
		MatchID: s.cfg.MatchID, PlayerID: uint32(p.ID), UserID: p.UserID, PeerID: j.Peer, Connected: true,
	})
}

// leave unlinks a peer. In the lobby the player is removed; once the
// match has started it stays in the match, disconnected, and its towers
// keep fighting.
func (s *Session) leave(l Leave) {
	id, ok := s.byPeer[l.Peer]
	if !ok {
		return
	}
	p := s.players[id]
	delete(s.byPeer, l.Peer)

	if s.state == StateWaitingForPlayers {
		delete(s.players, id)
		delete(s.needSnapshot, id)
		for i, pid := range s.playerOrder {
			if pid == id {
				s.playerOrder = append(s.playerOrder[:i], s.playerOrder[i+1:]...)
				break
			}
		}
		for _, other := range s.players {
			s.needSnapshot[other.ID] = true
		}
	} else {
		p.Connected = false
		p.pendingInput = nil
	}

	s.log.Info().Uint32("player_id", uint32(id)).Str("reason", l.Reason).Msg("player disconnected")
	s.publish(events.EventPlayerConnection, events.PlayerConnectionPayload{
		MatchID: s.cfg.MatchID, PlayerID: uint32(id), UserID: p.UserID, PeerID: l.Peer, Reason: l.Reason,
	})
}

func (s *Session) setReady(p *Player, ready bool) {
	if s.state != StateWaitingForPlayers {
		s.sendError(p, 0, protocol.ErrCodeMatchAlreadyStarted, "match already started")
		return
	}
	if p.Ready == ready {
		return
	}
	p.Ready = ready
	s.broadcast(protocol.ReadyState{PlayerID: uint32(p.ID), Ready: ready}, true)
}

// ---- state machine ----

func (s *Session) updateState() {
	if s.state == StateEnding {
		if s.tick > s.stateSince {
			s.setState(StateEnded)
		}
		return
	}
	if s.state >= StateStarting {
		s.checkEnd()
	}

	switch s.state {
	case StateWaitingForPlayers:
		s.updateLobby()
	case StateStarting:
		if !s.replaying && !s.loadoutsQueued && s.tick >= s.loadoutsDeadline {
			s.log.Warn().Msg("loadouts not delivered in time, starting with empty loadouts")
			s.queueLoadouts(LoadoutsReady{})
		}
	case StateWaveIntermission:
		if s.tick >= s.intermissionEnds {
			s.startWave()
		}
	case StateWaveInProgress:
		if s.wave.done() {
			s.finishWave()
		}
	}
}

func (s *Session) updateLobby() {
	admitted := len(s.players)
	ready := 0
	for _, p := range s.players {
		if p.Ready {
			ready++
		}
	}

	switch {
	case s.cfg.Mode == ModeSolo && ready >= 1:
		s.beginStarting()
		return
	case s.cfg.Mode != ModeSolo && admitted >= s.requiredPlayers() && ready == admitted:
		if s.cfg.Mode != ModePvP || len(s.playerTeams(false)) >= 2 {
			s.beginStarting()
			return
		}
	}

	if s.tick-s.stateSince < s.cfg.ticks(s.cfg.MinPlayerTimeout) {
		return
	}
	switch {
	case admitted == 0:
		s.end(OutcomeAbandoned, 0)
	case s.cfg.Mode == ModePvP && len(s.playerTeams(false)) < 2:
		s.end(OutcomeAbandoned, 0)
	default:
		s.log.Info().Int("players", admitted).Int("ready", ready).Msg("minimum player timeout elapsed, starting")
		s.beginStarting()
	}
}

func (s *Session) beginStarting() {
	s.setState(StateStarting)
	s.lastConnected = s.tick
	for _, id := range s.playerOrder {
		p := s.players[id]
		p.Gold = s.cfg.StartingGold
		p.Lives = s.cfg.StartingLives
	}
	s.loadoutsDeadline = s.tick + s.cfg.ticks(s.cfg.LoadoutTimeout) + uint64(s.cfg.TickRate)

	switch {
	case s.replaying:
	case s.deps.Loader == nil:
		s.queueLoadouts(LoadoutsReady{})
	default:
		s.loadLoadouts()
	}
}

func (s *Session) queueLoadouts(l LoadoutsReady) {
	s.loadoutsQueued = true
	s.local = append(s.local, l)
}

type playerRef struct {
	id          PlayerID
	userID      string
	characterID string
}

// loadLoadouts fetches every player's loadout in parallel off the tick
// goroutine. A failed or late load degrades that player to an empty
// loadout.
func (s *Session) loadLoadouts() {
	refs := make([]playerRef, 0, len(s.playerOrder))
	for _, id := range s.playerOrder {
		p := s.players[id]
		refs = append(refs, playerRef{id: p.ID, userID: p.UserID, characterID: p.CharacterID})
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LoadoutTimeout)
	s.loadCancel = cancel
	loader := s.deps.Loader
	logger := s.log

	go func() {
		defer cancel()
		results := make([]Loadout, len(refs))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(8)
		for i, ref := range refs {
			i, ref := i, ref
			g.Go(func() error {
				lo, err := loader.LoadLoadout(gctx, ref.userID, ref.characterID)
				if err != nil {
					logger.Warn().Err(err).Str("user_id", ref.userID).Msg("loadout unavailable, using empty loadout")
					return nil
				}
				results[i] = lo
				return nil
			})
		}
		g.Wait()

		ready := LoadoutsReady{Loadouts: make(map[PlayerID]Loadout, len(refs))}
		for i, ref := range refs {
			ready.Loadouts[ref.id] = results[i]
		}
		if err := s.Enqueue(ready); err != nil {
			logger.Warn().Err(err).Msg("failed to deliver loadouts")
		}
	}()
}

func (s *Session) applyLoadouts(l LoadoutsReady) {
	if s.state != StateStarting {
		return
	}
	s.loadoutsQueued = true
	s.cancelLoading()

	roster := make([]protocol.RosterEntry, 0, len(s.playerOrder))
	refs := make([]events.PlayerRef, 0, len(s.playerOrder))
	towerTypes := s.cfg.Catalog.TowerTypes()

	for _, id := range s.playerOrder {
		p := s.players[id]
		p.Loadout = l.Loadouts[id]
		for _, item := range p.Loadout.Items {
			switch item.Kind {
			case ItemGold:
				p.Gold += item.Amount
			case ItemLives:
				p.Lives += item.Amount
			}
		}
		if pf, ok := s.deps.Bonuses.(BonusPrefetcher); ok && !s.replaying {
			pf.Prefetch(p.UserID, towerTypes)
		}
		roster = append(roster, protocol.RosterEntry{PlayerID: uint32(p.ID), UserID: p.UserID, Name: p.Name, Team: p.Team})
		refs = append(refs, events.PlayerRef{PlayerID: uint32(p.ID), UserID: p.UserID, CharacterID: p.CharacterID, Name: p.Name, Team: p.Team})
	}

	m := s.cfg.Map
	s.broadcast(protocol.MatchStart{
		MatchID: s.cfg.MatchID,
		Mode:    uint8(s.cfg.Mode),
		Tick:    s.tick,
		Map: protocol.MapInfo{
			Name:     m.Name,
			Width:    uint16(m.Width),
			Height:   uint16(m.Height),
			CellSize: float32(m.CellSize),
			Waves:    uint16(len(m.Waves)),
		},
		Roster: roster,
	}, true)
	for _, id := range s.playerOrder {
		s.needSnapshot[id] = true
	}

	s.publish(events.EventMatchStarted, events.MatchStartedPayload{
		MatchID: s.cfg.MatchID, Mode: s.cfg.Mode.String(), Map: m.Name, Players: refs, Tick: s.tick,
	})
	s.log.Info().Int("players", len(refs)).Msg("match started")

	s.waveIndex = 0
	s.enterIntermission()
}

func (s *Session) enterIntermission() {
	s.wave = nil
	s.setState(StateWaveIntermission)
	s.intermissionEnds = s.tick + s.cfg.ticks(s.cfg.Intermission)
}

func (s *Session) startWave() {
	def := s.cfg.Map.Waves[s.waveIndex]
	interval := uint64(s.cfg.secondsToTicks(def.IntervalSec))
	s.wave = newWaveRun(s.waveIndex+1, def, interval, s.cfg.Map.MaxSpawnsPerTick, s.tick)
	s.setState(StateWaveInProgress)
	s.broadcast(protocol.WaveStart{Wave: uint16(s.wave.number), UnitCount: uint16(s.wave.total), Tick: s.tick}, true)
}

// finishWave grants the wave reward scaled by the fraction of units that
// did not leak.
func (s *Session) finishWave() {
	w := s.wave
	reward := 0
	if w.total > 0 {
		reward = w.def.Reward * (w.total - w.leaks) / w.total
	}
	for _, id := range s.playerOrder {
		if p := s.players[id]; !p.eliminated() {
			p.Gold += reward
		}
	}

	s.broadcast(protocol.WaveEnd{Wave: uint16(w.number), Leaks: uint16(w.leaks), Reward: int32(reward), Tick: s.tick}, true)
	s.publish(events.EventWaveCompleted, events.WaveCompletedPayload{
		MatchID: s.cfg.MatchID, Wave: w.number, Leaks: w.leaks, Reward: reward, Tick: s.tick,
	})
	s.wavesCleared++
	s.waveIndex++

	if s.waveIndex < len(s.cfg.Map.Waves) {
		s.enterIntermission()
		return
	}
	if s.cfg.Mode == ModePvP {
		team, ok := s.leadingTeam()
		if !ok {
			s.end(OutcomeDraw, 0)
			return
		}
		s.end(OutcomeVictory, team)
		return
	}
	s.end(OutcomeVictory, 0)
}

// checkEnd applies the defeat, last-team-standing and abandonment rules.
func (s *Session) checkEnd() {
	for _, p := range s.players {
		if p.Connected {
			s.lastConnected = s.tick
			break
		}
	}
	if s.cfg.AbandonTimeout > 0 && s.tick-s.lastConnected >= s.cfg.ticks(s.cfg.AbandonTimeout) {
		s.log.Info().Msg("all players gone, abandoning match")
		s.end(OutcomeAbandoned, 0)
		return
	}
	if !s.state.Playing() || len(s.players) == 0 {
		return
	}

	alive := s.playerTeams(true)
	if s.cfg.Mode == ModePvP {
		switch len(alive) {
		case 0:
			s.end(OutcomeDraw, 0)
		case 1:
			s.end(OutcomeVictory, alive[0])
		}
		return
	}
	if len(alive) == 0 {
		s.end(OutcomeDefeat, 0)
	}
}

// playerTeams lists teams that have players, optionally only those with
// lives left.
func (s *Session) playerTeams(aliveOnly bool) []uint8 {
	seen := make(map[uint8]bool)
	var teams []uint8
	for _, id := range s.playerOrder {
		p := s.players[id]
		if aliveOnly && p.eliminated() {
			continue
		}
		if !seen[p.Team] {
			seen[p.Team] = true
			teams = append(teams, p.Team)
		}
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i] < teams[j] })
	return teams
}

func (s *Session) leadingTeam() (uint8, bool) {
	lives := make(map[uint8]int)
	for _, p := range s.players {
		lives[p.Team] += p.Lives
	}
	best, bestLives, tied := uint8(0), -1, false
	for _, team := range s.playerTeams(false) {
		switch {
		case lives[team] > bestLives:
			best, bestLives, tied = team, lives[team], false
		case lives[team] == bestLives:
			tied = true
		}
	}
	return best, !tied && bestLives >= 0
}

// end moves the match to Ending, publishes the result and tells clients.
func (s *Session) end(outcome Outcome, winningTeam uint8) {
	if s.state >= StateEnding {
		return
	}
	s.cancelLoading()
	s.outcome = outcome
	s.winningTeam = winningTeam
	s.setState(StateEnding)

	results := make([]events.PlayerResult, 0, len(s.playerOrder))
	for _, id := range s.playerOrder {
		p := s.players[id]
		results = append(results, events.PlayerResult{
			PlayerID: uint32(p.ID), UserID: p.UserID, Team: p.Team,
			Gold: p.Gold, Lives: p.Lives, Score: p.Score, Kills: p.Kills, Connected: p.Connected,
		})
	}

	s.broadcast(protocol.MatchEnd{
		MatchID:     s.cfg.MatchID,
		Outcome:     uint8(outcome),
		WinningTeam: winningTeam,
		Waves:       uint16(s.wavesCleared),
		Ticks:       s.tick,
		Players:     s.playerStates(),
	}, true)
	s.publish(events.EventMatchEnded, events.MatchEndedPayload{
		MatchID:      s.cfg.MatchID,
		Mode:         s.cfg.Mode.String(),
		Outcome:      outcome.String(),
		WinningTeam:  winningTeam,
		WavesCleared: s.wavesCleared,
		Ticks:        s.tick,
		Players:      results,
	})
	s.log.Info().Str("outcome", outcome.String()).Uint8("winning_team", winningTeam).Int("waves", s.wavesCleared).Msg("match ending")
}
