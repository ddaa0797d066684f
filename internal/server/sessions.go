package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/bastion-project/bastion/internal/config"
	"github.com/bastion-project/bastion/internal/db"
	"github.com/bastion-project/bastion/internal/events"
	"github.com/bastion-project/bastion/internal/match"
)

var (
	// ErrAtCapacity is returned when the host runs its maximum of sessions.
	ErrAtCapacity = errors.New("server is at capacity")

	// ErrSessionExists is returned for a match id already hosted here.
	ErrSessionExists = errors.New("session already exists")

	// ErrUserBusy is returned when a roster user is already in another session.
	ErrUserBusy = errors.New("user is already in a session")

	// ErrUnknownSession is returned for match ids not hosted here.
	ErrUnknownSession = errors.New("unknown session")

	// ErrInvalidRequest wraps malformed handoffs.
	ErrInvalidRequest = errors.New("invalid session request")

	// ErrShuttingDown is returned once Shutdown has begun.
	ErrShuttingDown = errors.New("server is shutting down")

	// ErrReplaysDisabled is returned by Verify without a replay store.
	ErrReplaysDisabled = errors.New("replay journal is disabled")
)

// CreateRequest is the orchestrator's session handoff.
type CreateRequest struct {
	MatchID string             `json:"match_id"`
	Mode    string             `json:"mode"`
	Map     string             `json:"map"`
	Roster  []match.RosterSlot `json:"roster"`
}

// CreateSession validates a handoff, starts the session and returns its
// initial info. A missing match id is generated.
func (m *Manager) CreateSession(req CreateRequest) (Info, error) {
	if m.shuttingDown.Load() {
		return Info{}, ErrShuttingDown
	}
	if req.MatchID == "" {
		req.MatchID = uuid.NewString()
	}

	mode := match.ModeSolo
	if req.Mode != "" {
		var err error
		if mode, err = match.ParseGameMode(req.Mode); err != nil {
			return Info{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	sd := m.cfg.GetServerData()
	if len(req.Roster) > sd.MaxPlayersPerSession {
		return Info{}, fmt.Errorf("%w: roster of %d exceeds %d players", ErrInvalidRequest, len(req.Roster), sd.MaxPlayersPerSession)
	}
	seen := make(map[string]bool, len(req.Roster))
	for _, slot := range req.Roster {
		if slot.UserID == "" || seen[slot.UserID] {
			return Info{}, fmt.Errorf("%w: roster user ids must be unique and non-empty", ErrInvalidRequest)
		}
		seen[slot.UserID] = true
	}

	mapName := req.Map
	if mapName == "" {
		mapName = sd.Session.DefaultMap
	}
	mapDef, err := match.LoadMap(sd.Session.MapsDirectory, mapName)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	cfg := m.sessionConfig(sd, req.MatchID, mode, mapDef, req.Roster)
	sink := events.NewSessionSink(m.deps.EventBus, req.MatchID)

	deps := match.Deps{
		Link:       peerLink{m: m},
		Loader:     m.deps.Loader,
		Events:     sink,
		OnLongTick: m.deps.Lag.OnLongTick,
	}
	if m.deps.Bonuses != nil {
		deps.Bonuses = m.deps.Bonuses
	}
	if m.deps.Replays != nil {
		deps.Recorder = m.deps.Replays
	}

	m.mu.Lock()
	if len(m.sessions) >= sd.MaxSessions {
		m.mu.Unlock()
		return Info{}, ErrAtCapacity
	}
	if _, ok := m.sessions[req.MatchID]; ok {
		m.mu.Unlock()
		return Info{}, ErrSessionExists
	}
	for _, slot := range req.Roster {
		if other, ok := m.users[slot.UserID]; ok {
			m.mu.Unlock()
			return Info{}, fmt.Errorf("%w: %s is in %s", ErrUserBusy, slot.UserID, other)
		}
	}

	session, err := match.NewSession(cfg, deps)
	if err != nil {
		m.mu.Unlock()
		return Info{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	inst := &Instance{
		session:   session,
		sink:      sink,
		roster:    cfg.Roster,
		mode:      mode.String(),
		mapName:   mapDef.Name,
		createdAt: time.Now(),
	}
	m.sessions[req.MatchID] = inst
	for _, slot := range req.Roster {
		m.users[slot.UserID] = req.MatchID
	}
	m.wg.Add(1)
	m.mu.Unlock()

	if m.deps.Replays != nil {
		if data, err := json.Marshal(cfg); err != nil {
			m.logger.Warn().Err(err).Str("match_id", req.MatchID).Msg("failed to serialize session config for replay")
		} else {
			m.deps.Replays.Begin(req.MatchID, mode.String(), mapDef.Name, data)
		}
	}

	go m.run(inst)

	m.deps.EventBus.Emit(context.Background(), events.Event{
		Type:   events.EventSessionCreated,
		Source: "manager",
		Payload: events.SessionPayload{
			MatchID: req.MatchID,
			Mode:    mode.String(),
			Map:     mapDef.Name,
			State:   match.StateWaitingForPlayers.String(),
			Players: len(req.Roster),
		},
	})
	m.logger.Info().
		Str("match_id", req.MatchID).
		Str("mode", mode.String()).
		Str("map", mapDef.Name).
		Int("roster", len(req.Roster)).
		Msg("session created")

	return inst.Info(), nil
}

// sessionConfig converts the host configuration into a session config.
func (m *Manager) sessionConfig(sd config.ServerData, matchID string, mode match.GameMode, mapDef match.MapDefinition, roster []match.RosterSlot) match.Config {
	sc := sd.Session
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }

	maxPlayers := sd.MaxPlayersPerSession
	if mode == match.ModeSolo && len(roster) == 0 {
		maxPlayers = 1
	}

	return match.Config{
		MatchID:           matchID,
		Mode:              mode,
		Map:               mapDef,
		Catalog:           m.catalog,
		Roster:            append([]match.RosterSlot(nil), roster...),
		MaxPlayers:        maxPlayers,
		TickRate:          sc.TickRate,
		SnapshotInterval:  sc.SnapshotIntervalTicks,
		StartingGold:      sc.StartingGold,
		StartingLives:     sc.StartingLives,
		MinPlayerTimeout:  sec(sc.MinPlayerTimeoutSec),
		Intermission:      sec(sc.IntermissionSec),
		AbandonTimeout:    sec(sc.AbandonTimeoutSec),
		ActionRate:        float64(sc.ActionRatePerSec),
		ActionBurst:       sc.ActionBurst,
		InboundQueue:      sc.InboundQueueSize,
		LoadoutTimeout:    time.Duration(sc.LoadoutTimeoutMS) * time.Millisecond,
		SellRefundPercent: sc.SellRefundPercent,
		ResourceLifetime:  sec(sc.ResourceLifetimeSec),
		Seed:              matchSeed(sc.SeedSecret, matchID),
	}
}

// matchSeed derives the simulation seed. Without a secret every match gets
// a random seed; the seed travels with the replay either way.
func matchSeed(secret, matchID string) string {
	if secret == "" {
		return uuid.NewString()
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(matchID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Abort ends a session with the Aborted outcome.
func (m *Manager) Abort(matchID, reason string) error {
	inst := m.instance(matchID)
	if inst == nil {
		return ErrUnknownSession
	}
	if reason == "" {
		reason = "aborted"
	}
	if err := inst.session.Enqueue(match.Shutdown{Reason: reason}); err != nil {
		if errors.Is(err, match.ErrSessionEnded) {
			return nil
		}
		inst.session.Stop()
	}
	m.logger.Info().Str("match_id", matchID).Str("reason", reason).Msg("session abort requested")
	return nil
}

// InvalidateBonuses drops a user's cached tower bonuses.
func (m *Manager) InvalidateBonuses(userID string) int {
	if m.deps.Bonuses == nil {
		return 0
	}
	n := m.deps.Bonuses.InvalidateUser(userID)
	m.deps.EventBus.Emit(context.Background(), events.Event{
		Type:    events.EventBonusInvalidated,
		Source:  "manager",
		Payload: events.BonusInvalidatedPayload{UserID: userID},
	})
	return n
}

// Sessions returns every hosted session, oldest first.
func (m *Manager) Sessions() []Info {
	m.mu.RLock()
	insts := make([]*Instance, 0, len(m.sessions))
	for _, inst := range m.sessions {
		insts = append(insts, inst)
	}
	m.mu.RUnlock()

	sort.Slice(insts, func(i, j int) bool {
		if !insts[i].createdAt.Equal(insts[j].createdAt) {
			return insts[i].createdAt.Before(insts[j].createdAt)
		}
		return insts[i].session.MatchID() < insts[j].session.MatchID()
	})
	out := make([]Info, len(insts))
	for i, inst := range insts {
		out[i] = inst.Info()
	}
	return out
}

// Session returns one hosted session.
func (m *Manager) Session(matchID string) (Info, bool) {
	inst := m.instance(matchID)
	if inst == nil {
		return Info{}, false
	}
	return inst.Info(), true
}

// Capacity summarises the host for heartbeats and discovery.
type Capacity struct {
	Sessions    int `json:"sessions"`
	MaxSessions int `json:"max_sessions"`
	Players     int `json:"players"`
	Peers       int `json:"peers"`
	FreeSlots   int `json:"free_slots"`
}

// Capacity counts sessions, connected players and free player slots.
func (m *Manager) Capacity() Capacity {
	sd := m.cfg.GetServerData()
	c := Capacity{MaxSessions: sd.MaxSessions, Peers: m.deps.Transport.Stats().Peers}

	m.mu.RLock()
	c.Sessions = len(m.sessions)
	for _, inst := range m.sessions {
		for _, p := range inst.session.Status().Players {
			if p.Connected {
				c.Players++
			}
		}
	}
	m.mu.RUnlock()

	if free := sd.MaxSessions - c.Sessions; free > 0 {
		c.FreeSlots = free * sd.MaxPlayersPerSession
	}
	return c
}

// FreeSlots implements network.CapacityReporter.
func (m *Manager) FreeSlots() int {
	return m.Capacity().FreeSlots
}

// Uptime returns how long the manager has been running.
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.startedAt)
}

// Lag returns the lag monitor.
func (m *Manager) Lag() *LagMonitor {
	return m.deps.Lag
}

// Transport returns the transport the manager polls.
func (m *Manager) Transport() Transport {
	return m.deps.Transport
}

// VerifyResult reports a replay determinism check.
type VerifyResult struct {
	MatchID  string `json:"match_id"`
	Ticks    uint64 `json:"ticks"`
	Entries  int    `json:"entries"`
	Expected string `json:"expected_digest"`
	Actual   string `json:"actual_digest"`
	Match    bool   `json:"match"`
}

// Verify replays a stored match and compares its final state digest with
// the one recorded when the match ended.
func (m *Manager) Verify(ctx context.Context, matchID string) (VerifyResult, error) {
	if m.deps.Replays == nil {
		return VerifyResult{}, ErrReplaysDisabled
	}
	j, err := m.deps.Replays.Load(ctx, matchID)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyJournal(j)
}

// VerifyJournal replays a loaded journal.
func VerifyJournal(j *db.MatchJournal) (VerifyResult, error) {
	rec := j.Match
	if rec.Digest == "" {
		return VerifyResult{}, fmt.Errorf("match %s has not finished", rec.MatchID)
	}
	if !rec.Complete {
		return VerifyResult{}, fmt.Errorf("journal of match %s is incomplete", rec.MatchID)
	}

	var cfg match.Config
	if err := json.Unmarshal(rec.Config, &cfg); err != nil {
		return VerifyResult{}, fmt.Errorf("failed to decode session config of %s: %w", rec.MatchID, err)
	}
	s, err := match.Replay(cfg, j.Entries, rec.Ticks)
	if err != nil {
		return VerifyResult{}, err
	}

	actual := s.Digest()
	return VerifyResult{
		MatchID:  rec.MatchID,
		Ticks:    rec.Ticks,
		Entries:  len(j.Entries),
		Expected: rec.Digest,
		Actual:   actual,
		Match:    actual == rec.Digest,
	}, nil
}

// RecentReplays lists the most recently started recorded matches.
func (m *Manager) RecentReplays(ctx context.Context, limit int) ([]db.MatchRecord, error) {
	if m.deps.Replays == nil {
		return nil, ErrReplaysDisabled
	}
	return m.deps.Replays.Recent(ctx, limit)
}
