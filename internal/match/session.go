package match

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/bastion-project/bastion/internal/delta"
	"github.com/bastion-project/bastion/internal/events"
	"github.com/bastion-project/bastion/internal/protocol"
)

var (
	// ErrSessionEnded is returned by Enqueue once the session is terminal.
	ErrSessionEnded = errors.New("session ended")

	// ErrQueueFull is returned by Enqueue when the inbound queue is full.
	ErrQueueFull = errors.New("session inbound queue full")
)

// simEpoch anchors the simulated clock used by rate limiters.
var simEpoch = time.Unix(0, 0).UTC()

// Config describes one match.
type Config struct {
	MatchID    string
	Mode       GameMode
	Map        MapDefinition
	Catalog    *Catalog
	Roster     []RosterSlot
	MaxPlayers int

	TickRate          int
	SnapshotInterval  int
	StartingGold      int
	StartingLives     int
	MinPlayerTimeout  time.Duration
	Intermission      time.Duration
	AbandonTimeout    time.Duration
	ActionRate        float64
	ActionBurst       int
	InboundQueue      int
	LoadoutTimeout    time.Duration
	SellRefundPercent int
	ResourceLifetime  time.Duration
	Seed              string
}

func (c *Config) applyDefaults() {
	if c.Catalog == nil {
		c.Catalog = DefaultCatalog()
	}
	if c.TickRate <= 0 {
		c.TickRate = 20
	}
	if c.SnapshotInterval < 0 {
		c.SnapshotInterval = 0
	}
	if c.MaxPlayers <= 0 {
		c.MaxPlayers = 4
	}
	if len(c.Roster) > c.MaxPlayers {
		c.MaxPlayers = len(c.Roster)
	}
	if c.ActionRate <= 0 {
		c.ActionRate = 10
	}
	if c.ActionBurst <= 0 {
		c.ActionBurst = 20
	}
	if c.InboundQueue <= 0 {
		c.InboundQueue = 1024
	}
	if c.LoadoutTimeout <= 0 {
		c.LoadoutTimeout = 3 * time.Second
	}
	if c.ResourceLifetime <= 0 {
		c.ResourceLifetime = 15 * time.Second
	}
	if c.Map.MaxSpawnsPerTick <= 0 {
		c.Map.MaxSpawnsPerTick = 1
	}
}

// ticks converts a duration to a whole number of ticks, rounding up.
func (c *Config) ticks(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(math.Ceil(d.Seconds() * float64(c.TickRate)))
}

func (c *Config) secondsToTicks(sec float64) int {
	if sec <= 0 {
		return 0
	}
	return int(math.Ceil(sec * float64(c.TickRate)))
}

// Deps are the collaborators of a session. Every field is optional.
type Deps struct {
	Link       PeerLink
	Loader     LoadoutLoader
	Bonuses    BonusSource
	Events     EventSink
	Recorder   Recorder
	OnLongTick func(matchID string, tick uint64, took, budget time.Duration)
	Logger     *zerolog.Logger
}

// Session is one running match. All methods except Enqueue, Stop, Done,
// Ended and Status must be called from the goroutine that runs the loop.
type Session struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	inbox     chan Command
	local     []Command
	replaying bool

	state      State
	stateSince uint64
	tick       uint64
	createdAt  time.Time

	players     map[PlayerID]*Player
	playerOrder []PlayerID
	byPeer      map[uint32]PlayerID
	nextPlayer  PlayerID

	entities *entityStore
	delta    *delta.Builder
	rng      *rng
	actions  []pendingAction

	waveIndex        int
	wave             *waveRun
	wavesCleared     int
	intermissionEnds uint64

	loadoutsQueued   bool
	loadoutsDeadline uint64
	loadCancel       context.CancelFunc

	lastConnected uint64
	outcome       Outcome
	winningTeam   uint8

	needSnapshot map[PlayerID]bool
	journal      []JournalEntry

	decodeFailures rate.Sometimes

	ended    atomic.Bool
	status   atomic.Pointer[Status]
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type pendingAction struct {
	player PlayerID
	msg    protocol.Message
}

// NewSession validates cfg and creates a session in WaitingForPlayers.
func NewSession(cfg Config, deps Deps) (*Session, error) {
	cfg.applyDefaults()
	if cfg.MatchID == "" {
		return nil, errors.New("match id is required")
	}
	if err := cfg.Map.Validate(cfg.Catalog); err != nil {
		return nil, fmt.Errorf("invalid map %q: %w", cfg.Map.Name, err)
	}
	if cfg.Mode == ModePvP && len(cfg.Map.Teams()) < 2 {
		return nil, fmt.Errorf("map %q has a single team and cannot host pvp", cfg.Map.Name)
	}

	logger := log.Logger
	if deps.Logger != nil {
		logger = *deps.Logger
	}

	s := &Session{
		cfg:            cfg,
		deps:           deps,
		log:            logger.With().Str("match_id", cfg.MatchID).Logger(),
		inbox:          make(chan Command, cfg.InboundQueue),
		createdAt:      time.Now(),
		players:        make(map[PlayerID]*Player),
		byPeer:         make(map[uint32]PlayerID),
		entities:       newEntityStore(),
		delta:          delta.NewBuilder(uint64(cfg.SnapshotInterval)),
		rng:            newRNG(cfg.Seed, cfg.MatchID),
		needSnapshot:   make(map[PlayerID]bool),
		decodeFailures: rate.Sometimes{Interval: 10 * time.Second},
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	s.publishStatus()
	return s, nil
}

// MatchID returns the session's match id.
func (s *Session) MatchID() string { return s.cfg.MatchID }

// Mode returns the game mode.
func (s *Session) Mode() GameMode { return s.cfg.Mode }

// Roster returns the slots handed over at creation.
func (s *Session) Roster() []RosterSlot {
	out := make([]RosterSlot, len(s.cfg.Roster))
	copy(out, s.cfg.Roster)
	return out
}

// Enqueue hands a command to the tick loop. It never blocks.
func (s *Session) Enqueue(c Command) error {
	if s.ended.Load() {
		return ErrSessionEnded
	}
	select {
	case s.inbox <- c:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run drives the fixed-step loop until the match ends, Stop is called or
// ctx is cancelled. A stop request takes effect between ticks.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.cancelLoading()

	budget := time.Second / time.Duration(s.cfg.TickRate)
	ticker := time.NewTicker(budget)
	defer ticker.Stop()

	s.log.Info().
		Str("mode", s.cfg.Mode.String()).
		Str("map", s.cfg.Map.Name).
		Int("tick_rate", s.cfg.TickRate).
		Msg("session loop started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case <-ticker.C:
			start := time.Now()
			s.Step()
			if took := time.Since(start); took > budget && s.deps.OnLongTick != nil {
				s.deps.OnLongTick(s.cfg.MatchID, s.tick-1, took, budget)
			}
			if s.state == StateEnded {
				s.log.Info().Str("outcome", s.outcome.String()).Uint64("ticks", s.tick).Msg("session loop finished")
				return nil
			}
		}
	}
}

// Stop asks the loop to return after the current tick.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Ended reports whether the session has reached its terminal state.
func (s *Session) Ended() bool {
	return s.ended.Load()
}

// State returns the lifecycle state. Loop goroutine only.
func (s *Session) State() State { return s.state }

// Tick returns the number of the next tick to run. Loop goroutine only.
func (s *Session) Tick() uint64 { return s.tick }

// Outcome returns the final result, OutcomeNone while playing.
func (s *Session) Outcome() Outcome { return s.outcome }

// Player returns a player by id. Loop goroutine only.
func (s *Session) Player(id PlayerID) *Player { return s.players[id] }

// Step executes exactly one tick.
func (s *Session) Step() {
	if s.state == StateEnded {
		s.drainEnded()
		return
	}

	// 1. input
	s.drain()
	s.applyInputs()

	// 2-4. simulation
	s.advance()
	s.combat()
	s.resolve()

	// 5. validated actions
	s.processActions()

	s.updateState()

	// 6. outgoing state
	s.flush()
	s.observeBonuses()
	s.tick++
	s.publishStatus()
}

func (s *Session) drain() {
	cmds := s.local
	s.local = nil
	for n := len(s.inbox); n > 0; n-- {
		cmds = append(cmds, <-s.inbox)
	}
	for _, c := range cmds {
		s.execute(c)
	}
}

// execute journals and applies a command. A panic while applying is
// contained to that command.
func (s *Session) execute(c Command) {
	if entry, err := newJournalEntry(s.tick, c); err == nil {
		s.journal = append(s.journal, entry)
	} else {
		s.log.Error().Err(err).Msg("failed to journal command")
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Uint8("kind", uint8(c.kind())).Msg("recovered from panic in command")
		}
	}()

	switch cmd := c.(type) {
	case Join:
		s.join(cmd)
	case Leave:
		s.leave(cmd)
	case Message:
		s.handleMessage(cmd)
	case LoadoutsReady:
		s.applyLoadouts(cmd)
	case Shutdown:
		s.log.Info().Str("reason", cmd.Reason).Msg("session shutdown requested")
		s.end(OutcomeAborted, 0)
	case BonusChanged:
		if e := s.entities.get(cmd.Tower); e != nil && e.Type == EntityTower {
			e.Bonus = cmd.Bonus
		}
	}
}

// drainEnded answers everything that arrives after the match is over
// without touching state.
func (s *Session) drainEnded() {
	cmds := s.local
	s.local = nil
	for n := len(s.inbox); n > 0; n-- {
		cmds = append(cmds, <-s.inbox)
	}
	for _, c := range cmds {
		switch cmd := c.(type) {
		case Join:
			s.rejectJoin(cmd, protocol.ErrCodeMatchAlreadyStarted, "match has ended")
		case Message:
			p := s.playerByPeer(cmd.Peer)
			if p == nil {
				continue
			}
			msg, err := protocol.Unmarshal(cmd.Type, cmd.Payload)
			if err != nil {
				continue
			}
			code := protocol.ErrCodeMatchNotStarted
			if msg.Type() == protocol.TypeReadyState {
				code = protocol.ErrCodeMatchAlreadyStarted
			}
			s.sendError(p, protocol.RequestID(msg), code, "match has ended")
		}
	}
}

func (s *Session) handleMessage(m Message) {
	p := s.playerByPeer(m.Peer)
	if p == nil {
		return
	}

	msg, err := protocol.Unmarshal(m.Type, m.Payload)
	if err != nil {
		s.decodeFailures.Do(func() {
			s.log.Warn().Err(err).Uint32("peer_id", m.Peer).Str("type", m.Type.String()).Msg("dropping undecodable message")
		})
		return
	}

	switch v := msg.(type) {
	case protocol.PlayerInput:
		p.bufferInput(v)
	case protocol.ReadyState:
		s.setReady(p, v.Ready)
	case protocol.ChatMessage:
		s.relayChat(p, v)
	case protocol.TowerBuild, protocol.TowerUpgrade, protocol.TowerSell, protocol.AbilityUse, protocol.ItemCollect:
		s.actions = append(s.actions, pendingAction{player: p.ID, msg: msg})
	default:
		s.log.Debug().Str("type", m.Type.String()).Uint32("player_id", uint32(p.ID)).Msg("ignoring message not handled by sessions")
	}
}

func (s *Session) applyInputs() {
	for _, id := range s.playerOrder {
		p := s.players[id]
		if seq, ok := p.applyInput(); ok {
			s.send(p, protocol.PlayerInputAck{Sequence: seq, Tick: s.tick}, false)
		}
	}
}

func (s *Session) relayChat(from *Player, msg protocol.ChatMessage) {
	msg.PlayerID = uint32(from.ID)
	for _, id := range s.playerOrder {
		p := s.players[id]
		if msg.Channel == 1 && p.Team != from.Team {
			continue
		}
		s.send(p, msg, true)
	}
}

// observeBonuses compares each tower's bonus with the shared cache and
// queues a BonusChanged for the next tick when it differs.
func (s *Session) observeBonuses() {
	if s.replaying || s.deps.Bonuses == nil || !s.state.Playing() {
		return
	}
	s.entities.each(func(e *Entity) {
		if e.Type != EntityTower {
			return
		}
		p := s.players[e.Owner]
		if p == nil {
			return
		}
		if b := s.deps.Bonuses.Lookup(p.UserID, e.Subtype); b != e.Bonus {
			s.local = append(s.local, BonusChanged{Tower: e.ID, Bonus: b})
		}
	})
}

// flush builds and sends the tick's delta, any due snapshots and the
// journal.
func (s *Session) flush() {
	views := s.entities.records()
	frame := s.delta.Build(s.tick, views, s.entities.takeDestroyed())
	s.entities.compact()

	for _, msg := range frame.Messages() {
		s.broadcast(msg, msg.Type() != protocol.TypeEntityUpdate)
	}

	periodic := s.delta.ShouldSnapshot(s.tick)
	if periodic || len(s.needSnapshot) > 0 {
		snap := s.delta.Snapshot(s.tick, uint8(s.state), s.waveNumber(), views, s.playerStates())
		for _, id := range s.playerOrder {
			p := s.players[id]
			if s.needSnapshot[id] {
				s.send(p, snap, true)
			} else if periodic {
				s.send(p, snap, false)
			}
		}
		s.needSnapshot = make(map[PlayerID]bool)
	}

	if len(s.journal) > 0 {
		if s.deps.Recorder != nil {
			s.deps.Recorder.Record(s.cfg.MatchID, s.journal)
		}
		s.journal = nil
	}
}

func (s *Session) waveNumber() uint16 {
	if s.wave != nil {
		return uint16(s.wave.number)
	}
	return uint16(s.waveIndex)
}

func (s *Session) playerStates() []protocol.PlayerState {
	out := make([]protocol.PlayerState, 0, len(s.playerOrder))
	for _, id := range s.playerOrder {
		out = append(out, s.players[id].state())
	}
	return out
}

func (s *Session) playerByPeer(peer uint32) *Player {
	id, ok := s.byPeer[peer]
	if !ok {
		return nil
	}
	return s.players[id]
}

func (s *Session) send(p *Player, msg protocol.Message, reliable bool) {
	if s.deps.Link == nil || p == nil || !p.Connected {
		return
	}
	s.deps.Link.Send(p.Peer, msg, reliable)
}

func (s *Session) broadcast(msg protocol.Message, reliable bool) {
	for _, id := range s.playerOrder {
		s.send(s.players[id], msg, reliable)
	}
}

func (s *Session) sendError(p *Player, requestID uint32, code protocol.ErrorCode, text string) {
	s.send(p, protocol.Error{RequestID: requestID, Code: code, Message: text}, true)
}

func (s *Session) publish(t events.EventType, payload interface{}) {
	if s.deps.Events != nil {
		s.deps.Events.Publish(t, payload)
	}
}

func (s *Session) simNow() time.Time {
	return simEpoch.Add(time.Duration(s.tick) * time.Second / time.Duration(s.cfg.TickRate))
}

func (s *Session) setState(next State) {
	s.log.Debug().Str("from", s.state.String()).Str("to", next.String()).Uint64("tick", s.tick).Msg("state transition")
	s.state = next
	s.stateSince = s.tick
	if next == StateEnded {
		s.ended.Store(true)
	}
}

func (s *Session) cancelLoading() {
	if s.loadCancel != nil {
		s.loadCancel()
		s.loadCancel = nil
	}
}

// Release drops every entity and player. It is called on teardown once
// the loop has returned.
func (s *Session) Release() {
	s.cancelLoading()
	s.entities.clear()
	s.delta.Forget()
	s.players = make(map[PlayerID]*Player)
	s.playerOrder = nil
	s.byPeer = make(map[uint32]PlayerID)
	s.actions = nil
}

// Peers returns the peers of connected players. Loop goroutine only.
func (s *Session) Peers() []uint32 {
	var out []uint32
	for _, id := range s.playerOrder {
		if p := s.players[id]; p.Connected {
			out = append(out, p.Peer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
