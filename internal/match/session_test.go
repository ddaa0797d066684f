package match

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bastion-project/bastion/internal/events"
	"github.com/bastion-project/bastion/internal/protocol"
)

type sentMessage struct {
	peer     uint32
	msg      protocol.Message
	reliable bool
}

type fakeLink struct {
	mu       sync.Mutex
	sent     []sentMessage
	admitted map[uint32]PlayerID
	rejected map[uint32]string
}

func newFakeLink() *fakeLink {
	return &fakeLink{admitted: make(map[uint32]PlayerID), rejected: make(map[uint32]string)}
}

func (l *fakeLink) Send(peer uint32, msg protocol.Message, reliable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, sentMessage{peer, msg, reliable})
}

func (l *fakeLink) Admitted(peer uint32, player PlayerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.admitted[peer] = player
}

func (l *fakeLink) Reject(peer uint32, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejected[peer] = reason
}

func (l *fakeLink) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = nil
}

func sentOf[T protocol.Message](l *fakeLink) []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []T
	for _, s := range l.sent {
		if m, ok := s.msg.(T); ok {
			out = append(out, m)
		}
	}
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.EventType
}

func (r *recordingSink) Publish(t events.EventType, _ interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, t)
}

func (r *recordingSink) count(t events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == t {
			n++
		}
	}
	return n
}

type journalRecorder struct {
	entries []JournalEntry
}

func (r *journalRecorder) Record(_ string, entries []JournalEntry) {
	r.entries = append(r.entries, entries...)
}

func msg(t *testing.T, peer uint32, m protocol.Message) Message {
	t.Helper()
	frame, err := protocol.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	typ, payload, err := protocol.Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	return Message{Peer: peer, Type: typ, Payload: payload}
}

func testConfig() Config {
	m, _ := LoadMap("", "meadow")
	return Config{
		MatchID:           "m-1",
		Mode:              ModeSolo,
		Map:               m,
		TickRate:          20,
		SnapshotInterval:  40,
		StartingGold:      500,
		StartingLives:     20,
		MinPlayerTimeout:  time.Minute,
		Intermission:      10 * time.Second,
		AbandonTimeout:    30 * time.Second,
		ActionRate:        10,
		ActionBurst:       20,
		SellRefundPercent: 70,
		Seed:              "test-seed",
	}
}

func mustEnqueue(t *testing.T, s *Session, c Command) {
	t.Helper()
	if err := s.Enqueue(c); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func stepUntil(t *testing.T, s *Session, max int, cond func() bool) {
	t.Helper()
	for i := 0; i < max; i++ {
		if cond() {
			return
		}
		s.Step()
	}
	if !cond() {
		t.Fatalf("condition not reached after %d ticks (state %s)", max, s.State())
	}
}

const soloPeer = 7

// startSolo admits one player, readies it and steps into the wave cycle.
func startSolo(t *testing.T, cfg Config, deps Deps) (*Session, *fakeLink) {
	t.Helper()
	link := newFakeLink()
	deps.Link = link
	s, err := NewSession(cfg, deps)
	if err != nil {
		t.Fatal(err)
	}
	mustEnqueue(t, s, Join{Peer: soloPeer, RequestID: 1, UserID: "u1", CharacterID: "c1", Name: "Alice"})
	mustEnqueue(t, s, msg(t, soloPeer, protocol.ReadyState{Ready: true}))
	for i := 0; i < 1000 && !s.State().Playing(); i++ {
		s.Step()
		if s.State() == StateStarting {
			// loadouts arrive from another goroutine
			time.Sleep(time.Millisecond)
		}
	}
	if !s.State().Playing() {
		t.Fatalf("session did not start, state %s", s.State())
	}
	return s, link
}

func TestSoloBuildScenario(t *testing.T) {
	s, link := startSolo(t, testConfig(), Deps{})

	if got := sentOf[protocol.AuthResponse](link); len(got) != 1 || !got[0].Success || got[0].RequestID != 1 {
		t.Fatalf("auth responses = %+v", got)
	}
	if len(sentOf[protocol.MatchStart](link)) != 1 {
		t.Fatal("match start not broadcast")
	}
	p := s.Player(1)
	if p.Gold != 500 {
		t.Fatalf("starting gold = %d", p.Gold)
	}

	link.reset()
	mustEnqueue(t, s, msg(t, soloPeer, protocol.TowerBuild{RequestID: 42, TowerType: "arrow", GridX: 2, GridY: 3}))
	s.Step()

	if p.Gold != 350 {
		t.Fatalf("gold after build = %d, want 350", p.Gold)
	}
	acks := sentOf[protocol.ActionAck](link)
	if len(acks) != 1 || acks[0].RequestID != 42 || acks[0].Gold != 350 || acks[0].EntityID == 0 {
		t.Fatalf("acks = %+v", acks)
	}
	spawns := sentOf[protocol.EntitySpawn](link)
	if len(spawns) != 1 || len(spawns[0].Spawns) != 1 {
		t.Fatalf("spawn messages = %+v", spawns)
	}
	rec := spawns[0].Spawns[0]
	if rec.ID != acks[0].EntityID || rec.Kind != uint8(EntityTower) || rec.Subtype != "arrow" || rec.Owner != 1 {
		t.Fatalf("spawn record = %+v", rec)
	}
	if len(sentOf[protocol.Error](link)) != 0 {
		t.Fatal("unexpected error message")
	}
}

func TestBuildRejections(t *testing.T) {
	tests := []struct {
		name  string
		gold  int
		setup []protocol.Message
		req   protocol.TowerBuild
		code  protocol.ErrorCode
	}{
		{"insufficient gold", 100, nil, protocol.TowerBuild{RequestID: 1, TowerType: "arrow", GridX: 2, GridY: 3}, protocol.ErrCodeInsufficientGold},
		{"unknown tower", 500, nil, protocol.TowerBuild{RequestID: 1, TowerType: "laser", GridX: 2, GridY: 3}, protocol.ErrCodeUnknownTower},
		{"on path", 500, nil, protocol.TowerBuild{RequestID: 1, TowerType: "arrow", GridX: 2, GridY: 6}, protocol.ErrCodeInvalidPlacement},
		{"off grid", 500, nil, protocol.TowerBuild{RequestID: 1, TowerType: "arrow", GridX: -1, GridY: 3}, protocol.ErrCodeInvalidPlacement},
		{"occupied", 500, []protocol.Message{protocol.TowerBuild{RequestID: 9, TowerType: "arrow", GridX: 2, GridY: 3}},
			protocol.TowerBuild{RequestID: 1, TowerType: "arrow", GridX: 2, GridY: 3}, protocol.ErrCodeCellOccupied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.StartingGold = tt.gold
			s, link := startSolo(t, cfg, Deps{})
			for _, m := range tt.setup {
				mustEnqueue(t, s, msg(t, soloPeer, m))
			}
			s.Step()

			p := s.Player(1)
			goldBefore, entitiesBefore := p.Gold, s.entities.len()
			link.reset()

			mustEnqueue(t, s, msg(t, soloPeer, tt.req))
			s.Step()

			errs := sentOf[protocol.Error](link)
			if len(errs) != 1 || errs[0].Code != tt.code || errs[0].RequestID != tt.req.RequestID {
				t.Fatalf("errors = %+v, want %s", errs, tt.code)
			}
			if p.Gold != goldBefore || s.entities.len() != entitiesBefore {
				t.Fatalf("state changed: gold %d->%d entities %d->%d", goldBefore, p.Gold, entitiesBefore, s.entities.len())
			}
			if p.Gold < 0 {
				t.Fatal("gold went negative")
			}
			if len(sentOf[protocol.EntitySpawn](link)) != 0 {
				t.Fatal("refused build produced a spawn")
			}
		})
	}
}

func TestUpgradeSellAndOwnership(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = ModeCoop
	cfg.StartingGold = 1000
	link := newFakeLink()
	s, err := NewSession(cfg, Deps{Link: link})
	if err != nil {
		t.Fatal(err)
	}
	mustEnqueue(t, s, Join{Peer: 1, UserID: "u1", Name: "A"})
	mustEnqueue(t, s, Join{Peer: 2, UserID: "u2", Name: "B"})
	mustEnqueue(t, s, msg(t, 1, protocol.ReadyState{Ready: true}))
	mustEnqueue(t, s, msg(t, 2, protocol.ReadyState{Ready: true}))
	stepUntil(t, s, 50, func() bool { return s.State().Playing() })

	mustEnqueue(t, s, msg(t, 1, protocol.TowerBuild{RequestID: 1, TowerType: "arrow", GridX: 3, GridY: 2}))
	s.Step()
	tower := sentOf[protocol.ActionAck](link)[0].EntityID

	link.reset()
	mustEnqueue(t, s, msg(t, 2, protocol.TowerSell{RequestID: 2, EntityID: tower}))
	mustEnqueue(t, s, msg(t, 1, protocol.TowerUpgrade{RequestID: 3, EntityID: tower}))
	mustEnqueue(t, s, msg(t, 1, protocol.TowerUpgrade{RequestID: 4, EntityID: 9999}))
	s.Step()

	errs := sentOf[protocol.Error](link)
	if len(errs) != 2 || errs[0].Code != protocol.ErrCodeNotOwner || errs[1].Code != protocol.ErrCodeUnknownEntity {
		t.Fatalf("errors = %+v", errs)
	}
	a := s.Player(1)
	if a.Gold != 1000-150-100 {
		t.Fatalf("gold after upgrade = %d", a.Gold)
	}
	if e := s.entities.get(EntityID(tower)); e.Level != 2 || e.MaxHealth != 200 {
		t.Fatalf("tower after upgrade = %+v", e)
	}
	var levelSent bool
	for _, m := range sentOf[protocol.EntityUpdate](link) {
		for _, u := range m.Updates {
			if u.ID == tower && u.Flags&protocol.FieldLevel != 0 && u.Level == 2 && u.MaxHealth == 200 {
				levelSent = true
			}
		}
	}
	if !levelSent {
		t.Fatal("upgrade not sent as a level update")
	}

	mustEnqueue(t, s, msg(t, 1, protocol.TowerUpgrade{RequestID: 5, EntityID: tower}))
	mustEnqueue(t, s, msg(t, 1, protocol.TowerUpgrade{RequestID: 6, EntityID: tower}))
	s.Step()
	if errs := sentOf[protocol.Error](link); errs[len(errs)-1].Code != protocol.ErrCodeMaxLevel {
		t.Fatalf("expected max level, got %+v", errs[len(errs)-1])
	}

	invested := 150 + 100 + 200
	goldBefore := a.Gold
	link.reset()
	mustEnqueue(t, s, msg(t, 1, protocol.TowerSell{RequestID: 7, EntityID: tower}))
	s.Step()
	if a.Gold != goldBefore+invested*70/100 {
		t.Fatalf("gold after sell = %d", a.Gold)
	}
	destroys := sentOf[protocol.EntityDestroy](link)
	if len(destroys) != 1 || destroys[0].Destroys[0].Reason != uint8(ReasonSold) {
		t.Fatalf("destroys = %+v", destroys)
	}
}

func TestWavePacing(t *testing.T) {
	cfg := testConfig()
	cfg.Intermission = 0
	s, link := startSolo(t, cfg, Deps{})
	stepUntil(t, s, 5, func() bool { return s.State() == StateWaveInProgress })

	spawnTicks := make(map[uint64]int)
	for i := 0; i < 200; i++ {
		link.reset()
		s.Step()
		for _, m := range sentOf[protocol.EntitySpawn](link) {
			for _, r := range m.Spawns {
				if r.Kind == uint8(EntityUnit) {
					spawnTicks[m.Tick]++
				}
			}
		}
	}

	total := 0
	for tick, n := range spawnTicks {
		if n > cfg.Map.MaxSpawnsPerTick {
			t.Fatalf("tick %d spawned %d units", tick, n)
		}
		total += n
	}
	if total != 10 {
		t.Fatalf("spawned %d units, want 10", total)
	}
	if len(spawnTicks) < 10 {
		t.Fatalf("wave spawned across %d ticks, want at least 10", len(spawnTicks))
	}
}

func TestWaveRunRespectsSpawnCap(t *testing.T) {
	def := WaveDef{Groups: []SpawnGroup{{Unit: "Basic", Count: 4, Path: 0}, {Unit: "Fast", Count: 4, Path: 1}, {Unit: "Boss", Count: 1, Path: 0}}}
	w := newWaveRun(1, def, 2, 2, 0)

	released := 0
	for tick := uint64(0); tick < 100 && released < w.total; tick++ {
		n := len(w.release(tick))
		if n > 2 {
			t.Fatalf("tick %d released %d", tick, n)
		}
		if tick%2 == 1 && n != 0 {
			t.Fatalf("released between intervals at tick %d", tick)
		}
		released += n
	}
	if released != 9 {
		t.Fatalf("released %d of 9", released)
	}
}

func TestInputIsIdempotent(t *testing.T) {
	s, link := startSolo(t, testConfig(), Deps{})
	p := s.Player(1)

	mustEnqueue(t, s, msg(t, soloPeer, protocol.PlayerInput{Sequence: 5, CursorX: 1, CursorY: 2}))
	mustEnqueue(t, s, msg(t, soloPeer, protocol.PlayerInput{Sequence: 4, CursorX: 9, CursorY: 9}))
	link.reset()
	s.Step()

	acks := sentOf[protocol.PlayerInputAck](link)
	if len(acks) != 1 || acks[0].Sequence != 5 {
		t.Fatalf("acks = %+v", acks)
	}
	if p.Cursor != (Vec2{1, 2}) || p.LastInputSeq != 5 {
		t.Fatalf("player input = %+v seq %d", p.Cursor, p.LastInputSeq)
	}

	link.reset()
	mustEnqueue(t, s, msg(t, soloPeer, protocol.PlayerInput{Sequence: 5, CursorX: 3, CursorY: 3}))
	mustEnqueue(t, s, msg(t, soloPeer, protocol.PlayerInput{Sequence: 2, CursorX: 3, CursorY: 3}))
	s.Step()

	if len(sentOf[protocol.PlayerInputAck](link)) != 0 {
		t.Fatal("replayed input acknowledged again")
	}
	if p.Cursor != (Vec2{1, 2}) || p.LastInputSeq != 5 {
		t.Fatal("replayed input changed state")
	}
}

func TestActionsBeforeStart(t *testing.T) {
	link := newFakeLink()
	cfg := testConfig()
	cfg.Mode = ModeCoop
	s, _ := NewSession(cfg, Deps{Link: link})
	mustEnqueue(t, s, Join{Peer: 1, UserID: "u1"})
	mustEnqueue(t, s, msg(t, 1, protocol.TowerBuild{RequestID: 5, TowerType: "arrow", GridX: 2, GridY: 3}))
	s.Step()

	errs := sentOf[protocol.Error](link)
	if len(errs) != 1 || errs[0].Code != protocol.ErrCodeMatchNotStarted || errs[0].RequestID != 5 {
		t.Fatalf("errors = %+v", errs)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.ActionBurst = 2
	cfg.ActionRate = 1
	cfg.StartingGold = 10000
	s, link := startSolo(t, cfg, Deps{})
	link.reset()

	for i := 0; i < 3; i++ {
		mustEnqueue(t, s, msg(t, soloPeer, protocol.TowerBuild{RequestID: uint32(i + 1), TowerType: "arrow", GridX: int16(i), GridY: 0}))
	}
	s.Step()

	if n := len(sentOf[protocol.ActionAck](link)); n != 2 {
		t.Fatalf("acks = %d", n)
	}
	errs := sentOf[protocol.Error](link)
	if len(errs) != 1 || errs[0].Code != protocol.ErrCodeRateLimited || errs[0].RequestID != 3 {
		t.Fatalf("errors = %+v", errs)
	}
}

func TestJoinRules(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = ModeCoop
	cfg.Roster = []RosterSlot{{UserID: "u1", Team: 0}, {UserID: "u2", Team: 0}}
	link := newFakeLink()
	s, _ := NewSession(cfg, Deps{Link: link})

	mustEnqueue(t, s, Join{Peer: 1, UserID: "u1"})
	mustEnqueue(t, s, Join{Peer: 2, UserID: "intruder"})
	mustEnqueue(t, s, Join{Peer: 3, UserID: "u1"})
	s.Step()

	if _, ok := link.admitted[1]; !ok {
		t.Fatal("roster user not admitted")
	}
	if link.rejected[2] != protocol.ErrCodeNotInRoster.String() {
		t.Fatalf("intruder: %q", link.rejected[2])
	}
	if link.rejected[3] != protocol.ErrCodeSessionFull.String() {
		t.Fatalf("duplicate: %q", link.rejected[3])
	}

	// lobby leave frees the slot
	mustEnqueue(t, s, Leave{Peer: 1, Reason: "timeout"})
	s.Step()
	if len(s.players) != 0 {
		t.Fatalf("players after lobby leave = %d", len(s.players))
	}

	mustEnqueue(t, s, Join{Peer: 4, UserID: "u1"})
	mustEnqueue(t, s, Join{Peer: 5, UserID: "u2"})
	mustEnqueue(t, s, msg(t, 4, protocol.ReadyState{Ready: true}))
	mustEnqueue(t, s, msg(t, 5, protocol.ReadyState{Ready: true}))
	stepUntil(t, s, 50, func() bool { return s.State().Playing() })

	// in-match leave keeps the player and its towers
	mustEnqueue(t, s, msg(t, 4, protocol.TowerBuild{RequestID: 1, TowerType: "arrow", GridX: 2, GridY: 3}))
	s.Step()
	mustEnqueue(t, s, Leave{Peer: 4, Reason: "timeout"})
	s.Step()
	p := s.Player(2)
	if p == nil || p.Connected {
		t.Fatalf("player after in-match leave = %+v", p)
	}
	if s.entities.count(EntityTower) != 1 {
		t.Fatal("towers removed on disconnect")
	}

	// no re-admission once started
	mustEnqueue(t, s, Join{Peer: 6, UserID: "u1"})
	s.Step()
	if link.rejected[6] != protocol.ErrCodeMatchAlreadyStarted.String() {
		t.Fatalf("rejoin: %q", link.rejected[6])
	}
}

func TestEndedIsTerminal(t *testing.T) {
	sink := &recordingSink{}
	s, link := startSolo(t, testConfig(), Deps{Events: sink})

	mustEnqueue(t, s, Shutdown{Reason: "test"})
	s.Step()
	if s.State() != StateEnding {
		t.Fatalf("state = %s", s.State())
	}
	if len(sentOf[protocol.MatchEnd](link)) != 1 || sink.count(events.EventMatchEnded) != 1 {
		t.Fatal("match end not broadcast and published")
	}
	s.Step()
	if s.State() != StateEnded || !s.Ended() {
		t.Fatalf("state = %s", s.State())
	}

	if err := s.Enqueue(msg(t, soloPeer, protocol.TowerBuild{RequestID: 1, TowerType: "arrow"})); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("enqueue after end: %v", err)
	}

	// commands already buffered are answered without mutation
	link.reset()
	digest, tick := s.Digest(), s.Tick()
	s.local = append(s.local,
		msg(t, soloPeer, protocol.TowerBuild{RequestID: 11, TowerType: "arrow", GridX: 2, GridY: 3}),
		msg(t, soloPeer, protocol.ReadyState{Ready: false}),
		Join{Peer: 99, RequestID: 12, UserID: "late"},
	)
	s.Step()

	errs := sentOf[protocol.Error](link)
	if len(errs) != 2 || errs[0].Code != protocol.ErrCodeMatchNotStarted || errs[0].RequestID != 11 ||
		errs[1].Code != protocol.ErrCodeMatchAlreadyStarted {
		t.Fatalf("errors = %+v", errs)
	}
	if link.rejected[99] != protocol.ErrCodeMatchAlreadyStarted.String() {
		t.Fatalf("late join: %q", link.rejected[99])
	}
	if s.Digest() != digest || s.Tick() != tick || s.State() != StateEnded {
		t.Fatal("ended session mutated")
	}
}

func TestDefeatWhenLivesRunOut(t *testing.T) {
	cfg := testConfig()
	cfg.Intermission = 0
	cfg.StartingLives = 1
	s, link := startSolo(t, cfg, Deps{})

	stepUntil(t, s, 2000, func() bool { return s.Ended() })
	if s.Outcome() != OutcomeDefeat {
		t.Fatalf("outcome = %s", s.Outcome())
	}
	ends := sentOf[protocol.MatchEnd](link)
	if len(ends) != 1 || ends[0].Outcome != uint8(OutcomeDefeat) {
		t.Fatalf("match end = %+v", ends)
	}
	if s.Player(1).Lives != 0 {
		t.Fatalf("lives = %d", s.Player(1).Lives)
	}
}

func TestAbandonWhenEveryoneLeaves(t *testing.T) {
	cfg := testConfig()
	cfg.AbandonTimeout = time.Second
	s, _ := startSolo(t, cfg, Deps{})

	mustEnqueue(t, s, Leave{Peer: soloPeer, Reason: "timeout"})
	stepUntil(t, s, 100, func() bool { return s.Ended() })
	if s.Outcome() != OutcomeAbandoned {
		t.Fatalf("outcome = %s", s.Outcome())
	}
}

func TestLobbyTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = ModeCoop
	cfg.MinPlayerTimeout = time.Second
	link := newFakeLink()
	s, _ := NewSession(cfg, Deps{Link: link})
	mustEnqueue(t, s, Join{Peer: 1, UserID: "u1"})

	stepUntil(t, s, 60, func() bool { return s.State().Playing() })

	empty, _ := NewSession(cfg, Deps{})
	stepUntil(t, empty, 60, func() bool { return empty.Ended() })
	if empty.Outcome() != OutcomeAbandoned {
		t.Fatalf("empty lobby outcome = %s", empty.Outcome())
	}
}

type stubLoader struct {
	loadouts map[string]Loadout
	err      error
}

func (l stubLoader) LoadLoadout(_ context.Context, userID, _ string) (Loadout, error) {
	if l.err != nil {
		return Loadout{}, l.err
	}
	return l.loadouts[userID], nil
}

func TestLoadoutsApplyAtStart(t *testing.T) {
	loader := stubLoader{loadouts: map[string]Loadout{
		"u1": {
			Towers: []OwnedTower{{Type: "cannon", Level: 2}},
			Items:  []OwnedItem{{Kind: ItemGold, Amount: 50}, {Kind: ItemLives, Amount: 5}},
		},
	}}
	cfg := testConfig()
	cfg.LoadoutTimeout = 10 * time.Second
	s, link := startSolo(t, cfg, Deps{Loader: loader})
	p := s.Player(1)
	if p.Gold != 550 || p.Lives != 25 {
		t.Fatalf("gold %d lives %d", p.Gold, p.Lives)
	}

	link.reset()
	mustEnqueue(t, s, msg(t, soloPeer, protocol.TowerBuild{RequestID: 1, TowerType: "arrow", GridX: 2, GridY: 3}))
	mustEnqueue(t, s, msg(t, soloPeer, protocol.TowerBuild{RequestID: 2, TowerType: "cannon", GridX: 4, GridY: 3}))
	s.Step()

	if errs := sentOf[protocol.Error](link); len(errs) != 1 || errs[0].Code != protocol.ErrCodeUnknownTower {
		t.Fatalf("errors = %+v", errs)
	}
	spawns := sentOf[protocol.EntitySpawn](link)
	if len(spawns) != 1 || spawns[0].Spawns[0].Level != 2 {
		t.Fatalf("spawns = %+v", spawns)
	}
}

func TestLoadoutFailureDegrades(t *testing.T) {
	cfg := testConfig()
	cfg.LoadoutTimeout = 10 * time.Second
	s, _ := startSolo(t, cfg, Deps{Loader: stubLoader{err: errors.New("data service down")}})
	if p := s.Player(1); p.Gold != 500 || len(p.Loadout.Towers) != 0 {
		t.Fatalf("player = %+v", p)
	}
}
