// Package match runs a single tower-defense match: the player roster, the
// lifecycle state machine and the fixed-step simulation. A Session is owned
// by exactly one goroutine (its tick loop); everything else talks to it
// through Enqueue.
package match

import (
	"context"
	"fmt"
	"math"

	"github.com/bastion-project/bastion/internal/events"
	"github.com/bastion-project/bastion/internal/protocol"
)

// PlayerID is a session-scoped player number, distinct from the account id.
type PlayerID uint32

// EntityID is unique for the lifetime of a session and never reused.
type EntityID uint32

// GameMode selects the win/loss rules.
type GameMode uint8

const (
	ModeSolo GameMode = iota
	ModeCoop
	ModePvP
)

var modeNames = map[GameMode]string{
	ModeSolo: "solo",
	ModeCoop: "coop",
	ModePvP:  "pvp",
}

func (m GameMode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ParseGameMode accepts the lowercase mode names.
func ParseGameMode(s string) (GameMode, error) {
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown game mode %q", s)
}

// State is the match lifecycle state.
type State uint8

const (
	StateWaitingForPlayers State = iota
	StateStarting
	StateWaveIntermission
	StateWaveInProgress
	StateEnding
	StateEnded
)

var stateNames = map[State]string{
	StateWaitingForPlayers: "waiting_for_players",
	StateStarting:          "starting",
	StateWaveIntermission:  "wave_intermission",
	StateWaveInProgress:    "wave_in_progress",
	StateEnding:            "ending",
	StateEnded:             "ended",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Playing reports whether gameplay actions are accepted in s.
func (s State) Playing() bool {
	return s == StateWaveIntermission || s == StateWaveInProgress
}

// EntityType is the kind of a simulated object.
type EntityType uint8

const (
	EntityTower EntityType = iota + 1
	EntityUnit
	EntityProjectile
	EntityEffect
	EntityResource
)

// DestroyReason is sent with every destroy record so clients can pick an
// effect.
type DestroyReason uint8

const (
	ReasonKilled DestroyReason = iota + 1
	ReasonLeaked
	ReasonSold
	ReasonExpired
	ReasonImpact
	ReasonCollected
)

// Outcome is the result of a finished match.
type Outcome uint8

const (
	OutcomeNone Outcome = iota
	OutcomeVictory
	OutcomeDefeat
	OutcomeDraw
	OutcomeAbandoned
	OutcomeAborted
)

var outcomeNames = map[Outcome]string{
	OutcomeNone:      "none",
	OutcomeVictory:   "victory",
	OutcomeDefeat:    "defeat",
	OutcomeDraw:      "draw",
	OutcomeAbandoned: "abandoned",
	OutcomeAborted:   "aborted",
}

func (o Outcome) String() string {
	if n, ok := outcomeNames[o]; ok {
		return n
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

// Vec2 is a world-space position.
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (v Vec2) Sub(o Vec2) Vec2      { return Vec2{v.X - o.X, v.Y - o.Y} }
func (v Vec2) Add(o Vec2) Vec2      { return Vec2{v.X + o.X, v.Y + o.Y} }
func (v Vec2) Scale(f float64) Vec2 { return Vec2{v.X * f, v.Y * f} }
func (v Vec2) Len() float64         { return math.Hypot(v.X, v.Y) }
func (v Vec2) Dist(o Vec2) float64  { return v.Sub(o).Len() }

// Angle is the heading of v in radians.
func (v Vec2) Angle() float64 { return math.Atan2(v.Y, v.X) }

// Bonus is the equipment-derived modifier applied to one tower type.
// Percentages are fractions (0.25 = +25%).
type Bonus struct {
	DamagePct      float64 `json:"damage_pct" msgpack:"d"`
	RangePct       float64 `json:"range_pct" msgpack:"r"`
	CritChance     float64 `json:"crit_chance" msgpack:"c"`
	CritMultiplier float64 `json:"crit_multiplier" msgpack:"m"`
	SlowPct        float64 `json:"slow_pct" msgpack:"s"`
}

// IsZero reports whether the bonus changes nothing.
func (b Bonus) IsZero() bool {
	return b == Bonus{}
}

// Loadout is a player's persistent tower and item ownership, read into
// session-local working copies when the match starts.
type Loadout struct {
	Towers []OwnedTower `json:"towers" msgpack:"t"`
	Items  []OwnedItem  `json:"items" msgpack:"i"`
}

// OwnedTower is a tower type the player has unlocked.
type OwnedTower struct {
	ID    string `json:"id" msgpack:"id"`
	Type  string `json:"type" msgpack:"ty"`
	Level int    `json:"level" msgpack:"l"`
	XP    int    `json:"xp" msgpack:"x"`
}

// OwnedItem is a consumable applied at match start.
type OwnedItem struct {
	ID     string `json:"id" msgpack:"id"`
	Kind   string `json:"kind" msgpack:"k"`
	Amount int    `json:"amount" msgpack:"a"`
}

// Item kinds understood at match start.
const (
	ItemGold  = "gold"
	ItemLives = "lives"
)

// Tower returns the owned copy of a tower type.
func (l Loadout) Tower(towerType string) (OwnedTower, bool) {
	for _, t := range l.Towers {
		if t.Type == towerType {
			return t, true
		}
	}
	return OwnedTower{}, false
}

// LoadoutLoader reads persistent ownership from the data collaborator.
type LoadoutLoader interface {
	LoadLoadout(ctx context.Context, userID, characterID string) (Loadout, error)
}

// BonusSource answers bonus lookups without blocking.
type BonusSource interface {
	Lookup(userID, towerType string) Bonus
}

// BonusPrefetcher is optionally implemented by a BonusSource to warm up
// entries when a match starts.
type BonusPrefetcher interface {
	Prefetch(userID string, towerTypes []string)
}

// EventSink receives gameplay milestones. Publish must not block.
type EventSink interface {
	Publish(eventType events.EventType, payload interface{})
}

// PeerLink is the session's view of the transport.
type PeerLink interface {
	Send(peer uint32, msg protocol.Message, reliable bool)
	// Admitted is called once a peer's player has been created.
	Admitted(peer uint32, player PlayerID)
	// Reject is called after a refused join; the peer should be dropped.
	Reject(peer uint32, reason string)
}

// RosterSlot is one participant handed over by the orchestrator.
type RosterSlot struct {
	UserID      string `json:"user_id"`
	CharacterID string `json:"character_id"`
	Name        string `json:"name"`
	Team        uint8  `json:"team"`
}
