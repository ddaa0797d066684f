// Package events defines the event bus and the gameplay events sessions
// publish to external sinks.
package events

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Gameplay milestones
	EventMatchStarted  EventType = "match_started"
	EventMatchEnded    EventType = "match_ended"
	EventWaveCompleted EventType = "wave_completed"
	EventTowerBuilt    EventType = "tower_built"
	EventTowerSold     EventType = "tower_sold"
	EventUnitKilled    EventType = "unit_killed"
	EventItemDropped   EventType = "item_dropped"
	EventTowerXPGained EventType = "tower_xp_gained"

	// Session lifecycle
	EventSessionCreated   EventType = "session_created"
	EventSessionClosed    EventType = "session_closed"
	EventPlayerConnection EventType = "player_connection"
	EventLongTick         EventType = "long_tick"

	// Operations
	EventBonusInvalidated EventType = "bonus_invalidated"
	EventHeartbeat        EventType = "heartbeat"
	EventShutdown         EventType = "shutdown"
)

// GameplayEvents lists the milestones forwarded to the external event sink.
var GameplayEvents = []EventType{
	EventMatchStarted,
	EventMatchEnded,
	EventWaveCompleted,
	EventTowerBuilt,
	EventTowerSold,
	EventUnitKilled,
	EventItemDropped,
	EventTowerXPGained,
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
	// Seq orders events from one SessionSink, starting at 1. Host events
	// leave it zero.
	Seq uint64
}

// PlayerRef identifies a participant in event payloads.
type PlayerRef struct {
	PlayerID    uint32 `json:"player_id"`
	UserID      string `json:"user_id"`
	CharacterID string `json:"character_id"`
	Name        string `json:"name"`
	Team        uint8  `json:"team"`
}

// MatchStartedPayload is published when a session leaves Starting.
type MatchStartedPayload struct {
	MatchID string      `json:"match_id"`
	Mode    string      `json:"mode"`
	Map     string      `json:"map"`
	Players []PlayerRef `json:"players"`
	Tick    uint64      `json:"tick"`
}

// PlayerResult is one player's final line in MatchEndedPayload.
type PlayerResult struct {
	PlayerID  uint32 `json:"player_id"`
	UserID    string `json:"user_id"`
	Team      uint8  `json:"team"`
	Gold      int    `json:"gold"`
	Lives     int    `json:"lives"`
	Score     int    `json:"score"`
	Kills     int    `json:"kills"`
	Connected bool   `json:"connected"`
}

// MatchEndedPayload is published when a session reaches Ending.
type MatchEndedPayload struct {
	MatchID      string         `json:"match_id"`
	Mode         string         `json:"mode"`
	Outcome      string         `json:"outcome"`
	WinningTeam  uint8          `json:"winning_team"`
	WavesCleared int            `json:"waves_cleared"`
	Ticks        uint64         `json:"ticks"`
	Players      []PlayerResult `json:"players"`
}

// WaveCompletedPayload is published when every unit of a wave is resolved.
type WaveCompletedPayload struct {
	MatchID string `json:"match_id"`
	Wave    int    `json:"wave"`
	Leaks   int    `json:"leaks"`
	Reward  int    `json:"reward"`
	Tick    uint64 `json:"tick"`
}

// TowerBuiltPayload is published for every successful build or upgrade.
type TowerBuiltPayload struct {
	MatchID   string `json:"match_id"`
	PlayerID  uint32 `json:"player_id"`
	UserID    string `json:"user_id"`
	TowerID   uint32 `json:"tower_id"`
	TowerType string `json:"tower_type"`
	Level     int    `json:"level"`
	GridX     int    `json:"grid_x"`
	GridY     int    `json:"grid_y"`
	Cost      int    `json:"cost"`
	Tick      uint64 `json:"tick"`
}

// TowerSoldPayload is published when a tower is sold.
type TowerSoldPayload struct {
	MatchID   string `json:"match_id"`
	PlayerID  uint32 `json:"player_id"`
	UserID    string `json:"user_id"`
	TowerID   uint32 `json:"tower_id"`
	TowerType string `json:"tower_type"`
	Refund    int    `json:"refund"`
	Tick      uint64 `json:"tick"`
}

// UnitKilledPayload is published when a tower kills a unit.
type UnitKilledPayload struct {
	MatchID  string `json:"match_id"`
	UnitID   uint32 `json:"unit_id"`
	UnitType string `json:"unit_type"`
	TowerID  uint32 `json:"tower_id"`
	PlayerID uint32 `json:"player_id"`
	Bounty   int    `json:"bounty"`
	Tick     uint64 `json:"tick"`
}

// ItemDroppedPayload is published when a killed unit leaves a resource.
type ItemDroppedPayload struct {
	MatchID  string  `json:"match_id"`
	EntityID uint32  `json:"entity_id"`
	ItemType string  `json:"item_type"`
	Amount   int     `json:"amount"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Tick     uint64  `json:"tick"`
}

// TowerXPGainedPayload is published when a tower earns experience.
type TowerXPGainedPayload struct {
	MatchID   string `json:"match_id"`
	PlayerID  uint32 `json:"player_id"`
	UserID    string `json:"user_id"`
	TowerID   uint32 `json:"tower_id"`
	TowerType string `json:"tower_type"`
	XP        int    `json:"xp"`
	Total     int    `json:"total"`
	Tick      uint64 `json:"tick"`
}

// SessionPayload accompanies session lifecycle events.
type SessionPayload struct {
	MatchID string `json:"match_id"`
	Mode    string `json:"mode"`
	Map     string `json:"map"`
	State   string `json:"state"`
	Players int    `json:"players"`
}

// PlayerConnectionPayload reports admission and disconnection of players.
type PlayerConnectionPayload struct {
	MatchID   string `json:"match_id"`
	PlayerID  uint32 `json:"player_id"`
	UserID    string `json:"user_id"`
	PeerID    uint32 `json:"peer_id"`
	Connected bool   `json:"connected"`
	Reason    string `json:"reason,omitempty"`
}

// LongTickPayload reports a tick that overran its budget.
type LongTickPayload struct {
	MatchID    string `json:"match_id"`
	Tick       uint64 `json:"tick"`
	DurationMS int64  `json:"duration_ms"`
	BudgetMS   int64  `json:"budget_ms"`
}

// BonusInvalidatedPayload is emitted when a user's bonuses are dropped.
type BonusInvalidatedPayload struct {
	UserID string `json:"user_id"`
}

// HeartbeatPayload summarises host liveness and capacity.
type HeartbeatPayload struct {
	Server      string  `json:"server"`
	Region      string  `json:"region"`
	Version     string  `json:"version"`
	Sessions    int     `json:"sessions"`
	MaxSessions int     `json:"max_sessions"`
	Players     int     `json:"players"`
	Peers       int     `json:"peers"`
	FreeSlots   int     `json:"free_slots"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	UptimeSec   int64   `json:"uptime_sec"`
}
