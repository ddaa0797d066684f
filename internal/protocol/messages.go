package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Message is the closed set of wire messages. Only types declared in this
// package implement it.
type Message interface {
	Type() MessageType
	isMessage()
}

// ---- Connection ----

// Connect is the first message a client sends on a new peer.
type Connect struct {
	ProtocolVersion uint16
	ClientVersion   string
}

// ConnectAck accepts a Connect and publishes the simulation rate.
type ConnectAck struct {
	PeerID          uint32
	ProtocolVersion uint16
	TickRate        uint16
	ServerName      string
}

// Disconnect announces that the sender is closing the connection.
type Disconnect struct {
	Reason string
}

// Ping measures round-trip time at the application level.
type Ping struct {
	ClientTime int64
}

// Pong echoes a Ping with the server clock and tick.
type Pong struct {
	ClientTime int64
	ServerTime int64
	ServerTick uint64
}

// ---- Authentication ----

// AuthRequest exchanges a connection token for a verified identity.
type AuthRequest struct {
	RequestID uint32
	Token     string
}

// AuthResponse reports the outcome of an AuthRequest.
type AuthResponse struct {
	RequestID uint32
	Success   bool
	PlayerID  uint32
	UserID    string
	MatchID   string
	Code      ErrorCode
	Message   string
}

// ---- Input ----

// PlayerInput carries the client's latest cursor and selection.
type PlayerInput struct {
	Sequence   uint32
	ClientTick uint64
	CursorX    float32
	CursorY    float32
	Selected   uint32
}

// PlayerInputAck confirms the highest applied input sequence.
type PlayerInputAck struct {
	Sequence uint32
	Tick     uint64
}

// ---- State ----

// StateSnapshot is a full dump of entity and player state.
type StateSnapshot struct {
	Tick     uint64
	State    uint8
	Wave     uint16
	Entities []SpawnRecord
	Players  []PlayerState
}

// EntityUpdate carries per-field deltas for entities changed this tick.
type EntityUpdate struct {
	Tick    uint64
	Updates []UpdateRecord
}

// EntitySpawn carries full records for entities created this tick.
type EntitySpawn struct {
	Tick   uint64
	Spawns []SpawnRecord
}

// EntityDestroy lists entities removed this tick.
type EntityDestroy struct {
	Tick     uint64
	Destroys []DestroyRecord
}

// ---- Actions ----

// TowerBuild requests a tower of TowerType at a grid cell.
type TowerBuild struct {
	RequestID uint32
	TowerType string
	GridX     int16
	GridY     int16
}

// TowerUpgrade requests the next level of an owned tower.
type TowerUpgrade struct {
	RequestID uint32
	EntityID  uint32
}

// TowerSell requests the refund of an owned tower.
type TowerSell struct {
	RequestID uint32
	EntityID  uint32
}

// AbilityUse casts a player ability at a world position.
type AbilityUse struct {
	RequestID uint32
	Ability   string
	TargetX   float32
	TargetY   float32
}

// ItemCollect picks up a dropped resource.
type ItemCollect struct {
	RequestID uint32
	EntityID  uint32
}

// ActionAck confirms that a request succeeded.
type ActionAck struct {
	RequestID uint32
	EntityID  uint32
	Gold      int32
}

// ---- Match control ----

// MatchStart announces the map and roster.
type MatchStart struct {
	MatchID string
	Mode    uint8
	Tick    uint64
	Map     MapInfo
	Roster  []RosterEntry
}

// MatchEnd carries the outcome and final player stats.
type MatchEnd struct {
	MatchID     string
	Outcome     uint8
	WinningTeam uint8
	Waves       uint16
	Ticks       uint64
	Players     []PlayerState
}

// WaveStart marks the beginning of a wave.
type WaveStart struct {
	Wave      uint16
	UnitCount uint16
	Tick      uint64
}

// WaveEnd reports leaks and the reward granted for a wave.
type WaveEnd struct {
	Wave   uint16
	Leaks  uint16
	Reward int32
	Tick   uint64
}

// ReadyState is sent by clients to toggle readiness and broadcast back with
// the player id filled in.
type ReadyState struct {
	PlayerID uint32
	Ready    bool
}

// ChatMessage is relayed between players of a session.
type ChatMessage struct {
	PlayerID uint32
	Channel  uint8
	Text     string
}

// Error reports a refused request.
type Error struct {
	RequestID uint32
	Code      ErrorCode
	Message   string
}

func (Connect) Type() MessageType        { return TypeConnect }
func (ConnectAck) Type() MessageType     { return TypeConnectAck }
func (Disconnect) Type() MessageType     { return TypeDisconnect }
func (Ping) Type() MessageType           { return TypePing }
func (Pong) Type() MessageType           { return TypePong }
func (AuthRequest) Type() MessageType    { return TypeAuthRequest }
func (AuthResponse) Type() MessageType   { return TypeAuthResponse }
func (PlayerInput) Type() MessageType    { return TypePlayerInput }
func (PlayerInputAck) Type() MessageType { return TypePlayerInputAck }
func (StateSnapshot) Type() MessageType  { return TypeStateSnapshot }
func (EntityUpdate) Type() MessageType   { return TypeEntityUpdate }
func (EntitySpawn) Type() MessageType    { return TypeEntitySpawn }
func (EntityDestroy) Type() MessageType  { return TypeEntityDestroy }
func (TowerBuild) Type() MessageType     { return TypeTowerBuild }
func (TowerUpgrade) Type() MessageType   { return TypeTowerUpgrade }
func (TowerSell) Type() MessageType      { return TypeTowerSell }
func (AbilityUse) Type() MessageType     { return TypeAbilityUse }
func (ItemCollect) Type() MessageType    { return TypeItemCollect }
func (ActionAck) Type() MessageType      { return TypeActionAck }
func (MatchStart) Type() MessageType     { return TypeMatchStart }
func (MatchEnd) Type() MessageType       { return TypeMatchEnd }
func (WaveStart) Type() MessageType      { return TypeWaveStart }
func (WaveEnd) Type() MessageType        { return TypeWaveEnd }
func (ReadyState) Type() MessageType     { return TypeReadyState }
func (ChatMessage) Type() MessageType    { return TypeChat }
func (Error) Type() MessageType          { return TypeError }

func (Connect) isMessage()        {}
func (ConnectAck) isMessage()     {}
func (Disconnect) isMessage()     {}
func (Ping) isMessage()           {}
func (Pong) isMessage()           {}
func (AuthRequest) isMessage()    {}
func (AuthResponse) isMessage()   {}
func (PlayerInput) isMessage()    {}
func (PlayerInputAck) isMessage() {}
func (StateSnapshot) isMessage()  {}
func (EntityUpdate) isMessage()   {}
func (EntitySpawn) isMessage()    {}
func (EntityDestroy) isMessage()  {}
func (TowerBuild) isMessage()     {}
func (TowerUpgrade) isMessage()   {}
func (TowerSell) isMessage()      {}
func (AbilityUse) isMessage()     {}
func (ItemCollect) isMessage()    {}
func (ActionAck) isMessage()      {}
func (MatchStart) isMessage()     {}
func (MatchEnd) isMessage()       {}
func (WaveStart) isMessage()      {}
func (WaveEnd) isMessage()        {}
func (ReadyState) isMessage()     {}
func (ChatMessage) isMessage()    {}
func (Error) isMessage()          {}

// ---- Records ----

// SpawnRecord is the full wire form of an entity.
type SpawnRecord struct {
	ID        uint32
	Kind      uint8
	Subtype   string
	Owner     uint32
	X         float32
	Y         float32
	Rotation  float32
	Health    int32
	MaxHealth int32
	Level     uint8
}

// Update field flags.
const (
	FieldPosition uint8 = 1 << iota
	FieldRotation
	FieldHealth
	// FieldLevel carries Level and MaxHealth, which change together on upgrade.
	FieldLevel
)

// UpdateRecord carries only the fields named by Flags. Unflagged fields are
// not written to the wire and decode as zero.
type UpdateRecord struct {
	ID        uint32
	Flags     uint8
	X         float32
	Y         float32
	Rotation  float32
	Health    int32
	MaxHealth int32
	Level     uint8
}

// EncodeMsgpack writes the id, the flags and then the flagged fields.
func (r UpdateRecord) EncodeMsgpack(enc *msgpack.Encoder) error {
	n := 2
	if r.Flags&FieldPosition != 0 {
		n += 2
	}
	if r.Flags&FieldRotation != 0 {
		n++
	}
	if r.Flags&FieldHealth != 0 {
		n++
	}
	if r.Flags&FieldLevel != 0 {
		n += 2
	}
	if err := enc.EncodeArrayLen(n); err != nil {
		return err
	}
	if err := enc.EncodeUint(uint64(r.ID)); err != nil {
		return err
	}
	if err := enc.EncodeUint(uint64(r.Flags)); err != nil {
		return err
	}
	if r.Flags&FieldPosition != 0 {
		if err := enc.EncodeFloat32(r.X); err != nil {
			return err
		}
		if err := enc.EncodeFloat32(r.Y); err != nil {
			return err
		}
	}
	if r.Flags&FieldRotation != 0 {
		if err := enc.EncodeFloat32(r.Rotation); err != nil {
			return err
		}
	}
	if r.Flags&FieldHealth != 0 {
		if err := enc.EncodeInt(int64(r.Health)); err != nil {
			return err
		}
	}
	if r.Flags&FieldLevel != 0 {
		if err := enc.EncodeUint(uint64(r.Level)); err != nil {
			return err
		}
		if err := enc.EncodeInt(int64(r.MaxHealth)); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMsgpack is the inverse of EncodeMsgpack.
func (r *UpdateRecord) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n < 2 {
		return fmt.Errorf("update record: %d fields", n)
	}
	*r = UpdateRecord{}
	if r.ID, err = dec.DecodeUint32(); err != nil {
		return err
	}
	if r.Flags, err = dec.DecodeUint8(); err != nil {
		return err
	}
	read := 2
	if r.Flags&FieldPosition != 0 {
		if r.X, err = dec.DecodeFloat32(); err != nil {
			return err
		}
		if r.Y, err = dec.DecodeFloat32(); err != nil {
			return err
		}
		read += 2
	}
	if r.Flags&FieldRotation != 0 {
		if r.Rotation, err = dec.DecodeFloat32(); err != nil {
			return err
		}
		read++
	}
	if r.Flags&FieldHealth != 0 {
		if r.Health, err = dec.DecodeInt32(); err != nil {
			return err
		}
		read++
	}
	if r.Flags&FieldLevel != 0 {
		if r.Level, err = dec.DecodeUint8(); err != nil {
			return err
		}
		if r.MaxHealth, err = dec.DecodeInt32(); err != nil {
			return err
		}
		read += 2
	}
	if read != n {
		return fmt.Errorf("update record: flags %08b imply %d fields, got %d", r.Flags, read, n)
	}
	return nil
}

// DestroyRecord names a removed entity and why it was removed.
type DestroyRecord struct {
	ID     uint32
	Reason uint8
}

// PlayerState is the low-frequency per-player view carried by snapshots.
type PlayerState struct {
	PlayerID  uint32
	UserID    string
	Name      string
	Team      uint8
	Gold      int32
	Lives     int32
	Score     int32
	Ready     bool
	Connected bool
	CursorX   float32
	CursorY   float32
}

// RosterEntry identifies one player in MatchStart.
type RosterEntry struct {
	PlayerID uint32
	UserID   string
	Name     string
	Team     uint8
}

// MapInfo describes the map clients should load.
type MapInfo struct {
	Name     string
	Width    uint16
	Height   uint16
	CellSize float32
	Waves    uint16
}

// RequestID returns the client correlation id carried by msg, or zero for
// messages that carry none.
func RequestID(msg Message) uint32 {
	switch m := msg.(type) {
	case TowerBuild:
		return m.RequestID
	case TowerUpgrade:
		return m.RequestID
	case TowerSell:
		return m.RequestID
	case AbilityUse:
		return m.RequestID
	case ItemCollect:
		return m.RequestID
	case AuthRequest:
		return m.RequestID
	}
	return 0
}
