// Package protocol implements the Bastion wire protocol: a single type-tag
// byte followed by a msgpack payload that is LZ4 block-compressed when that
// pays off. The transport datagram header is written with PacketBuilder and
// read with PacketReader, both little-endian.
package protocol

// ProtocolVersion is carried by every Connect. Peers announcing any other
// version are rejected before authentication.
const ProtocolVersion uint16 = 3

// MessageType is the single-byte tag that prefixes every encoded message.
type MessageType byte

// Connection
const (
	TypeConnect    MessageType = 0x01
	TypeConnectAck MessageType = 0x02
	TypeDisconnect MessageType = 0x03
	TypePing       MessageType = 0x04
	TypePong       MessageType = 0x05
)

// Authentication
const (
	TypeAuthRequest  MessageType = 0x10
	TypeAuthResponse MessageType = 0x11
)

// Input
const (
	TypePlayerInput    MessageType = 0x20
	TypePlayerInputAck MessageType = 0x21
)

// State
const (
	TypeStateSnapshot MessageType = 0x30
	TypeEntityUpdate  MessageType = 0x31
	TypeEntitySpawn   MessageType = 0x32
	TypeEntityDestroy MessageType = 0x33
)

// Actions
const (
	TypeTowerBuild   MessageType = 0x40
	TypeTowerUpgrade MessageType = 0x41
	TypeTowerSell    MessageType = 0x42
	TypeAbilityUse   MessageType = 0x43
	TypeItemCollect  MessageType = 0x44
	TypeActionAck    MessageType = 0x45
)

// Match control
const (
	TypeMatchStart MessageType = 0x50
	TypeMatchEnd   MessageType = 0x51
	TypeWaveStart  MessageType = 0x52
	TypeWaveEnd    MessageType = 0x53
	TypeReadyState MessageType = 0x54
)

// Misc
const (
	TypeChat  MessageType = 0x60
	TypeError MessageType = 0x7F
)

var messageTypeNames = map[MessageType]string{
	TypeConnect:        "connect",
	TypeConnectAck:     "connect_ack",
	TypeDisconnect:     "disconnect",
	TypePing:           "ping",
	TypePong:           "pong",
	TypeAuthRequest:    "auth_request",
	TypeAuthResponse:   "auth_response",
	TypePlayerInput:    "player_input",
	TypePlayerInputAck: "player_input_ack",
	TypeStateSnapshot:  "state_snapshot",
	TypeEntityUpdate:   "entity_update",
	TypeEntitySpawn:    "entity_spawn",
	TypeEntityDestroy:  "entity_destroy",
	TypeTowerBuild:     "tower_build",
	TypeTowerUpgrade:   "tower_upgrade",
	TypeTowerSell:      "tower_sell",
	TypeAbilityUse:     "ability_use",
	TypeItemCollect:    "item_collect",
	TypeActionAck:      "action_ack",
	TypeMatchStart:     "match_start",
	TypeMatchEnd:       "match_end",
	TypeWaveStart:      "wave_start",
	TypeWaveEnd:        "wave_end",
	TypeReadyState:     "ready_state",
	TypeChat:           "chat",
	TypeError:          "error",
}

// String returns the lowercase name of the message type.
func (t MessageType) String() string {
	if s, ok := messageTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// Known reports whether t is part of the message catalogue.
func (t MessageType) Known() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// ErrorCode identifies why a request was refused. It is echoed in Error and
// AuthResponse messages.
type ErrorCode uint16

const (
	ErrCodeNone ErrorCode = iota

	// protocol
	ErrCodeMalformedPacket
	ErrCodeUnknownMessage
	ErrCodeVersionMismatch

	// authentication
	ErrCodeAuthFailed
	ErrCodeNotAuthenticated
	ErrCodeSessionFull
	ErrCodeNotInRoster

	// match lifecycle
	ErrCodeMatchNotStarted
	ErrCodeMatchAlreadyStarted

	// validation
	ErrCodeInsufficientGold
	ErrCodeInvalidPlacement
	ErrCodeCellOccupied
	ErrCodeUnknownTower
	ErrCodeUnknownEntity
	ErrCodeNotOwner
	ErrCodeMaxLevel
	ErrCodeAbilityOnCooldown
	ErrCodeUnknownAbility
	ErrCodeItemNotFound
	ErrCodeRateLimited

	ErrCodeInternal ErrorCode = 0xFFFF
)

var errorCodeNames = map[ErrorCode]string{
	ErrCodeNone:                "none",
	ErrCodeMalformedPacket:     "malformed_packet",
	ErrCodeUnknownMessage:      "unknown_message",
	ErrCodeVersionMismatch:     "version_mismatch",
	ErrCodeAuthFailed:          "auth_failed",
	ErrCodeNotAuthenticated:    "not_authenticated",
	ErrCodeSessionFull:         "session_full",
	ErrCodeNotInRoster:         "not_in_roster",
	ErrCodeMatchNotStarted:     "match_not_started",
	ErrCodeMatchAlreadyStarted: "match_already_started",
	ErrCodeInsufficientGold:    "insufficient_gold",
	ErrCodeInvalidPlacement:    "invalid_placement",
	ErrCodeCellOccupied:        "cell_occupied",
	ErrCodeUnknownTower:        "unknown_tower",
	ErrCodeUnknownEntity:       "unknown_entity",
	ErrCodeNotOwner:            "not_owner",
	ErrCodeMaxLevel:            "max_level",
	ErrCodeAbilityOnCooldown:   "ability_on_cooldown",
	ErrCodeUnknownAbility:      "unknown_ability",
	ErrCodeItemNotFound:        "item_not_found",
	ErrCodeRateLimited:         "rate_limited",
	ErrCodeInternal:            "internal",
}

// String returns the snake_case name of the code.
func (c ErrorCode) String() string {
	if s, ok := errorCodeNames[c]; ok {
		return s
	}
	return "unknown"
}

// MaxPayloadSize bounds the decompressed size of a single message payload.
const MaxPayloadSize = 1 << 20

// DiscoveryMagicByte prefixes LAN discovery probes and their replies.
const DiscoveryMagicByte byte = 0xCA
