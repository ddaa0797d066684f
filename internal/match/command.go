package match

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/bastion-project/bastion/internal/protocol"
)

// Command is an input to the tick loop. Every command a session executes
// is journaled so the match can be replayed.
type Command interface {
	kind() CommandKind
}

// Join admits an authenticated peer.
type Join struct {
	Peer        uint32
	RequestID   uint32
	UserID      string
	CharacterID string
	Name        string
}

// Leave reports that a peer's transport connection is gone.
type Leave struct {
	Peer   uint32
	Reason string
}

// Message is a decoded-tag, encoded-payload protocol message from a peer.
type Message struct {
	Peer    uint32
	Type    protocol.MessageType
	Payload []byte
}

// LoadoutsReady delivers the working copies loaded during Starting.
type LoadoutsReady struct {
	Loadouts map[PlayerID]Loadout
}

// Shutdown aborts the match.
type Shutdown struct {
	Reason string
}

// BonusChanged applies a new bonus observation to a tower. Live sessions
// generate it themselves; it exists so replays see the same bonuses.
type BonusChanged struct {
	Tower EntityID
	Bonus Bonus
}

// CommandKind tags journal entries.
type CommandKind uint8

const (
	KindJoin CommandKind = iota + 1
	KindLeave
	KindMessage
	KindLoadoutsReady
	KindShutdown
	KindBonusChanged
)

func (Join) kind() CommandKind          { return KindJoin }
func (Leave) kind() CommandKind         { return KindLeave }
func (Message) kind() CommandKind       { return KindMessage }
func (LoadoutsReady) kind() CommandKind { return KindLoadoutsReady }
func (Shutdown) kind() CommandKind      { return KindShutdown }
func (BonusChanged) kind() CommandKind  { return KindBonusChanged }

// JournalEntry is one executed command and the tick it ran on.
type JournalEntry struct {
	Tick uint64
	Kind CommandKind
	Data []byte
}

// Recorder persists journal entries. Record must not block the tick loop.
type Recorder interface {
	Record(matchID string, entries []JournalEntry)
}

func newJournalEntry(tick uint64, c Command) (JournalEntry, error) {
	data, err := msgpack.Marshal(c)
	if err != nil {
		return JournalEntry{}, fmt.Errorf("failed to encode command: %w", err)
	}
	return JournalEntry{Tick: tick, Kind: c.kind(), Data: data}, nil
}

// Command decodes the entry back into the command it recorded.
func (e JournalEntry) Command() (Command, error) {
	var (
		c   Command
		err error
	)
	switch e.Kind {
	case KindJoin:
		c, err = decodeCommand[Join](e.Data)
	case KindLeave:
		c, err = decodeCommand[Leave](e.Data)
	case KindMessage:
		c, err = decodeCommand[Message](e.Data)
	case KindLoadoutsReady:
		c, err = decodeCommand[LoadoutsReady](e.Data)
	case KindShutdown:
		c, err = decodeCommand[Shutdown](e.Data)
	case KindBonusChanged:
		c, err = decodeCommand[BonusChanged](e.Data)
	default:
		return nil, fmt.Errorf("unknown journal entry kind %d", e.Kind)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func decodeCommand[T Command](data []byte) (T, error) {
	var c T
	if err := msgpack.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("failed to decode command: %w", err)
	}
	return c, nil
}
