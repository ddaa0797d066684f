package match

import (
	"golang.org/x/time/rate"

	"github.com/bastion-project/bastion/internal/protocol"
)

// Player is an authenticated participant admitted to the session.
type Player struct {
	ID          PlayerID
	Peer        uint32
	UserID      string
	CharacterID string
	Name        string
	Team        uint8

	Gold      int
	Lives     int
	Score     int
	Kills     int
	Ready     bool
	Connected bool

	LastInputSeq uint32
	Cursor       Vec2
	Selected     EntityID

	Loadout Loadout

	pendingInput *protocol.PlayerInput
	limiter      *rate.Limiter
	abilityReady map[string]uint64
}

func (p *Player) eliminated() bool {
	return p.Lives <= 0
}

func (p *Player) state() protocol.PlayerState {
	return protocol.PlayerState{
		PlayerID:  uint32(p.ID),
		UserID:    p.UserID,
		Name:      p.Name,
		Team:      p.Team,
		Gold:      int32(p.Gold),
		Lives:     int32(p.Lives),
		Score:     int32(p.Score),
		Ready:     p.Ready,
		Connected: p.Connected,
		CursorX:   float32(p.Cursor.X),
		CursorY:   float32(p.Cursor.Y),
	}
}

// bufferInput keeps the newest input seen this tick. Inputs at or below
// the acknowledged sequence are dropped.
func (p *Player) bufferInput(in protocol.PlayerInput) {
	if in.Sequence <= p.LastInputSeq {
		return
	}
	if p.pendingInput != nil && in.Sequence <= p.pendingInput.Sequence {
		return
	}
	p.pendingInput = &in
}

// applyInput consumes the buffered input and reports whether one was
// applied.
func (p *Player) applyInput() (uint32, bool) {
	in := p.pendingInput
	p.pendingInput = nil
	if in == nil || in.Sequence <= p.LastInputSeq {
		return 0, false
	}
	p.LastInputSeq = in.Sequence
	p.Cursor = Vec2{float64(in.CursorX), float64(in.CursorY)}
	p.Selected = EntityID(in.Selected)
	return in.Sequence, true
}
