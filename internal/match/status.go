package match

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// PlayerStatus is a monitor view of one player.
type PlayerStatus struct {
	PlayerID  PlayerID `json:"player_id"`
	Peer      uint32   `json:"peer_id"`
	UserID    string   `json:"user_id"`
	Name      string   `json:"name"`
	Team      uint8    `json:"team"`
	Gold      int      `json:"gold"`
	Lives     int      `json:"lives"`
	Score     int      `json:"score"`
	Kills     int      `json:"kills"`
	Ready     bool     `json:"ready"`
	Connected bool     `json:"connected"`
}

// Status is a copy of session state safe to read from any goroutine.
type Status struct {
	MatchID   string         `json:"match_id"`
	Mode      string         `json:"mode"`
	Map       string         `json:"map"`
	State     string         `json:"state"`
	Wave      int            `json:"wave"`
	Waves     int            `json:"waves"`
	Tick      uint64         `json:"tick"`
	Entities  int            `json:"entities"`
	Towers    int            `json:"towers"`
	Units     int            `json:"units"`
	Outcome   string         `json:"outcome"`
	Players   []PlayerStatus `json:"players"`
	CreatedAt time.Time      `json:"created_at"`
}

// Status returns the state published at the end of the last tick.
func (s *Session) Status() Status {
	if st := s.status.Load(); st != nil {
		return *st
	}
	return Status{MatchID: s.cfg.MatchID}
}

func (s *Session) publishStatus() {
	st := &Status{
		MatchID:   s.cfg.MatchID,
		Mode:      s.cfg.Mode.String(),
		Map:       s.cfg.Map.Name,
		State:     s.state.String(),
		Wave:      int(s.waveNumber()),
		Waves:     len(s.cfg.Map.Waves),
		Tick:      s.tick,
		Entities:  s.entities.len(),
		Towers:    s.entities.count(EntityTower),
		Units:     s.entities.count(EntityUnit),
		Outcome:   s.outcome.String(),
		CreatedAt: s.createdAt,
	}
	for _, id := range s.playerOrder {
		p := s.players[id]
		st.Players = append(st.Players, PlayerStatus{
			PlayerID: p.ID, Peer: p.Peer, UserID: p.UserID, Name: p.Name, Team: p.Team,
			Gold: p.Gold, Lives: p.Lives, Score: p.Score, Kills: p.Kills,
			Ready: p.Ready, Connected: p.Connected,
		})
	}
	s.status.Store(st)
}

type digestState struct {
	Tick     uint64
	State    uint8
	Wave     uint16
	Entities []Entity
	Players  []Player
}

// Digest hashes the authoritative state. Two sessions fed the same
// commands from the same seed have equal digests. Loop goroutine only.
func (s *Session) Digest() string {
	d := digestState{Tick: s.tick, State: uint8(s.state), Wave: s.waveNumber()}
	s.entities.each(func(e *Entity) {
		d.Entities = append(d.Entities, *e)
	})
	for _, id := range s.playerOrder {
		p := *s.players[id]
		p.Peer = 0
		d.Players = append(d.Players, p)
	}
	data, err := msgpack.Marshal(d)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
