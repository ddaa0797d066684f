package match

import (
	"fmt"
)

// Replay re-runs a match from its journal for the given number of ticks
// and returns the resulting session. No collaborator is consulted: joins,
// loadouts and bonus observations all come from the journal.
func Replay(cfg Config, journal []JournalEntry, ticks uint64) (*Session, error) {
	s, err := NewSession(cfg, Deps{})
	if err != nil {
		return nil, err
	}
	s.replaying = true

	byTick := make(map[uint64][]Command)
	for i, e := range journal {
		c, err := e.Command()
		if err != nil {
			return nil, fmt.Errorf("journal entry %d: %w", i, err)
		}
		byTick[e.Tick] = append(byTick[e.Tick], c)
	}

	for s.tick < ticks && s.state != StateEnded {
		s.local = append(s.local, byTick[s.tick]...)
		s.Step()
	}
	return s, nil
}
