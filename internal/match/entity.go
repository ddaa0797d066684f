package match

import (
	"math"

	"github.com/bastion-project/bastion/internal/protocol"
)

// Entity is any simulated object. Only the fields of its Type are used.
type Entity struct {
	ID        EntityID
	Type      EntityType
	Subtype   string
	Owner     PlayerID
	Pos       Vec2
	Rotation  float64
	Health    int
	MaxHealth int
	Level     int

	// units
	Path         int
	Progress     float64
	Speed        float64
	SlowPct      float64
	SlowTicks    int
	LastHitBy    EntityID
	LastHitOwner PlayerID

	// towers
	GridX, GridY int
	Cooldown     int
	XP           int
	Invested     int
	Bonus        Bonus

	// projectiles
	Target  EntityID
	Source  EntityID
	Damage  int
	Crit    bool
	SlowFor int

	// resources
	Amount    int
	ExpiresAt uint64
}

func (e *Entity) alive() bool {
	return e.Health > 0
}

func (e *Entity) record() protocol.SpawnRecord {
	return protocol.SpawnRecord{
		ID:        uint32(e.ID),
		Kind:      uint8(e.Type),
		Subtype:   e.Subtype,
		Owner:     uint32(e.Owner),
		X:         float32(e.Pos.X),
		Y:         float32(e.Pos.Y),
		Rotation:  float32(e.Rotation),
		Health:    int32(e.Health),
		MaxHealth: int32(e.MaxHealth),
		Level:     uint8(e.Level),
	}
}

type cell struct{ x, y int }

// entityStore owns a session's entities. Ids are handed out from a counter
// that only grows; iteration is always in ascending id order.
type entityStore struct {
	next      EntityID
	byID      map[EntityID]*Entity
	order     []EntityID
	cells     map[cell]EntityID
	destroyed []protocol.DestroyRecord
}

func newEntityStore() *entityStore {
	return &entityStore{
		byID:  make(map[EntityID]*Entity),
		cells: make(map[cell]EntityID),
	}
}

func (s *entityStore) spawn(e *Entity) *Entity {
	if s.next == math.MaxUint32 {
		panic("match: entity id space exhausted")
	}
	s.next++
	e.ID = s.next
	s.byID[e.ID] = e
	s.order = append(s.order, e.ID)
	if e.Type == EntityTower {
		s.cells[cell{e.GridX, e.GridY}] = e.ID
	}
	return e
}

func (s *entityStore) get(id EntityID) *Entity {
	return s.byID[id]
}

func (s *entityStore) at(x, y int) (EntityID, bool) {
	id, ok := s.cells[cell{x, y}]
	return id, ok
}

func (s *entityStore) remove(id EntityID, reason DestroyReason) {
	e, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	if e.Type == EntityTower {
		delete(s.cells, cell{e.GridX, e.GridY})
	}
	s.destroyed = append(s.destroyed, protocol.DestroyRecord{ID: uint32(id), Reason: uint8(reason)})
}

// each visits live entities in id order. Entities spawned during the visit
// are not visited; entities removed during the visit are skipped.
func (s *entityStore) each(fn func(*Entity)) {
	n := len(s.order)
	for i := 0; i < n; i++ {
		if e, ok := s.byID[s.order[i]]; ok {
			fn(e)
		}
	}
}

func (s *entityStore) ofType(t EntityType) []*Entity {
	var out []*Entity
	s.each(func(e *Entity) {
		if e.Type == t {
			out = append(out, e)
		}
	})
	return out
}

func (s *entityStore) count(t EntityType) int {
	n := 0
	for _, e := range s.byID {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (s *entityStore) len() int {
	return len(s.byID)
}

// compact drops removed ids from the iteration order.
func (s *entityStore) compact() {
	if len(s.order) == len(s.byID) {
		return
	}
	live := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.byID[id]; ok {
			live = append(live, id)
		}
	}
	s.order = live
}

func (s *entityStore) records() []protocol.SpawnRecord {
	out := make([]protocol.SpawnRecord, 0, len(s.byID))
	s.each(func(e *Entity) {
		out = append(out, e.record())
	})
	return out
}

func (s *entityStore) takeDestroyed() []protocol.DestroyRecord {
	d := s.destroyed
	s.destroyed = nil
	return d
}

func (s *entityStore) clear() {
	s.byID = make(map[EntityID]*Entity)
	s.order = nil
	s.cells = make(map[cell]EntityID)
	s.destroyed = nil
}
