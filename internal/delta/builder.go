// Package delta turns successive entity views into spawn, update and
// destroy records, and decides when a full snapshot is due.
package delta

import (
	"github.com/bastion-project/bastion/internal/protocol"
)

// Frame is the outgoing delta of one tick.
type Frame struct {
	Tick     uint64
	Spawns   []protocol.SpawnRecord
	Updates  []protocol.UpdateRecord
	Destroys []protocol.DestroyRecord
}

// Empty reports whether the frame carries nothing.
func (f Frame) Empty() bool {
	return len(f.Spawns) == 0 && len(f.Updates) == 0 && len(f.Destroys) == 0
}

// Messages returns the wire messages for the non-empty parts of the frame.
func (f Frame) Messages() []protocol.Message {
	var msgs []protocol.Message
	if len(f.Spawns) > 0 {
		msgs = append(msgs, protocol.EntitySpawn{Tick: f.Tick, Spawns: f.Spawns})
	}
	if len(f.Updates) > 0 {
		msgs = append(msgs, protocol.EntityUpdate{Tick: f.Tick, Updates: f.Updates})
	}
	if len(f.Destroys) > 0 {
		msgs = append(msgs, protocol.EntityDestroy{Tick: f.Tick, Destroys: f.Destroys})
	}
	return msgs
}

// Builder remembers what was last sent for every entity of one session.
// It is owned by the session's tick loop and is not safe for concurrent use.
type Builder struct {
	interval uint64
	last     map[uint32]protocol.SpawnRecord
}

// NewBuilder creates a builder that requests a snapshot every interval
// ticks. An interval of zero disables periodic snapshots.
func NewBuilder(interval uint64) *Builder {
	return &Builder{
		interval: interval,
		last:     make(map[uint32]protocol.SpawnRecord),
	}
}

// Build diffs the current entity views against the previous tick. Views
// must list every live entity; destroyed lists entities removed this tick.
// Entities created and removed within the same tick are never announced.
func (b *Builder) Build(tick uint64, views []protocol.SpawnRecord, destroyed []protocol.DestroyRecord) Frame {
	f := Frame{Tick: tick}

	for _, d := range destroyed {
		if _, known := b.last[d.ID]; !known {
			continue
		}
		delete(b.last, d.ID)
		f.Destroys = append(f.Destroys, d)
	}

	for _, v := range views {
		prev, known := b.last[v.ID]
		if !known {
			f.Spawns = append(f.Spawns, v)
			b.last[v.ID] = v
			continue
		}
		if u, changed := diff(prev, v); changed {
			f.Updates = append(f.Updates, u)
			b.last[v.ID] = v
		}
	}
	return f
}

func diff(prev, cur protocol.SpawnRecord) (protocol.UpdateRecord, bool) {
	u := protocol.UpdateRecord{ID: cur.ID}
	if prev.X != cur.X || prev.Y != cur.Y {
		u.Flags |= protocol.FieldPosition
		u.X, u.Y = cur.X, cur.Y
	}
	if prev.Rotation != cur.Rotation {
		u.Flags |= protocol.FieldRotation
		u.Rotation = cur.Rotation
	}
	if prev.Health != cur.Health {
		u.Flags |= protocol.FieldHealth
		u.Health = cur.Health
	}
	if prev.Level != cur.Level || prev.MaxHealth != cur.MaxHealth {
		u.Flags |= protocol.FieldLevel
		u.Level, u.MaxHealth = cur.Level, cur.MaxHealth
	}
	return u, u.Flags != 0
}

// ShouldSnapshot reports whether a periodic snapshot is due at tick.
func (b *Builder) ShouldSnapshot(tick uint64) bool {
	return b.interval > 0 && tick > 0 && tick%b.interval == 0
}

// Snapshot assembles a full state message. Entity views are copied so
// later mutation by the caller cannot alter a queued message.
func (b *Builder) Snapshot(tick uint64, state uint8, wave uint16, views []protocol.SpawnRecord, players []protocol.PlayerState) protocol.StateSnapshot {
	entities := make([]protocol.SpawnRecord, len(views))
	copy(entities, views)
	ps := make([]protocol.PlayerState, len(players))
	copy(ps, players)
	return protocol.StateSnapshot{
		Tick:     tick,
		State:    state,
		Wave:     wave,
		Entities: entities,
		Players:  ps,
	}
}

// Known reports how many entities the builder is tracking.
func (b *Builder) Known() int {
	return len(b.last)
}

// Forget releases all tracked entities, used on session teardown.
func (b *Builder) Forget() {
	b.last = make(map[uint32]protocol.SpawnRecord)
}
