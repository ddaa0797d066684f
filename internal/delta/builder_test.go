package delta

import (
	"testing"

	"github.com/bastion-project/bastion/internal/protocol"
)

func rec(id uint32, x, y float32, hp int32) protocol.SpawnRecord {
	return protocol.SpawnRecord{ID: id, Kind: 2, Subtype: "Basic", X: x, Y: y, Health: hp, MaxHealth: 100}
}

func TestBuildSpawnsThenUpdatesOnlyChangedFields(t *testing.T) {
	b := NewBuilder(0)

	f := b.Build(1, []protocol.SpawnRecord{rec(1, 0, 0, 100), rec(2, 5, 5, 100)}, nil)
	if len(f.Spawns) != 2 || len(f.Updates) != 0 {
		t.Fatalf("first frame = %+v", f)
	}

	f = b.Build(2, []protocol.SpawnRecord{rec(1, 1, 0, 100), rec(2, 5, 5, 80)}, nil)
	if len(f.Spawns) != 0 || len(f.Updates) != 2 {
		t.Fatalf("second frame = %+v", f)
	}
	if u := f.Updates[0]; u.ID != 1 || u.Flags != protocol.FieldPosition || u.X != 1 {
		t.Fatalf("update 1 = %+v", u)
	}
	if u := f.Updates[1]; u.ID != 2 || u.Flags != protocol.FieldHealth || u.Health != 80 {
		t.Fatalf("update 2 = %+v", u)
	}

	f = b.Build(3, []protocol.SpawnRecord{rec(1, 1, 0, 100), rec(2, 5, 5, 80)}, nil)
	if !f.Empty() {
		t.Fatalf("unchanged tick produced %+v", f)
	}
}

func TestUpgradeIsSentAsLevelUpdate(t *testing.T) {
	b := NewBuilder(0)
	tower := protocol.SpawnRecord{ID: 4, Kind: 1, Subtype: "arrow", Health: 100, MaxHealth: 100, Level: 1}
	b.Build(1, []protocol.SpawnRecord{tower}, nil)

	tower.Level, tower.MaxHealth, tower.Health = 2, 130, 130
	f := b.Build(2, []protocol.SpawnRecord{tower}, nil)
	if len(f.Updates) != 1 {
		t.Fatalf("updates = %+v", f.Updates)
	}
	u := f.Updates[0]
	if u.Flags != protocol.FieldHealth|protocol.FieldLevel || u.Level != 2 || u.MaxHealth != 130 || u.Health != 130 {
		t.Fatalf("upgrade update = %+v", u)
	}
}

func TestBuildDestroys(t *testing.T) {
	b := NewBuilder(0)
	b.Build(1, []protocol.SpawnRecord{rec(1, 0, 0, 100)}, nil)

	f := b.Build(2, nil, []protocol.DestroyRecord{{ID: 1, Reason: 1}, {ID: 99, Reason: 1}})
	if len(f.Destroys) != 1 || f.Destroys[0].ID != 1 {
		t.Fatalf("destroys = %+v", f.Destroys)
	}
	if b.Known() != 0 {
		t.Fatalf("known = %d", b.Known())
	}
	if msgs := f.Messages(); len(msgs) != 1 || msgs[0].Type() != protocol.TypeEntityDestroy {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestBandwidthProportionalToChanges(t *testing.T) {
	b := NewBuilder(0)
	views := make([]protocol.SpawnRecord, 500)
	for i := range views {
		views[i] = rec(uint32(i+1), float32(i), 0, 100)
	}
	b.Build(1, views, nil)

	views[10].X += 1
	views[20].Health -= 5
	f := b.Build(2, views, nil)
	if len(f.Updates) != 2 {
		t.Fatalf("updates = %d", len(f.Updates))
	}
}

func TestSnapshotCadence(t *testing.T) {
	b := NewBuilder(40)
	due := 0
	for tick := uint64(0); tick <= 200; tick++ {
		if b.ShouldSnapshot(tick) {
			due++
		}
	}
	if due != 5 {
		t.Fatalf("snapshots = %d", due)
	}
	if NewBuilder(0).ShouldSnapshot(40) {
		t.Fatal("zero interval should disable snapshots")
	}

	views := []protocol.SpawnRecord{rec(1, 0, 0, 100)}
	snap := b.Snapshot(40, 3, 2, views, []protocol.PlayerState{{PlayerID: 1, Gold: 350}})
	views[0].X = 9
	if snap.Entities[0].X != 0 || snap.Players[0].Gold != 350 || snap.Wave != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
}
