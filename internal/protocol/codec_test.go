package protocol

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"
	"testing/quick"
)

var catalogue = []Message{
	Connect{}, ConnectAck{}, Disconnect{}, Ping{}, Pong{},
	AuthRequest{}, AuthResponse{},
	PlayerInput{}, PlayerInputAck{},
	StateSnapshot{}, EntityUpdate{}, EntitySpawn{}, EntityDestroy{},
	TowerBuild{}, TowerUpgrade{}, TowerSell{}, AbilityUse{}, ItemCollect{}, ActionAck{},
	MatchStart{}, MatchEnd{}, WaveStart{}, WaveEnd{}, ReadyState{},
	ChatMessage{}, Error{},
}

// canonical strips what the wire intentionally does not carry: unflagged
// update fields, and the nil/empty distinction of slices.
func canonical(m Message) Message {
	switch v := m.(type) {
	case EntityUpdate:
		if len(v.Updates) == 0 {
			v.Updates = nil
		}
		for i := range v.Updates {
			u := &v.Updates[i]
			if u.Flags&FieldPosition == 0 {
				u.X, u.Y = 0, 0
			}
			if u.Flags&FieldRotation == 0 {
				u.Rotation = 0
			}
			if u.Flags&FieldHealth == 0 {
				u.Health = 0
			}
			if u.Flags&FieldLevel == 0 {
				u.Level, u.MaxHealth = 0, 0
			}
		}
		return v
	case StateSnapshot:
		if len(v.Entities) == 0 {
			v.Entities = nil
		}
		if len(v.Players) == 0 {
			v.Players = nil
		}
		return v
	case EntitySpawn:
		if len(v.Spawns) == 0 {
			v.Spawns = nil
		}
		return v
	case EntityDestroy:
		if len(v.Destroys) == 0 {
			v.Destroys = nil
		}
		return v
	case MatchStart:
		if len(v.Roster) == 0 {
			v.Roster = nil
		}
		return v
	case MatchEnd:
		if len(v.Players) == 0 {
			v.Players = nil
		}
		return v
	}
	return m
}

func TestRoundTripEveryMessageType(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))

	for _, proto := range catalogue {
		proto := proto
		t.Run(proto.Type().String(), func(t *testing.T) {
			for i := 0; i < 200; i++ {
				v, ok := quick.Value(reflect.TypeOf(proto), rnd)
				if !ok {
					t.Fatalf("cannot generate %T", proto)
				}
				want := canonical(v.Interface().(Message))

				frame, err := Encode(want)
				if err != nil {
					t.Fatalf("Encode: %v", err)
				}
				if MessageType(frame[0]) != want.Type() {
					t.Fatalf("tag = %#x, want %#x", frame[0], byte(want.Type()))
				}

				typ, payload, err := Decode(frame)
				if err != nil {
					t.Fatalf("Decode: %v", err)
				}
				got, err := Unmarshal(typ, payload)
				if err != nil {
					t.Fatalf("Unmarshal: %v", err)
				}
				if !reflect.DeepEqual(canonical(got), want) {
					t.Fatalf("round trip mismatch\n got: %#v\nwant: %#v", got, want)
				}
			}
		})
	}
}

func TestCatalogueIsComplete(t *testing.T) {
	seen := make(map[MessageType]bool)
	for _, m := range catalogue {
		seen[m.Type()] = true
	}
	for typ := range messageTypeNames {
		if !seen[typ] {
			t.Errorf("%s has no catalogue entry", typ)
		}
	}
}

func TestDecodeAs(t *testing.T) {
	frame, err := Encode(TowerBuild{RequestID: 7, TowerType: "arrow", GridX: 2, GridY: 3})
	if err != nil {
		t.Fatal(err)
	}
	typ, payload, err := Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	if typ != TypeTowerBuild {
		t.Fatalf("type = %s", typ)
	}
	tb, err := DecodeAs[TowerBuild](payload)
	if err != nil {
		t.Fatal(err)
	}
	if tb.RequestID != 7 || tb.TowerType != "arrow" || tb.GridX != 2 || tb.GridY != 3 {
		t.Fatalf("unexpected %+v", tb)
	}
}

func TestLargePayloadIsCompressed(t *testing.T) {
	snap := StateSnapshot{Tick: 99}
	for i := 0; i < 200; i++ {
		snap.Entities = append(snap.Entities, SpawnRecord{ID: uint32(i + 1), Kind: 2, Subtype: "basic", Health: 100, MaxHealth: 100})
	}

	frame, err := Encode(snap)
	if err != nil {
		t.Fatal(err)
	}
	if frame[1] != payloadLZ4 {
		t.Fatalf("expected lz4 flag, got %#x", frame[1])
	}

	got, err := DecodeMessage(frame)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, snap) {
		t.Fatal("compressed snapshot did not round trip")
	}
}

func TestSmallPayloadIsRaw(t *testing.T) {
	frame, err := Encode(Ping{ClientTime: 1})
	if err != nil {
		t.Fatal(err)
	}
	if frame[1] != payloadRaw {
		t.Fatalf("expected raw flag, got %#x", frame[1])
	}
}

func TestUpdateRecordCarriesOnlyFlaggedFields(t *testing.T) {
	full, err := Encode(EntityUpdate{Updates: []UpdateRecord{{ID: 1, Flags: FieldPosition | FieldRotation | FieldHealth, X: 1, Y: 2, Rotation: 3, Health: 4}}})
	if err != nil {
		t.Fatal(err)
	}
	hp, err := Encode(EntityUpdate{Updates: []UpdateRecord{{ID: 1, Flags: FieldHealth, X: 1, Y: 2, Rotation: 3, Health: 4}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(hp) >= len(full) {
		t.Fatalf("health-only update is %d bytes, full is %d", len(hp), len(full))
	}

	m, err := DecodeMessage(hp)
	if err != nil {
		t.Fatal(err)
	}
	u := m.(EntityUpdate).Updates[0]
	if u.Health != 4 || u.X != 0 || u.Rotation != 0 {
		t.Fatalf("unexpected record %+v", u)
	}

	lvl, err := Encode(EntityUpdate{Updates: []UpdateRecord{{ID: 2, Flags: FieldLevel | FieldHealth, Health: 150, MaxHealth: 150, Level: 3}}})
	if err != nil {
		t.Fatal(err)
	}
	if m, err = DecodeMessage(lvl); err != nil {
		t.Fatal(err)
	}
	if u := m.(EntityUpdate).Updates[0]; u.Level != 3 || u.MaxHealth != 150 || u.Health != 150 {
		t.Fatalf("level update = %+v", u)
	}
}

func TestMalformedFrames(t *testing.T) {
	tests := []struct {
		name    string
		frame   []byte
		wantErr error
	}{
		{"empty", nil, ErrMalformedPacket},
		{"tag only", []byte{byte(TypePing)}, ErrMalformedPacket},
		{"unknown tag", []byte{0xEE, payloadRaw, 0x90}, ErrUnknownMessageType},
		{"bad flag", []byte{byte(TypePing), 9, 0x91, 0x01}, ErrMalformedPacket},
		{"truncated body", []byte{byte(TypeTowerBuild), payloadRaw, 0x94, 0x01}, ErrMalformedPacket},
		{"bad lz4 size", []byte{byte(TypePing), payloadLZ4, 0x00}, ErrMalformedPacket},
		{"garbage lz4", []byte{byte(TypePing), payloadLZ4, 0x10, 0xFF, 0xFF, 0xFF}, ErrMalformedPacket},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage(tt.frame)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPacketReaderReadsBuilderOutput(t *testing.T) {
	data := NewPacketBuilder().
		WriteByte(0xAB).
		WriteUint16(513).
		WriteUint32(70000).
		WriteUint64(1 << 40).
		WriteNullString("bastion").
		WriteBytes([]byte{1, 2, 3}).
		Build()

	r := NewPacketReader(data)
	if b, _ := r.ReadByte(); b != 0xAB {
		t.Fatalf("byte = %#x", b)
	}
	if v, _ := r.ReadUint16(); v != 513 {
		t.Fatalf("uint16 = %d", v)
	}
	if v, _ := r.ReadUint32(); v != 70000 {
		t.Fatalf("uint32 = %d", v)
	}
	if v, _ := r.ReadUint64(); v != 1<<40 {
		t.Fatalf("uint64 = %d", v)
	}
	if s, _ := r.ReadNullString(); s != "bastion" {
		t.Fatalf("string = %q", s)
	}
	if rest := r.Remaining(); !reflect.DeepEqual(rest, []byte{1, 2, 3}) {
		t.Fatalf("rest = %v", rest)
	}
	if _, err := r.ReadByte(); err == nil {
		t.Fatal("expected error past end")
	}
}
