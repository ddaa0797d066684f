package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitReachesEverySubscriber(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var wg sync.WaitGroup
	var calls atomic.Int32
	wg.Add(2)
	for _, name := range []string{"a", "b"} {
		bus.Subscribe(EventTowerBuilt, name, func(ctx context.Context, e Event) error {
			defer wg.Done()
			calls.Add(1)
			return nil
		})
	}

	bus.Emit(context.Background(), Event{Type: EventTowerBuilt})
	wg.Wait()
	if calls.Load() != 2 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestEmitSyncReturnsHandlerErrorAndSurvivesPanic(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	boom := errors.New("boom")
	bus.Subscribe(EventMatchEnded, "fails", func(ctx context.Context, e Event) error { return boom })
	bus.Subscribe(EventMatchEnded, "panics", func(ctx context.Context, e Event) error { panic("bad handler") })

	if err := bus.EmitSync(context.Background(), Event{Type: EventMatchEnded}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestStopDropsLaterEvents(t *testing.T) {
	bus := NewEventBus()

	var calls atomic.Int32
	bus.Subscribe(EventHeartbeat, "count", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	bus.EmitSync(context.Background(), Event{Type: EventHeartbeat})
	bus.Stop()
	bus.Stop()

	bus.Emit(context.Background(), Event{Type: EventHeartbeat})
	if err := bus.EmitSync(context.Background(), Event{Type: EventHeartbeat}); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestSessionSinkKeepsPublishOrder(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var mu sync.Mutex
	var seen []uint64
	var types []EventType
	record := func(ctx context.Context, e Event) error {
		if e.Type == EventUnitKilled {
			// slow handler must not let later events overtake it
			time.Sleep(time.Millisecond)
		}
		mu.Lock()
		seen = append(seen, e.Seq)
		types = append(types, e.Type)
		mu.Unlock()
		return nil
	}
	snapshot := func() ([]uint64, []EventType) {
		mu.Lock()
		defer mu.Unlock()
		return append([]uint64(nil), seen...), append([]EventType(nil), types...)
	}
	for _, et := range []EventType{EventUnitKilled, EventWaveCompleted, EventMatchEnded} {
		bus.Subscribe(et, "record", record)
	}

	sink := NewSessionSink(bus, "m-2")
	for i := 0; i < 5; i++ {
		sink.Publish(EventUnitKilled, nil)
	}
	sink.Publish(EventWaveCompleted, nil)
	sink.Publish(EventMatchEnded, nil)
	if err := sink.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, gotTypes := snapshot()
	if len(got) != 7 {
		t.Fatalf("delivered %d events", len(got))
	}
	for i, seq := range got {
		if seq != uint64(i+1) {
			t.Fatalf("delivery order = %v", got)
		}
	}
	if gotTypes[5] != EventWaveCompleted || gotTypes[6] != EventMatchEnded {
		t.Fatalf("types = %v", gotTypes)
	}

	// the drain goroutine restarts after going idle
	sink.Publish(EventMatchEnded, nil)
	if err := sink.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got, _ = snapshot(); len(got) != 8 || got[7] != 8 {
		t.Fatalf("after restart: %v", got)
	}
}

func TestSessionSinkFlushWaitsForHandlers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	release := make(chan struct{})
	var got atomic.Int32
	var source atomic.Value
	bus.Subscribe(EventWaveCompleted, "slow", func(ctx context.Context, e Event) error {
		<-release
		source.Store(e.Source)
		got.Add(1)
		return nil
	})

	sink := NewSessionSink(bus, "m-1")
	sink.Publish(EventWaveCompleted, WaveCompletedPayload{Wave: 1})
	sink.Publish(EventWaveCompleted, WaveCompletedPayload{Wave: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := sink.Flush(ctx); err == nil {
		t.Fatal("flush returned before handlers finished")
	}

	close(release)
	if err := sink.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got.Load() != 2 || source.Load() != "match:m-1" {
		t.Fatalf("got %d events from %v", got.Load(), source.Load())
	}
}

func TestNilBusSinkDiscards(t *testing.T) {
	sink := NewSessionSink(nil, "m")
	sink.Publish(EventMatchStarted, nil)
	if err := sink.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
}
