package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/bastion-project/bastion/internal/events"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic string
	qos   byte
	data  []byte
}

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	err       error
	msgs      []published
}

func (f *fakePublisher) IsConnected() bool { return f.connected }

func (f *fakePublisher) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic: topic, qos: qos, data: payload.([]byte)})
	return newFakeToken(f.err)
}

func (f *fakePublisher) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func TestSinkTopics(t *testing.T) {
	s := newSink(nil, "bastion", "eu-1", "1.0.0")
	tests := []struct {
		event events.EventType
		topic string
	}{
		{events.EventTowerBuilt, "bastion/match/tower_built"},
		{events.EventMatchEnded, "bastion/match/match_ended"},
		{events.EventHeartbeat, "bastion/server/heartbeat"},
		{events.EventShutdown, "bastion/server/shutdown"},
		{events.EventLongTick, "bastion/server/lag"},
	}
	for _, tt := range tests {
		if got := s.topic(tt.event); got != tt.topic {
			t.Errorf("%s -> %s, want %s", tt.event, got, tt.topic)
		}
	}
}

func TestSinkForwardsBusEvents(t *testing.T) {
	pub := &fakePublisher{connected: true}
	s := newSink(pub, "", "eu-1", "1.0.0")
	bus := events.NewEventBus()
	s.Attach(bus)

	sink := events.NewSessionSink(bus, "m-1")
	sink.Publish(events.EventUnitKilled, events.UnitKilledPayload{MatchID: "m-1", UnitID: 9, Bounty: 10})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sink.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	msgs := pub.sent()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages", len(msgs))
	}
	if msgs[0].topic != "bastion/match/unit_killed" || msgs[0].qos != 1 {
		t.Fatalf("message = %+v", msgs[0])
	}

	var env struct {
		Event   string                    `json:"event"`
		Source  string                    `json:"source"`
		Seq     uint64                    `json:"seq"`
		Server  string                    `json:"server"`
		Payload events.UnitKilledPayload `json:"payload"`
	}
	if err := json.Unmarshal(msgs[0].data, &env); err != nil {
		t.Fatal(err)
	}
	if env.Event != "unit_killed" || env.Source != "match:m-1" || env.Seq != 1 || env.Server != "eu-1" || env.Payload.UnitID != 9 {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestSinkSkipsWhenDisconnectedAndSurvivesFailures(t *testing.T) {
	pub := &fakePublisher{connected: false}
	s := newSink(pub, "x", "eu-1", "1.0.0")
	s.PublishShutdown("test")
	if len(pub.sent()) != 0 {
		t.Fatal("published while disconnected")
	}

	pub.connected = true
	pub.err = errors.New("broker rejected")
	s.PublishShutdown("test")
	s.PublishShutdown("test")
	if got := len(pub.sent()); got != 2 {
		t.Fatalf("published %d", got)
	}
	if pub.sent()[0].topic != "x/server/shutdown" {
		t.Fatalf("topic = %s", pub.sent()[0].topic)
	}
}
