package events

import (
	"context"
	"sync"
)

// SessionSink publishes one session's events without blocking the caller.
// Events are delivered in publish order by a single drain goroutine that
// exits when the queue is empty and restarts on the next Publish.
type SessionSink struct {
	bus    *EventBus
	source string

	mu       sync.Mutex
	queue    []Event
	seq      uint64
	draining bool
	busy     int           // queued plus in delivery
	idle     chan struct{} // closed when busy drops to zero
}

// NewSessionSink creates a sink that tags events with the match id. A nil
// bus yields a sink that discards everything.
func NewSessionSink(bus *EventBus, matchID string) *SessionSink {
	return &SessionSink{bus: bus, source: "match:" + matchID}
}

// Publish queues the event behind everything this sink published before.
// Handler failures are logged by the bus and never reach the caller.
func (s *SessionSink) Publish(eventType EventType, payload interface{}) {
	if s == nil || s.bus == nil {
		return
	}

	s.mu.Lock()
	s.seq++
	s.queue = append(s.queue, Event{Type: eventType, Source: s.source, Payload: payload, Seq: s.seq})
	s.busy++
	start := !s.draining
	s.draining = true
	s.mu.Unlock()

	if start {
		go s.drain()
	}
}

func (s *SessionSink) drain() {
	s.mu.Lock()
	for {
		if len(s.queue) == 0 {
			s.draining = false
			s.queue = nil
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.bus.EmitSync(context.Background(), ev)

		s.mu.Lock()
		s.busy--
		if s.busy == 0 && s.idle != nil {
			close(s.idle)
			s.idle = nil
		}
	}
}

// Flush waits until every published event has been handled or ctx expires.
func (s *SessionSink) Flush(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.busy == 0 {
		s.mu.Unlock()
		return nil
	}
	if s.idle == nil {
		s.idle = make(chan struct{})
	}
	done := s.idle
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
