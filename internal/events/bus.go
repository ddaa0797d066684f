package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus fans events out to named subscribers. Host-level events (session
// lifecycle, heartbeats, shutdown) go through Emit; sessions publish
// through a SessionSink, which serializes delivery per match.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscriber
	stopped  bool
	inflight sync.WaitGroup
}

type subscriber struct {
	name    string
	handler HandlerFunc
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[EventType][]subscriber)}
}

// Subscribe registers a handler for an event type. name shows up in logs
// when the handler fails.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], subscriber{name: name, handler: handler})
	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// subscribers returns a copy of the handlers for t, or nil once stopped.
// The returned release func must be called when dispatch is done.
func (eb *EventBus) subscribers(t EventType) ([]subscriber, func()) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.stopped || len(eb.handlers[t]) == 0 {
		return nil, nil
	}
	subs := make([]subscriber, len(eb.handlers[t]))
	copy(subs, eb.handlers[t])
	eb.inflight.Add(1)
	return subs, eb.inflight.Done
}

// Emit delivers an event to every subscriber without waiting. Each handler
// runs on its own goroutine, so there is no ordering between two Emits.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	subs, release := eb.subscribers(event.Type)
	if subs == nil {
		return
	}
	go func() {
		defer release()
		eb.dispatch(ctx, event, subs)
	}()
}

// EmitSync delivers an event and waits for every subscriber. It returns the
// first handler error.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	subs, release := eb.subscribers(event.Type)
	if subs == nil {
		return nil
	}
	defer release()
	return eb.dispatch(ctx, event, subs)
}

func (eb *EventBus) dispatch(ctx context.Context, event Event, subs []subscriber) error {
	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Uint64("seq", event.Seq).
		Int("handlers", len(subs)).
		Msg("dispatching event")

	if len(subs) == 1 {
		return invoke(ctx, event, subs[0])
	}

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for _, sub := range subs {
		wg.Add(1)
		go func(sub subscriber) {
			defer wg.Done()
			if err := invoke(ctx, event, sub); err != nil {
				errOnce.Do(func() { firstErr = err })
			}
		}(sub)
	}
	wg.Wait()
	return firstErr
}

// invoke runs one handler, turning a panic into a log line.
func invoke(ctx context.Context, event Event, sub subscriber) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", sub.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = sub.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("source", event.Source).
			Str("handler", sub.name).
			Msg("handler returned error")
	}
	return err
}

// Stop rejects further events and waits for in-flight deliveries. It is
// safe to call twice.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	eb.mu.Unlock()

	eb.inflight.Wait()
	log.Info().Msg("event bus stopped")
}
