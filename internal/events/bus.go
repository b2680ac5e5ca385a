package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forge-project/forge/internal/metrics"
	"github.com/forge-project/forge/internal/util"
)

// HandlerFunc handles one event. Returned errors are logged and counted;
// EmitSync also hands the first one back to the publisher.
type HandlerFunc func(ctx context.Context, event Event) error

type subscriber struct {
	name string
	fn   HandlerFunc
}

// EventBus fans session events out to observers. Publishers never wait on
// slow observers unless they use EmitSync.
type EventBus struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   map[EventType][]subscriber
	closed bool

	inflight sync.WaitGroup
	done     chan struct{}
	once     sync.Once
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{
		logger: util.ComponentLogger("events"),
		subs:   make(map[EventType][]subscriber),
		done:   make(chan struct{}),
	}
}

// Subscribe registers fn under name. Subscribing a name twice for the same
// event replaces the earlier handler.
func (eb *EventBus) Subscribe(eventType EventType, name string, fn HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	list := eb.subs[eventType]
	for i := range list {
		if list[i].name == name {
			list[i].fn = fn
			return
		}
	}
	eb.subs[eventType] = append(list, subscriber{name: name, fn: fn})
	eb.logger.Debug().Str("event", string(eventType)).Str("handler", name).Msg("handler subscribed")
}

// Unsubscribe removes the handler registered under name.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	list := eb.subs[eventType]
	for i := range list {
		if list[i].name == name {
			eb.subs[eventType] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// HandlerCount reports how many handlers eventType has.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs[eventType])
}

// Emit delivers event to every handler on its own goroutine and returns
// immediately. Events emitted after Stop are dropped.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	stamp(&event)

	// The read lock orders inflight.Add before Stop's Wait.
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}
	for _, s := range eb.subs[event.Type] {
		eb.inflight.Add(1)
		go func(s subscriber) {
			defer eb.inflight.Done()
			_ = eb.deliver(ctx, s, event)
		}(s)
	}
}

// EmitSync delivers event to every handler concurrently and waits for all
// of them, returning the first error.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	stamp(&event)

	eb.mu.RLock()
	if eb.closed {
		eb.mu.RUnlock()
		return nil
	}
	subs := append([]subscriber(nil), eb.subs[event.Type]...)
	eb.mu.RUnlock()

	errs := make(chan error, len(subs))
	for _, s := range subs {
		go func(s subscriber) {
			errs <- eb.deliver(ctx, s, event)
		}(s)
	}

	var first error
	for range subs {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// deliver runs one handler, turning a panic into an error.
func (eb *EventBus) deliver(ctx context.Context, s subscriber, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", s.name, r)
		}
		if err != nil {
			metrics.EventHandlerFailuresTotal.WithLabelValues(string(event.Type), s.name).Inc()
			eb.logger.Error().Err(err).Str("event", string(event.Type)).Str("handler", s.name).Msg("event handler failed")
		}
	}()
	return s.fn(ctx, event)
}

// Stop drops further events and waits for handlers started by Emit.
func (eb *EventBus) Stop() {
	eb.once.Do(func() {
		eb.mu.Lock()
		eb.closed = true
		eb.mu.Unlock()

		eb.inflight.Wait()
		close(eb.done)
		eb.logger.Info().Msg("event bus stopped")
	})
}

// StopCh is closed once Stop has drained in-flight handlers.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.done
}

func stamp(e *Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
}
