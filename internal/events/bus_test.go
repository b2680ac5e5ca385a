package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestEventBus_EmitReachesSubscribers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus := NewEventBus()
	got := make(chan Event, 2)
	bus.Subscribe(EventHostPublic, "a", func(ctx context.Context, e Event) error {
		got <- e
		return nil
	})
	bus.Subscribe(EventHostPublic, "b", func(ctx context.Context, e Event) error {
		got <- e
		return nil
	})
	assert.Equal(t, 2, bus.HandlerCount(EventHostPublic))

	bus.Emit(context.Background(), Event{Type: EventHostPublic, Payload: HostPayload{Port: 25565}})
	bus.Stop()

	require.Len(t, got, 2)
	e := <-got
	assert.False(t, e.Time.IsZero())
	assert.Equal(t, 25565, e.Payload.(HostPayload).Port)
}

func TestEventBus_EmitSyncReturnsFirstError(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	boom := errors.New("boom")
	bus.Subscribe(EventSessionError, "failing", func(ctx context.Context, e Event) error { return boom })
	bus.Subscribe(EventSessionError, "ok", func(ctx context.Context, e Event) error { return nil })

	err := bus.EmitSync(context.Background(), Event{Type: EventSessionError})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventHostPrivate}))
}

func TestEventBus_PanicIsContained(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var calls atomic.Int32
	bus.Subscribe(EventShutdown, "panics", func(ctx context.Context, e Event) error { panic("bad handler") })
	bus.Subscribe(EventShutdown, "counts", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})

	assert.NotPanics(t, func() {
		_ = bus.EmitSync(context.Background(), Event{Type: EventShutdown})
	})
	assert.Equal(t, int32(1), calls.Load())
}

func TestEventBus_UnsubscribeAndStop(t *testing.T) {
	bus := NewEventBus()

	var calls atomic.Int32
	bus.Subscribe(EventConfigChanged, "x", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	bus.Unsubscribe(EventConfigChanged, "x")
	assert.Equal(t, 0, bus.HandlerCount(EventConfigChanged))

	bus.Subscribe(EventConfigChanged, "y", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	bus.Stop()
	bus.Stop()

	select {
	case <-bus.StopCh():
	case <-time.After(time.Second):
		t.Fatal("stop channel not closed")
	}

	bus.Emit(context.Background(), Event{Type: EventConfigChanged})
	require.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventConfigChanged}))
	assert.Equal(t, int32(0), calls.Load())
}

func TestEventBus_ResubscribeReplacesHandler(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var first, second atomic.Int32
	bus.Subscribe(EventHostPrivate, "obs", func(ctx context.Context, e Event) error {
		first.Add(1)
		return nil
	})
	bus.Subscribe(EventHostPrivate, "obs", func(ctx context.Context, e Event) error {
		second.Add(1)
		return nil
	})
	assert.Equal(t, 1, bus.HandlerCount(EventHostPrivate))

	require.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventHostPrivate}))
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
}
