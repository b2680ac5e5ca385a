package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge-project/forge/internal/config"
	"github.com/forge-project/forge/internal/events"
)

type doneToken struct{ done chan struct{} }

func newDoneToken() *doneToken {
	t := &doneToken{done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return nil }

type published struct {
	topic    string
	retained bool
	body     map[string]interface{}
}

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	msgs      []published
}

func (p *fakePublisher) IsConnected() bool { return p.connected }

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var body map[string]interface{}
	json.Unmarshal(payload.([]byte), &body)
	p.mu.Lock()
	p.msgs = append(p.msgs, published{topic: topic, retained: retained, body: body})
	p.mu.Unlock()
	return newDoneToken()
}

func (p *fakePublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func newTestHandler(t *testing.T, connected bool) (*MQTTHandler, *fakePublisher, *events.EventBus) {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	h := newHandler(config.MQTTConfig{TopicPrefix: "forge"}, bus)
	pub := &fakePublisher{connected: connected}
	h.pub = pub
	h.subscribeEvents()
	return h, pub, bus
}

func TestForwardsTransitions(t *testing.T) {
	_, pub, bus := newTestHandler(t, true)

	require.NoError(t, bus.EmitSync(context.Background(), events.Event{
		Type:   events.EventSessionTransition,
		Source: "session",
		Payload: events.TransitionPayload{
			From: "local/running/private", To: "local/running/going_public", Cause: "go_public",
		},
	}))

	msgs := pub.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "forge/session/transition", msgs[0].topic)
	assert.False(t, msgs[0].retained)

	inner := msgs[0].body["payload"].(map[string]interface{})
	assert.Equal(t, "session.transition", inner["event"])
	assert.Contains(t, msgs[0].body, "hostname")
}

func TestHostStatusIsRetained(t *testing.T) {
	_, pub, bus := newTestHandler(t, true)

	require.NoError(t, bus.EmitSync(context.Background(), events.Event{
		Type:    events.EventHostPublic,
		Payload: events.HostPayload{Address: "192.168.1.2:25565", Port: 25565},
	}))
	require.NoError(t, bus.EmitSync(context.Background(), events.Event{Type: events.EventHostPrivate}))

	msgs := pub.all()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, "forge/host", m.topic)
		assert.True(t, m.retained)
	}
	first := msgs[0].body["payload"].(map[string]interface{})["payload"].(map[string]interface{})
	assert.Equal(t, true, first["public"])
}

func TestNoPublishWhileDisconnected(t *testing.T) {
	h, pub, bus := newTestHandler(t, false)

	require.NoError(t, bus.EmitSync(context.Background(), events.Event{Type: events.EventSessionError}))
	h.PublishShutdown()
	assert.Empty(t, pub.all())

	pub.connected = true
	h.PublishShutdown()
	msgs := pub.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "forge/daemon/status", msgs[0].topic)
	assert.True(t, msgs[0].retained)
}

func TestUnsubscribe(t *testing.T) {
	h, pub, bus := newTestHandler(t, true)
	h.unsubscribeEvents()

	require.NoError(t, bus.EmitSync(context.Background(), events.Event{Type: events.EventServerDiscovered}))
	assert.Empty(t, pub.all())
	assert.Equal(t, 0, bus.HandlerCount(events.EventServerDiscovered))
}

func TestNewMQTTHandlerDisabled(t *testing.T) {
	_, err := NewMQTTHandler(config.DefaultConfig(), events.NewEventBus())
	assert.Error(t, err)
}
