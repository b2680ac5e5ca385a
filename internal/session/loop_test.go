package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/forge-project/forge/internal/client"
	"github.com/forge-project/forge/internal/events"
	"github.com/forge-project/forge/internal/host"
	"github.com/forge-project/forge/internal/local"
	"github.com/forge-project/forge/internal/transport/transporttest"
)

func TestLoop_RequestsAndPublishedStatus(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus := events.NewEventBus()
	transitions := make(chan events.TransitionPayload, 32)
	bus.Subscribe(events.EventSessionTransition, "test", func(ctx context.Context, e events.Event) error {
		transitions <- e.Payload.(events.TransitionPayload)
		return nil
	})

	m := NewMachine(context.Background(), Deps{
		Host:     host.NewManager(host.Config{}),
		Bus:      bus,
		NewLocal: func() *local.Session { return local.NewSession(0) },
		NewClient: func(string) *client.Orchestrator {
			return client.NewOrchestrator(&transporttest.Dialer{}, client.Policy{})
		},
	})
	loop := NewLoop(m, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	st, err := loop.Submit(ctx, Navigate(MenuSingleplayerNewGame))
	require.NoError(t, err)
	assert.Equal(t, "menu/singleplayer_new_game", st.Leaf)

	st, err = loop.Submit(ctx, StartLocal())
	require.NoError(t, err)
	assert.Equal(t, "local/starting/private", st.Leaf)

	_, err = loop.Submit(ctx, StartLocal())
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))

	require.Eventually(t, func() bool {
		return loop.Status().Leaf == "local/running/private"
	}, 2*time.Second, time.Millisecond)
	assert.True(t, loop.Status().SimulationActive)

	_, err = loop.Submit(ctx, StopLocal())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return loop.Status().State.Phase() == PhaseMenu
	}, 2*time.Second, time.Millisecond)

	cancel()
	<-loop.Done()
	bus.Stop()

	_, err = loop.Submit(context.Background(), ResetToMenu())
	assert.ErrorIs(t, err, ErrLoopStopped)

	close(transitions)
	var tos []string
	for p := range transitions {
		tos = append(tos, p.To)
	}
	assert.Contains(t, tos, "local/running/private")
	assert.Contains(t, tos, "menu/singleplayer_new_game")
}
