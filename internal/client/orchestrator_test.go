package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/forge-project/forge/internal/address"
	"github.com/forge-project/forge/internal/transport"
	"github.com/forge-project/forge/internal/transport/transporttest"
)

func waitEvents(t *testing.T, o *Orchestrator, h *Handle, n int) []Event {
	t.Helper()
	var events []Event
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events = append(events, o.Poll(h)...)
		if len(events) >= n {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d events, got %v", n, events)
	return nil
}

func TestConnect_InvalidTargetNeverDials(t *testing.T) {
	dialer := &transporttest.Dialer{}
	o := NewOrchestrator(dialer, Policy{})

	h, err := o.Connect(context.Background(), address.Parse("not-an-address"))
	require.Error(t, err)
	assert.Nil(t, h)

	var verr *address.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, address.ReasonMissingPort, verr.Reason)
	assert.Zero(t, dialer.Calls())
	assert.Zero(t, o.Active())
}

func TestConnect_InvalidatedTargetNeedsRevalidation(t *testing.T) {
	o := NewOrchestrator(&transporttest.Dialer{}, Policy{})

	target := address.Parse("127.0.0.1:25565")
	target.Invalidate()

	_, err := o.Connect(context.Background(), target)
	var verr *address.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, address.ReasonStale, verr.Reason)
}

func TestConnect_EstablishedThenPeerDrop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dialer := &transporttest.Dialer{}
	o := NewOrchestrator(dialer, Policy{})
	defer o.Close()

	h, err := o.Connect(context.Background(), address.Parse("127.0.0.1:25565"))
	require.NoError(t, err)
	require.NotNil(t, h)

	events := waitEvents(t, o, h, 1)
	assert.Equal(t, EventEstablished, events[0].Kind)

	dialer.Last().Drop(transport.ReasonByPeer, "server closing")
	events = waitEvents(t, o, h, 1)
	require.Equal(t, EventDisconnected, events[0].Kind)
	assert.Equal(t, "server closing", events[0].Reason.Message)
	assert.True(t, o.Policy().IsFailure(events[0].Reason))
}

func TestDisconnect_IsUserInitiated(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dialer := &transporttest.Dialer{}
	o := NewOrchestrator(dialer, Policy{})
	defer o.Close()

	h, err := o.Connect(context.Background(), address.Parse("127.0.0.1:25565"))
	require.NoError(t, err)
	waitEvents(t, o, h, 1)

	assert.True(t, o.Disconnect(h))
	assert.True(t, o.Disconnect(h), "second disconnect is a no-op")
	assert.Equal(t, 1, dialer.Last().Closes())

	events := waitEvents(t, o, h, 1)
	require.Equal(t, EventDisconnected, events[0].Kind)
	assert.True(t, events[0].Reason.UserInitiated())
	assert.False(t, Policy{}.IsFailure(events[0].Reason))
	assert.True(t, Policy{FailOnUserDisconnect: true}.IsFailure(events[0].Reason))

	o.Release(h)
	assert.Zero(t, o.Active())
}

func TestConnect_UnreachableReportsTransportError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dialer := &transporttest.Dialer{Err: errors.New("no recent network activity")}
	o := NewOrchestrator(dialer, Policy{})
	defer o.Close()

	h, err := o.Connect(context.Background(), address.Parse("10.255.0.1:25565"))
	require.NoError(t, err)

	events := waitEvents(t, o, h, 1)
	require.Equal(t, EventDisconnected, events[0].Kind)
	assert.Equal(t, transport.ReasonTransportError, events[0].Reason.Kind)
	assert.Contains(t, events[0].Reason.Message, "no recent network activity")
}

func TestRetry_ReleasesPreviousAttemptFirst(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	gate := make(chan struct{})
	dialer := &transporttest.Dialer{Gate: gate}
	o := NewOrchestrator(dialer, Policy{})
	defer o.Close()

	target := address.Parse("127.0.0.1:25565")
	first, err := o.Connect(context.Background(), target)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return dialer.Calls() == 1 }, time.Second, 5*time.Millisecond)

	second, err := o.Retry(context.Background(), first, target)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, o.Active(), "the half-open first attempt is gone")
	assert.Nil(t, o.Poll(first))

	close(gate)
	events := waitEvents(t, o, second, 1)
	assert.Equal(t, EventEstablished, events[0].Kind)
}

func TestDisconnect_WhileDialingCancels(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dialer := &transporttest.Dialer{Gate: make(chan struct{})}
	o := NewOrchestrator(dialer, Policy{})
	defer o.Close()

	h, err := o.Connect(context.Background(), address.Parse("127.0.0.1:25565"))
	require.NoError(t, err)

	assert.True(t, o.Disconnect(h))
	events := waitEvents(t, o, h, 1)
	require.Equal(t, EventDisconnected, events[0].Kind)
	assert.True(t, events[0].Reason.UserInitiated())
}

func TestConnectionFailure_Error(t *testing.T) {
	err := &ConnectionFailure{
		Target: "https://10.0.0.2:25565",
		Reason: transport.DisconnectReason{Kind: transport.ReasonTimeout},
	}
	assert.Equal(t, "connection to https://10.0.0.2:25565 lost: timeout", err.Error())
}
