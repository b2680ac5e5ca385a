package host

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/forge-project/forge/internal/identity"
	"github.com/forge-project/forge/internal/transport"
	"github.com/forge-project/forge/internal/transport/transporttest"
)

type fakeBinder struct {
	gate chan struct{}
	err  error

	mu        sync.Mutex
	addrs     []string
	listeners []*transporttest.Listener
}

func (b *fakeBinder) listen(addr string, id *identity.Identity, opts transport.Options) (transport.Listener, error) {
	if b.gate != nil {
		<-b.gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrs = append(b.addrs, addr)
	if b.err != nil {
		return nil, b.err
	}
	l := transporttest.NewListener(25565)
	b.listeners = append(b.listeners, l)
	return l, nil
}

func (b *fakeBinder) last() *transporttest.Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.listeners) == 0 {
		return nil
	}
	return b.listeners[len(b.listeners)-1]
}

func newTestManager(b *fakeBinder, opts ...Option) *Manager {
	cfg := Config{LanPort: "25565", BindAddress: "0.0.0.0", Options: transport.DefaultOptions()}
	base := []Option{
		WithListenFunc(b.listen),
		WithLANAddresses(func() []net.IP { return []net.IP{net.ParseIP("192.168.1.20")} }),
	}
	return NewManager(cfg, append(base, opts...)...)
}

func pollUntilOpen(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool {
		ok, err := m.PollOpen(context.Background())
		require.NoError(t, err)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func drainUntilDone(t *testing.T, m *Manager, maxTicks int) int {
	t.Helper()
	for i := 1; i <= maxTicks; i++ {
		if m.DrainStep() {
			return i
		}
	}
	t.Fatalf("drain did not finish in %d ticks", maxTicks)
	return 0
}

func TestResolvePort(t *testing.T) {
	tests := []struct {
		raw  string
		want uint16
		ok   bool
	}{
		{"25565", 25565, true},
		{"7777", 7777, true},
		{"", 25565, false},
		{"abc", 25565, false},
		{"0", 25565, false},
		{"70000", 25565, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			port, ok := ResolvePort(tt.raw)
			assert.Equal(t, tt.want, port)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestOpen_PublicWithFingerprint(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := &fakeBinder{}
	m := newTestManager(b)

	require.NoError(t, m.BeginOpen(context.Background()))
	assert.ErrorIs(t, m.BeginOpen(context.Background()), ErrAlreadyOpen)
	pollUntilOpen(t, m)

	require.True(t, m.Public())
	info := m.Info()
	require.NotNil(t, info)
	assert.NotEmpty(t, info.Fingerprint)
	assert.NotEmpty(t, info.SPKIFingerprint)
	assert.Equal(t, 25565, info.Port)
	assert.Equal(t, "192.168.1.20:25565", info.Address)
	assert.Equal(t, []string{"0.0.0.0:25565"}, b.addrs)

	drainUntilDone(t, m, 4)
	assert.True(t, b.last().IsClosed())
	assert.False(t, m.Public())
	assert.Nil(t, m.Info())
}

func TestInfo_AddressResolvedOnceWhenOpened(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var lookups atomic.Int32
	b := &fakeBinder{}
	m := newTestManager(b, WithLANAddresses(func() []net.IP {
		lookups.Add(1)
		return []net.IP{net.ParseIP("10.1.2.3")}
	}))

	require.NoError(t, m.BeginOpen(context.Background()))
	pollUntilOpen(t, m)
	opened := lookups.Load()

	for i := 0; i < 50; i++ {
		info := m.Info()
		require.NotNil(t, info)
		assert.Equal(t, "10.1.2.3:25565", info.Address)
	}
	assert.Equal(t, opened, lookups.Load(), "status reads do not enumerate interfaces")

	drainUntilDone(t, m, 4)
}

func TestOpen_BadLanPortFallsBack(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := &fakeBinder{}
	m := NewManager(Config{LanPort: "not-a-port"}, WithListenFunc(b.listen))

	require.NoError(t, m.BeginOpen(context.Background()))
	pollUntilOpen(t, m)
	assert.Equal(t, []string{"0.0.0.0:25565"}, b.addrs)
	assert.True(t, m.CloseListener())
}

func TestOpen_IdentityFailure(t *testing.T) {
	b := &fakeBinder{}
	m := newTestManager(b, WithGenerator(func(identity.Names) (*identity.Identity, error) {
		return nil, errors.New("entropy source unavailable")
	}))

	err := m.BeginOpen(context.Background())
	var idErr *IdentityError
	require.True(t, errors.As(err, &idErr))
	assert.Contains(t, err.Error(), "entropy source unavailable")
	assert.False(t, m.Binding())
	assert.Empty(t, b.addrs, "no bind without an identity")
}

func TestOpen_BindFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := &fakeBinder{err: errors.New("address already in use")}
	m := newTestManager(b)
	require.NoError(t, m.BeginOpen(context.Background()))

	var bindErr *BindError
	require.Eventually(t, func() bool {
		_, err := m.PollOpen(context.Background())
		return errors.As(err, &bindErr)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "0.0.0.0:25565", bindErr.Addr)
	assert.False(t, m.Public())

	// A later attempt starts from scratch.
	b.mu.Lock()
	b.err = nil
	b.mu.Unlock()
	require.NoError(t, m.BeginOpen(context.Background()))
	pollUntilOpen(t, m)
	assert.True(t, m.CloseListener())
}

func TestGoPrivateWhileBinding_NoLeakedListener(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := &fakeBinder{gate: make(chan struct{})}
	m := newTestManager(b)
	require.NoError(t, m.BeginOpen(context.Background()))

	assert.False(t, m.DrainStep(), "waits for the pending bind")
	assert.False(t, m.DrainStep())

	close(b.gate)
	require.Eventually(t, func() bool { return m.DrainStep() }, 2*time.Second, 5*time.Millisecond)

	l := b.last()
	require.NotNil(t, l)
	assert.True(t, l.IsClosed())
	assert.False(t, m.Binding())
	assert.False(t, m.Public())
}

func TestAcceptAndDrainPeers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := &fakeBinder{}
	m := newTestManager(b)
	require.NoError(t, m.BeginOpen(context.Background()))
	pollUntilOpen(t, m)

	l := b.last()
	p1 := transporttest.NewConn("192.168.1.30:50000")
	p2 := transporttest.NewConn("192.168.1.31:50000")
	l.Inject(p1, transport.SessionRequest{ALPN: "forge/1", TLSVersion: "TLS 1.3"})
	l.Inject(p2, transport.SessionRequest{ALPN: "forge/1", TLSVersion: "TLS 1.3"})
	require.Eventually(t, func() bool { return m.PeerCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	// Tick 1 signals both peers, the listener stays open.
	assert.False(t, m.DrainStep())
	assert.Equal(t, 1, p1.Closes())
	assert.Equal(t, 1, p2.Closes())
	assert.False(t, l.IsClosed())

	// Tick 2 sees them gone and closes the listener; tick 3 reports done.
	assert.False(t, m.DrainStep())
	assert.True(t, l.IsClosed())
	assert.True(t, m.DrainStep())
	assert.Zero(t, m.PeerCount())
}

func TestAdmission_RejectsDoNotAttach(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := &fakeBinder{}
	full := AdmissionFunc(func(req transport.SessionRequest) Decision {
		if req.RemoteAddr == "192.168.1.99:1" {
			return DecisionServerFull
		}
		return DecisionAccept
	})
	m := newTestManager(b, WithAdmission(full))
	require.NoError(t, m.BeginOpen(context.Background()))
	pollUntilOpen(t, m)

	rejected := transporttest.NewConn("192.168.1.99:1")
	accepted := transporttest.NewConn("192.168.1.30:1")
	b.last().Inject(rejected, transport.SessionRequest{})
	b.last().Inject(accepted, transport.SessionRequest{})

	require.Eventually(t, func() bool { return m.PeerCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, rejected.Ended())
	assert.Equal(t, accepted.ID(), m.Peers()[0].Conn.ID())

	assert.Equal(t, 1, m.DisconnectPeers())
	assert.True(t, m.CloseListener())
	assert.Zero(t, m.PeerCount())
}

func TestListenerLost(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := &fakeBinder{}
	m := newTestManager(b)
	require.NoError(t, m.BeginOpen(context.Background()))
	pollUntilOpen(t, m)

	require.NoError(t, b.last().Close())
	require.Eventually(t, m.Lost, 2*time.Second, 5*time.Millisecond)

	drainUntilDone(t, m, 3)
	assert.False(t, m.Lost())
}

func TestResponderAdvertisesListenerPort(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := &fakeBinder{}
	cfg := Config{LanPort: "25565", ResponderEnabled: true, DiscoveryPort: 0}
	m := NewManager(cfg, WithListenFunc(b.listen))
	require.NoError(t, m.BeginOpen(context.Background()))
	pollUntilOpen(t, m)

	r := m.Responder()
	require.NotNil(t, r)
	require.NoError(t, r.SelfTest(time.Second))

	assert.Equal(t, 0, m.DisconnectPeers())
	assert.Nil(t, m.Responder())
	assert.True(t, m.CloseListener())
}

func TestDecisionStrings(t *testing.T) {
	assert.Equal(t, "accept", DecisionAccept.String())
	assert.Equal(t, "blocked", DecisionBlocked.String())
	assert.Equal(t, "password_mismatch", DecisionPasswordMismatch.String())
	assert.Equal(t, "server_full", DecisionServerFull.String())
	assert.Equal(t, DecisionAccept, AcceptAll{}.Admit(transport.SessionRequest{}))
}
