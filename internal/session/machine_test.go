package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/forge-project/forge/internal/address"
	"github.com/forge-project/forge/internal/client"
	"github.com/forge-project/forge/internal/discovery"
	"github.com/forge-project/forge/internal/host"
	"github.com/forge-project/forge/internal/identity"
	"github.com/forge-project/forge/internal/local"
	"github.com/forge-project/forge/internal/transport"
	"github.com/forge-project/forge/internal/transport/transporttest"
)

type harness struct {
	t    *testing.T
	m    *Machine
	host *host.Manager
	now  time.Time

	mu        sync.Mutex
	gate      chan struct{}
	listeners []*transporttest.Listener
	dialer    *transporttest.Dialer
	policy    client.Policy
	clients   int
}

type harnessOption func(*harness, *Deps, *[]host.Option)

func withDialError(err error) harnessOption {
	return func(h *harness, _ *Deps, _ *[]host.Option) { h.dialer.Err = err }
}

func withBindGate(gate chan struct{}) harnessOption {
	return func(h *harness, _ *Deps, _ *[]host.Option) { h.gate = gate }
}

func withClientPolicy(p client.Policy) harnessOption {
	return func(h *harness, _ *Deps, _ *[]host.Option) { h.policy = p }
}

func withHostOption(opt host.Option) harnessOption {
	return func(_ *harness, _ *Deps, opts *[]host.Option) { *opts = append(*opts, opt) }
}

func withDiscovery(p discovery.Prober) harnessOption {
	return func(_ *harness, d *Deps, _ *[]host.Option) {
		d.Discovery = discovery.NewService(discovery.Config{Interval: time.Second, StaleAfter: time.Minute}, p)
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{t: t, now: time.Now(), dialer: &transporttest.Dialer{}}

	deps := Deps{
		NewLocal: func() *local.Session { return local.NewSession(1) },
		NewClient: func(fingerprint string) *client.Orchestrator {
			h.mu.Lock()
			h.clients++
			h.mu.Unlock()
			return client.NewOrchestrator(h.dialer, h.policy)
		},
	}
	hostOpts := []host.Option{host.WithListenFunc(h.listen)}
	for _, opt := range opts {
		opt(h, &deps, &hostOpts)
	}

	h.host = host.NewManager(host.Config{LanPort: "25565", Options: transport.DefaultOptions()}, hostOpts...)
	deps.Host = h.host
	h.m = NewMachine(context.Background(), deps)
	h.m.now = func() time.Time { return h.now }
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) listen(addr string, id *identity.Identity, opts transport.Options) (transport.Listener, error) {
	h.mu.Lock()
	gate := h.gate
	h.mu.Unlock()
	if gate != nil {
		<-gate
	}

	l := transporttest.NewListener(25565)
	h.mu.Lock()
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
	return l, nil
}

func (h *harness) lastListener() *transporttest.Listener {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.listeners) == 0 {
		return nil
	}
	return h.listeners[len(h.listeners)-1]
}

func (h *harness) tick() {
	h.now = h.now.Add(DefaultTickInterval)
	h.m.Tick(h.now)
}

func (h *harness) ticks(n int) {
	for i := 0; i < n; i++ {
		h.tick()
	}
}

// tickUntil ticks until cond holds, giving background work time to land.
func (h *harness) tickUntil(cond func() bool) int {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for n := 1; time.Now().Before(deadline); n++ {
		h.tick()
		if cond() {
			return n
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatalf("condition not reached, state %s", h.m.State().Leaf())
	return 0
}

func (h *harness) leaf() string { return h.m.State().Leaf() }

func (h *harness) request(req Request) {
	h.t.Helper()
	require.NoError(h.t, h.m.Request(req))
}

func (h *harness) startRunningLocal() {
	h.t.Helper()
	h.request(Navigate(MenuSingleplayerNewGame))
	h.request(StartLocal())
	h.ticks(2)
	require.Equal(h.t, "local/running/private", h.leaf())
}

func (h *harness) goPublic() {
	h.t.Helper()
	h.request(GoPublic())
	h.tickUntil(func() bool { return h.leaf() == "local/running/public" })
}

func (h *harness) startRunningClient() {
	h.t.Helper()
	h.request(Navigate(MenuMultiplayerJoin))
	h.request(Connect("127.0.0.1:25565", ""))
	h.tickUntil(func() bool { return h.leaf() == "client/running" })
}

func requireRejected(t *testing.T, err error, reason RejectReason) {
	t.Helper()
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected), "expected a rejection, got %v", err)
	assert.Equal(t, reason, rejected.Reason)
}

func TestStartLocal_RunningAfterTwoTicks(t *testing.T) {
	h := newHarness(t)
	h.request(Navigate(MenuSingleplayerNewGame))
	h.request(StartLocal())

	st := h.m.State()
	ls, ok := st.Local()
	require.True(t, ok)
	assert.Equal(t, LocalStarting, ls.Status)
	assert.Equal(t, VisibilityPrivate, ls.Visibility)
	assert.Equal(t, PhaseInGame, st.Phase())

	h.tick()
	assert.Equal(t, "local/starting/private", h.leaf())
	h.tick()
	assert.Equal(t, "local/running/private", h.leaf())

	st = h.m.State()
	assert.Equal(t, FocusPlaying, st.Game.Focus)
	assert.True(t, SimulationActive(st))
	assert.Equal(t, 3, h.m.Snapshot().LocalPeers, "server, client and one bot")
}

func TestStartLocal_DuplicateInSameTick(t *testing.T) {
	h := newHarness(t)
	h.request(Navigate(MenuSingleplayerNewGame))
	h.request(StartLocal())
	requireRejected(t, h.m.Request(StartLocal()), ReasonAlreadyInProgress)

	h.ticks(2)
	assert.Equal(t, "local/running/private", h.leaf())
	requireRejected(t, h.m.Request(StartLocal()), ReasonAlreadyInProgress)
}

func TestStartLocal_Guards(t *testing.T) {
	h := newHarness(t)
	requireRejected(t, h.m.Request(StartLocal()), ReasonWrongMenu)
	assert.Equal(t, "menu/main", h.leaf())

	requireRejected(t, h.m.Request(StopLocal()), ReasonWrongPhase)
	requireRejected(t, h.m.Request(GoPublic()), ReasonWrongPhase)
	requireRejected(t, h.m.Request(Disconnect()), ReasonWrongPhase)
	requireRejected(t, h.m.Request(SetFocus(FocusPaused)), ReasonWrongPhase)

	h.startRunningLocal()
	requireRejected(t, h.m.Request(Connect("127.0.0.1:25565", "")), ReasonWrongPhase)
	requireRejected(t, h.m.Request(Disconnect()), ReasonWrongSessionType)
	requireRejected(t, h.m.Request(Retry()), ReasonWrongSessionType)
	requireRejected(t, h.m.Request(GoPrivate()), ReasonAlreadyInProgress)
	requireRejected(t, h.m.Request(Navigate(MenuMain)), ReasonWrongPhase)
}

func TestScenario_LocalPublicThenStop(t *testing.T) {
	h := newHarness(t)
	h.startRunningLocal()

	h.request(GoPublic())
	assert.Equal(t, "local/running/going_public", h.leaf())
	requireRejected(t, h.m.Request(GoPublic()), ReasonAlreadyInProgress)

	h.tickUntil(func() bool { return h.leaf() == "local/running/public" })
	snap := h.m.Snapshot()
	require.NotNil(t, snap.Host)
	assert.NotEmpty(t, snap.Host.Fingerprint)

	// A remote peer joins.
	peer := transporttest.NewConn("192.168.1.40:40000")
	h.lastListener().Inject(peer, transport.SessionRequest{ALPN: "forge/1"})
	require.Eventually(t, func() bool { return h.host.PeerCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Paused, but public sessions keep simulating.
	h.request(SetFocus(FocusPaused))
	assert.True(t, SimulationActive(h.m.State()))

	h.request(StopLocal())
	requireRejected(t, h.m.Request(StopLocal()), ReasonAlreadyInProgress)

	h.ticks(5)
	require.Equal(t, PhaseInGame, h.m.State().Phase())
	require.NotNil(t, h.m.Snapshot().ShutdownStep)
	assert.Equal(t, StepDone, *h.m.Snapshot().ShutdownStep)

	h.tick()
	assert.Equal(t, "menu/singleplayer_new_game", h.leaf())
	assert.Equal(t, 1, peer.Closes())
	assert.True(t, h.lastListener().IsClosed())
	assert.Zero(t, h.host.PeerCount())
	assert.Zero(t, h.m.Snapshot().LocalPeers)
	assert.False(t, SimulationActive(h.m.State()))
}

func TestStopLocal_SixTicksWithNothingToDo(t *testing.T) {
	h := newHarness(t)
	h.startRunningLocal()
	h.request(StopLocal())

	for i := 1; i <= 5; i++ {
		h.tick()
		require.Equal(t, PhaseInGame, h.m.State().Phase(), "tick %d", i)
	}
	h.tick()
	assert.Equal(t, PhaseMenu, h.m.State().Phase())
}

func TestGoPublicThenGoPrivateBeforeBind(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, withBindGate(gate))
	h.startRunningLocal()

	h.request(GoPublic())
	h.tick()
	assert.True(t, h.host.Binding())

	h.request(GoPrivate())
	assert.Equal(t, "local/running/going_private", h.leaf())
	h.ticks(3)
	assert.Equal(t, "local/running/going_private", h.leaf(), "waits for the pending bind")

	close(gate)
	h.tickUntil(func() bool { return h.leaf() == "local/running/private" })

	l := h.lastListener()
	require.NotNil(t, l)
	assert.True(t, l.IsClosed())
	assert.False(t, h.host.Binding())
	assert.False(t, h.host.Public())
}

func TestHostMenuGoesPublicOnceRunning(t *testing.T) {
	h := newHarness(t)
	h.request(Navigate(MenuMultiplayerHostNewGame))
	h.request(StartLocal())
	assert.Equal(t, "local/starting/pending_public", h.leaf())
	assert.True(t, SimulationActive(h.m.State()))

	h.ticks(2)
	assert.Equal(t, "local/running/pending_public", h.leaf())
	h.tick()
	assert.Equal(t, "local/running/going_public", h.leaf())
	h.tickUntil(func() bool { return h.leaf() == "local/running/public" })
}

func TestGoPublic_IdentityFailureKeepsSession(t *testing.T) {
	h := newHarness(t, withHostOption(host.WithGenerator(func(identity.Names) (*identity.Identity, error) {
		return nil, errors.New("no key material")
	})))
	h.startRunningLocal()

	h.request(GoPublic())
	h.tick()
	assert.Equal(t, "local/running/failed", h.leaf())
	assert.Contains(t, h.m.Error(), "no key material")

	requireRejected(t, h.m.Request(SetFocus(FocusPaused)), ReasonFailed)

	h.request(GoPrivate())
	assert.Equal(t, "local/running/private", h.leaf())
	assert.Empty(t, h.m.Error())
}

func TestGoPublic_RetryFromFailed(t *testing.T) {
	var calls int
	h := newHarness(t, withHostOption(host.WithGenerator(func(names identity.Names) (*identity.Identity, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("no key material")
		}
		return identity.Generate(names)
	})))
	h.startRunningLocal()

	h.request(GoPublic())
	h.tick()
	require.Equal(t, "local/running/failed", h.leaf())

	h.request(GoPublic())
	h.tickUntil(func() bool { return h.leaf() == "local/running/public" })
	assert.Equal(t, 2, calls)

	info := h.host.Info()
	require.NotNil(t, info)
	assert.NotEmpty(t, info.Fingerprint)
	assert.Empty(t, h.m.Error())
}

func TestListenerLostFallsBackToPrivate(t *testing.T) {
	h := newHarness(t)
	h.startRunningLocal()
	h.goPublic()

	require.NoError(t, h.lastListener().Close())
	h.tickUntil(func() bool { return h.leaf() == "local/running/going_private" })
	assert.NotEmpty(t, h.m.Error())
	h.tickUntil(func() bool { return h.leaf() == "local/running/private" })
}

func TestConnect_InvalidTarget(t *testing.T) {
	h := newHarness(t)
	h.request(Navigate(MenuMultiplayerJoin))

	err := h.m.Request(Connect("not-an-address", ""))
	var invalid *address.ValidationError
	require.True(t, errors.As(err, &invalid))

	assert.Equal(t, "menu/multiplayer_join", h.leaf())
	assert.Zero(t, h.clients)
	assert.Zero(t, h.dialer.Calls())
	assert.NotEmpty(t, h.m.Snapshot().Error)
}

func TestConnect_WrongMenu(t *testing.T) {
	h := newHarness(t)
	requireRejected(t, h.m.Request(Connect("127.0.0.1:25565", "")), ReasonWrongMenu)
	assert.Zero(t, h.dialer.Calls())
}

func TestConnect_SyncThenRunning(t *testing.T) {
	h := newHarness(t)
	h.request(Navigate(MenuMultiplayerJoin))
	h.request(Connect("https://127.0.0.1:25565", ""))
	assert.Equal(t, "client/connecting", h.leaf())
	requireRejected(t, h.m.Request(Connect("127.0.0.1:25565", "")), ReasonAlreadyInProgress)

	h.tickUntil(func() bool { return h.leaf() == "client/syncing" })
	h.tick()
	assert.Equal(t, "client/running", h.leaf())
	assert.Equal(t, FocusPlaying, h.m.State().Game.Focus)

	snap := h.m.Snapshot()
	require.NotNil(t, snap.Target)
	assert.Equal(t, "https://127.0.0.1:25565", snap.Target.URL)
}

func TestConnect_UnreachableThenRetry(t *testing.T) {
	h := newHarness(t, withDialError(errors.New("timeout: no recent network activity")))
	h.request(Navigate(MenuMultiplayerJoin))
	h.request(Connect("10.0.0.99:25565", ""))
	assert.Equal(t, "client/connecting", h.leaf())

	h.tickUntil(func() bool { return h.leaf() == "client/failed" })
	assert.Contains(t, h.m.Error(), "no recent network activity")
	snap := h.m.Snapshot()
	require.NotNil(t, snap.Target)
	assert.False(t, snap.Target.Valid, "failed target is invalidated")
	assert.Equal(t, "10.0.0.99:25565", snap.Target.Raw)

	requireRejected(t, h.m.Request(SetFocus(FocusPaused)), ReasonFailed)
	requireRejected(t, h.m.Request(GoPublic()), ReasonFailed)

	h.dialer.SetErr(nil)
	h.request(Retry())
	assert.Equal(t, "client/connecting", h.leaf())
	assert.Equal(t, 1, h.clients)
	assert.Equal(t, 1, h.m.orch.Active(), "previous attempt released")

	h.tickUntil(func() bool { return h.leaf() == "client/running" })
	assert.Equal(t, 2, h.dialer.Calls())
}

func TestClient_DisconnectTakesThreeTicks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t)
	h.startRunningClient()
	conn := h.dialer.Last()

	h.request(Disconnect())
	assert.Equal(t, "client/disconnecting", h.leaf())
	requireRejected(t, h.m.Request(Disconnect()), ReasonAlreadyInProgress)

	h.ticks(2)
	assert.Equal(t, "client/disconnecting", h.leaf())
	h.tick()
	assert.Equal(t, "menu/multiplayer_join", h.leaf())
	assert.Equal(t, 1, conn.Closes())
	assert.Nil(t, h.m.orch)
}

func TestClient_UserDisconnectPolicy(t *testing.T) {
	tests := []struct {
		name     string
		policy   client.Policy
		wantLeaf string
	}{
		{"default returns to menu", client.Policy{}, "menu/multiplayer_join"},
		{"fail on user disconnect", client.Policy{FailOnUserDisconnect: true}, "client/failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, withClientPolicy(tt.policy))
			h.startRunningClient()
			conn := h.dialer.Last()

			h.request(Disconnect())
			h.ticks(5)
			assert.Equal(t, tt.wantLeaf, h.leaf())
			assert.Equal(t, 1, conn.Closes())
		})
	}

	h := newHarness(t, withClientPolicy(client.Policy{FailOnUserDisconnect: true}))
	h.startRunningClient()
	h.request(Disconnect())
	require.Equal(t, "client/failed", h.leaf())
	assert.Contains(t, h.m.Error(), "disconnected by user")
	snap := h.m.Snapshot()
	require.NotNil(t, snap.Target)
	assert.False(t, snap.Target.Valid, "target invalidated")

	h.request(Disconnect())
	h.ticks(3)
	assert.Equal(t, "menu/multiplayer_join", h.leaf(), "disconnect from failed leaves the session")
}

func TestClient_PeerDropFailsThenReset(t *testing.T) {
	h := newHarness(t)
	h.startRunningClient()

	h.dialer.Last().Drop(transport.ReasonByPeer, "server closing")
	h.tickUntil(func() bool { return h.leaf() == "client/failed" })
	assert.Contains(t, h.m.Error(), "server closing")
	assert.True(t, SimulationActive(h.m.State()))

	h.request(ResetToMenu())
	h.ticks(3)
	assert.Equal(t, "menu/multiplayer_join", h.leaf())
}

func TestErrorMessageExpires(t *testing.T) {
	h := newHarness(t)
	h.request(Navigate(MenuMultiplayerJoin))
	require.Error(t, h.m.Request(Connect("host-without-port", "")))
	require.NotEmpty(t, h.m.Error())

	h.now = h.now.Add(9 * time.Second)
	h.m.Tick(h.now)
	assert.NotEmpty(t, h.m.Error())

	h.now = h.now.Add(time.Second)
	h.m.Tick(h.now)
	assert.Empty(t, h.m.Error())
}

func TestResetToMenuFromMenuClearsError(t *testing.T) {
	h := newHarness(t)
	h.request(Navigate(MenuMultiplayerJoin))
	require.Error(t, h.m.Request(Connect(":0", "")))
	require.NotEmpty(t, h.m.Error())

	h.request(ResetToMenu())
	assert.Empty(t, h.m.Error())
	assert.Equal(t, "menu/multiplayer_join", h.leaf())
}

type staticProber struct {
	urls []string
}

func (p staticProber) Probe(ctx context.Context) ([]string, error) {
	return p.urls, nil
}

func TestDiscoveryOnlyWhileBrowsing(t *testing.T) {
	h := newHarness(t, withDiscovery(staticProber{urls: []string{
		"https://192.168.1.50:25565",
		"https://192.168.1.50:25565",
	}}))

	h.tick()
	assert.Empty(t, h.m.Snapshot().Servers)

	h.request(Navigate(MenuMultiplayerJoin))
	h.tickUntil(func() bool { return len(h.m.Snapshot().Servers) > 0 })
	servers := h.m.Snapshot().Servers
	require.Len(t, servers, 1)
	assert.Equal(t, "https://192.168.1.50:25565", servers[0].URL)

	h.request(Navigate(MenuMultiplayerOverview))
	h.tick()
	assert.Empty(t, h.m.Snapshot().Servers)
}
