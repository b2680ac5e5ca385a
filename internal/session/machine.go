package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forge-project/forge/internal/address"
	"github.com/forge-project/forge/internal/client"
	"github.com/forge-project/forge/internal/discovery"
	"github.com/forge-project/forge/internal/events"
	"github.com/forge-project/forge/internal/host"
	"github.com/forge-project/forge/internal/local"
	"github.com/forge-project/forge/internal/metrics"
	"github.com/forge-project/forge/internal/transport"
	"github.com/forge-project/forge/internal/util"
)

// DefaultErrorDisplay is how long the current error message stays visible.
const DefaultErrorDisplay = 10 * time.Second

// Deps are the components a Machine drives. Host and the factories are
// required; Discovery and Bus may be nil.
type Deps struct {
	Host      *host.Manager
	Discovery *discovery.Service
	Bus       *events.EventBus

	// NewLocal creates the in-process peers of a local session.
	NewLocal func() *local.Session
	// NewClient creates the orchestrator of one client session. The
	// fingerprint comes from the Connect request and may be empty.
	NewClient func(fingerprint string) *client.Orchestrator

	ErrorDisplay time.Duration
	StartMenu    MenuContext
}

// Machine is the session lifecycle state machine. It is not safe for
// concurrent use; Loop owns it on a single goroutine.
type Machine struct {
	deps   Deps
	ctx    context.Context
	logger zerolog.Logger

	state     State
	sessionID string

	local       *local.Session
	provisioned bool

	orch        *client.Orchestrator
	handle      *client.Handle
	target      address.ConnectionTarget
	fingerprint string

	openStarted bool
	seq         *Sequencer

	errMsg string
	errAt  time.Time
	now    func() time.Time
}

// NewMachine creates a machine in the configured start menu.
func NewMachine(ctx context.Context, deps Deps) *Machine {
	if deps.ErrorDisplay <= 0 {
		deps.ErrorDisplay = DefaultErrorDisplay
	}
	m := &Machine{
		deps:   deps,
		ctx:    ctx,
		logger: util.ComponentLogger("session"),
		state:  State{Menu: deps.StartMenu},
		now:    time.Now,
	}
	if deps.Discovery != nil {
		deps.Discovery.OnFound(func(ds discovery.DiscoveredServer) {
			m.emit(events.EventServerDiscovered, events.ServerDiscoveredPayload{URL: ds.URL, At: ds.FirstSeen})
		})
	}
	return m
}

// State returns a copy of the current state.
func (m *Machine) State() State {
	return m.state.Clone()
}

// Request validates req against the current state and applies it. Side
// effects run on later ticks. Rejections leave the state untouched.
func (m *Machine) Request(req Request) error {
	err := m.apply(req)

	result := "accepted"
	var rejected *RejectedError
	var invalid *address.ValidationError
	switch {
	case err == nil:
		m.clearError()
	case errors.As(err, &rejected):
		result = rejected.Reason.String()
		m.logger.Warn().
			Str("request", req.Kind.String()).
			Str("state", rejected.State).
			Str("reason", rejected.Reason.String()).
			Msg("request rejected")
		m.emit(events.EventRequestRejected, events.RejectedPayload{
			Request: req.Kind.String(),
			Reason:  rejected.Reason.String(),
			State:   rejected.State,
		})
	case errors.As(err, &invalid):
		result = "invalid"
		m.setError(err.Error())
	default:
		result = "error"
		m.setError(err.Error())
	}
	metrics.RequestsTotal.WithLabelValues(req.Kind.String(), result).Inc()
	return err
}

func (m *Machine) reject(req Request, reason RejectReason) error {
	return &RejectedError{Kind: req.Kind, Reason: reason, State: m.state.Leaf()}
}

func (m *Machine) apply(req Request) error {
	if err := m.guardFailed(req); err != nil {
		return err
	}

	switch req.Kind {
	case KindStartLocal:
		return m.startLocal(req)
	case KindStopLocal:
		return m.stopLocal(req)
	case KindGoPublic:
		return m.goPublic(req)
	case KindGoPrivate:
		return m.goPrivate(req)
	case KindConnect:
		return m.connect(req)
	case KindDisconnect:
		return m.disconnect(req)
	case KindRetry:
		return m.retry(req)
	case KindResetToMenu:
		return m.resetToMenu(req)
	case KindNavigate:
		return m.navigate(req)
	case KindSetFocus:
		return m.setFocus(req)
	}
	return m.reject(req, ReasonWrongPhase)
}

// guardFailed only lets through the requests that leave a Failed leaf.
func (m *Machine) guardFailed(req Request) error {
	if ls, ok := m.state.Local(); ok {
		switch {
		case ls.Status == LocalFailed:
			if req.Kind != KindResetToMenu {
				return m.reject(req, ReasonFailed)
			}
		case ls.Visibility == VisibilityFailed && ls.Status == LocalRunning:
			switch req.Kind {
			case KindGoPublic, KindGoPrivate, KindStopLocal, KindResetToMenu:
			default:
				return m.reject(req, ReasonFailed)
			}
		}
	}
	if cs, ok := m.state.Client(); ok && cs.Status == ClientFailed {
		switch req.Kind {
		case KindRetry, KindDisconnect, KindResetToMenu:
		default:
			return m.reject(req, ReasonFailed)
		}
	}
	return nil
}

func (m *Machine) startLocal(req Request) error {
	if m.state.Game != nil {
		if _, ok := m.state.Local(); ok {
			return m.reject(req, ReasonAlreadyInProgress)
		}
		return m.reject(req, ReasonWrongPhase)
	}
	if !m.state.Menu.StartsGame() {
		return m.reject(req, ReasonWrongMenu)
	}

	vis := VisibilityPrivate
	if m.state.Menu.Hosts() {
		vis = VisibilityPendingPublic
	}

	m.local = m.deps.NewLocal()
	m.provisioned = false
	m.openStarted = false
	m.sessionID = uuid.NewString()
	m.transition("start_local", func(s *State) {
		s.Game = &Game{Session: &LocalSession{Status: LocalStarting, Visibility: vis}, Focus: FocusPaused}
	})
	return nil
}

func (m *Machine) stopLocal(req Request) error {
	ls, err := m.requireLocal(req)
	if err != nil {
		return err
	}
	if ls.Status == LocalStopping {
		return m.reject(req, ReasonAlreadyInProgress)
	}
	m.beginLocalShutdown("stop_local")
	return nil
}

func (m *Machine) goPublic(req Request) error {
	ls, err := m.requireLocal(req)
	if err != nil {
		return err
	}
	if ls.Status == LocalStopping {
		return m.reject(req, ReasonWrongPhase)
	}

	switch ls.Visibility {
	case VisibilityPrivate, VisibilityFailed:
	default:
		return m.reject(req, ReasonAlreadyInProgress)
	}

	m.transition("go_public", func(s *State) {
		l, _ := s.Local()
		if l.Status == LocalRunning {
			l.Visibility = VisibilityGoingPublic
		} else {
			l.Visibility = VisibilityPendingPublic
		}
	})
	m.openStarted = false
	return nil
}

func (m *Machine) goPrivate(req Request) error {
	ls, err := m.requireLocal(req)
	if err != nil {
		return err
	}
	if ls.Status == LocalStopping {
		return m.reject(req, ReasonWrongPhase)
	}

	switch ls.Visibility {
	case VisibilityPrivate, VisibilityGoingPrivate:
		return m.reject(req, ReasonAlreadyInProgress)
	case VisibilityPendingPublic, VisibilityFailed:
		m.transition("go_private", func(s *State) {
			l, _ := s.Local()
			l.Visibility = VisibilityPrivate
		})
	default:
		m.transition("go_private", func(s *State) {
			l, _ := s.Local()
			l.Visibility = VisibilityGoingPrivate
		})
	}
	return nil
}

func (m *Machine) requireLocal(req Request) (*LocalSession, error) {
	if m.state.Game == nil {
		return nil, m.reject(req, ReasonWrongPhase)
	}
	ls, ok := m.state.Local()
	if !ok {
		return nil, m.reject(req, ReasonWrongSessionType)
	}
	return ls, nil
}

func (m *Machine) requireClient(req Request) (*ClientSession, error) {
	if m.state.Game == nil {
		return nil, m.reject(req, ReasonWrongPhase)
	}
	cs, ok := m.state.Client()
	if !ok {
		return nil, m.reject(req, ReasonWrongSessionType)
	}
	return cs, nil
}

func (m *Machine) connect(req Request) error {
	if m.state.Game != nil {
		if _, ok := m.state.Client(); ok {
			return m.reject(req, ReasonAlreadyInProgress)
		}
		return m.reject(req, ReasonWrongPhase)
	}
	if !m.state.Menu.Joins() {
		return m.reject(req, ReasonWrongMenu)
	}

	target, err := address.Validate(req.Target)
	if err != nil {
		return err
	}

	orch := m.deps.NewClient(req.Fingerprint)
	h, err := orch.Connect(m.ctx, target)
	if err != nil {
		orch.Close()
		return err
	}

	m.orch = orch
	m.handle = h
	m.target = target
	m.fingerprint = req.Fingerprint
	m.sessionID = uuid.NewString()
	m.transition("connect", func(s *State) {
		s.Game = &Game{Session: &ClientSession{Status: ClientConnecting}, Focus: FocusPaused}
	})
	return nil
}

func (m *Machine) disconnect(req Request) error {
	cs, err := m.requireClient(req)
	if err != nil {
		return err
	}
	if cs.Status == ClientDisconnecting {
		return m.reject(req, ReasonAlreadyInProgress)
	}

	// With FailOnUserDisconnect the close is classified like any other
	// disconnect: the session lands in Failed instead of the menu.
	if cs.Status != ClientFailed && m.orch.Policy().FailOnUserDisconnect {
		m.orch.Disconnect(m.handle)
		m.onClientDisconnected(cs, client.Event{
			Kind:   client.EventDisconnected,
			Reason: transport.DisconnectReason{Kind: transport.ReasonByUser, Message: "disconnected by user"},
		})
		return nil
	}
	m.beginClientShutdown("disconnect")
	return nil
}

func (m *Machine) retry(req Request) error {
	cs, err := m.requireClient(req)
	if err != nil {
		return err
	}
	switch cs.Status {
	case ClientFailed:
	case ClientConnecting, ClientSyncing:
		return m.reject(req, ReasonAlreadyInProgress)
	default:
		return m.reject(req, ReasonWrongPhase)
	}

	target, err := m.target.Revalidate()
	if err != nil {
		return err
	}
	h, err := m.orch.Retry(m.ctx, m.handle, target)
	if err != nil {
		return err
	}

	m.handle = h
	m.target = target
	m.transition("retry", func(s *State) {
		c, _ := s.Client()
		c.Status = ClientConnecting
	})
	return nil
}

func (m *Machine) resetToMenu(req Request) error {
	if m.state.Game == nil {
		return nil
	}
	if ls, ok := m.state.Local(); ok {
		if ls.Status == LocalStopping {
			return m.reject(req, ReasonAlreadyInProgress)
		}
		m.beginLocalShutdown("reset_to_menu")
		return nil
	}
	cs, _ := m.state.Client()
	if cs.Status == ClientDisconnecting {
		return m.reject(req, ReasonAlreadyInProgress)
	}
	m.beginClientShutdown("reset_to_menu")
	return nil
}

func (m *Machine) navigate(req Request) error {
	if m.state.Game != nil {
		return m.reject(req, ReasonWrongPhase)
	}
	m.transition("navigate", func(s *State) {
		s.Menu = req.Menu
	})
	return nil
}

func (m *Machine) setFocus(req Request) error {
	if m.state.Game == nil {
		return m.reject(req, ReasonWrongPhase)
	}
	if m.state.Game.Focus != req.Focus {
		m.state.Game.Focus = req.Focus
		m.logger.Debug().Str("focus", req.Focus.String()).Msg("focus changed")
		metrics.SimulationActive.Set(metrics.BoolGauge(SimulationActive(m.state)))
	}
	return nil
}

func (m *Machine) beginLocalShutdown(cause string) {
	m.seq = NewSequencer(PlanLocal)
	m.transition(cause, func(s *State) {
		l, _ := s.Local()
		l.Status = LocalStopping
	})
}

func (m *Machine) beginClientShutdown(cause string) {
	m.seq = NewSequencer(PlanClient)
	m.transition(cause, func(s *State) {
		c, _ := s.Client()
		c.Status = ClientDisconnecting
	})
}

// Tick drives every pending side effect once.
func (m *Machine) Tick(now time.Time) {
	m.expireError(now)

	if m.deps.Discovery != nil {
		m.deps.Discovery.Tick(now, m.state.Game == nil && m.state.Menu.Browsing())
	}

	if ls, ok := m.state.Local(); ok {
		m.tickLocal(ls)
	} else if cs, ok := m.state.Client(); ok {
		m.tickClient(cs)
	}
}

func (m *Machine) tickLocal(ls *LocalSession) {
	switch ls.Status {
	case LocalStarting:
		if !m.provisioned {
			m.provisioned = true
			if err := m.local.Provision(m.ctx); err != nil {
				m.setError(err.Error())
				m.transition("provision_failed", func(s *State) {
					l, _ := s.Local()
					l.Status = LocalFailed
				})
			}
			return
		}
		if m.local.Connected() {
			m.transition("local_connected", func(s *State) {
				l, _ := s.Local()
				l.Status = LocalRunning
				s.Game.Focus = FocusPlaying
			})
		}
	case LocalRunning:
		m.tickVisibility(ls)
	case LocalStopping:
		if m.seq.Step(m.execLocalStep) {
			m.finishSession("shutdown_done")
		}
	}
}

func (m *Machine) tickVisibility(ls *LocalSession) {
	switch ls.Visibility {
	case VisibilityPendingPublic:
		m.openStarted = false
		m.transition("local_running", func(s *State) {
			l, _ := s.Local()
			l.Visibility = VisibilityGoingPublic
		})

	case VisibilityGoingPublic:
		if !m.openStarted {
			if err := m.deps.Host.BeginOpen(m.ctx); err != nil {
				m.failVisibility(err)
				return
			}
			m.openStarted = true
			return
		}
		ready, err := m.deps.Host.PollOpen(m.ctx)
		if err != nil {
			m.failVisibility(err)
			return
		}
		if ready {
			m.transition("listener_ready", func(s *State) {
				l, _ := s.Local()
				l.Visibility = VisibilityPublic
			})
			if info := m.deps.Host.Info(); info != nil {
				m.logger.Info().
					Str("address", info.Address).
					Str("fingerprint", info.Fingerprint).
					Msg("session reachable on LAN")
				m.emit(events.EventHostPublic, events.HostPayload{
					Address:     info.Address,
					URL:         info.URL,
					Port:        info.Port,
					Fingerprint: info.Fingerprint,
				})
			}
		}

	case VisibilityPublic:
		if m.deps.Host.Lost() {
			m.setError("the server listener stopped unexpectedly")
			m.transition("listener_lost", func(s *State) {
				l, _ := s.Local()
				l.Visibility = VisibilityGoingPrivate
			})
		}

	case VisibilityGoingPrivate:
		if m.deps.Host.DrainStep() {
			m.openStarted = false
			m.transition("listener_closed", func(s *State) {
				l, _ := s.Local()
				l.Visibility = VisibilityPrivate
			})
			m.emit(events.EventHostPrivate, events.HostPayload{})
		}
	}
}

func (m *Machine) failVisibility(err error) {
	m.openStarted = false
	m.setError(err.Error())
	m.transition("go_public_failed", func(s *State) {
		l, _ := s.Local()
		l.Visibility = VisibilityFailed
	})
}

func (m *Machine) execLocalStep(step ShutdownStep) bool {
	switch step {
	case StepDisconnectRemoteClients:
		m.deps.Host.DisconnectPeers()
		return true
	case StepCloseRemoteListener:
		if !m.deps.Host.CloseListener() {
			return false
		}
		m.openStarted = false
		if ls, ok := m.state.Local(); ok && ls.Visibility != VisibilityPrivate {
			m.transition("listener_closed", func(s *State) {
				l, _ := s.Local()
				l.Visibility = VisibilityPrivate
			})
		}
		return true
	case StepDespawnLocalPeers:
		return m.local.DespawnBots()
	case StepDespawnLocalClient:
		return m.local.DespawnClient()
	case StepDespawnLocalServer:
		return m.local.DespawnServer()
	}
	return true
}

func (m *Machine) tickClient(cs *ClientSession) {
	if cs.Status == ClientSyncing {
		m.transition("sync_complete", func(s *State) {
			c, _ := s.Client()
			c.Status = ClientRunning
			s.Game.Focus = FocusPlaying
		})
	}

	if cs.Status == ClientDisconnecting {
		if m.seq.Step(m.execClientStep) {
			m.finishSession("shutdown_done")
		}
		return
	}

	for _, ev := range m.orch.Poll(m.handle) {
		switch ev.Kind {
		case client.EventEstablished:
			if cs.Status == ClientConnecting {
				m.transition("session_established", func(s *State) {
					c, _ := s.Client()
					c.Status = ClientSyncing
				})
			}
		case client.EventDisconnected:
			m.onClientDisconnected(cs, ev)
		}
	}
}

func (m *Machine) onClientDisconnected(cs *ClientSession, ev client.Event) {
	if cs.Status == ClientFailed || cs.Status == ClientDisconnecting {
		return
	}

	if !m.orch.Policy().IsFailure(ev.Reason) {
		m.logger.Info().Str("reason", ev.Reason.String()).Msg("session ended by user")
		m.beginClientShutdown("disconnected")
		return
	}

	failure := &client.ConnectionFailure{Target: m.target.URL, Reason: ev.Reason}
	m.target.Invalidate()
	m.setError(failure.Error())
	m.transition("connection_failed", func(s *State) {
		c, _ := s.Client()
		c.Status = ClientFailed
	})
}

func (m *Machine) execClientStep(step ShutdownStep) bool {
	switch step {
	case StepDisconnectFromServer:
		return m.orch.Disconnect(m.handle)
	case StepDespawnLocalClient:
		m.orch.Release(m.handle)
		m.handle = nil
		return true
	}
	return true
}

func (m *Machine) finishSession(cause string) {
	if m.orch != nil {
		m.orch.Close()
		m.orch = nil
	}
	m.handle = nil
	m.local = nil
	m.provisioned = false
	m.seq = nil
	m.transition(cause, func(s *State) {
		s.Game = nil
	})
	m.sessionID = ""
}

// transition applies fn and reports the change when the leaf moved.
func (m *Machine) transition(cause string, fn func(*State)) {
	from := m.state.Leaf()
	fn(&m.state)
	to := m.state.Leaf()
	if from == to {
		return
	}

	active := SimulationActive(m.state)
	metrics.SessionTransitionsTotal.WithLabelValues(from, to).Inc()
	metrics.SimulationActive.Set(metrics.BoolGauge(active))

	m.logger.Info().
		Str("from", from).
		Str("to", to).
		Str("cause", cause).
		Bool("simulation_active", active).
		Msg("state transition")

	m.emit(events.EventSessionTransition, events.TransitionPayload{
		SessionID:        m.sessionID,
		From:             from,
		To:               to,
		Cause:            cause,
		SimulationActive: active,
		At:               m.now(),
	})
}

func (m *Machine) emit(t events.EventType, payload interface{}) {
	if m.deps.Bus == nil {
		return
	}
	m.deps.Bus.Emit(m.ctx, events.Event{Type: t, Source: "session", Time: m.now(), Payload: payload})
}

func (m *Machine) setError(msg string) {
	m.errMsg = msg
	m.errAt = m.now()
	m.emit(events.EventSessionError, events.ErrorPayload{Message: msg, At: m.errAt})
}

func (m *Machine) clearError() {
	m.errMsg = ""
	m.errAt = time.Time{}
}

func (m *Machine) expireError(now time.Time) {
	if m.errMsg != "" && now.Sub(m.errAt) >= m.deps.ErrorDisplay {
		m.clearError()
	}
}

// Error returns the current error message, or "".
func (m *Machine) Error() string {
	return m.errMsg
}

// Close tears down whatever is still running without going through the
// tick-driven sequencer. Used on daemon shutdown.
func (m *Machine) Close() {
	if m.orch != nil {
		m.orch.Close()
		m.orch = nil
	}
	deadline := time.Now().Add(2 * time.Second)
	for !m.deps.Host.CloseListener() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if m.local != nil {
		m.local.DespawnServer()
		m.local = nil
	}
	if m.deps.Discovery != nil {
		m.deps.Discovery.Close()
	}
}
