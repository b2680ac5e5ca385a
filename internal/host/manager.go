// Package host makes a running local session reachable from the LAN: it
// generates an ephemeral identity, binds the QUIC listener, admits inbound
// sessions and tears everything down again in drain-then-close order.
package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/forge-project/forge/internal/config"
	"github.com/forge-project/forge/internal/identity"
	"github.com/forge-project/forge/internal/metrics"
	"github.com/forge-project/forge/internal/network"
	"github.com/forge-project/forge/internal/protocol"
	"github.com/forge-project/forge/internal/transport"
	"github.com/forge-project/forge/internal/util"
)

// ErrAlreadyOpen is returned by BeginOpen while a listener exists or is binding.
var ErrAlreadyOpen = errors.New("host listener already open or opening")

// IdentityError means no TLS identity could be generated. The visibility
// attempt fails; the session itself keeps running privately.
type IdentityError struct {
	Err error
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("failed to generate server identity: %v", e.Err)
}

func (e *IdentityError) Unwrap() error { return e.Err }

// BindError means the listener could not be bound.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to open listener on %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ListenFunc binds a transport listener for an identity.
type ListenFunc func(addr string, id *identity.Identity, opts transport.Options) (transport.Listener, error)

// QUICListen is the production ListenFunc.
func QUICListen(addr string, id *identity.Identity, opts transport.Options) (transport.Listener, error) {
	return transport.ListenQUIC(addr, id, opts)
}

// Config holds the hosting settings.
type Config struct {
	LanPort          string
	BindAddress      string
	ExtraNames       []string
	Options          transport.Options
	DiscoveryPort    int
	ResponderEnabled bool
}

// ConfigFrom extracts hosting settings from the daemon configuration.
func ConfigFrom(cfg *config.Config) Config {
	n := cfg.GetNetwork()
	d := cfg.GetDiscovery()
	return Config{
		LanPort:     n.LanPort,
		BindAddress: n.BindAddress,
		ExtraNames:  n.IdentityExtraNames,
		Options: transport.Options{
			KeepAlive:        n.KeepAlive(),
			MaxIdle:          n.MaxIdle(),
			HandshakeTimeout: n.HandshakeTimeout(),
			ALPN:             n.ALPN,
		},
		DiscoveryPort:    d.Port,
		ResponderEnabled: d.Enabled && d.ResponderEnabled,
	}
}

// ResolvePort parses the configured LAN port, falling back to the default
// game port when it is not a usable port number.
func ResolvePort(raw string) (uint16, bool) {
	port, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || port == 0 {
		return protocol.DefaultGamePort, false
	}
	return uint16(port), true
}

// ServerInfo is what a user shares out-of-band with a joining peer.
type ServerInfo struct {
	Address         string `json:"address"`
	URL             string `json:"url"`
	Port            int    `json:"port"`
	Fingerprint     string `json:"fingerprint"`
	SPKIFingerprint string `json:"spki_fingerprint"`
	Peers           int    `json:"peers"`
}

type bindResult struct {
	listener transport.Listener
	err      error
}

// Manager owns the listener, the identity, the discovery responder and
// every remote peer of a hosted session. All methods except Lost are
// called from the control loop only.
type Manager struct {
	cfg       Config
	generate  identity.Generator
	listen    ListenFunc
	admission AdmissionPolicy
	lanAddrs  func() []net.IP
	logger    zerolog.Logger

	id       *identity.Identity
	addr     string
	shareIP  string
	binding  chan bindResult
	listener transport.Listener

	acceptCancel context.CancelFunc
	acceptDone   chan struct{}
	lost         atomic.Bool

	peers *network.PeerRegistry
	// Read by health checks off the control loop.
	responder atomic.Pointer[network.DiscoveryResponder]
}

// Option customises a Manager.
type Option func(*Manager)

// WithGenerator replaces the identity generator.
func WithGenerator(g identity.Generator) Option {
	return func(m *Manager) { m.generate = g }
}

// WithListenFunc replaces the listener factory.
func WithListenFunc(f ListenFunc) Option {
	return func(m *Manager) { m.listen = f }
}

// WithAdmission replaces the admission policy.
func WithAdmission(p AdmissionPolicy) Option {
	return func(m *Manager) { m.admission = p }
}

// WithLANAddresses replaces LAN address lookup used for identity scope.
func WithLANAddresses(f func() []net.IP) Option {
	return func(m *Manager) { m.lanAddrs = f }
}

// NewManager creates a manager in the private state.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		generate:  identity.Generate,
		listen:    QUICListen,
		admission: AcceptAll{},
		lanAddrs:  util.LANAddresses,
		logger:    util.ComponentLogger("host"),
		peers:     network.NewPeerRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BeginOpen generates a fresh identity and starts binding the listener in
// the background. Completion is observed through PollOpen.
func (m *Manager) BeginOpen(ctx context.Context) error {
	if m.binding != nil || m.listener != nil {
		return ErrAlreadyOpen
	}
	m.lost.Store(false)

	names := identity.DefaultNames(m.lanAddrs(), m.cfg.ExtraNames)
	id, err := m.generate(names)
	if err != nil {
		metrics.VisibilityFailuresTotal.WithLabelValues("identity").Inc()
		m.logger.Error().Err(err).Msg("identity generation failed")
		return &IdentityError{Err: err}
	}
	m.id = id

	port, ok := ResolvePort(m.cfg.LanPort)
	if !ok {
		m.logger.Warn().
			Str("lan_port", m.cfg.LanPort).
			Uint16("fallback", port).
			Msg("lan port does not parse, using default")
	}

	bindAddr := m.cfg.BindAddress
	if bindAddr == "" {
		bindAddr = "0.0.0.0"
	}
	m.addr = net.JoinHostPort(bindAddr, strconv.Itoa(int(port)))

	m.logger.Info().
		Str("addr", m.addr).
		Str("fingerprint", id.Fingerprint).
		Strs("dns_names", id.DNSNames).
		Msg("opening listener")

	result := make(chan bindResult, 1)
	m.binding = result
	listen, addr, opts := m.listen, m.addr, m.cfg.Options
	go func() {
		l, err := listen(addr, id, opts)
		result <- bindResult{listener: l, err: err}
	}()
	return nil
}

// PollOpen reports whether the pending bind completed. On success the
// accept loop and the discovery responder are started.
func (m *Manager) PollOpen(ctx context.Context) (bool, error) {
	if m.binding == nil {
		return m.listener != nil, nil
	}

	var res bindResult
	select {
	case res = <-m.binding:
		m.binding = nil
	default:
		return false, nil
	}

	if res.err != nil {
		metrics.VisibilityFailuresTotal.WithLabelValues("bind").Inc()
		m.discardIdentity()
		m.logger.Error().Err(res.err).Str("addr", m.addr).Msg("listener bind failed")
		return false, &BindError{Addr: m.addr, Err: res.err}
	}

	m.listener = res.listener
	m.shareIP = m.lanIP()
	m.startAccepting(ctx)
	m.startResponder(ctx)

	m.logger.Info().
		Str("addr", m.addr).
		Int("port", m.listener.Port()).
		Msg("session is public")
	return true, nil
}

func (m *Manager) startAccepting(ctx context.Context) {
	actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.acceptCancel = cancel
	m.acceptDone = make(chan struct{})
	go m.acceptLoop(actx, m.listener, m.acceptDone)
}

func (m *Manager) acceptLoop(ctx context.Context, l transport.Listener, done chan struct{}) {
	defer close(done)
	for {
		conn, req, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.lost.Store(true)
			m.logger.Warn().Err(err).Msg("listener stopped unexpectedly")
			return
		}

		m.logger.Info().
			Str("conn", req.ConnID).
			Str("remote", req.RemoteAddr).
			Str("server_name", req.ServerName).
			Str("alpn", req.ALPN).
			Str("tls", req.TLSVersion).
			Msg("inbound session request")

		decision := m.admission.Admit(req)
		metrics.AdmissionTotal.WithLabelValues(decision.String()).Inc()
		if decision != DecisionAccept {
			m.logger.Info().Str("conn", req.ConnID).Str("decision", decision.String()).Msg("session rejected")
			if err := rejectConn(conn, decision.String()); err != nil {
				m.logger.Warn().Err(err).Str("conn", req.ConnID).Msg("failed to reject session")
			}
			continue
		}

		m.peers.Register(conn, req)
		metrics.RemotePeers.Set(float64(m.peers.Count()))
	}
}

func (m *Manager) stopAccepting() {
	if m.acceptCancel == nil {
		return
	}
	m.acceptCancel()
	<-m.acceptDone
	m.acceptCancel = nil
	m.acceptDone = nil
}

func (m *Manager) startResponder(ctx context.Context) {
	if !m.cfg.ResponderEnabled {
		return
	}
	r := network.NewDiscoveryResponder(m.cfg.DiscoveryPort, uint16(m.listener.Port()))
	if err := r.Start(context.WithoutCancel(ctx)); err != nil {
		// Hosting still works for peers that know the address.
		m.logger.Warn().Err(err).Msg("discovery responder unavailable")
		return
	}
	m.responder.Store(r)
}

func (m *Manager) stopResponder() {
	r := m.responder.Swap(nil)
	if r == nil {
		return
	}
	if err := r.Stop(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to stop discovery responder")
	}
}

// DrainStep performs one tick of going private: pending binds are awaited,
// then every peer is sent a graceful close and awaited, then the listener
// is closed. It returns true once nothing is left.
func (m *Manager) DrainStep() bool {
	if m.binding != nil {
		select {
		case res := <-m.binding:
			m.binding = nil
			if res.err == nil {
				m.listener = res.listener
			}
		default:
			return false
		}
	}

	m.stopAccepting()
	m.stopResponder()

	m.peers.CleanClosed()
	if m.peers.Count() > 0 {
		m.peers.CloseAll("server going private")
		metrics.RemotePeers.Set(float64(m.peers.Count()))
		return false
	}
	metrics.RemotePeers.Set(0)

	if m.listener != nil {
		m.closeListener()
		return false
	}

	m.discardIdentity()
	m.lost.Store(false)
	return true
}

// DisconnectPeers stops admitting sessions and signals every attached peer.
// It returns how many peers were signalled.
func (m *Manager) DisconnectPeers() int {
	m.stopAccepting()
	m.stopResponder()
	m.peers.CleanClosed()
	n := m.peers.CloseAll("server shutting down")
	metrics.RemotePeers.Set(float64(m.peers.Count()))
	return n
}

// CloseListener closes the listener and discards peers and identity. It
// returns false while a bind is still pending.
func (m *Manager) CloseListener() bool {
	if m.binding != nil {
		select {
		case res := <-m.binding:
			m.binding = nil
			if res.err == nil {
				m.listener = res.listener
			}
		default:
			return false
		}
	}

	m.stopAccepting()
	m.stopResponder()
	if m.listener != nil {
		m.closeListener()
	}
	m.peers.Clear()
	metrics.RemotePeers.Set(0)
	m.discardIdentity()
	m.lost.Store(false)
	return true
}

func (m *Manager) closeListener() {
	if err := m.listener.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("listener close failed")
	}
	m.logger.Info().Str("addr", m.addr).Msg("listener closed")
	m.listener = nil
	m.shareIP = ""
}

// lanIP is the address peers are told to dial, fixed when the listener opens.
func (m *Manager) lanIP() string {
	if ips := m.lanAddrs(); len(ips) > 0 {
		return ips[0].String()
	}
	return "127.0.0.1"
}

func (m *Manager) discardIdentity() {
	if m.id == nil {
		return
	}
	m.id.Discard()
	m.id = nil
}

// Lost reports that the listener died without being asked to.
func (m *Manager) Lost() bool {
	return m.lost.Load()
}

// Public reports whether a listener is bound and accepting.
func (m *Manager) Public() bool {
	return m.listener != nil && m.binding == nil && m.acceptCancel != nil
}

// Binding reports whether a bind is in flight.
func (m *Manager) Binding() bool {
	return m.binding != nil
}

// PeerCount returns the number of attached remote peers.
func (m *Manager) PeerCount() int {
	return m.peers.Count()
}

// Peers returns the attached remote peers.
func (m *Manager) Peers() []*network.Peer {
	return m.peers.All()
}

// Responder returns the running discovery responder, if any. It is safe
// to call from any goroutine.
func (m *Manager) Responder() *network.DiscoveryResponder {
	return m.responder.Load()
}

// Info returns the shareable server details while public.
func (m *Manager) Info() *ServerInfo {
	if !m.Public() || m.id == nil {
		return nil
	}
	port := m.listener.Port()
	ip := m.shareIP
	return &ServerInfo{
		Address:         net.JoinHostPort(ip, strconv.Itoa(port)),
		URL:             protocol.ServerURL(net.ParseIP(ip), uint16(port)),
		Port:            port,
		Fingerprint:     m.id.Fingerprint,
		SPKIFingerprint: m.id.SPKIFingerprint,
		Peers:           m.peers.Count(),
	}
}
