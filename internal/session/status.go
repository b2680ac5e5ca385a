package session

import (
	"time"

	"github.com/forge-project/forge/internal/address"
	"github.com/forge-project/forge/internal/discovery"
	"github.com/forge-project/forge/internal/host"
)

// Status is the read-only view published to the UI collaborator.
type Status struct {
	SessionID        string                       `json:"session_id,omitempty"`
	State            State                        `json:"state"`
	Leaf             string                       `json:"leaf"`
	SimulationActive bool                         `json:"simulation_active"`
	Error            string                       `json:"error,omitempty"`
	ErrorAt          *time.Time                   `json:"error_at,omitempty"`
	Servers          []discovery.DiscoveredServer `json:"servers"`
	Host             *host.ServerInfo             `json:"host,omitempty"`
	Target           *address.ConnectionTarget    `json:"target,omitempty"`
	ShutdownStep     *ShutdownStep                `json:"shutdown_step,omitempty"`
	LocalPeers       int                          `json:"local_peers"`
	RemotePeers      int                          `json:"remote_peers"`
	UpdatedAt        time.Time                    `json:"updated_at"`
}

// Snapshot builds an immutable Status from the current state.
func (m *Machine) Snapshot() Status {
	st := Status{
		SessionID:        m.sessionID,
		State:            m.state.Clone(),
		Leaf:             m.state.Leaf(),
		SimulationActive: SimulationActive(m.state),
		Error:            m.errMsg,
		Servers:          []discovery.DiscoveredServer{},
		RemotePeers:      m.deps.Host.PeerCount(),
		UpdatedAt:        m.now(),
	}

	if m.errMsg != "" {
		at := m.errAt
		st.ErrorAt = &at
	}
	if m.deps.Discovery != nil {
		st.Servers = m.deps.Discovery.Servers()
	}
	if ls, ok := m.state.Local(); ok && ls.Visibility == VisibilityPublic {
		st.Host = m.deps.Host.Info()
	}
	if _, ok := m.state.Client(); ok {
		t := m.target
		st.Target = &t
	}
	if m.seq != nil {
		step := m.seq.Current()
		st.ShutdownStep = &step
	}
	if m.local != nil {
		st.LocalPeers = m.local.PeerCount()
	}
	return st
}
