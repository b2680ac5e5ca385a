// Package network implements the host-side LAN plumbing: the discovery
// responder, the registry of remote peers attached to the session
// listener, and socket options.
package network

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/forge-project/forge/internal/transport"
)

// Peer is a remote session attached to the host listener.
type Peer struct {
	Conn       transport.Conn
	Request    transport.SessionRequest
	AttachedAt time.Time

	closing bool
}

// PeerRegistry tracks remote peers by connection ID. Only the host
// manager that owns the listener holds one.
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewPeerRegistry creates an empty registry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{
		peers: make(map[string]*Peer),
	}
}

// Register adds an admitted peer.
func (r *PeerRegistry) Register(conn transport.Conn, req transport.SessionRequest) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := &Peer{Conn: conn, Request: req, AttachedAt: time.Now()}
	r.peers[conn.ID()] = p
	log.Debug().Str("peer", conn.ID()).Str("remote", req.RemoteAddr).Msg("peer registered")
	return p
}

// Unregister drops a peer without closing it.
func (r *PeerRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[id]; ok {
		delete(r.peers, id)
		log.Debug().Str("peer", id).Msg("peer unregistered")
	}
}

// Get returns the peer with the given connection ID.
func (r *PeerRegistry) Get(id string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// All returns a snapshot of the attached peers.
func (r *PeerRegistry) All() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		result = append(result, p)
	}
	return result
}

// Count returns the number of attached peers, including ones already told
// to close that have not finished yet.
func (r *PeerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// CloseAll sends a graceful close to every peer that has not been sent
// one yet and returns how many were signalled.
func (r *PeerRegistry) CloseAll(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	signalled := 0
	for id, p := range r.peers {
		if p.closing {
			continue
		}
		p.closing = true
		if err := closePeer(p.Conn, reason); err != nil {
			log.Warn().Err(err).Str("peer", id).Msg("failed to close peer")
		}
		signalled++
	}

	if signalled > 0 {
		log.Info().Int("peers", signalled).Str("reason", reason).Msg("disconnect sent to peers")
	}
	return signalled
}

// CleanClosed removes peers whose session has ended and returns how many
// were removed.
func (r *PeerRegistry) CleanClosed() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cleaned := 0
	for id, p := range r.peers {
		select {
		case <-p.Conn.Done():
			delete(r.peers, id)
			cleaned++
			log.Debug().
				Str("peer", id).
				Str("reason", p.Conn.Reason().String()).
				Msg("peer session ended")
		default:
		}
	}
	return cleaned
}

// Clear drops every entry. Used once the listener is gone.
func (r *PeerRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.peers)
}

// hostCloser is implemented by transports that distinguish a host shutdown
// from an ordinary close on the wire.
type hostCloser interface {
	Shutdown(reason string) error
}

func closePeer(conn transport.Conn, reason string) error {
	if hc, ok := conn.(hostCloser); ok {
		return hc.Shutdown(reason)
	}
	return conn.Close(reason)
}
