// Package local owns the in-process peers of a local session: the local
// server, the local client and any bot peers, all joined by loopback
// transports.
package local

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/forge-project/forge/internal/transport"
	"github.com/forge-project/forge/internal/util"
)

type pair struct {
	server *transport.LoopbackConn
	peer   *transport.LoopbackConn
}

func (p *pair) close(reason string) bool {
	p.peer.Close(reason)
	select {
	case <-p.server.Done():
		return true
	default:
		return false
	}
}

// Session is the set of loopback peers for one local session. It is
// driven from the control loop only.
type Session struct {
	bots   int
	logger zerolog.Logger

	serverUp bool
	client   *pair
	botPairs []*pair
}

// NewSession creates an unprovisioned local session with the given
// number of bot peers.
func NewSession(bots int) *Session {
	if bots < 0 {
		bots = 0
	}
	return &Session{
		bots:   bots,
		logger: util.ComponentLogger("local_session"),
	}
}

// Provision spawns the local server, the local client and the bot peers
// and runs the loopback handshake on each pair. Calling it again on a
// provisioned session is a no-op.
func (s *Session) Provision(ctx context.Context) error {
	if s.serverUp {
		return nil
	}

	server, client := transport.NewLoopbackPair("local")
	if err := transport.Handshake(ctx, server, client); err != nil {
		return fmt.Errorf("local client handshake: %w", err)
	}
	s.client = &pair{server: server, peer: client}

	for i := 0; i < s.bots; i++ {
		name := "bot-" + strconv.Itoa(i+1)
		bs, bc := transport.NewLoopbackPair(name)
		if err := transport.Handshake(ctx, bs, bc); err != nil {
			s.teardown()
			return fmt.Errorf("%s handshake: %w", name, err)
		}
		s.botPairs = append(s.botPairs, &pair{server: bs, peer: bc})
	}

	s.serverUp = true
	s.logger.Info().Int("bots", s.bots).Msg("local session provisioned")
	return nil
}

func (s *Session) teardown() {
	for _, b := range s.botPairs {
		b.close("provision failed")
	}
	s.botPairs = nil
	if s.client != nil {
		s.client.close("provision failed")
		s.client = nil
	}
}

// Connected reports whether the local server and client are both up.
func (s *Session) Connected() bool {
	return s.serverUp && s.client != nil &&
		s.client.server.Connected() && s.client.peer.Connected()
}

// Client returns the local client end, or nil.
func (s *Session) Client() *transport.LoopbackConn {
	if s.client == nil {
		return nil
	}
	return s.client.peer
}

// DespawnBots disconnects every bot peer. It returns true once no bot
// remains.
func (s *Session) DespawnBots() bool {
	remaining := s.botPairs[:0]
	for _, b := range s.botPairs {
		if !b.close("despawn") {
			remaining = append(remaining, b)
		}
	}
	if n := len(s.botPairs) - len(remaining); n > 0 {
		s.logger.Debug().Int("bots", n).Msg("bot peers despawned")
	}
	s.botPairs = remaining
	return len(s.botPairs) == 0
}

// DespawnClient disconnects the local client. It returns true once the
// client is gone.
func (s *Session) DespawnClient() bool {
	if s.client == nil {
		return true
	}
	if !s.client.close("despawn") {
		return false
	}
	s.client = nil
	s.logger.Debug().Msg("local client despawned")
	return true
}

// DespawnServer stops the local server. Any peer still attached is
// disconnected first.
func (s *Session) DespawnServer() bool {
	if !s.serverUp {
		return true
	}
	if !s.DespawnBots() || !s.DespawnClient() {
		return false
	}
	s.serverUp = false
	s.logger.Debug().Msg("local server despawned")
	return true
}

// PeerCount returns the number of live local peers (server, client, bots).
func (s *Session) PeerCount() int {
	n := len(s.botPairs)
	if s.serverUp {
		n++
	}
	if s.client != nil {
		n++
	}
	return n
}

// BotCount returns the number of live bot peers.
func (s *Session) BotCount() int {
	return len(s.botPairs)
}
