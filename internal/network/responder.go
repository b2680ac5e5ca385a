package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forge-project/forge/internal/protocol"
	"github.com/forge-project/forge/internal/util"
)

// DiscoveryResponder answers LAN discovery probes while a session is
// public. Each probe gets the advertised game port back at the observed
// source address.
type DiscoveryResponder struct {
	port     int
	gamePort uint16
	logger   zerolog.Logger

	mu      sync.Mutex
	conn    *net.UDPConn
	done    chan struct{}
	answers int
}

// NewDiscoveryResponder creates a responder for the given discovery port
// (0 picks an ephemeral port) advertising gamePort.
func NewDiscoveryResponder(port int, gamePort uint16) *DiscoveryResponder {
	return &DiscoveryResponder{
		port:     port,
		gamePort: gamePort,
		logger:   util.ComponentLogger("discovery_responder"),
	}
}

// Start binds the discovery port and serves probes in the background
// until Stop is called or ctx is cancelled.
func (r *DiscoveryResponder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return nil
	}

	addr := &net.UDPAddr{IP: net.IPv4zero, Port: r.port}
	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", addr.String())
	if err != nil {
		return fmt.Errorf("failed to start discovery responder on port %d: %w", r.port, err)
	}

	r.conn = pc.(*net.UDPConn)
	r.port = r.conn.LocalAddr().(*net.UDPAddr).Port
	r.done = make(chan struct{})

	r.logger.Info().Int("port", r.port).Uint16("game_port", r.gamePort).Msg("discovery responder started")

	go r.serve(ctx, r.conn, r.done)
	return nil
}

func (r *DiscoveryResponder) serve(ctx context.Context, conn *net.UDPConn, done chan struct{}) {
	defer close(done)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	response := protocol.BuildResponse(r.gamePort)
	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				r.logger.Info().Msg("discovery responder stopping")
				return
			}
			r.logger.Error().Err(err).Msg("UDP read error")
			continue
		}

		if !protocol.IsProbe(buf[:n]) {
			continue
		}

		r.mu.Lock()
		r.answers++
		r.mu.Unlock()

		if _, err := conn.WriteToUDP(response, remote); err != nil {
			r.logger.Warn().
				Err(err).
				Str("remote", remote.String()).
				Msg("failed to send discovery response")
			continue
		}

		r.logger.Trace().Str("remote", remote.String()).Msg("responded to discovery probe")
	}
}

// Port returns the bound discovery port.
func (r *DiscoveryResponder) Port() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port
}

// Answers returns how many probes were answered.
func (r *DiscoveryResponder) Answers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.answers
}

// Running reports whether the responder is bound.
func (r *DiscoveryResponder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// SelfTest probes the responder over loopback and checks the reply.
func (r *DiscoveryResponder) SelfTest(timeout time.Duration) error {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: r.Port()}

	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("self-test dial failed: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(protocol.BuildProbe()); err != nil {
		return fmt.Errorf("self-test write failed: %w", err)
	}

	buf := make([]byte, protocol.MaxDatagramSize)
	conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("self-test read failed: %w", err)
	}

	port, err := protocol.ParseResponse(buf[:n])
	if err != nil {
		return fmt.Errorf("self-test got a bad response: %w", err)
	}
	if port != r.gamePort {
		return fmt.Errorf("self-test advertised port %d, expected %d", port, r.gamePort)
	}

	r.logger.Debug().Int("port", addr.Port).Msg("discovery self-test passed")
	return nil
}

// Stop closes the socket and waits for the serve loop to exit.
func (r *DiscoveryResponder) Stop() error {
	r.mu.Lock()
	conn, done := r.conn, r.done
	r.conn = nil
	r.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close()
	<-done
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}
