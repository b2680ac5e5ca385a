package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/forge-project/forge/internal/network"
	"github.com/forge-project/forge/internal/protocol"
)

// Prober runs one blocking discovery round and returns the reachable
// server URLs it heard from.
type Prober interface {
	Probe(ctx context.Context) ([]string, error)
}

// UDPProber broadcasts the discovery probe and collects replies for a
// bounded window.
type UDPProber struct {
	BroadcastAddr string
	Port          int
	Window        time.Duration
}

// Probe opens an ephemeral broadcast socket, sends one probe and drains
// responses until the window closes. No responses is not an error.
func (p *UDPProber) Probe(ctx context.Context) ([]string, error) {
	lc := network.BroadcastListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("open discovery socket: %w", err)
	}
	defer pc.Close()

	dst := &net.UDPAddr{IP: net.ParseIP(p.BroadcastAddr), Port: p.Port}
	if dst.IP == nil {
		return nil, fmt.Errorf("invalid broadcast address %q", p.BroadcastAddr)
	}
	if _, err := pc.WriteTo(protocol.BuildProbe(), dst); err != nil {
		return nil, fmt.Errorf("send discovery probe: %w", err)
	}

	deadline := time.Now().Add(p.Window)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := pc.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set discovery deadline: %w", err)
	}

	var urls []string
	seen := make(map[string]bool)
	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return urls, nil
			}
			return urls, fmt.Errorf("read discovery response: %w", err)
		}

		udp, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		port, err := protocol.ParseResponse(buf[:n])
		if err != nil {
			continue
		}

		url := protocol.ServerURL(udp.IP, port)
		if !seen[url] {
			seen[url] = true
			urls = append(urls, url)
		}
	}
}
