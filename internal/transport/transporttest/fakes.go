// Package transporttest provides in-memory transport fakes for tests of
// components that own connections and listeners.
package transporttest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/forge-project/forge/internal/address"
	"github.com/forge-project/forge/internal/transport"
)

// Conn is a controllable transport.Conn.
type Conn struct {
	id     string
	remote string
	once   sync.Once
	done   chan struct{}

	mu     sync.Mutex
	reason transport.DisconnectReason
	closes int
}

// NewConn returns an open fake session with the given remote address.
func NewConn(remote string) *Conn {
	return &Conn{id: uuid.NewString(), remote: remote, done: make(chan struct{})}
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) RemoteAddr() string { return c.remote }

// Close ends the session as user-initiated.
func (c *Conn) Close(reason string) error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.end(transport.DisconnectReason{Kind: transport.ReasonByUser, Message: reason})
	return nil
}

// Drop ends the session from the remote side or the network.
func (c *Conn) Drop(kind transport.ReasonKind, message string) {
	c.end(transport.DisconnectReason{Kind: kind, Message: message})
}

func (c *Conn) end(r transport.DisconnectReason) {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = r
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Reason() transport.DisconnectReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Closes returns how many times Close was called.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Ended reports whether the session is over.
func (c *Conn) Ended() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type inbound struct {
	conn transport.Conn
	req  transport.SessionRequest
}

// Listener is a transport.Listener fed by Inject.
type Listener struct {
	port     int
	incoming chan inbound
	closed   chan struct{}
	once     sync.Once
}

// NewListener returns an open fake listener reporting port.
func NewListener(port int) *Listener {
	return &Listener{
		port:     port,
		incoming: make(chan inbound, 16),
		closed:   make(chan struct{}),
	}
}

// Inject delivers an inbound session to the next Accept.
func (l *Listener) Inject(conn transport.Conn, req transport.SessionRequest) {
	if req.ConnID == "" {
		req.ConnID = conn.ID()
	}
	if req.RemoteAddr == "" {
		req.RemoteAddr = conn.RemoteAddr()
	}
	l.incoming <- inbound{conn: conn, req: req}
}

func (l *Listener) Accept(ctx context.Context) (transport.Conn, transport.SessionRequest, error) {
	select {
	case in := <-l.incoming:
		return in.conn, in.req, nil
	case <-l.closed:
		return nil, transport.SessionRequest{}, transport.ErrListenerClosed
	case <-ctx.Done():
		return nil, transport.SessionRequest{}, ctx.Err()
	}
}

func (l *Listener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

// IsClosed reports whether Close was called.
func (l *Listener) IsClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *Listener) Port() int { return l.port }

// Dialer is a client dialer returning fake sessions.
type Dialer struct {
	// Err, when set, fails every dial.
	Err error
	// Gate, when set, blocks each dial until closed or cancelled.
	Gate chan struct{}

	mu    sync.Mutex
	calls int
	conns []*Conn
}

func (d *Dialer) Dial(ctx context.Context, target address.ConnectionTarget) (transport.Conn, error) {
	d.mu.Lock()
	d.calls++
	gate, dialErr := d.Gate, d.Err
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}

	c := NewConn(target.HostPort())
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

// Calls returns how many dials were attempted.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Last returns the most recent established fake session.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// SetErr changes the dial error for subsequent dials.
func (d *Dialer) SetErr(err error) {
	d.mu.Lock()
	d.Err = err
	d.mu.Unlock()
}
