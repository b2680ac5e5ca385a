package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const loopbackBuffer = 64

// Message is one unit exchanged over a loopback pair.
type Message struct {
	Kind    string
	Payload []byte
}

const helloKind = "hello"

// link is the state shared by both ends of a loopback pair.
type link struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	closer *LoopbackConn
	msg    string
}

// LoopbackConn is one end of an in-process channel transport.
type LoopbackConn struct {
	id   string
	name string
	in   chan Message
	out  chan Message
	link *link

	mu        sync.Mutex
	connected bool
}

// NewLoopbackPair returns two ends of a fresh in-process transport. The
// first end plays the server role, the second the client role.
func NewLoopbackPair(name string) (server, client *LoopbackConn) {
	l := &link{done: make(chan struct{})}
	a := make(chan Message, loopbackBuffer)
	b := make(chan Message, loopbackBuffer)

	server = &LoopbackConn{id: uuid.NewString(), name: name + "/server", in: a, out: b, link: l}
	client = &LoopbackConn{id: uuid.NewString(), name: name + "/client", in: b, out: a, link: l}
	return server, client
}

// Handshake exchanges hello messages between both ends. Both ends report
// Connected afterwards.
func Handshake(ctx context.Context, server, client *LoopbackConn) error {
	if err := server.Send(Message{Kind: helloKind}); err != nil {
		return err
	}
	if err := client.Send(Message{Kind: helloKind}); err != nil {
		return err
	}
	for _, end := range []*LoopbackConn{server, client} {
		msg, err := end.Recv(ctx)
		if err != nil {
			return err
		}
		if msg.Kind != helloKind {
			return ErrConnClosed
		}
		end.mu.Lock()
		end.connected = true
		end.mu.Unlock()
	}
	return nil
}

// Connected reports whether the handshake completed and the pair is open.
func (c *LoopbackConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed()
}

func (c *LoopbackConn) closed() bool {
	select {
	case <-c.link.done:
		return true
	default:
		return false
	}
}

// Send queues a message for the other end.
func (c *LoopbackConn) Send(msg Message) error {
	if c.closed() {
		return ErrConnClosed
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.link.done:
		return ErrConnClosed
	}
}

// Recv returns the next message from the other end.
func (c *LoopbackConn) Recv(ctx context.Context) (Message, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.link.done:
		return Message{}, ErrConnClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// ID returns the local identifier of this end.
func (c *LoopbackConn) ID() string { return c.id }

// Name returns the role name of this end.
func (c *LoopbackConn) Name() string { return c.name }

// RemoteAddr describes the other end.
func (c *LoopbackConn) RemoteAddr() string { return "loopback:" + c.name }

// Close tears down both ends.
func (c *LoopbackConn) Close(reason string) error {
	c.link.once.Do(func() {
		c.link.mu.Lock()
		c.link.closer = c
		c.link.msg = reason
		c.link.mu.Unlock()
		close(c.link.done)
	})
	return nil
}

// Done is closed when either end closed the pair.
func (c *LoopbackConn) Done() <-chan struct{} { return c.link.done }

// Reason reports ByUser on the end that closed and ByPeer on the other.
func (c *LoopbackConn) Reason() DisconnectReason {
	if !c.closed() {
		return DisconnectReason{}
	}
	c.link.mu.Lock()
	defer c.link.mu.Unlock()
	if c.link.closer == c {
		return DisconnectReason{Kind: ReasonByUser, Message: c.link.msg}
	}
	return DisconnectReason{Kind: ReasonByPeer, Message: c.link.msg}
}
