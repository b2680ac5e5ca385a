// Package client drives client-side transport sessions: connecting to a
// validated target, reporting establishment and disconnects back to the
// control loop, graceful disconnect and retry.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forge-project/forge/internal/address"
	"github.com/forge-project/forge/internal/metrics"
	"github.com/forge-project/forge/internal/transport"
	"github.com/forge-project/forge/internal/util"
)

// Dialer opens a transport session to a target.
type Dialer interface {
	Dial(ctx context.Context, target address.ConnectionTarget) (transport.Conn, error)
}

// EventKind identifies what happened to a connection.
type EventKind int

const (
	EventEstablished EventKind = iota
	EventDisconnected
)

func (k EventKind) String() string {
	if k == EventEstablished {
		return "established"
	}
	return "disconnected"
}

// Event is reported to the control loop through Poll.
type Event struct {
	Kind   EventKind
	Reason transport.DisconnectReason
}

// Handle identifies one connection attempt.
type Handle struct {
	ID        string
	Target    address.ConnectionTarget
	StartedAt time.Time
}

// Policy decides which disconnects count as failures.
type Policy struct {
	// FailOnUserDisconnect also treats user-initiated disconnects as failures.
	FailOnUserDisconnect bool
}

// IsFailure classifies a disconnect reason.
func (p Policy) IsFailure(r transport.DisconnectReason) bool {
	if r.UserInitiated() {
		return p.FailOnUserDisconnect
	}
	return true
}

// ConnectionFailure is a transport-level disconnect that ended a client
// session without the user asking for it.
type ConnectionFailure struct {
	Target string
	Reason transport.DisconnectReason
}

func (e *ConnectionFailure) Error() string {
	msg := e.Reason.Message
	if msg == "" {
		msg = e.Reason.Kind.String()
	}
	return fmt.Sprintf("connection to %s lost: %s", e.Target, msg)
}

type attempt struct {
	handle *Handle
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	conn    transport.Conn
	events  []Event
	closing bool
}

func (a *attempt) push(e Event) {
	a.mu.Lock()
	a.events = append(a.events, e)
	a.mu.Unlock()
}

// Orchestrator owns every client connection it creates. Nothing outside
// it holds the underlying transport.Conn.
type Orchestrator struct {
	dialer Dialer
	policy Policy
	logger zerolog.Logger

	mu       sync.Mutex
	attempts map[string]*attempt
}

// NewOrchestrator creates an orchestrator dialing through dialer.
func NewOrchestrator(dialer Dialer, policy Policy) *Orchestrator {
	return &Orchestrator{
		dialer:   dialer,
		policy:   policy,
		logger:   util.ComponentLogger("client"),
		attempts: make(map[string]*attempt),
	}
}

// Policy returns the failure classification policy.
func (o *Orchestrator) Policy() Policy {
	return o.policy
}

// Connect starts an asynchronous session to target. An invalid target
// fails fast with an *address.ValidationError and no handle is created.
func (o *Orchestrator) Connect(ctx context.Context, target address.ConnectionTarget) (*Handle, error) {
	if !target.Valid {
		if _, err := address.Validate(target.Raw); err != nil {
			return nil, err
		}
		return nil, &address.ValidationError{Input: target.Raw, Reason: address.ReasonStale}
	}

	h := &Handle{ID: uuid.NewString(), Target: target, StartedAt: time.Now()}
	actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &attempt{handle: h, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.attempts[h.ID] = a
	o.mu.Unlock()

	o.logger.Info().Str("handle", h.ID).Str("url", target.URL).Msg("connecting to server")
	go o.run(actx, a)
	return h, nil
}

func (o *Orchestrator) run(ctx context.Context, a *attempt) {
	defer close(a.done)

	conn, err := o.dialer.Dial(ctx, a.handle.Target)
	if err != nil {
		reason := transport.DisconnectReason{Kind: transport.ReasonTransportError, Message: err.Error()}
		if errors.Is(ctx.Err(), context.Canceled) {
			reason = transport.DisconnectReason{Kind: transport.ReasonByUser, Message: "connection attempt cancelled"}
		} else if errors.Is(err, context.DeadlineExceeded) {
			reason.Kind = transport.ReasonTimeout
		}
		a.push(Event{Kind: EventDisconnected, Reason: reason})
		return
	}

	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		conn.Close("connection attempt cancelled")
		<-conn.Done()
		a.push(Event{Kind: EventDisconnected, Reason: conn.Reason()})
		return
	}
	a.conn = conn
	a.mu.Unlock()

	o.logger.Info().Str("handle", a.handle.ID).Str("remote", conn.RemoteAddr()).Msg("session established")
	a.push(Event{Kind: EventEstablished})

	<-conn.Done()
	reason := conn.Reason()
	metrics.ClientDisconnectsTotal.WithLabelValues(reason.Kind.String()).Inc()
	a.push(Event{Kind: EventDisconnected, Reason: reason})
}

func (o *Orchestrator) get(h *Handle) *attempt {
	if h == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts[h.ID]
}

// Poll drains the events reported for h since the last call.
func (o *Orchestrator) Poll(h *Handle) []Event {
	a := o.get(h)
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	events := a.events
	a.events = nil
	return events
}

// Disconnect sends a graceful close to the server, or abandons the dial if
// the session is not established yet. It returns true once the close has
// been signalled.
func (o *Orchestrator) Disconnect(h *Handle) bool {
	a := o.get(h)
	if a == nil {
		return true
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closing {
		return true
	}
	a.closing = true

	if a.conn == nil {
		a.cancel()
		return true
	}
	if err := a.conn.Close("disconnected by user"); err != nil {
		o.logger.Warn().Err(err).Str("handle", h.ID).Msg("graceful close failed")
	}
	o.logger.Info().Str("handle", h.ID).Msg("disconnect sent")
	return true
}

// Release discards every resource of h: the dial is cancelled, the
// session closed and its goroutine awaited.
func (o *Orchestrator) Release(h *Handle) {
	a := o.get(h)
	if a == nil {
		return
	}

	a.mu.Lock()
	wasClosing := a.closing
	a.closing = true
	conn := a.conn
	a.mu.Unlock()

	a.cancel()
	if conn != nil && !wasClosing {
		conn.Close("connection released")
	}
	<-a.done

	o.mu.Lock()
	delete(o.attempts, h.ID)
	o.mu.Unlock()

	o.logger.Debug().Str("handle", h.ID).Msg("connection resources released")
}

// Retry releases h before connecting again, so the previous attempt can
// never linger next to the new one.
func (o *Orchestrator) Retry(ctx context.Context, h *Handle, target address.ConnectionTarget) (*Handle, error) {
	o.Release(h)
	return o.Connect(ctx, target)
}

// Active returns the number of attempts holding resources.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.attempts)
}

// Close releases every attempt.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	handles := make([]*Handle, 0, len(o.attempts))
	for _, a := range o.attempts {
		handles = append(handles, a.handle)
	}
	o.mu.Unlock()

	for _, h := range handles {
		o.Release(h)
	}
}
