package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrLoopStopped is returned by Submit once the loop has exited.
var ErrLoopStopped = errors.New("session loop stopped")

// DefaultTickInterval is the control loop period.
const DefaultTickInterval = 16 * time.Millisecond

type call struct {
	req   Request
	reply chan callResult
}

type callResult struct {
	status Status
	err    error
}

// Loop owns a Machine on one goroutine. Requests are applied between
// ticks in arrival order; readers get the last published Status.
type Loop struct {
	machine  *Machine
	interval time.Duration
	calls    chan call
	status   atomic.Pointer[Status]
	done     chan struct{}
}

// NewLoop wraps m. The machine must not be used directly afterwards.
func NewLoop(m *Machine, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	l := &Loop{
		machine:  m,
		interval: interval,
		calls:    make(chan call),
		done:     make(chan struct{}),
	}
	st := m.Snapshot()
	l.status.Store(&st)
	return l
}

// Run ticks until ctx is cancelled, then tears the machine down.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", l.interval).Msg("session loop started")

	for {
		select {
		case <-ctx.Done():
			l.machine.Close()
			l.publish()
			log.Info().Msg("session loop stopped")
			return
		case c := <-l.calls:
			err := l.machine.Request(c.req)
			c.reply <- callResult{status: l.publish(), err: err}
		case now := <-ticker.C:
			l.machine.Tick(now)
			l.publish()
		}
	}
}

func (l *Loop) publish() Status {
	st := l.machine.Snapshot()
	l.status.Store(&st)
	return st
}

// Submit hands req to the loop and waits for it to be applied. The
// returned Status reflects the state right after the request.
func (l *Loop) Submit(ctx context.Context, req Request) (Status, error) {
	reply := make(chan callResult, 1)
	select {
	case l.calls <- call{req: req, reply: reply}:
	case <-l.done:
		return l.Status(), ErrLoopStopped
	case <-ctx.Done():
		return l.Status(), ctx.Err()
	}

	res := <-reply
	return res.status, res.err
}

// Status returns the last published snapshot.
func (l *Loop) Status() Status {
	return *l.status.Load()
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// LastTick returns when the loop last published a status.
func (l *Loop) LastTick() time.Time {
	return l.Status().UpdatedAt
}
