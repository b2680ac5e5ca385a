// Package health runs periodic self-checks: the discovery responder
// answers its own probe while hosting, the control loop keeps ticking and
// the machine has memory to spare.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forge-project/forge/internal/config"
	"github.com/forge-project/forge/internal/events"
	"github.com/forge-project/forge/internal/metrics"
	"github.com/forge-project/forge/internal/network"
	"github.com/forge-project/forge/internal/util"
)

// Check names.
const (
	CheckResponder   = "discovery_responder"
	CheckControlLoop = "control_loop"
	CheckMemory      = "memory"
)

// ResponderSource exposes the running discovery responder, if any.
type ResponderSource interface {
	Responder() *network.DiscoveryResponder
}

// LoopSource reports when the control loop last published a status.
type LoopSource interface {
	LastTick() time.Time
}

// Result is the outcome of one check run.
type Result struct {
	Check   string    `json:"check"`
	OK      bool      `json:"ok"`
	Skipped bool      `json:"skipped,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Manager runs the self-checks.
type Manager struct {
	cfg       config.HealthConfig
	eventBus  *events.EventBus
	responder ResponderSource
	loop      LoopSource
	logger    zerolog.Logger

	memoryUsage func() (*util.MemoryUsage, error)
	now         func() time.Time
	stallAfter  time.Duration

	mu   sync.RWMutex
	last map[string]Result
}

// NewManager creates a health manager. responder and loop may be nil.
func NewManager(cfg *config.Config, eventBus *events.EventBus, responder ResponderSource, loop LoopSource) *Manager {
	return &Manager{
		cfg:         cfg.GetApplicationData().Health,
		eventBus:    eventBus,
		responder:   responder,
		loop:        loop,
		logger:      util.ComponentLogger("health"),
		memoryUsage: util.GetMemoryUsage,
		now:         time.Now,
		stallAfter:  5 * time.Second,
		last:        make(map[string]Result),
	}
}

// Start runs every check immediately and then on the configured interval
// until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	interval := time.Duration(m.cfg.IntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	m.logger.Info().Dur("interval", interval).Msg("health check manager started")
	m.RunAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("health check manager stopped")
			return
		case <-ticker.C:
			m.RunAll(ctx)
		}
	}
}

// RunAll runs every check once and returns the results.
func (m *Manager) RunAll(ctx context.Context) []Result {
	results := []Result{
		m.record(ctx, m.checkResponder()),
		m.record(ctx, m.checkControlLoop()),
		m.record(ctx, m.checkMemory()),
	}
	return results
}

// Last returns the most recent result of every check.
func (m *Manager) Last() []Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Result, 0, len(m.last))
	for _, name := range []string{CheckResponder, CheckControlLoop, CheckMemory} {
		if r, ok := m.last[name]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (m *Manager) record(ctx context.Context, r Result) Result {
	r.At = m.now()

	m.mu.Lock()
	m.last[r.Check] = r
	m.mu.Unlock()

	if r.OK || r.Skipped {
		m.logger.Trace().Str("check", r.Check).Msg("health check passed")
		return r
	}

	metrics.HealthWarningsTotal.WithLabelValues(r.Check).Inc()
	m.logger.Warn().Str("check", r.Check).Msg(r.Message)
	if m.eventBus != nil {
		m.eventBus.Emit(ctx, events.Event{
			Type:    events.EventHealthWarning,
			Source:  "health",
			Payload: events.HealthWarningPayload{Check: r.Check, Message: r.Message},
		})
	}
	return r
}

// checkResponder probes the discovery responder over loopback while hosting.
func (m *Manager) checkResponder() Result {
	r := Result{Check: CheckResponder}
	if m.responder == nil {
		r.Skipped = true
		return r
	}
	resp := m.responder.Responder()
	if resp == nil || !resp.Running() {
		r.Skipped = true
		return r
	}

	if err := resp.SelfTest(time.Second); err != nil {
		r.Message = fmt.Sprintf("discovery responder self-test failed: %v", err)
		return r
	}
	r.OK = true
	return r
}

// checkControlLoop flags a loop that stopped publishing status.
func (m *Manager) checkControlLoop() Result {
	r := Result{Check: CheckControlLoop}
	if m.loop == nil {
		r.Skipped = true
		return r
	}

	age := m.now().Sub(m.loop.LastTick())
	if age > m.stallAfter {
		r.Message = fmt.Sprintf("control loop has not ticked for %s", age.Round(time.Millisecond))
		return r
	}
	r.OK = true
	return r
}

// checkMemory warns when system memory use crosses the configured threshold.
func (m *Manager) checkMemory() Result {
	r := Result{Check: CheckMemory}
	if m.cfg.MemoryWarnPct <= 0 {
		r.Skipped = true
		return r
	}

	usage, err := m.memoryUsage()
	if err != nil {
		r.Message = fmt.Sprintf("memory usage unavailable: %v", err)
		return r
	}
	if usage.UsedPercent >= float64(m.cfg.MemoryWarnPct) {
		r.Message = fmt.Sprintf("memory usage at %.1f%% (%d MB available of %d MB)",
			usage.UsedPercent, usage.Available, usage.Total)
		return r
	}
	r.OK = true
	return r
}
