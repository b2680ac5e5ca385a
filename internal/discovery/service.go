// Package discovery finds LAN-visible hosts while the user browses for
// games. Probing happens off the control loop; results are merged only
// from Tick.
package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forge-project/forge/internal/metrics"
	"github.com/forge-project/forge/internal/util"
)

// DiscoveredServer is a LAN host that answered a probe.
type DiscoveredServer struct {
	URL       string    `json:"url"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Config controls round scheduling.
type Config struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

// DefaultConfig matches the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Interval:   2 * time.Second,
		StaleAfter: 6 * time.Second,
	}
}

type roundResult struct {
	generation uint64
	urls       []string
	err        error
}

// Service schedules discovery rounds and owns the discovered list.
// Tick, Servers and Count must be called from the control loop.
type Service struct {
	cfg     Config
	prober  Prober
	logger  zerolog.Logger
	onFound func(DiscoveredServer)

	browsing   bool
	generation uint64
	inFlight   bool
	lastStart  time.Time
	servers    map[string]*DiscoveredServer

	results chan roundResult
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates a discovery service using prober for each round.
func NewService(cfg Config, prober Prober) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:     cfg,
		prober:  prober,
		logger:  util.ComponentLogger("discovery"),
		servers: make(map[string]*DiscoveredServer),
		results: make(chan roundResult, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnFound registers a callback invoked from Tick for every newly listed server.
func (s *Service) OnFound(fn func(DiscoveredServer)) {
	s.onFound = fn
}

// Tick collects a finished round, clears state when browsing stopped and
// starts a new round when one is due. It never blocks.
func (s *Service) Tick(now time.Time, browsing bool) {
	select {
	case res := <-s.results:
		s.inFlight = false
		s.collect(res, now, browsing)
	default:
	}

	if !browsing {
		if s.browsing {
			s.browsing = false
			s.generation++
			clear(s.servers)
			metrics.DiscoveredServers.Set(0)
			s.logger.Debug().Msg("left server browser, discovered list cleared")
		}
		return
	}

	if !s.browsing {
		s.browsing = true
		s.lastStart = time.Time{}
		s.logger.Debug().Msg("entered server browser")
	}

	s.pruneStale(now)

	// One round at a time; a due tick while one is outstanding is a no-op.
	if s.inFlight {
		return
	}
	if !s.lastStart.IsZero() && now.Sub(s.lastStart) < s.cfg.Interval {
		return
	}
	s.startRound(now)
}

func (s *Service) startRound(now time.Time) {
	s.inFlight = true
	s.lastStart = now
	generation := s.generation

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		urls, err := s.prober.Probe(s.ctx)
		s.results <- roundResult{generation: generation, urls: urls, err: err}
	}()
}

func (s *Service) collect(res roundResult, now time.Time, browsing bool) {
	if !browsing || res.generation != s.generation {
		metrics.DiscoveryRoundsTotal.WithLabelValues("discarded").Inc()
		s.logger.Debug().Int("responses", len(res.urls)).Msg("discarding discovery round from a previous browser")
		return
	}

	if res.err != nil {
		metrics.DiscoveryRoundsTotal.WithLabelValues("error").Inc()
		s.logger.Warn().Err(res.err).Msg("discovery round failed")
	}

	if len(res.urls) == 0 {
		if res.err == nil {
			metrics.DiscoveryRoundsTotal.WithLabelValues("empty").Inc()
		}
		return
	}
	if res.err == nil {
		metrics.DiscoveryRoundsTotal.WithLabelValues("found").Inc()
	}

	for _, url := range res.urls {
		if existing, ok := s.servers[url]; ok {
			existing.LastSeen = now
			continue
		}
		ds := &DiscoveredServer{URL: url, FirstSeen: now, LastSeen: now}
		s.servers[url] = ds
		s.logger.Info().Str("url", url).Msg("discovered LAN server")
		if s.onFound != nil {
			s.onFound(*ds)
		}
	}
	metrics.DiscoveredServers.Set(float64(len(s.servers)))
}

func (s *Service) pruneStale(now time.Time) {
	if s.cfg.StaleAfter <= 0 {
		return
	}
	for url, ds := range s.servers {
		if now.Sub(ds.LastSeen) > s.cfg.StaleAfter {
			delete(s.servers, url)
			s.logger.Debug().Str("url", url).Msg("LAN server no longer answering")
		}
	}
	metrics.DiscoveredServers.Set(float64(len(s.servers)))
}

// Servers returns the discovered list sorted by URL.
func (s *Service) Servers() []DiscoveredServer {
	out := make([]DiscoveredServer, 0, len(s.servers))
	for _, ds := range s.servers {
		out = append(out, *ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Count returns the size of the discovered list.
func (s *Service) Count() int {
	return len(s.servers)
}

// InFlight reports whether a round is outstanding.
func (s *Service) InFlight() bool {
	return s.inFlight
}

// Close cancels an outstanding round and waits for it to finish.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}
