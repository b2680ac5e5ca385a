// Package scheduler runs background maintenance for the daemon: journal
// retention and periodic journal size reporting.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/forge-project/forge/internal/config"
	"github.com/forge-project/forge/internal/metrics"
	"github.com/forge-project/forge/internal/util"
)

// Pruner deletes journal rows older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Path() string
}

// Scheduler runs the retention task on a fixed interval.
type Scheduler struct {
	cfg    config.StorageConfig
	pruner Pruner
	logger zerolog.Logger
	now    func() time.Time
}

// NewScheduler creates a scheduler pruning through p.
func NewScheduler(cfg *config.Config, p Pruner) *Scheduler {
	return &Scheduler{
		cfg:    cfg.GetApplicationData().Storage,
		pruner: p,
		logger: util.ComponentLogger("scheduler"),
		now:    time.Now,
	}
}

// Start prunes once immediately, then every prune interval, until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	interval := time.Duration(s.cfg.PruneIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}

	s.logger.Info().
		Int("retention_days", s.cfg.RetentionDays).
		Dur("interval", interval).
		Msg("scheduler started")

	s.RunRetention(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.RunRetention(ctx)
		}
	}
}

// RunRetention removes journal rows older than the retention window.
func (s *Scheduler) RunRetention(ctx context.Context) int64 {
	days := s.cfg.RetentionDays
	if days < 1 {
		days = 1
	}
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)

	removed, err := s.pruner.Prune(ctx, cutoff)
	if err != nil {
		s.logger.Warn().Err(err).Msg("journal retention failed")
		return 0
	}
	metrics.JournalPrunedTotal.Add(float64(removed))

	ev := s.logger.Info()
	if removed == 0 {
		ev = s.logger.Debug()
	}
	if info, err := os.Stat(s.pruner.Path()); err == nil {
		ev = ev.Str("journal_size", formatBytes(info.Size()))
	}
	ev.Int64("removed", removed).Time("cutoff", cutoff).Msg("journal retention completed")
	return removed
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
