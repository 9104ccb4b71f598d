// Package scheduler runs the relay's daily maintenance: journal pruning,
// log file rotation cleanup and a summary of the day's relay traffic.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/muco-project/muco-relay/internal/config"
	"github.com/muco-project/muco-relay/internal/relay"
	"github.com/muco-project/muco-relay/internal/util"
)

// Pruner removes journal history older than a retention window.
type Pruner interface {
	Prune(retention time.Duration) (int64, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg     *config.Config
	journal Pruner
	stats   func() relay.Stats
	now     func() time.Time
	logger  zerolog.Logger

	last relay.Stats
}

// NewScheduler creates a new task scheduler. journal and stats may be nil.
func NewScheduler(cfg *config.Config, journal Pruner, stats func() relay.Stats) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		journal: journal,
		stats:   stats,
		now:     time.Now,
		logger:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start runs maintenance once at startup and then daily at the configured
// time, until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("scheduler started")
	s.RunMaintenance()

	for {
		nextRun := s.nextRun()
		sleepDuration := nextRun.Sub(s.now())
		if sleepDuration <= 0 {
			sleepDuration = 24 * time.Hour
		}

		s.logger.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("maintenance scheduled")

		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-time.After(sleepDuration):
			s.RunMaintenance()
		}
	}
}

// RunMaintenance performs one maintenance pass.
func (s *Scheduler) RunMaintenance() {
	app := s.cfg.GetApplicationData()

	if s.journal != nil && app.Journal.RetentionDays > 0 {
		retention := time.Duration(app.Journal.RetentionDays) * 24 * time.Hour
		removed, err := s.journal.Prune(retention)
		if err != nil {
			s.logger.Warn().Err(err).Msg("journal prune failed")
		} else {
			s.logger.Debug().Int64("rows", removed).Int("retention_days", app.Journal.RetentionDays).Msg("journal pruned")
		}
	}

	if removed := util.CleanOldLogs(app.Logging.Directory, app.Logging.MaxBackups); removed > 0 {
		s.logger.Info().Int("files", removed).Msg("removed old log files")
	}

	s.collectStats()
}

// collectStats logs relay traffic since the previous pass.
func (s *Scheduler) collectStats() {
	if s.stats == nil {
		return
	}
	current := s.stats()

	// Counters reset when the relay restarts.
	base := s.last
	if current.ConnectionsAccepted < base.ConnectionsAccepted || current.BytesReceived < base.BytesReceived {
		base = relay.Stats{}
	}
	s.last = current

	s.logger.Info().
		Int("active_peers", current.ActivePeers).
		Uint64("connections", current.ConnectionsAccepted-base.ConnectionsAccepted).
		Uint64("packets_in", current.PacketsReceived-base.PacketsReceived).
		Uint64("packets_out", current.PacketsSent-base.PacketsSent).
		Str("bytes_in", formatBytes(int64(current.BytesReceived-base.BytesReceived))).
		Str("bytes_out", formatBytes(int64(current.BytesSent-base.BytesSent))).
		Msg("daily stats collected")
}

// nextRun returns the next time maintenance should run.
func (s *Scheduler) nextRun() time.Time {
	hour, minute := 4, 0 // Default: 4:00 AM
	if t, err := time.Parse("15:04", s.cfg.GetApplicationData().Maintenance.Time); err == nil {
		hour, minute = t.Hour(), t.Minute()
	}

	now := s.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
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
