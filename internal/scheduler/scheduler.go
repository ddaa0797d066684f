// Package scheduler runs Bastion's background maintenance, currently the
// pruning of old replay journals.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bastion-project/bastion/internal/config"
)

// Pruner deletes recorded matches older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg     *config.Config
	replays Pruner
}

// NewScheduler creates a new task scheduler. replays may be nil when the
// journal is disabled.
func NewScheduler(cfg *config.Config, replays Pruner) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		replays: replays,
	}
}

// Start begins running all scheduled tasks and blocks until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	ad := s.cfg.GetApplicationData()
	if s.replays != nil && ad.Replay.RetentionDays > 0 && ad.Timers.ReplayCleanupInterval > 0 {
		go s.runReplayCleanerLoop(ctx, time.Duration(ad.Timers.ReplayCleanupInterval)*time.Second)
	}

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runReplayCleanerLoop(ctx context.Context, interval time.Duration) {
	log.Info().Dur("interval", interval).Msg("replay cleaner scheduled")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.RunReplayCleaner(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunReplayCleaner(ctx)
		}
	}
}

// RunReplayCleaner deletes journals older than the retention period and
// returns how many matches were removed.
func (s *Scheduler) RunReplayCleaner(ctx context.Context) int64 {
	if s.replays == nil {
		return 0
	}
	retentionDays := s.cfg.GetApplicationData().Replay.RetentionDays
	if retentionDays <= 0 {
		return 0
	}

	start := time.Now()
	deleted, err := s.replays.Prune(ctx, time.Duration(retentionDays)*24*time.Hour)
	if err != nil {
		log.Warn().Err(err).Msg("replay cleaner failed")
		return 0
	}

	log.Info().
		Int64("deleted_matches", deleted).
		Int("retention_days", retentionDays).
		Dur("took", time.Since(start)).
		Msg("replay cleaner completed")
	return deleted
}
