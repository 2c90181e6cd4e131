package usage

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelrelay/modelrelay/internal/store"
)

// Sweeper purges usage records older than the retention window on a fixed
// interval.
type Sweeper struct {
	repo      store.UsageRepo
	retention time.Duration
	interval  time.Duration
}

// NewSweeper creates a Sweeper. Non-positive values get 90 days retention
// and a 12 hour interval.
func NewSweeper(repo store.UsageRepo, retention, interval time.Duration) *Sweeper {
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	return &Sweeper{repo: repo, retention: retention, interval: interval}
}

// Start runs the sweep loop until the context is cancelled. The first
// cycle runs immediately.
func (s *Sweeper) Start(ctx context.Context) {
	log.Info().
		Dur("retention", s.retention).
		Dur("interval", s.interval).
		Msg("Usage retention sweeper started")

	s.runCycle(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Usage retention sweeper stopped")
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Sweeper) runCycle(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention)
	purged, err := s.repo.PurgeUsageBefore(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Usage retention sweep failed")
		return
	}
	if purged > 0 {
		log.Info().Int("purged", purged).Time("cutoff", cutoff).Msg("Usage records purged")
	}
}
