package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"daygraph-backend/infrastructure/persistence/abstractions"
)

// Sweeper prunes audit entries past the retention horizon on a fixed
// interval.
type Sweeper struct {
	store     abstractions.Store
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
}

// NewSweeper creates an audit sweeper.
func NewSweeper(store abstractions.Store, retention, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		retention: retention,
		interval:  interval,
		logger:    logger,
	}
}

// Run sweeps until the context is cancelled. One pass runs immediately so a
// restart does not postpone overdue pruning by a full interval.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)
	purged, err := s.store.PurgeAuditBefore(ctx, cutoff)
	if err != nil {
		s.logger.Warn("audit sweep failed", zap.Error(err))
		return
	}
	if purged > 0 {
		s.logger.Info("audit sweep",
			zap.Int("purged", purged),
			zap.Time("cutoff", cutoff))
	}
}
