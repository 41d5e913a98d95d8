package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/medialens/inference/internal/domain"
	"github.com/medialens/inference/internal/observability"
	"github.com/medialens/inference/internal/usecase"
)

// StatsSampler periodically snapshots job counts and queue depth. /health
// and the prometheus queue gauges read the last snapshot, so a database
// outage degrades them to stale data instead of errors.
type StatsSampler struct {
	jobs     usecase.JobService
	interval time.Duration

	mu   sync.RWMutex
	last domain.Stats
}

// NewStatsSampler constructs a sampler. interval defaults to 10s.
func NewStatsSampler(jobs usecase.JobService, interval time.Duration) *StatsSampler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &StatsSampler{jobs: jobs, interval: interval}
}

// Latest returns the most recent snapshot; the zero Stats before the
// first sample lands.
func (s *StatsSampler) Latest() domain.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Run samples immediately, then on every tick, until cancelled.
func (s *StatsSampler) Run(ctx context.Context) {
	s.sample(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *StatsSampler) sample(ctx context.Context) {
	stats, err := s.jobs.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("stats sample failed, keeping previous snapshot", slog.Any("error", err))
		}
		return
	}
	s.mu.Lock()
	s.last = stats
	s.mu.Unlock()
	observability.SetQueueGauges(stats.QueueDepth, stats.QueueLeased)
	observability.SetSyncBacklog(stats.SyncBacklog)
}
