package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/VenkatGGG/testswarm/internal/jobstore"
	"github.com/VenkatGGG/testswarm/internal/lease"
)

// Sweep fails stale claims that have no retries left, so a job can finish
// even when no worker of its browser asks for work again. It then offers
// whatever became claimable to the ready workers.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.TestTimeout)
	stale, err := s.store.ExpiredClaims(ctx, cutoff, s.cfg.TestRetries, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("load expired claims: %w", err)
	}

	expired := 0
	for _, a := range stale {
		updated, err := s.store.CompareAndSwap(ctx, a, timedOut(a))
		if errors.Is(err, jobstore.ErrConflict) || errors.Is(err, jobstore.ErrAssignmentNotFound) {
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("expire assignment %s: %w", a.ID, err)
		}
		s.expired(ctx, updated)
		expired++
	}
	s.Reoffer(ctx)
	return expired, nil
}

// Run sweeps every SweepInterval while this instance holds the sweep lease.
func (s *Scheduler) Run(ctx context.Context) {
	var guard *lease.Guard
	if s.leases != nil {
		guard = lease.NewGuard(s.leases, sweepResource, s.cfg.InstanceID, s.cfg.LeaseTTL)
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = guard.Release(releaseCtx)
		}()
	}

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.logger.Info("claim sweeper started",
		zap.Duration("interval", s.cfg.SweepInterval),
		zap.Duration("test_timeout", s.cfg.TestTimeout),
		zap.Int("test_retries", s.cfg.TestRetries),
		zap.String("instance", s.cfg.InstanceID),
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx, guard)
		}
	}
}

func (s *Scheduler) sweepOnce(ctx context.Context, guard *lease.Guard) {
	if guard != nil {
		held, err := guard.Hold(ctx)
		if err != nil {
			s.logger.Warn("sweep lease failed", zap.Error(err))
		}
		if !held {
			// Workers connected to this instance still need re-offers.
			s.Reoffer(ctx)
			return
		}
	}
	n, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Warn("sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("expired stale claims", zap.Int("count", n))
	}
}
