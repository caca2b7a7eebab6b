// Package worker runs the periodic ingestion loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"intake_server/core/domain"
	"intake_server/pkg/logger"
)

const (
	DefaultInterval       = 15 * time.Minute
	DefaultAccountTimeout = 10 * time.Minute
)

// AccountIngester is the slice of the account service the scheduler drives.
type AccountIngester interface {
	ListActive(ctx context.Context) ([]*domain.EmailAccount, error)
	IngestScheduled(ctx context.Context, acc *domain.EmailAccount) (int, error)
}

// RunStats summarizes one pass over the active accounts.
type RunStats struct {
	Accounts int
	Ingested int
	Failed   int
	Skipped  int
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler ingests every active account once at start and then on every
// tick. A tick that arrives while the previous pass is still running is
// dropped.
type Scheduler struct {
	accounts       AccountIngester
	interval       time.Duration
	accountTimeout time.Duration

	running atomic.Bool
	runs    sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(accounts AccountIngester, interval, accountTimeout time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if accountTimeout <= 0 {
		accountTimeout = DefaultAccountTimeout
	}
	return &Scheduler{
		accounts:       accounts,
		interval:       interval,
		accountTimeout: accountTimeout,
	}
}

// Start launches the loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	logger.WithField("interval", s.interval.String()).Info("[Scheduler] Starting")
	go s.loop(ctx, s.done)
}

// Stop cancels the loop and waits for an in-flight pass to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.runs.Wait()
	logger.Info("[Scheduler] Stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.trigger(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.trigger(ctx)
		}
	}
}

// trigger starts a pass unless one is already running.
func (s *Scheduler) trigger(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		logger.Debug("[Scheduler] Previous run still in progress, skipping tick")
		return false
	}
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.running.Store(false)
		s.RunOnce(ctx)
	}()
	return true
}

// RunOnce ingests every active account sequentially.
func (s *Scheduler) RunOnce(ctx context.Context) RunStats {
	var stats RunStats
	start := time.Now()

	accounts, err := s.accounts.ListActive(ctx)
	if err != nil {
		logger.WithError(err).Error("[Scheduler] Failed to list active accounts")
		return stats
	}
	stats.Accounts = len(accounts)

	for _, acc := range accounts {
		if ctx.Err() != nil {
			break
		}

		n, err := s.ingestAccount(ctx, acc)
		switch {
		case errors.Is(err, domain.ErrIngestionInProgress):
			stats.Skipped++
			logger.WithField("account_id", acc.ID).Info("[Scheduler] Ingestion already running, skipped")
		case err != nil:
			stats.Failed++
			logger.WithFields(map[string]any{
				"account_id": acc.ID,
				"provider":   acc.Provider,
			}).WithError(err).Warn("[Scheduler] Ingestion failed for %s", acc.EmailAddress)
		default:
			stats.Ingested += n
		}
	}

	logger.WithFields(map[string]any{
		"accounts": stats.Accounts,
		"ingested": stats.Ingested,
		"failed":   stats.Failed,
		"skipped":  stats.Skipped,
	}).WithDuration(time.Since(start)).Info("[Scheduler] Run complete")
	return stats
}

func (s *Scheduler) ingestAccount(ctx context.Context, acc *domain.EmailAccount) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during ingestion: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.accountTimeout)
	defer cancel()
	return s.accounts.IngestScheduled(ctx, acc)
}
