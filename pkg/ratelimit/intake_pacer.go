// Package ratelimit paces outbound provider calls.
package ratelimit

import (
	"context"
	"time"

	"intake_server/pkg/resilience"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Pacer - batched fan-out with fixed per-request stagger
// =============================================================================
//
// Calls are split into batches of BatchSize. Inside a batch, call i starts
// i*RequestDelay after the batch opens, so the start rate never exceeds
// 1/RequestDelay. Batches run one after another with BatchPause in between.

// Config holds pacing parameters.
type Config struct {
	RequestDelay time.Duration
	BatchSize    int
	BatchPause   time.Duration
}

// GmailConfig keeps detail fetches under ~28 requests per second.
func GmailConfig() Config {
	return Config{
		RequestDelay: 36 * time.Millisecond,
		BatchSize:    25,
		BatchPause:   time.Second,
	}
}

// Pacer runs paced batches.
type Pacer struct {
	cfg   Config
	sleep resilience.SleepFunc
}

// NewPacer creates a pacer. Zero values fall back to GmailConfig.
func NewPacer(cfg Config) *Pacer {
	def := GmailConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RequestDelay < 0 {
		cfg.RequestDelay = 0
	}
	if cfg.BatchPause < 0 {
		cfg.BatchPause = 0
	}
	return &Pacer{cfg: cfg, sleep: resilience.SleepContext}
}

// WithSleep swaps the wait function (tests).
func (p *Pacer) WithSleep(fn resilience.SleepFunc) *Pacer {
	p.sleep = fn
	return p
}

// Config returns the effective configuration.
func (p *Pacer) Config() Config {
	return p.cfg
}

// ForEach calls fn for every index in [0, n). fn owns its own error handling;
// ForEach only stops early when ctx is cancelled.
func (p *Pacer) ForEach(ctx context.Context, n int, fn func(ctx context.Context, i int)) error {
	for start := 0; start < n; start += p.cfg.BatchSize {
		if start > 0 {
			if err := p.sleep(ctx, p.cfg.BatchPause); err != nil {
				return err
			}
		}

		end := start + p.cfg.BatchSize
		if end > n {
			end = n
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.BatchSize)
		for i := start; i < end; i++ {
			i := i
			offset := time.Duration(i-start) * p.cfg.RequestDelay
			g.Go(func() error {
				if offset > 0 {
					if err := p.sleep(gctx, offset); err != nil {
						return err
					}
				}
				fn(gctx, i)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return ctx.Err()
}
