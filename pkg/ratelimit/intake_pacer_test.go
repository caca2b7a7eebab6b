package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPacerForEachVisitsEveryIndexOnce(t *testing.T) {
	var mu sync.Mutex
	var pauses, staggers int
	var maxStagger time.Duration

	cfg := GmailConfig()
	p := NewPacer(cfg).WithSleep(func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		if d == cfg.BatchPause {
			pauses++
		} else {
			staggers++
			if d > maxStagger {
				maxStagger = d
			}
		}
		return nil
	})

	seen := make([]int32, 60)
	err := p.ForEach(context.Background(), len(seen), func(_ context.Context, i int) {
		atomic.AddInt32(&seen[i], 1)
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}

	for i, c := range seen {
		if c != 1 {
			t.Errorf("index %d visited %d times", i, c)
		}
	}
	// 60 items in batches of 25: 25, 25, 10
	if pauses != 2 {
		t.Errorf("expected 2 inter-batch pauses, got %d", pauses)
	}
	if staggers != 24+24+9 {
		t.Errorf("expected %d staggered starts, got %d", 24+24+9, staggers)
	}
	if maxStagger != 24*cfg.RequestDelay {
		t.Errorf("expected max stagger %v, got %v", 24*cfg.RequestDelay, maxStagger)
	}
}

func TestPacerRateBound(t *testing.T) {
	cfg := GmailConfig()
	perSecond := float64(time.Second) / float64(cfg.RequestDelay)
	if perSecond > 28 {
		t.Errorf("request delay allows %.1f req/s, want <= 28", perSecond)
	}
}

func TestPacerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := int32(0)
	p := NewPacer(Config{BatchSize: 2})
	err := p.ForEach(ctx, 10, func(context.Context, int) {
		atomic.AddInt32(&calls, 1)
	})
	if err == nil {
		t.Fatal("expected context error")
	}
	if calls > 2 {
		t.Errorf("expected at most one batch to start, got %d calls", calls)
	}
}
