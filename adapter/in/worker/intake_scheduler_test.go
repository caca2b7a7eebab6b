package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"intake_server/core/domain"
)

type fakeAccounts struct {
	mu       sync.Mutex
	accounts []*domain.EmailAccount
	listErr  error
	results  map[string]error
	panics   map[string]bool
	counts   map[string]int
	seen     []string
	lists    atomic.Int32
	block    chan struct{}
	deadline bool
}

func (f *fakeAccounts) ListActive(context.Context) ([]*domain.EmailAccount, error) {
	f.lists.Add(1)
	return f.accounts, f.listErr
}

func (f *fakeAccounts) IngestScheduled(ctx context.Context, acc *domain.EmailAccount) (int, error) {
	f.mu.Lock()
	f.seen = append(f.seen, acc.ID)
	f.mu.Unlock()

	if _, ok := ctx.Deadline(); ok {
		f.mu.Lock()
		f.deadline = true
		f.mu.Unlock()
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if f.panics[acc.ID] {
		panic("provider blew up")
	}
	return f.counts[acc.ID], f.results[acc.ID]
}

func (f *fakeAccounts) visited() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

func accounts(ids ...string) []*domain.EmailAccount {
	res := make([]*domain.EmailAccount, 0, len(ids))
	for _, id := range ids {
		res = append(res, &domain.EmailAccount{ID: id, Provider: domain.ProviderIMAP, EmailAddress: id + "@example.com", IsActive: true})
	}
	return res
}

func TestRunOnceIsolatesAccountFailures(t *testing.T) {
	f := &fakeAccounts{
		accounts: accounts("a", "b", "c", "d"),
		counts:   map[string]int{"a": 3, "d": 2},
		results: map[string]error{
			"b": &domain.ConnectionError{Provider: domain.ProviderIMAP, Diagnostic: "auth failed", Err: errors.New("NO")},
			"c": domain.ErrIngestionInProgress,
		},
	}
	s := NewScheduler(f, time.Hour, time.Minute)

	stats := s.RunOnce(context.Background())
	expected := RunStats{Accounts: 4, Ingested: 5, Failed: 1, Skipped: 1}
	if stats != expected {
		t.Errorf("stats = %+v, want %+v", stats, expected)
	}
	if got := f.visited(); len(got) != 4 {
		t.Errorf("visited %v", got)
	}
	if !f.deadline {
		t.Error("each account should run under a timeout")
	}
}

func TestRunOnceRecoversPanics(t *testing.T) {
	f := &fakeAccounts{
		accounts: accounts("a", "b"),
		panics:   map[string]bool{"a": true},
		counts:   map[string]int{"b": 1},
	}
	stats := NewScheduler(f, time.Hour, time.Minute).RunOnce(context.Background())
	if stats.Failed != 1 || stats.Ingested != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRunOnceListFailure(t *testing.T) {
	f := &fakeAccounts{listErr: errors.New("db down")}
	stats := NewScheduler(f, time.Hour, time.Minute).RunOnce(context.Background())
	if stats != (RunStats{}) {
		t.Errorf("stats = %+v", stats)
	}
}

func TestAccountTimeoutMovesOn(t *testing.T) {
	f := &fakeAccounts{
		accounts: accounts("slow", "next"),
		block:    make(chan struct{}),
	}
	s := NewScheduler(f, time.Hour, 20*time.Millisecond)

	stats := s.RunOnce(context.Background())
	if stats.Failed != 2 {
		t.Errorf("both blocked accounts should time out, got %+v", stats)
	}
	if got := f.visited(); len(got) != 2 || got[1] != "next" {
		t.Errorf("visited %v", got)
	}
}

func TestTriggerSkipsWhileRunning(t *testing.T) {
	f := &fakeAccounts{
		accounts: accounts("a"),
		block:    make(chan struct{}),
	}
	s := NewScheduler(f, time.Hour, time.Minute)
	ctx := context.Background()

	if !s.trigger(ctx) {
		t.Fatal("first trigger should start a run")
	}
	waitFor(t, func() bool { return len(f.visited()) == 1 })

	if s.trigger(ctx) {
		t.Error("overlapping trigger should be skipped")
	}

	close(f.block)
	s.runs.Wait()

	if !s.trigger(ctx) {
		t.Error("trigger after completion should run")
	}
	s.runs.Wait()
	if got := f.lists.Load(); got != 2 {
		t.Errorf("ListActive called %d times", got)
	}
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	f := &fakeAccounts{accounts: accounts("a")}
	s := NewScheduler(f, 10*time.Millisecond, time.Minute)

	s.Start(context.Background())
	s.Start(context.Background())
	waitFor(t, func() bool { return f.lists.Load() >= 2 })
	s.Stop()

	after := f.lists.Load()
	time.Sleep(30 * time.Millisecond)
	if f.lists.Load() != after {
		t.Error("scheduler kept running after Stop")
	}
	s.Stop()
}

func TestStopCancelsInFlightRun(t *testing.T) {
	f := &fakeAccounts{
		accounts: accounts("a", "b"),
		block:    make(chan struct{}),
	}
	s := NewScheduler(f, time.Hour, time.Hour)
	s.Start(context.Background())
	waitFor(t, func() bool { return len(f.visited()) == 1 })

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	if got := f.visited(); len(got) != 1 {
		t.Errorf("cancelled run should not move on, visited %v", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
