package checkin

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gatewise/gatescan/validate"
)

type fakeFetcher struct {
	mu    sync.Mutex
	stats validate.EventStats
	err   error
	calls int
}

func (f *fakeFetcher) EventStats(ctx context.Context, eventID string) (validate.EventStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return validate.EventStats{}, f.err
	}
	return f.stats, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Scenario: the poller fetches immediately, surfaces each read through the
// callback, and keeps the last good read queryable.
func TestPollerFetchesAndRemembers(t *testing.T) {
	f := &fakeFetcher{stats: validate.EventStats{EventID: "evt-1", CheckedIn: 7, TotalTickets: 100}}

	updates := make(chan validate.EventStats, 8)
	p, err := NewPoller(f, "evt-1", time.Hour, func(s validate.EventStats) { updates <- s })
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	select {
	case got := <-updates:
		if got.CheckedIn != 7 {
			t.Errorf("CheckedIn = %d, want 7", got.CheckedIn)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no initial fetch")
	}

	if last, ok := p.Last(); !ok || last.TotalTickets != 100 {
		t.Errorf("Last = %+v %v, want remembered read", last, ok)
	}

	cancel()
	<-done
}

// Scenario: a kick forces a refresh without waiting out the interval. This
// is how a fresh check-in shows up in the count right away.
func TestPollerKick(t *testing.T) {
	f := &fakeFetcher{stats: validate.EventStats{EventID: "evt-1", CheckedIn: 1}}

	p, err := NewPoller(f, "evt-1", time.Hour, nil)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && f.callCount() < 1 {
		time.Sleep(2 * time.Millisecond)
	}

	f.mu.Lock()
	f.stats.CheckedIn = 2
	f.mu.Unlock()
	p.Kick()

	for time.Now().Before(deadline) {
		if last, ok := p.Last(); ok && last.CheckedIn == 2 {
			cancel()
			<-done
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("kick did not trigger a refresh")
}

// Scenario: fetch failures leave the last good read in place and the loop
// alive.
func TestPollerSurvivesFetchFailure(t *testing.T) {
	f := &fakeFetcher{stats: validate.EventStats{EventID: "evt-1", CheckedIn: 3}}

	p, err := NewPoller(f, "evt-1", time.Hour, nil)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && f.callCount() < 1 {
		time.Sleep(2 * time.Millisecond)
	}

	f.mu.Lock()
	f.err = fmt.Errorf("stats endpoint down")
	f.mu.Unlock()
	p.Kick()

	for time.Now().Before(deadline) && f.callCount() < 2 {
		time.Sleep(2 * time.Millisecond)
	}

	if last, ok := p.Last(); !ok || last.CheckedIn != 3 {
		t.Errorf("Last = %+v %v, want earlier good read preserved", last, ok)
	}

	cancel()
	<-done
}

// Scenario: constructor rejects missing collaborators.
func TestNewPollerValidation(t *testing.T) {
	if _, err := NewPoller(nil, "evt", time.Second, nil); err == nil {
		t.Error("missing fetcher should fail")
	}
	if _, err := NewPoller(&fakeFetcher{}, "", time.Second, nil); err == nil {
		t.Error("missing event id should fail")
	}
}
