package checkin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gatewise/gatescan/validate"
)

// DefaultPollInterval paces the aggregate stats fetch.
const DefaultPollInterval = 15 * time.Second

// StatsFetcher reads aggregate attendance for an event. *validate.Client is
// the production implementation.
type StatsFetcher interface {
	EventStats(ctx context.Context, eventID string) (validate.EventStats, error)
}

// Poller periodically fetches event attendance and hands each fresh read to
// a callback. It is an independent read path: it never coordinates with the
// session's commits, it just converges. Wire a session's OnCommit to Kick
// so the count refreshes right after a check-in instead of waiting out the
// interval.
type Poller struct {
	fetcher  StatsFetcher
	eventID  string
	interval time.Duration
	onUpdate func(validate.EventStats)
	kick     chan struct{}

	mu   sync.Mutex
	last validate.EventStats
	ok   bool
}

// NewPoller creates a poller with fail-fast validation.
func NewPoller(fetcher StatsFetcher, eventID string, interval time.Duration, onUpdate func(validate.EventStats)) (*Poller, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("checkin: stats fetcher is required")
	}
	if eventID == "" {
		return nil, fmt.Errorf("checkin: event id is required")
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		fetcher:  fetcher,
		eventID:  eventID,
		interval: interval,
		onUpdate: onUpdate,
		kick:     make(chan struct{}, 1),
	}, nil
}

// Run polls until the context is cancelled. It fetches once immediately,
// then on every tick or kick. Fetch failures are logged and retried on the
// next cycle; the last good read stays available.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.fetch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.fetch(ctx)
		case <-p.kick:
			p.fetch(ctx)
		}
	}
}

// Kick requests an immediate refresh. Non-blocking; kicks coalesce.
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Poller) fetch(ctx context.Context) {
	stats, err := p.fetcher.EventStats(ctx, p.eventID)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("checkin: stats poll failed", "event_id", p.eventID, "error", err)
		}
		return
	}

	p.mu.Lock()
	p.last = stats
	p.ok = true
	p.mu.Unlock()

	if p.onUpdate != nil {
		p.onUpdate(stats)
	}
}

// Last returns the most recent successful read, if any.
func (p *Poller) Last() (validate.EventStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.ok
}
