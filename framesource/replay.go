package framesource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ReplaySource emits a scripted list of payloads on a fixed interval. It
// exists for lane rehearsals and tests: the full pipeline runs without any
// camera hardware.
type ReplaySource struct {
	payloads []string
	interval time.Duration
	loop     bool

	mu      sync.Mutex
	running bool
	out     chan Decode
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	seq     uint64
	emitted uint64
	started time.Time
}

// NewReplaySource creates a replay source. With loop set the script repeats
// until Stop; otherwise the channel closes after the last payload.
func NewReplaySource(payloads []string, interval time.Duration, loop bool) (*ReplaySource, error) {
	if len(payloads) == 0 {
		return nil, fmt.Errorf("framesource: replay needs at least one payload")
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &ReplaySource{payloads: payloads, interval: interval, loop: loop}, nil
}

// Start begins emitting the scripted payloads.
func (r *ReplaySource) Start(ctx context.Context) (<-chan Decode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil, &CameraError{Kind: AlreadyRunning, Op: "start"}
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Decode, 4)
	r.out = out
	r.cancel = cancel
	r.running = true
	r.started = time.Now()

	slog.Info("framesource: replay starting",
		"payloads", len(r.payloads),
		"interval", r.interval,
		"loop", r.loop,
	)

	r.wg.Add(1)
	go r.run(ctx, out)
	return out, nil
}

func (r *ReplaySource) run(ctx context.Context, out chan<- Decode) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	i := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if i >= len(r.payloads) {
				if !r.loop {
					r.finish()
					return
				}
				i = 0
			}
			d := Decode{
				Payload: r.payloads[i],
				At:      time.Now(),
				Seq:     atomic.AddUint64(&r.seq, 1),
				TraceID: uuid.New().String(),
			}
			i++
			select {
			case out <- d:
				atomic.AddUint64(&r.emitted, 1)
			case <-ctx.Done():
				return
			}
		}
	}
}

// finish ends a non-looping run: marks the source stopped and closes the
// channel from the emitting goroutine.
func (r *ReplaySource) finish() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	out := r.out
	r.out = nil
	r.mu.Unlock()
	close(out)
}

// Stop halts emission. Idempotent.
func (r *ReplaySource) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	out := r.out
	r.out = nil
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	close(out)
	return nil
}

// Err always returns nil: a replay source has no hardware to fail.
func (r *ReplaySource) Err() error { return nil }

// Stats returns an operational snapshot.
func (r *ReplaySource) Stats() SourceStats {
	r.mu.Lock()
	running := r.running
	started := r.started
	r.mu.Unlock()

	emitted := atomic.LoadUint64(&r.emitted)
	var rate float64
	if running {
		if uptime := time.Since(started).Seconds(); uptime > 0 {
			rate = float64(emitted) / uptime
		}
	}
	return SourceStats{
		DecodeAttempts: emitted,
		Decodes:        emitted,
		ScanRate:       rate,
		Device:         "replay",
		Running:        running,
	}
}
