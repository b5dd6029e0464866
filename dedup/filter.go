// Package dedup suppresses repeated detections of the same ticket token.
//
// A camera decodes many frames per physical ticket presentation; without
// suppression one presentation would trigger dozens of validation requests.
// Filter accepts a token at most once per cooldown window. Windows are
// per-token: a different ticket presented during another ticket's cooldown
// is never suppressed.
package dedup

import (
	"sync"
	"time"
)

// DefaultCooldown is the canonical suppression window. Field-tuned values
// range 2-3s; 2.5s is the shipped default. Tunable via New.
const DefaultCooldown = 2500 * time.Millisecond

// maxEntries bounds the seen-token map. In practice a lane sees a handful of
// tokens per cooldown window; the cap only matters if a decoder misfires and
// floods the filter with garbage payloads.
const maxEntries = 1024

// Filter is a per-token cooldown filter.
//
// Thread-safe. State is owned exclusively by the filter instance; two
// sessions with their own filters never interfere.
type Filter struct {
	mu       sync.Mutex
	cooldown time.Duration
	seen     map[string]time.Time // token → last accepted at
}

// New creates a Filter with the given cooldown window.
// A non-positive cooldown falls back to DefaultCooldown.
func New(cooldown time.Duration) *Filter {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Filter{
		cooldown: cooldown,
		seen:     make(map[string]time.Time),
	}
}

// Cooldown returns the configured suppression window.
func (f *Filter) Cooldown() time.Duration {
	return f.cooldown
}

// ShouldProcess reports whether a detection of token at time now should be
// processed. The first detection of a token is accepted and recorded;
// subsequent detections within the cooldown window are suppressed. Once the
// window has elapsed the token is accepted (and recorded) again.
func (f *Filter) ShouldProcess(tok string, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if last, ok := f.seen[tok]; ok && now.Sub(last) < f.cooldown {
		return false
	}

	if len(f.seen) >= maxEntries {
		f.pruneLocked(now)
	}
	f.seen[tok] = now
	return true
}

// pruneLocked drops expired entries. Called with f.mu held.
func (f *Filter) pruneLocked(now time.Time) {
	for tok, last := range f.seen {
		if now.Sub(last) >= f.cooldown {
			delete(f.seen, tok)
		}
	}
}

// Reset forgets all recorded tokens. Used when a session restarts so a
// ticket scanned just before a stop is accepted immediately after.
func (f *Filter) Reset() {
	f.mu.Lock()
	f.seen = make(map[string]time.Time)
	f.mu.Unlock()
}

// Len returns the number of tracked tokens. Intended for stats reporting.
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}
