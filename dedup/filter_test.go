package dedup

import (
	"fmt"
	"testing"
	"time"
)

// TestCooldownProperty validates the core dedup contract:
// accept at t1 ⟹ suppress at any t2 with t2-t1 < cooldown,
// and accept again once t2-t1 ≥ cooldown.
func TestCooldownProperty(t *testing.T) {
	f := New(2500 * time.Millisecond)
	t0 := time.Now()

	if !f.ShouldProcess("TOK1", t0) {
		t.Fatal("first detection must be accepted")
	}

	// Inside the window: suppressed at every probe point.
	for _, dt := range []time.Duration{0, time.Millisecond, time.Second, 2499 * time.Millisecond} {
		if f.ShouldProcess("TOK1", t0.Add(dt)) {
			t.Errorf("detection at +%v must be suppressed", dt)
		}
	}

	// At and past the window boundary: accepted again.
	if !f.ShouldProcess("TOK1", t0.Add(2500*time.Millisecond)) {
		t.Error("detection at +cooldown must be accepted")
	}
}

// TestPerTokenKeying: a different token during another token's cooldown is
// not suppressed; dedup keys are per-token, not global.
func TestPerTokenKeying(t *testing.T) {
	f := New(DefaultCooldown)
	t0 := time.Now()

	if !f.ShouldProcess("TOK1", t0) {
		t.Fatal("TOK1 must be accepted")
	}
	if !f.ShouldProcess("TOK2", t0.Add(100*time.Millisecond)) {
		t.Error("TOK2 during TOK1 cooldown must be accepted")
	}
	if f.ShouldProcess("TOK1", t0.Add(200*time.Millisecond)) {
		t.Error("TOK1 must still be suppressed")
	}
}

// TestSuppressionDoesNotExtendWindow: suppressed detections must not refresh
// the cooldown (only accepted detections are recorded).
func TestSuppressionDoesNotExtendWindow(t *testing.T) {
	f := New(time.Second)
	t0 := time.Now()

	f.ShouldProcess("TOK1", t0)
	f.ShouldProcess("TOK1", t0.Add(900*time.Millisecond)) // suppressed

	if !f.ShouldProcess("TOK1", t0.Add(1100*time.Millisecond)) {
		t.Error("window must be measured from the accepted detection, not the suppressed one")
	}
}

// TestReset: after Reset every token is accepted immediately.
func TestReset(t *testing.T) {
	f := New(DefaultCooldown)
	now := time.Now()

	f.ShouldProcess("TOK1", now)
	f.Reset()
	if !f.ShouldProcess("TOK1", now.Add(time.Millisecond)) {
		t.Error("token must be accepted immediately after Reset")
	}
}

// TestBoundedMap: flooding the filter with distinct tokens prunes expired
// entries instead of growing without bound.
func TestBoundedMap(t *testing.T) {
	f := New(time.Second)
	t0 := time.Now()

	// Fill past the cap with tokens that are all expired by the time the
	// prune runs.
	for i := 0; i < maxEntries; i++ {
		f.ShouldProcess(fmt.Sprintf("junk-%d", i), t0)
	}
	// This insert lands at t0+2s, when every recorded entry has expired.
	f.ShouldProcess("fresh", t0.Add(2*time.Second))

	if n := f.Len(); n > 1 {
		t.Errorf("expired entries not pruned: %d tracked tokens", n)
	}
}

// TestDefaultCooldownFallback: non-positive cooldown uses the default.
func TestDefaultCooldownFallback(t *testing.T) {
	if f := New(0); f.Cooldown() != DefaultCooldown {
		t.Errorf("New(0) cooldown = %v, want %v", f.Cooldown(), DefaultCooldown)
	}
	if f := New(-time.Second); f.Cooldown() != DefaultCooldown {
		t.Errorf("New(<0) cooldown = %v, want %v", f.Cooldown(), DefaultCooldown)
	}
}
