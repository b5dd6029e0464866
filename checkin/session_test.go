package checkin

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gatewise/gatescan/framesource"
	"github.com/gatewise/gatescan/validate"
)

// fakeSource feeds scripted decodes into a session without any camera.
type fakeSource struct {
	mu       sync.Mutex
	ch       chan framesource.Decode
	startErr error
	starts   int
	running  bool
	seq      uint64
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan framesource.Decode, 16)}
}

func (f *fakeSource) Start(ctx context.Context) (<-chan framesource.Decode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.running = true
	return f.ch, nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return nil
}

func (f *fakeSource) Err() error { return nil }

func (f *fakeSource) Stats() framesource.SourceStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return framesource.SourceStats{Running: f.running, Device: "fake"}
}

func (f *fakeSource) push(payload string) {
	f.seq++
	f.ch <- framesource.Decode{Payload: payload, At: time.Now(), Seq: f.seq, TraceID: "t"}
}

// fakeAuthority scripts validation outcomes and records commits.
type fakeAuthority struct {
	mu        sync.Mutex
	outcomes  map[string]validate.Outcome
	gate      chan struct{} // when set, ValidateQR blocks until closed
	commitErr error
	validated []string
	commits   []validate.CheckInRequest
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{outcomes: map[string]validate.Outcome{}}
}

func (a *fakeAuthority) ValidateQR(ctx context.Context, tok, eventID string) validate.Outcome {
	a.mu.Lock()
	a.validated = append(a.validated, tok)
	gate := a.gate
	out, ok := a.outcomes[tok]
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if !ok {
		return validate.Outcome{Status: validate.StatusNotFound, Message: "no ticket found"}
	}
	return out
}

func (a *fakeAuthority) CheckIn(ctx context.Context, req validate.CheckInRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commits = append(a.commits, req)
	return a.commitErr
}

func (a *fakeAuthority) validations() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.validated...)
}

func (a *fakeAuthority) committed() []validate.CheckInRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]validate.CheckInRequest(nil), a.commits...)
}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func validOutcome(qrToken, buyer string) validate.Outcome {
	return validate.Outcome{
		Status:  validate.StatusValid,
		Message: "Ticket is valid",
		Meta:    &validate.TicketMeta{QRToken: qrToken, BuyerName: buyer},
	}
}

func waitPhase(t *testing.T, s *Session, want Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Phase() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("phase = %v, want %v", s.Phase(), want)
}

func newTestSession(t *testing.T, src *fakeSource, auth *fakeAuthority, rec *recorder, opts ...func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		Source:    src,
		Authority: auth,
		EventID:   "evt-1",
		Operator:  "gate-staff",
		Cooldown:  50 * time.Millisecond,
	}
	if rec != nil {
		cfg.Sink = rec
	}
	for _, o := range opts {
		o(&cfg)
	}
	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

// Scenario: a plain-string payload validates clean, the operator confirms,
// the commit lands and the lane returns to scanning with a clean slate.
func TestScanConfirmCommit(t *testing.T) {
	src := newFakeSource()
	auth := newFakeAuthority()
	auth.outcomes["ABC123"] = validOutcome("ABC123", "Jane Doe")
	rec := &recorder{}
	var kicked atomic.Int32
	s := newTestSession(t, src, auth, rec, func(c *Config) {
		c.OnCommit = func() { kicked.Add(1) }
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	src.push("ABC123")
	waitPhase(t, s, PhaseAwaitingConfirmation)

	if o := s.LastOutcome(); o == nil || o.Meta.BuyerName != "Jane Doe" {
		t.Fatalf("LastOutcome = %+v, want Jane Doe candidate", o)
	}

	if err := s.Confirm(context.Background()); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	waitPhase(t, s, PhaseRunning)

	if o := s.LastOutcome(); o != nil {
		t.Errorf("LastOutcome after commit = %+v, want nil", o)
	}
	commits := auth.committed()
	if len(commits) != 1 {
		t.Fatalf("commits = %d, want 1", len(commits))
	}
	if commits[0].QRToken != "ABC123" || commits[0].EventID != "evt-1" || commits[0].CheckInBy != "gate-staff" {
		t.Errorf("commit request = %+v", commits[0])
	}
	if kicked.Load() != 1 {
		t.Errorf("OnCommit ran %d times, want 1", kicked.Load())
	}

	events := rec.all()
	if len(events) != 2 || events[0].Type != EventScanSuccess || events[1].Type != EventCheckinConfirmed {
		t.Errorf("events = %+v, want scan_success then checkin_confirmed", events)
	}
}

// Scenario: a JSON-wrapped payload is unwrapped before validation, an
// already-used ticket keeps the lane running, and the rejection clears on
// its own after the display window.
func TestRejectionDisplaysThenClears(t *testing.T) {
	src := newFakeSource()
	auth := newFakeAuthority()
	usedAt := time.Now().Add(-time.Hour)
	auth.outcomes["XYZ"] = validate.Outcome{
		Status:  validate.StatusUsed,
		Message: "Ticket already checked in",
		Meta:    &validate.TicketMeta{QRToken: "XYZ", CheckedInAt: &usedAt, CheckedInBy: "staff"},
	}
	rec := &recorder{}
	s := newTestSession(t, src, auth, rec, func(c *Config) {
		c.DisplayWindow = 30 * time.Millisecond
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	src.push(`{"qrToken":"XYZ"}`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rec.all()) > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	events := rec.all()
	if len(events) != 1 || events[0].Type != EventScanError {
		t.Fatalf("events = %+v, want one scan_error", events)
	}
	if events[0].Token != "XYZ" {
		t.Errorf("event token = %q, want normalized XYZ", events[0].Token)
	}
	if got := s.Phase(); got != PhaseRunning {
		t.Errorf("phase after rejection = %v, want running", got)
	}
	if o := s.LastOutcome(); o == nil || o.Status != validate.StatusUsed {
		t.Errorf("LastOutcome = %+v, want used rejection on display", o)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.LastOutcome() == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("rejection never cleared from display")
}

// Scenario: the same token scanned twice inside the cooldown issues exactly
// one validation.
func TestDuplicateScanSuppressed(t *testing.T) {
	src := newFakeSource()
	auth := newFakeAuthority()
	auth.outcomes["TOK1"] = validate.Outcome{Status: validate.StatusNotFound, Message: "no ticket found"}
	s := newTestSession(t, src, auth, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	src.push("TOK1")
	src.push("TOK1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Stats().Decodes >= 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	// Give a mistaken second validation a moment to show up.
	time.Sleep(20 * time.Millisecond)

	if got := auth.validations(); len(got) != 1 {
		t.Errorf("validations = %v, want exactly one", got)
	}
}

// Scenario: camera permission denied on start puts the session in error
// with a typed cause, and a later start can recover.
func TestStartFailureIsTyped(t *testing.T) {
	src := newFakeSource()
	src.startErr = &framesource.CameraError{Kind: framesource.PermissionDenied, Op: "start"}
	auth := newFakeAuthority()
	s := newTestSession(t, src, auth, nil)

	err := s.Start(context.Background())
	if !framesource.IsKind(err, framesource.PermissionDenied) {
		t.Fatalf("Start error = %v, want PermissionDenied", err)
	}
	if got := s.Phase(); got != PhaseError {
		t.Errorf("phase = %v, want error", got)
	}
	if !framesource.IsKind(s.Err(), framesource.PermissionDenied) {
		t.Errorf("Err = %v, want PermissionDenied", s.Err())
	}

	src.mu.Lock()
	src.startErr = nil
	src.mu.Unlock()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart after error: %v", err)
	}
	defer s.Stop()
	waitPhase(t, s, PhaseRunning)
	if s.Err() != nil {
		t.Errorf("Err after recovery = %v, want nil", s.Err())
	}
}

// Scenario: Confirm outside awaiting_confirmation never reaches the wire.
func TestConfirmOutsideAwaitingIsNoop(t *testing.T) {
	src := newFakeSource()
	auth := newFakeAuthority()
	s := newTestSession(t, src, auth, nil)

	if err := s.Confirm(context.Background()); err != nil {
		t.Fatalf("Confirm on idle: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	if err := s.Confirm(context.Background()); err != nil {
		t.Fatalf("Confirm on running: %v", err)
	}

	if got := auth.committed(); len(got) != 0 {
		t.Errorf("commits = %v, want none", got)
	}
}

// Scenario: a second Start without an intervening Stop is a no-op; the
// source is acquired once.
func TestDoubleStartNoop(t *testing.T) {
	src := newFakeSource()
	auth := newFakeAuthority()
	s := newTestSession(t, src, auth, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	src.mu.Lock()
	starts := src.starts
	src.mu.Unlock()
	if starts != 1 {
		t.Errorf("source started %d times, want 1", starts)
	}
}

// Scenario: stopping while a validation is on the wire discards the late
// outcome instead of dragging a stopped session into awaiting_confirmation.
func TestStaleOutcomeDiscardedAfterStop(t *testing.T) {
	src := newFakeSource()
	auth := newFakeAuthority()
	auth.outcomes["SLOW"] = validOutcome("SLOW", "Late Arrival")
	gate := make(chan struct{})
	auth.gate = gate
	rec := &recorder{}
	s := newTestSession(t, src, auth, rec)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.push("SLOW")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(auth.validations()) == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	close(gate)
	time.Sleep(20 * time.Millisecond)

	if got := s.Phase(); got != PhaseStopped {
		t.Errorf("phase = %v, want stopped after late outcome", got)
	}
	if events := rec.all(); len(events) != 0 {
		t.Errorf("events = %+v, want none", events)
	}
}

// Scenario: the camera dying mid-run puts the session in error with a
// reportable cause, and a validation that was on the wire when it died is
// discarded rather than applied to the dead session.
func TestSourceLossMidRunIsFatal(t *testing.T) {
	src := newFakeSource()
	auth := newFakeAuthority()
	auth.outcomes["SLOW"] = validOutcome("SLOW", "Late Arrival")
	gate := make(chan struct{})
	auth.gate = gate
	rec := &recorder{}
	s := newTestSession(t, src, auth, rec)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.push("SLOW")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(auth.validations()) == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	close(src.ch)
	waitPhase(t, s, PhaseError)
	if s.Err() == nil {
		t.Error("Err after source loss = nil, want a cause")
	}

	close(gate)
	time.Sleep(20 * time.Millisecond)

	if got := s.Phase(); got != PhaseError {
		t.Errorf("phase after late outcome = %v, want error", got)
	}
	if events := rec.all(); len(events) != 0 {
		t.Errorf("events = %+v, want none", events)
	}
}

// Scenario: two different tickets presented back to back validate
// concurrently; the same-token guard never serializes across tokens, and
// each in-flight slot releases on its own outcome.
func TestDifferentTokensValidateConcurrently(t *testing.T) {
	src := newFakeSource()
	auth := newFakeAuthority()
	auth.outcomes["T1"] = validate.Outcome{Status: validate.StatusNotFound, Message: "no ticket found"}
	auth.outcomes["T2"] = validate.Outcome{Status: validate.StatusNotFound, Message: "no ticket found"}
	gate := make(chan struct{})
	auth.gate = gate
	rec := &recorder{}
	s := newTestSession(t, src, auth, rec)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	src.push("T1")
	src.push("T2")

	// Both must reach the authority while the gate holds their responses:
	// two validations in flight at once.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(auth.validations()) == 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if got := auth.validations(); len(got) != 2 {
		t.Fatalf("validations in flight = %v, want T1 and T2 concurrently", got)
	}

	close(gate)

	for time.Now().Before(deadline) {
		if len(rec.all()) == 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("events = %+v, want one rejection per token", events)
	}
	seen := map[string]bool{}
	for _, e := range events {
		if e.Type != EventScanError {
			t.Errorf("event type = %v, want scan_error", e.Type)
		}
		seen[e.Token] = true
	}
	if !seen["T1"] || !seen["T2"] {
		t.Errorf("event tokens = %v, want both T1 and T2", seen)
	}
	if got := s.Stats().Validations; got != 2 {
		t.Errorf("Validations = %d, want 2", got)
	}
}

// Scenario: a failed commit keeps the candidate so the operator retries
// without re-scanning.
func TestCommitFailureAllowsRetry(t *testing.T) {
	src := newFakeSource()
	auth := newFakeAuthority()
	auth.outcomes["ABC"] = validOutcome("ABC", "Jane Doe")
	s := newTestSession(t, src, auth, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	src.push("ABC")
	waitPhase(t, s, PhaseAwaitingConfirmation)

	auth.mu.Lock()
	auth.commitErr = fmt.Errorf("server unreachable")
	auth.mu.Unlock()
	if err := s.Confirm(context.Background()); err == nil {
		t.Fatal("Confirm with failing commit should return error")
	}
	if got := s.Phase(); got != PhaseAwaitingConfirmation {
		t.Fatalf("phase after failed commit = %v, want awaiting_confirmation", got)
	}

	auth.mu.Lock()
	auth.commitErr = nil
	auth.mu.Unlock()
	if err := s.Confirm(context.Background()); err != nil {
		t.Fatalf("retry Confirm: %v", err)
	}
	waitPhase(t, s, PhaseRunning)
	if got := auth.committed(); len(got) != 2 {
		t.Errorf("commits = %d, want 2 (failed attempt plus retry)", len(got))
	}
}

// Scenario: session constructor rejects missing collaborators up front.
func TestNewSessionValidation(t *testing.T) {
	src := newFakeSource()
	auth := newFakeAuthority()
	if _, err := NewSession(Config{Authority: auth, EventID: "e"}); err == nil {
		t.Error("missing source should fail")
	}
	if _, err := NewSession(Config{Source: src, EventID: "e"}); err == nil {
		t.Error("missing authority should fail")
	}
	if _, err := NewSession(Config{Source: src, Authority: auth}); err == nil {
		t.Error("missing event id should fail")
	}
}
