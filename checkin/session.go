package checkin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatewise/gatescan/dedup"
	"github.com/gatewise/gatescan/framesource"
	"github.com/gatewise/gatescan/token"
	"github.com/gatewise/gatescan/validate"
)

// DefaultDisplayWindow is how long a rejection outcome stays visible before
// it silently clears and the lane is ready for the next scan.
const DefaultDisplayWindow = 5 * time.Second

// Config wires one session.
type Config struct {
	// Source yields decoded QR payloads. Required.
	Source framesource.Source
	// Authority validates tokens and commits check-ins. Required.
	Authority Authority
	// EventID scopes every validation and commit. Required.
	EventID string
	// Operator is recorded as the check-in actor on commits.
	Operator string
	// Cooldown suppresses repeat decodes of the same token.
	// Default dedup.DefaultCooldown.
	Cooldown time.Duration
	// DisplayWindow bounds how long a rejection stays visible.
	// Default DefaultDisplayWindow.
	DisplayWindow time.Duration
	// Sink receives feedback events. Optional.
	Sink Sink
	// OnCommit runs after every successful commit, outside the session
	// lock. Hook for stats refresh. Optional.
	OnCommit func()
}

func (c *Config) validate() error {
	if c.Source == nil {
		return fmt.Errorf("checkin: source is required")
	}
	if c.Authority == nil {
		return fmt.Errorf("checkin: authority is required")
	}
	if c.EventID == "" {
		return fmt.Errorf("checkin: event id is required")
	}
	return nil
}

// Session is the scan-to-check-in state machine for one gate. All state is
// owned by the instance; two sessions never interfere except through the
// camera itself.
//
// Methods are safe for concurrent use.
type Session struct {
	cfg    Config
	source framesource.Source
	auth   Authority
	sink   Sink
	filter *dedup.Filter
	window time.Duration

	mu          sync.Mutex
	phase       Phase
	gen         uint64 // bumped on Stop; stale async results check it
	inflight    map[string]struct{}
	lastToken   string
	lastOutcome *validate.Outcome
	fatalErr    error
	runCtx      context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	decodes     uint64
	deduped     uint64
	validations uint64
	accepted    uint64
	rejected    uint64
	commits     uint64
}

// NewSession creates a session with fail-fast validation. The camera is not
// touched until Start.
func NewSession(cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.DisplayWindow <= 0 {
		cfg.DisplayWindow = DefaultDisplayWindow
	}
	sink := cfg.Sink
	if sink == nil {
		sink = nopSink{}
	}
	return &Session{
		cfg:      cfg,
		source:   cfg.Source,
		auth:     cfg.Authority,
		sink:     sink,
		filter:   dedup.New(cfg.Cooldown),
		window:   cfg.DisplayWindow,
		phase:    PhaseIdle,
		inflight: make(map[string]struct{}),
	}, nil
}

// Start acquires the frame source and begins processing decodes. Calling
// Start on a session that is already starting or live is a no-op, so
// duplicate operator taps are harmless. A session in error or stopped can
// be started again.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.phase {
	case PhaseIdle, PhaseStopped, PhaseError:
	default:
		s.mu.Unlock()
		return nil
	}
	s.phase = PhaseStarting
	s.fatalErr = nil
	s.lastToken = ""
	s.lastOutcome = nil
	gen := s.gen
	s.mu.Unlock()

	decodes, err := s.source.Start(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		// Stopped while the camera was coming up. Release the handle and
		// stay down.
		if err == nil {
			s.source.Stop()
		}
		return nil
	}
	if err != nil {
		s.phase = PhaseError
		s.fatalErr = err
		slog.Error("checkin: session start failed", "event_id", s.cfg.EventID, "error", err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.runCtx = runCtx
	s.cancel = cancel
	s.phase = PhaseRunning

	slog.Info("checkin: session running",
		"event_id", s.cfg.EventID,
		"operator", s.cfg.Operator,
		"cooldown", s.filter.Cooldown(),
	)

	s.wg.Add(1)
	go s.consume(runCtx, decodes)
	return nil
}

// consume drains the decode stream until it closes or the run is cancelled.
func (s *Session) consume(ctx context.Context, decodes <-chan framesource.Decode) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-decodes:
			if !ok {
				s.sourceGone()
				return
			}
			s.handleDecode(ctx, d)
		}
	}
}

// sourceGone reacts to the decode channel closing underneath a live run,
// which means the camera died. Operator restart required.
func (s *Session) sourceGone() {
	s.mu.Lock()
	if s.phase != PhaseRunning && s.phase != PhaseAwaitingConfirmation && s.phase != PhaseConfirming {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.phase = PhaseError
	if err := s.source.Err(); err != nil {
		s.fatalErr = err
	} else {
		s.fatalErr = fmt.Errorf("checkin: frame source stopped unexpectedly")
	}
	if s.cancel != nil {
		s.cancel()
	}
	err := s.fatalErr
	s.mu.Unlock()

	slog.Error("checkin: frame source lost", "event_id", s.cfg.EventID, "error", err)
}

func (s *Session) handleDecode(ctx context.Context, d framesource.Decode) {
	atomic.AddUint64(&s.decodes, 1)
	tok := token.Normalize(d.Payload)
	if tok == "" {
		return
	}

	s.mu.Lock()
	if s.phase != PhaseRunning {
		// Awaiting confirmation or mid-commit: the lane has a candidate,
		// new scans wait for the cooldown anyway.
		s.mu.Unlock()
		return
	}
	if !s.filter.ShouldProcess(tok, d.At) {
		s.mu.Unlock()
		atomic.AddUint64(&s.deduped, 1)
		return
	}
	if _, busy := s.inflight[tok]; busy {
		s.mu.Unlock()
		atomic.AddUint64(&s.deduped, 1)
		return
	}
	s.inflight[tok] = struct{}{}
	gen := s.gen
	s.mu.Unlock()

	atomic.AddUint64(&s.validations, 1)
	go s.runValidation(ctx, gen, tok, d.TraceID)
}

// runValidation performs one network validation and applies the outcome.
// Different tokens validate concurrently; the same token is guarded by the
// inflight set until its outcome returns.
func (s *Session) runValidation(ctx context.Context, gen uint64, tok, traceID string) {
	outcome := s.auth.ValidateQR(ctx, tok, s.cfg.EventID)

	s.mu.Lock()
	delete(s.inflight, tok)
	if s.gen != gen || s.phase != PhaseRunning {
		// Session stopped, failed, or another scan won while this one was
		// on the wire. Late result is dropped, not applied.
		s.mu.Unlock()
		return
	}

	now := time.Now()
	if outcome.Valid() {
		atomic.AddUint64(&s.accepted, 1)
		s.phase = PhaseAwaitingConfirmation
		s.lastToken = tok
		o := outcome
		s.lastOutcome = &o
		s.mu.Unlock()

		slog.Info("checkin: ticket valid",
			"event_id", s.cfg.EventID,
			"trace_id", traceID,
			"buyer", outcome.Meta.BuyerName,
		)
		s.sink.Emit(Event{Type: EventScanSuccess, Token: tok, Outcome: outcome, At: now})
		return
	}

	atomic.AddUint64(&s.rejected, 1)
	o := outcome
	s.lastOutcome = &o
	s.scheduleClear(gen, &o)
	s.mu.Unlock()

	slog.Warn("checkin: ticket rejected",
		"event_id", s.cfg.EventID,
		"trace_id", traceID,
		"status", outcome.Status.String(),
		"message", outcome.Message,
	)
	s.sink.Emit(Event{Type: EventScanError, Token: tok, Outcome: outcome, At: now})
}

// scheduleClear arms the display window for a rejection. Caller holds mu.
// The timer only clears the exact outcome it was armed for; anything newer
// stays.
func (s *Session) scheduleClear(gen uint64, o *validate.Outcome) {
	time.AfterFunc(s.window, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen == gen && s.lastOutcome == o {
			s.lastOutcome = nil
		}
	})
}

// Confirm commits the candidate awaiting confirmation. Outside
// awaiting_confirmation it is a no-op and issues no network call. On commit
// failure the session returns to awaiting_confirmation so the operator can
// retry without re-scanning.
func (s *Session) Confirm(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhaseAwaitingConfirmation || s.lastOutcome == nil || s.lastOutcome.Meta == nil {
		s.mu.Unlock()
		return nil
	}
	s.phase = PhaseConfirming
	gen := s.gen
	tok := s.lastToken
	qrToken := s.lastOutcome.Meta.QRToken
	outcome := *s.lastOutcome
	s.mu.Unlock()

	err := s.auth.CheckIn(ctx, validate.CheckInRequest{
		QRToken:   qrToken,
		EventID:   s.cfg.EventID,
		CheckInBy: s.cfg.Operator,
	})

	s.mu.Lock()
	if s.gen != gen || s.phase != PhaseConfirming {
		// Stopped mid-commit. Whatever the server decided, this session is
		// done with the candidate.
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.phase = PhaseAwaitingConfirmation
		s.mu.Unlock()
		slog.Warn("checkin: commit failed", "event_id", s.cfg.EventID, "error", err)
		return err
	}

	atomic.AddUint64(&s.commits, 1)
	s.phase = PhaseRunning
	s.lastToken = ""
	s.lastOutcome = nil
	s.mu.Unlock()

	slog.Info("checkin: checked in",
		"event_id", s.cfg.EventID,
		"operator", s.cfg.Operator,
		"buyer", outcome.Meta.BuyerName,
	)
	s.sink.Emit(Event{Type: EventCheckinConfirmed, Token: tok, Outcome: outcome, At: time.Now()})
	if s.cfg.OnCommit != nil {
		s.cfg.OnCommit()
	}
	return nil
}

// Stop halts the session and releases the frame source. Idempotent. Any
// in-flight validation or commit result arriving after Stop is discarded.
func (s *Session) Stop() error {
	s.mu.Lock()
	switch s.phase {
	case PhaseIdle, PhaseStopped:
		s.mu.Unlock()
		return nil
	}
	s.gen++
	s.phase = PhaseStopped
	s.lastToken = ""
	s.lastOutcome = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	err := s.source.Stop()
	s.wg.Wait()
	s.filter.Reset()

	slog.Info("checkin: session stopped", "event_id", s.cfg.EventID)
	return err
}

// Phase reports the session's current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Err returns the fatal error that put the session in the error phase,
// or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// LastOutcome returns the outcome currently on display, or nil. For a valid
// ticket this is the candidate awaiting confirmation; for a rejection it
// clears on its own after the display window.
func (s *Session) LastOutcome() *validate.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastOutcome == nil {
		return nil
	}
	o := *s.lastOutcome
	return &o
}

// Stats returns an operational snapshot.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	phase := s.phase
	s.mu.Unlock()
	return SessionStats{
		Phase:       phase.String(),
		Decodes:     atomic.LoadUint64(&s.decodes),
		Deduped:     atomic.LoadUint64(&s.deduped),
		Validations: atomic.LoadUint64(&s.validations),
		Accepted:    atomic.LoadUint64(&s.accepted),
		Rejected:    atomic.LoadUint64(&s.rejected),
		Commits:     atomic.LoadUint64(&s.commits),
	}
}
