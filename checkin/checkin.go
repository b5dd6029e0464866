// Package checkin drives the scan-to-check-in state machine for one gate.
//
// Philosophy: the session never blocks the decode stream. Validations run
// concurrently with scanning, rejected tickets clear themselves after a
// short display window, and a late network response for a session that has
// moved on is discarded rather than applied.
//
// Lifecycle: idle, starting, running, awaiting_confirmation, confirming,
// stopped, with error reserved for fatal camera failures. Start and Stop
// are idempotent at the API boundary so duplicate operator taps are safe.
package checkin

import (
	"context"

	"github.com/gatewise/gatescan/validate"
)

// Phase is the session's externally visible state.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseAwaitingConfirmation
	PhaseConfirming
	PhaseError
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseAwaitingConfirmation:
		return "awaiting_confirmation"
	case PhaseConfirming:
		return "confirming"
	case PhaseError:
		return "error"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Authority validates scanned tokens and commits check-ins. *validate.Client
// is the production implementation.
type Authority interface {
	ValidateQR(ctx context.Context, token, eventID string) validate.Outcome
	CheckIn(ctx context.Context, req validate.CheckInRequest) error
}

// SessionStats is an operational snapshot of one session.
type SessionStats struct {
	Phase       string `json:"phase"`
	Decodes     uint64 `json:"decodes"`
	Deduped     uint64 `json:"deduped"`
	Validations uint64 `json:"validations"`
	Accepted    uint64 `json:"accepted"`
	Rejected    uint64 `json:"rejected"`
	Commits     uint64 `json:"commits"`
}
