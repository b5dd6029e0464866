package checkin

import (
	"time"

	"github.com/gatewise/gatescan/validate"
)

// EventType labels a feedback event.
type EventType string

const (
	// EventScanSuccess fires when a scanned ticket validates clean and the
	// session starts waiting for operator confirmation.
	EventScanSuccess EventType = "scan_success"
	// EventScanError fires when a scanned ticket is rejected or the
	// validation could not complete.
	EventScanError EventType = "scan_error"
	// EventCheckinConfirmed fires when a confirmed check-in commits.
	EventCheckinConfirmed EventType = "checkin_confirmed"
)

// Event is one feedback signal. The session emits each event synchronously,
// exactly once, at the moment of the transition that caused it. Rendering
// tones, haptics, or badges is the sink's business.
type Event struct {
	Type    EventType
	Token   string
	Outcome validate.Outcome
	At      time.Time
}

// Sink receives feedback events. Emit is called from the session's own
// goroutines and must not block for long.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// MultiSink fans one event out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

type nopSink struct{}

func (nopSink) Emit(Event) {}
