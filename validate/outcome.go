package validate

import "time"

// Status classifies the result of validating a ticket token against the
// remote check-in authority.
//
// Business-rule rejections (used, wrong_event, too_early, not_found) are
// expected outcomes, not errors: they always carry a human-readable message
// and, where the semantics require it, contextual ticket metadata.
type Status int

const (
	// StatusValid means the ticket may be checked in now.
	StatusValid Status = iota
	// StatusUsed means the ticket was already checked in.
	StatusUsed
	// StatusWrongEvent means the ticket belongs to a different event.
	StatusWrongEvent
	// StatusTooEarly means check-in for this ticket has not opened yet.
	StatusTooEarly
	// StatusNotFound means the token matches no known ticket.
	StatusNotFound
	// StatusNetworkError means the authority could not be reached or
	// answered with an unreadable response. Transient: the next scan cycle
	// retries naturally.
	StatusNetworkError
)

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusUsed:
		return "used"
	case StatusWrongEvent:
		return "wrong_event"
	case StatusTooEarly:
		return "too_early"
	case StatusNotFound:
		return "not_found"
	case StatusNetworkError:
		return "network_error"
	default:
		return "network_error"
	}
}

// ParseStatus maps a wire status name to a Status. Unknown names map to
// StatusNetworkError so a server speaking a newer protocol degrades to a
// retryable outcome instead of a bogus admit.
func ParseStatus(s string) Status {
	switch s {
	case "valid":
		return StatusValid
	case "used":
		return StatusUsed
	case "wrong_event":
		return StatusWrongEvent
	case "too_early":
		return StatusTooEarly
	case "not_found":
		return StatusNotFound
	default:
		return StatusNetworkError
	}
}

// TicketMeta carries contextual ticket detail for outcomes whose semantics
// require it. For StatusValid the QRToken field is always populated so a
// later commit does not need to re-derive the token.
type TicketMeta struct {
	BuyerName         string     `json:"buyerName,omitempty"`
	TierName          string     `json:"tierName,omitempty"`
	Serial            string     `json:"serial,omitempty"`
	QRToken           string     `json:"qrToken,omitempty"`
	CheckedInAt       *time.Time `json:"checkedInAt,omitempty"`
	CheckedInBy       string     `json:"checkedInBy,omitempty"`
	EarliestCheckinAt *time.Time `json:"earliestCheckinAt,omitempty"`
	ActualEventTitle  string     `json:"actualEventTitle,omitempty"`
}

// Outcome is the classified result of validating one token. Exactly one
// status per outcome; Meta is nil for statuses that carry no detail
// (not_found, network_error).
type Outcome struct {
	Status  Status
	Message string
	Meta    *TicketMeta
}

// Valid reports whether the outcome admits the ticket (pending confirmation).
func (o Outcome) Valid() bool {
	return o.Status == StatusValid
}

// Transient reports whether the outcome is a transport-level failure that
// the next scan cycle may recover from, as opposed to a business rejection.
func (o Outcome) Transient() bool {
	return o.Status == StatusNetworkError
}

// networkError builds the transient outcome for a transport failure.
func networkError(err error) Outcome {
	msg := "check-in service unreachable"
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	return Outcome{Status: StatusNetworkError, Message: msg}
}

// EventStats is an aggregate attendance snapshot, read on the independent
// polling path. Eventually consistent with commits: a poll after a commit is
// expected to reflect it, but no ordering is guaranteed within one interval.
type EventStats struct {
	EventID      string    `json:"eventId"`
	CheckedIn    int       `json:"checkedIn"`
	TotalTickets int       `json:"totalTickets"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
