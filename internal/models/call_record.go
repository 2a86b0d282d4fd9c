package models

import (
	"fmt"
	"time"
)

// Call outcomes.
const (
	OutcomeAnswered = "ANSWERED"
	OutcomeRefused  = "REFUSED"
	OutcomeEnded    = "ENDED"
	OutcomeFailed   = "FAILED"
	OutcomeTimedOut = "TIMED_OUT"
)

// CallRecord summary of one terminated call attempt.
type CallRecord struct {
	ID        string
	Room      string
	Role      string
	Outcome   string
	StartedAt time.Time
	EndedAt   time.Time
}

func (r CallRecord) String() string {
	return fmt.Sprintf(
		"CallRecord(id=%s, room=%s, role=%s, outcome=%s, startedAt=%v, endedAt=%v)",
		r.ID,
		r.Room,
		r.Role,
		r.Outcome,
		r.StartedAt,
		r.EndedAt,
	)
}

// Duration length of the call attempt.
func (r CallRecord) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}
