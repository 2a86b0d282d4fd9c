package call

// State of a call session. A session moves forward through the negotiation
// states and ends in exactly one of the terminal states.
type State int

// Session states.
const (
	StateIdle State = iota
	StateInviting
	StateAwaitingResponse
	StateOffering
	StateAnswering
	StateConnected
	StateEnded
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:             "IDLE",
	StateInviting:         "INVITING",
	StateAwaitingResponse: "AWAITING_RESPONSE",
	StateOffering:         "OFFERING",
	StateAnswering:        "ANSWERING",
	StateConnected:        "CONNECTED",
	StateEnded:            "ENDED",
	StateFailed:           "FAILED",
}

func (s State) String() string {
	name, ok := stateNames[s]
	if !ok {
		return "UNKNOWN"
	}
	return name
}

// Terminal reports whether the state allows no further transitions.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Negotiating reports whether the session is exchanging descriptions.
func (s State) Negotiating() bool {
	return s == StateOffering || s == StateAnswering
}

// forward transitions permitted per state. StateFailed is additionally
// reachable from every non-terminal state.
var transitions = map[State][]State{
	StateIdle:             {StateInviting, StateOffering, StateAnswering, StateEnded},
	StateInviting:         {StateAwaitingResponse, StateEnded},
	StateAwaitingResponse: {StateOffering, StateEnded},
	StateOffering:         {StateConnected, StateEnded},
	StateAnswering:        {StateConnected, StateEnded},
	StateConnected:        {StateEnded},
}

func validTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}

	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Role of the local participant in a call.
type Role int

// Roles. The camera device is always the offer originator, the mobile
// viewer always answers.
const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// FailureCause classifies why a session entered StateFailed.
type FailureCause int

// Failure causes.
const (
	CauseNone FailureCause = iota
	CauseTransport
	CauseTimeout
	CauseNegotiation
	CauseMedia
)

var causeNames = map[FailureCause]string{
	CauseNone:        "none",
	CauseTransport:   "transport",
	CauseTimeout:     "timeout",
	CauseNegotiation: "negotiation",
	CauseMedia:       "media",
}

func (c FailureCause) String() string {
	name, ok := causeNames[c]
	if !ok {
		return "unknown"
	}
	return name
}

// Recoverable reports whether the cause qualifies for automatic recovery.
// Negotiation and media failures are surfaced without retry.
func (c FailureCause) Recoverable() bool {
	return c == CauseTransport || c == CauseTimeout
}
