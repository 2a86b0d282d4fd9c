package media

import "errors"

// ErrCaptureBusy is returned when acquiring the capture device before a
// previous release has completed.
var ErrCaptureBusy = errors.New("media: capture device already acquired")

// ErrCaptureUnavailable is returned when the local capture device cannot be
// opened with the requested constraints.
var ErrCaptureUnavailable = errors.New("media: capture device unavailable")

// ConnectionState of the underlying peer transport.
type ConnectionState int

// Connection states.
const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

var connectionStateNames = map[ConnectionState]string{
	ConnectionNew:          "new",
	ConnectionConnecting:   "connecting",
	ConnectionConnected:    "connected",
	ConnectionDisconnected: "disconnected",
	ConnectionFailed:       "failed",
	ConnectionClosed:       "closed",
}

func (s ConnectionState) String() string {
	name, ok := connectionStateNames[s]
	if !ok {
		return "unknown"
	}
	return name
}

// Description session description produced or consumed during negotiation.
type Description struct {
	Type string
	SDP  string
}

// Candidate network reachability hint.
type Candidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex int
}

// Track opaque handle to a local media track. Produced by a Capture and
// consumed by the Engine implementation that understands it.
type Track interface{}

// SessionConfig settings for a single media session.
type SessionConfig struct {
	// Tracks local media attached before negotiation. Empty for a
	// receive-only viewer.
	Tracks []Track
}

// Session one negotiated media transport. Implementations deliver callbacks
// from their own goroutines, callers are expected to serialize them.
type Session interface {
	CreateOffer() (Description, error)
	CreateAnswer() (Description, error)
	SetRemoteDescription(desc Description) error
	AddCandidate(candidate Candidate) error
	RestartICE() (Description, error)
	OnConnectionStateChange(fn func(state ConnectionState))
	OnLocalCandidate(fn func(candidate Candidate))
	Close() error
}

// Engine factory for media sessions.
type Engine interface {
	NewSession(cfg SessionConfig) (Session, error)
}

// Constraints requested capture quality.
type Constraints struct {
	Width     int
	Height    int
	FrameRate int
}

// Reduced returns lowered constraints for the single retry after a failed
// acquisition.
func (c Constraints) Reduced() Constraints {
	return Constraints{
		Width:     c.Width / 2,
		Height:    c.Height / 2,
		FrameRate: c.FrameRate / 2,
	}
}

// Capture local media capture device. Only one holder at a time, acquisition
// is refused until a previous release has completed.
type Capture interface {
	Acquire(constraints Constraints) ([]Track, error)
	Release() error
	Acquired() bool
}
