package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/CzarSimon/httputil/id"
	"github.com/CzarSimon/httputil/logger"
	"github.com/smartbell/call-manager/internal/media"
	"github.com/smartbell/call-manager/internal/models"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("call-manager/call")

// ErrInvalidTransition is returned when an operation is not allowed in the
// session's current state.
var ErrInvalidTransition = errors.New("call: operation not allowed in current state")

// Emitter sends events to the relay.
type Emitter func(event string, payload interface{}) error

// Observer is notified of every state transition.
type Observer func(s *Session, from, to State)

// SessionConfig settings for one call session.
type SessionConfig struct {
	Room   string
	Role   Role
	Engine media.Engine
	Tracks []media.Track
	Emit   Emitter
	// Post re-enters the owning event loop, used for media-engine callbacks.
	Post func(fn func())
	// Direct marks a session started without a ring invitation.
	Direct bool
	Now    func() time.Time
}

// Session drives one call attempt from invitation through negotiation to
// termination. All methods must be invoked from the owning event loop.
type Session struct {
	ID     string
	Room   string
	Role   Role
	Direct bool

	state                State
	cause                FailureCause
	outcome              string
	hasRemoteDescription bool
	mediaReady           bool
	manuallyEnded        bool
	degraded             bool
	endedBy              string
	createdAt            time.Time
	lastActivity         time.Time

	engine    media.Engine
	media     media.Session
	tracks    []media.Track
	queue     *candidateQueue
	emit      Emitter
	post      func(fn func())
	observers []Observer
	now       func() time.Time
}

// NewSession creates an idle session.
func NewSession(cfg SessionConfig) *Session {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	sessionID := id.New()
	s := &Session{
		ID:           sessionID,
		Room:         cfg.Room,
		Role:         cfg.Role,
		Direct:       cfg.Direct,
		state:        StateIdle,
		engine:       cfg.Engine,
		tracks:       cfg.Tracks,
		queue:        newCandidateQueue(sessionID),
		emit:         cfg.Emit,
		post:         cfg.Post,
		now:          now,
		createdAt:    now(),
		lastActivity: now(),
	}

	return s
}

// Subscribe registers a transition observer.
func (s *Session) Subscribe(observer Observer) {
	s.observers = append(s.observers, observer)
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Cause returns why the session failed, CauseNone otherwise.
func (s *Session) Cause() FailureCause {
	return s.cause
}

// Outcome returns the terminal outcome, empty while the session is live.
func (s *Session) Outcome() string {
	return s.outcome
}

// ManuallyEnded reports whether the session was terminated by explicit
// user or remote action.
func (s *Session) ManuallyEnded() bool {
	return s.manuallyEnded
}

// MediaReady reports whether the media transport reached a connected state.
func (s *Session) MediaReady() bool {
	return s.mediaReady
}

// HasRemoteDescription reports whether the remote description has been set.
func (s *Session) HasRemoteDescription() bool {
	return s.hasRemoteDescription
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// EndedBy returns who terminated the session.
func (s *Session) EndedBy() string {
	return s.endedBy
}

// Ring sends the doorbell invitation to the room.
func (s *Session) Ring() error {
	if s.Role != RoleInitiator || s.state != StateIdle {
		return ErrInvalidTransition
	}

	s.transition(StateInviting)
	err := s.emit(models.EventRingBell, models.RingBell{
		CameraCode: s.Room,
		Timestamp:  models.Timestamp(),
	})
	if err != nil {
		s.fail(CauseTransport, err)
		return err
	}

	s.transition(StateAwaitingResponse)
	return nil
}

// StartDirect begins negotiation without a ring invitation, used for
// viewer-requested watch sessions.
func (s *Session) StartDirect() error {
	if s.Role != RoleInitiator || s.state != StateIdle {
		return ErrInvalidTransition
	}

	return s.beginOffer()
}

// Accept acknowledges a ring invitation on the responder side and waits for
// the initiator's offer.
func (s *Session) Accept() error {
	if s.Role != RoleResponder || s.state != StateIdle {
		return ErrInvalidTransition
	}

	err := s.emit(models.EventCameraResponse, models.CameraResponse{
		Room:      s.Room,
		Response:  models.ResponseAccepted,
		Timestamp: models.Timestamp(),
	})
	if err != nil {
		s.fail(CauseTransport, err)
		return err
	}

	s.transition(StateAnswering)
	return nil
}

// Refuse declines a ring invitation and terminates the session.
func (s *Session) Refuse() error {
	if s.Role != RoleResponder || s.state != StateIdle {
		return ErrInvalidTransition
	}

	err := s.emit(models.EventCameraResponse, models.CameraResponse{
		Room:      s.Room,
		Response:  models.ResponseRefused,
		Timestamp: models.Timestamp(),
	})
	if err != nil {
		s.fail(CauseTransport, err)
		return err
	}

	s.endWith(models.OutcomeRefused, models.ClientTypeMobile)
	return nil
}

// HandleRingResponse processes the mobile's reply to a ring invitation.
// Acceptance is the trigger for the offer, there is no separate start
// message.
func (s *Session) HandleRingResponse(response models.CameraResponse) {
	if s.Role != RoleInitiator || s.state != StateAwaitingResponse {
		log.Warn("dropping ring response in unexpected state",
			zap.String("sessionId", s.ID),
			zap.String("state", s.state.String()))
		return
	}

	if response.Response != models.ResponseAccepted {
		log.Info("invitation refused", zap.String("sessionId", s.ID))
		s.endWith(models.OutcomeRefused, models.ClientTypeMobile)
		return
	}

	err := s.beginOffer()
	if err != nil {
		log.Error("failed to start negotiation", zap.String("sessionId", s.ID), zap.Error(err))
	}
}

func (s *Session) beginOffer() error {
	err := s.ensureMediaSession()
	if err != nil {
		s.fail(CauseMedia, err)
		return err
	}

	desc, err := s.media.CreateOffer()
	if err != nil {
		s.fail(CauseMedia, err)
		return err
	}

	err = s.emit(models.EventOffer, models.Offer{
		Room: s.Room,
		SDP:  models.SessionDescription{SDP: desc.SDP, Type: desc.Type},
	})
	if err != nil {
		s.fail(CauseTransport, err)
		return err
	}

	s.transition(StateOffering)
	return nil
}

// HandleOffer processes the initiator's offer on the responder side, sets
// the remote description, drains queued candidates and sends back exactly
// one answer.
func (s *Session) HandleOffer(offer models.Offer) {
	if s.Role != RoleResponder {
		log.Warn("dropping offer received by initiator", zap.String("sessionId", s.ID))
		return
	}
	if s.state != StateIdle && s.state != StateAnswering {
		log.Warn("dropping offer in unexpected state",
			zap.String("sessionId", s.ID),
			zap.String("state", s.state.String()))
		return
	}

	err := s.ensureMediaSession()
	if err != nil {
		s.fail(CauseMedia, err)
		return
	}

	err = s.setRemoteDescription(media.Description{Type: offer.SDP.Type, SDP: offer.SDP.SDP})
	if err != nil {
		s.fail(CauseNegotiation, err)
		return
	}

	desc, err := s.media.CreateAnswer()
	if err != nil {
		s.fail(CauseNegotiation, err)
		return
	}

	err = s.emit(models.EventAnswer, models.Answer{
		Room: s.Room,
		SDP:  models.SessionDescription{SDP: desc.SDP, Type: desc.Type},
	})
	if err != nil {
		s.fail(CauseTransport, err)
		return
	}

	if s.state == StateIdle {
		s.transition(StateAnswering)
	}
}

// HandleAnswer processes the responder's answer on the initiator side.
func (s *Session) HandleAnswer(answer models.Answer) {
	if s.Role != RoleInitiator || s.state != StateOffering {
		log.Warn("dropping answer in unexpected state",
			zap.String("sessionId", s.ID),
			zap.String("state", s.state.String()))
		return
	}

	err := s.setRemoteDescription(media.Description{Type: answer.SDP.Type, SDP: answer.SDP.SDP})
	if err != nil {
		s.fail(CauseNegotiation, err)
	}
}

func (s *Session) setRemoteDescription(desc media.Description) error {
	err := s.media.SetRemoteDescription(desc)
	if err != nil {
		return err
	}

	s.hasRemoteDescription = true
	s.lastActivity = s.now()
	if pending := s.queue.size(); pending > 0 {
		log.Info("draining buffered candidates",
			zap.String("sessionId", s.ID),
			zap.Int("count", pending))
	}
	s.queue.drain(s.applyCandidate)
	return nil
}

// HandleCandidate applies a remote candidate, or buffers it until the remote
// description has been set. Candidates for a terminated session are silently
// discarded.
func (s *Session) HandleCandidate(candidate models.ICECandidate) {
	if s.state.Terminal() {
		return
	}

	if s.hasRemoteDescription && s.media != nil {
		err := s.applyCandidate(candidate)
		if err != nil {
			log.Warn("failed to apply candidate",
				zap.String("sessionId", s.ID),
				zap.Error(err))
		}
		return
	}

	s.queue.offer(candidate)
}

func (s *Session) applyCandidate(candidate models.ICECandidate) error {
	return s.media.AddCandidate(media.Candidate{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
}

// HandleConnectionState reacts to media transport state changes.
func (s *Session) HandleConnectionState(state media.ConnectionState) {
	switch state {
	case media.ConnectionConnected:
		s.handleConnected()
	case media.ConnectionDisconnected:
		s.handleDisconnected()
	case media.ConnectionFailed:
		if !s.state.Terminal() {
			s.fail(CauseTransport, errors.New("media transport failed"))
		}
	}
}

func (s *Session) handleConnected() {
	s.degraded = false
	if s.state == StateConnected || s.state.Terminal() {
		return
	}

	if !s.state.Negotiating() {
		log.Warn("ignoring connected signal outside negotiation",
			zap.String("sessionId", s.ID),
			zap.String("state", s.state.String()))
		return
	}
	if !s.hasRemoteDescription {
		log.Error("connected signal before remote description, ignoring",
			zap.String("sessionId", s.ID))
		return
	}

	s.mediaReady = true
	s.transition(StateConnected)
}

func (s *Session) handleDisconnected() {
	if s.state != StateConnected {
		return
	}

	// Transient loss. The session stays connected and the recovery
	// supervisor decides whether to restart negotiation.
	s.degraded = true
	log.Warn("media transport disconnected", zap.String("sessionId", s.ID))
	for _, observer := range s.observers {
		observer(s, StateConnected, StateConnected)
	}
}

// Degraded reports whether the connected session has observed a transient
// transport loss.
func (s *Session) Degraded() bool {
	return s.degraded
}

// RestartNegotiation performs a lightweight ICE restart on the live media
// handle and re-sends the offer. Only available to a connected initiator.
func (s *Session) RestartNegotiation() error {
	if s.Role != RoleInitiator || s.state != StateConnected || s.media == nil {
		return ErrInvalidTransition
	}

	desc, err := s.media.RestartICE()
	if err != nil {
		return fmt.Errorf("ice restart failed %w", err)
	}

	err = s.emit(models.EventOffer, models.Offer{
		Room: s.Room,
		SDP:  models.SessionDescription{SDP: desc.SDP, Type: desc.Type},
	})
	if err != nil {
		return err
	}

	log.Info("restarted negotiation", zap.String("sessionId", s.ID))
	return nil
}

// End terminates the call by local action and announces it to the room.
// Ending an already failed session still marks it as manually ended, which
// suppresses any recovery attempt in flight.
func (s *Session) End(endedBy string) error {
	if s.state == StateFailed {
		s.manuallyEnded = true
		s.release()
		return nil
	}
	if s.state.Terminal() {
		return nil
	}

	s.manuallyEnded = true
	err := s.emit(models.EventEndCall, models.EndCall{Room: s.Room})
	if err != nil {
		log.Warn("failed to announce call end", zap.String("sessionId", s.ID), zap.Error(err))
	}

	s.endWith(models.OutcomeEnded, endedBy)
	return nil
}

// ForceEnd terminates the call unconditionally, bypassing the end_call
// round-trip. Used when the camera is powered off mid-call.
func (s *Session) ForceEnd(endedBy, reason string) {
	if s.state.Terminal() {
		return
	}

	s.manuallyEnded = true
	err := s.emit(models.EventCallEnded, models.CallEnded{Room: s.Room, EndedBy: endedBy})
	if err != nil {
		log.Warn("failed to announce forced call end", zap.String("sessionId", s.ID), zap.Error(err))
	}

	log.Info("call force-ended",
		zap.String("sessionId", s.ID),
		zap.String("reason", reason))
	s.endWith(models.OutcomeEnded, endedBy)
}

// HandleRemoteEnded terminates the call after a remote call_ended message.
func (s *Session) HandleRemoteEnded(ended models.CallEnded) {
	if s.state.Terminal() {
		return
	}

	s.manuallyEnded = true
	s.endWith(models.OutcomeEnded, ended.EndedBy)
}

// HandleTransportDown fails the session after the relay connection was lost.
func (s *Session) HandleTransportDown(err error) {
	if s.state.Terminal() {
		return
	}

	s.fail(CauseTransport, err)
}

// Timeout marks the session as failed after the connect window expired.
func (s *Session) Timeout() {
	if s.state.Terminal() || s.state == StateConnected {
		return
	}

	s.outcome = models.OutcomeTimedOut
	s.fail(CauseTimeout, errors.New("connection timed out"))
}

func (s *Session) endWith(outcome, endedBy string) {
	s.outcome = outcome
	s.endedBy = endedBy
	s.release()
	s.transition(StateEnded)
}

func (s *Session) fail(cause FailureCause, err error) {
	if s.state.Terminal() {
		return
	}

	log.Warn("session failed",
		zap.String("sessionId", s.ID),
		zap.String("cause", cause.String()),
		zap.Error(err))

	s.cause = cause
	if s.outcome == "" {
		s.outcome = models.OutcomeFailed
	}

	// Recoverable failures keep the media handle alive for the supervisor,
	// which either restarts on it or releases it. Everything else releases
	// immediately.
	if !cause.Recoverable() || s.manuallyEnded {
		s.release()
	} else {
		s.queue.close()
		s.mediaReady = false
	}

	s.transition(StateFailed)
}

// Release closes the media handle and discards queued candidates. Safe to
// call repeatedly.
func (s *Session) Release() {
	s.release()
}

func (s *Session) release() {
	s.queue.close()
	s.mediaReady = false
	if s.media == nil {
		return
	}

	err := s.media.Close()
	if err != nil {
		log.Warn("failed to close media session", zap.String("sessionId", s.ID), zap.Error(err))
	}
	s.media = nil
}

func (s *Session) ensureMediaSession() error {
	if s.media != nil {
		return nil
	}

	ms, err := s.engine.NewSession(media.SessionConfig{Tracks: s.tracks})
	if err != nil {
		return fmt.Errorf("failed to create media session %w", err)
	}

	ms.OnConnectionStateChange(func(state media.ConnectionState) {
		s.post(func() {
			s.HandleConnectionState(state)
		})
	})
	ms.OnLocalCandidate(func(candidate media.Candidate) {
		s.post(func() {
			s.emitLocalCandidate(candidate)
		})
	})

	s.media = ms
	return nil
}

func (s *Session) emitLocalCandidate(candidate media.Candidate) {
	if s.state.Terminal() {
		return
	}

	err := s.emit(models.EventICECandidate, models.ICECandidate{
		Room:          s.Room,
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
	if err != nil {
		log.Warn("failed to send local candidate", zap.String("sessionId", s.ID), zap.Error(err))
	}
}

func (s *Session) transition(to State) {
	from := s.state
	if from == to {
		return
	}
	if !validTransition(from, to) {
		log.Error("invalid state transition",
			zap.String("sessionId", s.ID),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		return
	}

	s.state = to
	s.lastActivity = s.now()
	log.Info("session state changed",
		zap.String("sessionId", s.ID),
		zap.String("room", s.Room),
		zap.String("from", from.String()),
		zap.String("to", to.String()))

	for _, observer := range s.observers {
		observer(s, from, to)
	}
}
