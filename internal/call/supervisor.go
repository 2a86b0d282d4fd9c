package call

import (
	"context"
	"time"

	"github.com/smartbell/call-manager/internal/media"
	"go.uber.org/zap"
)

// SupervisorConfig settings for the recovery supervisor.
type SupervisorConfig struct {
	// Delay before a recovery attempt starts.
	Delay time.Duration
	// MaxAttempts bounds consecutive recovery attempts per room. The
	// counter resets when a session reaches StateConnected.
	MaxAttempts int
	// ReconnectWait is how long a recovery attempt waits for the relay
	// transport to come back before giving up.
	ReconnectWait time.Duration
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.Delay == 0 {
		c.Delay = 3 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 1
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 30 * time.Second
	}
	return c
}

// Transport connectivity view required by the supervisor.
type Transport interface {
	Connected() bool
	WaitConnected(ctx context.Context) error
}

// RecoveryTarget hooks the supervisor uses to act on the owning coordinator.
type RecoveryTarget interface {
	// CanRecover checks room presence and local readiness.
	CanRecover() bool
	// Rebuild discards the failed session and restarts the call sequence
	// with a brand-new one.
	Rebuild(prev *Session) error
}

// Supervisor observes session transitions and drives bounded automatic
// recovery after transport-level failures. Scheduling callbacks re-enter the
// coordinator loop through post, all decision logic is loop-confined.
type Supervisor struct {
	cfg       SupervisorConfig
	transport Transport
	target    RecoveryTarget
	post      func(fn func())
	attempts  map[string]int
}

// NewSupervisor creates a recovery supervisor.
func NewSupervisor(cfg SupervisorConfig, transport Transport, target RecoveryTarget, post func(fn func())) *Supervisor {
	return &Supervisor{
		cfg:       cfg.withDefaults(),
		transport: transport,
		target:    target,
		post:      post,
		attempts:  make(map[string]int),
	}
}

// Observe is registered as a transition observer on every session.
func (s *Supervisor) Observe(sess *Session, from, to State) {
	if to == StateConnected && !sess.Degraded() {
		s.attempts[sess.Room] = 0
		return
	}

	if from == StateConnected && to == StateConnected && sess.Degraded() {
		s.scheduleRestart(sess)
		return
	}

	if to == StateFailed {
		s.scheduleRebuild(sess)
	}
}

// scheduleRestart handles transient media disconnection of a still-connected
// session with a lightweight ICE restart on the same media handle.
func (s *Supervisor) scheduleRestart(sess *Session) {
	if sess.ManuallyEnded() {
		return
	}

	log.Info("scheduling negotiation restart",
		zap.String("sessionId", sess.ID),
		zap.Duration("delay", s.cfg.Delay))

	time.AfterFunc(s.cfg.Delay, func() {
		s.post(func() {
			s.attemptRestart(sess)
		})
	})
}

func (s *Supervisor) attemptRestart(sess *Session) {
	if sess.ManuallyEnded() || sess.State().Terminal() {
		return
	}
	if !sess.Degraded() {
		// Transport recovered on its own in the meantime.
		return
	}
	if sess.Role != RoleInitiator {
		// Only the offer originator can restart negotiation. The responder
		// waits for the restarted offer or for the engine to report failure.
		return
	}

	err := sess.RestartNegotiation()
	if err != nil {
		log.Warn("negotiation restart failed, tearing down",
			zap.String("sessionId", sess.ID),
			zap.Error(err))
		sess.HandleConnectionState(media.ConnectionFailed)
	}
}

// scheduleRebuild handles a failed session by constructing a brand-new one,
// provided the failure is recoverable and attempts remain.
func (s *Supervisor) scheduleRebuild(sess *Session) {
	if sess.ManuallyEnded() {
		sess.Release()
		return
	}
	if !sess.Cause().Recoverable() {
		sess.Release()
		return
	}
	if s.attempts[sess.Room] >= s.cfg.MaxAttempts {
		log.Warn("recovery attempts exhausted",
			zap.String("sessionId", sess.ID),
			zap.String("room", sess.Room))
		sess.Release()
		return
	}
	s.attempts[sess.Room]++

	log.Info("scheduling session rebuild",
		zap.String("sessionId", sess.ID),
		zap.Duration("delay", s.cfg.Delay))

	time.AfterFunc(s.cfg.Delay, func() {
		s.post(func() {
			s.attemptRebuild(sess)
		})
	})
}

func (s *Supervisor) attemptRebuild(sess *Session) {
	if sess.ManuallyEnded() {
		sess.Release()
		return
	}

	// Transport reconnection strictly precedes session-level recovery.
	if !s.transport.Connected() {
		go s.awaitTransport(sess)
		return
	}

	if !s.target.CanRecover() {
		log.Info("skipping recovery, preconditions no longer hold",
			zap.String("sessionId", sess.ID))
		sess.Release()
		return
	}

	sess.Release()
	err := s.target.Rebuild(sess)
	if err != nil {
		log.Error("failed to rebuild session",
			zap.String("sessionId", sess.ID),
			zap.Error(err))
	}
}

func (s *Supervisor) awaitTransport(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReconnectWait)
	defer cancel()

	err := s.transport.WaitConnected(ctx)
	if err != nil {
		log.Warn("relay did not reconnect in time, abandoning recovery",
			zap.String("sessionId", sess.ID),
			zap.Error(err))
		s.post(func() {
			sess.Release()
		})
		return
	}

	s.post(func() {
		s.attemptRebuild(sess)
	})
}
