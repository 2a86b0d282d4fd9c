package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/smartbell/call-manager/internal/device"
	"github.com/smartbell/call-manager/internal/media"
	"github.com/smartbell/call-manager/internal/models"
	"github.com/smartbell/call-manager/internal/repository"
	"github.com/smartbell/call-manager/internal/rooms"
	"github.com/smartbell/call-manager/internal/transport"
	"go.uber.org/zap"
)

// Prometheus metrics.
var (
	callsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calls_ended_total",
			Help: "The total number of terminated call attempts",
		},
		[]string{"outcome"},
	)
)

// ErrPoweredOff is returned when starting a call while the camera is off.
var ErrPoweredOff = errors.New("call: camera is powered off")

// ErrNoActiveCall is returned when no live session exists for an operation.
var ErrNoActiveCall = errors.New("call: no active call")

// CoordinatorConfig settings for a client coordinator.
type CoordinatorConfig struct {
	Room           string
	ClientType     string
	Transport      transport.Adapter
	Engine         media.Engine
	Device         *device.Controller
	Records        repository.CallRecordRepository
	ConnectTimeout time.Duration
	AutoAccept     bool
	Supervisor     SupervisorConfig
}

// Coordinator owns the per-room session registry and serializes all inbound
// transport events and media-engine callbacks onto one event loop. No two
// handlers for the same session run concurrently.
type Coordinator struct {
	room       string
	clientType string
	role       Role

	transport      transport.Adapter
	engine         media.Engine
	device         *device.Controller
	records        repository.CallRecordRepository
	registry       *rooms.Registry
	supervisor     *Supervisor
	connectTimeout time.Duration
	autoAccept     bool

	events          chan func()
	done            chan struct{}
	sessions        map[string]*Session
	connectTimers   map[string]*time.Timer
	statusListeners []func(message string)
	ringListeners   []func(ring models.RingBell)
}

// NewCoordinator creates a coordinator for one client process.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	role := RoleResponder
	if cfg.ClientType == models.ClientTypeCamera {
		role = RoleInitiator
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	c := &Coordinator{
		room:           cfg.Room,
		clientType:     cfg.ClientType,
		role:           role,
		transport:      cfg.Transport,
		engine:         cfg.Engine,
		device:         cfg.Device,
		records:        cfg.Records,
		connectTimeout: cfg.ConnectTimeout,
		autoAccept:     cfg.AutoAccept,
		events:         make(chan func(), 128),
		done:           make(chan struct{}),
		sessions:       make(map[string]*Session),
		connectTimers:  make(map[string]*time.Timer),
	}

	c.registry = rooms.NewRegistry(cfg.ClientType, c.transport.Emit)
	c.supervisor = NewSupervisor(cfg.Supervisor, c.transport, c, c.post)
	if c.device != nil {
		c.device.SetCallGuard(c)
	}

	c.registerHandlers()
	return c
}

// Registry exposes the room membership view.
func (c *Coordinator) Registry() *rooms.Registry {
	return c.registry
}

// OnStatus registers a listener for user-visible status messages.
func (c *Coordinator) OnStatus(listener func(message string)) {
	c.statusListeners = append(c.statusListeners, listener)
}

// OnRing registers a listener for incoming ring invitations (mobile side).
func (c *Coordinator) OnRing(listener func(ring models.RingBell)) {
	c.ringListeners = append(c.ringListeners, listener)
}

// Start connects to the relay and joins the configured room.
func (c *Coordinator) Start(ctx context.Context) error {
	err := c.transport.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to relay %w", err)
	}

	return c.perform(func() error {
		if c.device != nil {
			c.device.SetOnline(true)
		}
		return c.registry.Join(c.room)
	})
}

// Run processes the event loop until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case fn := <-c.events:
			fn()
		case <-ctx.Done():
			c.shutdown()
			return
		}
	}
}

func (c *Coordinator) shutdown() {
	for _, sess := range c.sessions {
		if !sess.State().Terminal() {
			sess.End(c.clientType)
		}
	}
	for _, timer := range c.connectTimers {
		timer.Stop()
	}

	err := c.transport.Close()
	if err != nil {
		log.Warn("failed to close transport", zap.Error(err))
	}
}

func (c *Coordinator) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

// perform runs fn on the event loop and waits for its result.
func (c *Coordinator) perform(fn func() error) error {
	result := make(chan error, 1)
	c.post(func() {
		result <- fn()
	})

	select {
	case err := <-result:
		return err
	case <-c.done:
		return errors.New("call: coordinator stopped")
	}
}

// PowerOn turns the camera on through the device controller.
func (c *Coordinator) PowerOn() error {
	return c.perform(func() error {
		if c.device == nil {
			return errors.New("call: no device controller configured")
		}

		c.device.HandleControlCommand(models.CameraControl{Command: models.CommandTurnOn})
		if !c.device.PoweredOn() {
			return errors.New("call: failed to power on camera")
		}
		return nil
	})
}

// RingDoorbell starts an invited call from the camera.
func (c *Coordinator) RingDoorbell() error {
	return c.perform(func() error {
		if c.role != RoleInitiator {
			return ErrInvalidTransition
		}
		if c.device != nil && !c.device.PoweredOn() {
			return ErrPoweredOff
		}

		sess := c.newSession(false)
		return sess.Ring()
	})
}

// StartWatch starts a direct negotiation without a ring invitation.
func (c *Coordinator) StartWatch() error {
	return c.perform(func() error {
		if c.role != RoleInitiator {
			return ErrInvalidTransition
		}
		if c.device != nil && !c.device.PoweredOn() {
			return ErrPoweredOff
		}
		if !c.registry.CounterpartAvailable() {
			return errors.New("call: no viewer present in room")
		}

		sess := c.newSession(true)
		return sess.StartDirect()
	})
}

// AcceptCall accepts a pending ring invitation on the mobile side.
func (c *Coordinator) AcceptCall() error {
	return c.perform(func() error {
		sess := c.activeSession()
		if sess == nil {
			return ErrNoActiveCall
		}
		return sess.Accept()
	})
}

// RefuseCall declines a pending ring invitation.
func (c *Coordinator) RefuseCall() error {
	return c.perform(func() error {
		sess := c.activeSession()
		if sess == nil {
			return ErrNoActiveCall
		}
		return sess.Refuse()
	})
}

// EndCall terminates the active call by local action.
func (c *Coordinator) EndCall() error {
	return c.perform(func() error {
		sess := c.activeSession()
		if sess == nil {
			return ErrNoActiveCall
		}
		return sess.End(c.clientType)
	})
}

// ForceEndActive implements device.CallGuard. It terminates a connected or
// negotiating session regardless of transport health.
func (c *Coordinator) ForceEndActive(reason string) bool {
	sess := c.activeSession()
	if sess == nil {
		return false
	}
	if sess.State() != StateConnected && !sess.State().Negotiating() {
		return false
	}

	sess.ForceEnd(c.clientType, reason)
	return true
}

// CanRecover implements RecoveryTarget.
func (c *Coordinator) CanRecover() bool {
	if !c.registry.Joined() || !c.registry.CounterpartAvailable() {
		return false
	}
	if c.device != nil && !c.device.PoweredOn() {
		return false
	}
	return true
}

// Rebuild implements RecoveryTarget. It restarts the call sequence from
// scratch with a brand-new session.
func (c *Coordinator) Rebuild(prev *Session) error {
	if c.role != RoleInitiator {
		// The responder waits for the camera to re-initiate.
		return nil
	}

	c.notifyStatus("attempting to restore the call")
	sess := c.newSession(prev.Direct)
	if prev.Direct {
		return sess.StartDirect()
	}
	return sess.Ring()
}

// newSession terminates and discards any previous session for the room and
// registers a fresh one.
func (c *Coordinator) newSession(direct bool) *Session {
	prev, ok := c.sessions[c.room]
	if ok && !prev.State().Terminal() {
		log.Info("terminating previous session before starting a new one",
			zap.String("sessionId", prev.ID))
		prev.End(c.clientType)
	}

	var tracks []media.Track
	if c.device != nil {
		tracks = c.device.Tracks()
	}

	sess := NewSession(SessionConfig{
		Room:   c.room,
		Role:   c.role,
		Engine: c.engine,
		Tracks: tracks,
		Emit:   c.transport.Emit,
		Post:   c.post,
		Direct: direct,
	})
	sess.Subscribe(c.onTransition)
	sess.Subscribe(c.supervisor.Observe)

	c.sessions[c.room] = sess
	if c.registry.Joined() {
		c.startConnectTimer(sess)
	}

	return sess
}

func (c *Coordinator) activeSession() *Session {
	sess, ok := c.sessions[c.room]
	if !ok || sess.State().Terminal() {
		return nil
	}
	return sess
}

func (c *Coordinator) onTransition(sess *Session, from, to State) {
	switch {
	case to == StateConnected && from != StateConnected:
		c.stopConnectTimer(sess)
		if c.device != nil {
			c.device.SetStreaming(true)
		}
		c.notifyStatus("call connected")
	case to.Terminal():
		c.stopConnectTimer(sess)
		if c.device != nil {
			c.device.SetStreaming(false)
		}
		c.finishSession(sess, to)
	}
}

func (c *Coordinator) finishSession(sess *Session, state State) {
	outcome := sess.Outcome()
	callsEnded.WithLabelValues(outcome).Inc()

	if state == StateFailed && sess.Cause() != CauseTimeout {
		c.notifyStatus("call failed: " + sess.Cause().String() + " error")
	} else if state == StateEnded {
		c.notifyStatus("call ended")
	}

	if c.records != nil {
		record := models.CallRecord{
			ID:        sess.ID,
			Room:      sess.Room,
			Role:      c.clientType,
			Outcome:   outcome,
			StartedAt: sess.CreatedAt(),
			EndedAt:   time.Now().UTC(),
		}
		go c.saveRecord(record)
	}
}

func (c *Coordinator) saveRecord(record models.CallRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.records.Save(ctx, record)
	if err != nil {
		log.Warn("failed to save call record",
			zap.String("callId", record.ID),
			zap.Error(err))
	}
}

func (c *Coordinator) startConnectTimer(sess *Session) {
	_, exists := c.connectTimers[sess.ID]
	if exists {
		return
	}

	c.connectTimers[sess.ID] = time.AfterFunc(c.connectTimeout, func() {
		c.post(func() {
			c.handleConnectTimeout(sess)
		})
	})
}

func (c *Coordinator) stopConnectTimer(sess *Session) {
	timer, ok := c.connectTimers[sess.ID]
	if !ok {
		return
	}

	timer.Stop()
	delete(c.connectTimers, sess.ID)
}

func (c *Coordinator) handleConnectTimeout(sess *Session) {
	delete(c.connectTimers, sess.ID)
	if sess.State() == StateConnected || sess.State().Terminal() {
		return
	}

	c.notifyStatus("connection timed out")
	sess.Timeout()
}

func (c *Coordinator) notifyStatus(message string) {
	log.Info("status: " + message)
	for _, listener := range c.statusListeners {
		listener(message)
	}
}
