package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/smartbell/call-manager/internal/device"
	"github.com/smartbell/call-manager/internal/media"
	"github.com/smartbell/call-manager/internal/models"
	"github.com/smartbell/call-manager/internal/transport"
	"github.com/stretchr/testify/assert"
)

func TestCameraCallFlow(t *testing.T) {
	assert := assert.New(t)
	env := newCameraEnv(t, CoordinatorConfig{})
	defer env.stop()

	err := env.coordinator.Start(context.Background())
	assert.NoError(err)
	assert.Equal(1, env.adapter.count(models.EventJoinRoom))

	env.receive(t, models.EventJoinedRoom, models.JoinedRoom{
		Room:            "camera-1",
		CameraAvailable: true,
		MobileAvailable: true,
	})
	env.barrier()
	assert.True(env.coordinator.Registry().Joined())

	err = env.coordinator.PowerOn()
	assert.NoError(err)
	assert.Equal(1, env.adapter.count(models.EventCameraTurnedOn))

	err = env.coordinator.RingDoorbell()
	assert.NoError(err)
	assert.Equal(1, env.adapter.count(models.EventRingBell))

	env.receive(t, models.EventCameraResponse, models.CameraResponse{
		Room:     "camera-1",
		Response: models.ResponseAccepted,
	})
	env.barrier()
	assert.Equal(1, env.adapter.count(models.EventOffer))

	env.receive(t, models.EventAnswer, answerPayload())
	env.barrier()

	sess := env.session()
	assert.NotNil(sess)
	assert.True(sess.HasRemoteDescription())

	env.connectMedia(t)
	assert.Equal(StateConnected, env.session().State())

	update, ok := env.adapter.last(models.EventCameraStatusUpdate).(models.CameraStatusUpdate)
	assert.True(ok)
	assert.Equal(models.StatusStreaming, update.Status)
}

func TestPowerOffDuringCall(t *testing.T) {
	assert := assert.New(t)
	env := newCameraEnv(t, CoordinatorConfig{})
	defer env.stop()

	env.startConnectedCall(t)
	assert.Equal(0, env.adapter.count(models.EventCallEnded))

	env.receive(t, models.EventCameraControl, models.CameraControl{Command: models.CommandTurnOff})
	env.barrier()

	// Power-off wins over the active call: the call is terminated with
	// exactly one call_ended and the command gets exactly one acknowledgement.
	assert.Equal(1, env.adapter.count(models.EventCallEnded))
	assert.Equal(0, env.adapter.count(models.EventEndCall))
	assert.Equal(StateEnded, env.sessionAny().State())
	assert.Equal(1, env.capture.releaseCount())

	acks := env.adapter.payloads(models.EventCameraControlRes)
	turnOffAcks := 0
	for _, raw := range acks {
		ack, ok := raw.(models.CameraControlResponse)
		assert.True(ok)
		if ack.Command == models.CommandTurnOff {
			turnOffAcks++
			assert.True(ack.Success)
		}
	}
	assert.Equal(1, turnOffAcks)

	update, ok := env.adapter.last(models.EventCameraStatusUpdate).(models.CameraStatusUpdate)
	assert.True(ok)
	assert.Equal(models.StatusOff, update.Status)
	assert.False(update.IsCameraOn)
}

func TestRingRequiresPower(t *testing.T) {
	assert := assert.New(t)
	env := newCameraEnv(t, CoordinatorConfig{})
	defer env.stop()

	err := env.coordinator.Start(context.Background())
	assert.NoError(err)

	err = env.coordinator.RingDoorbell()
	assert.Equal(ErrPoweredOff, err)
	assert.Equal(0, env.adapter.count(models.EventRingBell))
}

func TestAcceptedCallRefusedWhilePoweredOff(t *testing.T) {
	assert := assert.New(t)
	env := newCameraEnv(t, CoordinatorConfig{})
	defer env.stop()

	err := env.coordinator.Start(context.Background())
	assert.NoError(err)
	env.receive(t, models.EventJoinedRoom, models.JoinedRoom{Room: "camera-1", CameraAvailable: true, MobileAvailable: true})

	err = env.coordinator.PowerOn()
	assert.NoError(err)
	err = env.coordinator.RingDoorbell()
	assert.NoError(err)

	// The camera is powered off while the invitation is pending.
	env.receive(t, models.EventCameraControl, models.CameraControl{Command: models.CommandTurnOff})
	env.barrier()

	env.receive(t, models.EventCameraResponse, models.CameraResponse{
		Room:     "camera-1",
		Response: models.ResponseAccepted,
	})
	env.barrier()

	assert.Equal(0, env.adapter.count(models.EventOffer))
	assert.Equal(StateEnded, env.sessionAny().State())
	assert.Equal(1, env.adapter.count(models.EventCallEnded))
}

func TestConnectTimeout(t *testing.T) {
	assert := assert.New(t)
	env := newCameraEnv(t, CoordinatorConfig{ConnectTimeout: 30 * time.Millisecond})
	defer env.stop()

	var mu sync.Mutex
	var statuses []string
	env.coordinator.OnStatus(func(message string) {
		mu.Lock()
		statuses = append(statuses, message)
		mu.Unlock()
	})

	err := env.coordinator.Start(context.Background())
	assert.NoError(err)
	env.receive(t, models.EventJoinedRoom, models.JoinedRoom{Room: "camera-1", CameraAvailable: true, MobileAvailable: true})

	err = env.coordinator.PowerOn()
	assert.NoError(err)
	err = env.coordinator.RingDoorbell()
	assert.NoError(err)

	waitFor(t, func() bool {
		sess := env.sessionAny()
		return sess != nil && sess.State() == StateFailed
	})
	assert.Equal(models.OutcomeTimedOut, env.sessionAny().Outcome())
	assert.Equal(CauseTimeout, env.sessionAny().Cause())

	mu.Lock()
	defer mu.Unlock()
	timeouts := 0
	for _, message := range statuses {
		if message == "connection timed out" {
			timeouts++
		}
	}
	assert.Equal(1, timeouts)
}

func TestSingleActiveSessionPerRoom(t *testing.T) {
	assert := assert.New(t)
	env := newCameraEnv(t, CoordinatorConfig{})
	defer env.stop()

	err := env.coordinator.Start(context.Background())
	assert.NoError(err)
	env.receive(t, models.EventJoinedRoom, models.JoinedRoom{Room: "camera-1", CameraAvailable: true, MobileAvailable: true})

	err = env.coordinator.PowerOn()
	assert.NoError(err)

	err = env.coordinator.StartWatch()
	assert.NoError(err)
	first := env.session()
	assert.Equal(StateOffering, first.State())

	// Starting a new watch terminates the previous attempt first.
	err = env.coordinator.StartWatch()
	assert.NoError(err)
	second := env.session()
	assert.NotEqual(first.ID, second.ID)
	assert.Equal(StateEnded, first.State())
	assert.Equal(StateOffering, second.State())
	assert.Equal(2, env.adapter.count(models.EventOffer))
}

func TestMobileAutoAccept(t *testing.T) {
	assert := assert.New(t)
	env := newMobileEnv(t, true)
	defer env.stop()

	var mu sync.Mutex
	rings := 0
	env.coordinator.OnRing(func(ring models.RingBell) {
		mu.Lock()
		rings++
		mu.Unlock()
	})

	err := env.coordinator.Start(context.Background())
	assert.NoError(err)
	env.receive(t, models.EventJoinedRoom, models.JoinedRoom{Room: "camera-1", CameraAvailable: true, MobileAvailable: true})

	env.receive(t, models.EventRingBell, models.RingBell{CameraCode: "camera-1", Timestamp: models.Timestamp()})
	env.barrier()

	mu.Lock()
	assert.Equal(1, rings)
	mu.Unlock()

	response, ok := env.adapter.last(models.EventCameraResponse).(models.CameraResponse)
	assert.True(ok)
	assert.Equal(models.ResponseAccepted, response.Response)
	assert.Equal(StateAnswering, env.session().State())

	// Early candidates buffer until the offer arrives, then apply in order.
	for i := 1; i <= 3; i++ {
		env.receive(t, models.EventICECandidate, models.ICECandidate{
			Room:          "camera-1",
			Candidate:     fmt.Sprintf("candidate-%d", i),
			SDPMid:        "0",
			SDPMLineIndex: 0,
		})
	}
	env.barrier()
	assert.Empty(env.engine.sessions)

	env.receive(t, models.EventOffer, offerPayload())
	env.barrier()
	assert.Equal(1, env.adapter.count(models.EventAnswer))

	ms := env.engine.sessions[0]
	assert.Len(ms.candidates, 3)
	for i, candidate := range ms.candidates {
		assert.Equal(fmt.Sprintf("candidate-%d", i+1), candidate.Candidate)
	}

	env.connectMedia(t)
	assert.Equal(StateConnected, env.session().State())
}

func TestMobileDirectOfferStartsWatchSession(t *testing.T) {
	assert := assert.New(t)
	env := newMobileEnv(t, false)
	defer env.stop()

	err := env.coordinator.Start(context.Background())
	assert.NoError(err)
	env.receive(t, models.EventJoinedRoom, models.JoinedRoom{Room: "camera-1", CameraAvailable: true, MobileAvailable: true})

	env.receive(t, models.EventOffer, offerPayload())
	env.barrier()

	sess := env.session()
	assert.NotNil(sess)
	assert.True(sess.Direct)
	assert.Equal(1, env.adapter.count(models.EventAnswer))
}

func TestMalformedSignalingDropped(t *testing.T) {
	assert := assert.New(t)
	env := newMobileEnv(t, false)
	defer env.stop()

	err := env.coordinator.Start(context.Background())
	assert.NoError(err)
	env.receive(t, models.EventJoinedRoom, models.JoinedRoom{Room: "camera-1", CameraAvailable: true, MobileAvailable: true})

	env.receive(t, models.EventOffer, map[string]interface{}{
		"room": "camera-1",
		"sdp":  "not-an-object",
	})
	env.receive(t, models.EventICECandidate, map[string]interface{}{
		"room":          "camera-1",
		"candidate":     "candidate-1",
		"sdpMid":        "0",
		"sdpMLineIndex": 0.5,
	})
	env.barrier()

	assert.Nil(env.session())
	assert.Equal(0, env.adapter.count(models.EventAnswer))
	assert.Empty(env.engine.sessions)
}

func TestSignalingForOtherRoomsDropped(t *testing.T) {
	assert := assert.New(t)
	env := newMobileEnv(t, true)
	defer env.stop()

	err := env.coordinator.Start(context.Background())
	assert.NoError(err)
	env.receive(t, models.EventJoinedRoom, models.JoinedRoom{Room: "camera-1", CameraAvailable: true, MobileAvailable: true})

	env.receive(t, models.EventRingBell, models.RingBell{CameraCode: "camera-9", Timestamp: models.Timestamp()})
	env.barrier()

	assert.Nil(env.session())
	assert.Equal(0, env.adapter.count(models.EventCameraResponse))
}

func TestRemoteEndFinishesCall(t *testing.T) {
	assert := assert.New(t)
	env := newCameraEnv(t, CoordinatorConfig{})
	defer env.stop()

	env.startConnectedCall(t)

	env.receive(t, models.EventCallEnded, models.CallEnded{Room: "camera-1", EndedBy: models.ClientTypeMobile})
	env.barrier()

	sess := env.sessionAny()
	assert.Equal(StateEnded, sess.State())
	assert.Equal(models.ClientTypeMobile, sess.EndedBy())
	assert.Equal(0, env.adapter.count(models.EventEndCall))
}

func TestTransportLossFailsCallAndClearsPresence(t *testing.T) {
	assert := assert.New(t)
	env := newCameraEnv(t, CoordinatorConfig{})
	defer env.stop()

	env.startConnectedCall(t)

	env.adapter.fireDisconnect(fmt.Errorf("relay connection lost"))
	env.barrier()

	assert.False(env.coordinator.Registry().Joined())
	assert.Equal(StateFailed, env.sessionAny().State())
	assert.Equal(CauseTransport, env.sessionAny().Cause())

	env.adapter.fireReconnect()
	env.barrier()
	assert.Equal(2, env.adapter.count(models.EventJoinRoom))
}

// --- Test fixtures ---

type coordinatorEnv struct {
	coordinator *Coordinator
	adapter     *fakeAdapter
	engine      *fakeEngine
	capture     *fakeCapture
	cancel      context.CancelFunc
}

func newCameraEnv(t *testing.T, overrides CoordinatorConfig) *coordinatorEnv {
	t.Helper()
	adapter := newFakeAdapter()
	engine := &fakeEngine{}
	capture := &fakeCapture{}

	controller := device.NewController(device.Config{
		CameraCode:  "camera-1",
		Capture:     capture,
		Constraints: media.Constraints{Width: 1280, Height: 720, FrameRate: 30},
		Emit:        adapter.Emit,
	})

	cfg := CoordinatorConfig{
		Room:           "camera-1",
		ClientType:     models.ClientTypeCamera,
		Transport:      adapter,
		Engine:         engine,
		Device:         controller,
		ConnectTimeout: overrides.ConnectTimeout,
		Supervisor:     SupervisorConfig{Delay: time.Hour},
	}

	return startEnv(t, cfg, adapter, engine, capture)
}

func newMobileEnv(t *testing.T, autoAccept bool) *coordinatorEnv {
	t.Helper()
	adapter := newFakeAdapter()
	engine := &fakeEngine{}

	cfg := CoordinatorConfig{
		Room:       "camera-1",
		ClientType: models.ClientTypeMobile,
		Transport:  adapter,
		Engine:     engine,
		AutoAccept: autoAccept,
		Supervisor: SupervisorConfig{Delay: time.Hour},
	}

	return startEnv(t, cfg, adapter, engine, nil)
}

func startEnv(t *testing.T, cfg CoordinatorConfig, adapter *fakeAdapter, engine *fakeEngine, capture *fakeCapture) *coordinatorEnv {
	t.Helper()
	coordinator := NewCoordinator(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go coordinator.Run(ctx)

	return &coordinatorEnv{
		coordinator: coordinator,
		adapter:     adapter,
		engine:      engine,
		capture:     capture,
		cancel:      cancel,
	}
}

func (e *coordinatorEnv) stop() {
	e.cancel()
}

// barrier waits until every previously posted event has been processed.
func (e *coordinatorEnv) barrier() {
	e.coordinator.perform(func() error { return nil })
}

func (e *coordinatorEnv) receive(t *testing.T, event string, payload interface{}) {
	t.Helper()
	e.adapter.receive(t, event, payload)
	e.barrier()
}

func (e *coordinatorEnv) session() *Session {
	var sess *Session
	e.coordinator.perform(func() error {
		sess = e.coordinator.activeSession()
		return nil
	})
	return sess
}

// sessionAny returns the room session regardless of terminal state.
func (e *coordinatorEnv) sessionAny() *Session {
	var sess *Session
	e.coordinator.perform(func() error {
		sess = e.coordinator.sessions[e.coordinator.room]
		return nil
	})
	return sess
}

// connectMedia fires the media engine's connected callback and waits for the
// loop to process it.
func (e *coordinatorEnv) connectMedia(t *testing.T) {
	t.Helper()
	if len(e.engine.sessions) == 0 {
		t.Fatal("no media session created")
	}

	e.engine.sessions[len(e.engine.sessions)-1].fireState(media.ConnectionConnected)
	e.barrier()
}

// startConnectedCall drives the camera coordinator into a connected call.
func (e *coordinatorEnv) startConnectedCall(t *testing.T) {
	t.Helper()
	assert := assert.New(t)

	err := e.coordinator.Start(context.Background())
	assert.NoError(err)
	e.receive(t, models.EventJoinedRoom, models.JoinedRoom{
		Room:            "camera-1",
		CameraAvailable: true,
		MobileAvailable: true,
	})

	err = e.coordinator.PowerOn()
	assert.NoError(err)
	err = e.coordinator.RingDoorbell()
	assert.NoError(err)

	e.receive(t, models.EventCameraResponse, models.CameraResponse{
		Room:     "camera-1",
		Response: models.ResponseAccepted,
	})
	e.receive(t, models.EventAnswer, answerPayload())
	e.connectMedia(t)
	assert.Equal(StateConnected, e.session().State())
}

func offerPayload() models.Offer {
	return models.Offer{
		Room: "camera-1",
		SDP:  models.SessionDescription{SDP: "v=0 offer", Type: "offer"},
	}
}

func answerPayload() models.Answer {
	return models.Answer{
		Room: "camera-1",
		SDP:  models.SessionDescription{SDP: "v=0 answer", Type: "answer"},
	}
}

// fakeAdapter in-memory transport.Adapter with injectable inbound events.
type fakeAdapter struct {
	mu          sync.Mutex
	connected   bool
	handlers    map[string]transport.Handler
	events      []emittedEvent
	reconnects  []func()
	disconnects []func(err error)
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{handlers: make(map[string]transport.Handler)}
}

func (a *fakeAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) Emit(event string, payload interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return transport.ErrNotConnected
	}

	a.events = append(a.events, emittedEvent{event: event, payload: payload})
	return nil
}

func (a *fakeAdapter) On(event string, handler transport.Handler) {
	a.mu.Lock()
	a.handlers[event] = handler
	a.mu.Unlock()
}

func (a *fakeAdapter) OnReconnect(listener func()) {
	a.mu.Lock()
	a.reconnects = append(a.reconnects, listener)
	a.mu.Unlock()
}

func (a *fakeAdapter) OnDisconnect(listener func(err error)) {
	a.mu.Lock()
	a.disconnects = append(a.disconnects, listener)
	a.mu.Unlock()
}

func (a *fakeAdapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *fakeAdapter) WaitConnected(ctx context.Context) error {
	for {
		if a.Connected() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) receive(t *testing.T, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal %s payload: %v", event, err)
	}

	a.mu.Lock()
	handler, ok := a.handlers[event]
	a.mu.Unlock()
	if !ok {
		t.Fatalf("no handler registered for %s", event)
	}

	handler(data)
}

func (a *fakeAdapter) fireDisconnect(err error) {
	a.mu.Lock()
	a.connected = false
	listeners := append([]func(error){}, a.disconnects...)
	a.mu.Unlock()

	for _, listener := range listeners {
		listener(err)
	}
}

func (a *fakeAdapter) fireReconnect() {
	a.mu.Lock()
	a.connected = true
	listeners := append([]func(){}, a.reconnects...)
	a.mu.Unlock()

	for _, listener := range listeners {
		listener()
	}
}

func (a *fakeAdapter) count(event string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, e := range a.events {
		if e.event == event {
			total++
		}
	}
	return total
}

func (a *fakeAdapter) last(event string) interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.events) - 1; i >= 0; i-- {
		if a.events[i].event == event {
			return a.events[i].payload
		}
	}
	return nil
}

func (a *fakeAdapter) payloads(event string) []interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	var matches []interface{}
	for _, e := range a.events {
		if e.event == event {
			matches = append(matches, e.payload)
		}
	}
	return matches
}

// fakeCapture in-memory media.Capture.
type fakeCapture struct {
	mu       sync.Mutex
	failures int
	acquired bool
	requests []media.Constraints
	releases int
}

func (c *fakeCapture) Acquire(constraints media.Constraints) ([]media.Track, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, constraints)

	if c.failures > 0 {
		c.failures--
		return nil, media.ErrCaptureUnavailable
	}
	if c.acquired {
		return nil, media.ErrCaptureBusy
	}

	c.acquired = true
	return []media.Track{"video-track", "audio-track"}, nil
}

func (c *fakeCapture) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquired = false
	c.releases++
	return nil
}

func (c *fakeCapture) Acquired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired
}

func (c *fakeCapture) releaseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releases
}
