package call

import (
	"encoding/json"
	"errors"

	"github.com/smartbell/call-manager/internal/models"
	"go.uber.org/zap"
)

// registerHandlers wires inbound relay events onto the event loop. Handlers
// are dispatched sequentially by the transport read loop, posting preserves
// arrival order.
func (c *Coordinator) registerHandlers() {
	c.transport.On(models.EventJoinedRoom, c.onLoop(c.handleJoinedRoom))
	c.transport.On(models.EventMobileAvailable, c.onLoop(c.handleMobileAvailable))
	c.transport.On(models.EventMobileDisconnected, c.onLoop(c.handleMobileDisconnected))
	c.transport.On(models.EventICECandidate, c.onLoop(c.handleCandidate))
	c.transport.On(models.EventCallEnded, c.onLoop(c.handleCallEnded))

	if c.role == RoleInitiator {
		c.transport.On(models.EventCameraResponse, c.onLoop(c.handleCameraResponse))
		c.transport.On(models.EventAnswer, c.onLoop(c.handleAnswer))
		c.transport.On(models.EventCameraControl, c.onLoop(c.handleCameraControl))
		c.transport.On(models.EventGetCameraStatus, c.onLoop(c.handleStatusQuery))
	} else {
		c.transport.On(models.EventRingBell, c.onLoop(c.handleRingBell))
		c.transport.On(models.EventOffer, c.onLoop(c.handleOffer))
	}

	c.transport.OnReconnect(func() {
		c.post(c.handleReconnected)
	})
	c.transport.OnDisconnect(func(err error) {
		c.post(func() {
			c.handleTransportDown(err)
		})
	})
}

func (c *Coordinator) onLoop(handler func(data json.RawMessage)) func(data json.RawMessage) {
	return func(data json.RawMessage) {
		c.post(func() {
			handler(data)
		})
	}
}

func (c *Coordinator) handleJoinedRoom(data json.RawMessage) {
	var confirmation models.JoinedRoom
	err := json.Unmarshal(data, &confirmation)
	if err != nil {
		log.Warn("dropping malformed join confirmation", zap.Error(err))
		return
	}

	c.registry.HandleJoined(confirmation)

	// The connect timeout window is measured from join confirmation.
	sess := c.activeSession()
	if sess != nil {
		c.startConnectTimer(sess)
	}
}

func (c *Coordinator) handleMobileAvailable(data json.RawMessage) {
	c.registry.HandlePeerJoined(models.ClientTypeMobile)
}

func (c *Coordinator) handleMobileDisconnected(data json.RawMessage) {
	c.registry.HandlePeerLeft(models.ClientTypeMobile)
}

func (c *Coordinator) handleRingBell(data json.RawMessage) {
	var ring models.RingBell
	err := json.Unmarshal(data, &ring)
	if err != nil {
		log.Warn("dropping malformed ring", zap.Error(err))
		return
	}
	if ring.CameraCode != c.room {
		log.Warn("dropping ring for unexpected room", zap.String("cameraCode", ring.CameraCode))
		return
	}

	sess := c.activeSession()
	if sess != nil && sess.State() != StateIdle {
		log.Info("ignoring ring while a call is in progress", zap.String("sessionId", sess.ID))
		return
	}

	c.newSession(false)
	for _, listener := range c.ringListeners {
		listener(ring)
	}

	if c.autoAccept {
		current := c.activeSession()
		if current != nil {
			err := current.Accept()
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				log.Warn("failed to auto-accept call", zap.Error(err))
			}
		}
	}
}

func (c *Coordinator) handleCameraResponse(data json.RawMessage) {
	var response models.CameraResponse
	err := json.Unmarshal(data, &response)
	if err != nil {
		log.Warn("dropping malformed camera response", zap.Error(err))
		return
	}

	sess := c.activeSession()
	if sess == nil {
		log.Warn("dropping camera response without active session")
		return
	}

	// Accepting a call against a powered-off camera is refused outright.
	if response.Response == models.ResponseAccepted && c.device != nil && !c.device.PoweredOn() {
		log.Warn("refusing accepted call, camera is powered off")
		sess.ForceEnd(c.clientType, "camera powered off")
		return
	}

	sess.HandleRingResponse(response)
}

func (c *Coordinator) handleOffer(data json.RawMessage) {
	offer, err := models.ParseOffer(data)
	if err != nil {
		log.Warn("rejecting malformed offer", zap.Error(err))
		return
	}
	if offer.Room != c.room {
		log.Warn("dropping offer for unexpected room", zap.String("room", offer.Room))
		return
	}

	sess := c.activeSession()
	if sess == nil {
		// Direct watch sessions arrive as an offer with no preceding ring.
		sess = c.newSession(true)
	}

	sess.HandleOffer(offer)
}

func (c *Coordinator) handleAnswer(data json.RawMessage) {
	answer, err := models.ParseAnswer(data)
	if err != nil {
		log.Warn("rejecting malformed answer", zap.Error(err))
		return
	}
	if answer.Room != c.room {
		log.Warn("dropping answer for unexpected room", zap.String("room", answer.Room))
		return
	}

	sess := c.activeSession()
	if sess == nil {
		log.Warn("dropping answer without active session")
		return
	}

	sess.HandleAnswer(answer)
}

func (c *Coordinator) handleCandidate(data json.RawMessage) {
	candidate, err := models.ParseICECandidate(data)
	if err != nil {
		log.Warn("rejecting malformed candidate", zap.Error(err))
		return
	}
	if candidate.Room != c.room {
		log.Warn("dropping candidate for unexpected room", zap.String("room", candidate.Room))
		return
	}

	sess, ok := c.sessions[c.room]
	if !ok {
		log.Warn("dropping candidate without session")
		return
	}

	sess.HandleCandidate(candidate)
}

func (c *Coordinator) handleCallEnded(data json.RawMessage) {
	var ended models.CallEnded
	err := json.Unmarshal(data, &ended)
	if err != nil {
		log.Warn("dropping malformed call ended", zap.Error(err))
		return
	}

	sess := c.activeSession()
	if sess == nil {
		return
	}

	sess.HandleRemoteEnded(ended)
}

func (c *Coordinator) handleCameraControl(data json.RawMessage) {
	var command models.CameraControl
	err := json.Unmarshal(data, &command)
	if err != nil {
		log.Warn("dropping malformed control command", zap.Error(err))
		return
	}
	if c.device == nil {
		return
	}

	c.device.HandleControlCommand(command)
}

func (c *Coordinator) handleStatusQuery(data json.RawMessage) {
	var query models.GetCameraStatus
	err := json.Unmarshal(data, &query)
	if err != nil {
		log.Warn("dropping malformed status query", zap.Error(err))
		return
	}
	if c.device == nil {
		return
	}

	c.device.HandleStatusQuery(query)
}

func (c *Coordinator) handleReconnected() {
	log.Info("relay reconnected, re-joining room", zap.String("room", c.room))
	if c.device != nil {
		c.device.SetOnline(true)
	}

	err := c.registry.Join(c.room)
	if err != nil {
		log.Error("failed to re-join room after reconnect", zap.Error(err))
	}
}

func (c *Coordinator) handleTransportDown(cause error) {
	c.registry.HandleDisconnect()
	if c.device != nil {
		c.device.SetOnline(false)
	}

	sess := c.activeSession()
	if sess != nil {
		sess.HandleTransportDown(cause)
	}
}
