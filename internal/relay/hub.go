package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/id"
	"github.com/CzarSimon/httputil/logger"
	"github.com/gorilla/websocket"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/smartbell/call-manager/internal/models"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("call-manager/relay")

// Prometheus metrics.
var (
	relayedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayed_messages_total",
			Help: "The total number of relayed messages",
		},
		[]string{"event"},
	)
)

type room struct {
	mu      sync.RWMutex
	code    string
	clients map[string]*client
}

func (r *room) add(c *client) {
	r.mu.Lock()
	r.clients[c.id] = c
	r.mu.Unlock()
}

func (r *room) remove(c *client) bool {
	r.mu.Lock()
	delete(r.clients, c.id)
	empty := len(r.clients) == 0
	r.mu.Unlock()
	return empty
}

func (r *room) presence() (cameraAvailable, mobileAvailable bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.clients {
		switch c.clientType {
		case models.ClientTypeCamera:
			cameraAvailable = true
		case models.ClientTypeMobile:
			mobileAvailable = true
		}
	}
	return
}

// sendToRole delivers an envelope to every member of the given role.
func (r *room) sendToRole(role string, envelope models.Envelope) {
	data, err := json.Marshal(envelope)
	if err != nil {
		log.Error("failed to marshal envelope", zap.Error(err))
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		if c.clientType != role {
			continue
		}
		c.enqueue(data)
	}
}

// Hub relays signaling messages between role-tagged clients of a room.
type Hub struct {
	upgrader *websocket.Upgrader
	mu       sync.RWMutex
	rooms    map[string]*room
}

// NewHub creates an empty relay hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		rooms: make(map[string]*room),
	}
}

// Connect upgrades the request to a websocket and starts serving the client.
// Room membership is established by a subsequent join_room message.
func (h *Hub) Connect(ctx context.Context, r *http.Request, w http.ResponseWriter) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "relay_hub_connect")
	defer span.Finish()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		err = fmt.Errorf("failed to upgrade connection to a websocket %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	c := &client{
		id:   id.New(),
		hub:  h,
		conn: ws,
		send: make(chan []byte, 64),
	}

	go c.writePump()
	go c.readPump()
	return nil
}

func (h *Hub) findRoom(code string) (*room, bool) {
	h.mu.RLock()
	r, ok := h.rooms[code]
	h.mu.RUnlock()
	return r, ok
}

func (h *Hub) findOrCreateRoom(code string) *room {
	r, ok := h.findRoom(code)
	if !ok {
		r = &room{
			code:    code,
			clients: make(map[string]*client),
		}
		h.mu.Lock()
		h.rooms[code] = r
		h.mu.Unlock()
		log.Info("created room", zap.String("room", code))
	}

	return r
}

// RoomPresence returns the current membership of a room.
func (h *Hub) RoomPresence(code string) (cameraAvailable, mobileAvailable bool, err error) {
	r, ok := h.findRoom(code)
	if !ok {
		return false, false, httputil.NotFoundError(fmt.Errorf("no such room %s", code))
	}

	cameraAvailable, mobileAvailable = r.presence()
	return cameraAvailable, mobileAvailable, nil
}

func (h *Hub) join(c *client, data json.RawMessage) {
	var join models.JoinRoom
	err := json.Unmarshal(data, &join)
	if err != nil || join.Room == "" {
		log.Warn("dropping malformed join request", zap.Error(err))
		return
	}
	if join.ClientType != models.ClientTypeCamera && join.ClientType != models.ClientTypeMobile {
		log.Warn("dropping join with unknown client type", zap.String("clientType", join.ClientType))
		return
	}

	// Re-joining the same room with the same role is a no-op that still
	// re-confirms presence.
	previous := c.joinedRoom()
	if previous != nil && previous.code != join.Room {
		h.leave(c)
	}

	r := h.findOrCreateRoom(join.Room)
	c.setRoom(r, join.ClientType)
	r.add(c)

	cameraAvailable, mobileAvailable := r.presence()
	confirmation, err := models.NewEnvelope(models.EventJoinedRoom, models.JoinedRoom{
		Room:            join.Room,
		CameraAvailable: cameraAvailable,
		MobileAvailable: mobileAvailable,
	})
	if err != nil {
		log.Error("failed to create join confirmation", zap.Error(err))
		return
	}
	c.enqueue(mustMarshal(confirmation))

	if join.ClientType == models.ClientTypeMobile {
		h.notifyPresence(r, models.EventMobileAvailable)
	}

	log.Info("client joined room",
		zap.String("clientId", c.id),
		zap.String("room", join.Room),
		zap.String("clientType", join.ClientType))
}

func (h *Hub) leave(c *client) {
	r := c.joinedRoom()
	if r == nil {
		return
	}

	empty := r.remove(c)
	if c.clientType == models.ClientTypeMobile {
		h.notifyPresence(r, models.EventMobileDisconnected)
	}
	c.setRoom(nil, c.clientType)

	if empty {
		h.mu.Lock()
		delete(h.rooms, r.code)
		h.mu.Unlock()
		log.Info("removed empty room", zap.String("room", r.code))
	}
}

func (h *Hub) notifyPresence(r *room, event string) {
	envelope, err := models.NewEnvelope(event, models.RoomRef{Room: r.code})
	if err != nil {
		log.Error("failed to create presence event", zap.Error(err))
		return
	}

	r.sendToRole(models.ClientTypeCamera, envelope)
	relayedMessages.WithLabelValues(event).Inc()
}

// forward routes an envelope from the sender to the counterpart role.
func (h *Hub) forward(c *client, envelope models.Envelope) {
	span := opentracing.StartSpan("relay_hub_forward")
	defer span.Finish()
	span.LogFields(tracelog.String("event", envelope.Event))

	r := c.joinedRoom()
	if r == nil {
		log.Warn("dropping message from client outside any room",
			zap.String("clientId", c.id),
			zap.String("event", envelope.Event))
		return
	}

	target := models.ClientTypeCamera
	if c.clientType == models.ClientTypeCamera {
		target = models.ClientTypeMobile
	}

	// A local end_call request is announced to the counterpart as
	// call_ended, attributed to the sender.
	if envelope.Event == models.EventEndCall {
		translated, err := models.NewEnvelope(models.EventCallEnded, models.CallEnded{
			Room:    r.code,
			EndedBy: c.clientType,
		})
		if err != nil {
			log.Error("failed to translate end_call", zap.Error(err))
			return
		}
		envelope = translated
	}

	r.sendToRole(target, envelope)
	relayedMessages.WithLabelValues(envelope.Event).Inc()
}

// handleMessage dispatches one inbound envelope.
func (h *Hub) handleMessage(c *client, envelope models.Envelope) {
	switch envelope.Event {
	case models.EventJoinRoom:
		h.join(c, envelope.Data)
	case models.EventRingBell,
		models.EventCameraResponse,
		models.EventOffer,
		models.EventAnswer,
		models.EventICECandidate,
		models.EventEndCall,
		models.EventCallEnded,
		models.EventCameraControl,
		models.EventCameraControlRes,
		models.EventCameraTurnedOn,
		models.EventCameraTurnedOff,
		models.EventGetCameraStatus,
		models.EventCameraStatusResponse,
		models.EventCameraStatusUpdate:
		h.forward(c, envelope)
	default:
		log.Warn("dropping unknown event",
			zap.String("clientId", c.id),
			zap.String("event", envelope.Event))
	}
}

func mustMarshal(envelope models.Envelope) []byte {
	data, err := json.Marshal(envelope)
	if err != nil {
		log.Error("failed to marshal envelope", zap.Error(err))
		return []byte("{}")
	}
	return data
}
