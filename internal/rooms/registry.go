package rooms

import (
	"fmt"

	"github.com/CzarSimon/httputil/logger"
	"github.com/smartbell/call-manager/internal/models"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("call-manager/rooms")

// Emitter sends events to the relay.
type Emitter func(event string, payload interface{}) error

// Listener observes presence changes of the counterpart role.
type Listener func(role string, present bool)

// Registry local view of per-room membership. All methods must be invoked
// from the owning coordinator's event loop, the registry does no locking.
type Registry struct {
	clientType string
	emit       Emitter
	listeners  []Listener

	room            string
	joined          bool
	cameraAvailable bool
	mobileAvailable bool
}

// NewRegistry creates a registry for a client of the given type.
func NewRegistry(clientType string, emit Emitter) *Registry {
	return &Registry{
		clientType: clientType,
		emit:       emit,
	}
}

// Subscribe registers a presence listener.
func (r *Registry) Subscribe(listener Listener) {
	r.listeners = append(r.listeners, listener)
}

// Join announces presence in a room. Joining is idempotent, re-joining the
// same room re-emits the announcement and awaits a fresh confirmation.
func (r *Registry) Join(room string) error {
	err := r.emit(models.EventJoinRoom, models.JoinRoom{
		Room:       room,
		ClientType: r.clientType,
	})
	if err != nil {
		return fmt.Errorf("failed to join room %s %w", room, err)
	}

	r.room = room
	return nil
}

// HandleJoined records the confirmed membership view.
func (r *Registry) HandleJoined(confirmation models.JoinedRoom) {
	if confirmation.Room != r.room {
		log.Warn("join confirmation for unexpected room",
			zap.String("expected", r.room),
			zap.String("received", confirmation.Room))
		return
	}

	r.joined = true
	r.setPresence(models.ClientTypeCamera, confirmation.CameraAvailable)
	r.setPresence(models.ClientTypeMobile, confirmation.MobileAvailable)
	log.Info("joined room",
		zap.String("room", confirmation.Room),
		zap.Bool("cameraAvailable", confirmation.CameraAvailable),
		zap.Bool("mobileAvailable", confirmation.MobileAvailable))
}

// HandlePeerJoined marks a counterpart role as present.
func (r *Registry) HandlePeerJoined(role string) {
	r.setPresence(role, true)
}

// HandlePeerLeft marks a counterpart role as absent.
func (r *Registry) HandlePeerLeft(role string) {
	r.setPresence(role, false)
}

// HandleDisconnect clears the membership view after a lost relay connection.
// Presence has to be re-confirmed through a new join.
func (r *Registry) HandleDisconnect() {
	r.joined = false
	r.cameraAvailable = false
	r.mobileAvailable = false
}

// Room returns the currently joined room.
func (r *Registry) Room() string {
	return r.room
}

// Joined reports whether the room join has been confirmed.
func (r *Registry) Joined() bool {
	return r.joined
}

// CameraAvailable reports camera presence in the joined room.
func (r *Registry) CameraAvailable() bool {
	return r.cameraAvailable
}

// MobileAvailable reports mobile presence in the joined room.
func (r *Registry) MobileAvailable() bool {
	return r.mobileAvailable
}

// CounterpartAvailable reports presence of the opposite role.
func (r *Registry) CounterpartAvailable() bool {
	if r.clientType == models.ClientTypeCamera {
		return r.mobileAvailable
	}
	return r.cameraAvailable
}

func (r *Registry) setPresence(role string, present bool) {
	var changed bool
	switch role {
	case models.ClientTypeCamera:
		changed = r.cameraAvailable != present
		r.cameraAvailable = present
	case models.ClientTypeMobile:
		changed = r.mobileAvailable != present
		r.mobileAvailable = present
	default:
		log.Warn("presence update for unknown role", zap.String("role", role))
		return
	}

	if !changed {
		return
	}

	for _, listener := range r.listeners {
		listener(role, present)
	}
}
