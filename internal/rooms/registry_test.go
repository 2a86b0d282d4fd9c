package rooms

import (
	"errors"
	"testing"

	"github.com/smartbell/call-manager/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestJoinAndConfirmation(t *testing.T) {
	assert := assert.New(t)
	registry, rec := newTestRegistry(models.ClientTypeCamera)

	err := registry.Join("camera-1")
	assert.NoError(err)
	assert.Equal("camera-1", registry.Room())
	assert.False(registry.Joined())
	assert.Equal(1, rec.count(models.EventJoinRoom))

	join := rec.last(models.EventJoinRoom).(models.JoinRoom)
	assert.Equal("camera-1", join.Room)
	assert.Equal(models.ClientTypeCamera, join.ClientType)

	registry.HandleJoined(models.JoinedRoom{
		Room:            "camera-1",
		CameraAvailable: true,
		MobileAvailable: true,
	})
	assert.True(registry.Joined())
	assert.True(registry.CameraAvailable())
	assert.True(registry.MobileAvailable())
	assert.True(registry.CounterpartAvailable())
}

func TestJoinEmitFailure(t *testing.T) {
	assert := assert.New(t)
	registry, rec := newTestRegistry(models.ClientTypeCamera)
	rec.err = errors.New("not connected")

	err := registry.Join("camera-1")
	assert.Error(err)
	assert.False(registry.Joined())
}

func TestConfirmationForOtherRoomIgnored(t *testing.T) {
	assert := assert.New(t)
	registry, _ := newTestRegistry(models.ClientTypeCamera)

	err := registry.Join("camera-1")
	assert.NoError(err)

	registry.HandleJoined(models.JoinedRoom{Room: "camera-9", MobileAvailable: true})
	assert.False(registry.Joined())
	assert.False(registry.MobileAvailable())
}

func TestPresenceListeners(t *testing.T) {
	assert := assert.New(t)
	registry, _ := newTestRegistry(models.ClientTypeCamera)

	type change struct {
		role    string
		present bool
	}
	var changes []change
	registry.Subscribe(func(role string, present bool) {
		changes = append(changes, change{role: role, present: present})
	})

	err := registry.Join("camera-1")
	assert.NoError(err)
	registry.HandleJoined(models.JoinedRoom{Room: "camera-1", CameraAvailable: true})

	registry.HandlePeerJoined(models.ClientTypeMobile)
	// Repeated presence of the same role does not re-notify.
	registry.HandlePeerJoined(models.ClientTypeMobile)
	registry.HandlePeerLeft(models.ClientTypeMobile)

	assert.Equal([]change{
		{role: models.ClientTypeCamera, present: true},
		{role: models.ClientTypeMobile, present: true},
		{role: models.ClientTypeMobile, present: false},
	}, changes)
}

func TestHandleDisconnectClearsView(t *testing.T) {
	assert := assert.New(t)
	registry, rec := newTestRegistry(models.ClientTypeMobile)

	err := registry.Join("camera-1")
	assert.NoError(err)
	registry.HandleJoined(models.JoinedRoom{
		Room:            "camera-1",
		CameraAvailable: true,
		MobileAvailable: true,
	})
	assert.True(registry.CounterpartAvailable())

	registry.HandleDisconnect()
	assert.False(registry.Joined())
	assert.False(registry.CameraAvailable())
	assert.False(registry.MobileAvailable())
	assert.False(registry.CounterpartAvailable())

	// Presence has to be re-confirmed through a fresh join round-trip.
	err = registry.Join("camera-1")
	assert.NoError(err)
	assert.Equal(2, rec.count(models.EventJoinRoom))
	assert.False(registry.Joined())
}

func TestCounterpartAvailablePerRole(t *testing.T) {
	assert := assert.New(t)

	camera, _ := newTestRegistry(models.ClientTypeCamera)
	camera.HandlePeerJoined(models.ClientTypeCamera)
	assert.False(camera.CounterpartAvailable())
	camera.HandlePeerJoined(models.ClientTypeMobile)
	assert.True(camera.CounterpartAvailable())

	mobile, _ := newTestRegistry(models.ClientTypeMobile)
	mobile.HandlePeerJoined(models.ClientTypeMobile)
	assert.False(mobile.CounterpartAvailable())
	mobile.HandlePeerJoined(models.ClientTypeCamera)
	assert.True(mobile.CounterpartAvailable())
}

// --- Test fixtures ---

func newTestRegistry(clientType string) (*Registry, *recorder) {
	rec := &recorder{}
	return NewRegistry(clientType, rec.emit), rec
}

type emittedEvent struct {
	event   string
	payload interface{}
}

type recorder struct {
	events []emittedEvent
	err    error
}

func (r *recorder) emit(event string, payload interface{}) error {
	if r.err != nil {
		return r.err
	}

	r.events = append(r.events, emittedEvent{event: event, payload: payload})
	return nil
}

func (r *recorder) count(event string) int {
	total := 0
	for _, e := range r.events {
		if e.event == event {
			total++
		}
	}
	return total
}

func (r *recorder) last(event string) interface{} {
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].event == event {
			return r.events[i].payload
		}
	}
	return nil
}
