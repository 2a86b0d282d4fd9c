package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client types.
const (
	ClientTypeCamera = "camera"
	ClientTypeMobile = "mobile"
)

// Invitation responses.
const (
	ResponseAccepted = "accepted"
	ResponseRefused  = "refused"
)

// Device control commands.
const (
	CommandTurnOn  = "turn_on"
	CommandTurnOff = "turn_off"
	CommandToggle  = "toggle"
)

// Relay events.
const (
	EventJoinRoom             = "join_room"
	EventJoinedRoom           = "joined_room"
	EventMobileAvailable      = "mobile_available"
	EventMobileDisconnected   = "mobile_disconnected"
	EventRingBell             = "ring_bell"
	EventCameraResponse       = "camera_response"
	EventOffer                = "offer"
	EventAnswer               = "answer"
	EventICECandidate         = "ice_candidate"
	EventEndCall              = "end_call"
	EventCallEnded            = "call_ended"
	EventCameraControl        = "camera_control"
	EventCameraControlRes     = "camera_control_response"
	EventCameraTurnedOn       = "camera_turned_on"
	EventCameraTurnedOff      = "camera_turned_off"
	EventGetCameraStatus      = "get_camera_status"
	EventCameraStatusResponse = "camera_status_response"
	EventCameraStatusUpdate   = "camera_status_update"
)

// Envelope wraps every message exchanged over the relay.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (e Envelope) String() string {
	return fmt.Sprintf("Envelope(event=%s, size=%d)", e.Event, len(e.Data))
}

// NewEnvelope creates an envelope with a serialized payload.
func NewEnvelope(event string, payload interface{}) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to serialize %s payload %w", event, err)
	}

	return Envelope{Event: event, Data: data}, nil
}

// JoinRoom request to subscribe to a camera room.
type JoinRoom struct {
	Room       string `json:"room"`
	ClientType string `json:"client_type"`
}

// JoinedRoom confirmation of a room subscription with the current presence.
type JoinedRoom struct {
	Room            string `json:"room"`
	CameraAvailable bool   `json:"camera_available"`
	MobileAvailable bool   `json:"mobile_available"`
}

// RoomRef payload for presence events that only carry room context.
type RoomRef struct {
	Room string `json:"room"`
}

// RingBell doorbell invitation sent by the camera.
type RingBell struct {
	CameraCode string `json:"camera_code"`
	Timestamp  int64  `json:"timestamp"`
}

// CameraResponse mobile answer to a ring invitation.
type CameraResponse struct {
	Room      string `json:"room"`
	Response  string `json:"response"`
	Timestamp int64  `json:"timestamp"`
}

// SessionDescription negotiation payload of an offer or answer.
type SessionDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// Offer session description proposed by the camera.
type Offer struct {
	Room string             `json:"room"`
	SDP  SessionDescription `json:"sdp"`
}

// Answer session description produced by the mobile viewer.
type Answer struct {
	Room string             `json:"room"`
	SDP  SessionDescription `json:"sdp"`
}

// ICECandidate network reachability hint exchanged between peers.
type ICECandidate struct {
	Room          string `json:"room"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// EndCall local request to terminate the active call in a room.
type EndCall struct {
	Room string `json:"room"`
}

// CallEnded notification that a call was terminated and by whom.
type CallEnded struct {
	Room    string `json:"room"`
	EndedBy string `json:"ended_by"`
}

// CameraControl device command addressed to the camera.
type CameraControl struct {
	Command string `json:"command"`
}

// CameraControlResponse acknowledgement of a device command.
type CameraControlResponse struct {
	CameraCode string `json:"camera_code"`
	Command    string `json:"command"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
}

// CameraPowerEvent notification that the camera was turned on or off.
type CameraPowerEvent struct {
	CameraCode string `json:"camera_code"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
}

// GetCameraStatus request for the current camera status.
type GetCameraStatus struct {
	CameraCode string `json:"camera_code"`
}

// CameraStatusResponse reply to a status query.
type CameraStatusResponse struct {
	CameraCode string `json:"camera_code"`
	IsOnline   bool   `json:"is_online"`
	IsCameraOn bool   `json:"is_camera_on"`
	Status     string `json:"status"`
}

// CameraStatusUpdate unsolicited status broadcast on every status change.
type CameraStatusUpdate struct {
	CameraCode string `json:"camera_code"`
	IsOnline   bool   `json:"is_online"`
	IsCameraOn bool   `json:"is_camera_on"`
	Status     string `json:"status"`
	Timestamp  int64  `json:"timestamp"`
}

// Timestamp returns the current time in the wire timestamp format.
func Timestamp() int64 {
	return time.Now().UTC().UnixMilli()
}
