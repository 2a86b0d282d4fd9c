package models

import (
	"encoding/json"
	"fmt"
	"math"
)

// ValidationError describes a malformed signaling payload. Messages failing
// validation are dropped without affecting session state.
type ValidationError struct {
	Event string
	Field string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: field %q %s", e.Event, e.Field, e.Cause)
}

func invalid(event, field, cause string) *ValidationError {
	return &ValidationError{Event: event, Field: field, Cause: cause}
}

// ParseOffer validates and decodes an inbound offer payload.
func ParseOffer(data json.RawMessage) (Offer, error) {
	fields, desc, err := parseDescription(EventOffer, data)
	if err != nil {
		return Offer{}, err
	}

	room, err := requireString(EventOffer, fields, "room")
	if err != nil {
		return Offer{}, err
	}

	return Offer{Room: room, SDP: desc}, nil
}

// ParseAnswer validates and decodes an inbound answer payload.
func ParseAnswer(data json.RawMessage) (Answer, error) {
	fields, desc, err := parseDescription(EventAnswer, data)
	if err != nil {
		return Answer{}, err
	}

	room, err := requireString(EventAnswer, fields, "room")
	if err != nil {
		return Answer{}, err
	}

	return Answer{Room: room, SDP: desc}, nil
}

// ParseICECandidate validates and decodes an inbound candidate payload.
func ParseICECandidate(data json.RawMessage) (ICECandidate, error) {
	fields, err := decodeFields(EventICECandidate, data)
	if err != nil {
		return ICECandidate{}, err
	}

	room, err := requireString(EventICECandidate, fields, "room")
	if err != nil {
		return ICECandidate{}, err
	}

	candidate, err := requireString(EventICECandidate, fields, "candidate")
	if err != nil {
		return ICECandidate{}, err
	}

	mid, err := requireString(EventICECandidate, fields, "sdpMid")
	if err != nil {
		return ICECandidate{}, err
	}

	lineIndex, err := requireInt(EventICECandidate, fields, "sdpMLineIndex")
	if err != nil {
		return ICECandidate{}, err
	}

	return ICECandidate{
		Room:          room,
		Candidate:     candidate,
		SDPMid:        mid,
		SDPMLineIndex: lineIndex,
	}, nil
}

func parseDescription(event string, data json.RawMessage) (map[string]interface{}, SessionDescription, error) {
	fields, err := decodeFields(event, data)
	if err != nil {
		return nil, SessionDescription{}, err
	}

	raw, ok := fields["sdp"]
	if !ok {
		return nil, SessionDescription{}, invalid(event, "sdp", "is missing")
	}

	nested, ok := raw.(map[string]interface{})
	if !ok {
		return nil, SessionDescription{}, invalid(event, "sdp", "is not an object")
	}

	sdp, err := requireString(event, nested, "sdp")
	if err != nil {
		return nil, SessionDescription{}, err
	}

	sdpType, err := requireString(event, nested, "type")
	if err != nil {
		return nil, SessionDescription{}, err
	}

	return fields, SessionDescription{SDP: sdp, Type: sdpType}, nil
}

func decodeFields(event string, data json.RawMessage) (map[string]interface{}, error) {
	var fields map[string]interface{}
	err := json.Unmarshal(data, &fields)
	if err != nil {
		return nil, invalid(event, "payload", "is not a JSON object")
	}

	return fields, nil
}

func requireString(event string, fields map[string]interface{}, key string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", invalid(event, key, "is missing")
	}

	value, ok := raw.(string)
	if !ok {
		return "", invalid(event, key, "is not a string")
	}
	if value == "" {
		return "", invalid(event, key, "is empty")
	}

	return value, nil
}

func requireInt(event string, fields map[string]interface{}, key string) (int, error) {
	raw, ok := fields[key]
	if !ok {
		return 0, invalid(event, key, "is missing")
	}

	value, ok := raw.(float64)
	if !ok {
		return 0, invalid(event, key, "is not a number")
	}
	if value != math.Trunc(value) {
		return 0, invalid(event, key, "is not an integer")
	}

	return int(value), nil
}
