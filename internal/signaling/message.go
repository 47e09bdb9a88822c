// Package signaling relays WebRTC negotiation messages between the
// participants of a room over websockets.
//
// Every frame is a JSON Message.  The server stamps FromUserID on relayed
// frames, so clients never need to know their own id.
package signaling

import (
	"encoding/json"
	"fmt"
)

// Event names a signaling frame.
type Event string

const (
	EventJoinRoom     Event = "join-room"
	EventRoomInfo     Event = "room-info"
	EventUserJoined   Event = "user-joined"
	EventUserLeft     Event = "user-left"
	EventOffer        Event = "offer"
	EventAnswer       Event = "answer"
	EventICECandidate Event = "ice-candidate"
	EventLeaveRoom    Event = "leave-room"
	EventError        Event = "error"
)

// Relayed reports whether the event is peer-to-peer negotiation that is
// forwarded to a single target.
func (e Event) Relayed() bool {
	return e == EventOffer || e == EventAnswer || e == EventICECandidate
}

// Message is the envelope of every frame.  Payload is passed through
// untouched for relayed events.
type Message struct {
	Event        Event           `json:"event"`
	RoomID       string          `json:"roomId"`
	FromUserID   string          `json:"fromUserId,omitempty"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// RoomInfo is the payload of room-info: the other members already present.
type RoomInfo struct {
	Participants []string `json:"participants"`
}

// ErrorPayload is the payload of error frames.
type ErrorPayload struct {
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// NewMessage builds a Message with v marshalled as the payload.
func NewMessage(event Event, roomID string, v any) (Message, error) {
	msg := Message{Event: event, RoomID: roomID}
	if v == nil {
		return msg, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return msg, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Event)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", m.Event, err)
	}
	return nil
}
