// Package v1 is the wire contract spoken between TripTask clients and the
// realtime gateway. Every frame is a JSON Envelope; the payload shape is
// selected by Type.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	Version = 1

	// Subprotocol is offered during the websocket handshake.
	Subprotocol = "triptask.realtime.v1"

	TypeHello         = "hello"
	TypeHelloAck      = "hello_ack"
	TypeJoin          = "join"
	TypeLeave         = "leave"
	TypeSendMessage   = "send-message"
	TypeNewMessage    = "new-message"
	TypeStatusUpdate  = "status-update"
	TypeServiceStatus = "service-status"
	TypeError         = "error"

	// RoomPrefix namespaces booking chat rooms.
	RoomPrefix = "chat-"
)

var AllowedTypes = map[string]struct{}{
	TypeHello:         {},
	TypeHelloAck:      {},
	TypeJoin:          {},
	TypeLeave:         {},
	TypeSendMessage:   {},
	TypeNewMessage:    {},
	TypeStatusUpdate:  {},
	TypeServiceStatus: {},
	TypeError:         {},
}

// roomScoped lists the types that must carry a room.
var roomScoped = map[string]struct{}{
	TypeJoin:         {},
	TypeLeave:        {},
	TypeSendMessage:  {},
	TypeNewMessage:   {},
	TypeStatusUpdate: {},
}

type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Room    string          `json:"room,omitempty"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := AllowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if _, ok := roomScoped[e.Type]; ok && strings.TrimSpace(e.Room) == "" {
		return fmt.Errorf("missing room for %s", e.Type)
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

// NewEnvelope marshals payload into a fresh envelope stamped with now.
func NewEnvelope(typ, id, room string, now time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      id,
		Room:    room,
		TS:      now.UTC(),
		Payload: raw,
	}, nil
}

// Decode unmarshals the payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.Type, err)
	}
	return nil
}

// BookingRoom is the chat room a booking's participants share.
func BookingRoom(bookingID string) string {
	return RoomPrefix + bookingID
}

// BookingIDFromRoom reverses BookingRoom.
func BookingIDFromRoom(room string) (string, bool) {
	id, ok := strings.CutPrefix(room, RoomPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
