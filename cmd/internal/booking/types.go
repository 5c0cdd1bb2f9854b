// Package booking is the client side of the Booking API together with the
// per-booking state that merges REST snapshots with realtime events.
package booking

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"triptask/cmd/internal/transport"
	v1 "triptask/shared/contracts/realtime/v1"
)

const asap = "ASAP"

var scheduleLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ScheduledAt is either "as soon as possible" or a wall-clock time. Raw keeps
// a value that did not parse so it round-trips untouched.
type ScheduledAt struct {
	ASAP bool
	At   time.Time
	Raw  string
}

func ASAPSchedule() ScheduledAt { return ScheduledAt{ASAP: true} }

func ScheduleAt(t time.Time) ScheduledAt { return ScheduledAt{At: t} }

func ParseScheduledAt(s string) ScheduledAt {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, asap) {
		return ScheduledAt{ASAP: true}
	}
	for _, layout := range scheduleLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return ScheduledAt{At: t}
		}
	}
	return ScheduledAt{Raw: s}
}

func (s ScheduledAt) String() string {
	switch {
	case s.ASAP:
		return asap
	case !s.At.IsZero():
		return s.At.Format(time.RFC3339)
	default:
		return s.Raw
	}
}

func (s ScheduledAt) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *ScheduledAt) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*s = ScheduledAt{ASAP: true}
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*s = ParseScheduledAt(raw)
	return nil
}

// Booking is a task record as served by the Booking API.
type Booking struct {
	ID              string
	RequesterName   string
	TaskDescription string
	Pickup          string
	Dropoff         string
	ScheduledAt     ScheduledAt
	Notes           string
	Status          Status
	UserID          string
	RiderID         string
	CreatedAt       time.Time
}

type bookingWire struct {
	ID        transport.FlexString `json:"id,omitempty"`
	Name      string               `json:"name"`
	Task      string               `json:"task"`
	Pickup    string               `json:"pickup"`
	Dropoff   string               `json:"dropoff"`
	Datetime  ScheduledAt          `json:"datetime"`
	Notes     string               `json:"notes"`
	Status    string               `json:"status,omitempty"`
	UserID    transport.FlexString `json:"user_id,omitempty"`
	RiderID   transport.FlexString `json:"assigned_rider_id,omitempty"`
	CreatedAt string               `json:"created_at,omitempty"`
}

func (b Booking) MarshalJSON() ([]byte, error) {
	w := bookingWire{
		ID:       transport.FlexString(b.ID),
		Name:     b.RequesterName,
		Task:     b.TaskDescription,
		Pickup:   b.Pickup,
		Dropoff:  b.Dropoff,
		Datetime: b.ScheduledAt,
		Notes:    b.Notes,
		Status:   string(b.Status),
		UserID:   transport.FlexString(b.UserID),
		RiderID:  transport.FlexString(b.RiderID),
	}
	if !b.CreatedAt.IsZero() {
		w.CreatedAt = b.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(w)
}

// UnmarshalJSON keeps an unknown status verbatim; Status.Valid reports it.
func (b *Booking) UnmarshalJSON(data []byte) error {
	var w bookingWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*b = Booking{
		ID:              w.ID.String(),
		RequesterName:   w.Name,
		TaskDescription: w.Task,
		Pickup:          w.Pickup,
		Dropoff:         w.Dropoff,
		ScheduledAt:     w.Datetime,
		Notes:           w.Notes,
		Status:          Status(strings.ToLower(strings.TrimSpace(w.Status))),
		UserID:          w.UserID.String(),
		RiderID:         w.RiderID.String(),
	}
	if w.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, w.CreatedAt); err == nil {
			b.CreatedAt = t
		}
	}
	return nil
}

// NewBooking is the body of a create request.
type NewBooking struct {
	RequesterName   string
	TaskDescription string
	Pickup          string
	Dropoff         string
	ScheduledAt     ScheduledAt
	Notes           string
}

func (n NewBooking) MarshalJSON() ([]byte, error) {
	return json.Marshal(bookingWire{
		Name:     n.RequesterName,
		Task:     n.TaskDescription,
		Pickup:   n.Pickup,
		Dropoff:  n.Dropoff,
		Datetime: n.ScheduledAt,
		Notes:    n.Notes,
		Status:   string(StatusPending),
	})
}

// FilterActive keeps bookings that are still in progress.
func FilterActive(in []Booking) []Booking {
	out := make([]Booking, 0, len(in))
	for _, b := range in {
		if b.Status.Active() {
			out = append(out, b)
		}
	}
	return out
}

type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"type"`
	Name     string `json:"name"`
}

// ChatMessage is one entry of a booking's chat. ClientMsgID is empty for
// messages from senders that do not stamp one.
type ChatMessage struct {
	Sender      string       `json:"sender"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"file_urls"`
	Timestamp   string       `json:"timestamp"`
	ClientMsgID string       `json:"client_msg_id,omitempty"`
}

// Time parses Timestamp, returning the zero time when it is not RFC 3339.
func (m ChatMessage) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// MessageFromPayload converts a realtime new-message payload.
func MessageFromPayload(p v1.NewMessagePayload) ChatMessage {
	m := ChatMessage{
		Sender:      p.Sender,
		Text:        p.Text,
		Timestamp:   p.Timestamp,
		ClientMsgID: p.ClientMsgID,
	}
	for _, f := range p.FileURLs {
		m.Attachments = append(m.Attachments, Attachment{URL: f.URL, MimeType: f.Type, Name: f.Name})
	}
	return m
}

func attachmentsToWire(in []Attachment) []v1.Attachment {
	out := make([]v1.Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, v1.Attachment{URL: a.URL, Type: a.MimeType, Name: a.Name})
	}
	return out
}
