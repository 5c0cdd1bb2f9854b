package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"triptask/cmd/internal/transport"
)

// Authorizer runs a call with the current access token, refreshing and
// retrying once on 401.
type Authorizer interface {
	Do(ctx context.Context, call func(ctx context.Context, token string) error) error
}

// API is the Booking API client.
type API struct {
	t    *transport.Client
	auth Authorizer
}

func NewAPI(t *transport.Client, auth Authorizer) *API {
	return &API{t: t, auth: auth}
}

func taskPath(id string) string { return "/tasks/" + url.PathEscape(id) }

func (a *API) do(ctx context.Context, req transport.Request, out any) error {
	return a.auth.Do(ctx, func(ctx context.Context, token string) error {
		req.Token = token
		return a.t.Do(ctx, req, out)
	})
}

// Get fetches one booking. Fails with transport.ErrNotFound or, once refresh
// has been tried, an unauthorized error.
func (a *API) Get(ctx context.Context, id string) (Booking, error) {
	var b Booking
	err := a.do(ctx, transport.Request{Method: http.MethodGet, Path: taskPath(id), Route: "/tasks/{id}"}, &b)
	if err != nil {
		return Booking{}, fmt.Errorf("get booking %s: %w", id, err)
	}
	return b, nil
}

// List returns the caller's own bookings.
func (a *API) List(ctx context.Context) ([]Booking, error) {
	return a.list(ctx, "/tasks")
}

// Active returns the rider's accepted, in-progress bookings.
func (a *API) Active(ctx context.Context) ([]Booking, error) {
	return a.list(ctx, "/tasks/active")
}

// Available returns pending bookings a rider may accept.
func (a *API) Available(ctx context.Context) ([]Booking, error) {
	return a.list(ctx, "/tasks/available")
}

// History returns finished bookings.
func (a *API) History(ctx context.Context) ([]Booking, error) {
	return a.list(ctx, "/tasks/history")
}

func (a *API) list(ctx context.Context, path string) ([]Booking, error) {
	var raw json.RawMessage
	if err := a.do(ctx, transport.Request{Method: http.MethodGet, Path: path}, &raw); err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	out, err := decodeBookings(raw)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	return out, nil
}

// decodeBookings accepts a bare array or a {"tasks":[...]} envelope.
func decodeBookings(raw json.RawMessage) ([]Booking, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []Booking{}, nil
	}
	if raw[0] == '{' {
		var env struct {
			Tasks json.RawMessage `json:"tasks"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, err
		}
		return decodeBookings(env.Tasks)
	}
	var out []Booking
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *API) Create(ctx context.Context, nb NewBooking) (Booking, error) {
	var b Booking
	err := a.do(ctx, transport.Request{Method: http.MethodPost, Path: "/tasks", Body: nb}, &b)
	if err != nil {
		return Booking{}, fmt.Errorf("create booking: %w", err)
	}
	return b, nil
}

// Update edits booking details and returns the server's copy.
func (a *API) Update(ctx context.Context, b Booking) (Booking, error) {
	var out Booking
	err := a.do(ctx, transport.Request{Method: http.MethodPut, Path: taskPath(b.ID), Route: "/tasks/{id}", Body: b}, &out)
	if err != nil {
		return Booking{}, fmt.Errorf("update booking %s: %w", b.ID, err)
	}
	return out, nil
}

// UpdateStatus asks the server to move b to status to. The transition is
// checked locally first; the server stays authoritative.
func (a *API) UpdateStatus(ctx context.Context, b Booking, to Status) (Booking, error) {
	if err := CheckTransition(b.Status, to); err != nil {
		return Booking{}, err
	}

	var raw json.RawMessage
	err := a.do(ctx, transport.Request{
		Method: http.MethodPut,
		Path:   taskPath(b.ID),
		Route:  "/tasks/{id}",
		Body:   map[string]string{"status": string(to)},
	}, &raw)
	if err != nil {
		return Booking{}, fmt.Errorf("update status %s: %w", b.ID, err)
	}

	var env struct {
		Task *Booking `json:"task"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Task != nil {
		return *env.Task, nil
	}
	var out Booking
	if err := json.Unmarshal(raw, &out); err != nil || out.ID == "" {
		out = b
		out.Status = to
	}
	return out, nil
}

// Accept is the rider taking a pending booking.
func (a *API) Accept(ctx context.Context, b Booking) (Booking, error) {
	return a.UpdateStatus(ctx, b, StatusAccepted)
}

// Cancel deletes the booking on the server.
func (a *API) Cancel(ctx context.Context, id string) error {
	err := a.do(ctx, transport.Request{Method: http.MethodDelete, Path: taskPath(id), Route: "/tasks/{id}"}, nil)
	if err != nil {
		return fmt.Errorf("cancel booking %s: %w", id, err)
	}
	return nil
}

type serviceStatus struct {
	IsOnline bool `json:"isOnline"`
}

// ServiceStatus reports whether riders are taking bookings.
func (a *API) ServiceStatus(ctx context.Context) (bool, error) {
	var out serviceStatus
	if err := a.do(ctx, transport.Request{Method: http.MethodGet, Path: "/service-status"}, &out); err != nil {
		return false, fmt.Errorf("service status: %w", err)
	}
	return out.IsOnline, nil
}

func (a *API) SetServiceStatus(ctx context.Context, online bool) error {
	err := a.do(ctx, transport.Request{
		Method: http.MethodPut,
		Path:   "/service-status",
		Body:   serviceStatus{IsOnline: online},
	}, nil)
	if err != nil {
		return fmt.Errorf("set service status: %w", err)
	}
	return nil
}
