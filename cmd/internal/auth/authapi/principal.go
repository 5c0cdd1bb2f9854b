package authapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"triptask/cmd/internal/transport"
)

// ErrInvalidPrincipal is returned when a user payload does not decode into
// a complete Principal. Callers treat it as "no session".
var ErrInvalidPrincipal = errors.New("invalid principal")

type Role string

const (
	RoleCustomer Role = "customer"
	RoleRider    Role = "rider"
	RoleAdmin    Role = "admin"
)

func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleCustomer, RoleRider, RoleAdmin:
		return r, true
	default:
		return "", false
	}
}

// Principal is the authenticated identity as reported by /auth/me.
type Principal struct {
	ID    string
	Name  string
	Email string
	Role  Role
}

type principalWire struct {
	ID    transport.FlexString `json:"id"`
	Name  string               `json:"name"`
	Email string               `json:"email"`
	Role  string               `json:"role"`
}

// DecodePrincipal decodes a user object and fails closed on a missing id,
// email or an unknown role.
func DecodePrincipal(raw json.RawMessage) (Principal, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Principal{}, fmt.Errorf("%w: missing user", ErrInvalidPrincipal)
	}
	var w principalWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidPrincipal, err)
	}
	id := strings.TrimSpace(w.ID.String())
	if id == "" {
		return Principal{}, fmt.Errorf("%w: missing id", ErrInvalidPrincipal)
	}
	email := strings.TrimSpace(w.Email)
	if email == "" {
		return Principal{}, fmt.Errorf("%w: missing email", ErrInvalidPrincipal)
	}
	role, ok := ParseRole(w.Role)
	if !ok {
		return Principal{}, fmt.Errorf("%w: role %q", ErrInvalidPrincipal, w.Role)
	}
	return Principal{ID: id, Name: strings.TrimSpace(w.Name), Email: email, Role: role}, nil
}
