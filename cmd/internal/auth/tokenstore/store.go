// Package tokenstore holds the live credential for one session in memory.
//
// A Store performs no I/O. It is owned by the session manager, which is the
// only component allowed to mutate it; everything else reads through the
// manager.
package tokenstore

import (
	"strings"
	"sync"
	"time"
)

// Credential is the access/refresh pair plus the access token's own expiry.
// A zero ExpiresAt means the expiry is unknown.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Valid reports whether the credential can authorize a request at now.
func (c Credential) Valid(now time.Time) bool {
	if c.AccessToken == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}

// Empty reports whether no access token is held.
func (c Credential) Empty() bool { return c.AccessToken == "" }

// IsAbsent treats empty values and the serialized placeholders "undefined"
// and "null" as no value.
func IsAbsent(v string) bool {
	switch strings.TrimSpace(v) {
	case "", "undefined", "null":
		return true
	default:
		return false
	}
}

// Normalize maps placeholder values to empty strings. An absent access token
// clears the whole credential.
func Normalize(c Credential) Credential {
	if IsAbsent(c.AccessToken) {
		return Credential{}
	}
	if IsAbsent(c.RefreshToken) {
		c.RefreshToken = ""
	}
	return c
}

type Store struct {
	mu   sync.RWMutex
	cred Credential
}

func New() *Store { return &Store{} }

// Set replaces the held credential. Setting an absent access token is the
// same as Clear.
func (s *Store) Set(c Credential) {
	c = Normalize(c)
	s.mu.Lock()
	s.cred = c
	s.mu.Unlock()
}

// Get returns a snapshot of the held credential.
func (s *Store) Get() Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred
}

// AccessToken returns the held access token, or "".
func (s *Store) AccessToken() string {
	return s.Get().AccessToken
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.cred = Credential{}
	s.mu.Unlock()
}
