package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials is returned when the Auth API rejects a login with a 4xx.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidRegistration is returned before any request when the sign-up
	// fields are incomplete or the name has characters other than letters
	// and spaces.
	ErrInvalidRegistration = errors.New("invalid registration")

	// ErrRegistrationRejected is returned when the Auth API refuses a sign-up
	// with a 4xx, for example an email already in use.
	ErrRegistrationRejected = errors.New("registration rejected")

	// ErrSessionNotEstablished is returned when a token was issued but the
	// profile could not be fetched after the bounded retries.
	ErrSessionNotEstablished = errors.New("login succeeded, but session not established")

	// ErrRefreshFailed is terminal: the session has already been logged out
	// when a caller sees it.
	ErrRefreshFailed = errors.New("refresh failed")

	// ErrNoSession is returned by protected operations when no credential is held.
	ErrNoSession = errors.New("no session")

	// ErrForbiddenRole is returned when the principal's role is not allowed.
	ErrForbiddenRole = errors.New("role not allowed")

	// ErrNetwork matches NetworkError; the caller may retry.
	ErrNetwork = errors.New("network error")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// NetworkError wraps a retryable failure talking to the Auth API.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrNetwork.Error(), e.Err)
}

func (e *NetworkError) Unwrap() []error { return []error{ErrNetwork, e.Err} }
