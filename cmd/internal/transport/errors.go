package transport

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized matches a 401 response.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden matches a 403 response.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound matches a 404 response.
	ErrNotFound = errors.New("not found")

	// ErrClientError matches any 4xx response.
	ErrClientError = errors.New("client error")

	// ErrServerError matches any 5xx response.
	ErrServerError = errors.New("server error")

	// ErrNetwork is returned when no HTTP response was received.
	ErrNetwork = errors.New("network error")
)

// StatusError is a non-2xx API response.
type StatusError struct {
	Method  string
	Path    string
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.Status, e.Code, msg)
	}
	return fmt.Sprintf("%s %s: %d: %s", e.Method, e.Path, e.Status, msg)
}

// Is maps the status code onto the sentinel taxonomy.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrClientError:
		return e.Status >= 400 && e.Status < 500
	case ErrServerError:
		return e.Status >= 500
	default:
		return false
	}
}

// NetworkError wraps a failure to obtain any response.
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() []error { return []error{ErrNetwork, e.Err} }

// Retryable reports whether err is worth retrying: no response at all, or a
// 5xx.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrServerError)
}
