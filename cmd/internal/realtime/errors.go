package realtime

import "errors"

var (
	ErrNotConnected = errors.New("realtime: not connected")
	ErrClosed       = errors.New("realtime: client closed")
	ErrRateLimited  = errors.New("realtime: emit rate exceeded")
	ErrNoToken      = errors.New("realtime: no access token")

	// ErrRejected means the gateway refused the credential, either at the
	// HTTP upgrade (401) or with an error frame in place of hello_ack.
	ErrRejected = errors.New("realtime: credential rejected")

	ErrProtocol = errors.New("realtime: protocol violation")
)

// ErrInvalidMessage is returned by SendMessage for an empty or oversized
// message.
var ErrInvalidMessage = errors.New("realtime: invalid message")
