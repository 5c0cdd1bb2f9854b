package realtime

import "time"

const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max chat text length (runes) accepted by SendMessage.
	maxMessageChars = 4000

	// Consecutive failed pings before the connection is dropped.
	maxPingFailures = 3
)

const (
	defaultHandshakeTimeout  = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second

	defaultReconnectInitial  = 500 * time.Millisecond
	defaultReconnectMax      = 30 * time.Second
	defaultReconnectAttempts = 10

	defaultQueueSize = 256
	minQueueSize     = 16

	// Outbound emits (join, leave, send-message) per second.
	defaultEmitRate  = 10
	defaultEmitBurst = 20
)
