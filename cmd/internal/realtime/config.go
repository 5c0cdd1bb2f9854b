package realtime

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrConfig is returned for invalid realtime configuration.
var ErrConfig = errors.New("realtime: invalid config")

// Config defines the realtime client's behaviour.
type Config struct {
	// URL is the gateway endpoint (ws:// or wss://).
	URL string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Reconnect uses exponential backoff between ReconnectInitial and
	// ReconnectMax. MaxReconnectAttempts of 0 retries until Disconnect.
	ReconnectInitial     time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int

	// QueueSize bounds both the outbound and the inbound frame queues.
	QueueSize int

	EmitRate  rate.Limit
	EmitBurst int

	// RefreshOnReconnect makes each reconnect attempt ask the token source
	// for a fresh access token, and refresh it when the gateway rejects the
	// one it had. When false a reconnect reuses whatever token is current and
	// an expired one simply keeps failing.
	RefreshOnReconnect bool
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:     defaultHandshakeTimeout,
		WriteTimeout:         defaultWriteTimeout,
		HeartbeatInterval:    defaultHeartbeatInterval,
		HeartbeatTimeout:     defaultHeartbeatTimeout,
		ReconnectInitial:     defaultReconnectInitial,
		ReconnectMax:         defaultReconnectMax,
		MaxReconnectAttempts: defaultReconnectAttempts,
		QueueSize:            defaultQueueSize,
		EmitRate:             defaultEmitRate,
		EmitBurst:            defaultEmitBurst,
	}
}

// LoadConfigFromEnv overlays environment variables on DefaultConfig.
//
// Optional:
//   - TRIPTASK_WS_HANDSHAKE_TIMEOUT, TRIPTASK_WS_WRITE_TIMEOUT
//   - TRIPTASK_WS_HEARTBEAT_INTERVAL, TRIPTASK_WS_HEARTBEAT_TIMEOUT
//   - TRIPTASK_WS_RECONNECT_INITIAL, TRIPTASK_WS_RECONNECT_MAX
//   - TRIPTASK_WS_RECONNECT_ATTEMPTS (0 = unlimited)
//   - TRIPTASK_WS_QUEUE_SIZE
//   - TRIPTASK_WS_EMIT_RATE (events/second), TRIPTASK_WS_EMIT_BURST
//   - TRIPTASK_WS_REFRESH_ON_RECONNECT
//
// URL is left to the caller.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"TRIPTASK_WS_HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout},
		{"TRIPTASK_WS_WRITE_TIMEOUT", &cfg.WriteTimeout},
		{"TRIPTASK_WS_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"TRIPTASK_WS_HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout},
		{"TRIPTASK_WS_RECONNECT_INITIAL", &cfg.ReconnectInitial},
		{"TRIPTASK_WS_RECONNECT_MAX", &cfg.ReconnectMax},
	}
	for _, d := range durations {
		v := strings.TrimSpace(os.Getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			return Config{}, ErrConfig
		}
		*d.dst = parsed
	}

	if v := strings.TrimSpace(os.Getenv("TRIPTASK_WS_RECONNECT_ATTEMPTS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, ErrConfig
		}
		cfg.MaxReconnectAttempts = n
	}

	if v := strings.TrimSpace(os.Getenv("TRIPTASK_WS_QUEUE_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < minQueueSize {
			return Config{}, ErrConfig
		}
		cfg.QueueSize = n
	}

	if v := strings.TrimSpace(os.Getenv("TRIPTASK_WS_EMIT_RATE")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return Config{}, ErrConfig
		}
		cfg.EmitRate = rate.Limit(f)
	}

	if v := strings.TrimSpace(os.Getenv("TRIPTASK_WS_EMIT_BURST")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, ErrConfig
		}
		cfg.EmitBurst = n
	}

	if v := strings.TrimSpace(os.Getenv("TRIPTASK_WS_REFRESH_ON_RECONNECT")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.RefreshOnReconnect = b
	}

	return cfg, nil
}

// normalize fills zero values with defaults.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = d.ReconnectInitial
	}
	if c.ReconnectMax < c.ReconnectInitial {
		c.ReconnectMax = max(d.ReconnectMax, c.ReconnectInitial)
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.QueueSize < minQueueSize {
		c.QueueSize = d.QueueSize
	}
	if c.EmitRate <= 0 {
		c.EmitRate = d.EmitRate
	}
	if c.EmitBurst < 1 {
		c.EmitBurst = d.EmitBurst
	}
	return c
}
