package session

import (
	"os"
	"strconv"
	"time"
)

// Config defines runtime configuration for the session manager.
type Config struct {
	// Window is the absolute lifetime of a session logged in without
	// "remember me", counted from login and independent of the token's own
	// expiry.
	Window time.Duration

	// LoginProfileRetries bounds the /auth/me attempts right after login.
	LoginProfileRetries int

	// LoginProfileDelay is the fixed pause between those attempts.
	LoginProfileDelay time.Duration

	// LogoutTimeout caps the best-effort /auth/logout call.
	LogoutTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:              24 * time.Hour,
		LoginProfileRetries: 3,
		LoginProfileDelay:   300 * time.Millisecond,
		LogoutTimeout:       3 * time.Second,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional (durations must be valid Go duration strings):
//   - TRIPTASK_SESSION_WINDOW
//   - TRIPTASK_LOGIN_PROFILE_RETRIES (1..10)
//   - TRIPTASK_LOGIN_PROFILE_DELAY
//   - TRIPTASK_LOGOUT_TIMEOUT
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("TRIPTASK_SESSION_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.Window = d
	}

	if v := os.Getenv("TRIPTASK_LOGIN_PROFILE_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 10 {
			return Config{}, ErrConfig
		}
		cfg.LoginProfileRetries = n
	}

	if v := os.Getenv("TRIPTASK_LOGIN_PROFILE_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.LoginProfileDelay = d
	}

	if v := os.Getenv("TRIPTASK_LOGOUT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.LogoutTimeout = d
	}

	return cfg, nil
}
