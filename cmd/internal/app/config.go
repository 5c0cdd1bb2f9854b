package app

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config contains the CLI runtime configuration loaded from environment
// variables. Session and realtime tuning live in their own packages.
type Config struct {
	APIBase string
	WSURL   string

	LogLevel  string
	LogFormat string

	HTTPTimeout time.Duration

	// StateDir holds the durable credential file. SessionDir holds the
	// non-remembered one and should not outlive the user's login session.
	StateDir   string
	SessionDir string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	MetricsAddr string

	DedupMessages bool

	OTLPEndpoint string
	OTLPInsecure bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	apiBase := EnvString("TRIPTASK_API_BASE", "http://localhost:4000")
	return Config{
		APIBase: apiBase,
		WSURL:   EnvString("TRIPTASK_WS_URL", wsURLFromBase(apiBase)),

		LogLevel:  EnvString("TRIPTASK_LOG_LEVEL", "info"),
		LogFormat: EnvString("TRIPTASK_LOG_FORMAT", "json"),

		HTTPTimeout: EnvDuration("TRIPTASK_HTTP_TIMEOUT", 15*time.Second),

		StateDir:   EnvString("TRIPTASK_STATE_DIR", defaultStateDir()),
		SessionDir: EnvString("TRIPTASK_SESSION_DIR", defaultSessionDir()),

		RedisAddr:     EnvString("TRIPTASK_REDIS_ADDR", ""),
		RedisPassword: EnvString("TRIPTASK_REDIS_PASSWORD", ""),
		RedisDB:       EnvInt("TRIPTASK_REDIS_DB", 0),
		RedisPrefix:   EnvString("TRIPTASK_REDIS_PREFIX", "triptask:"),

		MetricsAddr: EnvString("TRIPTASK_METRICS_ADDR", ""),

		DedupMessages: EnvBool("TRIPTASK_DEDUP_MESSAGES", false),

		OTLPEndpoint: EnvString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTLPInsecure: EnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
	}
}

// wsURLFromBase maps an API base to the gateway endpoint on the same host:
// http becomes ws, https becomes wss, and the path is /ws.
func wsURLFromBase(base string) string {
	raw := strings.TrimSpace(base)
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ws://localhost:4000/ws"
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "triptask")
	}
	return filepath.Join(os.TempDir(), "triptask")
}

// defaultSessionDir prefers XDG_RUNTIME_DIR, which is cleared when the user
// logs out of the machine.
func defaultSessionDir() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); dir != "" {
		return filepath.Join(dir, "triptask")
	}
	return filepath.Join(os.TempDir(), "triptask-"+strconv.Itoa(os.Getuid()))
}

func (c Config) validate() error {
	if strings.TrimSpace(c.APIBase) == "" {
		return fmt.Errorf("config: TRIPTASK_API_BASE is empty")
	}
	if strings.TrimSpace(c.StateDir) == "" && c.RedisAddr == "" {
		return fmt.Errorf("config: TRIPTASK_STATE_DIR is empty")
	}
	return nil
}
