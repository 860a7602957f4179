package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Origins
	BFFOrigin       string
	BackendOrigin   string
	BackendWSOrigin string
	BrokerURL       string

	// Identity of the dock user. AccessToken/RefreshToken are the cookie
	// values the terminal dock presents to the BFF, like a browser would.
	Self         string
	AccessToken  string
	RefreshToken string

	// UI state persistence
	StateBackend  string
	StateDSN      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Transport
	HTTPTimeout       time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	MaxReconnects     int
	Heartbeat         time.Duration
	AckTimeout        time.Duration

	// Directory polling and compose search
	PollInterval   time.Duration
	PollAttempts   int
	SearchDebounce time.Duration

	// BFF server
	BFFAddr      string
	CookieSecure bool

	LogLevel string
}

func Load() Config {
	backend := getEnv("BACKEND_ORIGIN", "http://localhost:8080")

	// ws origin defaults to the backend origin with the scheme swapped
	wsOrigin := os.Getenv("BACKEND_WS_ORIGIN")
	if wsOrigin == "" {
		wsOrigin = "ws" + strings.TrimPrefix(backend, "http")
	}

	broker := os.Getenv("LIVE_BROKER_URL")
	if broker == "" {
		broker = strings.TrimSuffix(wsOrigin, "/") + "/ws"
	}

	stateBackend := strings.ToLower(getEnv("STATE_BACKEND", "sqlite"))
	stateDSN := os.Getenv("STATE_DSN")
	if stateDSN == "" && stateBackend == "sqlite" {
		stateDSN = "chatdock.db"
	}

	return Config{
		BFFOrigin:       getEnv("BFF_ORIGIN", "http://localhost:3000"),
		BackendOrigin:   backend,
		BackendWSOrigin: wsOrigin,
		BrokerURL:       broker,

		Self:         os.Getenv("CHAT_SELF"),
		AccessToken:  os.Getenv("CHAT_ACCESS_TOKEN"),
		RefreshToken: os.Getenv("CHAT_REFRESH_TOKEN"),

		StateBackend:  stateBackend,
		StateDSN:      stateDSN,
		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		HTTPTimeout:       getEnvMillis("HTTP_TIMEOUT_MS", 5000),
		ReconnectDelay:    getEnvMillis("LIVE_RECONNECT_DELAY_MS", 1000),
		MaxReconnectDelay: getEnvMillis("LIVE_MAX_RECONNECT_DELAY_MS", 30000),
		MaxReconnects:     getEnvInt("LIVE_MAX_RECONNECTS", 20),
		Heartbeat:         getEnvMillis("LIVE_HEARTBEAT_MS", 10000),
		AckTimeout:        getEnvMillis("ACK_TIMEOUT_MS", 5000),

		PollInterval:   getEnvMillis("CHAT_POLL_INTERVAL_MS", 1000),
		PollAttempts:   getEnvInt("CHAT_POLL_ATTEMPTS", 10),
		SearchDebounce: getEnvMillis("CHAT_SEARCH_DEBOUNCE_MS", 200),

		BFFAddr:      getEnv("BFF_ADDR", ":3000"),
		CookieSecure: getEnvBool("COOKIE_SECURE", false),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return defaultVal
}

func getEnvMillis(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
