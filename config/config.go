package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all externally supplied settings: endpoints, pacing
// limits, retry ceilings, backoff parameters and timeouts. Nothing in
// here is computed by the engine itself.
type Config struct {
	// Transport
	WSURL       string
	RESTBaseURL string
	APIKey      string
	AuthToken   string

	AckTimeout        time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Reconnection
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	MaxReconnectAttempts int

	// Queue / retries
	DatabaseDSN   string
	RetryCeiling  int
	FallbackAfter int
	DrainInterval time.Duration

	// Rate limits
	RatePerMinute   int
	RateBurst       int
	RateMinInterval time.Duration

	// Event fanout
	AMQPURL   string
	AMQPQueue string

	// Operational HTTP surface
	Port string

	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables, with a .env
// file as optional source. Environment variables take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		WSURL:       getString("CHAT_WS_URL", "wss://localhost:8443/ws"),
		RESTBaseURL: getString("CHAT_REST_URL", "https://localhost:8443"),
		APIKey:      os.Getenv("CHAT_API_KEY"),
		AuthToken:   os.Getenv("CHAT_AUTH_TOKEN"),

		AckTimeout:        getDuration("ACK_TIMEOUT", 5*time.Second),
		HeartbeatInterval: getDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:  getDuration("HEARTBEAT_TIMEOUT", 45*time.Second),

		BackoffBase:          getDuration("RECONNECT_BACKOFF_BASE", 2*time.Second),
		BackoffMax:           getDuration("RECONNECT_BACKOFF_MAX", time.Minute),
		MaxReconnectAttempts: getInt("RECONNECT_MAX_ATTEMPTS", 10),

		DatabaseDSN:   getString("DATABASE_DSN", "chatrelay.db"),
		RetryCeiling:  getInt("RETRY_CEILING", 3),
		FallbackAfter: getInt("REST_FALLBACK_AFTER", 2),
		DrainInterval: getDuration("DRAIN_INTERVAL", 30*time.Second),

		RatePerMinute:   getInt("RATE_PER_MINUTE", 20),
		RateBurst:       getInt("RATE_BURST", 5),
		RateMinInterval: getDuration("RATE_MIN_INTERVAL", time.Second),

		AMQPURL:   os.Getenv("AMQP_URL"),
		AMQPQueue: getString("AMQP_QUEUE", "chatrelay_deliveries"),

		Port: getString("PORT", "8080"),

		LogLevel:  getString("LOG_LEVEL", "info"),
		LogFormat: getString("LOG_FORMAT", "console"),
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, using default")
		return fallback
	}
	return d
}
