package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds the environment-driven settings consumed by the execution core.
type Config struct {
	Port         string
	DatabasePath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	NATSURL string // empty disables the NATS alert publisher

	JWTSecret string

	LockLeaseTTL    time.Duration
	LockMaxRetries  int
	LockRetryDelay  time.Duration
	DefaultRPSLimit int
	IdempotencyTTL  time.Duration

	BreakerFailureThreshold int
	BreakerWindowSize       int
	BreakerMinRequests      int
	BreakerCooldown         time.Duration

	HeartbeatInterval     time.Duration
	HeartbeatTTL          time.Duration
	ReconcileInterval     time.Duration
	ShutdownGracePeriod   time.Duration
	StalePendingThreshold time.Duration
}

// Load reads configuration from the environment, applying defaults suitable
// for local development. A .env file is honoured when present.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment")
	}

	return &Config{
		Port:         getEnv("PORT", "8080"),
		DatabasePath: getEnv("DATABASE_PATH", "tradehook.db"),

		RedisAddr:     getEnv("REDIS_HOST", "localhost") + ":" + getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisPoolSize: getEnvInt("REDIS_POOL_SIZE", 10),

		NATSURL: getEnv("NATS_URL", ""),

		JWTSecret: getEnv("JWT_SECRET", "tradehook-secret-key"),

		LockLeaseTTL:    getEnvDuration("LOCK_LEASE_TTL", 30*time.Second),
		LockMaxRetries:  getEnvInt("LOCK_MAX_RETRIES", 3),
		LockRetryDelay:  getEnvDuration("LOCK_RETRY_DELAY", 100*time.Millisecond),
		DefaultRPSLimit: getEnvInt("WEBHOOK_RATE_LIMIT", 10),
		IdempotencyTTL:  getEnvDuration("IDEMPOTENCY_TTL", 5*time.Minute),

		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerWindowSize:       getEnvInt("BREAKER_WINDOW_SIZE", 10),
		BreakerMinRequests:      getEnvInt("BREAKER_MIN_REQUESTS", 3),
		BreakerCooldown:         getEnvDuration("BREAKER_COOLDOWN", 60*time.Second),

		HeartbeatInterval:     getEnvDuration("HEARTBEAT_INTERVAL", 10*time.Second),
		HeartbeatTTL:          getEnvDuration("HEARTBEAT_TTL", 30*time.Second),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		ShutdownGracePeriod:   getEnvDuration("SHUTDOWN_GRACE_PERIOD", 15*time.Second),
		StalePendingThreshold: getEnvDuration("STALE_PENDING_THRESHOLD", 5*time.Minute),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid integer in environment, using default")
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid duration in environment, using default")
		return fallback
	}
	return d
}
