package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser  string
	DBPass  string
	DBHost  string
	DBPort  string
	DBName  string
	SSLMode string

	RedisHost string
	RedisPort string

	NatsHost string
	NatsPort string

	ApiPort    string
	ApiEnabled string

	LockTimeout       time.Duration
	RecoveryInterval  time.Duration
	PurgeInterval     time.Duration
	ReservationStale  time.Duration
	ExternalOpTimeout time.Duration
}

// New loads and validates configuration from environment variables.
// NATS is optional: with no CREDITS_NATS_HOST the event bus and command
// handler simply don't start. The HTTP API is optional the same way via
// CREDITS_API_ENABLED.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:  os.Getenv("CREDITS_POSTGRES_USER"),
		DBPass:  os.Getenv("CREDITS_POSTGRES_PASSWORD"),
		DBHost:  os.Getenv("CREDITS_POSTGRES_HOST"),
		DBPort:  os.Getenv("CREDITS_POSTGRES_PORT"),
		DBName:  os.Getenv("CREDITS_POSTGRES_DB"),
		SSLMode: os.Getenv("CREDITS_POSTGRES_SSLMODE"),

		RedisHost: os.Getenv("CREDITS_REDIS_HOST"),
		RedisPort: os.Getenv("CREDITS_REDIS_PORT"),

		NatsHost: os.Getenv("CREDITS_NATS_HOST"),
		NatsPort: os.Getenv("CREDITS_NATS_PORT"),

		ApiPort:    os.Getenv("CREDITS_API_PORT"),
		ApiEnabled: os.Getenv("CREDITS_API_ENABLED"),

		LockTimeout:       getEnvDuration("CREDITS_LOCK_TIMEOUT", 2*time.Second),
		RecoveryInterval:  getEnvDuration("CREDITS_RECOVERY_INTERVAL", time.Minute),
		PurgeInterval:     getEnvDuration("CREDITS_PURGE_INTERVAL", time.Hour),
		ReservationStale:  getEnvDuration("CREDITS_RESERVATION_STALE", 10*time.Minute),
		ExternalOpTimeout: getEnvDuration("CREDITS_EXTERNAL_OP_TIMEOUT", 2*time.Minute),
	}

	if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBPort == "" || cfg.DBName == "" || cfg.SSLMode == "" {
		return nil, fmt.Errorf("missing required env for database: CREDITS_POSTGRES_USER/HOST/PORT/DB/SSLMODE")
	}
	if cfg.RedisHost == "" || cfg.RedisPort == "" {
		return nil, fmt.Errorf("missing required env for redis: CREDITS_REDIS_HOST/PORT")
	}
	if cfg.NatsHost != "" && cfg.NatsPort == "" {
		return nil, fmt.Errorf("CREDITS_NATS_PORT is required when CREDITS_NATS_HOST is set")
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// NatsAddr returns the NATS URL, or "" when NATS is not configured.
func (c *Config) NatsAddr() string {
	if c.NatsHost == "" {
		return ""
	}
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

// ApiAddr returns the HTTP listen address if the API is enabled.
// Returns an error if CREDITS_API_ENABLED != "true" — callers should
// skip starting the HTTP server.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled == "true" {
		if c.ApiPort == "" {
			return "", fmt.Errorf("CREDITS_API_PORT is required when CREDITS_API_ENABLED=true")
		}
		return ":" + c.ApiPort, nil
	}
	return "", fmt.Errorf("HTTP API is disabled (CREDITS_API_ENABLED != true)")
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
