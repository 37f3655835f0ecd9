// Package config provides environment-driven configuration for streamgate.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Secret wraps a sensitive string to prevent accidental logging or marshalling.
type Secret string

// String implements fmt.Stringer, returning a redacted placeholder.
func (s Secret) String() string { return "[REDACTED]" }

// GoString implements fmt.GoStringer, returning a redacted placeholder.
func (s Secret) GoString() string { return "[REDACTED]" }

// MarshalText implements encoding.TextMarshaler, returning a redacted placeholder.
func (s Secret) MarshalText() ([]byte, error) { return []byte("[REDACTED]"), nil }

// Value returns the underlying secret string.
func (s Secret) Value() string { return string(s) }

// Fanout backends.
const (
	FanoutLocal = "local"
	FanoutRedis = "redis"
	FanoutNATS  = "nats"
)

// Config holds all application configuration values.
type Config struct {
	Port        string
	ListenHost  string
	MetricsPort string
	CORSOrigins []string
	LogLevel    string
	LogFormat   string

	RedisURL    Secret
	DatabaseURL Secret
	NATSURL     string
	Fanout      string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	JWTSecret     Secret
	PublishSecret Secret

	MaxConnectionsPerSession int
	ReplayMaxLen             int
	AuditRetentionDays       int
	ReplayTTL                time.Duration
	ConnectionTTL            time.Duration
	HeartbeatInterval        time.Duration
	WriteTimeout             time.Duration
	AdmissionTimeout         time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          envOrDefault("PORT", "3040"),
		ListenHost:    envOrDefault("LISTEN_HOST", "127.0.0.1"),
		MetricsPort:   envOrDefault("METRICS_PORT", "9092"),
		LogLevel:      envOrDefault("LOG_LEVEL", "info"),
		LogFormat:     envOrDefault("LOG_FORMAT", "text"),
		RedisURL:      Secret(envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		DatabaseURL:   Secret(envOrDefault("DATABASE_URL", "")),
		NATSURL:       envOrDefault("NATS_URL", ""),
		Fanout:        envOrDefault("FANOUT", FanoutRedis),
		KafkaTopic:    envOrDefault("KAFKA_TOPIC", "stream-events"),
		KafkaGroup:    envOrDefault("KAFKA_GROUP", "streamgate"),
		JWTSecret:     Secret(envOrDefault("JWT_SECRET", "")),
		PublishSecret: Secret(envOrDefault("PUBLISH_SECRET", "")),
	}

	var err error

	if cfg.MaxConnectionsPerSession, err = envInt("MAX_CONNECTIONS_PER_SESSION", 3, 1, 100); err != nil {
		return nil, err
	}

	if cfg.ReplayMaxLen, err = envInt("REPLAY_MAX_LEN", 1000, 1, 100000); err != nil {
		return nil, err
	}

	// Zero keeps the audit trail forever.
	if cfg.AuditRetentionDays, err = envInt("AUDIT_RETENTION_DAYS", 30, 0, 3650); err != nil {
		return nil, err
	}

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"REPLAY_TTL", time.Hour, &cfg.ReplayTTL},
		{"CONNECTION_TTL", 60 * time.Second, &cfg.ConnectionTTL},
		{"HEARTBEAT_INTERVAL", 15 * time.Second, &cfg.HeartbeatInterval},
		{"WRITE_TIMEOUT", 2 * time.Second, &cfg.WriteTimeout},
		{"ADMISSION_TIMEOUT", 5 * time.Second, &cfg.AdmissionTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = envDuration(d.key, d.fallback); err != nil {
			return nil, err
		}
	}

	cfg.CORSOrigins = splitList(envOrDefault("CORS_ORIGINS", "http://localhost:3000"))
	cfg.KafkaBrokers = splitList(envOrDefault("KAFKA_BROKERS", ""))

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// Addr returns the listen address in host:port format.
func (c *Config) Addr() string {
	return c.ListenHost + ":" + c.Port
}

// MetricsAddr returns the metrics listen address in host:port format.
func (c *Config) MetricsAddr() string {
	return c.ListenHost + ":" + c.MetricsPort
}

// DatabaseEnabled reports whether a Postgres connection is configured.
func (c *Config) DatabaseEnabled() bool {
	return c.DatabaseURL.Value() != ""
}

// KafkaEnabled reports whether the Kafka ingress is configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

func envInt(key string, fallback, lo, hi int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}

	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, fmt.Errorf("%s must be an integer between %d and %d", key, lo, hi)
	}

	return v, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}

	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration (e.g. 2s, 1h)", key)
	}

	return v, nil
}

func splitList(raw string) []string {
	var out []string

	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}
