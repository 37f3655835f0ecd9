package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/streamgate/streamgate/internal/config"
)

func setValidEnv(t *testing.T) {
	t.Helper()
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("JWT_SECRET", strings.Repeat("j", 32))
	t.Setenv("PUBLISH_SECRET", strings.Repeat("p", 32))
	t.Setenv("CORS_ORIGINS", "http://localhost:3000")
}

func TestLoad_ValidConfig(t *testing.T) {
	setValidEnv(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.Port != "3040" {
		t.Errorf("expected default port 3040, got %s", cfg.Port)
	}

	if cfg.Addr() != "127.0.0.1:3040" {
		t.Errorf("expected addr 127.0.0.1:3040, got %s", cfg.Addr())
	}

	if cfg.MetricsAddr() != "127.0.0.1:9092" {
		t.Errorf("expected metrics addr 127.0.0.1:9092, got %s", cfg.MetricsAddr())
	}

	if cfg.DatabaseEnabled() {
		t.Error("expected database disabled without DATABASE_URL")
	}

	if cfg.KafkaEnabled() {
		t.Error("expected kafka disabled without KAFKA_BROKERS")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setValidEnv(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.MaxConnectionsPerSession != 3 {
		t.Errorf("MaxConnectionsPerSession = %d, want 3", cfg.MaxConnectionsPerSession)
	}

	if cfg.ReplayMaxLen != 1000 {
		t.Errorf("ReplayMaxLen = %d, want 1000", cfg.ReplayMaxLen)
	}

	if cfg.AuditRetentionDays != 30 {
		t.Errorf("AuditRetentionDays = %d, want 30", cfg.AuditRetentionDays)
	}

	if cfg.ReplayTTL != time.Hour {
		t.Errorf("ReplayTTL = %s, want 1h", cfg.ReplayTTL)
	}

	if cfg.WriteTimeout != 2*time.Second {
		t.Errorf("WriteTimeout = %s, want 2s", cfg.WriteTimeout)
	}

	if cfg.Fanout != config.FanoutRedis {
		t.Errorf("Fanout = %q, want redis", cfg.Fanout)
	}
}

func TestLoad_Lists(t *testing.T) {
	setValidEnv(t)
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}

	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.test" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestSecret_Redacted(t *testing.T) {
	s := config.Secret("hunter2")
	if s.String() != "[REDACTED]" || s.GoString() != "[REDACTED]" {
		t.Error("secret leaked through formatting")
	}

	if s.Value() != "hunter2" {
		t.Errorf("Value() = %q", s.Value())
	}
}

func TestLoad_ErrorCases(t *testing.T) {
	tests := []struct {
		name         string
		envOverrides map[string]string
		envClear     []string
		wantErr      string
	}{
		{
			name:         "invalid PORT zero",
			envOverrides: map[string]string{"PORT": "0"},
			wantErr:      "PORT must be between 1 and 65535",
		},
		{
			name:         "invalid PORT non-numeric",
			envOverrides: map[string]string{"PORT": "abc"},
			wantErr:      "PORT must be a valid integer",
		},
		{
			name:         "invalid LISTEN_HOST",
			envOverrides: map[string]string{"LISTEN_HOST": "192.168.1.1"},
			wantErr:      "LISTEN_HOST must be a loopback address or 0.0.0.0/:: for containers",
		},
		{
			name:         "METRICS_PORT same as PORT",
			envOverrides: map[string]string{"METRICS_PORT": "3040"},
			wantErr:      "METRICS_PORT must differ from PORT",
		},
		{
			name:         "CORS wildcard",
			envOverrides: map[string]string{"CORS_ORIGINS": "*"},
			wantErr:      "CORS_ORIGINS must not contain wildcard",
		},
		{
			name:         "CORS invalid origin",
			envOverrides: map[string]string{"CORS_ORIGINS": "not-a-url"},
			wantErr:      "CORS_ORIGINS contains invalid origin",
		},
		{
			name:         "bad redis scheme",
			envOverrides: map[string]string{"REDIS_URL": "http://localhost:6379"},
			wantErr:      "REDIS_URL scheme must be redis://",
		},
		{
			name:         "bad database scheme",
			envOverrides: map[string]string{"DATABASE_URL": "mysql://localhost/db"},
			wantErr:      "DATABASE_URL scheme must be postgres://",
		},
		{
			name:         "nats fanout without url",
			envOverrides: map[string]string{"FANOUT": "nats"},
			wantErr:      "NATS_URL is required",
		},
		{
			name:         "unknown fanout",
			envOverrides: map[string]string{"FANOUT": "carrier-pigeon"},
			wantErr:      "FANOUT must be",
		},
		{
			name:     "missing JWT secret",
			envClear: []string{"JWT_SECRET"},
			wantErr:  "JWT_SECRET is required",
		},
		{
			name:         "short publish secret",
			envOverrides: map[string]string{"PUBLISH_SECRET": "short"},
			wantErr:      "PUBLISH_SECRET is required and must be at least 32 characters",
		},
		{
			name:         "shared secrets",
			envOverrides: map[string]string{"PUBLISH_SECRET": strings.Repeat("j", 32)},
			wantErr:      "PUBLISH_SECRET must differ from JWT_SECRET",
		},
		{
			name:         "cap zero",
			envOverrides: map[string]string{"MAX_CONNECTIONS_PER_SESSION": "0"},
			wantErr:      "MAX_CONNECTIONS_PER_SESSION must be an integer between 1 and 100",
		},
		{
			name:         "replay len non-numeric",
			envOverrides: map[string]string{"REPLAY_MAX_LEN": "lots"},
			wantErr:      "REPLAY_MAX_LEN must be an integer between 1 and 100000",
		},
		{
			name:         "negative audit retention",
			envOverrides: map[string]string{"AUDIT_RETENTION_DAYS": "-1"},
			wantErr:      "AUDIT_RETENTION_DAYS must be an integer between 0 and 3650",
		},
		{
			name:         "bad duration",
			envOverrides: map[string]string{"WRITE_TIMEOUT": "soon"},
			wantErr:      "WRITE_TIMEOUT must be a positive duration",
		},
		{
			name:         "heartbeat longer than connection ttl",
			envOverrides: map[string]string{"HEARTBEAT_INTERVAL": "2m"},
			wantErr:      "HEARTBEAT_INTERVAL must be shorter than CONNECTION_TTL",
		},
		{
			name:         "write timeout longer than heartbeat",
			envOverrides: map[string]string{"WRITE_TIMEOUT": "20s"},
			wantErr:      "WRITE_TIMEOUT must be shorter than HEARTBEAT_INTERVAL",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setValidEnv(t)
			for _, k := range tc.envClear {
				t.Setenv(k, "")
			}
			for k, v := range tc.envOverrides {
				t.Setenv(k, v)
			}

			_, err := config.Load()
			if err == nil {
				t.Fatal("expected error, got nil")
			}

			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error containing %q, got %q", tc.wantErr, err.Error())
			}
		})
	}
}

func TestLoad_ReportsAllProblems(t *testing.T) {
	setValidEnv(t)
	t.Setenv("PORT", "0")
	t.Setenv("FANOUT", "nats")
	t.Setenv("PUBLISH_SECRET", "short")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	for _, want := range []string{"PORT must be between", "NATS_URL is required", "PUBLISH_SECRET is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err.Error(), want)
		}
	}
}
