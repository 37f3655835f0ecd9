package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// minSecretLen is the shortest accepted signing secret.
const minSecretLen = 32

// listenHosts are loopback addresses for local deployments plus the
// wildcards used in containers, where the network boundary is external.
var listenHosts = []string{"127.0.0.1", "::1", "localhost", "0.0.0.0", "::"}

// validate reports every problem at once so a broken deployment can be
// fixed in one pass.
func (c *Config) validate() error {
	return errors.Join(
		c.validateListeners(),
		c.validateCORS(),
		c.validateStores(),
		c.validateSecrets(),
		c.validateTimings(),
	)
}

func parsePort(name, value string) (int, error) {
	port, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", name, err)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%s must be between 1 and 65535", name)
	}
	return port, nil
}

func (c *Config) validateListeners() error {
	var errs []error

	port, err := parsePort("PORT", c.Port)
	errs = append(errs, err)

	metricsPort, err := parsePort("METRICS_PORT", c.MetricsPort)
	errs = append(errs, err)

	if port != 0 && port == metricsPort {
		errs = append(errs, errors.New("METRICS_PORT must differ from PORT"))
	}

	if !slices.Contains(listenHosts, c.ListenHost) {
		errs = append(errs, fmt.Errorf("LISTEN_HOST must be a loopback address or 0.0.0.0/:: for containers (got %q)", c.ListenHost))
	}

	return errors.Join(errs...)
}

// validateCORS accepts exact origins only.
func (c *Config) validateCORS() error {
	for _, origin := range c.CORSOrigins {
		switch u, err := url.Parse(origin); {
		case origin == "*":
			return errors.New("CORS_ORIGINS must not contain wildcard '*'")
		case strings.ContainsAny(origin, "*?[]"):
			return fmt.Errorf("CORS_ORIGINS must not contain glob characters (*?[]), got %q", origin)
		case err != nil || u.Scheme == "" || u.Host == "":
			return fmt.Errorf("CORS_ORIGINS contains invalid origin %q (must have scheme and host)", origin)
		}
	}

	return nil
}

// storeURL checks that raw parses with one of schemes and names a host.
func storeURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	switch {
	case err != nil:
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	case !slices.Contains(schemes, u.Scheme):
		return fmt.Errorf("%s scheme must be %s://", name, strings.Join(schemes, ":// or "))
	case u.Hostname() == "":
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}

func (c *Config) validateStores() error {
	errs := []error{storeURL("REDIS_URL", c.RedisURL.Value(), "redis", "rediss")}

	if c.DatabaseEnabled() {
		errs = append(errs, storeURL("DATABASE_URL", c.DatabaseURL.Value(), "postgres", "postgresql"))
	}

	switch c.Fanout {
	case FanoutLocal, FanoutRedis:
	case FanoutNATS:
		if c.NATSURL == "" {
			errs = append(errs, errors.New("NATS_URL is required when FANOUT is nats"))
		}
	default:
		errs = append(errs, fmt.Errorf("FANOUT must be 'local', 'redis' or 'nats', got %q", c.Fanout))
	}

	if c.KafkaEnabled() && c.KafkaTopic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
	}

	return errors.Join(errs...)
}

func (c *Config) validateSecrets() error {
	var errs []error

	for name, s := range map[string]Secret{"JWT_SECRET": c.JWTSecret, "PUBLISH_SECRET": c.PublishSecret} {
		if len(s.Value()) < minSecretLen {
			errs = append(errs, fmt.Errorf("%s is required and must be at least %d characters", name, minSecretLen))
		}
	}

	if c.JWTSecret.Value() == c.PublishSecret.Value() && c.JWTSecret.Value() != "" {
		errs = append(errs, errors.New("PUBLISH_SECRET must differ from JWT_SECRET"))
	}

	return errors.Join(errs...)
}

// validateTimings keeps a live connection refreshing its registry entry well
// before the entry expires.
func (c *Config) validateTimings() error {
	var errs []error

	if c.HeartbeatInterval >= c.ConnectionTTL {
		errs = append(errs, errors.New("HEARTBEAT_INTERVAL must be shorter than CONNECTION_TTL"))
	}
	if c.WriteTimeout >= c.HeartbeatInterval {
		errs = append(errs, errors.New("WRITE_TIMEOUT must be shorter than HEARTBEAT_INTERVAL"))
	}

	return errors.Join(errs...)
}
