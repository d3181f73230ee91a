// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LimitAction is the action taken when a user exceeds the per-user session limit.
type LimitAction string

const (
	// LimitActionDeny fails session creation when the per-user limit is reached.
	LimitActionDeny LimitAction = "deny"
	// LimitActionRevokeOldest revokes the oldest active session and proceeds.
	LimitActionRevokeOldest LimitAction = "revoke_oldest"
	// LimitActionAlert emits a security event and proceeds.
	LimitActionAlert LimitAction = "alert"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// DatabaseURL is the Postgres DSN; empty means the in-memory store is used.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisURL is the Redis connection URL for the used-token table; empty means in-memory.
	RedisURL string `mapstructure:"REDIS_URL"`

	// FingerprintSecret is the HMAC key for device fingerprints. Required.
	FingerprintSecret string `mapstructure:"FINGERPRINT_SECRET"`

	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim on minted access tokens.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim on minted access tokens.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`

	// SessionTTL is the session lifetime (e.g. "24h").
	SessionTTL string `mapstructure:"SESSION_TTL"`
	// RefreshTTL is the refresh token lifetime (e.g. "168h"). Extended on each rotation.
	RefreshTTL string `mapstructure:"REFRESH_TTL"`
	// RotationEnabled controls refresh token rotation; when false the same token is reused.
	RotationEnabled bool `mapstructure:"ROTATION_ENABLED"`
	// ReuseGraceWindow is how long a consumed refresh token may be re-presented and treated
	// as a client retry rather than a replay attack (e.g. "5s").
	ReuseGraceWindow string `mapstructure:"REUSE_GRACE_WINDOW"`
	// GraceMaxReplays caps how many times a consumed token may be replayed inside the grace
	// window before the replay is treated as an attack anyway.
	GraceMaxReplays int `mapstructure:"GRACE_MAX_REPLAYS"`

	// MaxSessionsPerUser is the per-user active session cap; 0 disables the check.
	MaxSessionsPerUser int `mapstructure:"MAX_SESSIONS_PER_USER"`
	// MaxSessionsPerDevice is the per-device active session cap; 0 disables the check.
	MaxSessionsPerDevice int `mapstructure:"MAX_SESSIONS_PER_DEVICE"`
	// LimitActionOnExceed is deny, revoke_oldest, or alert.
	LimitActionOnExceed string `mapstructure:"LIMIT_ACTION"`

	// AutoRevokeThreshold is the risk score above which a revoke recommendation on a
	// freshly created session is enforced immediately.
	AutoRevokeThreshold float64 `mapstructure:"AUTO_REVOKE_THRESHOLD"`

	// ReaperInterval is the period between session expiry sweeps (e.g. "60s").
	ReaperInterval string `mapstructure:"REAPER_INTERVAL"`
	// AnomalyPruneInterval is the period between anomaly-history prunes (e.g. "5m").
	AnomalyPruneInterval string `mapstructure:"ANOMALY_PRUNE_INTERVAL"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses for security events.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// KafkaTopic is the Kafka topic for security events (default sessionguard-events).
	KafkaTopic string `mapstructure:"SECURITY_EVENTS_KAFKA_TOPIC"`

	// OTLPEndpoint is the OTLP gRPC endpoint for traces/metrics/logs; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("FINGERPRINT_SECRET", "")
	v.SetDefault("JWT_ISSUER", "sessionguard")
	v.SetDefault("JWT_AUDIENCE", "sessionguard-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("REFRESH_TTL", "168h") // 7d
	v.SetDefault("ROTATION_ENABLED", true)
	v.SetDefault("REUSE_GRACE_WINDOW", "5s")
	v.SetDefault("GRACE_MAX_REPLAYS", 3)
	v.SetDefault("MAX_SESSIONS_PER_USER", 5)
	v.SetDefault("MAX_SESSIONS_PER_DEVICE", 3)
	v.SetDefault("LIMIT_ACTION", string(LimitActionDeny))
	v.SetDefault("AUTO_REVOKE_THRESHOLD", 0.8)
	v.SetDefault("REAPER_INTERVAL", "60s")
	v.SetDefault("ANOMALY_PRUNE_INTERVAL", "5m")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("SECURITY_EVENTS_KAFKA_TOPIC", "sessionguard-events")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	switch LimitAction(cfg.LimitActionOnExceed) {
	case LimitActionDeny, LimitActionRevokeOldest, LimitActionAlert:
	default:
		return nil, errors.New("config: LIMIT_ACTION must be deny, revoke_oldest, or alert")
	}

	if cfg.MaxSessionsPerUser < 0 || cfg.MaxSessionsPerDevice < 0 {
		return nil, errors.New("config: session limits must not be negative")
	}
	if cfg.GraceMaxReplays < 1 {
		return nil, errors.New("config: GRACE_MAX_REPLAYS must be at least 1")
	}
	if cfg.AutoRevokeThreshold < 0 || cfg.AutoRevokeThreshold > 1 {
		return nil, errors.New("config: AUTO_REVOKE_THRESHOLD must be in [0,1]")
	}
	if cfg.FingerprintSecret == "" && cfg.Env == "production" {
		return nil, errors.New("config: FINGERPRINT_SECRET must be set when APP_ENV=production")
	}

	return &cfg, nil
}

// LimitAction returns the configured over-limit action.
func (c *Config) LimitAction() LimitAction { return LimitAction(c.LimitActionOnExceed) }

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration { return c.duration(c.JWTAccessTTL, 15*time.Minute) }

// SessionLifetime parses SessionTTL. Returns 24h if unset or invalid.
func (c *Config) SessionLifetime() time.Duration { return c.duration(c.SessionTTL, 24*time.Hour) }

// RefreshLifetime parses RefreshTTL. Returns 168h if unset or invalid.
func (c *Config) RefreshLifetime() time.Duration { return c.duration(c.RefreshTTL, 168*time.Hour) }

// GraceWindow parses ReuseGraceWindow. Returns 5s if unset or invalid.
func (c *Config) GraceWindow() time.Duration { return c.duration(c.ReuseGraceWindow, 5*time.Second) }

// SweepInterval parses ReaperInterval. Returns 60s if unset or invalid.
func (c *Config) SweepInterval() time.Duration { return c.duration(c.ReaperInterval, 60*time.Second) }

// PruneInterval parses AnomalyPruneInterval. Returns 5m if unset or invalid.
func (c *Config) PruneInterval() time.Duration {
	return c.duration(c.AnomalyPruneInterval, 5*time.Minute)
}

func (c *Config) duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if event export is enabled (non-empty list) and to create the producer.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
