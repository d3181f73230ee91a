package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load returned nil config")
	}
	if cfg.JWTIssuer != "sessionguard" {
		t.Errorf("JWTIssuer = %q, want %q", cfg.JWTIssuer, "sessionguard")
	}
	if cfg.JWTAudience != "sessionguard-api" {
		t.Errorf("JWTAudience = %q, want %q", cfg.JWTAudience, "sessionguard-api")
	}
	if !cfg.RotationEnabled {
		t.Error("RotationEnabled should default to true")
	}
	if cfg.MaxSessionsPerUser != 5 {
		t.Errorf("MaxSessionsPerUser = %d, want 5", cfg.MaxSessionsPerUser)
	}
	if cfg.MaxSessionsPerDevice != 3 {
		t.Errorf("MaxSessionsPerDevice = %d, want 3", cfg.MaxSessionsPerDevice)
	}
	if cfg.LimitAction() != LimitActionDeny {
		t.Errorf("LimitAction = %q, want deny", cfg.LimitAction())
	}
	if cfg.GraceMaxReplays != 3 {
		t.Errorf("GraceMaxReplays = %d, want 3", cfg.GraceMaxReplays)
	}
	if cfg.AutoRevokeThreshold != 0.8 {
		t.Errorf("AutoRevokeThreshold = %v, want 0.8", cfg.AutoRevokeThreshold)
	}
	if cfg.KafkaTopic != "sessionguard-events" {
		t.Errorf("KafkaTopic = %q, want default", cfg.KafkaTopic)
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	os.Clearenv()
	os.Setenv("SESSION_TTL", "1h")
	os.Setenv("REUSE_GRACE_WINDOW", "10s")
	os.Setenv("LIMIT_ACTION", "revoke_oldest")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SessionLifetime() != time.Hour {
		t.Errorf("SessionLifetime = %v, want 1h", cfg.SessionLifetime())
	}
	if cfg.GraceWindow() != 10*time.Second {
		t.Errorf("GraceWindow = %v, want 10s", cfg.GraceWindow())
	}
	if cfg.LimitAction() != LimitActionRevokeOldest {
		t.Errorf("LimitAction = %q, want revoke_oldest", cfg.LimitAction())
	}
}

func TestLoad_InvalidLimitAction(t *testing.T) {
	os.Clearenv()
	os.Setenv("LIMIT_ACTION", "explode")

	if _, err := Load(); err == nil {
		t.Fatal("Load should reject unknown LIMIT_ACTION")
	}
}

func TestLoad_RequiresFingerprintSecretInProduction(t *testing.T) {
	os.Clearenv()
	os.Setenv("APP_ENV", "production")

	if _, err := Load(); err == nil {
		t.Fatal("Load should require FINGERPRINT_SECRET in production")
	}
}

func TestDurationFallbacks(t *testing.T) {
	os.Clearenv()
	os.Setenv("SESSION_TTL", "bogus")
	os.Setenv("REAPER_INTERVAL", "-5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SessionLifetime() != 24*time.Hour {
		t.Errorf("SessionLifetime fallback = %v, want 24h", cfg.SessionLifetime())
	}
	if cfg.SweepInterval() != 60*time.Second {
		t.Errorf("SweepInterval fallback = %v, want 60s", cfg.SweepInterval())
	}
	if cfg.PruneInterval() != 5*time.Minute {
		t.Errorf("PruneInterval fallback = %v, want 5m", cfg.PruneInterval())
	}
}

func TestKafkaBrokersList(t *testing.T) {
	os.Clearenv()
	os.Setenv("KAFKA_BROKERS", "localhost:9092, broker2:9092 ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := cfg.KafkaBrokersList()
	if len(got) != 2 || got[0] != "localhost:9092" || got[1] != "broker2:9092" {
		t.Errorf("KafkaBrokersList = %v", got)
	}
}
