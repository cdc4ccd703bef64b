package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/escrowflow")
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Arbitration.Quorum != 3 {
		t.Errorf("Quorum = %d, want 3", cfg.Arbitration.Quorum)
	}
	if cfg.Arbitration.EscalationMax != 2 {
		t.Errorf("EscalationMax = %d, want 2", cfg.Arbitration.EscalationMax)
	}
	if cfg.Arbitration.EscalationCooldown != 24*time.Hour {
		t.Errorf("EscalationCooldown = %v, want 24h", cfg.Arbitration.EscalationCooldown)
	}
	if cfg.Triage.RateLimit != 10 {
		t.Errorf("RateLimit = %d, want 10", cfg.Triage.RateLimit)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/escrowflow")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("ARBITRATION_QUORUM", "5")
	t.Setenv("ESCALATION_COOLDOWN_HOURS", "6")
	t.Setenv("TRIAGE_RATE_LIMIT", "3")
	t.Setenv("ARBITRATION_START_PAUSED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Arbitration.Quorum != 5 {
		t.Errorf("Quorum = %d, want 5", cfg.Arbitration.Quorum)
	}
	if cfg.Arbitration.EscalationCooldown != 6*time.Hour {
		t.Errorf("EscalationCooldown = %v, want 6h", cfg.Arbitration.EscalationCooldown)
	}
	if cfg.Triage.RateLimit != 3 {
		t.Errorf("RateLimit = %d, want 3", cfg.Triage.RateLimit)
	}
	if !cfg.Arbitration.StartPaused {
		t.Error("StartPaused = false, want true")
	}
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "test-secret")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing DATABASE_URL")
	}
}

func TestLoad_InvalidIntFallsBack(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/escrowflow")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("ARBITRATION_QUORUM", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Arbitration.Quorum != 3 {
		t.Errorf("Quorum = %d, want default 3", cfg.Arbitration.Quorum)
	}
}
