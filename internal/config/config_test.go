package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.ProcessTimeout != 15*time.Minute {
		t.Fatalf("ProcessTimeout = %v, want 15m", cfg.ProcessTimeout)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Fatalf("SweepInterval = %v, want 30s", cfg.SweepInterval)
	}
	if cfg.MultipartThreshold != 100*1024*1024 {
		t.Fatalf("MultipartThreshold = %d", cfg.MultipartThreshold)
	}
	if cfg.AnonDailyCap != 10 {
		t.Fatalf("AnonDailyCap = %d, want 10", cfg.AnonDailyCap)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PROCESS_TIMEOUT", "90s")
	t.Setenv("ANON_DAILY_CAP", "3")
	t.Setenv("ENABLED_SUPPLIERS", "standard")

	cfg := Load()

	if cfg.ProcessTimeout != 90*time.Second {
		t.Fatalf("ProcessTimeout = %v, want 90s", cfg.ProcessTimeout)
	}
	if cfg.AnonDailyCap != 3 {
		t.Fatalf("AnonDailyCap = %d, want 3", cfg.AnonDailyCap)
	}
	if len(cfg.EnabledSuppliers) != 1 || cfg.EnabledSuppliers[0] != "standard" {
		t.Fatalf("EnabledSuppliers = %v", cfg.EnabledSuppliers)
	}
}
