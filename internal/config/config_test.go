package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromViper(NewViper(""))
	if err != nil {
		t.Fatalf("FromViper: %v", err)
	}
	if cfg.Tokens.RefreshMargin != 5*time.Minute {
		t.Errorf("refresh margin = %s, want 5m", cfg.Tokens.RefreshMargin)
	}
	if cfg.Enrich.ZonesBatch != 20 || cfg.Enrich.SegmentsBatch != 10 {
		t.Errorf("unexpected enrichment caps: %+v", cfg.Enrich)
	}
	if cfg.Quota.ShortWindow != 15*time.Minute {
		t.Errorf("short window = %s, want 15m", cfg.Quota.ShortWindow)
	}
	if len(cfg.Trophy.ActivityTypes) != 4 {
		t.Errorf("activity types = %v", cfg.Trophy.ActivityTypes)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "30m")
	t.Setenv("BACKOFF_CAP", "2h")

	cfg, err := FromViper(NewViper(""))
	if err != nil {
		t.Fatalf("FromViper: %v", err)
	}
	if cfg.Sync.Interval != 30*time.Minute {
		t.Errorf("sync interval = %s, want 30m", cfg.Sync.Interval)
	}
	if cfg.Backoff.Cap != 2*time.Hour {
		t.Errorf("backoff cap = %s, want 2h", cfg.Backoff.Cap)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clubsync.yaml")
	body := "trophy:\n  timezone: Europe/London\n  time_of_day: \"04:30\"\nenrich:\n  zones_batch: 2\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, found, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !found {
		t.Error("expected config file to be reported as found")
	}
	h, m, err := cfg.Trophy.Clock()
	if err != nil || h != 4 || m != 30 {
		t.Errorf("Clock() = %d:%d, %v", h, m, err)
	}
	if cfg.Enrich.ZonesBatch != 2 {
		t.Errorf("zones batch = %d, want 2", cfg.Enrich.ZonesBatch)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	v := NewViper("")
	v.Set("backoff.base", "2h")
	v.Set("backoff.cap", "1h")
	v.Set("trophy.time_of_day", "25:99")
	if _, err := FromViper(v); err == nil {
		t.Fatal("expected validation error")
	}
}
