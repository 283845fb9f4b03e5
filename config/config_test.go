package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	if cfg.Retry.QuickMaxRetries != 3 {
		t.Errorf("Expected 3 quick retries, got %d", cfg.Retry.QuickMaxRetries)
	}
	if cfg.Retry.QuickMaxDelay.Std() != 60*time.Second {
		t.Errorf("Expected 60s quick max delay, got %v", cfg.Retry.QuickMaxDelay.Std())
	}
	if cfg.Retry.MaxLongRetryDuration.Std() != 30*time.Minute {
		t.Errorf("Expected 30m max long retry duration, got %v", cfg.Retry.MaxLongRetryDuration.Std())
	}
	if !cfg.Retry.IsLongRetryEnabled() {
		t.Error("Long retry should default to enabled")
	}
	if !cfg.Retry.ShouldRespectRetryAfter() {
		t.Error("Retry-After should be respected by default")
	}
	if cfg.StreamRecovery.FlushEveryNChunks != 50 {
		t.Errorf("Expected flush every 50 chunks, got %d", cfg.StreamRecovery.FlushEveryNChunks)
	}
	if len(cfg.Retry.NetworkErrorCodes) == 0 {
		t.Error("Expected default network error codes")
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "damper.yaml")
	body := `
cache:
  ttl: 10m
  max_entries: 5
retry:
  quick_max_retries: 7
  long_retry_enabled: false
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Cache.TTL.Std() != 10*time.Minute {
		t.Errorf("Expected 10m TTL, got %v", cfg.Cache.TTL.Std())
	}
	if cfg.Cache.MaxEntries != 5 {
		t.Errorf("Expected 5 max entries, got %d", cfg.Cache.MaxEntries)
	}
	if cfg.Retry.QuickMaxRetries != 7 {
		t.Errorf("Expected 7 quick retries, got %d", cfg.Retry.QuickMaxRetries)
	}
	if cfg.Retry.IsLongRetryEnabled() {
		t.Error("Explicit long_retry_enabled: false should stick")
	}

	// Untouched sections keep defaults.
	if cfg.Queue.ProcessorInterval != "@every 30s" {
		t.Errorf("Expected default processor interval, got %q", cfg.Queue.ProcessorInterval)
	}
	if cfg.Retry.QuickInitialDelay.Std() != time.Second {
		t.Errorf("Expected default 1s initial delay, got %v", cfg.Retry.QuickInitialDelay.Std())
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Missing config file should not error: %v", err)
	}
	if cfg.Retry.QuickMaxRetries != 3 {
		t.Error("Missing file should yield defaults")
	}
}

func TestLoadBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "damper.yaml")
	if err := os.WriteFile(path, []byte("cache:\n  ttl: banana\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected error for invalid duration")
	}
}
