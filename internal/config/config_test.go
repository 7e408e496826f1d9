package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_JSONAppliesDefaults(t *testing.T) {
	path := writeFile(t, "settings.json", `{"default_model": "gpt-4o"}`)
	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.DefaultModel != "gpt-4o" {
		t.Fatalf("default_model: got %q", s.DefaultModel)
	}
	if s.Retry.MaxAttempts != 6 || s.Retry.BaseDelaySec != 0.8 {
		t.Fatalf("retry defaults: %+v", s.Retry)
	}
	if len(s.Security.DenyExtensionsIn) == 0 || len(s.Security.DenyGlobsIn) == 0 {
		t.Fatalf("security deny defaults missing: %+v", s.Security)
	}
	if s.Pricing.CacheTTLHours != 24 {
		t.Fatalf("pricing ttl: got %d", s.Pricing.CacheTTLHours)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "settings.yaml", "default_model: gpt-4o\nretry:\n  max_attempts: 3\n")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Retry.MaxAttempts != 3 {
		t.Fatalf("max_attempts: got %d", s.Retry.MaxAttempts)
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	path := writeFile(t, "settings.json", `{"default_modl": "typo"}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown-field error")
	}
	ypath := writeFile(t, "settings.yaml", "default_modl: typo\n")
	if _, err := Load(ypath); err == nil {
		t.Fatalf("expected unknown-field error for yaml")
	}
}

func TestLoad_ValidatesRanges(t *testing.T) {
	path := writeFile(t, "settings.json", `{"default_temperature": 9}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "default_temperature") {
		t.Fatalf("expected temperature validation error, got %v", err)
	}
}

func TestLoadOrCreate_WritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("load-or-create: %v", err)
	}
	if s.DefaultModel != "gpt-4o-mini" {
		t.Fatalf("default model: got %q", s.DefaultModel)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("settings file not written: %v", err)
	}
	// Round trip.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.DefaultModel != s.DefaultModel || again.Retry != s.Retry {
		t.Fatalf("round trip mismatch: %+v vs %+v", again, s)
	}
}

func TestRetryPolicyConversion(t *testing.T) {
	s := Default()
	p := s.RetryPolicy()
	if p.MaxAttempts != 6 {
		t.Fatalf("max attempts: got %d", p.MaxAttempts)
	}
	if p.BaseDelay != 800*time.Millisecond {
		t.Fatalf("base delay: got %v", p.BaseDelay)
	}
	if p.MaxDelay != 20*time.Second || p.BreakerCooldown != 20*time.Second {
		t.Fatalf("delays: %+v", p)
	}
	if p.Jitter != 250*time.Millisecond {
		t.Fatalf("jitter: got %v", p.Jitter)
	}
}
