// Package config loads and validates the project settings file. Files are
// accepted as JSON or YAML; unknown fields are errors so typos never pass
// silently.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tsvetkov/loom/internal/retry"
)

type Settings struct {
	DefaultModel       string  `json:"default_model" yaml:"default_model"`
	DefaultTemperature float64 `json:"default_temperature" yaml:"default_temperature"`
	LogRoot            string  `json:"log_root" yaml:"log_root"`
	ReceiptDBPath      string  `json:"receipt_db_path" yaml:"receipt_db_path"`

	Retry    RetrySettings    `json:"retry" yaml:"retry"`
	Logging  LoggingSettings  `json:"logging" yaml:"logging"`
	Pricing  PricingSettings  `json:"pricing" yaml:"pricing"`
	Security SecuritySettings `json:"security" yaml:"security"`
	Batch    BatchSettings    `json:"batch" yaml:"batch"`
	Caps     CapsSettings     `json:"capabilities" yaml:"capabilities"`
}

type RetrySettings struct {
	MaxAttempts        int     `json:"max_attempts" yaml:"max_attempts"`
	BaseDelaySec       float64 `json:"base_delay_sec" yaml:"base_delay_sec"`
	MaxDelaySec        float64 `json:"max_delay_sec" yaml:"max_delay_sec"`
	JitterSec          float64 `json:"jitter_sec" yaml:"jitter_sec"`
	BreakerFailures    int     `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerCooldownSec float64 `json:"breaker_cooldown_sec" yaml:"breaker_cooldown_sec"`
}

type LoggingSettings struct {
	Level string `json:"level" yaml:"level"`
}

type PricingSettings struct {
	SourceURL          string `json:"source_url" yaml:"source_url"`
	CachePath          string `json:"cache_path" yaml:"cache_path"`
	CacheTTLHours      int    `json:"cache_ttl_hours" yaml:"cache_ttl_hours"`
	AutoRefreshOnStart bool   `json:"auto_refresh_on_start" yaml:"auto_refresh_on_start"`
}

type SecuritySettings struct {
	AllowUploadSensitive bool     `json:"allow_upload_sensitive" yaml:"allow_upload_sensitive"`
	DenyExtensionsIn     []string `json:"deny_extensions_in" yaml:"deny_extensions_in"`
	AllowExtensionsIn    []string `json:"allow_extensions_in" yaml:"allow_extensions_in"`
	DenyGlobsIn          []string `json:"deny_globs_in" yaml:"deny_globs_in"`
	AllowGlobsIn         []string `json:"allow_globs_in" yaml:"allow_globs_in"`
}

type BatchSettings struct {
	CompletionWindow string `json:"completion_window" yaml:"completion_window"`
	PollIntervalSec  int    `json:"poll_interval_sec" yaml:"poll_interval_sec"`
}

type CapsSettings struct {
	CachePath        string `json:"cache_path" yaml:"cache_path"`
	TTLHours         int    `json:"ttl_hours" yaml:"ttl_hours"`
	AutoProbeOnStart bool   `json:"auto_probe_on_start" yaml:"auto_probe_on_start"`
}

// DefaultDenyExtensions and DefaultDenyGlobs gate the IN-mirror scan unless
// the settings override them.
var DefaultDenyExtensions = []string{
	".exe", ".dll", ".zip", ".7z", ".rar", ".png", ".jpg", ".jpeg", ".gif",
	".pdf", ".db", ".sqlite", ".pkl", ".pt", ".onnx",
}

var DefaultDenyGlobs = []string{
	"**/.git/**", "**/node_modules/**", "**/venv/**", "**/.venv/**", "**/LOG/**",
}

func Default() Settings {
	s := Settings{
		DefaultModel:       "gpt-4o-mini",
		DefaultTemperature: 0.2,
		LogRoot:            "LOG",
		ReceiptDBPath:      "receipts.sqlite",
	}
	applyDefaults(&s)
	return s
}

func applyDefaults(s *Settings) {
	if strings.TrimSpace(s.DefaultModel) == "" {
		s.DefaultModel = "gpt-4o-mini"
	}
	if strings.TrimSpace(s.LogRoot) == "" {
		s.LogRoot = "LOG"
	}
	if strings.TrimSpace(s.ReceiptDBPath) == "" {
		s.ReceiptDBPath = "receipts.sqlite"
	}
	r := &s.Retry
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 6
	}
	if r.BaseDelaySec <= 0 {
		r.BaseDelaySec = 0.8
	}
	if r.MaxDelaySec <= 0 {
		r.MaxDelaySec = 20
	}
	if r.JitterSec < 0 {
		r.JitterSec = 0
	} else if r.JitterSec == 0 {
		r.JitterSec = 0.25
	}
	if r.BreakerFailures <= 0 {
		r.BreakerFailures = 6
	}
	if r.BreakerCooldownSec <= 0 {
		r.BreakerCooldownSec = 20
	}
	if strings.TrimSpace(s.Logging.Level) == "" {
		s.Logging.Level = "info"
	}
	if strings.TrimSpace(s.Pricing.CachePath) == "" {
		s.Pricing.CachePath = "pricing_cache.json"
	}
	if s.Pricing.CacheTTLHours <= 0 {
		s.Pricing.CacheTTLHours = 24
	}
	if len(s.Security.DenyExtensionsIn) == 0 {
		s.Security.DenyExtensionsIn = append([]string(nil), DefaultDenyExtensions...)
	}
	if len(s.Security.DenyGlobsIn) == 0 {
		s.Security.DenyGlobsIn = append([]string(nil), DefaultDenyGlobs...)
	}
	if strings.TrimSpace(s.Batch.CompletionWindow) == "" {
		s.Batch.CompletionWindow = "24h"
	}
	if s.Batch.PollIntervalSec <= 0 {
		s.Batch.PollIntervalSec = 30
	}
	if strings.TrimSpace(s.Caps.CachePath) == "" {
		s.Caps.CachePath = "model_capabilities.json"
	}
	if s.Caps.TTLHours <= 0 {
		s.Caps.TTLHours = 24
	}
}

func validate(s *Settings) error {
	if s.DefaultTemperature < 0 || s.DefaultTemperature > 2 {
		return fmt.Errorf("default_temperature %v out of range [0, 2]", s.DefaultTemperature)
	}
	switch strings.ToLower(s.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug/info/warn/error", s.Logging.Level)
	}
	if s.Batch.CompletionWindow != "24h" {
		return fmt.Errorf("batch.completion_window %q is not supported (only 24h)", s.Batch.CompletionWindow)
	}
	return nil
}

// Load reads a settings file, applies defaults, and validates.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	var s Settings
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		err = decodeYAMLStrict(data, &s)
	} else {
		err = decodeJSONStrict(data, &s)
	}
	if err != nil {
		return Settings{}, fmt.Errorf("settings %s: %w", path, err)
	}
	applyDefaults(&s)
	if err := validate(&s); err != nil {
		return Settings{}, fmt.Errorf("settings %s: %w", path, err)
	}
	return s, nil
}

// LoadOrCreate returns the settings at path, writing the defaults there
// first when the file does not exist.
func LoadOrCreate(path string) (Settings, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		s := Default()
		if err := Save(path, s); err != nil {
			return Settings{}, err
		}
		return s, nil
	}
	return Load(path)
}

func Save(path string, s Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// RetryPolicy converts the settings block into the retry package's policy.
func (s Settings) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     s.Retry.MaxAttempts,
		BaseDelay:       secs(s.Retry.BaseDelaySec),
		MaxDelay:        secs(s.Retry.MaxDelaySec),
		Jitter:          secs(s.Retry.JitterSec),
		BreakerFailures: s.Retry.BreakerFailures,
		BreakerCooldown: secs(s.Retry.BreakerCooldownSec),
	}
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func decodeJSONStrict(b []byte, s *Settings) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(s); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, s *Settings) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}
