package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsvetkov/loom/internal/caps"
	"github.com/tsvetkov/loom/internal/config"
)

func testApp(t *testing.T) *app {
	t.Helper()
	return &app{
		settings: config.Default(),
		log:      zap.NewNop(),
		caps:     caps.NewCache(filepath.Join(t.TempDir(), "caps.json")),
	}
}

func TestBuildRunConfig_Defaults(t *testing.T) {
	a := testApp(t)
	cmd := &cobra.Command{}
	cfg, err := a.buildRunConfig(cmd, runFile{Project: "demo", Prompt: "hi", Mode: "qa"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cfg.Model != a.settings.DefaultModel {
		t.Fatalf("model: %q", cfg.Model)
	}
	if cfg.Temperature != a.settings.DefaultTemperature {
		t.Fatalf("temperature: %v", cfg.Temperature)
	}
	if !cfg.Versing {
		t.Fatalf("versing must default on")
	}
	if cfg.Mode != "QA" {
		t.Fatalf("mode not normalized: %q", cfg.Mode)
	}
}

func TestBuildRunConfig_PromptFileAndOverrides(t *testing.T) {
	a := testApp(t)
	promptPath := filepath.Join(t.TempDir(), "prompt.txt")
	if err := os.WriteFile(promptPath, []byte("from file"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	temp := 0.9
	versing := false
	cfg, err := a.buildRunConfig(&cobra.Command{}, runFile{
		Project:     "demo",
		PromptFile:  promptPath,
		Mode:        "GENERATE",
		Model:       "gpt-4o",
		Temperature: &temp,
		Versing:     &versing,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cfg.Prompt != "from file" {
		t.Fatalf("prompt: %q", cfg.Prompt)
	}
	if cfg.Model != "gpt-4o" || cfg.Temperature != 0.9 || cfg.Versing {
		t.Fatalf("overrides lost: %+v", cfg)
	}
}

func TestBuildRunConfig_ResumeWithoutRunFails(t *testing.T) {
	a := testApp(t)
	a.settings.LogRoot = t.TempDir()
	_, err := a.buildRunConfig(&cobra.Command{}, runFile{Project: "demo", Prompt: "x", Mode: "GENERATE", Resume: true})
	if err == nil {
		t.Fatalf("expected resume failure with empty log root")
	}
}
