package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"slabscan/internal/config"
)

func TestLoadDefaultConfigUsesEnvAndExpandsPaths(t *testing.T) {
	t.Setenv("SLABSCAN_GATEWAY_API_KEY", "gw-key")
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	if want := filepath.Join(tempHome, ".local", "share", "slabscan"); cfg.Paths.DataDir != want {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, want)
	}
	if cfg.Gateway.APIKey != "gw-key" {
		t.Fatalf("expected gateway key from env, got %q", cfg.Gateway.APIKey)
	}
	if cfg.Matching.AutoAcceptThreshold != 0.85 || cfg.Matching.TieEpsilon != 0.05 {
		t.Fatalf("unexpected matching defaults: %+v", cfg.Matching)
	}
	if cfg.Search.MinQueryLength != 2 {
		t.Fatalf("unexpected min query length %d", cfg.Search.MinQueryLength)
	}
	if cfg.LedgerPath() != filepath.Join(cfg.Paths.DataDir, "ledger.db") {
		t.Fatalf("unexpected ledger path %q", cfg.LedgerPath())
	}
}

func TestLoadCustomConfigFile(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	configPath := filepath.Join(t.TempDir(), "config.toml")
	payload := map[string]any{
		"paths": map[string]any{
			"data_dir": "~/scans",
		},
		"gateway": map[string]any{
			"base_url":        "https://ocr.example.com/",
			"timeout_seconds": 15,
		},
		"matching": map[string]any{
			"mode":                  "REMOTE",
			"auto_accept_threshold": 0.9,
		},
		"logging": map[string]any{
			"format": "JSON",
		},
	}
	data, err := toml.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("expected custom config to be used, got %q exists=%v", resolved, exists)
	}
	if cfg.Paths.DataDir != filepath.Join(tempHome, "scans") {
		t.Fatalf("unexpected data dir %q", cfg.Paths.DataDir)
	}
	if cfg.Gateway.BaseURL != "https://ocr.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Gateway.BaseURL)
	}
	if cfg.GatewayTimeout().Seconds() != 15 {
		t.Fatalf("unexpected gateway timeout %s", cfg.GatewayTimeout())
	}
	if cfg.Matching.Mode != "remote" || cfg.Logging.Format != "json" {
		t.Fatalf("expected normalized mode/format, got %q/%q", cfg.Matching.Mode, cfg.Logging.Format)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		needle string
	}{
		{"threshold", func(c *config.Config) { c.Matching.AutoAcceptThreshold = 1.5 }, "auto_accept_threshold"},
		{"epsilon", func(c *config.Config) { c.Matching.TieEpsilon = -0.1 }, "tie_epsilon"},
		{"mode", func(c *config.Config) { c.Matching.Mode = "hybrid" }, "matching.mode"},
		{"gateway", func(c *config.Config) { c.Gateway.BaseURL = "not a url" }, "gateway.base_url"},
		{"gemini", func(c *config.Config) { c.Gemini.Enabled = true; c.Gemini.APIKey = "" }, "gemini.api_key"},
		{"invalidation", func(c *config.Config) {
			c.Invalidation.Extra = map[string][]string{"teleport": {"summary"}}
		}, "unknown operation"},
	}
	for _, tc := range cases {
		cfg := config.Default()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.needle) {
			t.Fatalf("%s: expected %q in %q", tc.name, tc.needle, err.Error())
		}
	}
}

func TestCreateSampleIsLoadable(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	if _, _, exists, err := config.Load(path); err != nil || !exists {
		t.Fatalf("expected sample config to load, exists=%v err=%v", exists, err)
	}
}
