package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Tools.Concurrency != 10 {
		t.Errorf("Tools.Concurrency = %d, want 10", cfg.Tools.Concurrency)
	}
	if cfg.Scoring.PriceMax != 500 || cfg.Scoring.DaysMax != 30 || cfg.Scoring.WarningsMax != 5 {
		t.Errorf("Scoring = %+v, want 500/30/5", cfg.Scoring)
	}
	if cfg.Tax.Rates["DE"] != 0.19 {
		t.Errorf("Tax.Rates[DE] = %v, want 0.19", cfg.Tax.Rates["DE"])
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missionctl.yaml")

	t.Setenv("TEST_LLM_KEY", "sk-test")

	yaml := `
log:
  level: debug
  format: json
llm:
  api_key: "${TEST_LLM_KEY}"
tools:
  retry:
    max_attempts: 5
    base: 250ms
  concurrency: 4
pipeline:
  deadline: 45s
  confirm_plan_selection: true
tax:
  default_rate: 0.1
  rates:
    DE: 0.19
checkpoint:
  driver: sqlite
  dsn: /tmp/sessions.sqlite
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v, want debug/json", cfg.Log)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("LLM.APIKey = %q, want interpolated value", cfg.LLM.APIKey)
	}
	if cfg.LLM.PlannerModel == "" {
		t.Error("LLM.PlannerModel should keep its default")
	}
	if cfg.Tools.Retry.MaxAttempts != 5 {
		t.Errorf("Tools.Retry.MaxAttempts = %d, want 5", cfg.Tools.Retry.MaxAttempts)
	}
	if cfg.Tools.Retry.Base != 250*time.Millisecond {
		t.Errorf("Tools.Retry.Base = %v, want 250ms", cfg.Tools.Retry.Base)
	}
	if cfg.Pipeline.Deadline != 45*time.Second {
		t.Errorf("Pipeline.Deadline = %v, want 45s", cfg.Pipeline.Deadline)
	}
	if !cfg.Pipeline.ConfirmPlanSelection {
		t.Error("Pipeline.ConfirmPlanSelection should be true")
	}
	if cfg.Tax.Rates["DE"] != 0.19 || cfg.Tax.Rates["FR"] != 0.20 {
		t.Errorf("Tax.Rates = %v, want file rates merged over defaults", cfg.Tax.Rates)
	}
	if cfg.Checkpoint.Driver != "sqlite" {
		t.Errorf("Checkpoint.Driver = %q, want sqlite", cfg.Checkpoint.Driver)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/missionctl.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Checkpoint.Driver != "bolt" {
		t.Errorf("Checkpoint.Driver = %q, want default %q", cfg.Checkpoint.Driver, "bolt")
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missionctl.yaml")
	yaml := `
log:
  level: loud
evidence:
  kind: s3
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log.level", "evidence.bucket"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"retry attempts", func(c *Config) { c.Tools.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"search limit", func(c *Config) { c.Pipeline.SearchLimit = 101 }, "search_limit"},
		{"tax key", func(c *Config) { c.Tax.Rates = map[string]float64{"Germany": 0.19} }, "ISO-3166"},
		{"tax rate", func(c *Config) { c.Tax.DefaultRate = 1.5 }, "default_rate"},
		{"fallback price", func(c *Config) { c.ShippingFallback.Price = "cheap" }, "shipping_fallback.price"},
		{"checkpoint driver", func(c *Config) { c.Checkpoint.Driver = "mongo" }, "checkpoint.driver"},
		{"file archive", func(c *Config) { c.Evidence.Kind = "file" }, "evidence.dir"},
		{"telemetry endpoint", func(c *Config) { c.Telemetry.Enabled = true; c.Telemetry.Endpoint = "" }, "telemetry.endpoint"},
		{"scoring", func(c *Config) { c.Scoring.DaysMax = 0 }, "scoring"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestInterpolateEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("NUM_123", "456")

	tests := []struct {
		input string
		want  string
	}{
		{"${FOO}", "bar"},
		{"prefix-${FOO}-suffix", "prefix-bar-suffix"},
		{"${UNSET_VAR}", "${UNSET_VAR}"}, // unresolved stays
		{"${FOO} and ${NUM_123}", "bar and 456"},
		{"no vars here", "no vars here"},
	}

	for _, tt := range tests {
		got := interpolateEnvVars(tt.input)
		if got != tt.want {
			t.Errorf("interpolateEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
