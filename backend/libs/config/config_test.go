package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type sample struct {
	HTTP struct {
		Port string `yaml:"port" env:"SAMPLE_HTTP_PORT"`
	} `yaml:"http"`
	Batch struct {
		Timeout time.Duration `yaml:"timeout"`
		DryRun  bool          `yaml:"dryRun"`
	} `yaml:"batch"`
	Rates map[string]int `yaml:"rates"`
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigFromFileAndEnv(t *testing.T) {
	path := writeFile(t, `
http:
  port: "9000"
batch:
  timeout: 5s
rates:
  practice_space: 1500
`)
	t.Setenv("SAMPLE_HTTP_PORT", "9100")
	t.Setenv("BATCH_DRYRUN", "true")

	var cfg sample
	if err := LoadConfigFrom(path, &cfg); err != nil {
		t.Fatalf("LoadConfigFrom: %v", err)
	}
	if cfg.HTTP.Port != "9100" {
		t.Fatalf("expected env override 9100, got %q", cfg.HTTP.Port)
	}
	if cfg.Batch.Timeout != 5*time.Second {
		t.Fatalf("expected 5s timeout, got %s", cfg.Batch.Timeout)
	}
	if !cfg.Batch.DryRun {
		t.Fatal("expected dry run from env")
	}
	if cfg.Rates["practice_space"] != 1500 {
		t.Fatalf("expected rate from yaml, got %v", cfg.Rates)
	}
}

func TestLoadConfigDurationFromEnv(t *testing.T) {
	t.Setenv("BATCH_TIMEOUT", "1m30s")

	var cfg sample
	if err := LoadConfigFrom("", &cfg); err != nil {
		t.Fatalf("LoadConfigFrom: %v", err)
	}
	if cfg.Batch.Timeout != 90*time.Second {
		t.Fatalf("expected 90s, got %s", cfg.Batch.Timeout)
	}
}

func TestLoadConfigRejectsNonPointer(t *testing.T) {
	if err := LoadConfigFrom("", sample{}); err == nil {
		t.Fatal("expected error for non-pointer target")
	}
}

func TestLoadConfigBadEnvValue(t *testing.T) {
	t.Setenv("BATCH_DRYRUN", "maybe")
	var cfg sample
	if err := LoadConfigFrom("", &cfg); err == nil {
		t.Fatal("expected parse error")
	}
}
