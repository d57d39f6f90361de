package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DINOX_API_TOKEN", "")
	t.Setenv(ConfigFileEnv, "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected defaults to load, got %v", err)
	}
	if cfg.DinoXBaseURL != "https://api.deepdataspace.com/v2" {
		t.Fatalf("unexpected base url: %s", cfg.DinoXBaseURL)
	}
	if cfg.DinoXPollAttempts != 30 || cfg.DinoXPollInterval != time.Second {
		t.Fatalf("unexpected poll budget: %d x %s", cfg.DinoXPollAttempts, cfg.DinoXPollInterval)
	}
	if !cfg.DinoXFailOpen {
		t.Fatal("expected fail-open by default")
	}
	if cfg.DinoXToken != "" {
		t.Fatalf("expected empty token, got %q", cfg.DinoXToken)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")
	t.Setenv("DINOX_API_TOKEN", " secret-token ")
	t.Setenv("DINOX_BASE_URL", "http://localhost:9999/v2/")
	t.Setenv("DINOX_POLL_ATTEMPTS", "5")
	t.Setenv("DINOX_POLL_INTERVAL", "250ms")
	t.Setenv("DINOX_FAIL_OPEN", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DinoXToken != "secret-token" {
		t.Fatalf("expected trimmed token, got %q", cfg.DinoXToken)
	}
	if cfg.DinoXBaseURL != "http://localhost:9999/v2" {
		t.Fatalf("expected trailing slash stripped, got %s", cfg.DinoXBaseURL)
	}
	if cfg.DinoXPollAttempts != 5 || cfg.DinoXPollInterval != 250*time.Millisecond {
		t.Fatalf("unexpected poll budget: %d x %s", cfg.DinoXPollAttempts, cfg.DinoXPollInterval)
	}
	if cfg.DinoXFailOpen {
		t.Fatal("expected fail-open disabled")
	}
}

func TestLoadReadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dinox.env")
	if err := os.WriteFile(path, []byte("DINOX_MODEL=DINO-X-2.0\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigFileEnv, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DinoXModel != "DINO-X-2.0" {
		t.Fatalf("expected model from file, got %s", cfg.DinoXModel)
	}
}

func TestLoadRejectsNonPositiveAttempts(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")
	t.Setenv("DINOX_POLL_ATTEMPTS", "0")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero poll attempts")
	}
}
