package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var envKeys = []string{
	"MONIAGENT_STORE", "SQLITE_PATH", "MYSQL_DSN", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"SESSION_TTL", "MONIAGENT_BACKEND", "POSTGRES_DSN", "LLM_PROVIDER", "LLM_MODEL", "LLM_API_KEY",
	"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GOOGLE_API_KEY", "LOG_LEVEL", "METRICS_ADDR",
	"CONFIRMATION_TTL", "NODE_TIMEOUT", "MAX_STEPS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "moniagent.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Driver != StoreSQLite || cfg.Backend.Driver != BackendMemory || cfg.LLM.Provider != ProviderNone {
		t.Errorf("unexpected drivers: %+v", cfg)
	}
	if cfg.Capture.ConfirmationTTL != 30*time.Minute || cfg.Capture.MaxSteps != 20 {
		t.Errorf("unexpected capture defaults: %+v", cfg.Capture)
	}
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)

	path := writeFile(t, `
store:
  driver: redis
  redis_addr: localhost:6379
  ttl: 2h
llm:
  provider: anthropic
  model: claude-3-5-haiku-latest
capture:
  confirmation_ttl: 5m
  max_steps: 12
logger:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Driver != StoreRedis || cfg.Store.RedisAddr != "localhost:6379" || cfg.Store.TTL != 2*time.Hour {
		t.Errorf("unexpected store: %+v", cfg.Store)
	}
	if cfg.LLM.Provider != ProviderAnthropic || cfg.LLM.Model != "claude-3-5-haiku-latest" {
		t.Errorf("unexpected llm: %+v", cfg.LLM)
	}
	if cfg.Capture.ConfirmationTTL != 5*time.Minute || cfg.Capture.MaxSteps != 12 {
		t.Errorf("unexpected capture: %+v", cfg.Capture)
	}
	if cfg.Capture.NodeTimeout != 30*time.Second {
		t.Errorf("unset keys should keep defaults, got %v", cfg.Capture.NodeTimeout)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("unexpected level %q", cfg.Logger.Level)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "llm:\n  provider: openai\ncapture:\n  max_steps: 12\n")

	t.Setenv("MAX_STEPS", "7")
	t.Setenv("CONFIRMATION_TTL", "90s")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Capture.MaxSteps != 7 || cfg.Capture.ConfirmationTTL != 90*time.Second {
		t.Errorf("env did not override: %+v", cfg.Capture)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("expected provider key fallback, got %q", cfg.LLM.APIKey)
	}

	t.Setenv("LLM_API_KEY", "explicit")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLM.APIKey != "explicit" {
		t.Errorf("LLM_API_KEY should win, got %q", cfg.LLM.APIKey)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		env     map[string]string
		invalid bool
	}{
		{name: "unknown key", file: "store:\n  drivr: sqlite\n"},
		{name: "bad duration", file: "capture:\n  confirmation_ttl: soon\n"},
		{name: "bad env int", env: map[string]string{"MAX_STEPS": "many"}, invalid: true},
		{name: "bad env duration", env: map[string]string{"NODE_TIMEOUT": "later"}, invalid: true},
		{name: "unknown store", env: map[string]string{"MONIAGENT_STORE": "etcd"}, invalid: true},
		{name: "mysql without dsn", env: map[string]string{"MONIAGENT_STORE": "mysql"}, invalid: true},
		{name: "redis without addr", env: map[string]string{"MONIAGENT_STORE": "redis"}, invalid: true},
		{name: "postgres without dsn", env: map[string]string{"MONIAGENT_BACKEND": "postgres"}, invalid: true},
		{name: "unknown provider", env: map[string]string{"LLM_PROVIDER": "gigachat"}, invalid: true},
		{name: "zero max steps", env: map[string]string{"MAX_STEPS": "0"}, invalid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeFile(t, tt.file)
			}

			_, err := Load(path)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.invalid && !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
