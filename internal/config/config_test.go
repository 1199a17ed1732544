package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: openai
  api_key: sk-test
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Fatalf("addr = %q", cfg.Server.Addr())
	}
	if cfg.LLM.MaxDepth != 5 {
		t.Fatalf("max depth = %d", cfg.LLM.MaxDepth)
	}
	if cfg.Sandbox.Backend != "docker" || cfg.Sandbox.TargetPrefix != "user_" {
		t.Fatalf("sandbox = %+v", cfg.Sandbox)
	}
	if cfg.Sandbox.Timeout != 30*time.Second {
		t.Fatalf("timeout = %v", cfg.Sandbox.Timeout)
	}
	if cfg.Session.SystemPromptPath != "/data/system_prompt.txt" {
		t.Fatalf("system prompt path = %q", cfg.Session.SystemPromptPath)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_TETHER_KEY", "sk-from-env")
	path := writeConfig(t, `
llm:
  provider: openai
  api_key: ${TEST_TETHER_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.APIKey != "sk-from-env" {
		t.Fatalf("api key = %q", cfg.LLM.APIKey)
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: cohere
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, `
sandbox:
  backend: kubernetes
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
