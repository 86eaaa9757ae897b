package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quill.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: anthropic
  model: claude-sonnet-4-20250514
  api_key: test-key
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Agent.MaxIterations != 10 {
		t.Fatalf("max_iterations = %d", cfg.Agent.MaxIterations)
	}
	if cfg.Tools.MaxParallel != 3 || cfg.Tools.Timeout != 30*time.Second {
		t.Fatalf("tools defaults: %+v", cfg.Tools)
	}
	if cfg.Failover.FailureThreshold != 3 || cfg.Failover.CooldownBase != 30*time.Second {
		t.Fatalf("failover defaults: %+v", cfg.Failover)
	}
	if cfg.Memory.CacheSize != 1000 {
		t.Fatalf("cache size = %d", cfg.Memory.CacheSize)
	}
	if cfg.Agent.RetrospectEnabled == nil || !*cfg.Agent.RetrospectEnabled {
		t.Fatal("retrospect not enabled by default")
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("QUILL_TEST_KEY", "sk-from-env")
	path := writeConfig(t, `
llm:
  provider: openai
  model: gpt-4o
  api_key: ${QUILL_TEST_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.APIKey != "sk-from-env" {
		t.Fatalf("api_key = %q", cfg.LLM.APIKey)
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: carrier-pigeon
  model: fast-bird
`)
	if _, err := Load(path); err == nil {
		t.Fatal("unknown provider accepted")
	}
}

func TestLoadFallbacks(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: anthropic
  model: claude-sonnet-4-20250514
  api_key: k1
  fallbacks:
    - provider: openai
      model: gpt-4o
      api_key: k2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.LLM.Fallbacks) != 1 || cfg.LLM.Fallbacks[0].Provider != "openai" {
		t.Fatalf("fallbacks = %+v", cfg.LLM.Fallbacks)
	}
}

func TestValidateRequiresProvider(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty provider accepted")
	}
}
