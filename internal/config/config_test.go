package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "chainpilot.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  address: \":9000\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Stream.ResumeWindow != 15*time.Second {
		t.Fatalf("expected 15s resume window, got %s", cfg.Stream.ResumeWindow)
	}
	if cfg.Stream.BufferSize != 64 || cfg.LLM.MaxSteps != 5 {
		t.Fatalf("unexpected stream defaults: %+v %+v", cfg.Stream, cfg.LLM)
	}
	if cfg.Storage.Driver != "memory" || cfg.Registry.Driver != "memory" || cfg.Broker.Driver != "memory" {
		t.Fatalf("unexpected drivers: %s %s %s", cfg.Storage.Driver, cfg.Registry.Driver, cfg.Broker.Driver)
	}
	if cfg.Runtime.DataDir != filepath.Join(filepath.Dir(path), "data") {
		t.Fatalf("data dir should be relative to config: %s", cfg.Runtime.DataDir)
	}
	if cfg.Quota.MessagesPerType["guest"] != 20 {
		t.Fatalf("unexpected quota defaults: %v", cfg.Quota.MessagesPerType)
	}
}

func TestLoadParsesDurationsAndEnvOverrides(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-test")
	t.Setenv("CHAINPILOT_RABBITMQ_URL", "amqp://guest:guest@mq:5672/")
	path := writeConfig(t, `
stream:
  resume_window: 30s
  session_lifetime: 1h
  buffer_size: 8
broker:
  driver: rabbitmq
llm:
  provider: openai
  openai:
    api_key_env: TEST_LLM_KEY
  models:
    fast: gpt-4o-mini
web3:
  chains_file: chains.yaml
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Stream.ResumeWindow != 30*time.Second || cfg.Stream.SessionLifetime != time.Hour || cfg.Stream.BufferSize != 8 {
		t.Fatalf("unexpected stream config: %+v", cfg.Stream)
	}
	if cfg.LLM.OpenAI.APIKey != "sk-test" {
		t.Fatalf("expected api key from env, got %q", cfg.LLM.OpenAI.APIKey)
	}
	if cfg.Broker.RabbitMQ.URL != "amqp://guest:guest@mq:5672/" {
		t.Fatalf("expected rabbitmq url from env, got %q", cfg.Broker.RabbitMQ.URL)
	}
	if cfg.Web3.ChainsFile != filepath.Join(filepath.Dir(path), "chains.yaml") {
		t.Fatalf("chains file should resolve relative to config: %s", cfg.Web3.ChainsFile)
	}
	if cfg.LLM.Models["fast"] != "gpt-4o-mini" {
		t.Fatalf("model aliases lost: %v", cfg.LLM.Models)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	path := writeConfig(t, "broker:\n  driver: kafka\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown broker driver")
	}
}

func TestLoadRequiresMySQLDSN(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: mysql\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error when mysql dsn is missing")
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if PathFromEnv() != DefaultPath {
		t.Fatalf("expected default path")
	}
	t.Setenv(EnvConfigPath, "/etc/chainpilot.yaml")
	if PathFromEnv() != "/etc/chainpilot.yaml" {
		t.Fatalf("expected env path")
	}
}
