package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
default_provider: local
providers:
  local:
    base_url: http://localhost:11434/v1/
    api_key: ${TOOLSMITH_TEST_KEY}
    models:
      default: qwen3:14b
  remote:
    base_url: https://api.example.com/v1/
agent:
  max_iterations: 5
mcp:
  handshake_timeout: 5s
servers:
  probe:
    transport: subprocess
    command: toolsmith-probe
    env:
      PROBE_TOKEN: ${PROBE_TOKEN}
  docs:
    transport: network
    url: https://docs.example/mcp
    protocol: sse
    enabled: false
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toolsmith.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	t.Setenv("TOOLSMITH_TEST_KEY", "sk-local")
	cfg, err := LoadFile(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if got := cfg.Providers["local"].APIKey; got != "sk-local" {
		t.Errorf("api key = %q, want expanded value", got)
	}
	if cfg.Agent.MaxIterations != 5 {
		t.Errorf("max_iterations = %d, want 5", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.MaxDelegationDepth != 2 {
		t.Errorf("max_delegation_depth = %d, want default 2", cfg.Agent.MaxDelegationDepth)
	}
	if cfg.MCP.HandshakeTimeout != 5*time.Second {
		t.Errorf("handshake_timeout = %v, want 5s", cfg.MCP.HandshakeTimeout)
	}
	if cfg.MCP.ClientName != "toolsmith" {
		t.Errorf("client_name = %q", cfg.MCP.ClientName)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}

	probe, ok := cfg.Servers["probe"]
	if !ok {
		t.Fatal("probe server missing")
	}
	if probe.Env["PROBE_TOKEN"] != "${PROBE_TOKEN}" {
		t.Errorf("server env should stay unexpanded, got %q", probe.Env["PROBE_TOKEN"])
	}
	if rec := probe.Record("probe"); !rec.Enabled {
		t.Error("servers are enabled by default")
	}
	if rec := cfg.Servers["docs"].Record("docs"); rec.Enabled || rec.Protocol != "sse" {
		t.Errorf("docs record = %+v", rec)
	}
	if n := len(cfg.ManagerOptions()); n != 2 {
		t.Errorf("got %d manager options, want 2", n)
	}
}

func TestSelect(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	name, p, model, err := cfg.Select("", "")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if name != "local" || model != "qwen3:14b" || !p.IsOllama() {
		t.Errorf("Select defaults = %s %s %+v", name, model, p)
	}

	if _, _, model, err = cfg.Select("local", "llama3"); err != nil || model != "llama3" {
		t.Errorf("explicit model = %q, %v", model, err)
	}
	if _, _, _, err := cfg.Select("remote", ""); err == nil {
		t.Error("expected error when provider has no default model")
	}
	if _, _, _, err := cfg.Select("nope", ""); err == nil {
		t.Error("expected error for unknown provider")
	}
}
