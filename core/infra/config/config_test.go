package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisURL != defaultRedisURL {
		t.Fatalf("expected default redis url")
	}
	if cfg.Agents.Policy != PolicyHeadNode {
		t.Fatalf("expected head node policy by default, got %q", cfg.Agents.Policy)
	}
	if cfg.Agents.CandidateCount != defaultCandidateCount {
		t.Fatalf("expected default candidate count")
	}
	if cfg.Agents.RetryInterval != time.Second || cfg.Agents.WaitTimeout != 60*time.Second {
		t.Fatalf("unexpected agent timings: %+v", cfg.Agents)
	}
	if cfg.Agents.RPCTimeout != 30*time.Second || cfg.Agents.CallTimeout != 300*time.Second {
		t.Fatalf("store and agent call budgets should default separately: %+v", cfg.Agents)
	}
	if cfg.GRPCAddr != "" || cfg.NatsURL != "" {
		t.Fatalf("optional listeners should be disabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv(envRedisURL, "redis://example:6379")
	t.Setenv(envNATSURL, "nats://example:4222")
	t.Setenv(envHeadNodeOnly, "false")
	t.Setenv(envCandidateCount, "5")
	t.Setenv(envRetryInterval, "250ms")
	t.Setenv(envWaitTimeout, "2.5")
	t.Setenv(envCallTimeout, "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisURL != "redis://example:6379" || cfg.NatsURL != "nats://example:4222" {
		t.Fatalf("unexpected urls: %+v", cfg)
	}
	if cfg.Agents.Policy != PolicyRandom {
		t.Fatalf("expected random policy, got %q", cfg.Agents.Policy)
	}
	if cfg.Agents.CandidateCount != 5 {
		t.Fatalf("unexpected candidate count %d", cfg.Agents.CandidateCount)
	}
	if cfg.Agents.RetryInterval != 250*time.Millisecond {
		t.Fatalf("unexpected retry interval %s", cfg.Agents.RetryInterval)
	}
	if cfg.Agents.WaitTimeout != 2500*time.Millisecond {
		t.Fatalf("unexpected wait timeout %s", cfg.Agents.WaitTimeout)
	}
	if cfg.Agents.CallTimeout != 45*time.Second || cfg.Agents.RPCTimeout != defaultRPCTimeout {
		t.Fatalf("call timeout must not touch the store timeout: %+v", cfg.Agents)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	data := []byte(`
http_addr: ":9000"
session_name: from-file
agents:
  policy: random
  candidate_count: 3
  retry_interval: 2s
tail:
  poll_interval: 500ms
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(envConfigPath, path)
	t.Setenv(envSessionName, "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9000" {
		t.Fatalf("file value not applied: %q", cfg.HTTPAddr)
	}
	if cfg.SessionName != "from-env" {
		t.Fatalf("env should win over file, got %q", cfg.SessionName)
	}
	if cfg.Agents.Policy != PolicyRandom || cfg.Agents.CandidateCount != 3 {
		t.Fatalf("unexpected agents config: %+v", cfg.Agents)
	}
	if cfg.Agents.RetryInterval != 2*time.Second || cfg.Tail.PollInterval != 500*time.Millisecond {
		t.Fatalf("durations not parsed: %+v %+v", cfg.Agents, cfg.Tail)
	}
	if cfg.Agents.WaitTimeout != defaultWaitTimeout {
		t.Fatalf("unset fields should keep defaults")
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse([]byte("agents:\n  policy: round-robin\n  candidate_count: 0\n"))
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "agents.policy") || !strings.Contains(msg, "candidate_count") {
		t.Fatalf("expected both problems reported, got %v", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv(envTailPoll, "soon")
	if _, err := Load(); err == nil {
		t.Fatalf("expected duration error")
	}
}

func TestLoadAuthLists(t *testing.T) {
	t.Setenv(envAPIKeys, ` "key-a" , key-b,,`)
	t.Setenv(envAllowedOrigins, "https://ui.example.com")
	t.Setenv(envRetention, "24h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if strings.Join(cfg.Auth.APIKeys, "|") != "key-a|key-b" {
		t.Fatalf("unexpected api keys: %v", cfg.Auth.APIKeys)
	}
	if len(cfg.Auth.AllowedOrigins) != 1 || cfg.Auth.AllowedOrigins[0] != "https://ui.example.com" {
		t.Fatalf("unexpected origins: %v", cfg.Auth.AllowedOrigins)
	}
	if cfg.Packages.Retention != 24*time.Hour {
		t.Fatalf("unexpected retention: %s", cfg.Packages.Retention)
	}
}
