package redisutil

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestNewClientNoTLS(t *testing.T) {
	client, err := NewClient(Options{URL: "redis://localhost:6379"})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	defer client.Close()
}

func TestBuildTLSConfigInsecure(t *testing.T) {
	cfg, err := buildTLSConfig(nil, TLSOptions{Insecure: true, ServerName: "redis.internal"})
	if err != nil {
		t.Fatalf("buildTLSConfig: %v", err)
	}
	if cfg == nil || !cfg.InsecureSkipVerify || cfg.ServerName != "redis.internal" {
		t.Fatalf("unexpected tls config: %#v", cfg)
	}
}

func TestBuildTLSConfigRequiresPair(t *testing.T) {
	if _, err := buildTLSConfig(nil, TLSOptions{CertPath: "/tmp/cert.pem"}); err == nil {
		t.Fatalf("expected error when key is missing")
	}
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv(envRedisClusterAddrs, "a:1, b:2\nc:3")
	t.Setenv(envRedisTLSInsecure, "yes")
	opts := OptionsFromEnv("redis://localhost:6379")
	if len(opts.ClusterAddrs) != 3 || opts.ClusterAddrs[2] != "c:3" {
		t.Fatalf("unexpected cluster addrs: %v", opts.ClusterAddrs)
	}
	if !opts.TLS.Insecure {
		t.Fatalf("expected insecure tls")
	}
}

func TestDialPingsServer(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()

	client, err := Dial(context.Background(), "redis://"+srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	srv.Close()
	if _, err := Dial(context.Background(), "redis://"+srv.Addr()); err == nil {
		t.Fatalf("expected dial error after server shutdown")
	}
}
