package redisutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	envRedisTLSCA         = "REDIS_TLS_CA"
	envRedisTLSCert       = "REDIS_TLS_CERT"
	envRedisTLSKey        = "REDIS_TLS_KEY"
	envRedisTLSInsecure   = "REDIS_TLS_INSECURE"
	envRedisTLSServerName = "REDIS_TLS_SERVER_NAME"
	envRedisClusterAddrs  = "REDIS_CLUSTER_ADDRESSES"

	pingTimeout = 2 * time.Second
)

// TLSOptions names the PEM files and verification settings for a TLS connection.
type TLSOptions struct {
	CAPath     string
	CertPath   string
	KeyPath    string
	ServerName string
	Insecure   bool
}

func (o TLSOptions) empty() bool {
	return o.CAPath == "" && o.CertPath == "" && o.KeyPath == "" && o.ServerName == "" && !o.Insecure
}

// Options describes how to reach the Redis deployment backing the metadata store.
type Options struct {
	URL          string
	ClusterAddrs []string
	TLS          TLSOptions
}

// OptionsFromEnv combines url with the REDIS_TLS_* and REDIS_CLUSTER_ADDRESSES settings.
func OptionsFromEnv(url string) Options {
	return Options{
		URL:          url,
		ClusterAddrs: parseAddrList(os.Getenv(envRedisClusterAddrs)),
		TLS: TLSOptions{
			CAPath:     strings.TrimSpace(os.Getenv(envRedisTLSCA)),
			CertPath:   strings.TrimSpace(os.Getenv(envRedisTLSCert)),
			KeyPath:    strings.TrimSpace(os.Getenv(envRedisTLSKey)),
			ServerName: strings.TrimSpace(os.Getenv(envRedisTLSServerName)),
			Insecure:   parseBool(os.Getenv(envRedisTLSInsecure)),
		},
	}
}

// NewClient creates a Redis universal client; a cluster client is returned when
// more than one address is configured.
func NewClient(o Options) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	tlsConfig, err := buildTLSConfig(opts.TLSConfig, o.TLS)
	if err != nil {
		return nil, err
	}
	addrs := o.ClusterAddrs
	if len(addrs) == 0 {
		addrs = []string{opts.Addr}
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:     addrs,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: tlsConfig,
	}), nil
}

// Dial creates a client from url plus environment settings and verifies it with a PING.
func Dial(ctx context.Context, url string) (redis.UniversalClient, error) {
	client, err := NewClient(OptionsFromEnv(url))
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func buildTLSConfig(existing *tls.Config, o TLSOptions) (*tls.Config, error) {
	if o.empty() {
		return existing, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if existing != nil {
		cfg = existing.Clone()
	}
	if o.ServerName != "" {
		cfg.ServerName = o.ServerName
	}
	if o.Insecure {
		cfg.InsecureSkipVerify = true // #nosec G402 -- explicit operator opt-in.
	}
	if o.CAPath != "" {
		pem, err := os.ReadFile(o.CAPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls ca read: %w", err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if ok := pool.AppendCertsFromPEM(pem); !ok {
			return nil, fmt.Errorf("redis tls ca parse: %s", o.CAPath)
		}
		cfg.RootCAs = pool
	}
	if o.CertPath != "" || o.KeyPath != "" {
		if o.CertPath == "" || o.KeyPath == "" {
			return nil, fmt.Errorf("redis tls cert/key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(o.CertPath, o.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func parseAddrList(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
