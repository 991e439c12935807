package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr       = ":8265"
	defaultMetricsAddr    = ":9092"
	defaultRedisURL       = "redis://localhost:6379"
	defaultSessionName    = "jobgate"
	defaultPolicy         = PolicyHeadNode
	defaultCandidateCount = 2
	defaultRetryInterval  = time.Second
	defaultWaitTimeout    = 60 * time.Second
	defaultRPCTimeout     = 30 * time.Second
	defaultCallTimeout    = 300 * time.Second
	defaultTailPoll       = time.Second
	defaultPinTTL         = 10 * time.Minute
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"

	envConfigPath     = "JOBGATE_CONFIG"
	envHTTPAddr       = "GATEWAY_HTTP_ADDR"
	envGRPCAddr       = "GATEWAY_GRPC_ADDR"
	envMetricsAddr    = "GATEWAY_METRICS_ADDR"
	envRedisURL       = "REDIS_URL"
	envNATSURL        = "NATS_URL"
	envSessionName    = "SESSION_NAME"
	envHeadNodeOnly   = "JOB_AGENT_USE_HEAD_NODE_ONLY"
	envCandidateCount = "CANDIDATE_AGENT_NUMBER"
	envRetryInterval  = "AGENT_RETRY_INTERVAL"
	envWaitTimeout    = "WAIT_AVAILABLE_AGENT_TIMEOUT"
	envRPCTimeout     = "METASTORE_RPC_TIMEOUT"
	envCallTimeout    = "AGENT_CALL_TIMEOUT"
	envTailPoll       = "TAIL_POLL_INTERVAL"
	envPinTTL         = "PACKAGE_PIN_TTL"
	envLogLevel       = "LOG_LEVEL"
	envLogFormat      = "LOG_FORMAT"
	envRetention      = "PACKAGE_RETENTION"
	envAPIKeys        = "JOBGATE_API_KEYS"
	envAllowedOrigins = "JOBGATE_ALLOWED_ORIGINS"
)

// Selection policies for picking the agent that serves submit/stop/delete.
const (
	PolicyHeadNode = "head"
	PolicyRandom   = "random"
)

// AgentsConfig controls agent discovery and selection.
type AgentsConfig struct {
	Policy         string        `yaml:"policy"`
	CandidateCount int           `yaml:"candidate_count"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	WaitTimeout    time.Duration `yaml:"wait_timeout"`
	RPCTimeout     time.Duration `yaml:"rpc_timeout"`
	// CallTimeout bounds a single agent HTTP call; RPCTimeout only covers
	// metadata store reads.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// TailConfig controls the log tail relay.
type TailConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// PackagesConfig controls the package pass-through store. A zero retention
// keeps packages until removed.
type PackagesConfig struct {
	PinTTL    time.Duration `yaml:"pin_ttl"`
	Retention time.Duration `yaml:"retention"`
}

// AuthConfig enables API key checks and browser origin filtering. Both are
// off when empty.
type AuthConfig struct {
	APIKeys        []string `yaml:"api_keys"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config holds runtime configuration for the gateway.
type Config struct {
	HTTPAddr    string         `yaml:"http_addr"`
	GRPCAddr    string         `yaml:"grpc_addr"`
	MetricsAddr string         `yaml:"metrics_addr"`
	RedisURL    string         `yaml:"redis_url"`
	NatsURL     string         `yaml:"nats_url"`
	SessionName string         `yaml:"session_name"`
	Agents      AgentsConfig   `yaml:"agents"`
	Tail        TailConfig     `yaml:"tail"`
	Packages    PackagesConfig `yaml:"packages"`
	Auth        AuthConfig     `yaml:"auth"`
	Logging     LoggingConfig  `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPAddr:    defaultHTTPAddr,
		MetricsAddr: defaultMetricsAddr,
		RedisURL:    defaultRedisURL,
		SessionName: defaultSessionName,
		Agents: AgentsConfig{
			Policy:         defaultPolicy,
			CandidateCount: defaultCandidateCount,
			RetryInterval:  defaultRetryInterval,
			WaitTimeout:    defaultWaitTimeout,
			RPCTimeout:     defaultRPCTimeout,
			CallTimeout:    defaultCallTimeout,
		},
		Tail:     TailConfig{PollInterval: defaultTailPoll},
		Packages: PackagesConfig{PinTTL: defaultPinTTL},
		Logging:  LoggingConfig{Level: defaultLogLevel, Format: defaultLogFormat},
	}
}

// Load returns configuration from defaults, the optional YAML file named by
// JOBGATE_CONFIG, and environment variables, in increasing precedence.
func Load() (*Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(envConfigPath)); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Parse overlays YAML data on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	// #nosec G304 -- config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.HTTPAddr, envHTTPAddr)
	setString(&c.GRPCAddr, envGRPCAddr)
	setString(&c.MetricsAddr, envMetricsAddr)
	setString(&c.RedisURL, envRedisURL)
	setString(&c.NatsURL, envNATSURL)
	setString(&c.SessionName, envSessionName)
	setString(&c.Logging.Level, envLogLevel)
	setString(&c.Logging.Format, envLogFormat)

	setList(&c.Auth.APIKeys, envAPIKeys)
	setList(&c.Auth.AllowedOrigins, envAllowedOrigins)

	if raw := strings.TrimSpace(os.Getenv(envHeadNodeOnly)); raw != "" {
		if parseBool(raw) {
			c.Agents.Policy = PolicyHeadNode
		} else {
			c.Agents.Policy = PolicyRandom
		}
	}
	if raw := strings.TrimSpace(os.Getenv(envCandidateCount)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", envCandidateCount, err)
		}
		c.Agents.CandidateCount = n
	}
	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{envRetryInterval, &c.Agents.RetryInterval},
		{envWaitTimeout, &c.Agents.WaitTimeout},
		{envRPCTimeout, &c.Agents.RPCTimeout},
		{envCallTimeout, &c.Agents.CallTimeout},
		{envTailPoll, &c.Tail.PollInterval},
		{envPinTTL, &c.Packages.PinTTL},
		{envRetention, &c.Packages.Retention},
	} {
		if err := setDuration(d.dst, d.env); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if strings.TrimSpace(c.RedisURL) == "" {
		errs = append(errs, errors.New("redis_url is required"))
	}
	switch c.Agents.Policy {
	case PolicyHeadNode, PolicyRandom:
	default:
		errs = append(errs, fmt.Errorf("agents.policy must be %q or %q, got %q", PolicyHeadNode, PolicyRandom, c.Agents.Policy))
	}
	if c.Agents.CandidateCount < 1 {
		errs = append(errs, fmt.Errorf("agents.candidate_count must be >= 1, got %d", c.Agents.CandidateCount))
	}
	for name, d := range map[string]time.Duration{
		"agents.retry_interval": c.Agents.RetryInterval,
		"agents.wait_timeout":   c.Agents.WaitTimeout,
		"agents.rpc_timeout":    c.Agents.RPCTimeout,
		"agents.call_timeout":   c.Agents.CallTimeout,
		"tail.poll_interval":    c.Tail.PollInterval,
		"packages.pin_ttl":      c.Packages.PinTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Packages.Retention < 0 {
		errs = append(errs, errors.New("packages.retention must not be negative"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		*dst = val
	}
}

func setList(dst *[]string, key string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.Trim(strings.TrimSpace(part), "\"'"); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

// setDuration accepts Go durations ("1500ms") or plain seconds ("1.5").
func setDuration(dst *time.Duration, key string) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
		return nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	*dst = time.Duration(secs * float64(time.Second))
	return nil
}

func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
