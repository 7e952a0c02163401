package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rollcall.dev/internal/ledger"
	"rollcall.dev/internal/proxypool"
)

// ErrInvalidConfiguration marks every validation failure so callers can
// errors.Is against one sentinel.
var ErrInvalidConfiguration = errors.New("config: invalid configuration")

// Config models rollcall.yml. Durations travel as integer milliseconds or
// seconds so the file stays plain YAML scalars.
type Config struct {
	Pool struct {
		Descriptors      []string `yaml:"descriptors"`
		DescriptorsFile  string   `yaml:"descriptors_file"`
		FailureThreshold int      `yaml:"failure_threshold"`
		LatencyCeilingMS int      `yaml:"latency_ceiling_ms"`
		ProbeTimeoutMS   int      `yaml:"probe_timeout_ms"`
		ProbeIntervalSec int      `yaml:"probe_interval_seconds"`
		ProbesPerSecond  float64  `yaml:"probes_per_second"`
	} `yaml:"pool"`
	Retry struct {
		MaxAttempts int `yaml:"max_attempts"`
		BaseDelayMS int `yaml:"base_delay_ms"`
		MaxDelayMS  int `yaml:"max_delay_ms"`
	} `yaml:"retry"`
	Orchestrator struct {
		MaxConcurrency   int `yaml:"max_concurrency"`
		RunDeadlineSec   int `yaml:"run_deadline_seconds"`
		RequeueBackoffMS int `yaml:"requeue_backoff_ms"`
		QueueSize        int `yaml:"queue_size"`
	} `yaml:"orchestrator"`
	Ledger struct {
		ProxyDailyCost   float64 `yaml:"proxy_daily_cost"`
		AccountCost      float64 `yaml:"account_cost"`
		MailboxCost      float64 `yaml:"mailbox_cost"`
		AmortisationDays int     `yaml:"amortisation_days"`
		DailyOverhead    float64 `yaml:"daily_overhead"`
		RevenuePerDay    float64 `yaml:"revenue_per_day"`
		ActivityPercent  float64 `yaml:"activity_percent"`
	} `yaml:"ledger"`
	HTTP struct {
		Addr                 string  `yaml:"addr"`
		OperatorPasswordHash string  `yaml:"operator_password_hash"`
		TokenTTLMinutes      int     `yaml:"token_ttl_minutes"`
		RatePerSecond        float64 `yaml:"rate_per_second"`
		RateBurst            int     `yaml:"rate_burst"`
		MaxBodyBytes         int64   `yaml:"max_body_bytes"`
		AllowedOrigin        string  `yaml:"allowed_origin"`
	} `yaml:"http"`
	Store struct {
		DSN                string `yaml:"dsn"`
		MaxOpenConns       int    `yaml:"max_open_conns"`
		MaxIdleConns       int    `yaml:"max_idle_conns"`
		ConnMaxLifetimeSec int    `yaml:"conn_max_lifetime_seconds"`
	} `yaml:"store"`
	Creds struct {
		KeyHex string `yaml:"key_hex"`
	} `yaml:"creds"`
}

// Default returns the configuration the daemon runs with when rollcall.yml
// leaves a section out.
func Default() *Config {
	cfg := &Config{}
	cfg.Pool.FailureThreshold = 3
	cfg.Pool.LatencyCeilingMS = 1500
	cfg.Pool.ProbeTimeoutMS = 5000
	cfg.Pool.ProbeIntervalSec = 30
	cfg.Pool.ProbesPerSecond = 5

	cfg.Retry.MaxAttempts = 3
	cfg.Retry.BaseDelayMS = 500
	cfg.Retry.MaxDelayMS = 30000

	cfg.Orchestrator.MaxConcurrency = 4
	cfg.Orchestrator.RunDeadlineSec = 600
	cfg.Orchestrator.RequeueBackoffMS = 2000
	cfg.Orchestrator.QueueSize = 1024

	s := ledger.DefaultSchedule()
	cfg.Ledger.ProxyDailyCost = s.ProxyDailyCost
	cfg.Ledger.AccountCost = s.AccountCost
	cfg.Ledger.MailboxCost = s.MailboxCost
	cfg.Ledger.AmortisationDays = s.AmortisationDays
	cfg.Ledger.DailyOverhead = s.DailyOverhead
	cfg.Ledger.RevenuePerDay = s.RevenuePerDay
	cfg.Ledger.ActivityPercent = s.ActivityPercent

	cfg.HTTP.Addr = ":8080"
	cfg.HTTP.TokenTTLMinutes = 60
	cfg.HTTP.RatePerSecond = 10
	cfg.HTTP.RateBurst = 20
	cfg.HTTP.MaxBodyBytes = 1 << 20

	cfg.Store.MaxOpenConns = 8
	cfg.Store.MaxIdleConns = 4
	cfg.Store.ConnMaxLifetimeSec = 1800
	return cfg
}

// Load reads the file over Default so absent keys keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}

// Validate ensures the config can actually run the daemon. Ledger rules are
// the hard contract: a zero amortisation window or an activity percentage
// outside [0, 100] must fail here, not at computation time.
func (c *Config) Validate() error {
	for _, d := range c.Pool.Descriptors {
		if _, err := proxypool.ParseDescriptor(d); err != nil {
			return invalid("pool.descriptors: %v", err)
		}
	}
	if c.Pool.FailureThreshold <= 0 {
		return invalid("pool.failure_threshold must be positive")
	}
	if c.Pool.LatencyCeilingMS <= 0 {
		return invalid("pool.latency_ceiling_ms must be positive")
	}
	if c.Pool.ProbeTimeoutMS <= 0 {
		return invalid("pool.probe_timeout_ms must be positive")
	}
	if c.Pool.ProbeIntervalSec <= 0 {
		return invalid("pool.probe_interval_seconds must be positive")
	}
	if c.Pool.ProbesPerSecond <= 0 {
		return invalid("pool.probes_per_second must be positive")
	}

	if c.Retry.MaxAttempts <= 0 {
		return invalid("retry.max_attempts must be positive")
	}
	if c.Retry.BaseDelayMS <= 0 {
		return invalid("retry.base_delay_ms must be positive")
	}
	if c.Retry.MaxDelayMS < c.Retry.BaseDelayMS {
		return invalid("retry.max_delay_ms must be >= retry.base_delay_ms")
	}

	if c.Orchestrator.MaxConcurrency <= 0 {
		return invalid("orchestrator.max_concurrency must be positive")
	}
	if c.Orchestrator.RunDeadlineSec < 0 {
		return invalid("orchestrator.run_deadline_seconds cannot be negative")
	}
	if c.Orchestrator.RequeueBackoffMS <= 0 {
		return invalid("orchestrator.requeue_backoff_ms must be positive")
	}
	if c.Orchestrator.QueueSize <= 0 {
		return invalid("orchestrator.queue_size must be positive")
	}

	if err := c.Schedule().Validate(); err != nil {
		return invalid("ledger.%v", err)
	}

	if c.HTTP.Addr == "" {
		return invalid("http.addr is required")
	}
	if c.HTTP.TokenTTLMinutes <= 0 {
		return invalid("http.token_ttl_minutes must be positive")
	}
	if c.HTTP.RatePerSecond <= 0 || c.HTTP.RateBurst <= 0 {
		return invalid("http rate limit must be positive")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return invalid("http.max_body_bytes must be positive")
	}
	if h := c.HTTP.OperatorPasswordHash; h != "" && !strings.HasPrefix(h, "$2") {
		return invalid("http.operator_password_hash must be a bcrypt hash")
	}

	if c.Store.MaxOpenConns < 0 || c.Store.MaxIdleConns < 0 || c.Store.ConnMaxLifetimeSec < 0 {
		return invalid("store connection tuning cannot be negative")
	}

	if c.Creds.KeyHex != "" {
		if _, err := c.CredsKey(); err != nil {
			return invalid("creds.key_hex: %v", err)
		}
	}
	return nil
}

// Schedule converts the ledger block into the domain type.
func (c *Config) Schedule() ledger.Schedule {
	return ledger.Schedule{
		ProxyDailyCost:   c.Ledger.ProxyDailyCost,
		AccountCost:      c.Ledger.AccountCost,
		MailboxCost:      c.Ledger.MailboxCost,
		AmortisationDays: c.Ledger.AmortisationDays,
		DailyOverhead:    c.Ledger.DailyOverhead,
		RevenuePerDay:    c.Ledger.RevenuePerDay,
		ActivityPercent:  c.Ledger.ActivityPercent,
	}
}

// CredsKey decodes the sealing key; it must be 32 bytes of hex.
func (c *Config) CredsKey() ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(c.Creds.KeyHex))
	if err != nil {
		return nil, fmt.Errorf("not valid hex: %v", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("want 32 bytes, got %d", len(key))
	}
	return key, nil
}

func (c *Config) LatencyCeiling() time.Duration {
	return time.Duration(c.Pool.LatencyCeilingMS) * time.Millisecond
}

func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Pool.ProbeTimeoutMS) * time.Millisecond
}

func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Pool.ProbeIntervalSec) * time.Second
}

func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelayMS) * time.Millisecond
}

func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayMS) * time.Millisecond
}

func (c *Config) RunDeadline() time.Duration {
	return time.Duration(c.Orchestrator.RunDeadlineSec) * time.Second
}

func (c *Config) RequeueBackoff() time.Duration {
	return time.Duration(c.Orchestrator.RequeueBackoffMS) * time.Millisecond
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.HTTP.TokenTTLMinutes) * time.Minute
}

func (c *Config) ConnMaxLifetime() time.Duration {
	return time.Duration(c.Store.ConnMaxLifetimeSec) * time.Second
}

// PoolDescriptors merges inline descriptors with the optional file, one
// descriptor per line, # for comments.
func (c *Config) PoolDescriptors() ([]string, error) {
	out := append([]string(nil), c.Pool.Descriptors...)
	if c.Pool.DescriptorsFile == "" {
		return out, nil
	}
	data, err := os.ReadFile(c.Pool.DescriptorsFile)
	if err != nil {
		return nil, fmt.Errorf("pool.descriptors_file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}
