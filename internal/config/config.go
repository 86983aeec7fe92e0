// Package config loads the gateway configuration from YAML. Environment
// references in the file (${OPENAI_API_KEY} and friends) are expanded
// before decoding so secrets never live in the file itself.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig          `yaml:"server"`
	Redis     RedisConfig           `yaml:"redis"`
	WAL       WALConfig             `yaml:"wal"`
	Pricing   PricingConfig         `yaml:"pricing"`
	Auth      AuthConfig            `yaml:"auth"`
	Payment   PaymentConfig         `yaml:"payment"`
	Billing   BillingConfig         `yaml:"billing"`
	Authority AuthorityConfig       `yaml:"authority"`
	DLQ       DLQConfig             `yaml:"dlq"`
	Breaker   BreakerConfig         `yaml:"breaker"`
	RateLimit RateLimitConfig       `yaml:"rate_limit"`
	Providers []ProviderConfig      `yaml:"providers"`
	Pools     map[string]PoolConfig `yaml:"pools"`
	Tenants   []TenantConfig        `yaml:"tenants"`
}

type ServerConfig struct {
	Addr                   string `yaml:"addr"`
	Env                    string `yaml:"env"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	MaxCompletionTokens    int64  `yaml:"max_completion_tokens"`
	MarginBps              int    `yaml:"margin_bps"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type WALConfig struct {
	Path string `yaml:"path"`
}

type PricingConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	JWKSURL            string `yaml:"jwks_url"`
	Issuer             string `yaml:"issuer"`
	Audience           string `yaml:"audience"`
	SkewSeconds        int    `yaml:"skew_seconds"`
	MaxLifetimeMinutes int    `yaml:"max_lifetime_minutes"`
	JTITTLMinutes      int    `yaml:"jti_ttl_minutes"`
}

type PaymentConfig struct {
	Wallet              string `yaml:"wallet"`
	ChainID             int64  `yaml:"chain_id"`
	ChallengeSecret     string `yaml:"challenge_secret"`
	ChallengeTTLSeconds int    `yaml:"challenge_ttl_seconds"`
}

type BillingConfig struct {
	ReserveTTLMinutes int    `yaml:"reserve_ttl_minutes"`
	RetentionTTLHours int    `yaml:"retention_ttl_hours"`
	UsageLogPath      string `yaml:"usage_log_path"`
}

type AuthorityConfig struct {
	BaseURL             string `yaml:"base_url"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	DriftThresholdMicro int64  `yaml:"drift_threshold_micro"`
	HeadroomPercentBps  int    `yaml:"headroom_percent_bps"`
	AbsCapMicro         int64  `yaml:"abs_cap_micro"`
	FailOpenMaxSeconds  int    `yaml:"fail_open_max_seconds"`
}

type DLQConfig struct {
	MaxRetries          int   `yaml:"max_retries"`
	BackoffBaseMs       int   `yaml:"backoff_base_ms"`
	BackoffCapMs        int   `yaml:"backoff_cap_ms"`
	PollIntervalSeconds int   `yaml:"poll_interval_seconds"`
	BatchSize           int64 `yaml:"batch_size"`
}

type BreakerConfig struct {
	UnhealthyThreshold  int `yaml:"unhealthy_threshold"`
	RecoveryThreshold   int `yaml:"recovery_threshold"`
	RecoveryBaseSeconds int `yaml:"recovery_base_seconds"`
}

type RateLimitConfig struct {
	MaxCallsPerMinute int `yaml:"max_calls_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

type ProviderConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// PoolConfig binds a routing pool name to the upstream serving it.
type PoolConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type TenantConfig struct {
	ID               string             `yaml:"id"`
	Tier             string             `yaml:"tier"`
	Status           string             `yaml:"status"`
	ResolvedPools    []string           `yaml:"resolved_pools"`
	Archetype        string             `yaml:"archetype"`
	Dials            map[string]float64 `yaml:"dials"`
	BudgetLimitMicro int64              `yaml:"budget_limit_micro"`
	APIKeys          []APIKeyConfig     `yaml:"api_keys"`
}

// APIKeyConfig is a pre-provisioned service key. KeyHash is the bcrypt
// hash of the key secret; the plaintext never appears in config.
type APIKeyConfig struct {
	KeyID     string `yaml:"key_id"`
	Name      string `yaml:"name"`
	KeyHash   string `yaml:"key_hash"`
	ExpiresAt string `yaml:"expires_at"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every structural problem at once so a bad deploy
// surfaces the full list instead of one error per restart.
func (c *Config) Validate() error {
	var problems []string

	names := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			problems = append(problems, fmt.Sprintf("providers[%d]: name is required", i))
			continue
		}
		if names[p.Name] {
			problems = append(problems, fmt.Sprintf("providers[%d]: duplicate name %q", i, p.Name))
		}
		names[p.Name] = true
	}

	for pool, binding := range c.Pools {
		if binding.Provider == "" || binding.Model == "" {
			problems = append(problems, fmt.Sprintf("pools.%s: provider and model are required", pool))
			continue
		}
		if !names[binding.Provider] {
			problems = append(problems, fmt.Sprintf("pools.%s: unknown provider %q", pool, binding.Provider))
		}
	}

	seen := make(map[string]bool, len(c.Tenants))
	for i, t := range c.Tenants {
		if t.ID == "" {
			problems = append(problems, fmt.Sprintf("tenants[%d]: id is required", i))
			continue
		}
		if seen[t.ID] {
			problems = append(problems, fmt.Sprintf("tenants[%d]: duplicate id %q", i, t.ID))
		}
		seen[t.ID] = true
	}

	if c.Auth.JWKSURL != "" && c.Auth.Issuer == "" {
		problems = append(problems, "auth: issuer is required when jwks_url is set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
