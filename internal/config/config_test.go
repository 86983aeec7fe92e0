package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  addr: ":9090"
  env: test
  margin_bps: 500
  max_completion_tokens: 2048
redis:
  addr: localhost:6379
wal:
  path: /tmp/gateway.wal
pricing:
  path: pricing.yaml
auth:
  jwks_url: https://id.example.com/.well-known/jwks.json
  issuer: https://id.example.com
  audience: gateway
payment:
  wallet: "0xtreasury"
  chain_id: 8453
  challenge_secret: ${TEST_CHALLENGE_SECRET}
rate_limit:
  max_calls_per_minute: 120
providers:
  - name: openai
    type: openai
    api_key: ${TEST_OPENAI_KEY}
  - name: anthropic
    type: anthropic
    api_key: sk-ant-literal
pools:
  cheap:
    provider: openai
    model: gpt-4o-mini
  reasoning:
    provider: anthropic
    model: claude-large
tenants:
  - id: agent-1
    tier: pro
    status: ACTIVE
    resolved_pools: [cheap, reasoning]
    archetype: analyst
    dials:
      curiosity: 0.8
    budget_limit_micro: 5000000
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")
	t.Setenv("TEST_CHALLENGE_SECRET", "s3cret")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 500, cfg.Server.MarginBps)
	assert.Equal(t, "sk-from-env", cfg.Providers[0].APIKey)
	assert.Equal(t, "sk-ant-literal", cfg.Providers[1].APIKey)
	assert.Equal(t, "s3cret", cfg.Payment.ChallengeSecret)
	assert.Equal(t, "anthropic", cfg.Pools["reasoning"].Provider)
	require.Len(t, cfg.Tenants, 1)
	assert.Equal(t, int64(5_000_000), cfg.Tenants[0].BudgetLimitMicro)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateAggregatesProblems(t *testing.T) {
	cfg := &Config{
		Providers: []ProviderConfig{
			{Name: "openai", Type: "openai"},
			{Name: "openai", Type: "openai"},
		},
		Pools: map[string]PoolConfig{
			"cheap":  {Provider: "missing", Model: "m"},
			"broken": {},
		},
		Tenants: []TenantConfig{{ID: "a"}, {ID: "a"}, {}},
		Auth:    AuthConfig{JWKSURL: "https://x/jwks"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `duplicate name "openai"`)
	assert.Contains(t, msg, `unknown provider "missing"`)
	assert.Contains(t, msg, "pools.broken: provider and model are required")
	assert.Contains(t, msg, `duplicate id "a"`)
	assert.Contains(t, msg, "tenants[2]: id is required")
	assert.Contains(t, msg, "issuer is required")
}

func TestManagerMergesTenantOverrides(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "k")
	t.Setenv("TEST_CHALLENGE_SECRET", "s")
	master := writeConfig(t, sampleConfig)

	overrides := `
tenants:
  enterprise-9:
    rate_limit:
      max_calls_per_minute: 600
      burst_size: 1200
    server:
      margin_bps: 150
`
	tenantsPath := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(tenantsPath, []byte(overrides), 0o600))

	m, err := NewManager(master, tenantsPath)
	require.NoError(t, err)

	eff := m.Get("enterprise-9")
	assert.Equal(t, 600, eff.RateLimit.MaxCallsPerMinute)
	assert.Equal(t, 1200, eff.RateLimit.BurstSize)
	assert.Equal(t, 150, eff.Server.MarginBps)
	// Untouched sections come from the master config.
	assert.Equal(t, ":9090", eff.Server.Addr)
	assert.Equal(t, "0xtreasury", eff.Payment.Wallet)

	// Unknown tenants see the master config unchanged.
	base := m.Get("someone-else")
	assert.Equal(t, 120, base.RateLimit.MaxCallsPerMinute)
	assert.Equal(t, 500, base.Server.MarginBps)
}

func TestManagerMissingTenantsFile(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "k")
	t.Setenv("TEST_CHALLENGE_SECRET", "s")
	master := writeConfig(t, sampleConfig)

	m, err := NewManager(master, filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":9090", m.Get("any").Server.Addr)
}
