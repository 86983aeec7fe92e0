package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantsConfig holds the map of tenant overrides
type TenantsConfig struct {
	Tenants map[string]Config `yaml:"tenants"`
}

// Manager handles dynamic configuration resolution
type Manager struct {
	globalConfig  *Config
	tenantConfigs map[string]Config
	mu            sync.RWMutex
}

// NewManager loads both master and tenant override configs
func NewManager(masterPath, tenantsPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(tenantsPath)
	if err != nil {
		// If tenants file missing, just use empty map
		if os.IsNotExist(err) {
			return &Manager{globalConfig: master, tenantConfigs: make(map[string]Config)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return nil, err
	}

	return &Manager{
		globalConfig:  master,
		tenantConfigs: tc.Tenants,
	}, nil
}

// Global returns the master config.
func (m *Manager) Global() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.globalConfig
}

// Get returns the effective config for a tenant.
// It merges tenant overrides on top of the global config.
func (m *Manager) Get(tenantID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Start with a copy of the global config
	effective := *m.globalConfig

	if override, ok := m.tenantConfigs[tenantID]; ok {
		// Rate limits are the most common per-tenant knob
		if override.RateLimit.MaxCallsPerMinute != 0 {
			effective.RateLimit = override.RateLimit
		}

		// Margin (enterprise contracts negotiate this down)
		if override.Server.MarginBps != 0 {
			effective.Server.MarginBps = override.Server.MarginBps
		}

		// Budget authority knobs (headroom, caps, fail-open window)
		if override.Authority.HeadroomPercentBps != 0 || override.Authority.AbsCapMicro != 0 {
			effective.Authority = override.Authority
		}

		// Payment surface (per-tenant settlement wallet)
		if override.Payment.Wallet != "" {
			effective.Payment = override.Payment
		}
	}

	return &effective
}
