// Package tenant holds tenant records, tier membership, and API-key
// authentication for service-to-service callers.
package tenant

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/routing"
)

// Status gates whether a tenant may authenticate at all.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusTrial     Status = "TRIAL"
	StatusSuspended Status = "SUSPENDED"
)

// Tenant is one billing principal.
type Tenant struct {
	ID            string             `yaml:"id" json:"id"`
	Tier          routing.Tier       `yaml:"tier" json:"tier"`
	Status        Status             `yaml:"status" json:"status"`
	ResolvedPools []string           `yaml:"resolved_pools" json:"resolved_pools"`
	Archetype     string             `yaml:"archetype" json:"archetype"`
	Dials         map[string]float64 `yaml:"dials" json:"dials"`
}

// Profile projects the routing-relevant fields.
func (t *Tenant) Profile() routing.Profile {
	return routing.Profile{Archetype: t.Archetype, Dials: t.Dials}
}

// APIKey is the stored form of a key; the secret exists only in the
// caller's hands and as a bcrypt hash here.
type APIKey struct {
	KeyID     string
	TenantID  string
	Name      string
	KeyHash   string
	IsActive  bool
	ExpiresAt *time.Time
	CreatedAt time.Time
}

var (
	ErrNotFound      = errors.New("tenant not found")
	ErrInvalidAPIKey = errors.New("invalid api key")
)

// keyPrefix identifies keys minted by this service: loa_<key_id>.<secret>.
const keyPrefix = "loa_"

// Registry is the in-process tenant and API-key store, seeded from config
// at startup. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	keys    map[string]*APIKey // by key id
	clock   func() time.Time
}

// NewRegistry seeds a registry. Tenants without an explicit status are
// treated as active.
func NewRegistry(tenants []*Tenant) *Registry {
	r := &Registry{
		tenants: make(map[string]*Tenant, len(tenants)),
		keys:    make(map[string]*APIKey),
		clock:   time.Now,
	}
	for _, t := range tenants {
		if t.Status == "" {
			t.Status = StatusActive
		}
		r.tenants[t.ID] = t
	}
	return r
}

// Get returns a tenant by id regardless of status.
func (r *Registry) Get(id string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// Load returns a tenant only if it may authenticate.
func (r *Registry) Load(id string) (*Tenant, error) {
	t, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusActive && t.Status != StatusTrial {
		return nil, fmt.Errorf("tenant is %s", t.Status)
	}
	return t, nil
}

// Put inserts or replaces a tenant record.
func (r *Registry) Put(t *Tenant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Status == "" {
		t.Status = StatusActive
	}
	r.tenants[t.ID] = t
}

// CreateAPIKey mints a key for a tenant. The full key is returned exactly
// once; only the bcrypt hash of the secret half is retained, the id half
// is the lookup handle.
func (r *Registry) CreateAPIKey(tenantID, name string) (*APIKey, string, error) {
	if _, err := r.Load(tenantID); err != nil {
		return nil, "", err
	}

	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, "", err
	}
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", err
	}
	keyID := hex.EncodeToString(idBytes)
	secret := hex.EncodeToString(secretBytes)
	fullKey := keyPrefix + keyID + "." + secret

	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	key := &APIKey{
		KeyID:     keyID,
		TenantID:  tenantID,
		Name:      name,
		KeyHash:   string(secretHash),
		IsActive:  true,
		CreatedAt: r.clock(),
	}
	r.mu.Lock()
	r.keys[keyID] = key
	r.mu.Unlock()
	return key, fullKey, nil
}

// RegisterAPIKey installs a pre-hashed key, used when loading keys from
// config rather than minting them.
func (r *Registry) RegisterAPIKey(key *APIKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[key.KeyID] = key
}

// RevokeAPIKey disables a key by id.
func (r *Registry) RevokeAPIKey(keyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.keys[keyID]; ok {
		k.IsActive = false
	}
}

// ValidateAPIKey authenticates loa_<key_id>.<secret> and resolves the
// owning tenant. Every failure collapses to ErrInvalidAPIKey so callers
// cannot probe which half was wrong.
func (r *Registry) ValidateAPIKey(_ context.Context, fullKey string) (*Tenant, error) {
	if !strings.HasPrefix(fullKey, keyPrefix) {
		return nil, ErrInvalidAPIKey
	}
	parts := strings.SplitN(strings.TrimPrefix(fullKey, keyPrefix), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, ErrInvalidAPIKey
	}
	keyID, secret := parts[0], parts[1]

	r.mu.RLock()
	key, ok := r.keys[keyID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)) != nil {
		return nil, ErrInvalidAPIKey
	}
	if !key.IsActive {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && r.clock().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	t, err := r.Load(key.TenantID)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	return t, nil
}

type contextKey string

const tenantContextKey contextKey = "tenant"

// WithTenant attaches a resolved tenant to the request context.
func WithTenant(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, tenantContextKey, t)
}

// FromContext extracts the tenant placed by the auth middleware.
func FromContext(ctx context.Context) (*Tenant, error) {
	t, ok := ctx.Value(tenantContextKey).(*Tenant)
	if !ok || t == nil {
		return nil, errors.New("tenant context missing")
	}
	return t, nil
}
