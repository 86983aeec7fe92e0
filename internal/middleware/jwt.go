package middleware

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/metrics"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/tenant"
)

// Claims is the token payload this service accepts.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Tier     string `json:"tier"`
	ReqHash  string `json:"req_hash,omitempty"`
	jwt.RegisteredClaims
}

// jwk is one key of a JWKS document; only RSA signing keys are used.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSCache fetches and caches the issuer's key set. A fetch failure
// inside the TTL window serves the stale set; with no set at all,
// verification fails and the request is rejected.
type JWKSCache struct {
	url    string
	ttl    time.Duration
	client *http.Client
	clock  func() time.Time

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewJWKSCache builds a cache over the given JWKS endpoint.
func NewJWKSCache(url string, ttl time.Duration, client *http.Client) *JWKSCache {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &JWKSCache{url: url, ttl: ttl, client: client, clock: time.Now}
}

// Key resolves a key id, refreshing the set when the TTL lapsed or the
// kid is unknown (key rotation).
func (c *JWKSCache) Key(kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fresh := c.keys != nil && c.clock().Sub(c.fetchedAt) < c.ttl
	if fresh {
		if key, ok := c.keys[kid]; ok {
			return key, nil
		}
	}
	if err := c.refreshLocked(); err != nil {
		if key, ok := c.keys[kid]; ok {
			return key, nil // stale but usable
		}
		return nil, err
	}
	key, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("jwks: unknown kid %q", kid)
	}
	return key, nil
}

func (c *JWKSCache) refreshLocked() error {
	resp, err := c.client.Get(c.url)
	if err != nil {
		return fmt.Errorf("jwks fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks fetch: HTTP %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("jwks decode: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey)
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := parseRSAKey(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("jwks: no usable RSA signing keys")
	}
	c.keys = keys
	c.fetchedAt = c.clock()
	return nil
}

func parseRSAKey(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() <= 0 {
		return nil, errors.New("bad exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: int(e.Int64())}, nil
}

// VerifierConfig bounds token acceptance.
type VerifierConfig struct {
	Issuer      string
	Audience    string
	Skew        time.Duration // clock skew leeway on iat/exp
	MaxLifetime time.Duration // maximum exp − iat

	Clock func() time.Time
}

func (c *VerifierConfig) fillDefaults() {
	if c.Skew == 0 {
		c.Skew = 30 * time.Second
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = time.Hour
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Verifier validates bearer tokens against the JWKS.
type Verifier struct {
	jwks *JWKSCache
	cfg  VerifierConfig
}

// NewVerifier builds a token verifier.
func NewVerifier(jwks *JWKSCache, cfg VerifierConfig) *Verifier {
	cfg.fillDefaults()
	return &Verifier{jwks: jwks, cfg: cfg}
}

// Verify parses and validates one token string.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.jwks.Key(kid)
	},
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithLeeway(v.cfg.Skew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.cfg.Clock),
	)
	if err != nil {
		return nil, err
	}
	if claims.IssuedAt == nil {
		return nil, errors.New("token missing iat")
	}
	if claims.ExpiresAt.Sub(claims.IssuedAt.Time) > v.cfg.MaxLifetime {
		return nil, fmt.Errorf("token lifetime exceeds %s", v.cfg.MaxLifetime)
	}
	if claims.TenantID == "" {
		return nil, errors.New("token missing tenant_id")
	}
	return claims, nil
}

type claimsContextKey struct{}

// ClaimsFromContext returns the verified claims placed by Authenticator.
// API-key requests carry no claims.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsContextKey{}).(*Claims)
	return c, ok
}

// Authenticator resolves the caller to a tenant via JWT or service API key.
type Authenticator struct {
	verifier *Verifier
	tenants  *tenant.Registry
	logger   *slog.Logger
}

// NewAuthenticator wires the auth middleware.
func NewAuthenticator(verifier *Verifier, tenants *tenant.Registry, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{verifier: verifier, tenants: tenants, logger: logger}
}

// Middleware enforces authentication. Service keys (loa_ prefix) take the
// bcrypt path; everything else is treated as a JWT.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			metrics.AuthRejections.WithLabelValues(CodeAuthRequired).Inc()
			WriteError(w, http.StatusUnauthorized, CodeAuthRequired, "missing Authorization header")
			return
		}
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			metrics.AuthRejections.WithLabelValues(CodeAuthInvalid).Inc()
			WriteError(w, http.StatusUnauthorized, CodeAuthInvalid, "Authorization must be a Bearer credential")
			return
		}

		if strings.HasPrefix(raw, "loa_") {
			tn, err := a.tenants.ValidateAPIKey(r.Context(), raw)
			if err != nil {
				metrics.AuthRejections.WithLabelValues(CodeAuthInvalid).Inc()
				WriteError(w, http.StatusUnauthorized, CodeAuthInvalid, "invalid api key")
				return
			}
			next.ServeHTTP(w, r.WithContext(tenant.WithTenant(r.Context(), tn)))
			return
		}

		claims, err := a.verifier.Verify(raw)
		if err != nil {
			a.logger.Debug("token rejected", "error", err)
			metrics.AuthRejections.WithLabelValues(CodeAuthInvalid).Inc()
			WriteError(w, http.StatusUnauthorized, CodeAuthInvalid, "invalid token")
			return
		}
		tn, err := a.tenants.Load(claims.TenantID)
		if err != nil {
			metrics.AuthRejections.WithLabelValues(CodeAuthInvalid).Inc()
			WriteError(w, http.StatusUnauthorized, CodeAuthInvalid, "unknown tenant")
			return
		}

		ctx := tenant.WithTenant(r.Context(), tn)
		ctx = context.WithValue(ctx, claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
