package middleware

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/cache"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/routing"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/tenant"
)

// ---------------------------------------------------------------------------
// JWKS / JWT fixtures
// ---------------------------------------------------------------------------

type signer struct {
	key *rsa.PrivateKey
	kid string
}

func newSigner(t *testing.T, kid string) *signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &signer{key: key, kid: kid}
}

func (s *signer) jwksJSON() []byte {
	pub := s.key.Public().(*rsa.PublicKey)
	doc := map[string]any{"keys": []map[string]string{{
		"kty": "RSA",
		"kid": s.kid,
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}
	raw, _ := json.Marshal(doc)
	return raw
}

func (s *signer) sign(t *testing.T, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	signed, err := token.SignedString(s.key)
	require.NoError(t, err)
	return signed
}

func baseClaims(now time.Time) *Claims {
	return &Claims{
		TenantID: "acme",
		Tier:     "pro",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://auth.test",
			Audience:  jwt.ClaimStrings{"inference-proxy"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
			ID:        "jti-1",
		},
	}
}

func testVerifier(t *testing.T, s *signer, now time.Time) *Verifier {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(s.jwksJSON())
	}))
	t.Cleanup(srv.Close)
	jwks := NewJWKSCache(srv.URL, time.Minute, nil)
	return NewVerifier(jwks, VerifierConfig{
		Issuer:      "https://auth.test",
		Audience:    "inference-proxy",
		Skew:        30 * time.Second,
		MaxLifetime: time.Hour,
		Clock:       func() time.Time { return now },
	})
}

func TestVerifyValidToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := newSigner(t, "k1")
	v := testVerifier(t, s, now)

	claims, err := v.Verify(s.sign(t, baseClaims(now)))
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.TenantID)
	assert.Equal(t, "pro", claims.Tier)
	assert.Equal(t, "jti-1", claims.ID)
}

func TestVerifyRejections(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := newSigner(t, "k1")
	v := testVerifier(t, s, now)

	t.Run("expired beyond skew", func(t *testing.T) {
		c := baseClaims(now.Add(-2 * time.Hour))
		c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
		_, err := v.Verify(s.sign(t, c))
		assert.Error(t, err)
	})

	t.Run("expired within skew accepted", func(t *testing.T) {
		c := baseClaims(now.Add(-10 * time.Minute))
		c.ExpiresAt = jwt.NewNumericDate(now.Add(-10 * time.Second))
		_, err := v.Verify(s.sign(t, c))
		assert.NoError(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		c := baseClaims(now)
		c.Issuer = "https://evil.test"
		_, err := v.Verify(s.sign(t, c))
		assert.Error(t, err)
	})

	t.Run("wrong audience", func(t *testing.T) {
		c := baseClaims(now)
		c.Audience = jwt.ClaimStrings{"other-service"}
		_, err := v.Verify(s.sign(t, c))
		assert.Error(t, err)
	})

	t.Run("lifetime over maximum", func(t *testing.T) {
		c := baseClaims(now)
		c.ExpiresAt = jwt.NewNumericDate(now.Add(25 * time.Hour))
		_, err := v.Verify(s.sign(t, c))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "lifetime")
	})

	t.Run("missing tenant_id", func(t *testing.T) {
		c := baseClaims(now)
		c.TenantID = ""
		_, err := v.Verify(s.sign(t, c))
		assert.Error(t, err)
	})

	t.Run("hmac algorithm rejected", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, baseClaims(now))
		signed, err := token.SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = v.Verify(signed)
		assert.Error(t, err)
	})

	t.Run("unknown kid", func(t *testing.T) {
		other := newSigner(t, "k2")
		_, err := v.Verify(other.sign(t, baseClaims(now)))
		assert.Error(t, err)
	})
}

func TestJWKSCacheServesStaleOnFetchFailure(t *testing.T) {
	s := newSigner(t, "k1")
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		w.Write(s.jwksJSON())
	}))
	defer srv.Close()

	now := time.Unix(1700000000, 0)
	jwks := NewJWKSCache(srv.URL, time.Minute, nil)
	jwks.clock = func() time.Time { return now }

	_, err := jwks.Key("k1")
	require.NoError(t, err)

	healthy = false
	now = now.Add(5 * time.Minute) // TTL lapsed, refresh fails
	_, err = jwks.Key("k1")
	assert.NoError(t, err, "stale key set still serves known kids")
}

// ---------------------------------------------------------------------------
// Authenticator
// ---------------------------------------------------------------------------

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tn, err := tenant.FromContext(r.Context())
		if err != nil {
			http.Error(w, "no tenant", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, tn.ID)
	})
}

func testTenants() *tenant.Registry {
	return tenant.NewRegistry([]*tenant.Tenant{{ID: "acme", Tier: routing.TierPro}})
}

func TestAuthenticatorPaths(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := newSigner(t, "k1")
	reg := testTenants()
	auth := NewAuthenticator(testVerifier(t, s, now), reg, nil)
	handler := auth.Middleware(okHandler())

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		var body ErrorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, CodeAuthRequired, body.Code)
	})

	t.Run("jwt resolves tenant", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+s.sign(t, baseClaims(now)))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "acme", rec.Body.String())
	})

	t.Run("garbage token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer not.a.jwt")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown tenant in valid token", func(t *testing.T) {
		c := baseClaims(now)
		c.TenantID = "stranger"
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+s.sign(t, c))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("api key path", func(t *testing.T) {
		_, fullKey, err := reg.CreateAPIKey("acme", "ci")
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+fullKey)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "acme", rec.Body.String())
	})
}

// ---------------------------------------------------------------------------
// req_hash binding
// ---------------------------------------------------------------------------

// withClaims simulates the Authenticator having run.
func withClaims(claims *Claims, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func postJSON(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/complete", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestReqHashMatrix(t *testing.T) {
	body := `{"text":"hello"}`
	claims := &Claims{ReqHash: HashBody([]byte(body))}
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ := io.ReadAll(r.Body)
		w.Write(got)
	})
	handler := withClaims(claims, ReqHashMiddleware(echo))

	t.Run("matching hash passes and body survives", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, postJSON(body))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, body, rec.Body.String(), "downstream sees the original body")
	})

	t.Run("pretty-printed body mismatches", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, postJSON("{\n  \"text\": \"hello\"\n}"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var eb ErrorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &eb))
		assert.Equal(t, CodeReqHashMismatch, eb.Code)
		assert.Equal(t, "req_hash_mismatch", eb.Error)
	})

	t.Run("gzip encoding rejected", func(t *testing.T) {
		req := postJSON(body)
		req.Header.Set("Content-Encoding", "gzip")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	})

	t.Run("identity encoding accepted", func(t *testing.T) {
		req := postJSON(body)
		req.Header.Set("Content-Encoding", "identity")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("oversized body rejected", func(t *testing.T) {
		huge := bytes.Repeat([]byte("x"), 2<<20)
		req := httptest.NewRequest(http.MethodPost, "/v1/complete", bytes.NewReader(huge))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		var eb ErrorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &eb))
		assert.Equal(t, CodeBodyTooLarge, eb.Code)
	})

	t.Run("malformed claim format", func(t *testing.T) {
		bad := withClaims(&Claims{ReqHash: "sha256:SHOUTING"}, ReqHashMiddleware(echo))
		rec := httptest.NewRecorder()
		bad.ServeHTTP(rec, postJSON(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var eb ErrorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &eb))
		assert.Equal(t, CodeReqHashFormat, eb.Code)
	})

	t.Run("GET skips verification", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/thing", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("non-JSON body skips verification", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/upload", strings.NewReader("binary"))
		req.Header.Set("Content-Type", "application/octet-stream")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("api key request without claims skips", func(t *testing.T) {
		plain := ReqHashMiddleware(echo)
		rec := httptest.NewRecorder()
		plain.ServeHTTP(rec, postJSON(body))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

// ---------------------------------------------------------------------------
// JTI guard
// ---------------------------------------------------------------------------

// downCache fails every operation, modelling a Redis outage.
type downCache struct{ cache.Cache }

func (downCache) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, cache.ErrUnavailable
}

func TestJTIGuard(t *testing.T) {
	mem := cache.NewMemoryCache()
	guard := NewJTIGuard(mem, time.Hour)
	ctx := context.Background()

	require.NoError(t, guard.Check(ctx, "jti-1"))
	assert.ErrorIs(t, guard.Check(ctx, "jti-1"), ErrJTIReplay)
	require.NoError(t, guard.Check(ctx, "jti-2"))
	assert.Error(t, guard.Check(ctx, ""))
}

func TestJTIGuardFailsClosedOnOutage(t *testing.T) {
	guard := NewJTIGuard(downCache{}, time.Hour)
	assert.ErrorIs(t, guard.Check(context.Background(), "jti-1"), ErrJTIReplay)
}

// ---------------------------------------------------------------------------
// Rate limiter
// ---------------------------------------------------------------------------

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 3, BurstSize: 3}, nil)
	now := time.Unix(1700000000, 0)
	rl.clock = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("acme"), "call %d", i)
	}
	assert.False(t, rl.Allow("acme"))
	assert.True(t, rl.Allow("other"), "limits are per key")

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("acme"), "fresh window")
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 1, BurstSize: 1}, nil)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(tenant.WithTenant(req.Context(), &tenant.Tenant{ID: "acme"}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}
