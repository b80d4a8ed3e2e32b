// Package auth validates request credentials against the credential
// store and a route's required scopes.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/switchyardlabs/switchyard/internal/credential"
	"github.com/switchyardlabs/switchyard/internal/router"
	"github.com/switchyardlabs/switchyard/internal/shared/errors"
)

// DefaultAPIKeyHeader is the header checked for API keys when the
// configuration does not name one.
const DefaultAPIKeyHeader = "X-API-Key"

// Context carries the authenticated identity for downstream logging
// and metrics tagging.
type Context struct {
	KeyID  string
	Scopes []string
}

// CacheClient caches successful credential verifications. Verifying a
// bcrypt-hashed secret is deliberately slow; the cache keeps repeat
// requests off that path.
type CacheClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, expiration time.Duration) error
}

// Config holds authenticator configuration.
type Config struct {
	// APIKeyHeader is the header carrying the API key.
	APIKeyHeader string
	// JWTSecret enables bearer-token auth when non-empty.
	JWTSecret []byte
	// Cache is optional; nil disables verification caching.
	Cache CacheClient
	// VerifyCacheTTL bounds how long a verification result is reused.
	VerifyCacheTTL time.Duration
}

// Authenticator validates presented credentials. It never mutates the
// credential store.
type Authenticator struct {
	header         string
	jwtSecret      []byte
	cache          CacheClient
	verifyCacheTTL time.Duration
}

// New creates an authenticator.
func New(cfg Config) *Authenticator {
	header := cfg.APIKeyHeader
	if header == "" {
		header = DefaultAPIKeyHeader
	}

	ttl := cfg.VerifyCacheTTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}

	return &Authenticator{
		header:         header,
		jwtSecret:      cfg.JWTSecret,
		cache:          cfg.Cache,
		verifyCacheTTL: ttl,
	}
}

// Authenticate extracts the request credential, validates it against
// the store, and checks the route's required scopes.
func (a *Authenticator) Authenticate(r *http.Request, route *router.Route, store *credential.Store) (*Context, error) {
	if route.AuthDisabled {
		return &Context{KeyID: "anonymous"}, nil
	}

	if raw := r.Header.Get(a.header); raw != "" {
		return a.authenticateAPIKey(r.Context(), raw, route, store)
	}

	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
			return a.authenticateBearer(token, route)
		}
		if raw, ok := strings.CutPrefix(authHeader, "ApiKey "); ok {
			return a.authenticateAPIKey(r.Context(), raw, route, store)
		}
		return nil, errors.Unauthorized("invalid authorization header format")
	}

	return nil, errors.MissingCredential("missing credential")
}

// authenticateAPIKey resolves "key_id" or "key_id:secret" against the
// store.
func (a *Authenticator) authenticateAPIKey(ctx context.Context, raw string, route *router.Route, store *credential.Store) (*Context, error) {
	keyID, secret, _ := strings.Cut(raw, ":")

	record, ok := store.Lookup(keyID)
	if !ok {
		return nil, errors.UnknownCredential("unknown credential")
	}

	if !a.verifySecret(ctx, record, secret) {
		// A bad secret is indistinguishable from an unknown key to the
		// client.
		return nil, errors.UnknownCredential("unknown credential")
	}

	if !record.Enabled {
		return nil, errors.DisabledCredential("credential is disabled")
	}

	if !record.HasScopes(route.RequiredScopes) {
		return nil, errors.InsufficientScope("credential lacks required scopes")
	}

	scopes := make([]string, 0, len(record.Scopes))
	for s := range record.Scopes {
		scopes = append(scopes, s)
	}
	return &Context{KeyID: record.KeyID, Scopes: scopes}, nil
}

// authenticateBearer validates a JWT whose claims carry the key id and
// granted scopes.
func (a *Authenticator) authenticateBearer(token string, route *router.Route) (*Context, error) {
	if len(a.jwtSecret) == 0 {
		return nil, errors.Unauthorized("bearer tokens are not enabled")
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.TokenInvalid("unexpected signing method")
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.TokenExpired("token has expired")
		}
		return nil, errors.TokenInvalid("invalid token")
	}
	if !parsed.Valid {
		return nil, errors.TokenInvalid("invalid token")
	}

	keyID, _ := claims["sub"].(string)
	if keyID == "" {
		return nil, errors.TokenInvalid("token missing subject")
	}

	scopes := claimScopes(claims)
	scopeSet := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		scopeSet[s] = struct{}{}
	}
	for _, required := range route.RequiredScopes {
		if _, ok := scopeSet[required]; !ok {
			return nil, errors.InsufficientScope("token lacks required scopes")
		}
	}

	return &Context{KeyID: keyID, Scopes: scopes}, nil
}

func claimScopes(claims jwt.MapClaims) []string {
	raw, ok := claims["scopes"].([]any)
	if !ok {
		return nil
	}
	scopes := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

// verifySecret checks the presented secret, consulting the cache for
// previously verified pairs.
func (a *Authenticator) verifySecret(ctx context.Context, record *credential.APIKey, secret string) bool {
	if a.cache == nil {
		return record.VerifySecret(secret)
	}

	cacheKey := "authv:" + hashPair(record.KeyID, secret)
	if cached, err := a.cache.Get(ctx, cacheKey); err == nil && cached == "1" {
		return true
	}

	if !record.VerifySecret(secret) {
		return false
	}

	_ = a.cache.Set(ctx, cacheKey, "1", a.verifyCacheTTL)
	return true
}

// hashPair derives a cache key without storing raw secrets.
func hashPair(keyID, secret string) string {
	h := sha256.Sum256([]byte(keyID + "\x00" + secret))
	return hex.EncodeToString(h[:16])
}
