// Package identity is C1: resolves a request's bearer token or API key
// to an Identity{user_id?, tenant_id, scopes, method}, the only shape
// external auth collaborators hand the core. It mirrors the teacher's
// gateway.AuthMiddleware (constant-time API-key lookup, context
// injection via an unexported key type) and adds a JWT bearer-token
// path the teacher's simpler bearer-equals-configured-token check
// didn't have.
package identity

import (
	"context"
	"crypto/sha256"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/axonstream/axonstream/internal/apierr"
)

type Method string

const (
	MethodBearer Method = "bearer"
	MethodAPIKey Method = "api_key"
)

type Identity struct {
	UserID   string
	TenantID string
	Scopes   []string
	Method   Method
}

// HasScope reports whether the identity's scopes cover resource,
// honoring the "*" and "<resource>:*" wildcard forms from spec.md §4.1.
func (id Identity) HasScope(resource string) bool {
	for _, s := range id.Scopes {
		if s == "*" || s == resource {
			return true
		}
		if strings.HasSuffix(s, ":*") && strings.HasPrefix(resource, strings.TrimSuffix(s, "*")) {
			return true
		}
	}
	return false
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// APIKeyRecord is what the store's opaque api_keys table yields on
// lookup — identity only ever reads it, never defines its storage
// shape (spec.md §3: "internal shape is owned by external
// collaborators").
type APIKeyRecord struct {
	TenantID  string
	Scopes    []string
	Revoked   bool
	ExpiresAt *time.Time
}

// KeyStore is the narrow interface identity needs from the persistent
// store: look up by the one-way hash of the presented key, and record
// best-effort last-used.
type KeyStore interface {
	LookupAPIKeyHash(ctx context.Context, hash []byte) (APIKeyRecord, bool, error)
	TouchAPIKeyLastUsed(ctx context.Context, hash []byte)
}

// Authenticator verifies bearer tokens (JWT, HMAC-SHA256) and API keys
// against KeyStore.
type Authenticator struct {
	jwtSecret []byte
	keys      KeyStore
}

func NewAuthenticator(jwtSecret []byte, keys KeyStore) *Authenticator {
	return &Authenticator{jwtSecret: jwtSecret, keys: keys}
}

type claims struct {
	TenantID string `json:"tid"`
	Kind     string `json:"kind"`
	jwt.RegisteredClaims
}

const bearerKind = "task-api"

// Authenticate resolves a presented credential to an Identity. method is
// whichever of bearer/api_key was attempted; callers extract the raw
// credential with ExtractCredential first.
func (a *Authenticator) Authenticate(ctx context.Context, method Method, raw string) (Identity, error) {
	switch method {
	case MethodBearer:
		return a.authenticateBearer(raw)
	case MethodAPIKey:
		return a.authenticateAPIKey(ctx, raw)
	default:
		return Identity{}, apierr.New(apierr.CodeUnauthorized, "no credential presented")
	}
}

func (a *Authenticator) authenticateBearer(raw string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apierr.New(apierr.CodeUnauthorized, "unexpected signing method")
		}
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return Identity{}, apierr.Wrap(apierr.CodeUnauthorized, "invalid bearer token", err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.Kind != bearerKind {
		return Identity{}, apierr.New(apierr.CodeUnauthorized, "wrong token kind")
	}
	if c.TenantID == "" {
		return Identity{}, apierr.New(apierr.CodeUnauthorized, "token missing tenant_id")
	}
	scopes := strings.Fields(c.RegisteredClaims.Audience.String())
	return Identity{
		UserID:   c.Subject,
		TenantID: c.TenantID,
		Scopes:   scopes,
		Method:   MethodBearer,
	}, nil
}

const apiKeyPrefix = "axon_"

func (a *Authenticator) authenticateAPIKey(ctx context.Context, raw string) (Identity, error) {
	if !strings.HasPrefix(raw, apiKeyPrefix) || len(raw) != len(apiKeyPrefix)+32 {
		return Identity{}, apierr.New(apierr.CodeUnauthorized, "malformed API key")
	}
	sum := sha256.Sum256([]byte(raw))
	hash := sum[:]

	rec, ok, err := a.keys.LookupAPIKeyHash(ctx, hash)
	if err != nil {
		return Identity{}, apierr.Wrap(apierr.CodeStoreUnavailable, "api key lookup", err)
	}
	if !ok || rec.Revoked {
		return Identity{}, apierr.New(apierr.CodeUnauthorized, "unknown or revoked API key")
	}
	if rec.ExpiresAt != nil && rec.ExpiresAt.Before(time.Now()) {
		return Identity{}, apierr.New(apierr.CodeUnauthorized, "expired API key")
	}
	a.keys.TouchAPIKeyLastUsed(ctx, hash)
	return Identity{TenantID: rec.TenantID, Scopes: rec.Scopes, Method: MethodAPIKey}, nil
}

// ExtractCredential mirrors the teacher's ExtractAPIKey precedence
// (Authorization: Bearer, X-API-Key header, api_key query param) but
// also classifies a Bearer value as a JWT vs. an API key by prefix, so
// one extraction point serves both auth paths.
func ExtractCredential(r *http.Request) (Method, string) {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		tok := strings.TrimPrefix(auth, "Bearer ")
		if strings.HasPrefix(tok, apiKeyPrefix) {
			return MethodAPIKey, tok
		}
		return MethodBearer, tok
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return MethodAPIKey, key
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		return MethodAPIKey, key
	}
	return "", ""
}
