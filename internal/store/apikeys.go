package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/axonstream/axonstream/internal/apierr"
	"github.com/axonstream/axonstream/internal/identity"
)

// CreateAPIKey stores a one-way hash of the presented key, never the
// key itself, matching spec.md §4.1's "looked up by constant-time
// comparison of the stored one-way hash" requirement.
func (s *Store) CreateAPIKey(ctx context.Context, tenantID string, keyHash []byte, scopes []string, expiresAt *time.Time) (string, error) {
	id := uuid.NewString()
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return "", apierr.Wrap(apierr.CodeValidationError, "marshal scopes", err)
	}
	var exp sql.NullString
	if expiresAt != nil {
		exp = sql.NullString{String: expiresAt.UTC().Format(time.RFC3339), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys(id, tenant_id, key_hash, scopes, revoked, expires_at, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		id, tenantID, keyHash, string(scopesJSON), exp, nowRFC3339())
	if err != nil {
		return "", apierr.Wrap(apierr.CodeStoreUnavailable, "create api key", err)
	}
	return id, nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked = 1 WHERE id = ?`, id); err != nil {
		return apierr.Wrap(apierr.CodeStoreUnavailable, "revoke api key", err)
	}
	return nil
}

// LookupAPIKeyHash implements identity.KeyStore.
func (s *Store) LookupAPIKeyHash(ctx context.Context, hash []byte) (identity.APIKeyRecord, bool, error) {
	var tenantID, scopesJSON string
	var revoked bool
	var expiresAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, scopes, revoked, expires_at FROM api_keys WHERE key_hash = ?`, hash).
		Scan(&tenantID, &scopesJSON, &revoked, &expiresAt)
	if isNoRows(err) {
		return identity.APIKeyRecord{}, false, nil
	}
	if err != nil {
		return identity.APIKeyRecord{}, false, apierr.Wrap(apierr.CodeStoreUnavailable, "lookup api key", err)
	}
	var scopes []string
	_ = json.Unmarshal([]byte(scopesJSON), &scopes)
	rec := identity.APIKeyRecord{TenantID: tenantID, Scopes: scopes, Revoked: revoked}
	if expiresAt.Valid {
		if t, err := time.Parse(time.RFC3339, expiresAt.String); err == nil {
			rec.ExpiresAt = &t
		}
	}
	return rec, true, nil
}

// TouchAPIKeyLastUsed implements identity.KeyStore; best-effort per
// spec.md §4.1 ("last_used is updated best-effort") — errors are
// swallowed rather than failing the request that's already authorized.
func (s *Store) TouchAPIKeyLastUsed(ctx context.Context, hash []byte) {
	_, _ = s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE key_hash = ?`, nowRFC3339(), hash)
}
