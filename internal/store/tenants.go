package store

import (
	"context"

	"github.com/axonstream/axonstream/internal/apierr"
)

type Plan string

const (
	PlanTrial      Plan = "Trial"
	PlanEntry      Plan = "Entry"
	PlanPro        Plan = "Pro"
	PlanEnterprise Plan = "Enterprise"
)

type Tenant struct {
	ID        string
	Plan      Plan
	Settings  string // opaque JSON blob; core treats it as immutable policy input
	CreatedAt string
}

// EnsureTenant inserts a tenant row if one does not already exist,
// mirroring the teacher's EnsureSession "INSERT ... ON CONFLICT DO
// NOTHING" idempotent-create pattern. Tenants are created externally;
// the core only needs a row to hang foreign keys off of.
func (s *Store) EnsureTenant(ctx context.Context, id string, plan Plan) error {
	if plan == "" {
		plan = PlanTrial
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants(id, plan, settings, created_at) VALUES (?, ?, '{}', ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, string(plan), nowRFC3339())
	if err != nil {
		return apierr.Wrap(apierr.CodeStoreUnavailable, "ensure tenant", err)
	}
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (Tenant, error) {
	var t Tenant
	err := s.db.QueryRowContext(ctx,
		`SELECT id, plan, settings, created_at FROM tenants WHERE id = ?`, id).
		Scan(&t.ID, &t.Plan, &t.Settings, &t.CreatedAt)
	if isNoRows(err) {
		return Tenant{}, apierr.New(apierr.CodeNotFound, "tenant not found")
	}
	if err != nil {
		return Tenant{}, apierr.Wrap(apierr.CodeStoreUnavailable, "get tenant", err)
	}
	return t, nil
}
