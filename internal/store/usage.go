package store

import (
	"context"

	"github.com/axonstream/axonstream/internal/apierr"
)

// UsageDeltas is the per-call increment applied atomically to a
// tenant/period counter row.
type UsageDeltas struct {
	TaskMinutes  float64
	Streams      int64
	Bytes        int64
	TasksCreated int64
}

type UsageCounter struct {
	TenantID     string
	Period       string
	TaskMinutes  float64
	Streams      int64
	Bytes        int64
	TasksCreated int64
}

// IncrementUsage is a single upsert-and-add statement, atomic under
// SQLite's single-writer model without a separate read-modify-write —
// the per-period counters the quota gate (C4) consults before
// admission.
func (s *Store) IncrementUsage(ctx context.Context, tenantID, period string, d UsageDeltas) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_counters(tenant_id, period, task_minutes, streams, bytes, tasks_created)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, period) DO UPDATE SET
			task_minutes  = task_minutes  + excluded.task_minutes,
			streams       = streams       + excluded.streams,
			bytes         = bytes         + excluded.bytes,
			tasks_created = tasks_created + excluded.tasks_created`,
		tenantID, period, d.TaskMinutes, d.Streams, d.Bytes, d.TasksCreated)
	if err != nil {
		return apierr.Wrap(apierr.CodeStoreUnavailable, "increment usage", err)
	}
	return nil
}

func (s *Store) GetUsage(ctx context.Context, tenantID, period string) (UsageCounter, error) {
	var u UsageCounter
	u.TenantID, u.Period = tenantID, period
	err := s.db.QueryRowContext(ctx, `
		SELECT task_minutes, streams, bytes, tasks_created FROM usage_counters
		WHERE tenant_id = ? AND period = ?`, tenantID, period).
		Scan(&u.TaskMinutes, &u.Streams, &u.Bytes, &u.TasksCreated)
	if isNoRows(err) {
		return u, nil
	}
	if err != nil {
		return UsageCounter{}, apierr.Wrap(apierr.CodeStoreUnavailable, "get usage", err)
	}
	return u, nil
}

// CountRunningTasks is the concurrency counter source of truth: the
// quota gate keeps an in-memory mirror for speed, but reconciles against
// this on startup.
func (s *Store) CountRunningTasks(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE tenant_id = ? AND state = ?`, tenantID, string(StateRunning)).Scan(&n)
	if err != nil {
		return 0, apierr.Wrap(apierr.CodeStoreUnavailable, "count running tasks", err)
	}
	return n, nil
}
