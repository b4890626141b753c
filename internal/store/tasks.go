package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/axonstream/axonstream/internal/apierr"
)

type TaskState string

const (
	StatePending   TaskState = "Pending"
	StateRunning   TaskState = "Running"
	StateSucceeded TaskState = "Succeeded"
	StateFailed    TaskState = "Failed"
	StateCanceled  TaskState = "Canceled"
	StateTimedOut  TaskState = "TimedOut"
)

func (s TaskState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCanceled, StateTimedOut:
		return true
	default:
		return false
	}
}

// allowedTransitions enumerates the legal edges of the state machine in
// spec.md §3, the same shape as the teacher's allowedTransitions nested
// map in persistence/store.go.
var allowedTransitions = map[TaskState]map[TaskState]struct{}{
	StatePending: {StateRunning: {}, StateCanceled: {}},
	StateRunning: {
		StateSucceeded: {}, StateFailed: {}, StateTimedOut: {}, StateCanceled: {},
		StatePending: {}, // watchdog reclamation
	},
}

func canTransition(from, to TaskState) bool {
	edges, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = edges[to]
	return ok
}

type Task struct {
	ID              string
	TenantID        string
	CreatedBy       string
	Name            string
	AdapterName     string
	Args            string
	State           TaskState
	Priority        int
	TimeoutSeconds  int
	CreatedAt       string
	StartedAt       sql.NullString
	EndedAt         sql.NullString
	Cursor          int64
	LastHash        []byte
	BytesStreamed   int64
	MinutesUsed     float64
	Error           sql.NullString
	ExitCode        sql.NullInt64
	WorkerID        sql.NullString
	CancelRequested bool
	IntegrityBroken bool
}

type TaskSpec struct {
	TenantID       string
	CreatedBy      string
	Name           string
	AdapterName    string
	Args           string
	TimeoutSeconds int
	Priority       int
}

func (spec TaskSpec) Validate() error {
	if spec.TenantID == "" {
		return apierr.New(apierr.CodeValidationError, "tenant_id is required")
	}
	if spec.Name == "" {
		return apierr.New(apierr.CodeValidationError, "name is required")
	}
	if spec.AdapterName == "" {
		return apierr.New(apierr.CodeValidationError, "adapter is required")
	}
	if spec.TimeoutSeconds < 1 || spec.TimeoutSeconds > 86400 {
		return apierr.New(apierr.CodeValidationError, "timeout must be in [1s, 86400s]")
	}
	return nil
}

// CreateTask inserts a single task row in state Pending. Quota admission
// is the lifecycle engine's responsibility (C5 calls into C4 before
// calling CreateTask); this method only validates and persists.
func (s *Store) CreateTask(ctx context.Context, spec TaskSpec) (Task, error) {
	if err := spec.Validate(); err != nil {
		return Task{}, err
	}
	id := uuid.NewString()
	now := nowRFC3339()
	args := spec.Args
	if args == "" {
		args = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, tenant_id, created_by, name, adapter_name, args, state,
			priority, timeout_seconds, created_at, cursor)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, -1)`,
		id, spec.TenantID, spec.CreatedBy, spec.Name, spec.AdapterName, args,
		string(StatePending), spec.Priority, spec.TimeoutSeconds, now)
	if err != nil {
		return Task{}, apierr.Wrap(apierr.CodeStoreUnavailable, "create task", err)
	}
	return s.GetTask(ctx, spec.TenantID, id)
}

func (s *Store) GetTask(ctx context.Context, tenantID, id string) (Task, error) {
	t, err := s.scanTask(ctx, `SELECT id, tenant_id, created_by, name, adapter_name, args, state,
		priority, timeout_seconds, created_at, started_at, ended_at, cursor, last_hash,
		bytes_streamed, minutes_used, error, exit_code, worker_id, cancel_requested, integrity_broken
		FROM tasks WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *Store) scanTask(ctx context.Context, query string, args ...any) (Task, error) {
	var t Task
	var state string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&t.ID, &t.TenantID, &t.CreatedBy, &t.Name, &t.AdapterName, &t.Args, &state,
		&t.Priority, &t.TimeoutSeconds, &t.CreatedAt, &t.StartedAt, &t.EndedAt, &t.Cursor, &t.LastHash,
		&t.BytesStreamed, &t.MinutesUsed, &t.Error, &t.ExitCode, &t.WorkerID, &t.CancelRequested, &t.IntegrityBroken)
	if isNoRows(err) {
		return Task{}, apierr.New(apierr.CodeNotFound, "task not found")
	}
	if err != nil {
		return Task{}, apierr.Wrap(apierr.CodeStoreUnavailable, "get task", err)
	}
	t.State = TaskState(state)
	return t, nil
}

// ReserveOne atomically selects one Pending task — fair FIFO by
// created_at within a priority class — and transitions it to Running,
// stamping started_at and worker_id. SQLite lacks "SELECT ... FOR
// UPDATE SKIP LOCKED"; atomicity here comes from the single-writer
// transaction plus withTx's busy-retry, which gives the same
// external guarantee (at most one worker reserves a given row) for
// this store's concurrency model.
func (s *Store) ReserveOne(ctx context.Context, workerID string) (Task, bool, error) {
	var reserved Task
	found := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, tenant_id FROM tasks
			WHERE state = ?
			ORDER BY priority DESC, created_at ASC
			LIMIT 1`, string(StatePending))
		var id, tenantID string
		if err := row.Scan(&id, &tenantID); err != nil {
			if isNoRows(err) {
				return nil
			}
			return apierr.Wrap(apierr.CodeStoreUnavailable, "reserve scan", err)
		}

		now := nowRFC3339()
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET state = ?, started_at = ?, worker_id = ?, cancel_requested = 0
			WHERE id = ? AND tenant_id = ? AND state = ?`,
			string(StateRunning), now, workerID, id, tenantID, string(StatePending))
		if err != nil {
			return apierr.Wrap(apierr.CodeStoreUnavailable, "reserve update", err)
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			// Lost the race to another concurrent reservation attempt; caller retries.
			return nil
		}

		t, err := s.scanTaskTx(ctx, tx, id, tenantID)
		if err != nil {
			return err
		}
		reserved = t
		found = true
		return nil
	})
	if err != nil {
		return Task{}, false, err
	}
	return reserved, found, nil
}

func (s *Store) scanTaskTx(ctx context.Context, tx *sql.Tx, id, tenantID string) (Task, error) {
	var t Task
	var state string
	err := tx.QueryRowContext(ctx, `SELECT id, tenant_id, created_by, name, adapter_name, args, state,
		priority, timeout_seconds, created_at, started_at, ended_at, cursor, last_hash,
		bytes_streamed, minutes_used, error, exit_code, worker_id, cancel_requested, integrity_broken
		FROM tasks WHERE tenant_id = ? AND id = ?`, tenantID, id).Scan(
		&t.ID, &t.TenantID, &t.CreatedBy, &t.Name, &t.AdapterName, &t.Args, &state,
		&t.Priority, &t.TimeoutSeconds, &t.CreatedAt, &t.StartedAt, &t.EndedAt, &t.Cursor, &t.LastHash,
		&t.BytesStreamed, &t.MinutesUsed, &t.Error, &t.ExitCode, &t.WorkerID, &t.CancelRequested, &t.IntegrityBroken)
	if err != nil {
		return Task{}, apierr.Wrap(apierr.CodeStoreUnavailable, "scan task tx", err)
	}
	t.State = TaskState(state)
	return t, nil
}

// TransitionFields carries the optional column writes that accompany a
// state transition (ended_at, error, exit_code are all set together on
// terminal entry).
type TransitionFields struct {
	Error    string
	ExitCode *int
}

// TransitionTask performs the conditional update enforcing the state
// machine: it fails with IllegalTransition if the current state isn't
// `from`, matching the teacher's transitionTaskTx RowsAffected==1 check.
func (s *Store) TransitionTask(ctx context.Context, tenantID, id string, from, to TaskState, fields TransitionFields) (Task, error) {
	if !canTransition(from, to) {
		return Task{}, apierr.Newf(apierr.CodeIllegalTransition, "no transition %s -> %s", from, to)
	}
	var out Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowRFC3339()
		var res sql.Result
		var err error
		switch {
		case to.Terminal():
			res, err = tx.ExecContext(ctx, `
				UPDATE tasks SET state = ?, ended_at = ?, error = NULLIF(?, ''), exit_code = ?
				WHERE tenant_id = ? AND id = ? AND state = ?`,
				string(to), now, fields.Error, nullableInt(fields.ExitCode), tenantID, id, string(from))
		case to == StateRunning && from == StatePending:
			res, err = tx.ExecContext(ctx, `
				UPDATE tasks SET state = ?, started_at = ?
				WHERE tenant_id = ? AND id = ? AND state = ?`,
				string(to), now, tenantID, id, string(from))
		case to == StatePending && from == StateRunning:
			res, err = tx.ExecContext(ctx, `
				UPDATE tasks SET state = ?, worker_id = NULL
				WHERE tenant_id = ? AND id = ? AND state = ?`,
				string(to), tenantID, id, string(from))
		default:
			res, err = tx.ExecContext(ctx, `
				UPDATE tasks SET state = ? WHERE tenant_id = ? AND id = ? AND state = ?`,
				string(to), tenantID, id, string(from))
		}
		if err != nil {
			return apierr.Wrap(apierr.CodeStoreUnavailable, "transition update", err)
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			return apierr.Newf(apierr.CodeIllegalTransition, "task %s is not in state %s", id, from)
		}
		t, err := s.scanTaskTx(ctx, tx, id, tenantID)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return out, nil
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

// SetCancelRequested marks the intent flag a reclaiming watchdog (or the
// still-live worker) observes, per spec.md §4.5's cancellation design.
func (s *Store) SetCancelRequested(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET cancel_requested = 1 WHERE tenant_id = ? AND id = ? AND state IN (?, ?)`,
		tenantID, id, string(StatePending), string(StateRunning))
	if err != nil {
		return apierr.Wrap(apierr.CodeStoreUnavailable, "set cancel_requested", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Already terminal: cancel on an already-terminal task is a no-op (invariant 10).
		return nil
	}
	return nil
}

// ReclaimExpired is the watchdog sweep: every Running task whose most
// recent heartbeat is older than olderThan (or which never had one) is
// atomically reopened — state back to Pending, worker_id cleared —
// grounded on the teacher's RequeueExpiredLeases.
func (s *Store) ReclaimExpired(ctx context.Context, olderThan string) ([]Task, error) {
	var reclaimed []Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT t.id, t.tenant_id FROM tasks t
			LEFT JOIN task_heartbeats h ON h.task_id = t.id
			WHERE t.state = ? AND (h.ts IS NULL OR h.ts < ?)`,
			string(StateRunning), olderThan)
		if err != nil {
			return apierr.Wrap(apierr.CodeStoreUnavailable, "reclaim scan", err)
		}
		type key struct{ id, tenant string }
		var keys []key
		for rows.Next() {
			var k key
			if err := rows.Scan(&k.id, &k.tenant); err != nil {
				rows.Close()
				return apierr.Wrap(apierr.CodeStoreUnavailable, "reclaim row scan", err)
			}
			keys = append(keys, k)
		}
		rows.Close()

		for _, k := range keys {
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks SET state = ?, worker_id = NULL
				WHERE tenant_id = ? AND id = ? AND state = ?`,
				string(StatePending), k.tenant, k.id, string(StateRunning))
			if err != nil {
				return apierr.Wrap(apierr.CodeStoreUnavailable, "reclaim update", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_heartbeats WHERE task_id = ?`, k.id); err != nil {
				return apierr.Wrap(apierr.CodeStoreUnavailable, "reclaim clear heartbeat", err)
			}
			t, err := s.scanTaskTx(ctx, tx, k.id, k.tenant)
			if err != nil {
				return err
			}
			reclaimed = append(reclaimed, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reclaimed, nil
}

// CheckpointHeartbeat persists the low-rate store-side heartbeat
// checkpoint (the stream buffer holds the short-TTL copy).
func (s *Store) CheckpointHeartbeat(ctx context.Context, taskID, workerID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_heartbeats(task_id, worker_id, ts) VALUES (?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET worker_id = excluded.worker_id, ts = excluded.ts`,
		taskID, workerID, nowRFC3339())
	if err != nil {
		return apierr.Wrap(apierr.CodeStoreUnavailable, "checkpoint heartbeat", err)
	}
	return nil
}

func (s *Store) ClearHeartbeat(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM task_heartbeats WHERE task_id = ?`, taskID); err != nil {
		return apierr.Wrap(apierr.CodeStoreUnavailable, "clear heartbeat", err)
	}
	return nil
}

// UpdateCursorAndUsage advances cursor/last_hash and bumps the streaming
// byte counter; called from the event pipeline after a successful
// append. minutes_used is a separate, overwrite-style counter (see
// UpdateMinutesUsed) since it is only known at terminal, not per-event.
func (s *Store) UpdateCursorAndUsage(ctx context.Context, taskID string, seq int64, hashCurr []byte, addBytes int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET cursor = ?, last_hash = ?, bytes_streamed = bytes_streamed + ?
		WHERE id = ?`, seq, hashCurr, addBytes, taskID)
	if err != nil {
		return apierr.Wrap(apierr.CodeStoreUnavailable, "update cursor/usage", fmt.Errorf("task %s: %w", taskID, err))
	}
	return nil
}

// UpdateMinutesUsed sets the task's minutes_used to its final elapsed
// runtime. Called once, by the worker's terminal handler, with a value
// already rounded up per spec.md §4.6 step 4.
func (s *Store) UpdateMinutesUsed(ctx context.Context, taskID string, minutesUsed float64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET minutes_used = ? WHERE id = ?`, minutesUsed, taskID)
	if err != nil {
		return apierr.Wrap(apierr.CodeStoreUnavailable, "update minutes used", fmt.Errorf("task %s: %w", taskID, err))
	}
	return nil
}
