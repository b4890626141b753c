package store

import (
	"context"
	"database/sql"

	"github.com/axonstream/axonstream/internal/apierr"
)

type EventKind string

const (
	KindStarted  EventKind = "Started"
	KindProgress EventKind = "Progress"
	KindStdout   EventKind = "Stdout"
	KindStderr   EventKind = "Stderr"
	KindSuccess  EventKind = "Success"
	KindError    EventKind = "Error"
	KindCanceled EventKind = "Canceled"
	KindTimedOut EventKind = "TimedOut"
	KindDigest   EventKind = "Digest"
)

func (k EventKind) Terminal() bool {
	switch k {
	case KindSuccess, KindError, KindCanceled, KindTimedOut:
		return true
	default:
		return false
	}
}

type Event struct {
	TaskID   string
	Seq      int64
	TS       string
	Kind     EventKind
	Payload  string // canonical JSON, as produced by internal/eventpipeline
	HashPrev []byte // nil iff Seq == 0
	HashCurr []byte
}

// LastPersisted returns the (seq, hash_curr) of the most recently
// appended event for task_id, or (-1, nil) if none exists yet — the read
// the event pipeline performs under the per-task lock before computing
// the next hash.
func (s *Store) LastPersisted(ctx context.Context, taskID string) (int64, []byte, error) {
	var seq int64
	var hash []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, hash_curr FROM task_events WHERE task_id = ? ORDER BY seq DESC LIMIT 1`, taskID).
		Scan(&seq, &hash)
	if isNoRows(err) {
		return -1, nil, nil
	}
	if err != nil {
		return 0, nil, apierr.Wrap(apierr.CodeStoreUnavailable, "last persisted", err)
	}
	return seq, hash, nil
}

// AppendEvent inserts one event row. Callers (internal/eventpipeline)
// are responsible for serializing per task via the taskgate and for
// computing hash_curr/hash_prev before calling this; AppendEvent itself
// only enforces the primary key (task_id, seq), which makes a duplicate
// append of the same seq a uniqueness violation the caller turns into
// ChainBroken/SeqDivergence.
func (s *Store) AppendEvent(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_events(task_id, seq, ts, kind, payload, hash_prev, hash_curr)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.TaskID, ev.Seq, ev.TS, string(ev.Kind), ev.Payload, ev.HashPrev, ev.HashCurr)
	if err != nil {
		return apierr.Wrap(apierr.CodeStoreUnavailable, "append event", err)
	}
	return nil
}

// EventRange returns up to limit contiguous events for task_id with
// seq >= fromSeq, ordered ascending — the historical replay primitive
// both the backfill path (C8) and test assertions use.
func (s *Store) EventRange(ctx context.Context, taskID string, fromSeq int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, seq, ts, kind, payload, hash_prev, hash_curr
		FROM task_events WHERE task_id = ? AND seq >= ?
		ORDER BY seq ASC LIMIT ?`, taskID, fromSeq, limit)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStoreUnavailable, "event range", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var kind string
		if err := rows.Scan(&ev.TaskID, &ev.Seq, &ev.TS, &kind, &ev.Payload, &ev.HashPrev, &ev.HashCurr); err != nil {
			return nil, apierr.Wrap(apierr.CodeStoreUnavailable, "event range scan", err)
		}
		ev.Kind = EventKind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// TaskEventBounds returns the minimum and maximum retained seq for a
// task, used by the backfill path to detect a request below the
// retained floor (mirroring the teacher's gateway.go TaskEventBounds use
// in its session.events.subscribe handler).
func (s *Store) TaskEventBounds(ctx context.Context, taskID string) (min, max int64, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT MIN(seq), MAX(seq) FROM task_events WHERE task_id = ?`, taskID)
	var minN, maxN sql.NullInt64
	if err := row.Scan(&minN, &maxN); err != nil {
		return 0, 0, apierr.Wrap(apierr.CodeStoreUnavailable, "event bounds", err)
	}
	if !minN.Valid {
		return -1, -1, nil
	}
	return minN.Int64, maxN.Int64, nil
}

// MarkIntegrityBroken flips the integrity flag and moves the task to
// Failed; ChainBroken/SeqDivergence are fatal and never retried (§7).
func (s *Store) MarkIntegrityBroken(ctx context.Context, tenantID, taskID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, integrity_broken = 1, error = ?, ended_at = ?
		WHERE tenant_id = ? AND id = ?`,
		string(StateFailed), reason, nowRFC3339(), tenantID, taskID)
	if err != nil {
		return apierr.Wrap(apierr.CodeStoreUnavailable, "mark integrity broken", err)
	}
	return nil
}
