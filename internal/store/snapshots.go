package store

import (
	"context"
	"database/sql"

	"github.com/axonstream/axonstream/internal/apierr"
)

type Snapshot struct {
	TaskID      string
	UptoSeq     int64
	TS          string
	Summary     string
	StdoutBytes int64
	StderrBytes int64
	HashCurr    []byte
}

// AppendSnapshot records a compaction result: it logically replaces all
// events with seq <= upto_seq for retention purposes while carrying
// hash_curr at upto_seq forward so the chain stays verifiable.
func (s *Store) AppendSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_snapshots(task_id, upto_seq, ts, summary, stdout_bytes, stderr_bytes, hash_curr)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, upto_seq) DO UPDATE SET summary = excluded.summary`,
		snap.TaskID, snap.UptoSeq, snap.TS, snap.Summary, snap.StdoutBytes, snap.StderrBytes, snap.HashCurr)
	if err != nil {
		return apierr.Wrap(apierr.CodeStoreUnavailable, "append snapshot", err)
	}
	return nil
}

func (s *Store) LatestSnapshot(ctx context.Context, taskID string) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, upto_seq, ts, summary, stdout_bytes, stderr_bytes, hash_curr
		FROM task_snapshots WHERE task_id = ? ORDER BY upto_seq DESC LIMIT 1`, taskID).
		Scan(&snap.TaskID, &snap.UptoSeq, &snap.TS, &snap.Summary, &snap.StdoutBytes, &snap.StderrBytes, &snap.HashCurr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStoreUnavailable, "latest snapshot", err)
	}
	return &snap, nil
}

// TrimEventsUpTo deletes events with seq <= uptoSeq once a snapshot
// covering them has been durably written — the store-side half of
// compaction; the stream buffer's own Trim is called separately so the
// two trims stay independent per the outbox-style dual-write design.
func (s *Store) TrimEventsUpTo(ctx context.Context, taskID string, uptoSeq int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM task_events WHERE task_id = ? AND seq <= ?`, taskID, uptoSeq); err != nil {
		return apierr.Wrap(apierr.CodeStoreUnavailable, "trim events", err)
	}
	return nil
}
