// Package store is the persistent store (C2): the durable, transactional
// record of tenants, tasks, append-only events, snapshots, heartbeats,
// and usage counters. It follows the teacher's persistence/store.go
// shape: a schema-ledger constant gating startup, PRAGMA tuning for
// SQLite's single-writer model, and a jittered busy-retry helper in
// place of row-level "SELECT ... FOR UPDATE SKIP LOCKED" (which SQLite's
// driver does not support).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/axonstream/axonstream/internal/apierr"
)

const (
	defaultMaxAttempts = 5
	retryBaseDelay     = 20 * time.Millisecond
	retryMaxDelay      = 250 * time.Millisecond
)

type Store struct {
	db     *sql.DB
	logger *slog.Logger
	gate   *taskGate
}

// Open opens (creating if necessary) the SQLite-backed store at path and
// ensures the schema ledger matches schemaVersion/schemaChecksum.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	const tuning = "_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on"
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + tuning
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStoreUnavailable, "open sqlite", err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer; one conn avoids SQLITE_BUSY storms.

	s := &Store{db: db, logger: logger, gate: newTaskGate()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-process, non-durable store for tests.
func OpenMemory(logger *slog.Logger) (*Store, error) {
	return Open("file::memory:?cache=shared", logger)
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaDDL); err != nil {
		return apierr.Wrap(apierr.CodeStoreUnavailable, "apply schema", err)
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_meta`).Scan(&count); err != nil {
		return apierr.Wrap(apierr.CodeStoreUnavailable, "read schema_meta", err)
	}
	if count == 0 {
		if _, err := s.db.Exec(`INSERT INTO schema_meta(version, checksum) VALUES (?, ?)`, schemaVersion, schemaChecksum); err != nil {
			return apierr.Wrap(apierr.CodeStoreUnavailable, "seed schema_meta", err)
		}
		return nil
	}
	var version int
	var checksum string
	if err := s.db.QueryRow(`SELECT version, checksum FROM schema_meta LIMIT 1`).Scan(&version, &checksum); err != nil {
		return apierr.Wrap(apierr.CodeStoreUnavailable, "read schema_meta", err)
	}
	if version != schemaVersion || checksum != schemaChecksum {
		return apierr.Newf(apierr.CodeStoreUnavailable, "schema mismatch: on-disk v%d/%s, binary expects v%d/%s",
			version, checksum, schemaVersion, schemaChecksum)
	}
	return nil
}

// withTx runs fn inside a transaction, retrying on SQLITE_BUSY with
// jittered backoff up to defaultMaxAttempts, matching the teacher's
// retryOnBusy helper.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < defaultMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
			delay += time.Duration(rand.Int63n(int64(delay) / 2 + 1))
			select {
			case <-ctx.Done():
				return apierr.Wrap(apierr.CodeStoreUnavailable, "context canceled during retry", ctx.Err())
			case <-time.After(delay):
			}
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			lastErr = err
			if isBusy(err) {
				continue
			}
			return apierr.Wrap(apierr.CodeStoreUnavailable, "begin tx", err)
		}

		err = fn(tx)
		if err == nil {
			if cerr := tx.Commit(); cerr != nil {
				lastErr = cerr
				if isBusy(cerr) {
					continue
				}
				return apierr.Wrap(apierr.CodeStoreUnavailable, "commit tx", cerr)
			}
			return nil
		}

		tx.Rollback()
		if isBusy(err) {
			lastErr = err
			continue
		}
		return err
	}
	return apierr.Wrap(apierr.CodeStoreUnavailable, "exhausted busy retries", lastErr)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }

var errNoRows = sql.ErrNoRows

func isNoRows(err error) bool { return errors.Is(err, errNoRows) }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) logf(ctx context.Context, format string, args ...any) {
	s.logger.DebugContext(ctx, fmt.Sprintf(format, args...))
}
