package store

// Schema ledger: each bump gets a new version/checksum pair so Open can
// detect a mismatched on-disk schema before the process starts serving
// traffic, mirroring the teacher's persistence/store.go schema-ledger
// pattern (schemaVersionV2..V9 constants gating startup).
const (
	schemaVersion  = 2
	schemaChecksum = "axon-store-v2"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_meta (
	version  INTEGER NOT NULL,
	checksum TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS tenants (
	id         TEXT PRIMARY KEY,
	plan       TEXT NOT NULL DEFAULT 'Trial',
	settings   TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	created_by       TEXT,
	name             TEXT NOT NULL,
	adapter_name     TEXT NOT NULL,
	args             TEXT NOT NULL DEFAULT '{}',
	state            TEXT NOT NULL DEFAULT 'Pending',
	priority         INTEGER NOT NULL DEFAULT 0,
	timeout_seconds  INTEGER NOT NULL,
	created_at       TEXT NOT NULL,
	started_at       TEXT,
	ended_at         TEXT,
	cursor           INTEGER NOT NULL DEFAULT -1,
	last_hash        BLOB,
	bytes_streamed   INTEGER NOT NULL DEFAULT 0,
	minutes_used     REAL NOT NULL DEFAULT 0,
	error            TEXT,
	exit_code        INTEGER,
	worker_id        TEXT,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	integrity_broken INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_tasks_reserve
	ON tasks(state, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_tasks_tenant ON tasks(tenant_id);

CREATE TABLE IF NOT EXISTS task_events (
	task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	ts         TEXT NOT NULL,
	kind       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	hash_prev  BLOB,
	hash_curr  BLOB NOT NULL,
	PRIMARY KEY (task_id, seq)
);

CREATE TABLE IF NOT EXISTS task_snapshots (
	task_id      TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	upto_seq     INTEGER NOT NULL,
	ts           TEXT NOT NULL,
	summary      TEXT NOT NULL,
	stdout_bytes INTEGER NOT NULL DEFAULT 0,
	stderr_bytes INTEGER NOT NULL DEFAULT 0,
	hash_curr    BLOB NOT NULL,
	PRIMARY KEY (task_id, upto_seq)
);

CREATE TABLE IF NOT EXISTS task_heartbeats (
	task_id   TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
	worker_id TEXT NOT NULL,
	ts        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_counters (
	tenant_id     TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	period        TEXT NOT NULL,
	task_minutes  REAL NOT NULL DEFAULT 0,
	streams       INTEGER NOT NULL DEFAULT 0,
	bytes         INTEGER NOT NULL DEFAULT 0,
	tasks_created INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, period)
);

-- Owned by external collaborators (C1); the core only ever reads these
-- as opaque identity/delivery records.
CREATE TABLE IF NOT EXISTS api_keys (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	key_hash     BLOB NOT NULL,
	scopes       TEXT NOT NULL DEFAULT '[]',
	revoked      INTEGER NOT NULL DEFAULT 0,
	expires_at   TEXT,
	last_used_at TEXT,
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_keys_tenant ON api_keys(tenant_id);

CREATE TABLE IF NOT EXISTS memberships (
	user_id   TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	role      TEXT NOT NULL DEFAULT 'member',
	PRIMARY KEY (user_id, tenant_id)
);

CREATE TABLE IF NOT EXISTS webhooks (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	url        TEXT NOT NULL,
	events     TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	subject    TEXT NOT NULL,
	route      TEXT NOT NULL,
	decision   TEXT NOT NULL,
	reason     TEXT NOT NULL,
	plan       TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_audit_log_subject ON audit_log(subject);
`
