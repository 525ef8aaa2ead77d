package store

import "fmt"

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS requests (
	id              TEXT PRIMARY KEY,
	strategy_id     TEXT NOT NULL,
	provider_id     TEXT NOT NULL,
	mode            TEXT NOT NULL,
	request_type    TEXT NOT NULL,
	priority        TEXT NOT NULL,
	lifecycle_state TEXT NOT NULL,
	metadata        TEXT NOT NULL,
	scheduled_for   TEXT,
	created_at      TEXT NOT NULL,
	completed_at    TEXT,
	updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_state ON requests(lifecycle_state);
CREATE INDEX IF NOT EXISTS idx_requests_pair ON requests(strategy_id, provider_id);

CREATE TABLE IF NOT EXISTS execution_tasks (
	id              TEXT PRIMARY KEY,
	request_id      TEXT NOT NULL REFERENCES requests(id),
	sequence        INTEGER NOT NULL,
	mode            TEXT NOT NULL,
	lifecycle_state TEXT NOT NULL,
	provider_job_id TEXT,
	exit_code       INTEGER,
	retries         INTEGER NOT NULL DEFAULT 0,
	artifact_dir    TEXT NOT NULL,
	metadata        TEXT NOT NULL,
	started_at      TEXT,
	completed_at    TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	UNIQUE(request_id, sequence),
	UNIQUE(artifact_dir)
);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON execution_tasks(lifecycle_state);

CREATE TABLE IF NOT EXISTS transition_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id     TEXT NOT NULL,
	task_id        TEXT,
	previous_state TEXT NOT NULL,
	next_state     TEXT NOT NULL,
	message        TEXT,
	attributes     TEXT NOT NULL,
	created_at     TEXT NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS requests (
	id              TEXT PRIMARY KEY,
	strategy_id     TEXT NOT NULL,
	provider_id     TEXT NOT NULL,
	mode            TEXT NOT NULL,
	request_type    TEXT NOT NULL,
	priority        TEXT NOT NULL,
	lifecycle_state TEXT NOT NULL,
	metadata        TEXT NOT NULL,
	scheduled_for   TEXT,
	created_at      TEXT NOT NULL,
	completed_at    TEXT,
	updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_state ON requests(lifecycle_state);
CREATE INDEX IF NOT EXISTS idx_requests_pair ON requests(strategy_id, provider_id);

CREATE TABLE IF NOT EXISTS execution_tasks (
	id              TEXT PRIMARY KEY,
	request_id      TEXT NOT NULL REFERENCES requests(id),
	sequence        INTEGER NOT NULL,
	mode            TEXT NOT NULL,
	lifecycle_state TEXT NOT NULL,
	provider_job_id TEXT,
	exit_code       INTEGER,
	retries         INTEGER NOT NULL DEFAULT 0,
	artifact_dir    TEXT NOT NULL,
	metadata        TEXT NOT NULL,
	started_at      TEXT,
	completed_at    TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	UNIQUE(request_id, sequence),
	UNIQUE(artifact_dir)
);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON execution_tasks(lifecycle_state);

CREATE TABLE IF NOT EXISTS transition_log (
	id             BIGSERIAL PRIMARY KEY,
	request_id     TEXT NOT NULL,
	task_id        TEXT,
	previous_state TEXT NOT NULL,
	next_state     TEXT NOT NULL,
	message        TEXT,
	attributes     TEXT NOT NULL,
	created_at     TEXT NOT NULL
);
`

func (s *SQL) migrate() error {
	schema := schemaSQLite
	if s.postgres {
		schema = schemaPostgres
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}
