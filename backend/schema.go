package backend

import (
	"database/sql"
	"fmt"
)

// Schema is the store's DDL. Idempotent; applied on every open.
const Schema = `
CREATE TABLE IF NOT EXISTS collections (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS requests (
	id            TEXT PRIMARY KEY,
	collection_id TEXT NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
	name          TEXT NOT NULL,
	method        TEXT NOT NULL DEFAULT 'GET',
	url           TEXT NOT NULL DEFAULT '',
	headers       TEXT NOT NULL DEFAULT '{}',
	body          TEXT NOT NULL DEFAULT '',
	position      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_requests_collection ON requests(collection_id);

CREATE TABLE IF NOT EXISTS environments (
	id            TEXT PRIMARY KEY,
	collection_id TEXT NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
	name          TEXT NOT NULL,
	variables     TEXT NOT NULL DEFAULT '{}',
	is_active     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_environments_collection ON environments(collection_id);

CREATE TABLE IF NOT EXISTS history (
	id            TEXT PRIMARY KEY,
	collection_id TEXT NOT NULL,
	request_id    TEXT NOT NULL,
	status        INTEGER NOT NULL,
	total_ms      INTEGER NOT NULL,
	executed_at   TEXT NOT NULL,
	response_body TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_history_executed ON history(executed_at);

CREATE TABLE IF NOT EXISTS pending_specs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	collection_id TEXT NOT NULL,
	document      TEXT NOT NULL,
	queued_at     INTEGER NOT NULL
);
`

// EnsureSchema applies the DDL.
func EnsureSchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("backend: ensure schema: %w", err)
	}
	return nil
}
