package queue

var schema = []string{
	`CREATE TABLE IF NOT EXISTS pending_mutations (
		kind       TEXT    NOT NULL CHECK (kind IN ('progress','quiz_attempt')),
		record_key TEXT    NOT NULL,
		payload    TEXT    NOT NULL,
		seq        INTEGER NOT NULL,
		queued_at  TEXT    NOT NULL,
		PRIMARY KEY (kind, record_key)
	)`,
	`CREATE INDEX IF NOT EXISTS pending_mutations_seq_idx ON pending_mutations (seq)`,
	`CREATE TABLE IF NOT EXISTS sync_state (
		id           INTEGER PRIMARY KEY CHECK (id = 1),
		cursor       TEXT,
		next_seq     INTEGER NOT NULL DEFAULT 1,
		last_sync_at TEXT
	)`,
	`INSERT OR IGNORE INTO sync_state (id, next_seq) VALUES (1, 1)`,
	`CREATE TABLE IF NOT EXISTS server_progress (
		lesson_id  TEXT PRIMARY KEY,
		payload    TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS content_changes (
		type       TEXT NOT NULL,
		id         TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (type, id)
	)`,
	`CREATE TABLE IF NOT EXISTS conflicts (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		kind        TEXT NOT NULL,
		record_key  TEXT NOT NULL,
		payload     TEXT NOT NULL,
		received_at TEXT NOT NULL
	)`,
}
