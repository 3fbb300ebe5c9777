package db

// migration holds one schema migration and its target version.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered schema history. Versions must be sequential.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	status           TEXT NOT NULL,
	progress_current REAL NOT NULL DEFAULT 0,
	progress_total   REAL NOT NULL DEFAULT 0,
	message          TEXT NOT NULL DEFAULT '',
	params           TEXT NOT NULL DEFAULT '{}',
	worker_pid       INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	started_at       DATETIME,
	finished_at      DATETIME,
	updated_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS job_events (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	ts     DATETIME NOT NULL,
	level  TEXT NOT NULL,
	text   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id         TEXT NOT NULL,
	mailbox            TEXT NOT NULL,
	uidvalidity        INTEGER NOT NULL,
	uid                INTEGER NOT NULL,
	message_id         TEXT NOT NULL DEFAULT '',
	internal_date      TEXT NOT NULL DEFAULT '',
	from_addr          TEXT NOT NULL DEFAULT '',
	to_addr            TEXT NOT NULL DEFAULT '',
	subject            TEXT NOT NULL DEFAULT '',
	raw_eml_path       TEXT NOT NULL DEFAULT '',
	body_html_path     TEXT NOT NULL DEFAULT '',
	body_text_path     TEXT NOT NULL DEFAULT '',
	rendered_html_path TEXT NOT NULL DEFAULT '',
	summary            TEXT NOT NULL DEFAULT '',
	summary_tier       TEXT NOT NULL DEFAULT '',
	tags_json          TEXT NOT NULL DEFAULT '[]',
	topics_json        TEXT NOT NULL DEFAULT '[]',
	summarize_ms       INTEGER NOT NULL DEFAULT 0,
	error_note         TEXT NOT NULL DEFAULT '',
	archived_at        DATETIME,
	indexed_at         DATETIME,
	summarized_at      DATETIME,
	exported_at        DATETIME,
	seen_marked_at     DATETIME,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL,
	UNIQUE(account_id, mailbox, uidvalidity, uid)
);

CREATE TABLE IF NOT EXISTS attachments (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	message_fk INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	filename   TEXT NOT NULL,
	mime_type  TEXT NOT NULL DEFAULT '',
	size_bytes INTEGER NOT NULL DEFAULT 0,
	rel_path   TEXT NOT NULL,
	content_id TEXT NOT NULL DEFAULT '',
	is_inline  INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS external_assets (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	message_fk   INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	original_url TEXT NOT NULL,
	rel_path     TEXT NOT NULL DEFAULT '',
	mime_type    TEXT NOT NULL DEFAULT '',
	size_bytes   INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	detail       TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_overviews (
	day        TEXT PRIMARY KEY,
	overview   TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_kind_status ON jobs(kind, status);
CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, id);
CREATE INDEX IF NOT EXISTS idx_messages_internal_date ON messages(internal_date);
CREATE INDEX IF NOT EXISTS idx_messages_identity
	ON messages(account_id, mailbox, uidvalidity, uid);
CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_fk);
CREATE INDEX IF NOT EXISTS idx_external_assets_message ON external_assets(message_fk);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_messages_pending_summary
	ON messages(id) WHERE summarized_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_messages_seen_watermark
	ON messages(account_id, mailbox, uidvalidity, uid)
	WHERE seen_marked_at IS NOT NULL;
`,
	},
}
