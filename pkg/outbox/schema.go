package outbox

// Table definitions applied by the order store migrations.
const (
	PostgresSchema = `CREATE TABLE IF NOT EXISTS outbox (
	id          BIGSERIAL PRIMARY KEY,
	event_id    TEXT NOT NULL UNIQUE,
	topic       TEXT NOT NULL,
	key         TEXT NOT NULL DEFAULT '',
	payload     JSONB NOT NULL,
	attempts    INT NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	sent_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (id) WHERE sent_at IS NULL;`

	SQLiteSchema = `CREATE TABLE IF NOT EXISTS outbox (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id    TEXT NOT NULL UNIQUE,
	topic       TEXT NOT NULL,
	key         TEXT NOT NULL DEFAULT '',
	payload     TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	sent_at     INTEGER
);`

	// PendingIndex matches the FetchPending order. Both dialects accept it.
	PendingIndex = `DROP INDEX IF EXISTS outbox_pending_idx;
CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (attempts, id) WHERE sent_at IS NULL;`
)
