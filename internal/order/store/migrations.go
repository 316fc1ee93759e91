package store

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/aminio9/shopstream/pkg/outbox"
)

// Migration is one forward schema step.
type Migration struct {
	Version string
	Up      string
}

// migrator hides the driver differences between pgx and database/sql.
type migrator interface {
	ensureVersionTable(ctx context.Context) error
	appliedVersions(ctx context.Context) ([]string, error)
	apply(ctx context.Context, m Migration) error
}

// applyMigrations runs every migration newer than the highest recorded version.
func applyMigrations(ctx context.Context, m migrator, migrations []Migration) error {
	if err := m.ensureVersionTable(ctx); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("failed to read schema_version: %w", err)
	}

	current := semver.MustParse("0.0.0")
	for _, v := range applied {
		parsed, err := semver.NewVersion(v)
		if err != nil {
			return fmt.Errorf("invalid recorded schema version %s: %w", v, err)
		}
		if parsed.GreaterThan(current) {
			current = parsed
		}
	}

	for _, mig := range migrations {
		version, err := semver.NewVersion(mig.Version)
		if err != nil {
			return fmt.Errorf("invalid migration version %s: %w", mig.Version, err)
		}
		if !current.LessThan(version) {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", mig.Version, err)
		}
		current = version
	}
	return nil
}

const versionTable = `CREATE TABLE IF NOT EXISTS schema_version (
	version    TEXT PRIMARY KEY,
	applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

var postgresMigrations = []Migration{
	{Version: "1.0.0", Up: `
CREATE TABLE IF NOT EXISTS orders (
	id               BIGSERIAL PRIMARY KEY,
	user_id          BIGINT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'processing', 'shipped', 'delivered', 'cancelled')),
	subtotal_cents   BIGINT NOT NULL CHECK (subtotal_cents >= 0),
	shipping_cents   BIGINT NOT NULL DEFAULT 0 CHECK (shipping_cents >= 0),
	total_cents      BIGINT NOT NULL,
	shipping_address TEXT,
	notes            TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (total_cents = subtotal_cents + shipping_cents)
);
CREATE INDEX IF NOT EXISTS orders_user_created_idx ON orders (user_id, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS orders_status_idx ON orders (status);
CREATE INDEX IF NOT EXISTS orders_created_idx ON orders (created_at);

CREATE TABLE IF NOT EXISTS order_items (
	id           BIGSERIAL PRIMARY KEY,
	order_id     BIGINT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
	line_no      INT NOT NULL,
	product_id   BIGINT NOT NULL CHECK (product_id > 0),
	product_name TEXT NOT NULL,
	price_cents  BIGINT NOT NULL CHECK (price_cents >= 0),
	quantity     INT NOT NULL CHECK (quantity > 0),
	UNIQUE (order_id, line_no)
);

CREATE TABLE IF NOT EXISTS order_history (
	id         BIGSERIAL PRIMARY KEY,
	order_id   BIGINT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
	status     TEXT NOT NULL,
	message    TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS order_history_order_idx ON order_history (order_id, created_at);

CREATE TABLE IF NOT EXISTS order_idempotency (
	user_id         BIGINT NOT NULL,
	idempotency_key TEXT NOT NULL,
	order_id        BIGINT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, idempotency_key)
);`},
	{Version: "1.1.0", Up: outbox.PostgresSchema},
	{Version: "1.2.0", Up: outbox.PendingIndex},
}

// SQLite keeps money as integer cents and times as unix microseconds.
var sqliteMigrations = []Migration{
	{Version: "1.0.0", Up: `
CREATE TABLE IF NOT EXISTS orders (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id          INTEGER NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'processing', 'shipped', 'delivered', 'cancelled')),
	subtotal_cents   INTEGER NOT NULL CHECK (subtotal_cents >= 0),
	shipping_cents   INTEGER NOT NULL DEFAULT 0 CHECK (shipping_cents >= 0),
	total_cents      INTEGER NOT NULL,
	shipping_address TEXT,
	notes            TEXT,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	CHECK (total_cents = subtotal_cents + shipping_cents)
);
CREATE INDEX IF NOT EXISTS orders_user_created_idx ON orders (user_id, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS orders_status_idx ON orders (status);
CREATE INDEX IF NOT EXISTS orders_created_idx ON orders (created_at);

CREATE TABLE IF NOT EXISTS order_items (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id     INTEGER NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
	line_no      INTEGER NOT NULL,
	product_id   INTEGER NOT NULL CHECK (product_id > 0),
	product_name TEXT NOT NULL,
	price_cents  INTEGER NOT NULL CHECK (price_cents >= 0),
	quantity     INTEGER NOT NULL CHECK (quantity > 0),
	UNIQUE (order_id, line_no)
);

CREATE TABLE IF NOT EXISTS order_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id   INTEGER NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
	status     TEXT NOT NULL,
	message    TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS order_history_order_idx ON order_history (order_id, created_at);

CREATE TABLE IF NOT EXISTS order_idempotency (
	user_id         INTEGER NOT NULL,
	idempotency_key TEXT NOT NULL,
	order_id        INTEGER NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
	created_at      INTEGER NOT NULL,
	PRIMARY KEY (user_id, idempotency_key)
);`},
	{Version: "1.1.0", Up: outbox.SQLiteSchema},
	{Version: "1.2.0", Up: outbox.PendingIndex},
}
