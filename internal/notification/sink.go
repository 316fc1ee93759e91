// Package notification consumes order notifications and records each one
// exactly once per event id.
package notification

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrMissingEventID = errors.New("notification has no event id")

type Record struct {
	EventID    string
	Type       string
	UserID     int64
	OrderID    int64
	Total      string
	Status     string
	ReceivedAt time.Time
}

// Sink stores a notification. stored is false when the event id was seen before.
type Sink interface {
	Save(ctx context.Context, rec Record) (stored bool, err error)
}

const (
	PostgresSchema = `CREATE TABLE IF NOT EXISTS inbox (
	event_id    TEXT PRIMARY KEY,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS notifications (
	id          BIGSERIAL PRIMARY KEY,
	event_id    TEXT NOT NULL UNIQUE REFERENCES inbox(event_id),
	type        TEXT NOT NULL,
	user_id     BIGINT NOT NULL,
	order_id    BIGINT NOT NULL,
	total       TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS notifications_user_idx ON notifications (user_id, created_at);`

	SQLiteSchema = `CREATE TABLE IF NOT EXISTS inbox (
	event_id    TEXT PRIMARY KEY,
	received_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS notifications (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id    TEXT NOT NULL UNIQUE REFERENCES inbox(event_id),
	type        TEXT NOT NULL,
	user_id     INTEGER NOT NULL,
	order_id    INTEGER NOT NULL,
	total       TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS notifications_user_idx ON notifications (user_id, created_at);`
)

type PgSink struct {
	pool *pgxpool.Pool
}

func NewPgSink(pool *pgxpool.Pool) *PgSink { return &PgSink{pool: pool} }

func (s *PgSink) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, PostgresSchema)
	return err
}

func (s *PgSink) Save(ctx context.Context, rec Record) (bool, error) {
	if rec.EventID == "" {
		return false, ErrMissingEventID
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `INSERT INTO inbox(event_id, received_at) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, rec.ReceivedAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	_, err = tx.Exec(ctx, `INSERT INTO notifications(event_id, type, user_id, order_id, total, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.EventID, rec.Type, rec.UserID, rec.OrderID, rec.Total, rec.Status, rec.ReceivedAt)
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// ForUser lists a user's notifications, newest first.
func (s *PgSink) ForUser(ctx context.Context, userID int64) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT event_id, type, user_id, order_id, total, status, created_at
		FROM notifications WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		err := row.Scan(&r.EventID, &r.Type, &r.UserID, &r.OrderID, &r.Total, &r.Status, &r.ReceivedAt)
		return r, err
	})
}

// SQLSink is the database/sql variant used with SQLite.
type SQLSink struct {
	db *sql.DB
}

func NewSQLSink(db *sql.DB) *SQLSink { return &SQLSink{db: db} }

func (s *SQLSink) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, SQLiteSchema)
	return err
}

func (s *SQLSink) Save(ctx context.Context, rec Record) (bool, error) {
	if rec.EventID == "" {
		return false, ErrMissingEventID
	}
	ts := rec.ReceivedAt.UTC().UnixMicro()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `INSERT INTO inbox(event_id, received_at) VALUES (?, ?) ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, ts)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO notifications(event_id, type, user_id, order_id, total, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.EventID, rec.Type, rec.UserID, rec.OrderID, rec.Total, rec.Status, ts)
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *SQLSink) ForUser(ctx context.Context, userID int64) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id, type, user_id, order_id, total, status, created_at
		FROM notifications WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var created int64
		if err := rows.Scan(&r.EventID, &r.Type, &r.UserID, &r.OrderID, &r.Total, &r.Status, &created); err != nil {
			return nil, err
		}
		r.ReceivedAt = time.UnixMicro(created).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
