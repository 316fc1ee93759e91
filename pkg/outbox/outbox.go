package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is an event that could not be delivered when it was produced.
type Record struct {
	ID        int64           `json:"id"`
	EventID   string          `json:"event_id"`
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at"`
}

// Store persists parked events. FetchPending returns the least-tried records
// first, so a record that keeps failing cannot hold back newer ones.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	FetchPending(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, id int64) error
	MarkAttempt(ctx context.Context, id int64, cause error) error
}

var ErrEmptyEvent = errors.New("outbox: event id and topic are required")

// PgStore keeps the outbox in Postgres next to the orders.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Insert(ctx context.Context, rec Record) error {
	if rec.EventID == "" || rec.Topic == "" {
		return ErrEmptyEvent
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO outbox(event_id, topic, key, payload) VALUES ($1, $2, $3, $4) ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, rec.Topic, rec.Key, []byte(rec.Payload))
	return err
}

func (s *PgStore) MarkSent(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET sent_at=now() WHERE id=$1`, id)
	return err
}

func (s *PgStore) MarkAttempt(ctx context.Context, id int64, cause error) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_error=$2 WHERE id=$1`, id, errText(cause))
	return err
}

func (s *PgStore) FetchPending(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, event_id, topic, key, payload, attempts, last_error, created_at, sent_at
		FROM outbox WHERE sent_at IS NULL ORDER BY attempts, id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var rec Record
		var payload []byte
		err := row.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Key, &payload, &rec.Attempts, &rec.LastError, &rec.CreatedAt, &rec.SentAt)
		rec.Payload = payload
		return rec, err
	})
}

// SQLStore is the database/sql flavour used with SQLite. Times are unix microseconds.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func (s *SQLStore) Insert(ctx context.Context, rec Record) error {
	if rec.EventID == "" || rec.Topic == "" {
		return ErrEmptyEvent
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox(event_id, topic, key, payload, created_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, rec.Topic, rec.Key, string(rec.Payload), s.now().UTC().UnixMicro())
	return err
}

func (s *SQLStore) MarkSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET sent_at=? WHERE id=?`, s.now().UTC().UnixMicro(), id)
	return err
}

func (s *SQLStore) MarkAttempt(ctx context.Context, id int64, cause error) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET attempts=attempts+1, last_error=? WHERE id=?`, errText(cause), id)
	return err
}

func (s *SQLStore) FetchPending(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, event_id, topic, key, payload, attempts, last_error, created_at
		FROM outbox WHERE sent_at IS NULL ORDER BY attempts, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var payload string
		var created int64
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Key, &payload, &rec.Attempts, &rec.LastError, &created); err != nil {
			return nil, err
		}
		rec.Payload = json.RawMessage(payload)
		rec.CreatedAt = time.UnixMicro(created).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
