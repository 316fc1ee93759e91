package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aminio9/shopstream/internal/money"
	"github.com/aminio9/shopstream/internal/order/domain"
)

// SQLiteStore runs on database/sql with a single connection, so no query may
// be issued on s.db while a transaction from the same store is open.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// OpenSQLite opens path (":memory:" works) and applies migrations.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, opts: buildOptions(opts)}
	if err := applyMigrations(ctx, sqliteMigrator{db}, sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the handle for components that share the database, such as the outbox.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) CreateOrder(ctx context.Context, d *domain.Draft) (*domain.Order, error) {
	cents, err := centsOf(d)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()

	now := s.opts.now().UTC()
	ts := now.UnixMicro()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistence("create order", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO orders(user_id, status, subtotal_cents, shipping_cents, total_cents, shipping_address, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.UserID, string(domain.StatusPending), cents.subtotal, cents.shipping, cents.total,
		nullString(d.ShippingAddress), nullString(d.Notes), ts, ts,
	)
	if err != nil {
		return nil, persistence("create order", err)
	}
	orderID, err := res.LastInsertId()
	if err != nil {
		return nil, persistence("create order", err)
	}

	for i, it := range d.Items {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO order_items(order_id, line_no, product_id, product_name, price_cents, quantity) VALUES (?, ?, ?, ?, ?, ?)`,
			orderID, i, it.ProductID, it.Name, cents.prices[i], it.Quantity,
		)
		if err != nil {
			return nil, persistence("create order items", err)
		}
	}

	if d.IdempotencyKey != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO order_idempotency(user_id, idempotency_key, order_id, created_at) VALUES (?, ?, ?, ?)`,
			d.UserID, d.IdempotencyKey, orderID, ts,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, domain.ErrDuplicateRequest
			}
			return nil, persistence("create order", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, persistence("create order", err)
	}

	created := now.Truncate(time.Microsecond)
	return &domain.Order{
		ID:              orderID,
		UserID:          d.UserID,
		Status:          domain.StatusPending,
		Items:           append([]domain.OrderItem(nil), d.Items...),
		Subtotal:        d.Subtotal,
		Shipping:        d.Shipping,
		Total:           d.Total,
		ShippingAddress: d.ShippingAddress,
		Notes:           d.Notes,
		CreatedAt:       created,
		UpdatedAt:       created,
	}, nil
}

const sqliteOrderColumns = `id, user_id, status, subtotal_cents, shipping_cents, total_cents, shipping_address, notes, created_at, updated_at`

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteOrder(row scanner) (*domain.Order, error) {
	var r orderRow
	var addr, notes sql.NullString
	var created, updated int64
	if err := row.Scan(&r.ID, &r.UserID, &r.Status, &r.SubtotalCents, &r.ShippingCents, &r.TotalCents, &addr, &notes, &created, &updated); err != nil {
		return nil, err
	}
	if addr.Valid {
		r.ShippingAddress = &addr.String
	}
	if notes.Valid {
		r.Notes = &notes.String
	}
	r.CreatedAt = time.UnixMicro(created).UTC()
	r.UpdatedAt = time.UnixMicro(updated).UTC()
	return r.toOrder(), nil
}

func (s *SQLiteStore) GetOrder(ctx context.Context, orderID, userID int64) (*domain.Order, error) {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()
	return s.loadOne(ctx, `SELECT `+sqliteOrderColumns+` FROM orders WHERE id = ? AND user_id = ?`, orderID, orderID, userID)
}

func (s *SQLiteStore) GetOrderByID(ctx context.Context, orderID int64) (*domain.Order, error) {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()
	return s.loadOne(ctx, `SELECT `+sqliteOrderColumns+` FROM orders WHERE id = ?`, orderID, orderID)
}

func (s *SQLiteStore) loadOne(ctx context.Context, query string, orderID int64, args ...any) (*domain.Order, error) {
	o, err := scanSQLiteOrder(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound(orderID)
	}
	if err != nil {
		return nil, persistence("load order", err)
	}
	items, err := s.loadItems(ctx, []int64{o.ID})
	if err != nil {
		return nil, err
	}
	o.Items = append(o.Items, items[o.ID]...)
	return o, nil
}

func (s *SQLiteStore) ListOrders(ctx context.Context, userID int64) ([]*domain.Order, error) {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteOrderColumns+` FROM orders WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, persistence("list orders", err)
	}
	orders := []*domain.Order{}
	ids := []int64{}
	for rows.Next() {
		o, err := scanSQLiteOrder(rows)
		if err != nil {
			_ = rows.Close()
			return nil, persistence("list orders", err)
		}
		orders = append(orders, o)
		ids = append(ids, o.ID)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, persistence("list orders", err)
	}
	if len(ids) == 0 {
		return orders, nil
	}

	items, err := s.loadItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		o.Items = append(o.Items, items[o.ID]...)
	}
	return orders, nil
}

func (s *SQLiteStore) loadItems(ctx context.Context, ids []int64) (map[int64][]domain.OrderItem, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT order_id, product_id, product_name, price_cents, quantity FROM order_items
		WHERE order_id IN (`+placeholders+`) ORDER BY order_id, line_no`, args...)
	if err != nil {
		return nil, persistence("load order items", err)
	}
	defer rows.Close()

	out := make(map[int64][]domain.OrderItem, len(ids))
	for rows.Next() {
		var orderID, productID, price int64
		var name string
		var qty int
		if err := rows.Scan(&orderID, &productID, &name, &price, &qty); err != nil {
			return nil, persistence("load order items", err)
		}
		out[orderID] = append(out[orderID], itemFromRow(productID, name, price, qty))
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("load order items", err)
	}
	return out, nil
}

// UpdateStatus writes to only if the stored status is still from.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, orderID int64, from, to domain.Status) (*domain.Order, error) {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), s.opts.now().UTC().UnixMicro(), orderID, string(from))
	if err != nil {
		return nil, persistence("update status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, persistence("update status", err)
	}
	if n == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, orderID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound(orderID)
		}
		if err != nil {
			return nil, persistence("update status", err)
		}
		return nil, lostRace(current, to)
	}
	return s.loadOne(ctx, `SELECT `+sqliteOrderColumns+` FROM orders WHERE id = ?`, orderID, orderID)
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, orderID int64, status domain.Status, message *string) error {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO order_history(order_id, status, message, created_at) VALUES (?, ?, ?, ?)`,
		orderID, string(status), nullString(message), s.opts.now().UTC().UnixMicro())
	return persistence("append history", err)
}

func (s *SQLiteStore) History(ctx context.Context, orderID int64) ([]domain.HistoryEntry, error) {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, message, created_at FROM order_history WHERE order_id = ? ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, persistence("load history", err)
	}
	defer rows.Close()

	out := []domain.HistoryEntry{}
	for rows.Next() {
		var status string
		var msg sql.NullString
		var created int64
		if err := rows.Scan(&status, &msg, &created); err != nil {
			return nil, persistence("load history", err)
		}
		e := domain.HistoryEntry{OrderID: orderID, Status: domain.Status(status), CreatedAt: time.UnixMicro(created).UTC()}
		if msg.Valid {
			e.Message = &msg.String
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("load history", err)
	}
	return out, nil
}

func (s *SQLiteStore) OrderIDForIdempotencyKey(ctx context.Context, userID int64, key string) (int64, bool, error) {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()

	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT order_id FROM order_idempotency WHERE user_id = ? AND idempotency_key = ?`, userID, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, persistence("lookup idempotency key", err)
	}
	return id, true, nil
}

func (s *SQLiteStore) Stats(ctx context.Context, now time.Time) (*domain.Stats, error) {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()

	stats := &domain.Stats{ByStatus: []domain.StatusStats{}}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(total_cents), 0) FROM orders GROUP BY status`)
	if err != nil {
		return nil, persistence("order stats", err)
	}
	for rows.Next() {
		var status string
		var count, cents int64
		if err := rows.Scan(&status, &count, &cents); err != nil {
			_ = rows.Close()
			return nil, persistence("order stats", err)
		}
		stats.ByStatus = append(stats.ByStatus, domain.StatusStats{Status: domain.Status(status), Count: count, Revenue: money.FromCents(cents)})
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, persistence("order stats", err)
	}
	sortByLifecycle(stats.ByStatus)

	day, week := statsWindow(now)
	for _, p := range []struct {
		since time.Time
		dst   *domain.PeriodStats
	}{{day, &stats.Today}, {week, &stats.ThisWeek}} {
		var count, cents int64
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(SUM(total_cents), 0) FROM orders WHERE created_at >= ?`, p.since.UnixMicro()).Scan(&count, &cents)
		if err != nil {
			return nil, persistence("order stats", err)
		}
		*p.dst = domain.PeriodStats{Count: count, Revenue: money.FromCents(cents)}
	}
	return stats, nil
}

type sqliteMigrator struct{ db *sql.DB }

func (m sqliteMigrator) ensureVersionTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, versionTable)
	return err
}

func (m sqliteMigrator) appliedVersions(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (m sqliteMigrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, mig.Up); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (?)`, mig.Version); err != nil {
		return err
	}
	return tx.Commit()
}
