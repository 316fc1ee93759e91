package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aminio9/shopstream/internal/money"
	"github.com/aminio9/shopstream/internal/order/domain"
)

type PostgresStore struct {
	pool *pgxpool.Pool
	opts options
}

// OpenPostgres connects, pings and migrates.
func OpenPostgres(ctx context.Context, databaseURL string, opts ...Option) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	s := NewPostgres(pool, opts...)
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := applyMigrations(ctx, pgMigrator{pool}, postgresMigrations); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgres(pool *pgxpool.Pool, opts ...Option) *PostgresStore {
	return &PostgresStore{pool: pool, opts: buildOptions(opts)}
}

func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateOrder(ctx context.Context, d *domain.Draft) (*domain.Order, error) {
	cents, err := centsOf(d)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, persistence("create order", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o := &domain.Order{
		UserID:          d.UserID,
		Status:          domain.StatusPending,
		Items:           append([]domain.OrderItem(nil), d.Items...),
		Subtotal:        d.Subtotal,
		Shipping:        d.Shipping,
		Total:           d.Total,
		ShippingAddress: d.ShippingAddress,
		Notes:           d.Notes,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO orders(user_id, status, subtotal_cents, shipping_cents, total_cents, shipping_address, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at, updated_at`,
		d.UserID, string(domain.StatusPending), cents.subtotal, cents.shipping, cents.total,
		d.ShippingAddress, d.Notes,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, persistence("create order", err)
	}

	batch := &pgx.Batch{}
	for i, it := range d.Items {
		batch.Queue(`INSERT INTO order_items(order_id, line_no, product_id, product_name, price_cents, quantity) VALUES ($1, $2, $3, $4, $5, $6)`,
			o.ID, i, it.ProductID, it.Name, cents.prices[i], it.Quantity)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, persistence("create order items", err)
	}

	if d.IdempotencyKey != "" {
		_, err = tx.Exec(ctx,
			`INSERT INTO order_idempotency(user_id, idempotency_key, order_id) VALUES ($1, $2, $3)`,
			d.UserID, d.IdempotencyKey, o.ID,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, domain.ErrDuplicateRequest
			}
			return nil, persistence("create order", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, persistence("create order", err)
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

const pgOrderColumns = `id, user_id, status, subtotal_cents, shipping_cents, total_cents, shipping_address, notes, created_at, updated_at`

func scanPgOrder(row pgx.Row) (*domain.Order, error) {
	var r orderRow
	if err := row.Scan(&r.ID, &r.UserID, &r.Status, &r.SubtotalCents, &r.ShippingCents, &r.TotalCents,
		&r.ShippingAddress, &r.Notes, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r.toOrder(), nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID, userID int64) (*domain.Order, error) {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()
	return s.loadOne(ctx, `SELECT `+pgOrderColumns+` FROM orders WHERE id = $1 AND user_id = $2`, orderID, orderID, userID)
}

func (s *PostgresStore) GetOrderByID(ctx context.Context, orderID int64) (*domain.Order, error) {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()
	return s.loadOne(ctx, `SELECT `+pgOrderColumns+` FROM orders WHERE id = $1`, orderID, orderID)
}

func (s *PostgresStore) loadOne(ctx context.Context, query string, orderID int64, args ...any) (*domain.Order, error) {
	o, err := scanPgOrder(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) ListOrders(ctx context.Context, userID int64) ([]*domain.Order, error) {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+pgOrderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, persistence("list orders", err)
	}
	orders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Order, error) {
		return scanPgOrder(row)
	})
	if err != nil {
		return nil, persistence("list orders", err)
	}
	if len(orders) == 0 {
		return []*domain.Order{}, nil
	}

	ids := make([]int64, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
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

func (s *PostgresStore) loadItems(ctx context.Context, ids []int64) (map[int64][]domain.OrderItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT order_id, product_id, product_name, price_cents, quantity FROM order_items
		WHERE order_id = ANY($1) ORDER BY order_id, line_no`, ids)
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
func (s *PostgresStore) UpdateStatus(ctx context.Context, orderID int64, from, to domain.Status) (*domain.Order, error) {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		orderID, string(from), string(to))
	if err != nil {
		return nil, persistence("update status", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := s.pool.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFound(orderID)
		}
		if err != nil {
			return nil, persistence("update status", err)
		}
		return nil, lostRace(current, to)
	}
	return s.loadOne(ctx, `SELECT `+pgOrderColumns+` FROM orders WHERE id = $1`, orderID, orderID)
}

func (s *PostgresStore) AppendHistory(ctx context.Context, orderID int64, status domain.Status, message *string) error {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO order_history(order_id, status, message) VALUES ($1, $2, $3)`,
		orderID, string(status), message)
	return persistence("append history", err)
}

func (s *PostgresStore) History(ctx context.Context, orderID int64) ([]domain.HistoryEntry, error) {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT status, message, created_at FROM order_history WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, persistence("load history", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.HistoryEntry, error) {
		var status string
		e := domain.HistoryEntry{OrderID: orderID}
		err := row.Scan(&status, &e.Message, &e.CreatedAt)
		e.Status = domain.Status(status)
		e.CreatedAt = e.CreatedAt.UTC()
		return e, err
	})
	if err != nil {
		return nil, persistence("load history", err)
	}
	if out == nil {
		out = []domain.HistoryEntry{}
	}
	return out, nil
}

func (s *PostgresStore) OrderIDForIdempotencyKey(ctx context.Context, userID int64, key string) (int64, bool, error) {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()

	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT order_id FROM order_idempotency WHERE user_id = $1 AND idempotency_key = $2`, userID, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, persistence("lookup idempotency key", err)
	}
	return id, true, nil
}

func (s *PostgresStore) Stats(ctx context.Context, now time.Time) (*domain.Stats, error) {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(total_cents), 0)::BIGINT FROM orders GROUP BY status`)
	if err != nil {
		return nil, persistence("order stats", err)
	}
	byStatus, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.StatusStats, error) {
		var status string
		var count, cents int64
		err := row.Scan(&status, &count, &cents)
		return domain.StatusStats{Status: domain.Status(status), Count: count, Revenue: money.FromCents(cents)}, err
	})
	if err != nil {
		return nil, persistence("order stats", err)
	}
	if byStatus == nil {
		byStatus = []domain.StatusStats{}
	}
	sortByLifecycle(byStatus)

	day, week := statsWindow(now)
	var todayCount, todayCents, weekCount, weekCents int64
	err = s.pool.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE created_at >= $1),
			COALESCE(SUM(total_cents) FILTER (WHERE created_at >= $1), 0)::BIGINT,
			COUNT(*) FILTER (WHERE created_at >= $2),
			COALESCE(SUM(total_cents) FILTER (WHERE created_at >= $2), 0)::BIGINT
		FROM orders WHERE created_at >= LEAST($1::timestamptz, $2::timestamptz)`, day, week,
	).Scan(&todayCount, &todayCents, &weekCount, &weekCents)
	if err != nil {
		return nil, persistence("order stats", err)
	}

	return &domain.Stats{
		ByStatus: byStatus,
		Today:    domain.PeriodStats{Count: todayCount, Revenue: money.FromCents(todayCents)},
		ThisWeek: domain.PeriodStats{Count: weekCount, Revenue: money.FromCents(weekCents)},
	}, nil
}

type pgMigrator struct{ pool *pgxpool.Pool }

func (m pgMigrator) ensureVersionTable(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, versionTable)
	return err
}

func (m pgMigrator) appliedVersions(ctx context.Context) ([]string, error) {
	rows, err := m.pool.Query(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (m pgMigrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, mig.Up); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_version(version) VALUES ($1)`, mig.Version); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
