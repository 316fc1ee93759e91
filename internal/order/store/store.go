// Package store persists orders, their items and status history. Both
// implementations share one contract: every call is bounded by a timeout,
// creation is all-or-nothing, and status writes are compare-and-set.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aminio9/shopstream/internal/money"
	"github.com/aminio9/shopstream/internal/order/domain"
)

const DefaultTimeout = 3 * time.Second

type options struct {
	timeout time.Duration
	now     func() time.Time
}

type Option func(*options)

// WithTimeout bounds every repository call.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithClock overrides the clock used for timestamps the store assigns itself.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{timeout: DefaultTimeout, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func (o options) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.timeout)
}

// orderRow is the storage shape of an order before money is rebuilt from cents.
type orderRow struct {
	ID              int64
	UserID          int64
	Status          string
	SubtotalCents   int64
	ShippingCents   int64
	TotalCents      int64
	ShippingAddress *string
	Notes           *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (r orderRow) toOrder() *domain.Order {
	return &domain.Order{
		ID:              r.ID,
		UserID:          r.UserID,
		Status:          domain.Status(r.Status),
		Items:           []domain.OrderItem{},
		Subtotal:        money.FromCents(r.SubtotalCents),
		Shipping:        money.FromCents(r.ShippingCents),
		Total:           money.FromCents(r.TotalCents),
		ShippingAddress: r.ShippingAddress,
		Notes:           r.Notes,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func itemFromRow(productID int64, name string, priceCents int64, qty int) domain.OrderItem {
	return domain.OrderItem{ProductID: productID, Name: name, UnitPrice: money.FromCents(priceCents), Quantity: qty}
}

// draftCents holds every amount of a draft in minor units.
type draftCents struct {
	subtotal, shipping, total int64
	prices                    []int64
}

// centsOf converts the whole draft before anything is written, so an amount
// that does not fit a BIGINT column is refused instead of stored wrapped.
func centsOf(d *domain.Draft) (draftCents, error) {
	var c draftCents
	var err error
	if c.subtotal, err = d.Subtotal.Cents(); err != nil {
		return c, domain.Validationf("items", domain.ErrMsgTotalTooLarge, money.MaxAmount)
	}
	if c.shipping, err = d.Shipping.Cents(); err != nil {
		return c, domain.Validationf("items", domain.ErrMsgTotalTooLarge, money.MaxAmount)
	}
	if c.total, err = d.Total.Cents(); err != nil {
		return c, domain.Validationf("items", domain.ErrMsgTotalTooLarge, money.MaxAmount)
	}
	c.prices = make([]int64, len(d.Items))
	for i, it := range d.Items {
		if c.prices[i], err = it.UnitPrice.Cents(); err != nil {
			return c, domain.Validationf(fmt.Sprintf("items[%d].price", i), domain.ErrMsgPriceTooLarge, money.MaxAmount)
		}
	}
	return c, nil
}

func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.Persistence(op, err)
}

func lostRace(current string, to domain.Status) error {
	return domain.InvalidTransition(domain.Status(current), fmt.Sprintf(domain.ErrMsgIllegalChange, current, to))
}

// isUniqueViolation recognises Postgres 23505 and SQLite's constraint text.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") || strings.Contains(msg, "duplicate key")
}

// statsWindow returns the UTC start of today and the start of the trailing week.
func statsWindow(now time.Time) (day, week time.Time) {
	now = now.UTC()
	day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	week = now.Add(-7 * 24 * time.Hour)
	return day, week
}

func sortByLifecycle(stats []domain.StatusStats) {
	rank := make(map[domain.Status]int, len(domain.AllStatuses))
	for i, s := range domain.AllStatuses {
		rank[s] = i
	}
	sort.Slice(stats, func(i, j int) bool { return rank[stats[i].Status] < rank[stats[j].Status] })
}
