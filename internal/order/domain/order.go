package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/aminio9/shopstream/internal/money"
)

var (
	// FreeShippingThreshold is exclusive: a subtotal of exactly 50.00 still pays shipping.
	FreeShippingThreshold = money.MustParse("50.00")
	FlatShipping          = money.MustParse("9.99")
)

type OrderItem struct {
	ProductID int64       `json:"productId"`
	Name      string      `json:"name"`
	UnitPrice money.Money `json:"price"`
	Quantity  int         `json:"quantity"`
}

func (i OrderItem) LineTotal() (money.Money, error) {
	return i.UnitPrice.Mul(i.Quantity)
}

type Order struct {
	ID              int64          `json:"id"`
	UserID          int64          `json:"userId"`
	Status          Status         `json:"status"`
	Items           []OrderItem    `json:"items"`
	Subtotal        money.Money    `json:"subtotal"`
	Shipping        money.Money    `json:"shipping"`
	Total           money.Money    `json:"total"`
	ShippingAddress *string        `json:"shippingAddress"`
	Notes           *string        `json:"notes"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	History         []HistoryEntry `json:"history,omitempty"`
}

type HistoryEntry struct {
	OrderID   int64     `json:"-"`
	Status    Status    `json:"status"`
	Message   *string   `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Draft is a validated order that has not been persisted yet.
type Draft struct {
	UserID          int64
	Items           []OrderItem
	Subtotal        money.Money
	Shipping        money.Money
	Total           money.Money
	ShippingAddress *string
	Notes           *string
	IdempotencyKey  string
}

func ShippingFor(subtotal money.Money) money.Money {
	if subtotal.GreaterThan(FreeShippingThreshold) {
		return money.Zero()
	}
	return FlatShipping
}

// NewDraft validates the items and derives subtotal, shipping and total.
func NewDraft(userID int64, items []OrderItem, shippingAddress, notes *string) (*Draft, error) {
	if userID <= 0 {
		return nil, Validationf("userId", ErrMsgUserIDRequired)
	}
	if len(items) == 0 {
		return nil, Validationf("items", ErrMsgItemsRequired)
	}

	subtotal := money.Zero()
	for i, it := range items {
		if it.ProductID <= 0 {
			return nil, Validationf(itemField(i, "productId"), "productId must be a positive integer")
		}
		if strings.TrimSpace(it.Name) == "" {
			return nil, Validationf(itemField(i, "name"), "name is required")
		}
		if it.UnitPrice.IsNegative() {
			return nil, Validationf(itemField(i, "price"), "price must not be negative")
		}
		if it.UnitPrice.GreaterThan(money.MaxAmount) {
			return nil, Validationf(itemField(i, "price"), ErrMsgPriceTooLarge, money.MaxAmount)
		}
		line, err := it.LineTotal()
		if err != nil {
			return nil, Validationf(itemField(i, "quantity"), "quantity must be a positive integer")
		}
		if line.GreaterThan(money.MaxAmount) {
			return nil, Validationf(itemField(i, "quantity"), ErrMsgLineTooLarge, money.MaxAmount)
		}
		subtotal = subtotal.Add(line)
		if subtotal.GreaterThan(money.MaxAmount) {
			return nil, Validationf("items", ErrMsgTotalTooLarge, money.MaxAmount)
		}
	}

	// Shipping is only charged at or below the free threshold, so the total stays in range.
	shipping := ShippingFor(subtotal)
	return &Draft{
		UserID:          userID,
		Items:           append([]OrderItem(nil), items...),
		Subtotal:        subtotal,
		Shipping:        shipping,
		Total:           subtotal.Add(shipping),
		ShippingAddress: shippingAddress,
		Notes:           notes,
	}, nil
}

func itemField(i int, name string) string {
	return "items[" + strconv.Itoa(i) + "]." + name
}
