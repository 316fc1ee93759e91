package domain

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/aminio9/shopstream/internal/money"
)

// RawItem is an item exactly as the client sent it. Decode request bodies with
// json.Decoder.UseNumber so numbers arrive as json.Number.
type RawItem struct {
	ProductID any `json:"productId"`
	Name      any `json:"name"`
	Price     any `json:"price"`
	Quantity  any `json:"quantity"`
}

// ParseItems converts the whole batch or rejects it on the first bad field.
func ParseItems(raw []RawItem) ([]OrderItem, error) {
	if len(raw) == 0 {
		return nil, Validationf("items", ErrMsgItemsRequired)
	}
	items := make([]OrderItem, 0, len(raw))
	for i, r := range raw {
		productID, err := parseInt(r.ProductID)
		if err != nil || productID <= 0 {
			return nil, Validationf(itemField(i, "productId"), "productId must be a positive integer")
		}
		name, ok := r.Name.(string)
		if !ok || strings.TrimSpace(name) == "" {
			return nil, Validationf(itemField(i, "name"), "name is required")
		}
		price, err := money.Parse(r.Price)
		if err != nil {
			return nil, &Error{Kind: KindValidation, Field: itemField(i, "price"), Message: "price must be a decimal amount with at most 2 decimal places", Err: err}
		}
		if price.IsNegative() {
			return nil, Validationf(itemField(i, "price"), "price must not be negative")
		}
		if price.GreaterThan(money.MaxAmount) {
			return nil, Validationf(itemField(i, "price"), ErrMsgPriceTooLarge, money.MaxAmount)
		}
		qty, err := parseInt(r.Quantity)
		if err != nil || qty <= 0 || qty > math.MaxInt32 {
			return nil, Validationf(itemField(i, "quantity"), "quantity must be a positive integer")
		}
		items = append(items, OrderItem{
			ProductID: productID,
			Name:      strings.TrimSpace(name),
			UnitPrice: price,
			Quantity:  int(qty),
		})
	}
	return items, nil
}

var errNotInteger = errors.New("not an integer")

func parseInt(v any) (int64, error) {
	var n int64
	var err error
	switch t := v.(type) {
	case json.Number:
		n, err = strconv.ParseInt(t.String(), 10, 64)
	case string:
		n, err = strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	case float64:
		if t != float64(int64(t)) {
			return 0, errNotInteger
		}
		n = int64(t)
	case int:
		n = int64(t)
	case int64:
		n = t
	default:
		return 0, errNotInteger
	}
	if err != nil {
		return 0, errNotInteger
	}
	return n, nil
}
