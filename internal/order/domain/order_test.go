package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminio9/shopstream/internal/money"
)

func decodeItems(t *testing.T, body string) []RawItem {
	t.Helper()
	var raw []RawItem
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&raw))
	return raw
}

func TestNewDraft_Totals(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		subtotal string
		shipping string
		total    string
	}{
		{
			name:     "free shipping above threshold",
			body:     `[{"productId":1,"name":"Widget","price":"25.00","quantity":3}]`,
			subtotal: "75.00", shipping: "0.00", total: "75.00",
		},
		{
			name:     "flat shipping below threshold",
			body:     `[{"productId":2,"name":"Gadget","price":"10.00","quantity":2}]`,
			subtotal: "20.00", shipping: "9.99", total: "29.99",
		},
		{
			name:     "exactly fifty still pays shipping",
			body:     `[{"productId":3,"name":"Thing","price":25,"quantity":2}]`,
			subtotal: "50.00", shipping: "9.99", total: "59.99",
		},
		{
			name:     "mixed string and number prices",
			body:     `[{"productId":4,"name":"A","price":"0.10","quantity":1},{"productId":"5","name":"B","price":0.2,"quantity":"1"}]`,
			subtotal: "0.30", shipping: "9.99", total: "10.29",
		},
		{
			name:     "just over threshold",
			body:     `[{"productId":6,"name":"C","price":"50.01","quantity":1}]`,
			subtotal: "50.01", shipping: "0.00", total: "50.01",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := ParseItems(decodeItems(t, tt.body))
			require.NoError(t, err)

			d, err := NewDraft(42, items, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.subtotal, d.Subtotal.String())
			assert.Equal(t, tt.shipping, d.Shipping.String())
			assert.Equal(t, tt.total, d.Total.String())
			assert.True(t, d.Total.Equal(d.Subtotal.Add(d.Shipping)))
		})
	}
}

func TestParseItems_RejectsWholeBatch(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"empty", `[]`, "items"},
		{"zero quantity", `[{"productId":1,"name":"A","price":"1.00","quantity":1},{"productId":2,"name":"B","price":"1.00","quantity":0}]`, "items[1].quantity"},
		{"negative quantity", `[{"productId":1,"name":"A","price":"1.00","quantity":-1}]`, "items[0].quantity"},
		{"fractional quantity", `[{"productId":1,"name":"A","price":"1.00","quantity":1.5}]`, "items[0].quantity"},
		{"unparsable price", `[{"productId":1,"name":"A","price":"ten","quantity":1}]`, "items[0].price"},
		{"bool price", `[{"productId":1,"name":"A","price":true,"quantity":1}]`, "items[0].price"},
		{"missing price", `[{"productId":1,"name":"A","quantity":1}]`, "items[0].price"},
		{"negative price", `[{"productId":1,"name":"A","price":"-1.00","quantity":1}]`, "items[0].price"},
		{"missing name", `[{"productId":1,"price":"1.00","quantity":1}]`, "items[0].name"},
		{"blank name", `[{"productId":1,"name":"  ","price":"1.00","quantity":1}]`, "items[0].name"},
		{"zero product", `[{"productId":0,"name":"A","price":"1.00","quantity":1}]`, "items[0].productId"},
		{"non numeric product", `[{"productId":"abc","name":"A","price":"1.00","quantity":1}]`, "items[0].productId"},
		{"price above maximum", `[{"productId":1,"name":"A","price":"1.00","quantity":1},{"productId":2,"name":"B","price":"100000000.00","quantity":1}]`, "items[1].price"},
		{"price far beyond int64 cents", `[{"productId":1,"name":"A","price":"100000000000000000.00","quantity":1}]`, "items[0].price"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := ParseItems(decodeItems(t, tt.body))
			require.Error(t, err)
			assert.Nil(t, items)
			assert.ErrorIs(t, err, ErrValidation)

			var de *Error
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.field, de.Field)
		})
	}
}

func TestNewDraft_Validation(t *testing.T) {
	item := OrderItem{ProductID: 1, Name: "A", UnitPrice: money.MustParse("1.00"), Quantity: 1}

	_, err := NewDraft(0, []OrderItem{item}, nil, nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewDraft(1, nil, nil, nil)
	assert.ErrorIs(t, err, ErrValidation)

	bad := item
	bad.Quantity = 0
	_, err = NewDraft(1, []OrderItem{item, bad}, nil, nil)
	var de *Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "items[1].quantity", de.Field)
}

func TestNewDraft_AmountBounds(t *testing.T) {
	tests := []struct {
		name  string
		items []OrderItem
		field string
	}{
		{
			name:  "price above maximum",
			items: []OrderItem{{ProductID: 1, Name: "A", UnitPrice: money.MustParse("50000000000.00"), Quantity: 2147483647}},
			field: "items[0].price",
		},
		{
			name:  "line total above maximum",
			items: []OrderItem{{ProductID: 1, Name: "A", UnitPrice: money.MustParse("99999999.99"), Quantity: 2}},
			field: "items[0].quantity",
		},
		{
			name: "subtotal above maximum",
			items: []OrderItem{
				{ProductID: 1, Name: "A", UnitPrice: money.MustParse("60000000.00"), Quantity: 1},
				{ProductID: 2, Name: "B", UnitPrice: money.MustParse("40000000.00"), Quantity: 1},
			},
			field: "items",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDraft(1, tt.items, nil, nil)
			var de *Error
			require.True(t, errors.As(err, &de), "got %v", err)
			assert.Equal(t, KindValidation, de.Kind)
			assert.Equal(t, tt.field, de.Field)
		})
	}

	d, err := NewDraft(1, []OrderItem{{ProductID: 1, Name: "A", UnitPrice: money.MaxAmount, Quantity: 1}}, nil, nil)
	require.NoError(t, err)
	assert.True(t, d.Total.Equal(money.MaxAmount))
}

func TestNewDraft_CopiesItems(t *testing.T) {
	items := []OrderItem{{ProductID: 1, Name: "A", UnitPrice: money.MustParse("2.00"), Quantity: 1}}
	d, err := NewDraft(1, items, nil, nil)
	require.NoError(t, err)
	items[0].Quantity = 99
	assert.Equal(t, 1, d.Items[0].Quantity)
}

func TestErrorKinds(t *testing.T) {
	err := NotFound(7)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, Kind(0), KindOf(errors.New("plain")))

	cause := errors.New("connection refused")
	pe := Persistence("create order", cause)
	assert.ErrorIs(t, pe, ErrPersistence)
	assert.ErrorIs(t, pe, cause)
	assert.Equal(t, "persistence_error", KindPersistence.String())
}
