// Package money holds the exact decimal amount type used for prices and order totals.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of minor-unit digits (cents).
const Scale = 2

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidQuantity = errors.New("quantity must be a positive integer")
	ErrAmountTooLarge  = errors.New("amount too large")
)

// MaxAmount is the largest price or order total accepted, the range of a DECIMAL(10,2) column.
var MaxAmount = FromCents(9_999_999_999)

// Money is an exact amount with at most Scale fractional digits.
// The zero value is 0.00.
type Money struct {
	d decimal.Decimal
}

func Zero() Money { return Money{} }

func FromCents(cents int64) Money {
	return Money{d: decimal.New(cents, -Scale)}
}

// MustParse is for constants and tests.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Parse converts a client-supplied value into Money. Accepted inputs are JSON numbers,
// Go numeric types, numeric strings and Money itself.
func Parse(raw any) (Money, error) {
	switch v := raw.(type) {
	case Money:
		return v, nil
	case *Money:
		if v == nil {
			return Money{}, fmt.Errorf("%w: null", ErrInvalidAmount)
		}
		return *v, nil
	case json.Number:
		return parseLiteral(v.String())
	case string:
		return parseLiteral(v)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Money{}, fmt.Errorf("%w: %v", ErrInvalidAmount, v)
		}
		return fromDecimal(decimal.NewFromFloat(v), fmt.Sprint(v))
	case float32:
		return Parse(float64(v))
	case int:
		return Money{d: decimal.NewFromInt(int64(v))}, nil
	case int32:
		return Money{d: decimal.NewFromInt(int64(v))}, nil
	case int64:
		return Money{d: decimal.NewFromInt(v)}, nil
	case nil:
		return Money{}, fmt.Errorf("%w: null", ErrInvalidAmount)
	default:
		return Money{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidAmount, raw)
	}
}

func parseLiteral(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	switch strings.ToLower(strings.TrimLeft(s, "+-")) {
	case "nan", "inf", "infinity":
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return fromDecimal(d, s)
}

func fromDecimal(d decimal.Decimal, literal string) (Money, error) {
	if !d.Equal(d.Truncate(Scale)) {
		return Money{}, fmt.Errorf("%w: %q has more than %d decimal places", ErrInvalidAmount, literal, Scale)
	}
	return Money{d: d}, nil
}

func (m Money) Add(o Money) Money {
	return Money{d: m.d.Add(o.d)}
}

// Mul multiplies by a positive item quantity.
func (m Money) Mul(quantity int) (Money, error) {
	if quantity <= 0 {
		return Money{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	return Money{d: m.d.Mul(decimal.NewFromInt(int64(quantity)))}, nil
}

// Cmp returns -1, 0 or +1.
func (m Money) Cmp(o Money) int { return m.d.Cmp(o.d) }

func (m Money) Equal(o Money) bool       { return m.d.Equal(o.d) }
func (m Money) GreaterThan(o Money) bool { return m.d.GreaterThan(o.d) }
func (m Money) IsNegative() bool         { return m.d.IsNegative() }
func (m Money) IsZero() bool             { return m.d.IsZero() }

// Cents returns the amount in minor units. It fails instead of wrapping when
// the value does not fit in an int64.
func (m Money) Cents() (int64, error) {
	c := m.d.Shift(Scale)
	if !c.IsInteger() {
		return 0, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, m.d, Scale)
	}
	b := c.BigInt()
	if !b.IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrAmountTooLarge, m)
	}
	return b.Int64(), nil
}

func (m Money) String() string {
	return m.d.StringFixed(Scale)
}

// MarshalJSON renders a decimal string so consumers never see a binary float.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
