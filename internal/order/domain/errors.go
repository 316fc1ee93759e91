package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers and the HTTP layer.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindInvalidTransition
	KindPersistence
	KindDelivery
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindPersistence:
		return "persistence_error"
	case KindDelivery:
		return "delivery_failure"
	default:
		return "unknown"
	}
}

// Error is the only error type the service layer returns for business outcomes.
type Error struct {
	Kind    Kind
	Field   string // offending input field, validation only
	Status  Status // current order status, invalid transitions only
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrPersistence       = &Error{Kind: KindPersistence}
	ErrDelivery          = &Error{Kind: KindDelivery}
)

// ErrDuplicateRequest reports that an idempotency key was already used by the same user.
var ErrDuplicateRequest = errors.New("idempotency key already used")

const (
	ErrMsgOrderNotFound  = "Order not found"
	ErrMsgItemsRequired  = "Order items are required"
	ErrMsgUserIDRequired = "User ID required"
	ErrMsgStatusRequired = "Status is required"
	ErrMsgPersistence    = "Failed to persist order"
	ErrMsgCannotCancel   = "Cannot cancel order with status: %s"
	ErrMsgIllegalChange  = "Cannot change order status from %s to %s"
	ErrMsgPriceTooLarge  = "price must not exceed %s"
	ErrMsgLineTooLarge   = "line total must not exceed %s"
	ErrMsgTotalTooLarge  = "order total must not exceed %s"
)

func Validationf(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

func NotFound(orderID int64) *Error {
	return &Error{Kind: KindNotFound, Message: ErrMsgOrderNotFound, Err: fmt.Errorf("order %d", orderID)}
}

func InvalidTransition(current Status, message string) *Error {
	return &Error{Kind: KindInvalidTransition, Status: current, Message: message}
}

func Persistence(op string, err error) *Error {
	return &Error{Kind: KindPersistence, Message: op, Err: err}
}

// Delivery wraps a failed event send to topic.
func Delivery(topic string, err error) *Error {
	return &Error{Kind: KindDelivery, Message: "deliver to " + topic, Err: err}
}

// KindOf reports the kind of err, or 0 when err is not a domain error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}
