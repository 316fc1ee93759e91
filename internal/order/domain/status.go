package domain

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses is in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered},
	StatusDelivered:  nil,
	StatusCancelled:  nil,
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := transitions[st]; !ok {
		names := make([]string, len(AllStatuses))
		for i, v := range AllStatuses {
			names[i] = string(v)
		}
		return "", Validationf("status", "Invalid status. Must be one of: %s", strings.Join(names, ", "))
	}
	return st, nil
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition is the single authority on which status changes are legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves o to the target status, leaving o untouched on failure.
func Transition(o *Order, to Status) error {
	if !to.Valid() {
		return Validationf("status", "Invalid status %q", to)
	}
	if !CanTransition(o.Status, to) {
		return InvalidTransition(o.Status, fmt.Sprintf(ErrMsgIllegalChange, o.Status, to))
	}
	o.Status = to
	return nil
}

// Cancel is legal only while the order has not shipped.
func Cancel(o *Order) error {
	if o.Status != StatusPending && o.Status != StatusProcessing {
		return InvalidTransition(o.Status, fmt.Sprintf(ErrMsgCannotCancel, o.Status))
	}
	o.Status = StatusCancelled
	return nil
}
