package domain

import (
	"fmt"
	"time"
)

// Processing may skip shipped for orders handed over without a carrier.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusDelivered},
	OrderStatusShipped:    {OrderStatusDelivered},
}

// ParseOrderStatus validates a status name coming from a transport.
func ParseOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(s)
	switch status {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return status, nil
	}
	return "", fmt.Errorf("unknown order status %q: %w", s, ErrValidation)
}

// IsTerminal reports whether no transition leaves the status.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// CanTransition reports whether next is reachable from s in one step.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition moves the order to next and returns the history entry to append.
// The order is left untouched when the move is rejected.
func (o *Order) Transition(next OrderStatus, actor int64, note string, at time.Time) (OrderStatusEvent, error) {
	if next == o.Status {
		return OrderStatusEvent{}, fmt.Errorf("order %d already %s: %w", o.ID, next, ErrDuplicateStatus)
	}
	if !o.Status.CanTransition(next) {
		return OrderStatusEvent{}, fmt.Errorf("order %d: %s -> %s: %w", o.ID, o.Status, next, ErrInvalidTransition)
	}

	o.Status = next
	o.UpdatedAt = at
	event := OrderStatusEvent{
		OrderID:   o.ID,
		Status:    next,
		Notes:     note,
		CreatedBy: actor,
		CreatedAt: at,
	}
	o.StatusHistory = append(o.StatusHistory, event)
	return event, nil
}

// ValidHistory checks that events form a path through the transition table
// starting at pending with no repeated status.
func ValidHistory(events []OrderStatusEvent) bool {
	if len(events) == 0 {
		return true
	}
	if events[0].Status != OrderStatusPending {
		return false
	}
	for i := 1; i < len(events); i++ {
		if !events[i-1].Status.CanTransition(events[i].Status) {
			return false
		}
	}
	return true
}
