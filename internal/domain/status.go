package domain

import "slices"

var paymentStatusTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending: {PaymentStatusPaid, PaymentStatusFailed},
	PaymentStatusPaid:    {PaymentStatusRefunded},
}

var orderStatusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
}

// CanTransitionPayment reports whether the payment status may move from current to target.
// Failed and refunded are terminal.
func CanTransitionPayment(current, target PaymentStatus) bool {
	if current == "" {
		current = PaymentStatusPending
	}
	return slices.Contains(paymentStatusTransitions[current], target)
}

// CanTransitionOrder reports whether the fulfilment status may move from current to target.
func CanTransitionOrder(current, target OrderStatus) bool {
	if current == target {
		return true
	}
	return slices.Contains(orderStatusTransitions[current], target)
}

// IsValidOrderStatus reports whether status is a known fulfilment status.
func IsValidOrderStatus(status OrderStatus) bool {
	switch status {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}
