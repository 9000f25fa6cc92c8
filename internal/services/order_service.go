package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/threadcart/api/internal/domain"
	"github.com/threadcart/api/internal/platform/pagination"
	"github.com/threadcart/api/internal/repositories"
)

const refundStatusProcessed = "processed"

// OrderServiceDeps wires the dependencies required by the order service.
type OrderServiceDeps struct {
	Store  repositories.OrderStore
	Events OrderEventPublisher
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	store  repositories.OrderStore
	events OrderEventPublisher
	now    func() time.Time
	logger func(ctx context.Context, event string, fields map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService constructs an OrderService validating required dependencies.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Store == nil {
		return nil, errors.New("order service: order store is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &orderService{
		store:  deps.Store,
		events: deps.Events,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, ErrOrderInvalidInput
	}
	order, err := s.store.FindOrder(ctx, orderID)
	if err != nil {
		return Order{}, s.translateStoreError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	if filter.Pagination.PageToken != "" {
		if _, err := pagination.DecodeToken(filter.Pagination.PageToken); err != nil {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
	}
	storeFilter := repositories.OrderListFilter{
		CustomerEmail: repositories.NormalizeEmail(filter.CustomerEmail),
		Pagination:    filter.Pagination,
	}
	if status := strings.ToLower(strings.TrimSpace(filter.Status)); status != "" {
		orderStatus := domain.OrderStatus(status)
		if !domain.IsValidOrderStatus(orderStatus) {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
		}
		storeFilter.Status = &orderStatus
	}
	storeFilter.Pagination.PageSize = pagination.Clamp(filter.Pagination.PageSize)

	page, err := s.store.ListOrders(ctx, storeFilter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.translateStoreError(err)
	}
	return page, nil
}

// UpdateStatus applies an admin fulfilment transition. Concurrent updates are serialised by the
// store comparing the status this call observed.
func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	target := domain.OrderStatus(strings.ToLower(strings.TrimSpace(cmd.Status)))
	if orderID == "" || !domain.IsValidOrderStatus(target) {
		return Order{}, ErrOrderInvalidInput
	}

	current, err := s.store.FindOrder(ctx, orderID)
	if err != nil {
		return Order{}, s.translateStoreError(err)
	}
	if !domain.CanTransitionOrder(current.Status, target) {
		return Order{}, fmt.Errorf("%w: %s to %s", ErrOrderInvalidState, current.Status, target)
	}

	now := s.now()
	description := strings.TrimSpace(cmd.Note)
	if description == "" {
		description = fmt.Sprintf("Order %s", target)
	}
	updated, err := s.store.UpdateOrderStatus(ctx, repositories.OrderStatusUpdate{
		OrderID:        orderID,
		ExpectedStatus: current.Status,
		Status:         target,
		TrackingNumber: cmd.TrackingNumber,
		Timeline: domain.TimelineEntry{
			Status:      string(target),
			Description: description,
			Timestamp:   now,
		},
		UpdatedAt: now,
	})
	if err != nil {
		return Order{}, s.translateStoreError(err)
	}

	s.logger(ctx, "order.status_updated", map[string]any{
		"orderId": orderID,
		"from":    string(current.Status),
		"to":      string(target),
		"actorId": cmd.ActorID,
	})
	s.publish(ctx, OrderEvent{
		Type:          OrderEventStatusChanged,
		OrderID:       updated.OrderID,
		OrderNumber:   updated.OrderNumber,
		Status:        string(updated.Status),
		PaymentStatus: string(updated.PaymentStatus),
		OccurredAt:    now,
	})
	return updated, nil
}

// ApplyRefund records a processed refund. Applying the same refund id again leaves the order unchanged.
func (s *orderService) ApplyRefund(ctx context.Context, cmd ApplyRefundCommand) (Order, error) {
	paymentID := strings.TrimSpace(cmd.GatewayPaymentID)
	refundID := strings.TrimSpace(cmd.RefundID)
	if paymentID == "" || refundID == "" || cmd.Amount < 0 {
		return Order{}, ErrOrderInvalidInput
	}
	processedAt := cmd.ProcessedAt
	if processedAt.IsZero() {
		processedAt = s.now()
	}

	order, err := s.store.ApplyRefund(ctx, paymentID, domain.RefundRecord{
		RefundID:         refundID,
		AmountMinorUnits: cmd.Amount,
		Status:           refundStatusProcessed,
		ProcessedAt:      processedAt.UTC(),
	})
	if err != nil {
		return Order{}, s.translateStoreError(err)
	}

	s.logger(ctx, "order.refund_applied", map[string]any{
		"orderId":          order.OrderID,
		"gatewayPaymentId": paymentID,
		"refundId":         refundID,
		"amount":           cmd.Amount,
	})
	s.publish(ctx, OrderEvent{
		Type:             OrderEventRefunded,
		OrderID:          order.OrderID,
		OrderNumber:      order.OrderNumber,
		Status:           string(order.Status),
		PaymentStatus:    string(order.PaymentStatus),
		GatewayPaymentID: paymentID,
		Amount:           cmd.Amount,
		Currency:         order.Financials.Currency,
		RefundID:         refundID,
		OccurredAt:       s.now(),
	})
	return order, nil
}

func (s *orderService) publish(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event_publish_failed", map[string]any{
			"type":    event.Type,
			"orderId": event.OrderID,
			"error":   err.Error(),
		})
	}
}

func (s *orderService) translateStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case repositories.IsNotFound(err):
		return ErrOrderNotFound
	case repositories.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrOrderInvalidState, err)
	case errors.Is(err, pagination.ErrInvalidPageToken):
		return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	case repositories.IsUnavailable(err):
		return fmt.Errorf("order: store unavailable: %w", err)
	default:
		return fmt.Errorf("order: %w", err)
	}
}
