package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/threadcart/api/internal/domain"
	"github.com/threadcart/api/internal/repositories"
)

const (
	defaultDraftTTL = 30 * time.Minute
	draftIDPrefix   = "drf_"
	orderIDPrefix   = "ord_"
)

// breakdownCalculator abstracts TaxCalculator for easier testing.
type breakdownCalculator interface {
	ComputeBreakdown(items []domain.LineItem, deliveryCharge int64) (domain.Financials, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Tax           breakdownCalculator
	GatewayOrders GatewayOrderService
	Gateways      paymentGateways
	Drafts        repositories.DraftRepository
	Reconciler    ReconciliationEngine
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
	IDGenerator   func() string
	DraftTTL      time.Duration
}

type checkoutService struct {
	tax           breakdownCalculator
	gatewayOrders GatewayOrderService
	gateways      paymentGateways
	drafts        repositories.DraftRepository
	reconciler    ReconciliationEngine
	now           func() time.Time
	logger        func(ctx context.Context, event string, fields map[string]any)
	newID         func() string
	draftTTL      time.Duration
}

var _ CheckoutService = (*checkoutService)(nil)

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Tax == nil {
		return nil, errors.New("checkout service: tax calculator is required")
	}
	if deps.GatewayOrders == nil {
		return nil, errors.New("checkout service: gateway order service is required")
	}
	if deps.Gateways == nil {
		return nil, errors.New("checkout service: payment gateways are required")
	}
	if deps.Drafts == nil {
		return nil, errors.New("checkout service: draft repository is required")
	}
	if deps.Reconciler == nil {
		return nil, errors.New("checkout service: reconciliation engine is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	ttl := deps.DraftTTL
	if ttl <= 0 {
		ttl = defaultDraftTTL
	}

	return &checkoutService{
		tax:           deps.Tax,
		gatewayOrders: deps.GatewayOrders,
		gateways:      deps.Gateways,
		drafts:        deps.Drafts,
		reconciler:    deps.Reconciler,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:   logger,
		newID:    newID,
		draftTTL: ttl,
	}, nil
}

// Calculate returns the financial breakdown for a cart without persisting anything.
func (s *checkoutService) Calculate(_ context.Context, cmd CalculateCommand) (Financials, error) {
	return s.tax.ComputeBreakdown(cmd.Items, cmd.DeliveryCharge)
}

// CreateOrder persists a draft, opens the gateway order for its grand total and binds the two.
func (s *checkoutService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CheckoutOrder, error) {
	customer, address, err := normaliseCheckoutParties(cmd.Customer, cmd.ShippingAddress)
	if err != nil {
		return CheckoutOrder{}, err
	}
	financials, err := s.tax.ComputeBreakdown(cmd.Items, cmd.DeliveryCharge)
	if err != nil {
		return CheckoutOrder{}, err
	}

	now := s.now()
	draft := domain.OrderDraft{
		DraftID:         draftIDPrefix + s.newID(),
		OrderID:         orderIDPrefix + s.newID(),
		Items:           append([]domain.LineItem(nil), cmd.Items...),
		Financials:      financials,
		Customer:        customer,
		ShippingAddress: address,
		Gateway:         strings.ToLower(strings.TrimSpace(cmd.Gateway)),
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.draftTTL),
	}
	if err := s.drafts.Save(ctx, draft); err != nil {
		s.logger(ctx, "checkout.draft_save_failed", map[string]any{
			"draftId": draft.DraftID,
			"error":   err.Error(),
		})
		return CheckoutOrder{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}

	gatewayOrder, err := s.gatewayOrders.CreateGatewayOrder(ctx, GatewayOrderRequest{
		Amount:         financials.GrandTotal,
		Currency:       financials.Currency,
		IdempotencyKey: draft.DraftID,
		Metadata: map[string]string{
			"orderId":       draft.OrderID,
			"customerEmail": customer.Email,
		},
		Gateway: draft.Gateway,
	})
	if err != nil {
		s.logger(ctx, "checkout.gateway_order_failed", map[string]any{
			"draftId": draft.DraftID,
			"error":   err.Error(),
		})
		s.discardDraft(ctx, draft.DraftID)
		return CheckoutOrder{}, err
	}

	draft.Gateway = gatewayOrder.Gateway
	draft.GatewayOrderID = gatewayOrder.GatewayOrderID
	if err := s.drafts.Save(ctx, draft); err != nil {
		s.logger(ctx, "checkout.draft_bind_failed", map[string]any{
			"draftId":        draft.DraftID,
			"gatewayOrderId": gatewayOrder.GatewayOrderID,
			"error":          err.Error(),
		})
		return CheckoutOrder{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}

	keyID := ""
	if provider, err := s.gateways.Provider(gatewayOrder.Gateway); err == nil {
		keyID = provider.PublicKey()
	}

	s.logger(ctx, "checkout.order_created", map[string]any{
		"draftId":        draft.DraftID,
		"orderId":        draft.OrderID,
		"gateway":        draft.Gateway,
		"gatewayOrderId": draft.GatewayOrderID,
		"grandTotal":     financials.GrandTotal,
	})

	return CheckoutOrder{
		DraftID:        draft.DraftID,
		OrderID:        draft.OrderID,
		GatewayOrderID: gatewayOrder.GatewayOrderID,
		Gateway:        gatewayOrder.Gateway,
		Amount:         gatewayOrder.AmountMinorUnits,
		Currency:       gatewayOrder.Currency,
		KeyID:          keyID,
		ClientSecret:   gatewayOrder.ClientSecret,
		Financials:     financials,
		ExpiresAt:      draft.ExpiresAt,
	}, nil
}

// VerifyPayment reconciles a client callback. A missing draft is tolerated when the payment
// was already reconciled, so repeated callbacks return the stored order.
func (s *checkoutService) VerifyPayment(ctx context.Context, cmd VerifyPaymentCommand) (ReconciliationResult, error) {
	draftID := strings.TrimSpace(cmd.DraftID)
	if draftID == "" || strings.TrimSpace(cmd.GatewayPaymentID) == "" ||
		strings.TrimSpace(cmd.GatewayOrderID) == "" || strings.TrimSpace(cmd.Signature) == "" {
		return ReconciliationResult{}, ErrCheckoutInvalidInput
	}

	draft, err := s.drafts.Get(ctx, draftID)
	switch {
	case err == nil:
	case repositories.IsNotFound(err):
		draft = domain.OrderDraft{}
	default:
		s.logger(ctx, "checkout.draft_lookup_failed", map[string]any{
			"draftId": draftID,
			"error":   err.Error(),
		})
		return ReconciliationResult{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}

	return s.reconciler.Reconcile(ctx, ReconcileCommand{
		GatewayPaymentID: cmd.GatewayPaymentID,
		GatewayOrderID:   cmd.GatewayOrderID,
		Signature:        cmd.Signature,
		Draft:            draft,
		Source:           ReconcileSourceCallback,
	})
}

func (s *checkoutService) discardDraft(ctx context.Context, draftID string) {
	if err := s.drafts.Delete(ctx, draftID); err != nil && !repositories.IsNotFound(err) {
		s.logger(ctx, "checkout.draft_discard_failed", map[string]any{
			"draftId": draftID,
			"error":   err.Error(),
		})
	}
}

func normaliseCheckoutParties(customer domain.Customer, address domain.Address) (domain.Customer, domain.Address, error) {
	customer.UserID = strings.TrimSpace(customer.UserID)
	customer.Name = strings.TrimSpace(customer.Name)
	customer.Email = strings.TrimSpace(customer.Email)
	customer.Phone = strings.TrimSpace(customer.Phone)
	if customer.Name == "" || customer.Email == "" {
		return domain.Customer{}, domain.Address{}, fmt.Errorf("%w: customer name and email are required", ErrCheckoutInvalidInput)
	}
	if _, err := mail.ParseAddress(customer.Email); err != nil {
		return domain.Customer{}, domain.Address{}, fmt.Errorf("%w: customer email is invalid", ErrCheckoutInvalidInput)
	}

	address.Name = strings.TrimSpace(address.Name)
	address.Line1 = strings.TrimSpace(address.Line1)
	address.Line2 = strings.TrimSpace(address.Line2)
	address.City = strings.TrimSpace(address.City)
	address.State = strings.TrimSpace(address.State)
	address.Pincode = strings.TrimSpace(address.Pincode)
	address.Country = strings.TrimSpace(address.Country)
	address.Landmark = strings.TrimSpace(address.Landmark)
	address.Phone = strings.TrimSpace(address.Phone)
	if address.Name == "" {
		address.Name = customer.Name
	}
	if address.Line1 == "" || address.City == "" || address.State == "" || address.Pincode == "" {
		return domain.Customer{}, domain.Address{}, fmt.Errorf("%w: shipping address is incomplete", ErrCheckoutInvalidInput)
	}
	if address.Country == "" {
		address.Country = "IN"
	}
	return customer, address, nil
}
