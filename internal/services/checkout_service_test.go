package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	domain "github.com/threadcart/api/internal/domain"
	"github.com/threadcart/api/internal/repositories"
)

type stubGatewayOrderService struct {
	createFunc func(ctx context.Context, req GatewayOrderRequest) (GatewayOrder, error)
	requests   []GatewayOrderRequest
}

func (s *stubGatewayOrderService) CreateGatewayOrder(ctx context.Context, req GatewayOrderRequest) (GatewayOrder, error) {
	s.requests = append(s.requests, req)
	return s.createFunc(ctx, req)
}

type stubReconciler struct {
	reconcileFunc func(ctx context.Context, cmd ReconcileCommand) (ReconciliationResult, error)
	commands      []ReconcileCommand
}

func (s *stubReconciler) Reconcile(ctx context.Context, cmd ReconcileCommand) (ReconciliationResult, error) {
	s.commands = append(s.commands, cmd)
	if s.reconcileFunc != nil {
		return s.reconcileFunc(ctx, cmd)
	}
	return ReconciliationResult{State: ReconciliationReconciled}, nil
}

func sequentialIDs(ids ...string) func() string {
	i := 0
	return func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
}

type checkoutFixture struct {
	svc        CheckoutService
	drafts     *memoryDraftRepository
	gateway    *stubGatewayOrderService
	reconciler *stubReconciler
}

func newCheckoutFixture(t *testing.T) checkoutFixture {
	t.Helper()
	gateway := &stubGatewayOrderService{
		createFunc: func(_ context.Context, req GatewayOrderRequest) (GatewayOrder, error) {
			return GatewayOrder{
				GatewayOrderID:   "order_1",
				Gateway:          "razorpay",
				AmountMinorUnits: req.Amount,
				Currency:         req.Currency,
				DraftID:          req.IdempotencyKey,
				Receipt:          req.IdempotencyKey,
				CreatedAt:        testNow,
			}, nil
		},
	}
	drafts := newMemoryDraftRepository()
	reconciler := &stubReconciler{}
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Tax:           newTieredCalculator(t),
		GatewayOrders: gateway,
		Gateways:      stubGateways{"razorpay": &stubProvider{publicKey: "rzp_test_key"}},
		Drafts:        drafts,
		Reconciler:    reconciler,
		Clock:         func() time.Time { return testNow },
		IDGenerator:   sequentialIDs("01JDRAFT", "01JORDER"),
		DraftTTL:      20 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	return checkoutFixture{svc: svc, drafts: drafts, gateway: gateway, reconciler: reconciler}
}

func validCreateCommand() CreateOrderCommand {
	return CreateOrderCommand{
		Items:          []domain.LineItem{{ProductID: "tee-1", Name: "Cotton tee", UnitPrice: 2000, Quantity: 2}},
		DeliveryCharge: 50,
		Customer:       domain.Customer{Name: " Asha Rao ", Email: "asha@example.com"},
		ShippingAddress: domain.Address{
			Line1:   "12 MG Road",
			City:    "Bengaluru",
			State:   "KA",
			Pincode: "560001",
		},
	}
}

func TestCheckoutServiceCalculate(t *testing.T) {
	fx := newCheckoutFixture(t)

	financials, err := fx.svc.Calculate(context.Background(), CalculateCommand{
		Items: []domain.LineItem{
			{ProductID: "a", UnitPrice: 2000, Quantity: 1},
			{ProductID: "b", UnitPrice: 3000, Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if financials.Tax.TaxAmount != 640 || financials.GrandTotal != 5640 {
		t.Fatalf("unexpected financials %#v", financials)
	}
	if len(fx.drafts.drafts) != 0 {
		t.Fatalf("calculate must not persist drafts")
	}
}

func TestCheckoutServiceCalculateEmptyCart(t *testing.T) {
	fx := newCheckoutFixture(t)
	if _, err := fx.svc.Calculate(context.Background(), CalculateCommand{}); !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
}

func TestCheckoutServiceCreateOrderPersistsBoundDraft(t *testing.T) {
	fx := newCheckoutFixture(t)

	order, err := fx.svc.CreateOrder(context.Background(), validCreateCommand())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.DraftID != "drf_01JDRAFT" || order.OrderID != "ord_01JORDER" {
		t.Fatalf("unexpected ids %s %s", order.DraftID, order.OrderID)
	}
	if order.Amount != 4253 || order.Currency != "INR" || order.KeyID != "rzp_test_key" {
		t.Fatalf("unexpected checkout order %#v", order)
	}
	if !order.ExpiresAt.Equal(testNow.Add(20 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", order.ExpiresAt)
	}

	if len(fx.gateway.requests) != 1 {
		t.Fatalf("expected one gateway request, got %d", len(fx.gateway.requests))
	}
	req := fx.gateway.requests[0]
	if req.IdempotencyKey != order.DraftID || req.Amount != 4253 || req.Metadata["orderId"] != order.OrderID {
		t.Fatalf("unexpected gateway request %#v", req)
	}

	draft, err := fx.drafts.Get(context.Background(), order.DraftID)
	if err != nil {
		t.Fatalf("draft not saved: %v", err)
	}
	if draft.GatewayOrderID != "order_1" || draft.Gateway != "razorpay" {
		t.Fatalf("draft not bound to gateway order: %#v", draft)
	}
	if draft.Customer.Name != "Asha Rao" || draft.ShippingAddress.Name != "Asha Rao" || draft.ShippingAddress.Country != "IN" {
		t.Fatalf("unexpected normalised parties %#v %#v", draft.Customer, draft.ShippingAddress)
	}
	if draft.Financials.GrandTotal != draft.Financials.Subtotal+draft.Financials.DeliveryCharge+draft.Financials.Tax.TaxAmount {
		t.Fatalf("grand total invariant broken: %#v", draft.Financials)
	}
	if fx.drafts.saves != 2 {
		t.Fatalf("expected draft saved before and after gateway order, got %d saves", fx.drafts.saves)
	}
}

func TestCheckoutServiceCreateOrderValidation(t *testing.T) {
	cases := map[string]func(*CreateOrderCommand){
		"missing email":   func(c *CreateOrderCommand) { c.Customer.Email = "" },
		"invalid email":   func(c *CreateOrderCommand) { c.Customer.Email = "not-an-email" },
		"missing name":    func(c *CreateOrderCommand) { c.Customer.Name = " " },
		"missing pincode": func(c *CreateOrderCommand) { c.ShippingAddress.Pincode = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			fx := newCheckoutFixture(t)
			cmd := validCreateCommand()
			mutate(&cmd)
			if _, err := fx.svc.CreateOrder(context.Background(), cmd); !errors.Is(err, ErrCheckoutInvalidInput) {
				t.Fatalf("expected ErrCheckoutInvalidInput, got %v", err)
			}
			if len(fx.gateway.requests) != 0 {
				t.Fatalf("gateway must not be called")
			}
		})
	}
}

func TestCheckoutServiceCreateOrderInvalidLineItem(t *testing.T) {
	fx := newCheckoutFixture(t)
	cmd := validCreateCommand()
	cmd.Items[0].Quantity = 0
	if _, err := fx.svc.CreateOrder(context.Background(), cmd); !errors.Is(err, ErrInvalidLineItem) {
		t.Fatalf("expected ErrInvalidLineItem, got %v", err)
	}
}

func TestCheckoutServiceCreateOrderGatewayFailureDiscardsDraft(t *testing.T) {
	fx := newCheckoutFixture(t)
	fx.gateway.createFunc = func(context.Context, GatewayOrderRequest) (GatewayOrder, error) {
		return GatewayOrder{}, fmt.Errorf("%w: timeout", ErrGatewayUnavailable)
	}

	if _, err := fx.svc.CreateOrder(context.Background(), validCreateCommand()); !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if len(fx.drafts.drafts) != 0 || len(fx.drafts.deleted) != 1 {
		t.Fatalf("expected draft discarded, drafts=%v deleted=%v", fx.drafts.drafts, fx.drafts.deleted)
	}
}

func TestCheckoutServiceCreateOrderDraftStoreUnavailable(t *testing.T) {
	fx := newCheckoutFixture(t)
	fx.drafts.saveErr = repositories.NewStoreError("save", repositories.StoreErrorUnavailable, errors.New("redis down"))

	if _, err := fx.svc.CreateOrder(context.Background(), validCreateCommand()); !errors.Is(err, ErrCheckoutUnavailable) {
		t.Fatalf("expected ErrCheckoutUnavailable, got %v", err)
	}
	if len(fx.gateway.requests) != 0 {
		t.Fatalf("gateway must not be called without a draft")
	}
}

func TestCheckoutServiceVerifyPaymentPassesDraft(t *testing.T) {
	fx := newCheckoutFixture(t)
	draft := testDraft()
	fx.drafts.drafts[draft.DraftID] = draft

	if _, err := fx.svc.VerifyPayment(context.Background(), VerifyPaymentCommand{
		GatewayPaymentID: "pay_1",
		GatewayOrderID:   "order_1",
		Signature:        "sig",
		DraftID:          draft.DraftID,
	}); err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	if len(fx.reconciler.commands) != 1 {
		t.Fatalf("expected one reconcile, got %d", len(fx.reconciler.commands))
	}
	cmd := fx.reconciler.commands[0]
	if cmd.Source != ReconcileSourceCallback || cmd.Draft.OrderID != draft.OrderID || cmd.Signature != "sig" {
		t.Fatalf("unexpected reconcile command %#v", cmd)
	}
}

func TestCheckoutServiceVerifyPaymentToleratesConsumedDraft(t *testing.T) {
	fx := newCheckoutFixture(t)

	if _, err := fx.svc.VerifyPayment(context.Background(), VerifyPaymentCommand{
		GatewayPaymentID: "pay_1",
		GatewayOrderID:   "order_1",
		Signature:        "sig",
		DraftID:          "drf_gone",
	}); err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	if cmd := fx.reconciler.commands[0]; cmd.Draft.OrderID != "" {
		t.Fatalf("expected empty draft, got %#v", cmd.Draft)
	}
}

func TestCheckoutServiceVerifyPaymentRequiresFields(t *testing.T) {
	fx := newCheckoutFixture(t)
	if _, err := fx.svc.VerifyPayment(context.Background(), VerifyPaymentCommand{GatewayPaymentID: "pay_1", DraftID: "drf_1"}); !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected ErrCheckoutInvalidInput, got %v", err)
	}
	if len(fx.reconciler.commands) != 0 {
		t.Fatalf("reconciler must not be invoked")
	}
}

func TestNewCheckoutServiceRequiresDependencies(t *testing.T) {
	if _, err := NewCheckoutService(CheckoutServiceDeps{}); err == nil {
		t.Fatalf("expected error without dependencies")
	}
}
