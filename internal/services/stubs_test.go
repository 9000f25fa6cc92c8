package services

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	domain "github.com/threadcart/api/internal/domain"
	"github.com/threadcart/api/internal/payments"
	"github.com/threadcart/api/internal/repositories"
	boltstore "github.com/threadcart/api/internal/repositories/bolt"
)

var testNow = time.Date(2025, 2, 10, 9, 30, 0, 0, time.UTC)

const testSigningSecret = "rzp_test_secret"

type stubProvider struct {
	createOrderFunc  func(ctx context.Context, req payments.CreateOrderRequest) (payments.OrderDetails, error)
	fetchPaymentFunc func(ctx context.Context, paymentID string) (payments.PaymentDetails, error)
	parseWebhookFunc func(payload []byte, header http.Header) (payments.WebhookEvent, error)
	secret           string
	noCallback       bool
	publicKey        string

	mu         sync.Mutex
	fetchCalls int
}

func (s *stubProvider) CreateOrder(ctx context.Context, req payments.CreateOrderRequest) (payments.OrderDetails, error) {
	if s.createOrderFunc != nil {
		return s.createOrderFunc(ctx, req)
	}
	return payments.OrderDetails{}, errors.New("create order not implemented")
}

func (s *stubProvider) FetchPayment(ctx context.Context, paymentID string) (payments.PaymentDetails, error) {
	s.mu.Lock()
	s.fetchCalls++
	s.mu.Unlock()
	if s.fetchPaymentFunc != nil {
		return s.fetchPaymentFunc(ctx, paymentID)
	}
	return payments.PaymentDetails{}, errors.New("fetch payment not implemented")
}

func (s *stubProvider) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	return payments.VerifySignature(orderID, paymentID, signature, s.secret)
}

func (s *stubProvider) SupportsCallbackVerification() bool { return !s.noCallback }

func (s *stubProvider) ParseWebhook(payload []byte, header http.Header) (payments.WebhookEvent, error) {
	if s.parseWebhookFunc != nil {
		return s.parseWebhookFunc(payload, header)
	}
	return payments.WebhookEvent{}, payments.ErrWebhookPayload
}

func (s *stubProvider) PublicKey() string { return s.publicKey }

func (s *stubProvider) fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchCalls
}

type stubGateways map[string]payments.Provider

func (s stubGateways) Provider(name string) (payments.Provider, error) {
	if p, ok := s[name]; ok {
		return p, nil
	}
	return nil, payments.ErrUnsupportedProvider
}

type stubOrderStore struct {
	findPaymentFunc   func(ctx context.Context, id string) (domain.PaymentRecord, error)
	upsertFunc        func(ctx context.Context, payment domain.PaymentRecord, patch repositories.OrderPatch) (domain.Order, error)
	findOrderFunc     func(ctx context.Context, orderID string) (domain.Order, error)
	recordFailureFunc func(ctx context.Context, payment domain.PaymentRecord) error
	recordVerifyFunc  func(ctx context.Context, payment domain.PaymentRecord) error
	findByGatewayFunc func(ctx context.Context, id string) (domain.Order, error)
	listFunc          func(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)
	updateStatusFunc  func(ctx context.Context, update repositories.OrderStatusUpdate) (domain.Order, error)
	applyRefundFunc   func(ctx context.Context, paymentID string, refund domain.RefundRecord) (domain.Order, error)
}

var errStubNotFound = repositories.NewStoreError("stub", repositories.StoreErrorNotFound, nil)

func (s *stubOrderStore) FindPaymentByGatewayID(ctx context.Context, id string) (domain.PaymentRecord, error) {
	if s.findPaymentFunc != nil {
		return s.findPaymentFunc(ctx, id)
	}
	return domain.PaymentRecord{}, errStubNotFound
}

func (s *stubOrderStore) UpsertPaymentAndOrder(ctx context.Context, payment domain.PaymentRecord, patch repositories.OrderPatch) (domain.Order, error) {
	if s.upsertFunc != nil {
		return s.upsertFunc(ctx, payment, patch)
	}
	return patch.Order, nil
}

func (s *stubOrderStore) FindOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findOrderFunc != nil {
		return s.findOrderFunc(ctx, orderID)
	}
	return domain.Order{}, errStubNotFound
}

func (s *stubOrderStore) RecordPaymentFailure(ctx context.Context, payment domain.PaymentRecord) error {
	if s.recordFailureFunc != nil {
		return s.recordFailureFunc(ctx, payment)
	}
	return nil
}

func (s *stubOrderStore) RecordVerifiedPayment(ctx context.Context, payment domain.PaymentRecord) error {
	if s.recordVerifyFunc != nil {
		return s.recordVerifyFunc(ctx, payment)
	}
	return nil
}

func (s *stubOrderStore) FindOrderByGatewayOrderID(ctx context.Context, id string) (domain.Order, error) {
	if s.findByGatewayFunc != nil {
		return s.findByGatewayFunc(ctx, id)
	}
	return domain.Order{}, errStubNotFound
}

func (s *stubOrderStore) ListOrders(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFunc != nil {
		return s.listFunc(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

func (s *stubOrderStore) UpdateOrderStatus(ctx context.Context, update repositories.OrderStatusUpdate) (domain.Order, error) {
	if s.updateStatusFunc != nil {
		return s.updateStatusFunc(ctx, update)
	}
	return domain.Order{}, errStubNotFound
}

func (s *stubOrderStore) ApplyRefund(ctx context.Context, paymentID string, refund domain.RefundRecord) (domain.Order, error) {
	if s.applyRefundFunc != nil {
		return s.applyRefundFunc(ctx, paymentID, refund)
	}
	return domain.Order{}, errStubNotFound
}

// memoryDraftRepository keeps drafts in a map and records deletions.
type memoryDraftRepository struct {
	mu      sync.Mutex
	drafts  map[string]domain.OrderDraft
	saves   int
	deleted []string
	saveErr error
	getErr  error
}

func newMemoryDraftRepository(drafts ...domain.OrderDraft) *memoryDraftRepository {
	repo := &memoryDraftRepository{drafts: make(map[string]domain.OrderDraft)}
	for _, draft := range drafts {
		repo.drafts[draft.DraftID] = draft
	}
	return repo
}

func (r *memoryDraftRepository) Save(_ context.Context, draft domain.OrderDraft) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	if r.saveErr != nil {
		return r.saveErr
	}
	r.drafts[draft.DraftID] = draft
	return nil
}

func (r *memoryDraftRepository) Get(_ context.Context, draftID string) (domain.OrderDraft, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return domain.OrderDraft{}, r.getErr
	}
	draft, ok := r.drafts[draftID]
	if !ok {
		return domain.OrderDraft{}, errStubNotFound
	}
	return draft, nil
}

func (r *memoryDraftRepository) FindByGatewayOrderID(_ context.Context, gatewayOrderID string) (domain.OrderDraft, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, draft := range r.drafts {
		if draft.GatewayOrderID == gatewayOrderID {
			return draft, nil
		}
	}
	return domain.OrderDraft{}, errStubNotFound
}

func (r *memoryDraftRepository) Delete(_ context.Context, draftID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, draftID)
	delete(r.drafts, draftID)
	return nil
}

type recordingAnomalies struct {
	mu        sync.Mutex
	anomalies []Anomaly
}

func (r *recordingAnomalies) ReportAnomaly(_ context.Context, anomaly Anomaly) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anomalies = append(r.anomalies, anomaly)
	return nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (r *recordingEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingEvents) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// unavailableUpsertStore fails order writes while down is set and otherwise defers to bolt.
type unavailableUpsertStore struct {
	*boltstore.OrderStore
	down bool
}

func (s *unavailableUpsertStore) UpsertPaymentAndOrder(ctx context.Context, payment domain.PaymentRecord, patch repositories.OrderPatch) (domain.Order, error) {
	if s.down {
		return domain.Order{}, repositories.NewStoreError("upsert", repositories.StoreErrorUnavailable, errors.New("deadline exceeded"))
	}
	return s.OrderStore.UpsertPaymentAndOrder(ctx, payment, patch)
}

func openBoltStore(t *testing.T) *boltstore.OrderStore {
	t.Helper()
	store, err := boltstore.Open(filepath.Join(t.TempDir(), "orders.db"), func() time.Time { return testNow })
	if err != nil {
		t.Fatalf("open bolt store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// testDraft is the 2000×2 cart with 50 delivery under the tiered policy: total 4253.
func testDraft() domain.OrderDraft {
	return domain.OrderDraft{
		DraftID: "drf_1",
		OrderID: "ord_1",
		Items: []domain.LineItem{
			{ProductID: "tee-1", Name: "Cotton tee", UnitPrice: 2000, Quantity: 2},
		},
		Financials: domain.Financials{
			Subtotal:       4000,
			DeliveryCharge: 50,
			Tax:            domain.TaxBreakdown{TaxableValue: 4050, TaxRateBps: 500, TaxAmount: 203},
			GrandTotal:     4253,
			Currency:       "INR",
		},
		Customer:        domain.Customer{Name: "Asha Rao", Email: "asha@example.com"},
		ShippingAddress: domain.Address{Name: "Asha Rao", Line1: "12 MG Road", City: "Bengaluru", State: "KA", Pincode: "560001", Country: "IN"},
		Gateway:         "razorpay",
		GatewayOrderID:  "order_1",
		CreatedAt:       testNow.Add(-5 * time.Minute),
		ExpiresAt:       testNow.Add(25 * time.Minute),
	}
}

func capturedPayment(paymentID, orderID string, amount int64) payments.PaymentDetails {
	captured := testNow.Add(-time.Minute)
	return payments.PaymentDetails{
		Provider:   "razorpay",
		PaymentID:  paymentID,
		OrderID:    orderID,
		Status:     payments.StatusCaptured,
		Amount:     amount,
		Currency:   "INR",
		Method:     "upi",
		CapturedAt: &captured,
	}
}
