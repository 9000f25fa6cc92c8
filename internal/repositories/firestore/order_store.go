package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/threadcart/api/internal/domain"
	pfirestore "github.com/threadcart/api/internal/platform/firestore"
	"github.com/threadcart/api/internal/platform/pagination"
	"github.com/threadcart/api/internal/repositories"
)

const (
	ordersCollection        = "orders"
	paymentsCollection      = "payments"
	gatewayOrdersCollection = "gatewayOrders"
	countersCollection      = "counters"
)

type counterDocument struct {
	CurrentValue int64     `firestore:"currentValue"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// OrderStore implements repositories.OrderStore on Firestore. Payments are keyed by gateway
// payment id and gateway order ids by a uniqueness index document, so duplicate captures
// collide inside the transaction instead of in application code.
type OrderStore struct {
	provider      *pfirestore.Provider
	orders        *pfirestore.BaseRepository[orderDocument]
	payments      *pfirestore.BaseRepository[paymentDocument]
	gatewayOrders *pfirestore.BaseRepository[gatewayOrderIndexDocument]
	counters      *pfirestore.BaseRepository[counterDocument]
	txOpts        []pfirestore.TxOption
	now           func() time.Time
}

var _ repositories.OrderStore = (*OrderStore)(nil)

// OrderStoreOption customises the Firestore order store.
type OrderStoreOption func(*OrderStore)

// WithOrderStoreClock overrides the clock used for counter and update timestamps.
func WithOrderStoreClock(now func() time.Time) OrderStoreOption {
	return func(s *OrderStore) {
		if now != nil {
			s.now = func() time.Time { return now().UTC() }
		}
	}
}

// WithOrderStoreTxTimeout bounds each transaction.
func WithOrderStoreTxTimeout(timeout time.Duration) OrderStoreOption {
	return func(s *OrderStore) {
		if timeout > 0 {
			s.txOpts = append(s.txOpts, pfirestore.WithTxTimeout(timeout))
		}
	}
}

func (s *OrderStore) txOptions(op string, extra ...pfirestore.TxOption) []pfirestore.TxOption {
	opts := make([]pfirestore.TxOption, 0, len(s.txOpts)+len(extra)+1)
	opts = append(opts, pfirestore.WithTxOp(op))
	opts = append(opts, s.txOpts...)
	return append(opts, extra...)
}

// NewOrderStore constructs a Firestore-backed order store.
func NewOrderStore(provider *pfirestore.Provider, opts ...OrderStoreOption) (*OrderStore, error) {
	if provider == nil {
		return nil, errors.New("order store requires firestore provider")
	}
	store := &OrderStore{
		provider:      provider,
		orders:        pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil),
		payments:      pfirestore.NewBaseRepository[paymentDocument](provider, paymentsCollection, nil, nil),
		gatewayOrders: pfirestore.NewBaseRepository[gatewayOrderIndexDocument](provider, gatewayOrdersCollection, nil, nil),
		counters:      pfirestore.NewBaseRepository[counterDocument](provider, countersCollection, nil, nil),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// FindPaymentByGatewayID loads the payment record keyed by the gateway payment id.
func (s *OrderStore) FindPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (domain.PaymentRecord, error) {
	id := strings.TrimSpace(gatewayPaymentID)
	if id == "" {
		return domain.PaymentRecord{}, errors.New("order store: gateway payment id is required")
	}
	doc, err := s.payments.Get(ctx, id)
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	return decodePayment(doc.ID, doc.Data), nil
}

// FindOrder loads an order by id.
func (s *OrderStore) FindOrder(ctx context.Context, orderID string) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order store: order id is required")
	}
	doc, err := s.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc.ID, doc.Data), nil
}

// FindOrderByGatewayOrderID resolves the order through the gateway order index.
func (s *OrderStore) FindOrderByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.Order, error) {
	id := strings.TrimSpace(gatewayOrderID)
	if id == "" {
		return domain.Order{}, errors.New("order store: gateway order id is required")
	}
	const op = "orders.find_by_gateway_order"

	// Index and order come from one snapshot.
	var found *domain.Order
	err := s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		indexRef, err := s.gatewayOrders.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(indexRef)
		if err != nil {
			return err
		}
		var index gatewayOrderIndexDocument
		if err := snapshot.DataTo(&index); err != nil {
			return fmt.Errorf("firestore gatewayOrders decode %s: %w", id, err)
		}
		orderRef, err := s.orders.DocumentRef(ctx, index.OrderID)
		if err != nil {
			return err
		}
		found, err = readOrder(tx, orderRef)
		if err != nil {
			return err
		}
		if found == nil {
			return pfirestore.NewNotFoundError(op, fmt.Errorf("order %s for gateway order %s is missing", index.OrderID, id))
		}
		return nil
	}, s.txOptions(op, pfirestore.WithTxReadOnly())...)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError(op, err)
	}
	return *found, nil
}

// UpsertPaymentAndOrder writes the captured payment, the order and the gateway order index in
// one transaction. All reads happen before the first write as Firestore requires.
func (s *OrderStore) UpsertPaymentAndOrder(ctx context.Context, payment domain.PaymentRecord, patch repositories.OrderPatch) (domain.Order, error) {
	paymentID := strings.TrimSpace(payment.GatewayPaymentID)
	orderID := strings.TrimSpace(patch.Order.OrderID)
	if paymentID == "" || orderID == "" {
		return domain.Order{}, errors.New("order store: payment and order ids are required")
	}

	const op = "orders.upsert_payment"
	now := s.now()
	var saved domain.Order

	err := s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		paymentRef, err := s.payments.DocumentRef(ctx, paymentID)
		if err != nil {
			return err
		}
		orderRef, err := s.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}

		existingPayment, err := readPayment(tx, paymentRef)
		if err != nil {
			return err
		}
		existingOrder, err := readOrder(tx, orderRef)
		if err != nil {
			return err
		}
		if err := repositories.CheckCapture(existingPayment, existingOrder, payment); err != nil {
			return pfirestore.NewConflictError(op, err)
		}

		gatewayOrderID := strings.TrimSpace(payment.GatewayOrderID)
		var indexRef *firestore.DocumentRef
		indexExists := false
		if gatewayOrderID != "" {
			indexRef, err = s.gatewayOrders.DocumentRef(ctx, gatewayOrderID)
			if err != nil {
				return err
			}
			snapshot, err := tx.Get(indexRef)
			switch status.Code(err) {
			case codes.NotFound:
			case codes.OK:
				var index gatewayOrderIndexDocument
				if err := snapshot.DataTo(&index); err != nil {
					return fmt.Errorf("firestore gatewayOrders decode %s: %w", gatewayOrderID, err)
				}
				if index.OrderID != orderID {
					return pfirestore.NewConflictError(op, repositories.ErrGatewayOrderTaken)
				}
				indexExists = true
			default:
				return err
			}
		}

		order, err := repositories.ApplyCapture(existingOrder, payment, patch, now)
		if err != nil {
			return pfirestore.NewConflictError(op, err)
		}

		var counterRef *firestore.DocumentRef
		var counter counterDocument
		if existingOrder == nil || strings.TrimSpace(order.OrderNumber) == "" {
			counterRef, err = s.counters.DocumentRef(ctx, repositories.OrderNumberCounterID(repositories.OrderNumberYear(order, now)))
			if err != nil {
				return err
			}
			snapshot, err := tx.Get(counterRef)
			switch status.Code(err) {
			case codes.NotFound:
			case codes.OK:
				if err := snapshot.DataTo(&counter); err != nil {
					return fmt.Errorf("firestore counters decode %s: %w", counterRef.ID, err)
				}
			default:
				return err
			}
		}

		if counterRef != nil {
			counter.CurrentValue++
			counter.UpdatedAt = now
			if err := tx.Set(counterRef, counter); err != nil {
				return err
			}
			order.OrderNumber = repositories.FormatOrderNumber(repositories.OrderNumberYear(order, now), counter.CurrentValue)
		}
		if indexRef != nil && !indexExists {
			// Create fails with AlreadyExists when a concurrent capture claimed the gateway order.
			index := gatewayOrderIndexDocument{OrderID: orderID, GatewayPaymentID: paymentID, CreatedAt: now}
			if err := tx.Create(indexRef, index); err != nil {
				return err
			}
		}
		if err := tx.Set(orderRef, encodeOrder(order)); err != nil {
			return err
		}
		payment.OrderID = orderID
		if err := tx.Set(paymentRef, encodePayment(payment)); err != nil {
			return err
		}

		saved = order
		return nil
	}, s.txOptions(op)...)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError(op, err)
	}
	saved.OrderID = orderID
	return saved, nil
}

// RecordPaymentFailure stores a failed payment unless a captured or refunded record already exists.
func (s *OrderStore) RecordPaymentFailure(ctx context.Context, payment domain.PaymentRecord) error {
	paymentID := strings.TrimSpace(payment.GatewayPaymentID)
	if paymentID == "" {
		return errors.New("order store: gateway payment id is required")
	}
	if payment.UpdatedAt.IsZero() {
		payment.UpdatedAt = s.now()
	}

	err := s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := s.payments.DocumentRef(ctx, paymentID)
		if err != nil {
			return err
		}
		existing, err := readPayment(tx, ref)
		if err != nil {
			return err
		}
		if repositories.KeepSettledPayment(existing) {
			return nil
		}
		return tx.Set(ref, encodePayment(payment))
	}, s.txOptions("payments.record_failure")...)
	if err != nil {
		return pfirestore.WrapError("payments.record_failure", err)
	}
	return nil
}

// RecordVerifiedPayment stores a gateway-confirmed payment that is not yet bound to an order,
// together with the order snapshot needed to finish it later.
func (s *OrderStore) RecordVerifiedPayment(ctx context.Context, payment domain.PaymentRecord) error {
	paymentID := strings.TrimSpace(payment.GatewayPaymentID)
	if paymentID == "" {
		return errors.New("order store: gateway payment id is required")
	}
	if payment.UpdatedAt.IsZero() {
		payment.UpdatedAt = s.now()
	}

	err := s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := s.payments.DocumentRef(ctx, paymentID)
		if err != nil {
			return err
		}
		existing, err := readPayment(tx, ref)
		if err != nil {
			return err
		}
		verified, write := repositories.MergeVerifiedPayment(existing, payment)
		if !write {
			return nil
		}
		return tx.Set(ref, encodePayment(verified))
	}, s.txOptions("payments.record_verified")...)
	if err != nil {
		return pfirestore.WrapError("payments.record_verified", err)
	}
	return nil
}

// ListOrders pages through orders newest first, optionally filtered by customer email and status.
func (s *OrderStore) ListOrders(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	pageSize := pagination.Clamp(filter.Pagination.PageSize)
	email := repositories.NormalizeEmail(filter.CustomerEmail)

	docs, err := s.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if email != "" {
			q = q.Where("customerEmail", "==", email)
		}
		if filter.Status != nil {
			q = q.Where("status", "==", string(*filter.Status))
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.CreatedAt.UTC(), cursor.ID)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, min(len(docs), pageSize))}
	for i, doc := range docs {
		if i == pageSize {
			last := page.Items[len(page.Items)-1]
			token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.OrderID})
			if err != nil {
				return domain.CursorPage[domain.Order]{}, err
			}
			page.NextPageToken = token
			break
		}
		page.Items = append(page.Items, decodeOrder(doc.ID, doc.Data))
	}
	return page, nil
}

// UpdateOrderStatus applies an optimistic status transition.
func (s *OrderStore) UpdateOrderStatus(ctx context.Context, update repositories.OrderStatusUpdate) (domain.Order, error) {
	orderID := strings.TrimSpace(update.OrderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order store: order id is required")
	}
	if update.UpdatedAt.IsZero() {
		update.UpdatedAt = s.now()
	}

	const op = "orders.update_status"
	var saved domain.Order
	err := s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := s.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		existing, err := readOrder(tx, ref)
		if err != nil {
			return err
		}
		if existing == nil {
			return pfirestore.NewNotFoundError(op, fmt.Errorf("order %s not found", orderID))
		}
		order, err := repositories.ApplyStatusUpdate(*existing, update)
		if err != nil {
			return pfirestore.NewConflictError(op, err)
		}
		if err := tx.Set(ref, encodeOrder(order)); err != nil {
			return err
		}
		saved = order
		return nil
	}, s.txOptions(op)...)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError(op, err)
	}
	return saved, nil
}

// ApplyRefund appends the refund to the payment and its order once per refund id.
func (s *OrderStore) ApplyRefund(ctx context.Context, gatewayPaymentID string, refund domain.RefundRecord) (domain.Order, error) {
	paymentID := strings.TrimSpace(gatewayPaymentID)
	if paymentID == "" || strings.TrimSpace(refund.RefundID) == "" {
		return domain.Order{}, errors.New("order store: payment id and refund id are required")
	}
	if refund.ProcessedAt.IsZero() {
		refund.ProcessedAt = s.now()
	}

	const op = "orders.apply_refund"
	var saved domain.Order
	err := s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		paymentRef, err := s.payments.DocumentRef(ctx, paymentID)
		if err != nil {
			return err
		}
		payment, err := readPayment(tx, paymentRef)
		if err != nil {
			return err
		}
		if payment == nil {
			return pfirestore.NewNotFoundError(op, fmt.Errorf("payment %s not found", paymentID))
		}
		if strings.TrimSpace(payment.OrderID) == "" {
			return pfirestore.NewConflictError(op, repositories.ErrPaymentNotRefundable)
		}
		orderRef, err := s.orders.DocumentRef(ctx, payment.OrderID)
		if err != nil {
			return err
		}
		order, err := readOrder(tx, orderRef)
		if err != nil {
			return err
		}
		if order == nil {
			return pfirestore.NewNotFoundError(op, fmt.Errorf("order %s not found", payment.OrderID))
		}

		updatedPayment, updatedOrder, changed, err := repositories.ApplyRefund(*payment, *order, refund)
		if err != nil {
			return pfirestore.NewConflictError(op, err)
		}
		saved = updatedOrder
		if !changed {
			return nil
		}
		if err := tx.Set(orderRef, encodeOrder(updatedOrder)); err != nil {
			return err
		}
		return tx.Set(paymentRef, encodePayment(updatedPayment))
	}, s.txOptions(op)...)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError(op, err)
	}
	return saved, nil
}

// Ping performs a cheap read used by readiness checks.
func (s *OrderStore) Ping(ctx context.Context) error {
	_, err := s.counters.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Limit(1)
	})
	return err
}

func readPayment(tx *firestore.Transaction, ref *firestore.DocumentRef) (*domain.PaymentRecord, error) {
	snapshot, err := tx.Get(ref)
	switch status.Code(err) {
	case codes.NotFound:
		return nil, nil
	case codes.OK:
	default:
		return nil, err
	}
	var doc paymentDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("firestore payments decode %s: %w", ref.ID, err)
	}
	payment := decodePayment(ref.ID, doc)
	return &payment, nil
}

func readOrder(tx *firestore.Transaction, ref *firestore.DocumentRef) (*domain.Order, error) {
	snapshot, err := tx.Get(ref)
	switch status.Code(err) {
	case codes.NotFound:
		return nil, nil
	case codes.OK:
	default:
		return nil, err
	}
	var doc orderDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("firestore orders decode %s: %w", ref.ID, err)
	}
	order := decodeOrder(ref.ID, doc)
	return &order, nil
}
