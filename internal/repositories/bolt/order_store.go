// Package bolt provides an embedded OrderStore for local development and tests. Every
// operation runs inside a single bolt transaction, so the uniqueness rules of the Firestore
// adapter hold here as well.
package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "github.com/boltdb/bolt"

	domain "github.com/threadcart/api/internal/domain"
	"github.com/threadcart/api/internal/platform/pagination"
	"github.com/threadcart/api/internal/repositories"
)

var (
	paymentsBucket      = []byte("payments")
	ordersBucket        = []byte("orders")
	gatewayOrdersBucket = []byte("gateway_orders")
	countersBucket      = []byte("counters")
)

type gatewayOrderIndex struct {
	OrderID          string    `json:"orderId"`
	GatewayPaymentID string    `json:"gatewayPaymentId"`
	CreatedAt        time.Time `json:"createdAt"`
}

// OrderStore implements repositories.OrderStore on a bolt database file.
type OrderStore struct {
	db  *bolt.DB
	now func() time.Time
}

var _ repositories.OrderStore = (*OrderStore)(nil)

// Open opens (or creates) the database at path and ensures the buckets exist.
func Open(path string, now func() time.Time) (*OrderStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("bolt order store: path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("bolt order store: create dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt order store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{paymentsBucket, ordersBucket, gatewayOrdersBucket, countersBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt order store: init buckets: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &OrderStore{db: db, now: func() time.Time { return now().UTC() }}, nil
}

// Close releases the database file lock.
func (s *OrderStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is still open.
func (s *OrderStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(ordersBucket) == nil {
			return errors.New("orders bucket missing")
		}
		return nil
	})
}

// FindPaymentByGatewayID loads the payment record keyed by gateway payment id.
func (s *OrderStore) FindPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (domain.PaymentRecord, error) {
	const op = "payments.get"
	var payment domain.PaymentRecord
	err := s.view(ctx, op, func(tx *bolt.Tx) error {
		found, err := getJSON(tx, paymentsBucket, gatewayPaymentID, &payment)
		if err != nil {
			return err
		}
		if !found {
			return repositories.NewStoreError(op, repositories.StoreErrorNotFound, fmt.Errorf("payment %s not found", gatewayPaymentID))
		}
		return nil
	})
	return payment, err
}

// FindOrder loads an order by id.
func (s *OrderStore) FindOrder(ctx context.Context, orderID string) (domain.Order, error) {
	const op = "orders.get"
	var order domain.Order
	err := s.view(ctx, op, func(tx *bolt.Tx) error {
		return loadOrder(tx, op, orderID, &order)
	})
	return order, err
}

// FindOrderByGatewayOrderID resolves the order through the gateway order index.
func (s *OrderStore) FindOrderByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.Order, error) {
	const op = "orders.get_by_gateway_order"
	var order domain.Order
	err := s.view(ctx, op, func(tx *bolt.Tx) error {
		var index gatewayOrderIndex
		found, err := getJSON(tx, gatewayOrdersBucket, gatewayOrderID, &index)
		if err != nil {
			return err
		}
		if !found {
			return repositories.NewStoreError(op, repositories.StoreErrorNotFound, fmt.Errorf("gateway order %s not found", gatewayOrderID))
		}
		return loadOrder(tx, op, index.OrderID, &order)
	})
	return order, err
}

// UpsertPaymentAndOrder writes the captured payment, the order and the gateway order index
// in one read-write transaction.
func (s *OrderStore) UpsertPaymentAndOrder(ctx context.Context, payment domain.PaymentRecord, patch repositories.OrderPatch) (domain.Order, error) {
	const op = "orders.upsert_payment"
	paymentID := strings.TrimSpace(payment.GatewayPaymentID)
	orderID := strings.TrimSpace(patch.Order.OrderID)
	if paymentID == "" || orderID == "" {
		return domain.Order{}, errors.New("bolt order store: payment and order ids are required")
	}
	now := s.now()

	var saved domain.Order
	err := s.update(ctx, op, func(tx *bolt.Tx) error {
		var existingPayment *domain.PaymentRecord
		var storedPayment domain.PaymentRecord
		found, err := getJSON(tx, paymentsBucket, paymentID, &storedPayment)
		if err != nil {
			return err
		}
		if found {
			existingPayment = &storedPayment
		}

		var existingOrder *domain.Order
		var storedOrder domain.Order
		found, err = getJSON(tx, ordersBucket, orderID, &storedOrder)
		if err != nil {
			return err
		}
		if found {
			existingOrder = &storedOrder
		}

		if err := repositories.CheckCapture(existingPayment, existingOrder, payment); err != nil {
			return repositories.NewStoreError(op, repositories.StoreErrorConflict, err)
		}

		gatewayOrderID := strings.TrimSpace(payment.GatewayOrderID)
		if gatewayOrderID != "" {
			var index gatewayOrderIndex
			found, err := getJSON(tx, gatewayOrdersBucket, gatewayOrderID, &index)
			if err != nil {
				return err
			}
			if found && index.OrderID != orderID {
				return repositories.NewStoreError(op, repositories.StoreErrorConflict, repositories.ErrGatewayOrderTaken)
			}
			if !found {
				index = gatewayOrderIndex{OrderID: orderID, GatewayPaymentID: paymentID, CreatedAt: now}
				if err := putJSON(tx, gatewayOrdersBucket, gatewayOrderID, index); err != nil {
					return err
				}
			}
		}

		order, err := repositories.ApplyCapture(existingOrder, payment, patch, now)
		if err != nil {
			return repositories.NewStoreError(op, repositories.StoreErrorConflict, err)
		}
		if strings.TrimSpace(order.OrderNumber) == "" {
			year := repositories.OrderNumberYear(order, now)
			seq, err := nextSequence(tx, repositories.OrderNumberCounterID(year))
			if err != nil {
				return err
			}
			order.OrderNumber = repositories.FormatOrderNumber(year, seq)
		}
		if err := putJSON(tx, ordersBucket, orderID, order); err != nil {
			return err
		}
		payment.OrderID = orderID
		if err := putJSON(tx, paymentsBucket, paymentID, payment); err != nil {
			return err
		}
		saved = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return saved, nil
}

// RecordPaymentFailure stores a failed payment unless a captured or refunded record exists.
func (s *OrderStore) RecordPaymentFailure(ctx context.Context, payment domain.PaymentRecord) error {
	const op = "payments.record_failure"
	paymentID := strings.TrimSpace(payment.GatewayPaymentID)
	if paymentID == "" {
		return errors.New("bolt order store: gateway payment id is required")
	}
	if payment.UpdatedAt.IsZero() {
		payment.UpdatedAt = s.now()
	}
	return s.update(ctx, op, func(tx *bolt.Tx) error {
		var existing domain.PaymentRecord
		found, err := getJSON(tx, paymentsBucket, paymentID, &existing)
		if err != nil {
			return err
		}
		if found && repositories.KeepSettledPayment(&existing) {
			return nil
		}
		return putJSON(tx, paymentsBucket, paymentID, payment)
	})
}

// RecordVerifiedPayment stores a gateway-confirmed payment that is not yet bound to an order.
func (s *OrderStore) RecordVerifiedPayment(ctx context.Context, payment domain.PaymentRecord) error {
	const op = "payments.record_verified"
	paymentID := strings.TrimSpace(payment.GatewayPaymentID)
	if paymentID == "" {
		return errors.New("bolt order store: gateway payment id is required")
	}
	if payment.UpdatedAt.IsZero() {
		payment.UpdatedAt = s.now()
	}
	return s.update(ctx, op, func(tx *bolt.Tx) error {
		var stored domain.PaymentRecord
		found, err := getJSON(tx, paymentsBucket, paymentID, &stored)
		if err != nil {
			return err
		}
		var existing *domain.PaymentRecord
		if found {
			existing = &stored
		}
		verified, write := repositories.MergeVerifiedPayment(existing, payment)
		if !write {
			return nil
		}
		return putJSON(tx, paymentsBucket, paymentID, verified)
	})
}

// ListOrders scans the orders bucket and pages newest first.
func (s *OrderStore) ListOrders(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	const op = "orders.list"
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	pageSize := pagination.Clamp(filter.Pagination.PageSize)
	email := repositories.NormalizeEmail(filter.CustomerEmail)

	var matches []domain.Order
	err = s.view(ctx, op, func(tx *bolt.Tx) error {
		return tx.Bucket(ordersBucket).ForEach(func(_, v []byte) error {
			var order domain.Order
			if err := json.Unmarshal(v, &order); err != nil {
				return err
			}
			if email != "" && repositories.NormalizeEmail(order.Customer.Email) != email {
				return nil
			}
			if filter.Status != nil && order.Status != *filter.Status {
				return nil
			}
			matches = append(matches, order)
			return nil
		})
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	sort.Slice(matches, func(i, j int) bool {
		return orderedBefore(matches[i].CreatedAt, matches[i].OrderID, matches[j].CreatedAt, matches[j].OrderID)
	})

	page := domain.CursorPage[domain.Order]{Items: []domain.Order{}}
	for _, order := range matches {
		if !cursor.IsZero() && !orderedBefore(cursor.CreatedAt, cursor.ID, order.CreatedAt, order.OrderID) {
			continue
		}
		if len(page.Items) == pageSize {
			last := page.Items[len(page.Items)-1]
			token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.OrderID})
			if err != nil {
				return domain.CursorPage[domain.Order]{}, err
			}
			page.NextPageToken = token
			break
		}
		page.Items = append(page.Items, order)
	}
	return page, nil
}

// UpdateOrderStatus applies an optimistic status transition.
func (s *OrderStore) UpdateOrderStatus(ctx context.Context, update repositories.OrderStatusUpdate) (domain.Order, error) {
	const op = "orders.update_status"
	if update.UpdatedAt.IsZero() {
		update.UpdatedAt = s.now()
	}
	var saved domain.Order
	err := s.update(ctx, op, func(tx *bolt.Tx) error {
		var order domain.Order
		if err := loadOrder(tx, op, update.OrderID, &order); err != nil {
			return err
		}
		updated, err := repositories.ApplyStatusUpdate(order, update)
		if err != nil {
			return repositories.NewStoreError(op, repositories.StoreErrorConflict, err)
		}
		if err := putJSON(tx, ordersBucket, update.OrderID, updated); err != nil {
			return err
		}
		saved = updated
		return nil
	})
	return saved, err
}

// ApplyRefund appends the refund to the payment and its order once per refund id.
func (s *OrderStore) ApplyRefund(ctx context.Context, gatewayPaymentID string, refund domain.RefundRecord) (domain.Order, error) {
	const op = "orders.apply_refund"
	if strings.TrimSpace(refund.RefundID) == "" {
		return domain.Order{}, errors.New("bolt order store: refund id is required")
	}
	if refund.ProcessedAt.IsZero() {
		refund.ProcessedAt = s.now()
	}
	var saved domain.Order
	err := s.update(ctx, op, func(tx *bolt.Tx) error {
		var payment domain.PaymentRecord
		found, err := getJSON(tx, paymentsBucket, gatewayPaymentID, &payment)
		if err != nil {
			return err
		}
		if !found {
			return repositories.NewStoreError(op, repositories.StoreErrorNotFound, fmt.Errorf("payment %s not found", gatewayPaymentID))
		}
		if strings.TrimSpace(payment.OrderID) == "" {
			return repositories.NewStoreError(op, repositories.StoreErrorConflict, repositories.ErrPaymentNotRefundable)
		}
		var order domain.Order
		if err := loadOrder(tx, op, payment.OrderID, &order); err != nil {
			return err
		}
		updatedPayment, updatedOrder, changed, err := repositories.ApplyRefund(payment, order, refund)
		if err != nil {
			return repositories.NewStoreError(op, repositories.StoreErrorConflict, err)
		}
		saved = updatedOrder
		if !changed {
			return nil
		}
		if err := putJSON(tx, ordersBucket, payment.OrderID, updatedOrder); err != nil {
			return err
		}
		return putJSON(tx, paymentsBucket, gatewayPaymentID, updatedPayment)
	})
	return saved, err
}

func (s *OrderStore) view(ctx context.Context, op string, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(op, s.db.View(fn))
}

func (s *OrderStore) update(ctx context.Context, op string, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(op, s.db.Update(fn))
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}
	if errors.Is(err, bolt.ErrTimeout) || errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return repositories.NewStoreError(op, repositories.StoreErrorUnavailable, err)
	}
	return repositories.NewStoreError(op, repositories.StoreErrorUnknown, err)
}

func loadOrder(tx *bolt.Tx, op, orderID string, order *domain.Order) error {
	found, err := getJSON(tx, ordersBucket, orderID, order)
	if err != nil {
		return err
	}
	if !found {
		return repositories.NewStoreError(op, repositories.StoreErrorNotFound, fmt.Errorf("order %s not found", orderID))
	}
	return nil
}

func getJSON(tx *bolt.Tx, bucket []byte, key string, target any) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	raw := tx.Bucket(bucket).Get([]byte(key))
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func putJSON(tx *bolt.Tx, bucket []byte, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", bucket, key, err)
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

// nextSequence uses a nested bucket per counter so NextSequence stays scoped to one year.
func nextSequence(tx *bolt.Tx, counterID string) (int64, error) {
	counter, err := tx.Bucket(countersBucket).CreateBucketIfNotExists([]byte(counterID))
	if err != nil {
		return 0, err
	}
	seq, err := counter.NextSequence()
	if err != nil {
		return 0, err
	}
	return int64(seq), nil
}

// orderedBefore reports whether (ta, ia) sorts before (tb, ib) in (createdAt desc, id desc) order.
func orderedBefore(ta time.Time, ia string, tb time.Time, ib string) bool {
	if !ta.Equal(tb) {
		return ta.After(tb)
	}
	return ia > ib
}
