package firestore

import (
	"time"

	domain "github.com/threadcart/api/internal/domain"
	"github.com/threadcart/api/internal/repositories"
)

type lineItemDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	UnitPrice int64  `firestore:"unitPrice"`
	Quantity  int64  `firestore:"quantity"`
	Size      string `firestore:"size,omitempty"`
	Color     string `firestore:"color,omitempty"`
	Image     string `firestore:"image,omitempty"`
	Category  string `firestore:"category,omitempty"`
}

type taxComponentDocument struct {
	Tier         string `firestore:"tier"`
	RateBps      int64  `firestore:"rateBps"`
	TaxableValue string `firestore:"taxableValue"`
	TaxAmount    int64  `firestore:"taxAmount"`
}

type financialsDocument struct {
	Subtotal       int64                  `firestore:"subtotal"`
	DeliveryCharge int64                  `firestore:"deliveryCharge"`
	TaxableValue   int64                  `firestore:"taxableValue"`
	TaxRateBps     int64                  `firestore:"taxRateBps"`
	TaxAmount      int64                  `firestore:"taxAmount"`
	TaxComponents  []taxComponentDocument `firestore:"taxComponents,omitempty"`
	GrandTotal     int64                  `firestore:"grandTotal"`
	Currency       string                 `firestore:"currency"`
}

type customerDocument struct {
	UserID string `firestore:"userId,omitempty"`
	Name   string `firestore:"name"`
	Email  string `firestore:"email"`
	Phone  string `firestore:"phone,omitempty"`
}

type addressDocument struct {
	Name     string `firestore:"name"`
	Line1    string `firestore:"line1"`
	Line2    string `firestore:"line2,omitempty"`
	City     string `firestore:"city"`
	State    string `firestore:"state"`
	Pincode  string `firestore:"pincode"`
	Country  string `firestore:"country,omitempty"`
	Landmark string `firestore:"landmark,omitempty"`
	Phone    string `firestore:"phone,omitempty"`
}

type timelineDocument struct {
	Status      string    `firestore:"status"`
	Description string    `firestore:"description"`
	Timestamp   time.Time `firestore:"timestamp"`
}

type refundDocument struct {
	RefundID         string    `firestore:"refundId"`
	AmountMinorUnits int64     `firestore:"amount"`
	Status           string    `firestore:"status,omitempty"`
	ProcessedAt      time.Time `firestore:"processedAt"`
}

type orderDocument struct {
	OrderNumber      string             `firestore:"orderNumber"`
	GatewayOrderID   string             `firestore:"gatewayOrderId"`
	GatewayPaymentID string             `firestore:"gatewayPaymentId,omitempty"`
	Gateway          string             `firestore:"gateway"`
	Financials       financialsDocument `firestore:"financials"`
	Items            []lineItemDocument `firestore:"items"`
	ShippingAddress  addressDocument    `firestore:"shippingAddress"`
	Customer         customerDocument   `firestore:"customer"`
	CustomerEmailKey string             `firestore:"customerEmail"`
	Status           string             `firestore:"status"`
	PaymentStatus    string             `firestore:"paymentStatus"`
	PaymentMethod    string             `firestore:"paymentMethod,omitempty"`
	TrackingNumber   string             `firestore:"trackingNumber,omitempty"`
	Timeline         []timelineDocument `firestore:"timeline"`
	Refunds          []refundDocument   `firestore:"refunds,omitempty"`
	CreatedAt        time.Time          `firestore:"createdAt"`
	UpdatedAt        time.Time          `firestore:"updatedAt"`
}

type paymentDocument struct {
	GatewayOrderID   string            `firestore:"gatewayOrderId"`
	Gateway          string            `firestore:"gateway"`
	OrderID          string            `firestore:"orderId"`
	Signature        string            `firestore:"signature,omitempty"`
	Status           string            `firestore:"status"`
	FailureReason    string            `firestore:"failureReason,omitempty"`
	AmountMinorUnits int64             `firestore:"amount"`
	Currency         string            `firestore:"currency"`
	Method           string            `firestore:"method,omitempty"`
	CapturedAt       *time.Time        `firestore:"capturedAt,omitempty"`
	UpdatedAt        time.Time         `firestore:"updatedAt"`
	Refunds          []refundDocument  `firestore:"refunds,omitempty"`
	OrderSnapshot    *snapshotDocument `firestore:"orderSnapshot,omitempty"`
}

// snapshotDocument keeps the checkout draft on a verified payment after the draft itself expires.
type snapshotDocument struct {
	DraftID string        `firestore:"draftId"`
	Draft   draftDocument `firestore:"draft"`
}

type gatewayOrderIndexDocument struct {
	OrderID          string    `firestore:"orderId"`
	GatewayPaymentID string    `firestore:"gatewayPaymentId"`
	CreatedAt        time.Time `firestore:"createdAt"`
}

type draftDocument struct {
	OrderID         string             `firestore:"orderId"`
	Items           []lineItemDocument `firestore:"items"`
	Financials      financialsDocument `firestore:"financials"`
	Customer        customerDocument   `firestore:"customer"`
	ShippingAddress addressDocument    `firestore:"shippingAddress"`
	Gateway         string             `firestore:"gateway"`
	GatewayOrderID  string             `firestore:"gatewayOrderId"`
	CreatedAt       time.Time          `firestore:"createdAt"`
	ExpiresAt       time.Time          `firestore:"expiresAt"`
}

func encodeItems(items []domain.LineItem) []lineItemDocument {
	docs := make([]lineItemDocument, 0, len(items))
	for _, item := range items {
		docs = append(docs, lineItemDocument{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Size:      item.Attributes.Size,
			Color:     item.Attributes.Color,
			Image:     item.Attributes.Image,
			Category:  item.Attributes.Category,
		})
	}
	return docs
}

func decodeItems(docs []lineItemDocument) []domain.LineItem {
	items := make([]domain.LineItem, 0, len(docs))
	for _, doc := range docs {
		items = append(items, domain.LineItem{
			ProductID: doc.ProductID,
			Name:      doc.Name,
			UnitPrice: doc.UnitPrice,
			Quantity:  doc.Quantity,
			Attributes: domain.LineItemAttributes{
				Size:     doc.Size,
				Color:    doc.Color,
				Image:    doc.Image,
				Category: doc.Category,
			},
		})
	}
	return items
}

func encodeFinancials(f domain.Financials) financialsDocument {
	doc := financialsDocument{
		Subtotal:       f.Subtotal,
		DeliveryCharge: f.DeliveryCharge,
		TaxableValue:   f.Tax.TaxableValue,
		TaxRateBps:     f.Tax.TaxRateBps,
		TaxAmount:      f.Tax.TaxAmount,
		GrandTotal:     f.GrandTotal,
		Currency:       f.Currency,
	}
	for _, c := range f.Tax.Components {
		doc.TaxComponents = append(doc.TaxComponents, taxComponentDocument(c))
	}
	return doc
}

func decodeFinancials(doc financialsDocument) domain.Financials {
	f := domain.Financials{
		Subtotal:       doc.Subtotal,
		DeliveryCharge: doc.DeliveryCharge,
		Tax: domain.TaxBreakdown{
			TaxableValue: doc.TaxableValue,
			TaxRateBps:   doc.TaxRateBps,
			TaxAmount:    doc.TaxAmount,
		},
		GrandTotal: doc.GrandTotal,
		Currency:   doc.Currency,
	}
	for _, c := range doc.TaxComponents {
		f.Tax.Components = append(f.Tax.Components, domain.TaxComponent(c))
	}
	return f
}

func encodeTimeline(entries []domain.TimelineEntry) []timelineDocument {
	docs := make([]timelineDocument, 0, len(entries))
	for _, entry := range entries {
		docs = append(docs, timelineDocument{
			Status:      entry.Status,
			Description: entry.Description,
			Timestamp:   entry.Timestamp.UTC(),
		})
	}
	return docs
}

func decodeTimeline(docs []timelineDocument) []domain.TimelineEntry {
	entries := make([]domain.TimelineEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, domain.TimelineEntry{
			Status:      doc.Status,
			Description: doc.Description,
			Timestamp:   doc.Timestamp.UTC(),
		})
	}
	return entries
}

func encodeRefunds(refunds []domain.RefundRecord) []refundDocument {
	if len(refunds) == 0 {
		return nil
	}
	docs := make([]refundDocument, 0, len(refunds))
	for _, r := range refunds {
		docs = append(docs, refundDocument{
			RefundID:         r.RefundID,
			AmountMinorUnits: r.AmountMinorUnits,
			Status:           r.Status,
			ProcessedAt:      r.ProcessedAt.UTC(),
		})
	}
	return docs
}

func decodeRefunds(docs []refundDocument) []domain.RefundRecord {
	if len(docs) == 0 {
		return nil
	}
	refunds := make([]domain.RefundRecord, 0, len(docs))
	for _, doc := range docs {
		refunds = append(refunds, domain.RefundRecord{
			RefundID:         doc.RefundID,
			AmountMinorUnits: doc.AmountMinorUnits,
			Status:           doc.Status,
			ProcessedAt:      doc.ProcessedAt.UTC(),
		})
	}
	return refunds
}

func encodeOrder(order domain.Order) orderDocument {
	return orderDocument{
		OrderNumber:      order.OrderNumber,
		GatewayOrderID:   order.GatewayOrderID,
		GatewayPaymentID: order.GatewayPaymentID,
		Gateway:          order.Gateway,
		Financials:       encodeFinancials(order.Financials),
		Items:            encodeItems(order.Items),
		ShippingAddress:  addressDocument(order.ShippingAddress),
		Customer:         customerDocument(order.Customer),
		CustomerEmailKey: repositories.NormalizeEmail(order.Customer.Email),
		Status:           string(order.Status),
		PaymentStatus:    string(order.PaymentStatus),
		PaymentMethod:    order.PaymentMethod,
		TrackingNumber:   order.TrackingNumber,
		Timeline:         encodeTimeline(order.Timeline),
		Refunds:          encodeRefunds(order.Refunds),
		CreatedAt:        order.CreatedAt.UTC(),
		UpdatedAt:        order.UpdatedAt.UTC(),
	}
}

func decodeOrder(id string, doc orderDocument) domain.Order {
	return domain.Order{
		OrderID:          id,
		OrderNumber:      doc.OrderNumber,
		GatewayOrderID:   doc.GatewayOrderID,
		GatewayPaymentID: doc.GatewayPaymentID,
		Gateway:          doc.Gateway,
		Financials:       decodeFinancials(doc.Financials),
		Items:            decodeItems(doc.Items),
		ShippingAddress:  domain.Address(doc.ShippingAddress),
		Customer:         domain.Customer(doc.Customer),
		Status:           domain.OrderStatus(doc.Status),
		PaymentStatus:    domain.PaymentStatus(doc.PaymentStatus),
		PaymentMethod:    doc.PaymentMethod,
		TrackingNumber:   doc.TrackingNumber,
		Timeline:         decodeTimeline(doc.Timeline),
		Refunds:          decodeRefunds(doc.Refunds),
		CreatedAt:        doc.CreatedAt.UTC(),
		UpdatedAt:        doc.UpdatedAt.UTC(),
	}
}

func encodePayment(payment domain.PaymentRecord) paymentDocument {
	doc := paymentDocument{
		GatewayOrderID:   payment.GatewayOrderID,
		Gateway:          payment.Gateway,
		OrderID:          payment.OrderID,
		Signature:        payment.Signature,
		Status:           string(payment.Status),
		FailureReason:    payment.FailureReason,
		AmountMinorUnits: payment.AmountMinorUnits,
		Currency:         payment.Currency,
		Method:           payment.Method,
		UpdatedAt:        payment.UpdatedAt.UTC(),
		Refunds:          encodeRefunds(payment.Refunds),
	}
	if payment.CapturedAt != nil {
		captured := payment.CapturedAt.UTC()
		doc.CapturedAt = &captured
	}
	if payment.OrderSnapshot != nil {
		doc.OrderSnapshot = &snapshotDocument{
			DraftID: payment.OrderSnapshot.DraftID,
			Draft:   encodeDraft(*payment.OrderSnapshot),
		}
	}
	return doc
}

func decodePayment(id string, doc paymentDocument) domain.PaymentRecord {
	payment := domain.PaymentRecord{
		GatewayPaymentID: id,
		GatewayOrderID:   doc.GatewayOrderID,
		Gateway:          doc.Gateway,
		OrderID:          doc.OrderID,
		Signature:        doc.Signature,
		Status:           domain.PaymentRecordStatus(doc.Status),
		FailureReason:    doc.FailureReason,
		AmountMinorUnits: doc.AmountMinorUnits,
		Currency:         doc.Currency,
		Method:           doc.Method,
		UpdatedAt:        doc.UpdatedAt.UTC(),
		Refunds:          decodeRefunds(doc.Refunds),
	}
	if doc.CapturedAt != nil {
		captured := doc.CapturedAt.UTC()
		payment.CapturedAt = &captured
	}
	if doc.OrderSnapshot != nil {
		snapshot := decodeDraft(doc.OrderSnapshot.DraftID, doc.OrderSnapshot.Draft)
		payment.OrderSnapshot = &snapshot
	}
	return payment
}

func encodeDraft(draft domain.OrderDraft) draftDocument {
	return draftDocument{
		OrderID:         draft.OrderID,
		Items:           encodeItems(draft.Items),
		Financials:      encodeFinancials(draft.Financials),
		Customer:        customerDocument(draft.Customer),
		ShippingAddress: addressDocument(draft.ShippingAddress),
		Gateway:         draft.Gateway,
		GatewayOrderID:  draft.GatewayOrderID,
		CreatedAt:       draft.CreatedAt.UTC(),
		ExpiresAt:       draft.ExpiresAt.UTC(),
	}
}

func decodeDraft(id string, doc draftDocument) domain.OrderDraft {
	return domain.OrderDraft{
		DraftID:         id,
		OrderID:         doc.OrderID,
		Items:           decodeItems(doc.Items),
		Financials:      decodeFinancials(doc.Financials),
		Customer:        domain.Customer(doc.Customer),
		ShippingAddress: domain.Address(doc.ShippingAddress),
		Gateway:         doc.Gateway,
		GatewayOrderID:  doc.GatewayOrderID,
		CreatedAt:       doc.CreatedAt.UTC(),
		ExpiresAt:       doc.ExpiresAt.UTC(),
	}
}
