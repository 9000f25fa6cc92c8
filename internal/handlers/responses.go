package handlers

import (
	"time"

	domain "github.com/threadcart/api/internal/domain"
)

type lineItemPayload struct {
	ProductID  string             `json:"productId"`
	Name       string             `json:"name"`
	UnitPrice  int64              `json:"unitPrice"`
	Quantity   int64              `json:"quantity"`
	Attributes *attributesPayload `json:"attributes,omitempty"`
}

type attributesPayload struct {
	Size     string `json:"size,omitempty"`
	Color    string `json:"color,omitempty"`
	Image    string `json:"image,omitempty"`
	Category string `json:"category,omitempty"`
}

type customerPayload struct {
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Phone  string `json:"phone,omitempty"`
}

type addressPayload struct {
	Name     string `json:"name,omitempty"`
	Line1    string `json:"line1"`
	Line2    string `json:"line2,omitempty"`
	City     string `json:"city"`
	State    string `json:"state"`
	Pincode  string `json:"pincode"`
	Country  string `json:"country,omitempty"`
	Landmark string `json:"landmark,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

type taxComponentPayload struct {
	Tier         string `json:"tier"`
	RateBps      int64  `json:"rateBps"`
	TaxableValue string `json:"taxableValue"`
	TaxAmount    int64  `json:"taxAmount"`
}

type breakdownPayload struct {
	Subtotal       int64                 `json:"subtotal"`
	DeliveryCharge int64                 `json:"deliveryCharge"`
	TaxableValue   int64                 `json:"taxableValue"`
	TaxRateBps     int64                 `json:"taxRateBps"`
	Tax            int64                 `json:"tax"`
	Components     []taxComponentPayload `json:"components,omitempty"`
	GrandTotal     int64                 `json:"grandTotal"`
	Currency       string                `json:"currency"`
}

type timelinePayload struct {
	Status      string `json:"status"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"`
}

type refundPayload struct {
	RefundID    string `json:"refundId"`
	Amount      int64  `json:"amount"`
	Status      string `json:"status,omitempty"`
	ProcessedAt string `json:"processedAt,omitempty"`
}

type orderPayload struct {
	OrderID          string            `json:"orderId"`
	OrderNumber      string            `json:"orderNumber"`
	Status           string            `json:"status"`
	PaymentStatus    string            `json:"paymentStatus"`
	PaymentMethod    string            `json:"paymentMethod,omitempty"`
	Gateway          string            `json:"gateway"`
	GatewayOrderID   string            `json:"gatewayOrderId"`
	GatewayPaymentID string            `json:"gatewayPaymentId"`
	TrackingNumber   string            `json:"trackingNumber,omitempty"`
	Breakdown        breakdownPayload  `json:"breakdown"`
	Items            []lineItemPayload `json:"items"`
	Customer         customerPayload   `json:"customer"`
	ShippingAddress  addressPayload    `json:"shippingAddress"`
	Timeline         []timelinePayload `json:"timeline"`
	Refunds          []refundPayload   `json:"refunds,omitempty"`
	CreatedAt        string            `json:"createdAt"`
	UpdatedAt        string            `json:"updatedAt"`
}

func (p lineItemPayload) toDomain() domain.LineItem {
	item := domain.LineItem{
		ProductID: p.ProductID,
		Name:      p.Name,
		UnitPrice: p.UnitPrice,
		Quantity:  p.Quantity,
	}
	if p.Attributes != nil {
		item.Attributes = domain.LineItemAttributes{
			Size:     p.Attributes.Size,
			Color:    p.Attributes.Color,
			Image:    p.Attributes.Image,
			Category: p.Attributes.Category,
		}
	}
	return item
}

func lineItemsToDomain(items []lineItemPayload) []domain.LineItem {
	out := make([]domain.LineItem, 0, len(items))
	for _, item := range items {
		out = append(out, item.toDomain())
	}
	return out
}

func (p customerPayload) toDomain() domain.Customer {
	return domain.Customer{UserID: p.UserID, Name: p.Name, Email: p.Email, Phone: p.Phone}
}

func (p addressPayload) toDomain() domain.Address {
	return domain.Address{
		Name:     p.Name,
		Line1:    p.Line1,
		Line2:    p.Line2,
		City:     p.City,
		State:    p.State,
		Pincode:  p.Pincode,
		Country:  p.Country,
		Landmark: p.Landmark,
		Phone:    p.Phone,
	}
}

func newBreakdownPayload(f domain.Financials) breakdownPayload {
	payload := breakdownPayload{
		Subtotal:       f.Subtotal,
		DeliveryCharge: f.DeliveryCharge,
		TaxableValue:   f.Tax.TaxableValue,
		TaxRateBps:     f.Tax.TaxRateBps,
		Tax:            f.Tax.TaxAmount,
		GrandTotal:     f.GrandTotal,
		Currency:       f.Currency,
	}
	for _, c := range f.Tax.Components {
		payload.Components = append(payload.Components, taxComponentPayload{
			Tier:         c.Tier,
			RateBps:      c.RateBps,
			TaxableValue: c.TaxableValue,
			TaxAmount:    c.TaxAmount,
		})
	}
	return payload
}

func newOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		OrderID:          order.OrderID,
		OrderNumber:      order.OrderNumber,
		Status:           string(order.Status),
		PaymentStatus:    string(order.PaymentStatus),
		PaymentMethod:    order.PaymentMethod,
		Gateway:          order.Gateway,
		GatewayOrderID:   order.GatewayOrderID,
		GatewayPaymentID: order.GatewayPaymentID,
		TrackingNumber:   order.TrackingNumber,
		Breakdown:        newBreakdownPayload(order.Financials),
		Items:            make([]lineItemPayload, 0, len(order.Items)),
		Customer: customerPayload{
			UserID: order.Customer.UserID,
			Name:   order.Customer.Name,
			Email:  order.Customer.Email,
			Phone:  order.Customer.Phone,
		},
		ShippingAddress: addressPayload{
			Name:     order.ShippingAddress.Name,
			Line1:    order.ShippingAddress.Line1,
			Line2:    order.ShippingAddress.Line2,
			City:     order.ShippingAddress.City,
			State:    order.ShippingAddress.State,
			Pincode:  order.ShippingAddress.Pincode,
			Country:  order.ShippingAddress.Country,
			Landmark: order.ShippingAddress.Landmark,
			Phone:    order.ShippingAddress.Phone,
		},
		Timeline:  make([]timelinePayload, 0, len(order.Timeline)),
		CreatedAt: formatTime(order.CreatedAt),
		UpdatedAt: formatTime(order.UpdatedAt),
	}
	for _, item := range order.Items {
		line := lineItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
		}
		if item.Attributes != (domain.LineItemAttributes{}) {
			line.Attributes = &attributesPayload{
				Size:     item.Attributes.Size,
				Color:    item.Attributes.Color,
				Image:    item.Attributes.Image,
				Category: item.Attributes.Category,
			}
		}
		payload.Items = append(payload.Items, line)
	}
	for _, entry := range order.Timeline {
		payload.Timeline = append(payload.Timeline, timelinePayload{
			Status:      entry.Status,
			Description: entry.Description,
			Timestamp:   formatTime(entry.Timestamp),
		})
	}
	for _, refund := range order.Refunds {
		payload.Refunds = append(payload.Refunds, refundPayload{
			RefundID:    refund.RefundID,
			Amount:      refund.AmountMinorUnits,
			Status:      refund.Status,
			ProcessedAt: formatTime(refund.ProcessedAt),
		})
	}
	return payload
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
