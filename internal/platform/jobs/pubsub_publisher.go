package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/threadcart/api/internal/services"
)

// anomalyMessage is the manual-review payload published for reconciliation anomalies.
type anomalyMessage struct {
	Kind             string    `json:"kind"`
	OrderID          string    `json:"orderId,omitempty"`
	DraftID          string    `json:"draftId,omitempty"`
	GatewayPaymentID string    `json:"gatewayPaymentId"`
	GatewayOrderID   string    `json:"gatewayOrderId,omitempty"`
	Gateway          string    `json:"gateway,omitempty"`
	Expected         int64     `json:"expectedAmount"`
	Actual           int64     `json:"actualAmount"`
	Currency         string    `json:"currency,omitempty"`
	ActualCurrency   string    `json:"actualCurrency,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	DetectedAt       time.Time `json:"detectedAt"`
}

type orderEventMessage struct {
	Type             string    `json:"type"`
	OrderID          string    `json:"orderId"`
	OrderNumber      string    `json:"orderNumber,omitempty"`
	Status           string    `json:"status,omitempty"`
	PaymentStatus    string    `json:"paymentStatus,omitempty"`
	GatewayPaymentID string    `json:"gatewayPaymentId,omitempty"`
	Amount           int64     `json:"amount,omitempty"`
	Currency         string    `json:"currency,omitempty"`
	RefundID         string    `json:"refundId,omitempty"`
	OccurredAt       time.Time `json:"occurredAt"`
}

// PubSubAnomalyReporter publishes reconciliation anomalies to a Pub/Sub topic.
type PubSubAnomalyReporter struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.AnomalyReporter = (*PubSubAnomalyReporter)(nil)

// NewPubSubAnomalyReporter constructs a Pub/Sub backed anomaly reporter.
func NewPubSubAnomalyReporter(topic *pubsub.Topic) (*PubSubAnomalyReporter, error) {
	if topic == nil {
		return nil, errors.New("pubsub anomaly reporter: topic is required")
	}
	return &PubSubAnomalyReporter{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// ReportAnomaly publishes the anomaly and waits for the server acknowledgement.
func (p *PubSubAnomalyReporter) ReportAnomaly(ctx context.Context, anomaly services.Anomaly) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub anomaly reporter: not initialised")
	}

	data, err := p.marshal(anomalyMessage{
		Kind:             anomaly.Kind,
		OrderID:          anomaly.OrderID,
		DraftID:          anomaly.DraftID,
		GatewayPaymentID: anomaly.GatewayPaymentID,
		GatewayOrderID:   anomaly.GatewayOrderID,
		Gateway:          anomaly.Gateway,
		Expected:         anomaly.Expected,
		Actual:           anomaly.Actual,
		Currency:         anomaly.Currency,
		ActualCurrency:   anomaly.ActualCurrency,
		Reason:           anomaly.Reason,
		DetectedAt:       anomaly.DetectedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal anomaly: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "kind", anomaly.Kind)
	setAttr(attrs, "orderId", anomaly.OrderID)
	setAttr(attrs, "gatewayPaymentId", anomaly.GatewayPaymentID)
	setAttr(attrs, "gateway", anomaly.Gateway)

	if _, err := publish(ctx, p.topic, data, attrs); err != nil {
		return fmt.Errorf("publish anomaly: %w", err)
	}
	return nil
}

// PubSubOrderEventPublisher publishes order lifecycle events to a Pub/Sub topic.
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*PubSubOrderEventPublisher)(nil)

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order event publisher: topic is required")
	}
	return &PubSubOrderEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent publishes the event keyed by order id so consumers can dedupe redeliveries.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order event publisher: not initialised")
	}

	data, err := p.marshal(orderEventMessage{
		Type:             event.Type,
		OrderID:          event.OrderID,
		OrderNumber:      event.OrderNumber,
		Status:           event.Status,
		PaymentStatus:    event.PaymentStatus,
		GatewayPaymentID: event.GatewayPaymentID,
		Amount:           event.Amount,
		Currency:         event.Currency,
		RefundID:         event.RefundID,
		OccurredAt:       event.OccurredAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", event.Status)
	if !event.OccurredAt.IsZero() {
		attrs["occurredAt"] = strconv.FormatInt(event.OccurredAt.UTC().UnixMilli(), 10)
	}

	if _, err := publish(ctx, p.topic, data, attrs); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

func publish(ctx context.Context, topic *pubsub.Topic, data []byte, attrs map[string]string) (string, error) {
	result := topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	return result.Get(ctx)
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
