package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/threadcart/api/internal/domain"
)

const (
	// TaxPolicyFlat applies one rate to the whole taxable value.
	TaxPolicyFlat = "flat"
	// TaxPolicyTiered selects a rate per item by unit price.
	TaxPolicyTiered = "tiered"

	taxTierFlat = "flat"
	taxTierLow  = "low"
	taxTierHigh = "high"
)

var (
	// ErrEmptyCart indicates a breakdown was requested for no items.
	ErrEmptyCart = errors.New("tax: cart is empty")
	// ErrInvalidLineItem indicates a line item failed validation.
	ErrInvalidLineItem = errors.New("tax: invalid line item")

	basisPointsPerUnit = decimal.NewFromInt(10000)
)

// InvalidLineItemError identifies the offending item. It unwraps to ErrInvalidLineItem.
type InvalidLineItemError struct {
	Index     int
	ProductID string
	Reason    string
}

func (e *InvalidLineItemError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %s", ErrInvalidLineItem, e.Reason)
	}
	return fmt.Sprintf("%s: item %d (%s): %s", ErrInvalidLineItem, e.Index, e.ProductID, e.Reason)
}

func (e *InvalidLineItemError) Unwrap() error {
	return ErrInvalidLineItem
}

// TaxPolicy selects rates and produces the rounded tax components for a validated cart.
type TaxPolicy interface {
	Name() string
	Components(items []domain.LineItem, subtotal, deliveryCharge int64) []domain.TaxComponent
}

// TaxPolicyConfig describes the configured policy.
type TaxPolicyConfig struct {
	Policy      string
	FlatRateBps int64
	LowRateBps  int64
	HighRateBps int64
	Threshold   int64
}

// NewTaxPolicy builds the policy named in cfg.
func NewTaxPolicy(cfg TaxPolicyConfig) (TaxPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Policy)) {
	case TaxPolicyFlat:
		if cfg.FlatRateBps < 0 {
			return nil, errors.New("tax: flat rate must not be negative")
		}
		return FlatRatePolicy{RateBps: cfg.FlatRateBps}, nil
	case TaxPolicyTiered, "":
		if cfg.LowRateBps < 0 || cfg.HighRateBps < 0 {
			return nil, errors.New("tax: tier rates must not be negative")
		}
		if cfg.Threshold < 0 {
			return nil, errors.New("tax: tier threshold must not be negative")
		}
		return TieredRatePolicy{
			ThresholdMinor: cfg.Threshold,
			LowRateBps:     cfg.LowRateBps,
			HighRateBps:    cfg.HighRateBps,
		}, nil
	default:
		return nil, fmt.Errorf("tax: unknown policy %q", cfg.Policy)
	}
}

// FlatRatePolicy taxes subtotal plus delivery at a single rate.
type FlatRatePolicy struct {
	RateBps int64
}

func (p FlatRatePolicy) Name() string { return TaxPolicyFlat }

func (p FlatRatePolicy) Components(_ []domain.LineItem, subtotal, deliveryCharge int64) []domain.TaxComponent {
	taxable := decimal.NewFromInt(subtotal).Add(decimal.NewFromInt(deliveryCharge))
	return []domain.TaxComponent{{
		Tier:         taxTierFlat,
		RateBps:      p.RateBps,
		TaxableValue: taxable.String(),
		TaxAmount:    roundHalfUp(taxable.Mul(bpsRate(p.RateBps))),
	}}
}

// TieredRatePolicy applies LowRateBps to items priced at or below ThresholdMinor and
// HighRateBps above it. Delivery is allocated across tiers by their share of the subtotal.
type TieredRatePolicy struct {
	ThresholdMinor int64
	LowRateBps     int64
	HighRateBps    int64
}

func (p TieredRatePolicy) Name() string { return TaxPolicyTiered }

func (p TieredRatePolicy) Components(items []domain.LineItem, subtotal, deliveryCharge int64) []domain.TaxComponent {
	var low, high int64
	for _, item := range items {
		if item.UnitPrice <= p.ThresholdMinor {
			low += item.LineTotal()
		} else {
			high += item.LineTotal()
		}
	}

	if subtotal == 0 {
		// nothing to apportion against; delivery falls in the low tier
		taxable := decimal.NewFromInt(deliveryCharge)
		return []domain.TaxComponent{{
			Tier:         taxTierLow,
			RateBps:      p.LowRateBps,
			TaxableValue: taxable.String(),
			TaxAmount:    roundHalfUp(taxable.Mul(bpsRate(p.LowRateBps))),
		}}
	}

	components := make([]domain.TaxComponent, 0, 2)
	if low > 0 {
		components = append(components, p.tierComponent(taxTierLow, p.LowRateBps, low, subtotal, deliveryCharge))
	}
	if high > 0 {
		components = append(components, p.tierComponent(taxTierHigh, p.HighRateBps, high, subtotal, deliveryCharge))
	}
	return components
}

func (p TieredRatePolicy) tierComponent(tier string, rateBps, tierSubtotal, subtotal, deliveryCharge int64) domain.TaxComponent {
	sub := decimal.NewFromInt(subtotal)
	share := decimal.NewFromInt(tierSubtotal)
	// tierSubtotal + delivery*tierSubtotal/subtotal, kept as a single division
	taxable := share.Mul(sub.Add(decimal.NewFromInt(deliveryCharge))).Div(sub)
	tax := share.Mul(sub.Add(decimal.NewFromInt(deliveryCharge))).
		Mul(decimal.NewFromInt(rateBps)).
		Div(sub.Mul(basisPointsPerUnit))
	return domain.TaxComponent{
		Tier:         tier,
		RateBps:      rateBps,
		TaxableValue: taxable.Round(4).String(),
		TaxAmount:    roundHalfUp(tax),
	}
}

// TaxCalculator computes deterministic tax breakdowns and totals.
type TaxCalculator struct {
	policy   TaxPolicy
	currency string
}

// NewTaxCalculator constructs a calculator applying policy uniformly.
func NewTaxCalculator(policy TaxPolicy, currency string) (*TaxCalculator, error) {
	if policy == nil {
		return nil, errors.New("tax calculator: policy is required")
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return nil, errors.New("tax calculator: currency is required")
	}
	return &TaxCalculator{policy: policy, currency: currency}, nil
}

// Policy returns the configured policy name.
func (c *TaxCalculator) Policy() string {
	return c.policy.Name()
}

// Currency returns the currency all amounts are expressed in.
func (c *TaxCalculator) Currency() string {
	return c.currency
}

// ComputeBreakdown returns subtotal, tax and grand total for items plus delivery.
func (c *TaxCalculator) ComputeBreakdown(items []domain.LineItem, deliveryCharge int64) (domain.Financials, error) {
	if len(items) == 0 {
		return domain.Financials{}, ErrEmptyCart
	}
	if deliveryCharge < 0 {
		return domain.Financials{}, &InvalidLineItemError{Index: -1, Reason: "delivery charge must not be negative"}
	}

	var subtotal int64
	for i, item := range items {
		if item.Quantity <= 0 {
			return domain.Financials{}, &InvalidLineItemError{Index: i, ProductID: item.ProductID, Reason: "quantity must be positive"}
		}
		if item.UnitPrice < 0 {
			return domain.Financials{}, &InvalidLineItemError{Index: i, ProductID: item.ProductID, Reason: "unit price must not be negative"}
		}
		lineTotal, ok := item.CheckedLineTotal()
		if !ok {
			return domain.Financials{}, &InvalidLineItemError{Index: i, ProductID: item.ProductID, Reason: "line total is too large"}
		}
		if subtotal, ok = domain.AddMinorUnits(subtotal, lineTotal); !ok {
			return domain.Financials{}, &InvalidLineItemError{Index: i, ProductID: item.ProductID, Reason: "cart total is too large"}
		}
	}
	taxable, ok := domain.AddMinorUnits(subtotal, deliveryCharge)
	if !ok {
		return domain.Financials{}, &InvalidLineItemError{Index: -1, Reason: "cart total is too large"}
	}

	components := c.policy.Components(items, subtotal, deliveryCharge)

	breakdown := domain.TaxBreakdown{
		TaxableValue: taxable,
		Components:   components,
	}
	for i, component := range components {
		breakdown.TaxAmount += component.TaxAmount
		if i == 0 {
			breakdown.TaxRateBps = component.RateBps
		} else if component.RateBps != breakdown.TaxRateBps {
			breakdown.TaxRateBps = 0
		}
	}

	grandTotal, ok := domain.AddMinorUnits(taxable, breakdown.TaxAmount)
	if !ok || breakdown.TaxAmount < 0 {
		return domain.Financials{}, &InvalidLineItemError{Index: -1, Reason: "cart total is too large"}
	}

	return domain.Financials{
		Subtotal:       subtotal,
		DeliveryCharge: deliveryCharge,
		Tax:            breakdown,
		GrandTotal:     grandTotal,
		Currency:       c.currency,
	}, nil
}

func bpsRate(bps int64) decimal.Decimal {
	return decimal.New(bps, -4)
}

// roundHalfUp finalises a non-negative tax component to whole minor units.
func roundHalfUp(value decimal.Decimal) int64 {
	return value.Round(0).IntPart()
}
