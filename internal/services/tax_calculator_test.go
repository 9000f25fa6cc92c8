package services

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/threadcart/api/internal/domain"
)

func newTieredCalculator(t *testing.T) *TaxCalculator {
	t.Helper()
	policy, err := NewTaxPolicy(TaxPolicyConfig{Policy: TaxPolicyTiered, LowRateBps: 500, HighRateBps: 1800, Threshold: 2500})
	if err != nil {
		t.Fatalf("NewTaxPolicy: %v", err)
	}
	calc, err := NewTaxCalculator(policy, "inr")
	if err != nil {
		t.Fatalf("NewTaxCalculator: %v", err)
	}
	return calc
}

func TestTaxCalculatorTieredSingleTier(t *testing.T) {
	calc := newTieredCalculator(t)

	got, err := calc.ComputeBreakdown([]domain.LineItem{{ProductID: "p1", UnitPrice: 2000, Quantity: 2}}, 50)
	if err != nil {
		t.Fatalf("ComputeBreakdown: %v", err)
	}
	if got.Subtotal != 4000 {
		t.Fatalf("expected subtotal 4000, got %d", got.Subtotal)
	}
	if got.Tax.TaxableValue != 4050 {
		t.Fatalf("expected taxable 4050, got %d", got.Tax.TaxableValue)
	}
	if got.Tax.TaxAmount != 203 {
		t.Fatalf("expected tax 203, got %d", got.Tax.TaxAmount)
	}
	if got.GrandTotal != 4253 {
		t.Fatalf("expected grand total 4253, got %d", got.GrandTotal)
	}
	if got.Tax.TaxRateBps != 500 {
		t.Fatalf("expected single rate 500bps, got %d", got.Tax.TaxRateBps)
	}
	if got.Currency != "INR" {
		t.Fatalf("expected currency INR, got %s", got.Currency)
	}
}

func TestTaxCalculatorTieredMixed(t *testing.T) {
	calc := newTieredCalculator(t)

	got, err := calc.ComputeBreakdown([]domain.LineItem{
		{ProductID: "p1", UnitPrice: 2000, Quantity: 1},
		{ProductID: "p2", UnitPrice: 3000, Quantity: 1},
	}, 0)
	if err != nil {
		t.Fatalf("ComputeBreakdown: %v", err)
	}
	if len(got.Tax.Components) != 2 {
		t.Fatalf("expected two tier components, got %#v", got.Tax.Components)
	}
	if got.Tax.Components[0].TaxAmount != 100 || got.Tax.Components[1].TaxAmount != 540 {
		t.Fatalf("unexpected tier taxes %#v", got.Tax.Components)
	}
	if got.Tax.TaxAmount != 640 {
		t.Fatalf("expected tax 640, got %d", got.Tax.TaxAmount)
	}
	if got.GrandTotal != 5640 {
		t.Fatalf("expected grand total 5640, got %d", got.GrandTotal)
	}
	if got.Tax.TaxRateBps != 0 {
		t.Fatalf("expected mixed rate marker 0, got %d", got.Tax.TaxRateBps)
	}
}

func TestTaxCalculatorTierBoundary(t *testing.T) {
	calc := newTieredCalculator(t)

	cases := []struct {
		price    int64
		wantTier string
		wantTax  int64
	}{
		{price: 2500, wantTier: taxTierLow, wantTax: 125},
		{price: 2501, wantTier: taxTierHigh, wantTax: 450},
	}
	for _, tc := range cases {
		got, err := calc.ComputeBreakdown([]domain.LineItem{{ProductID: "p", UnitPrice: tc.price, Quantity: 1}}, 0)
		if err != nil {
			t.Fatalf("price %d: %v", tc.price, err)
		}
		if len(got.Tax.Components) != 1 || got.Tax.Components[0].Tier != tc.wantTier {
			t.Fatalf("price %d: expected tier %s, got %#v", tc.price, tc.wantTier, got.Tax.Components)
		}
		if got.Tax.TaxAmount != tc.wantTax {
			t.Fatalf("price %d: expected tax %d, got %d", tc.price, tc.wantTax, got.Tax.TaxAmount)
		}
	}
}

func TestTaxCalculatorDeliveryAllocatedAcrossTiers(t *testing.T) {
	calc := newTieredCalculator(t)

	// low share 1000/4000, high share 3000/4000 of a 400 delivery charge
	got, err := calc.ComputeBreakdown([]domain.LineItem{
		{ProductID: "low", UnitPrice: 1000, Quantity: 1},
		{ProductID: "high", UnitPrice: 3000, Quantity: 1},
	}, 400)
	if err != nil {
		t.Fatalf("ComputeBreakdown: %v", err)
	}
	low, high := got.Tax.Components[0], got.Tax.Components[1]
	if low.TaxableValue != "1100" || low.TaxAmount != 55 {
		t.Fatalf("unexpected low tier %#v", low)
	}
	if high.TaxableValue != "3300" || high.TaxAmount != 594 {
		t.Fatalf("unexpected high tier %#v", high)
	}
	if got.GrandTotal != got.Subtotal+got.DeliveryCharge+got.Tax.TaxAmount {
		t.Fatalf("grand total does not add up: %#v", got)
	}
}

func TestTaxCalculatorFlatPolicy(t *testing.T) {
	policy, err := NewTaxPolicy(TaxPolicyConfig{Policy: TaxPolicyFlat, FlatRateBps: 500})
	if err != nil {
		t.Fatalf("NewTaxPolicy: %v", err)
	}
	calc, err := NewTaxCalculator(policy, "INR")
	if err != nil {
		t.Fatalf("NewTaxCalculator: %v", err)
	}

	got, err := calc.ComputeBreakdown([]domain.LineItem{
		{ProductID: "p1", UnitPrice: 2000, Quantity: 1},
		{ProductID: "p2", UnitPrice: 3000, Quantity: 1},
	}, 50)
	if err != nil {
		t.Fatalf("ComputeBreakdown: %v", err)
	}
	// 5050 * 5% = 252.5 rounds half up
	if got.Tax.TaxAmount != 253 {
		t.Fatalf("expected tax 253, got %d", got.Tax.TaxAmount)
	}
	if got.GrandTotal != 5303 {
		t.Fatalf("expected grand total 5303, got %d", got.GrandTotal)
	}
}

func TestTaxCalculatorDeterministic(t *testing.T) {
	calc := newTieredCalculator(t)
	items := []domain.LineItem{
		{ProductID: "a", UnitPrice: 999, Quantity: 3},
		{ProductID: "b", UnitPrice: 4999, Quantity: 2},
		{ProductID: "c", UnitPrice: 1, Quantity: 7},
	}

	first, err := calc.ComputeBreakdown(items, 133)
	if err != nil {
		t.Fatalf("ComputeBreakdown: %v", err)
	}
	second, err := calc.ComputeBreakdown(items, 133)
	if err != nil {
		t.Fatalf("ComputeBreakdown: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical breakdowns, got %#v and %#v", first, second)
	}
	if first.GrandTotal != first.Subtotal+first.DeliveryCharge+first.Tax.TaxAmount {
		t.Fatalf("grand total does not add up: %#v", first)
	}
}

func TestTaxCalculatorValidation(t *testing.T) {
	calc := newTieredCalculator(t)

	if _, err := calc.ComputeBreakdown(nil, 0); !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}

	cases := []struct {
		name     string
		items    []domain.LineItem
		delivery int64
	}{
		{"zero quantity", []domain.LineItem{{ProductID: "p", UnitPrice: 100, Quantity: 0}}, 0},
		{"negative quantity", []domain.LineItem{{ProductID: "p", UnitPrice: 100, Quantity: -1}}, 0},
		{"negative price", []domain.LineItem{{ProductID: "p", UnitPrice: -1, Quantity: 1}}, 0},
		{"negative delivery", []domain.LineItem{{ProductID: "p", UnitPrice: 100, Quantity: 1}}, -5},
		{"line total overflows", []domain.LineItem{{ProductID: "p", UnitPrice: math.MaxInt64 / 2, Quantity: 3}}, 0},
		{"subtotal overflows", []domain.LineItem{
			{ProductID: "a", UnitPrice: math.MaxInt64/2 + 1, Quantity: 1},
			{ProductID: "b", UnitPrice: math.MaxInt64/2 + 1, Quantity: 1},
		}, 0},
		{"delivery overflows", []domain.LineItem{{ProductID: "p", UnitPrice: math.MaxInt64 - 10, Quantity: 1}}, 100},
		{"grand total overflows", []domain.LineItem{{ProductID: "p", UnitPrice: math.MaxInt64 - 100, Quantity: 1}}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := calc.ComputeBreakdown(tc.items, tc.delivery)
			if !errors.Is(err, ErrInvalidLineItem) {
				t.Fatalf("expected ErrInvalidLineItem, got %v", err)
			}
			var itemErr *InvalidLineItemError
			if !errors.As(err, &itemErr) {
				t.Fatalf("expected InvalidLineItemError, got %T", err)
			}
		})
	}
}

func TestTaxCalculatorZeroPricedItemsTaxDelivery(t *testing.T) {
	calc := newTieredCalculator(t)

	got, err := calc.ComputeBreakdown([]domain.LineItem{{ProductID: "free", UnitPrice: 0, Quantity: 1}}, 100)
	if err != nil {
		t.Fatalf("ComputeBreakdown: %v", err)
	}
	if got.Tax.TaxAmount != 5 || got.GrandTotal != 105 {
		t.Fatalf("unexpected breakdown %#v", got)
	}
}

func TestNewTaxPolicyRejectsUnknown(t *testing.T) {
	if _, err := NewTaxPolicy(TaxPolicyConfig{Policy: "progressive"}); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
