package firestore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
)

func TestNewTxConfigAppliesOptions(t *testing.T) {
	cfg := newTxConfig(nil)
	if cfg.op != defaultTxOp || cfg.attempts != defaultTxAttempts || cfg.timeout != defaultTxTimeout || cfg.readOnly {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.firestoreOptions()) != 1 {
		t.Fatalf("expected only MaxAttempts for a read-write transaction")
	}

	cfg = newTxConfig([]TxOption{
		WithTxOp("orders.lookup_gateway_order"),
		WithTxAttempts(2),
		WithTxTimeout(time.Second),
		WithTxReadOnly(),
		nil,
	})
	if cfg.op != "orders.lookup_gateway_order" || cfg.attempts != 2 || cfg.timeout != time.Second || !cfg.readOnly {
		t.Fatalf("options not applied: %+v", cfg)
	}
	if len(cfg.firestoreOptions()) != 2 {
		t.Fatalf("expected ReadOnly to be passed to firestore")
	}
}

func TestNewTxConfigIgnoresInvalidValues(t *testing.T) {
	cfg := newTxConfig([]TxOption{WithTxOp(""), WithTxAttempts(0), WithTxTimeout(-time.Second)})
	if cfg.op != defaultTxOp || cfg.attempts != defaultTxAttempts || cfg.timeout != defaultTxTimeout {
		t.Fatalf("expected defaults to survive invalid values: %+v", cfg)
	}
}

func TestRunTransactionNilClientNamesOperation(t *testing.T) {
	err := RunTransaction(context.Background(), nil, func(context.Context, *firestore.Transaction) error {
		return nil
	}, WithTxOp("orders.apply_refund"))

	var repoErr *Error
	if !errors.As(err, &repoErr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if !strings.HasPrefix(repoErr.Error(), "orders.apply_refund: ") {
		t.Fatalf("expected op prefix, got %q", repoErr.Error())
	}
}

func TestRunTransactionRequiresFunction(t *testing.T) {
	err := RunTransaction(context.Background(), &firestore.Client{}, nil)
	if err == nil || !strings.HasPrefix(err.Error(), defaultTxOp+": ") {
		t.Fatalf("expected default op on nil function error, got %v", err)
	}
}
