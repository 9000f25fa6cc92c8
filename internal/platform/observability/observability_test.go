package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/threadcart/api/internal/platform/requestctx"
)

func TestTraceMiddlewareContinuesCloudTrace(t *testing.T) {
	var got requestctx.TraceInfo
	handler := TraceMiddleware("threadcart-prod")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = requestctx.Trace(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/verify", nil)
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/1;o=1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got.TraceID != "105445aa7843bc8bf206b12000100000" || got.SpanID != "0000000000000001" || !got.Sampled {
		t.Fatalf("unexpected trace info %#v", got)
	}
	if got.ProjectID != "threadcart-prod" {
		t.Fatalf("expected project id, got %q", got.ProjectID)
	}
	if header := rec.Header().Get(cloudTraceHeader); header != "105445aa7843bc8bf206b12000100000/1;o=1" {
		t.Fatalf("unexpected echoed header %q", header)
	}
}

func TestTraceMiddlewarePrefersTraceparent(t *testing.T) {
	var got requestctx.TraceInfo
	handler := TraceMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = requestctx.Trace(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/1;o=1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got.TraceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("expected traceparent to win, got %q", got.TraceID)
	}
}

func TestTraceMiddlewareWithoutHeaders(t *testing.T) {
	var got requestctx.TraceInfo
	handler := TraceMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = requestctx.Trace(r.Context())
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if got.TraceID != "" || rec.Header().Get(cloudTraceHeader) != "" {
		t.Fatalf("expected no trace without an exporter or inbound header, got %#v", got)
	}
}

func TestParseCloudTraceRejectsMalformed(t *testing.T) {
	for _, header := range []string{"", "abc/1", "105445aa7843bc8bf206b12000100000", "zz5445aa7843bc8bf206b12000100000/1"} {
		if _, ok := parseCloudTrace(header); ok {
			t.Fatalf("expected %q to be rejected", header)
		}
	}
}

func TestRequestLoggerAndRecovery(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	handler := InjectLoggerMiddleware(logger)(
		RecoveryMiddleware(logger)(
			RequestLoggerMiddleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				panic("boom")
			})),
		),
	)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/orders", nil))

	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "internal_server_error") {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 1 || completed[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected one error completion line, got %#v", completed)
	}
	if completed[0].ContextMap()["status"] != int64(500) {
		t.Fatalf("unexpected status field %#v", completed[0].ContextMap())
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
}

func TestEventLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := EventLogger(zap.New(core))

	log(context.Background(), "reconcile.confirmed", map[string]any{"orderId": "ord_1"})
	log(context.Background(), "reconcile.amount_mismatch", map[string]any{"orderId": "ord_1"})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[1].Level != zapcore.WarnLevel {
		t.Fatalf("unexpected levels %s %s", entries[0].Level, entries[1].Level)
	}
	if entries[0].ContextMap()["orderId"] != "ord_1" || entries[0].ContextMap()["event"] != "reconcile.confirmed" {
		t.Fatalf("unexpected fields %#v", entries[0].ContextMap())
	}
}

func TestVerificationMetricsRecords(t *testing.T) {
	metrics, err := NewVerificationMetrics(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("NewVerificationMetrics: %v", err)
	}
	metrics.RecordVerification(context.Background(), "signature", false, "nonce_replay", 3*time.Millisecond)

	var nilMetrics *VerificationMetrics
	nilMetrics.RecordVerification(context.Background(), "signature", true, "ok", time.Millisecond)
}

func TestCleanDropsControlCharacters(t *testing.T) {
	if got := clean("GET\n\x00/path", 64); got != "GET/path" {
		t.Fatalf("unexpected %q", got)
	}
	if got := clean(strings.Repeat("a", 300), 10); len(got) != 10 {
		t.Fatalf("expected cap, got %d", len(got))
	}
	if cleanRoute("") != "/" {
		t.Fatalf("expected root for empty route")
	}
}
