package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/threadcart/api/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "trace-1"})
	rec := httptest.NewRecorder()

	WriteError(ctx, rec, NewError("payment_declined", "Card declined\n", http.StatusPaymentRequired).
		WithRequestID("req-1").
		WithDetails(map[string]any{"draft_id": "drf_1"}))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "payment_declined" || body["message"] != "Card declined" {
		t.Fatalf("unexpected body %#v", body)
	}
	if body["request_id"] != "req-1" || body["trace_id"] != "trace-1" || body["draft_id"] != "drf_1" {
		t.Fatalf("unexpected metadata %#v", body)
	}
}

func TestDetailsCannotOverrideEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(context.Background(), rec, NewError("not_found", "missing", http.StatusNotFound).
		WithDetails(map[string]any{"error": "spoofed"}))

	if !strings.Contains(rec.Body.String(), `"error":"not_found"`) {
		t.Fatalf("details overrode the error code: %s", rec.Body.String())
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		DraftID string `json:"draftId"`
	}

	cases := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "valid", body: `{"draftId":"drf_1"}`},
		{name: "empty", body: ``, wantErr: true},
		{name: "unknown field", body: `{"draftId":"drf_1","extra":true}`, wantErr: true},
		{name: "trailing object", body: `{"draftId":"a"}{"draftId":"b"}`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			var dst payload
			err := DecodeJSON(req, &dst)
			if tc.wantErr != (err != nil) {
				t.Fatalf("wantErr=%v got %v", tc.wantErr, err)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	if err := DecodeJSON(req, &payload{}); err == nil {
		t.Fatalf("expected content type rejection")
	}
}
