package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/eventfield/api/internal/platform/requestctx"
)

func TestRedactFieldsDropsSecrets(t *testing.T) {
	fields := map[string]any{
		"password":    "hunter2",
		"Order_Key":   "wc_order_abc",
		"x_signature": "deadbeef",
		"order_id":    "1001",
		"comment":     "line\nforged",
		"attempts":    3,
	}

	got := RedactFields(fields)

	for _, key := range []string{"password", "Order_Key", "x_signature"} {
		if _, ok := got[key]; ok {
			t.Fatalf("expected %s to be redacted", key)
		}
	}
	if got["order_id"] != "1001" || got["attempts"] != 3 {
		t.Fatalf("unexpected fields %v", got)
	}
	if got["comment"] != "lineforged" {
		t.Fatalf("expected control characters stripped, got %q", got["comment"])
	}
	if _, ok := fields["password"]; !ok {
		t.Fatalf("expected input map to be left untouched")
	}
}

func TestNewEventLoggerPrefersRequestLogger(t *testing.T) {
	fallbackCore, fallbackLogs := observer.New(zapcore.InfoLevel)
	requestCore, requestLogs := observer.New(zapcore.InfoLevel)

	log := NewEventLogger(zap.New(fallbackCore), "checkout")

	log(context.Background(), "checkout.order_confirmed", map[string]any{"order_id": "7", "secret_key": "k"})
	ctx := requestctx.WithLogger(context.Background(), zap.New(requestCore))
	log(ctx, "checkout.update_failed", map[string]any{"order_id": "8"})

	if fallbackLogs.Len() != 1 || requestLogs.Len() != 1 {
		t.Fatalf("expected one entry per logger, got %d and %d", fallbackLogs.Len(), requestLogs.Len())
	}

	entry := fallbackLogs.All()[0]
	if entry.LoggerName != "checkout" || entry.Message != "checkout.order_confirmed" {
		t.Fatalf("unexpected entry %+v", entry.Entry)
	}
	fieldMap := entry.ContextMap()
	if _, ok := fieldMap["secret_key"]; ok {
		t.Fatalf("expected secret_key to be redacted")
	}
	if fieldMap["order_id"] != "7" {
		t.Fatalf("expected order_id field, got %v", fieldMap)
	}

	if requestLogs.All()[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected failed events to log at warn")
	}
}

func TestRequestLoggerOmitsQueryString(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := InjectLoggerMiddleware(zap.New(core))(RequestLoggerMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/payments/epayco?x_signature=abc", nil)
	req.Header.Set("Idempotency-Key", "attempt-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if logs.Len() != 1 {
		t.Fatalf("expected one completion entry, got %d", logs.Len())
	}
	entry := logs.All()[0]
	if entry.Level != zapcore.WarnLevel {
		t.Fatalf("expected warn for 4xx, got %s", entry.Level)
	}
	fields := entry.ContextMap()
	if fields["route"] != "/api/v1/webhooks/payments/epayco" {
		t.Fatalf("unexpected route %v", fields["route"])
	}
	if fields["attempt_id"] != "attempt-1" {
		t.Fatalf("expected attempt id, got %v", fields["attempt_id"])
	}
	if fields["gateway"] != "epayco" {
		t.Fatalf("expected gateway field, got %v", fields["gateway"])
	}
	if path, _ := fields["path"].(string); strings.Contains(path, "x_signature") {
		t.Fatalf("query string leaked into log: %v", path)
	}
}

func TestRequestLoggerCustomHeaderAndPanic(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := InjectLoggerMiddleware(zap.New(core))(
		RecoveryMiddleware(nil)(
			RequestLoggerMiddleware(WithIdempotencyHeader("X-Attempt"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				panic("boom")
			})),
		),
	)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", nil)
	req.Header.Set("X-Attempt", "a-2")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 1 || completed[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected one error completion entry, got %+v", completed)
	}
	if completed[0].ContextMap()["attempt_id"] != "a-2" {
		t.Fatalf("expected attempt id from custom header, got %v", completed[0].ContextMap())
	}
}

func TestGatewayFromPath(t *testing.T) {
	cases := map[string]string{
		"/api/v1/webhooks/payments/ePayco":  "epayco",
		"/api/v1/webhooks/payments/stripe/": "stripe",
		"/api/v1/checkout":                  "",
	}
	for path, want := range cases {
		if got := gatewayFromPath(path); got != want {
			t.Fatalf("gatewayFromPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestRecoveryMiddlewareWritesEnvelope(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/checkout", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
}

func TestNewLoggerWritesCloudSeverity(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(WithOutput(&buf), WithLevel("warn"))
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept", zap.String("order_id", "42"))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected only the warn entry, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry["severity"] != "WARNING" || entry["message"] != "kept" || entry["order_id"] != "42" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("expected timestamp key, got %v", entry)
	}
}

func TestSanitizeStringTruncatesRunes(t *testing.T) {
	if got := sanitizeString("ñandú\r\ncafé", 6); got != "ñandúc" {
		t.Fatalf("unexpected %q", got)
	}
	if got := SanitizeRoute(""); got != "/" {
		t.Fatalf("expected root for empty route, got %q", got)
	}
	if got := SanitizeMethod("POST\x00\nGET-EXTRA-LONG"); got != "POSTGET-EX" {
		t.Fatalf("expected control characters dropped and method capped, got %q", got)
	}
}

func TestEventLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"checkout.order_created":    zapcore.InfoLevel,
		"checkout.update_failed":    zapcore.WarnLevel,
		"webhook.signature_error":   zapcore.WarnLevel,
		"idempotency.replay_served": zapcore.InfoLevel,
	}
	for event, want := range cases {
		if got := eventLevel(event); got != want {
			t.Errorf("eventLevel(%q) = %s, want %s", event, got, want)
		}
	}
}
