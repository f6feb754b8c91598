package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eventfield/api/internal/platform/requestctx"
)

var fixedTime = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedTime }

// checkoutRequest builds a POST to path; an empty key omits the header.
func checkoutRequest(path, key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(defaultHeaderName, key)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// countingHandler answers status and body and counts invocations.
func countingHandler(calls *int, status int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error envelope %q: %v", rr.Body.String(), err)
	}
	return body.Error
}

func TestMiddlewareRequiresKey(t *testing.T) {
	calls := 0
	h := Middleware(NewMemoryStore(), WithClock(fixedClock))(countingHandler(&calls, http.StatusCreated, `{}`))

	rr := serve(h, checkoutRequest("/api/v1/checkout", "", `{"cart":[1]}`))
	if calls != 0 || rr.Code != http.StatusBadRequest || errorCode(t, rr) != "idempotency_key_required" {
		t.Fatalf("expected 400 idempotency_key_required, got %d %s after %d calls", rr.Code, rr.Body.String(), calls)
	}
}

func TestMiddlewareReplaysCompletedCheckout(t *testing.T) {
	calls := 0
	h := Middleware(NewMemoryStore(), WithClock(fixedClock))(countingHandler(&calls, http.StatusCreated, `{"orderId":77}`))

	first := serve(h, checkoutRequest("/api/v1/checkout", "abc-123", `{"cart":[1]}`))
	second := serve(h, checkoutRequest("/api/v1/checkout", "abc-123", `{"cart":[1]}`))

	if calls != 1 {
		t.Fatalf("expected one order to be created, handler ran %d times", calls)
	}
	if first.Header().Get(replayHeaderName) != "" || second.Header().Get(replayHeaderName) != "true" {
		t.Fatalf("expected only the retry to be marked as a replay")
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("replay differs: %d %q vs %d %q", second.Code, second.Body.String(), first.Code, first.Body.String())
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected handler headers on replay")
	}
}

func TestMiddlewareRejectsReusedKeyWithDifferentBody(t *testing.T) {
	calls := 0
	h := Middleware(NewMemoryStore(), WithClock(fixedClock))(countingHandler(&calls, http.StatusOK, `{}`))

	serve(h, checkoutRequest("/api/v1/checkout", "same-key", `{"cart":[1]}`))
	rr := serve(h, checkoutRequest("/api/v1/checkout", "same-key", `{"cart":[2]}`))

	if rr.Code != http.StatusUnprocessableEntity || errorCode(t, rr) != "idempotency_key_conflict" {
		t.Fatalf("expected 422 idempotency_key_conflict, got %d %s", rr.Code, rr.Body.String())
	}
	if calls != 1 {
		t.Fatalf("expected conflicting request not to reach handler")
	}
}

func TestMiddlewareRejectsConcurrentAttempt(t *testing.T) {
	store := NewMemoryStore()
	calls := 0
	h := Middleware(store, WithClock(fixedClock))(countingHandler(&calls, http.StatusOK, `{}`))

	req := checkoutRequest("/api/v1/checkout", "pending-key", `{"cart":[1]}`)
	body, err := bufferBody(req, defaultMaxBodySize)
	if err != nil {
		t.Fatalf("bufferBody: %v", err)
	}
	key := scopedKey("pending-key", req.URL.Path)
	if _, err := store.Reserve(context.Background(), key, requestFingerprint(req, body), fixedTime, time.Hour); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}

	rr := serve(h, req)
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "idempotency_in_progress" || calls != 0 {
		t.Fatalf("expected 409 idempotency_in_progress, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestMiddlewareSaveFailureKeepsHandlerResponse(t *testing.T) {
	store := &stubStore{failSave: true}
	var events []string
	logger := func(_ context.Context, event string, _ map[string]any) { events = append(events, event) }
	calls := 0
	h := Middleware(store, WithClock(fixedClock), WithLogger(logger))(countingHandler(&calls, http.StatusCreated, "ok"))

	rr := serve(h, checkoutRequest("/api/v1/checkout", "fail-key", `{}`))
	if rr.Code != http.StatusCreated || rr.Body.String() != "ok" {
		t.Fatalf("expected handler response, got %d %q", rr.Code, rr.Body.String())
	}
	if !store.released {
		t.Fatalf("expected reservation to be released")
	}
	if len(events) != 1 || events[0] != "idempotency.save_failed" {
		t.Fatalf("unexpected log events %v", events)
	}
}

func TestMiddlewareDoesNotStoreRetryableOutcomes(t *testing.T) {
	for _, status := range []int{http.StatusBadGateway, http.StatusConflict, http.StatusTooManyRequests} {
		calls := 0
		h := Middleware(NewMemoryStore(), WithClock(fixedClock))(countingHandler(&calls, status, `{}`))
		for i := 0; i < 2; i++ {
			if rr := serve(h, checkoutRequest("/api/v1/checkout", "retry-key", `{"a":1}`)); rr.Code != status {
				t.Fatalf("expected %d, got %d", status, rr.Code)
			}
		}
		if calls != 2 {
			t.Fatalf("status %d: expected the retry to reach the handler, got %d calls", status, calls)
		}
	}
}

func TestMiddlewareOptionalKey(t *testing.T) {
	calls := 0
	h := Middleware(NewMemoryStore(), WithOptionalKey())(countingHandler(&calls, http.StatusCreated, `{}`))
	for i := 0; i < 2; i++ {
		if rr := serve(h, checkoutRequest("/api/v1/checkout", "", `{}`)); rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", rr.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("expected both keyless requests to reach the handler, got %d", calls)
	}
}

func TestMiddlewareScopesKeysByPath(t *testing.T) {
	calls := 0
	h := Middleware(NewMemoryStore(), WithClock(fixedClock))(countingHandler(&calls, http.StatusOK, `{}`))
	for _, path := range []string{"/api/v1/checkout", "/api/v1/other"} {
		serve(h, checkoutRequest(path, "shared", `{}`))
	}
	if calls != 2 {
		t.Fatalf("expected distinct paths to be independent, got %d calls", calls)
	}
}

func TestMiddlewareExposesAttemptID(t *testing.T) {
	var seen string
	h := Middleware(NewMemoryStore(), WithHeader("X-Checkout-Attempt"), WithClock(fixedClock))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = requestctx.AttemptID(r.Context())
			w.WriteHeader(http.StatusCreated)
		}))

	req := checkoutRequest("/api/v1/checkout", "", `{}`)
	req.Header.Set("X-Checkout-Attempt", " attempt-9 ")
	serve(h, req)

	if seen != "attempt-9" {
		t.Fatalf("expected attempt id on context, got %q", seen)
	}
}

func TestMiddlewareRejectsOversizedBody(t *testing.T) {
	calls := 0
	h := Middleware(NewMemoryStore(), WithMaxBodySize(8))(countingHandler(&calls, http.StatusOK, `{}`))

	rr := serve(h, checkoutRequest("/api/v1/checkout", "big", `{"items":[1,2,3]}`))
	if rr.Code != http.StatusRequestEntityTooLarge || errorCode(t, rr) != "request_too_large" || calls != 0 {
		t.Fatalf("expected 413 request_too_large, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestMiddlewareReplayKeepsOuterHeaders(t *testing.T) {
	calls := 0
	h := Middleware(NewMemoryStore(), WithClock(fixedClock))(countingHandler(&calls, http.StatusCreated, `{}`))

	send := func(trace string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		rr.Header().Set("X-Cloud-Trace-Context", trace)
		h.ServeHTTP(rr, checkoutRequest("/api/v1/checkout", "outer", `{}`))
		return rr
	}
	send("first/1;o=1")
	replayed := send("second/2;o=1")

	if replayed.Header().Get(replayHeaderName) != "true" {
		t.Fatalf("expected a replay")
	}
	if got := replayed.Header().Get("X-Cloud-Trace-Context"); got != "second/2;o=1" {
		t.Fatalf("expected the current trace header to survive replay, got %q", got)
	}
}

type stubStore struct {
	failSave bool
	released bool
}

func (s *stubStore) Reserve(context.Context, string, string, time.Time, time.Duration) (Reservation, error) {
	return Reservation{State: ReservationStateNew}, nil
}

func (s *stubStore) SaveResponse(context.Context, string, string, Response, time.Time, time.Duration) error {
	if s.failSave {
		return errors.New("save failed")
	}
	return nil
}

func (s *stubStore) Release(context.Context, string, string) error {
	s.released = true
	return nil
}

func (s *stubStore) CleanupExpired(context.Context, time.Time, int) (int, error) { return 0, nil }

func (s *stubStore) Ping(context.Context) error { return nil }
