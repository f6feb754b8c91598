package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/eventfield/api/internal/platform/httpx"
	"github.com/eventfield/api/internal/platform/requestctx"
)

const (
	defaultHeaderName  = "Idempotency-Key"
	replayHeaderName   = "X-Idempotent-Replay"
	defaultMaxBodySize = 1 << 20
)

var errBodyTooLarge = errors.New("idempotency: request body too large")

// Logger receives persistence failures; it matches the service logger signature.
type Logger func(ctx context.Context, event string, fields map[string]any)

type clockFunc func() time.Time

type middlewareConfig struct {
	header   string
	ttl      time.Duration
	maxBody  int64
	optional bool
	clock    clockFunc
	logger   Logger
}

// MiddlewareOption customises Middleware.
type MiddlewareOption func(*middlewareConfig)

// WithHeader sets the request header carrying the checkout attempt key.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.header = name
		}
	}
}

// WithTTL sets how long reservations and stored responses live.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithMaxBodySize caps how much of the request body is buffered for fingerprinting.
func WithMaxBodySize(limit int64) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if limit > 0 {
			cfg.maxBody = limit
		}
	}
}

// WithLogger receives store failures that do not change the response.
func WithLogger(logger Logger) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithOptionalKey lets requests without the header through unguarded. Storefront checkout
// forms that predate the header keep working this way.
func WithOptionalKey() MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.optional = true
	}
}

// WithClock overrides the time source, primarily for testing.
func WithClock(clock clockFunc) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// Middleware guards mutating requests with the attempt key header. The first request runs the
// handler; a retry with the same key and body replays the stored response, a retry while the
// first is still running gets 409, and the same key with a different body gets 422. Keys are
// scoped to the request path. Server errors, 409 and 429 are not stored, so the client may
// retry them with the same key.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	cfg := middlewareConfig{
		header:  defaultHeaderName,
		ttl:     DefaultTTL,
		maxBody: defaultMaxBodySize,
		clock:   time.Now,
		logger:  func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !guarded(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			key := strings.TrimSpace(r.Header.Get(cfg.header))
			if key == "" {
				if cfg.optional {
					next.ServeHTTP(w, r)
					return
				}
				fail(w, r, http.StatusBadRequest, "idempotency_key_required", "missing "+cfg.header+" header")
				return
			}
			r = r.WithContext(requestctx.WithAttemptID(r.Context(), key))
			ctx := r.Context()

			body, err := bufferBody(r, cfg.maxBody)
			switch {
			case errors.Is(err, errBodyTooLarge):
				fail(w, r, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
				return
			case err != nil:
				fail(w, r, http.StatusBadRequest, "idempotency_read_body_failed", "unable to read request body")
				return
			}

			id := scopedKey(key, r.URL.Path)
			fingerprint := requestFingerprint(r, body)
			reservation, err := store.Reserve(ctx, id, fingerprint, cfg.clock().UTC(), cfg.ttl)
			switch {
			case errors.Is(err, ErrFingerprintMismatch):
				fail(w, r, http.StatusUnprocessableEntity, "idempotency_key_conflict", "idempotency key already used for a different request")
				return
			case err != nil:
				cfg.logger(ctx, "idempotency.reserve_failed", map[string]any{"error": err.Error()})
				fail(w, r, http.StatusInternalServerError, "idempotency_store_error", "unable to process idempotency key")
				return
			}

			switch reservation.State {
			case ReservationStateNew:
			case ReservationStateCompleted:
				replay(w, reservation.Record)
				return
			case ReservationStatePending:
				fail(w, r, http.StatusConflict, "idempotency_in_progress", "another request is processing this idempotency key")
				return
			default:
				fail(w, r, http.StatusInternalServerError, "idempotency_unknown_state", "unexpected idempotency state")
				return
			}

			preset := headerNames(w.Header())
			var captured bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&captured)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			release := func(event string, fields map[string]any) {
				if err := store.Release(ctx, id, fingerprint); err != nil {
					cfg.logger(ctx, "idempotency.release_failed", map[string]any{"error": err.Error()})
				}
				if event != "" {
					cfg.logger(ctx, event, fields)
				}
			}
			if !final(status) {
				release("", nil)
				return
			}
			resp := Response{Status: status, Headers: handlerHeaders(ww.Header(), preset), Body: captured.Bytes()}
			if err := store.SaveResponse(ctx, id, fingerprint, resp, cfg.clock().UTC(), cfg.ttl); err != nil {
				// The client already has the response; free the key so a retry can run again.
				release("idempotency.save_failed", map[string]any{"error": err.Error(), "status": status})
			}
		})
	}
}

func guarded(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// final reports whether a response is an outcome worth replaying.
func final(status int) bool {
	return status < http.StatusInternalServerError &&
		status != http.StatusConflict &&
		status != http.StatusTooManyRequests
}

// bufferBody reads the body for fingerprinting and leaves a fresh reader for the handler.
func bufferBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// requestFingerprint identifies "the same checkout": method, path, query, content type and
// body. Whitespace-only differences in the body count as different requests.
func requestFingerprint(r *http.Request, body []byte) string {
	h := sha256.New()
	for _, part := range []string{strings.ToUpper(r.Method), r.URL.Path, r.URL.RawQuery, r.Host, r.Header.Get("Content-Type")} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func scopedKey(key, path string) string {
	return strings.TrimSpace(key) + "|" + path
}

func headerNames(h http.Header) map[string]struct{} {
	names := make(map[string]struct{}, len(h))
	for name := range h {
		names[name] = struct{}{}
	}
	return names
}

// handlerHeaders keeps the headers the handler added. Headers set by outer middleware, such
// as trace ids, belong to the request that produced them and are not replayed.
func handlerHeaders(h http.Header, preset map[string]struct{}) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		if _, ok := preset[name]; ok {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}

func replay(w http.ResponseWriter, record Record) {
	for name, values := range record.Header() {
		w.Header()[name] = values
	}
	w.Header().Set(replayHeaderName, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(record.ResponseBody) > 0 {
		_, _ = w.Write(record.ResponseBody)
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, status))
}
