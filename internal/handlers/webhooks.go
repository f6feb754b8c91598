package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/eventfield/api/internal/domain"
	"github.com/eventfield/api/internal/payments"
	"github.com/eventfield/api/internal/platform/httpx"
	"github.com/eventfield/api/internal/services"
)

const (
	maxWebhookBody        = 64 * 1024
	stripeSignatureHeader = "Stripe-Signature"
	providerStripe        = payments.GatewayStripe
	// ignoredStatus answers authentic deliveries that change no order.
	ignoredStatus = "ignored"
)

// PaymentWebhookHandlers receives asynchronous gateway notifications.
type PaymentWebhookHandlers struct {
	checkout services.CheckoutService
	clock    func() time.Time
}

// PaymentWebhookOption customises the webhook handlers.
type PaymentWebhookOption func(*PaymentWebhookHandlers)

// WithWebhookClock overrides the clock used to stamp received notifications.
func WithWebhookClock(clock func() time.Time) PaymentWebhookOption {
	return func(h *PaymentWebhookHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewPaymentWebhookHandlers constructs webhook handlers that settle orders through checkout.
func NewPaymentWebhookHandlers(checkout services.CheckoutService, opts ...PaymentWebhookOption) *PaymentWebhookHandlers {
	h := &PaymentWebhookHandlers{
		checkout: checkout,
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the gateway callbacks. ePayco confirmations may arrive as GET (query
// string) or POST (form or JSON body).
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/payments/epayco", h.handleEPayco)
	r.Post("/payments/epayco", h.handleEPayco)
	r.Post("/payments/stripe", h.handleStripe)
}

type confirmationResponse struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

func (h *PaymentWebhookHandlers) handleEPayco(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	fields, err := readEPaycoFields(r)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	notification := domain.GatewayNotification{
		Provider:     domain.PaymentMethodEPayco,
		InvoiceID:    fields[payments.EPaycoFieldInvoiceID],
		ResponseCode: fields[payments.EPaycoFieldResponseCode],
		Signature:    fields[payments.EPaycoFieldSignature],
		Fields:       fields,
		ReceivedAt:   h.clock().UTC(),
	}
	h.confirm(ctx, w, notification)
}

func (h *PaymentWebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := httpx.ReadLimitedBody(r, maxWebhookBody)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), httpx.BodyErrorStatus(err)))
		return
	}

	notification := domain.GatewayNotification{
		Provider:   providerStripe,
		Signature:  r.Header.Get(stripeSignatureHeader),
		Payload:    body,
		ReceivedAt: h.clock().UTC(),
	}
	h.confirm(ctx, w, notification)
}

func (h *PaymentWebhookHandlers) confirm(ctx context.Context, w http.ResponseWriter, notification domain.GatewayNotification) {
	order, err := h.checkout.ConfirmOrder(ctx, notification)
	if errors.Is(err, services.ErrNotificationIgnored) {
		httpx.WriteJSON(w, http.StatusOK, confirmationResponse{Status: ignoredStatus})
		return
	}
	if err != nil {
		writeNotificationError(ctx, w, err)
		return
	}

	orderID := strings.TrimSpace(notification.InvoiceID)
	if order.ID != 0 {
		orderID = fmt.Sprintf("%d", order.ID)
	}
	httpx.WriteJSON(w, http.StatusOK, confirmationResponse{
		OrderID: orderID,
		Status:  string(order.Status),
	})
}

func writeNotificationError(ctx context.Context, w http.ResponseWriter, err error) {
	var valErr *services.ValidationError
	switch {
	case errors.Is(err, services.ErrNotificationForged):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "notification signature is invalid", http.StatusUnauthorized))
	case errors.As(err, &valErr) && valErr.Field == "response_code":
		httpx.WriteError(ctx, w, httpx.NewError("invalid_response_code", "notification response code is invalid", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrNotificationInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_notification", "notification is invalid", http.StatusUnprocessableEntity))
	default:
		writeCommerceError(ctx, w, err)
	}
}

// readEPaycoFields collects the confirmation fields from the query string, a form body or a
// JSON body. Numeric JSON values keep their original textual form so signatures match.
func readEPaycoFields(r *http.Request) (map[string]string, error) {
	values := url.Values{}
	for key, vals := range r.URL.Query() {
		values[key] = vals
	}

	if r.Method == http.MethodPost && r.Body != nil {
		body, err := httpx.ReadLimitedBody(r, maxWebhookBody)
		switch {
		case errors.Is(err, httpx.ErrEmptyBody):
		case err != nil:
			return nil, err
		default:
			mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if mediaType == "application/json" {
				if err := mergeJSONFields(values, body); err != nil {
					return nil, err
				}
			} else {
				parsed, err := url.ParseQuery(string(body))
				if err != nil {
					return nil, fmt.Errorf("form body is malformed")
				}
				for key, vals := range parsed {
					values[key] = vals
				}
			}
		}
	}

	fields := make(map[string]string, len(payments.EPaycoFields))
	for _, name := range payments.EPaycoFields {
		if v := strings.TrimSpace(values.Get(name)); v != "" {
			fields[name] = v
		}
	}
	return fields, nil
}

func mergeJSONFields(values url.Values, body []byte) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("request body must be valid JSON")
	}
	for key, v := range raw {
		switch typed := v.(type) {
		case string:
			values.Set(key, typed)
		case json.Number:
			values.Set(key, typed.String())
		case bool:
			values.Set(key, fmt.Sprintf("%t", typed))
		}
	}
	return nil
}
