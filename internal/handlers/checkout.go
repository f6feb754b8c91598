package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"

	domain "github.com/eventfield/api/internal/domain"
	"github.com/eventfield/api/internal/platform/httpx"
	"github.com/eventfield/api/internal/platform/requestctx"
	"github.com/eventfield/api/internal/repositories"
	"github.com/eventfield/api/internal/services"
)

const (
	maxCheckoutRequestBody = 32 * 1024
	idempotencyKeyHeader   = "Idempotency-Key"
)

// CheckoutHandlers exposes the guest checkout endpoint.
type CheckoutHandlers struct {
	checkout services.CheckoutService
	validate *validator.Validate
	policy   *bluemonday.Policy
}

// NewCheckoutHandlers constructs checkout handlers backed by the checkout service.
func NewCheckoutHandlers(checkout services.CheckoutService) *CheckoutHandlers {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &CheckoutHandlers{
		checkout: checkout,
		validate: validate,
		policy:   bluemonday.StrictPolicy(),
	}
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/checkout", h.processCheckout)
}

// productID accepts both JSON strings and numbers since storefront carts send either.
type productID string

func (p *productID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = productID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("product id must be a string or number: %w", err)
	}
	*p = productID(n.String())
	return nil
}

type checkoutUserInfo struct {
	Email                       string `json:"email" validate:"required,email,max=254"`
	FirstName                   string `json:"firstname" validate:"required,max=100"`
	LastName                    string `json:"lastname" validate:"required,max=100"`
	Cellphone                   string `json:"cellphone" validate:"max=32"`
	BillingAddress              string `json:"billingAddress" validate:"required,max=200"`
	ComplementaryBillingAddress string `json:"complementaryBillingAddress" validate:"max=200"`
	BillingCountry              string `json:"billingCountry" validate:"required,max=64"`
	BillingCity                 string `json:"billingCity" validate:"required,max=100"`
	PaymentMethod               string `json:"paymentMethod" validate:"required,max=64"`
	Comments                    string `json:"comments" validate:"max=2000"`
}

type checkoutItem struct {
	ID       productID `json:"id" validate:"required"`
	Quantity int       `json:"quantity" validate:"min=1,max=1000"`
}

type checkoutRequest struct {
	UserInfo          checkoutUserInfo `json:"userInfo"`
	ShoppingCartItems []checkoutItem   `json:"shoppingCartItems" validate:"required,min=1,max=100,dive"`
}

type checkoutResponse struct {
	AttemptID string                  `json:"attemptId"`
	Order     services.SanitizedOrder `json:"order"`
}

func (h *CheckoutHandlers) processCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := httpx.ReadLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), httpx.BodyErrorStatus(err)))
		return
	}

	var req checkoutRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if err := h.validate.StructCtx(ctx, req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body failed validation", http.StatusBadRequest).
			WithDetails(map[string]any{"fields": invalidFields(err)}))
		return
	}

	cmd := services.ProcessCheckoutCommand{
		UserInfo:  h.userInfo(req.UserInfo),
		Items:     make([]domain.ShoppingCartItem, 0, len(req.ShoppingCartItems)),
		AttemptID: attemptID(r),
	}
	for _, item := range req.ShoppingCartItems {
		cmd.Items = append(cmd.Items, domain.ShoppingCartItem{ID: string(item.ID), Quantity: item.Quantity})
	}

	result, err := h.checkout.ProcessCheckout(ctx, cmd)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, checkoutResponse{
		AttemptID: result.AttemptID,
		Order:     result.Order,
	})
}

// attemptID prefers the key accepted by the idempotency middleware, which honours the
// configured header name.
func attemptID(r *http.Request) string {
	if id := requestctx.AttemptID(r.Context()); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
}

func (h *CheckoutHandlers) userInfo(in checkoutUserInfo) domain.UserInfo {
	return domain.UserInfo{
		Email:                       strings.TrimSpace(in.Email),
		FirstName:                   strings.TrimSpace(in.FirstName),
		LastName:                    strings.TrimSpace(in.LastName),
		Cellphone:                   strings.TrimSpace(in.Cellphone),
		BillingAddress:              strings.TrimSpace(in.BillingAddress),
		ComplementaryBillingAddress: strings.TrimSpace(in.ComplementaryBillingAddress),
		BillingCountry:              strings.TrimSpace(in.BillingCountry),
		BillingCity:                 strings.TrimSpace(in.BillingCity),
		PaymentMethod:               strings.TrimSpace(in.PaymentMethod),
		Comments:                    strings.TrimSpace(h.policy.Sanitize(in.Comments)),
	}
}

// invalidFields lists "namespace: tag" pairs using JSON names, e.g. "checkoutRequest.userInfo.email: email".
func invalidFields(err error) []string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return nil
	}
	out := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
	}
	return out
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "userInfo.email and shoppingCartItems are required", http.StatusBadRequest))
	case errors.Is(err, services.ErrCommerceConflict):
		httpx.WriteError(ctx, w, httpx.NewError("customer_conflict", "customer already exists; retry checkout", http.StatusConflict))
	default:
		writeCommerceError(ctx, w, err)
	}
}

// writeCommerceError maps commerce backend failures; it never reveals backend messages.
func writeCommerceError(ctx context.Context, w http.ResponseWriter, err error) {
	var repoErr repositories.RepositoryError
	switch {
	case errors.Is(err, services.ErrCommerceUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("commerce_unavailable", "commerce backend unavailable", http.StatusBadGateway))
	case errors.As(err, &repoErr) && repoErr.IsNotFound():
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCommerceBackend):
		httpx.WriteError(ctx, w, httpx.NewError("commerce_error", "commerce backend rejected the request", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}
