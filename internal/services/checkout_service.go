package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/eventfield/api/internal/domain"
	"github.com/eventfield/api/internal/payments"
	"github.com/eventfield/api/internal/repositories"
)

const (
	checkoutMetricNamespace = "github.com/eventfield/api/internal/services"

	notificationOutcomeApplied = "applied"
	notificationOutcomeForged  = "forged"
	notificationOutcomeInvalid = "invalid"
	notificationOutcomeBackend = "backend_error"
	notificationOutcomeIgnored = "ignored"
)

// DefaultSanitizeFields lists the order fields stripped before an order leaves the service.
var DefaultSanitizeFields = []string{"order_key"}

// gatewayResolver abstracts payments.Manager for easier testing.
type gatewayResolver interface {
	Resolve(name string) (payments.Gateway, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Commerce       repositories.CommerceRepository
	Gateways       gatewayResolver
	Events         OrderEventPublisher
	Meter          metric.Meter
	Clock          func() time.Time
	Logger         func(ctx context.Context, event string, fields map[string]any)
	IDGenerator    func() string
	Entropy        io.Reader
	SanitizeFields []string
	PasswordLength int
}

type checkoutService struct {
	commerce       repositories.CommerceRepository
	gateways       gatewayResolver
	events         OrderEventPublisher
	notifications  metric.Int64Counter
	now            func() time.Time
	logger         func(ctx context.Context, event string, fields map[string]any)
	newID          func() string
	entropy        io.Reader
	sanitizeFields []string
	passwordLength int
}

var _ CheckoutService = (*checkoutService)(nil)

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Commerce == nil {
		return nil, errors.New("checkout service: commerce repository is required")
	}
	if deps.Gateways == nil {
		return nil, errors.New("checkout service: gateway resolver is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	entropy := deps.Entropy
	if entropy == nil {
		entropy = rand.Reader
	}
	passwordLength := deps.PasswordLength
	if passwordLength <= 0 {
		passwordLength = DefaultPasswordLength
	}
	fields := normaliseFieldList(deps.SanitizeFields)
	if len(fields) == 0 {
		fields = append([]string(nil), DefaultSanitizeFields...)
	}

	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(checkoutMetricNamespace)
	}
	counter, err := meter.Int64Counter(
		"checkout.notifications",
		metric.WithDescription("Count of gateway notifications by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("checkout service: register notification metric: %w", err)
	}

	return &checkoutService{
		commerce:      deps.Commerce,
		gateways:      deps.Gateways,
		events:        deps.Events,
		notifications: counter,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:         logger,
		newID:          idGen,
		entropy:        entropy,
		sanitizeFields: fields,
		passwordLength: passwordLength,
	}, nil
}

// GetOrCreateCustomer looks the customer up by email and creates one only when none exists.
func (s *checkoutService) GetOrCreateCustomer(ctx context.Context, info UserInfo) (Customer, error) {
	customers, err := s.commerce.FindCustomersByEmail(ctx, info.Email)
	if err != nil {
		return Customer{}, backendError("find customer", err)
	}
	if len(customers) > 0 {
		s.logger(ctx, "checkout.customer.reused", map[string]any{
			"customerId": customers[0].ID,
			"matches":    len(customers),
		})
		return customers[0], nil
	}

	req, err := buildCustomer(info, s.passwordLength, s.entropy)
	if err != nil {
		return Customer{}, err
	}
	customer, err := s.commerce.CreateCustomer(ctx, req)
	if err != nil {
		return Customer{}, backendError("create customer", err)
	}
	s.logger(ctx, "checkout.customer.created", map[string]any{
		"customerId": customer.ID,
	})
	return customer, nil
}

// CreateOrder maps the cart items and submits the order as built.
func (s *checkoutService) CreateOrder(ctx context.Context, customer Customer, info UserInfo, items []ShoppingCartItem) (Order, error) {
	products := make([]domain.LineItem, 0, len(items))
	for _, item := range items {
		products = append(products, MapProducts(item))
	}

	order, err := s.commerce.CreateOrder(ctx, BuildOrder(customer, info, products))
	if err != nil {
		return Order{}, backendError("create order", err)
	}
	s.logger(ctx, "checkout.order.created", map[string]any{
		"orderId":    order.ID,
		"customerId": customer.ID,
		"lines":      len(products),
		"status":     string(order.Status),
	})
	return order, nil
}

// ProcessCheckout runs customer resolution and order creation in sequence. A customer
// created before a failed order is kept.
func (s *checkoutService) ProcessCheckout(ctx context.Context, cmd ProcessCheckoutCommand) (CheckoutResult, error) {
	if strings.TrimSpace(cmd.UserInfo.Email) == "" || len(cmd.Items) == 0 {
		return CheckoutResult{}, ErrCheckoutInvalidInput
	}
	attemptID := strings.TrimSpace(cmd.AttemptID)
	if attemptID == "" {
		attemptID = s.newID()
	}

	customer, err := s.GetOrCreateCustomer(ctx, cmd.UserInfo)
	if err != nil {
		s.logger(ctx, "checkout.failed", map[string]any{
			"attemptId": attemptID,
			"stage":     "customer",
			"error":     err.Error(),
		})
		return CheckoutResult{}, err
	}

	order, err := s.CreateOrder(ctx, customer, cmd.UserInfo, cmd.Items)
	if err != nil {
		s.logger(ctx, "checkout.failed", map[string]any{
			"attemptId":  attemptID,
			"stage":      "order",
			"customerId": customer.ID,
			"error":      err.Error(),
		})
		return CheckoutResult{}, err
	}

	return CheckoutResult{
		AttemptID: attemptID,
		Order:     sanitizeOrder(order, s.sanitizeFields),
	}, nil
}

// ConfirmOrder authenticates the notification and validates its response code before
// touching the backend. UpdateOrder is the only side effect.
func (s *checkoutService) ConfirmOrder(ctx context.Context, notification GatewayNotification) (Order, error) {
	provider := strings.TrimSpace(notification.Provider)

	gateway, err := s.gateways.Resolve(provider)
	if err != nil {
		s.record(ctx, provider, notificationOutcomeInvalid)
		return Order{}, &ValidationError{Field: "provider", Value: provider, Err: err}
	}
	provider = gateway.Name()

	auth, err := gateway.Authenticate(ctx, notification)
	if err != nil {
		s.record(ctx, provider, notificationOutcomeForged)
		s.logger(ctx, "checkout.notification.forged", map[string]any{
			"provider":  provider,
			"invoiceId": notification.InvoiceID,
		})
		return Order{}, &AuthenticationError{Provider: provider, Err: err}
	}
	if auth.Ignored {
		s.record(ctx, provider, notificationOutcomeIgnored)
		s.logger(ctx, "checkout.notification.ignored", map[string]any{
			"provider":  provider,
			"reference": auth.Reference,
		})
		return Order{}, ErrNotificationIgnored
	}

	table := gateway.StatusTable()
	code, err := table.ParseCode(auth.ResponseCode)
	if err != nil {
		s.record(ctx, provider, notificationOutcomeInvalid)
		s.logger(ctx, "checkout.notification.invalid", map[string]any{
			"provider":  provider,
			"invoiceId": auth.InvoiceID,
			"code":      auth.ResponseCode,
		})
		return Order{}, &ValidationError{Field: "response_code", Value: auth.ResponseCode, Err: err}
	}
	status, err := table.Status(code)
	if err != nil {
		s.record(ctx, provider, notificationOutcomeInvalid)
		return Order{}, &ValidationError{Field: "response_code", Value: auth.ResponseCode, Err: err}
	}
	if auth.InvoiceID == "" {
		s.record(ctx, provider, notificationOutcomeInvalid)
		return Order{}, &ValidationError{Field: "invoice_id", Err: errors.New("missing")}
	}

	order, err := s.commerce.UpdateOrder(ctx, auth.InvoiceID, domain.OrderUpdate{Status: status})
	if err != nil {
		s.record(ctx, provider, notificationOutcomeBackend)
		s.logger(ctx, "checkout.notification.backend_failed", map[string]any{
			"provider":  provider,
			"invoiceId": auth.InvoiceID,
			"status":    string(status),
			"error":     err.Error(),
		})
		return Order{}, backendError("update order", err)
	}

	s.record(ctx, provider, notificationOutcomeApplied)
	s.logger(ctx, "checkout.notification.applied", map[string]any{
		"provider":  provider,
		"invoiceId": auth.InvoiceID,
		"code":      code,
		"label":     table.Label(code),
		"status":    string(status),
	})
	s.publishStatusChanged(ctx, order, auth, code, table.Label(code), status)
	return order, nil
}

func (s *checkoutService) publishStatusChanged(ctx context.Context, order Order, auth payments.Authenticated, code int, label string, status OrderStatus) {
	if s.events == nil {
		return
	}
	orderID := order.ID
	if orderID == 0 {
		orderID, _ = strconv.ParseInt(auth.InvoiceID, 10, 64)
	}
	event := OrderStatusChangedEvent{
		EventID:      s.newID(),
		OrderID:      orderID,
		Status:       status,
		Provider:     auth.Provider,
		ResponseCode: code,
		Label:        label,
		Reference:    auth.Reference,
		OccurredAt:   s.now(),
	}
	if _, err := s.events.PublishOrderStatusChanged(ctx, event); err != nil {
		s.logger(ctx, "checkout.event.publish_failed", map[string]any{
			"orderId": orderID,
			"eventId": event.EventID,
			"error":   err.Error(),
		})
	}
}

func (s *checkoutService) record(ctx context.Context, provider, outcome string) {
	if s.notifications == nil {
		return
	}
	s.notifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}

// sanitizeOrder copies the backend representation without the stripped fields. Orders
// without a raw representation are projected from their typed fields.
func sanitizeOrder(order Order, strip []string) SanitizedOrder {
	source := order.Raw
	if source == nil {
		source = map[string]any{
			"id":             order.ID,
			"number":         order.Number,
			"order_key":      order.OrderKey,
			"status":         string(order.Status),
			"currency":       order.Currency,
			"total":          order.Total,
			"customer_id":    order.CustomerID,
			"payment_method": order.PaymentMethod.Code,
			"customer_note":  order.CustomerNote,
		}
	}
	out := make(SanitizedOrder, len(source))
	for k, v := range source {
		out[k] = v
	}
	for _, field := range strip {
		delete(out, field)
	}
	return out
}

func normaliseFieldList(fields []string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if trimmed := strings.TrimSpace(f); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
