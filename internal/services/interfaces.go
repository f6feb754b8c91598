package services

import (
	"context"
	"time"

	domain "github.com/eventfield/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	UserInfo            = domain.UserInfo
	ShoppingCartItem    = domain.ShoppingCartItem
	Customer            = domain.Customer
	Order               = domain.Order
	OrderStatus         = domain.OrderStatus
	GatewayNotification = domain.GatewayNotification
	SystemHealthReport  = domain.SystemHealthReport
)

// CheckoutService builds commerce entities from checkout input and settles orders from gateway
// notifications.
type CheckoutService interface {
	// GetOrCreateCustomer returns the first customer registered with the email, creating one
	// when none exists. Existing customers are never updated.
	GetOrCreateCustomer(ctx context.Context, info UserInfo) (Customer, error)
	// CreateOrder submits an order for the customer built from the cart items.
	CreateOrder(ctx context.Context, customer Customer, info UserInfo, items []ShoppingCartItem) (Order, error)
	// ProcessCheckout resolves the customer, creates the order and returns a sanitized view.
	ProcessCheckout(ctx context.Context, cmd ProcessCheckoutCommand) (CheckoutResult, error)
	// ConfirmOrder authenticates a gateway notification, validates its response code and
	// applies the mapped status to the invoiced order.
	ConfirmOrder(ctx context.Context, notification GatewayNotification) (Order, error)
}

// ProcessCheckoutCommand carries one checkout attempt.
type ProcessCheckoutCommand struct {
	UserInfo  UserInfo
	Items     []ShoppingCartItem
	AttemptID string
}

// SanitizedOrder is the backend order representation with confidential fields removed.
type SanitizedOrder map[string]any

// CheckoutResult is returned to the checkout caller.
type CheckoutResult struct {
	AttemptID string
	Order     SanitizedOrder
}

// OrderStatusChangedEvent is published after a notification has been applied to an order.
type OrderStatusChangedEvent struct {
	EventID      string             `json:"eventId"`
	OrderID      int64              `json:"orderId"`
	Status       domain.OrderStatus `json:"status"`
	Provider     string             `json:"provider"`
	ResponseCode int                `json:"responseCode"`
	Label        string             `json:"label,omitempty"`
	Reference    string             `json:"reference,omitempty"`
	OccurredAt   time.Time          `json:"occurredAt"`
}

// OrderEventPublisher publishes order lifecycle events to downstream consumers.
type OrderEventPublisher interface {
	PublishOrderStatusChanged(ctx context.Context, event OrderStatusChangedEvent) (string, error)
}

// SystemService exposes operational diagnostics.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}
