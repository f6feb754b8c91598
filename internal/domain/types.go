package domain

import (
	"strings"
	"time"
)

// PaymentMethodEPayco is the payment method code submitted by the checkout form for ePayco.
const PaymentMethodEPayco = "epayco"

// UserInfo carries the raw checkout form fields supplied once per checkout attempt.
type UserInfo struct {
	Email                       string
	FirstName                   string
	LastName                    string
	Cellphone                   string
	BillingAddress              string
	ComplementaryBillingAddress string
	BillingCountry              string
	BillingCity                 string
	PaymentMethod               string
	Comments                    string
}

// ShoppingCartItem references a catalog product and the requested quantity.
type ShoppingCartItem struct {
	ID       string
	Quantity int
}

// Address is the postal portion of a billing profile.
type Address struct {
	Address1 string
	Address2 string
	Country  string
	City     string
}

// Billing is the billing profile embedded in both customers and orders.
type Billing struct {
	Email     string
	FirstName string
	LastName  string
	Phone     string
	Address
}

// NewCustomerRequest is the payload submitted to create a commerce customer.
type NewCustomerRequest struct {
	Email     string
	FirstName string
	LastName  string
	Billing   Billing
	Password  Secret
}

// Customer is a commerce backend customer keyed by its unique email.
type Customer struct {
	ID        int64
	Email     string
	FirstName string
	LastName  string
	Billing   Billing
	CreatedAt time.Time
}

// LineItem is a single order line referencing a product.
type LineItem struct {
	ProductID string
	Quantity  int
}

// PaymentMethod describes the payment method recorded on an order.
type PaymentMethod struct {
	Code  string
	Title string
}

// NewOrderRequest is the payload submitted to create a commerce order.
type NewOrderRequest struct {
	PaymentMethod PaymentMethod
	CustomerID    int64
	LineItems     []LineItem
	Billing       Billing
	CustomerNote  string
}

// OrderLine is an order line as reported back by the commerce backend.
type OrderLine struct {
	ID        int64
	ProductID int64
	Name      string
	Quantity  int
	Total     string
}

// Order is a commerce backend order. Raw keeps the backend response as decoded JSON so
// sanitized projections can be produced without losing unknown fields.
type Order struct {
	ID            int64
	Number        string
	OrderKey      string
	Status        OrderStatus
	Currency      string
	Total         string
	CustomerID    int64
	PaymentMethod PaymentMethod
	Billing       Billing
	LineItems     []OrderLine
	CustomerNote  string
	CreatedAt     time.Time
	Raw           map[string]any
}

// OrderUpdate lists the mutable order fields applied after a gateway notification.
type OrderUpdate struct {
	Status OrderStatus
}

// OrderStatus enumerates the commerce order lifecycle states.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusOnHold     OrderStatus = "on-hold"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
	OrderStatusFailed     OrderStatus = "failed"
)

var knownOrderStatuses = map[OrderStatus]struct{}{
	OrderStatusPending:    {},
	OrderStatusProcessing: {},
	OrderStatusOnHold:     {},
	OrderStatusCompleted:  {},
	OrderStatusCancelled:  {},
	OrderStatusRefunded:   {},
	OrderStatusFailed:     {},
}

// Valid reports whether the status is one the commerce backend accepts.
func (s OrderStatus) Valid() bool {
	_, ok := knownOrderStatuses[s]
	return ok
}

// GatewayNotification is an untrusted, signed callback from a payment gateway.
// Fields holds every value received so gateway adapters can recompute signatures over
// whichever fields their contract covers. Payload is the raw request body when the
// gateway signs the body itself.
type GatewayNotification struct {
	Provider     string
	InvoiceID    string
	ResponseCode string
	Signature    string
	Fields       map[string]string
	Payload      []byte
	ReceivedAt   time.Time
}

// Field returns a trimmed notification field or an empty string.
func (n GatewayNotification) Field(name string) string {
	if len(n.Fields) == 0 {
		return ""
	}
	return strings.TrimSpace(n.Fields[name])
}

// Secret is a write-only credential. It formats as a redacted marker so it cannot leak
// through logs or error messages; Reveal must be called explicitly to obtain the value.
type Secret string

const redactedSecret = "[REDACTED]"

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redactedSecret
}

// GoString implements fmt.GoStringer for %#v.
func (s Secret) GoString() string {
	return s.String()
}

// MarshalText keeps secrets out of generic JSON/YAML encoders.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reveal returns the underlying secret value.
func (s Secret) Reveal() string {
	return string(s)
}
