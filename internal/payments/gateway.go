package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/eventfield/api/internal/domain"
)

// Registered gateway names.
const (
	GatewayEPayco = domain.PaymentMethodEPayco
	GatewayStripe = "stripe"
)

var (
	// ErrUnsupportedGateway is returned when the manager cannot locate a gateway.
	ErrUnsupportedGateway = errors.New("payments: unsupported gateway")
	// ErrSignatureMismatch is returned when a notification fails authentication.
	ErrSignatureMismatch = errors.New("payments: signature mismatch")
	// ErrMalformedResponseCode is returned when a response code is not an integer.
	ErrMalformedResponseCode = errors.New("payments: malformed response code")
	// ErrResponseCodeOutOfRange is returned when a response code falls outside the gateway's declared range.
	ErrResponseCodeOutOfRange = errors.New("payments: response code out of range")
)

// GatewayLogger defines the logging contract for gateway adapters.
type GatewayLogger func(ctx context.Context, event string, fields map[string]any)

// Authenticated is the normalised view of a notification whose signature has been verified.
// ResponseCode is still the raw, unparsed value reported by the gateway.
type Authenticated struct {
	Provider     string
	InvoiceID    string
	ResponseCode string
	Reference    string
	// Ignored marks an authentic delivery that carries no payment state, such as a Stripe
	// event type the endpoint does not map. It is acknowledged and never applied.
	Ignored bool
}

// Gateway defines the contract for payment gateway adapters. Authenticate must not have
// side effects; it only recomputes and compares signatures.
type Gateway interface {
	Name() string
	Authenticate(ctx context.Context, n domain.GatewayNotification) (Authenticated, error)
	StatusTable() *StatusTable
}

// Manager coordinates gateway selection.
type Manager struct {
	gateways       map[string]Gateway
	defaultGateway string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultGateway overrides the gateway used when a notification does not name one.
func WithDefaultGateway(name string) ManagerOption {
	return func(m *Manager) {
		m.defaultGateway = name
	}
}

// NewManager constructs a Manager over the supplied gateways. Every gateway must carry a
// valid status table.
func NewManager(gateways map[string]Gateway, opts ...ManagerOption) (*Manager, error) {
	if len(gateways) == 0 {
		return nil, errors.New("payments: at least one gateway is required")
	}
	copyMap := make(map[string]Gateway, len(gateways))
	for k, v := range gateways {
		key := normaliseName(k)
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid gateway registration for key %q", k)
		}
		if err := v.StatusTable().Validate(); err != nil {
			return nil, fmt.Errorf("payments: gateway %q: %w", key, err)
		}
		copyMap[key] = v
	}
	m := &Manager{gateways: copyMap}
	if _, ok := copyMap[domain.PaymentMethodEPayco]; ok {
		m.defaultGateway = domain.PaymentMethodEPayco
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Resolve returns the gateway registered under name, falling back to the default gateway
// and then to the only registered gateway.
func (m *Manager) Resolve(name string) (Gateway, error) {
	if m == nil {
		return nil, errors.New("payments: manager is nil")
	}
	if len(m.gateways) == 0 {
		return nil, errors.New("payments: no gateways registered")
	}
	if key := normaliseName(name); key != "" {
		if g, ok := m.gateways[key]; ok {
			return g, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedGateway, key)
	}
	if def := normaliseName(m.defaultGateway); def != "" {
		if g, ok := m.gateways[def]; ok {
			return g, nil
		}
	}
	if len(m.gateways) == 1 {
		for _, g := range m.gateways {
			return g, nil
		}
	}
	return nil, ErrUnsupportedGateway
}

// Names lists the registered gateway keys.
func (m *Manager) Names() []string {
	if m == nil {
		return nil
	}
	names := make([]string, 0, len(m.gateways))
	for key := range m.gateways {
		names = append(names, key)
	}
	return names
}

func normaliseName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
