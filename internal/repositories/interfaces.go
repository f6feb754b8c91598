package repositories

import (
	"context"

	domain "github.com/eventfield/api/internal/domain"
)

// RepositoryError wraps low-level commerce backend failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CustomerRepository exposes the customer endpoints of the commerce backend.
type CustomerRepository interface {
	// FindCustomersByEmail returns every customer registered with the email. An empty slice
	// (not an error) is returned when none match.
	FindCustomersByEmail(ctx context.Context, email string) ([]domain.Customer, error)
	// CreateCustomer registers a new customer. Backends enforcing email uniqueness should
	// report duplicates as a RepositoryError with IsConflict.
	CreateCustomer(ctx context.Context, req domain.NewCustomerRequest) (domain.Customer, error)
}

// OrderRepository exposes the order endpoints of the commerce backend.
type OrderRepository interface {
	CreateOrder(ctx context.Context, req domain.NewOrderRequest) (domain.Order, error)
	UpdateOrder(ctx context.Context, orderID string, update domain.OrderUpdate) (domain.Order, error)
}

// CommerceRepository aggregates the commerce backend contracts consumed by checkout.
type CommerceRepository interface {
	CustomerRepository
	OrderRepository
}
