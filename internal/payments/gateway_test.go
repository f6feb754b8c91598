package payments

import (
	"context"
	"errors"
	"testing"

	domain "github.com/eventfield/api/internal/domain"
)

type fakeGateway struct {
	name  string
	table *StatusTable
	auth  Authenticated
	err   error
	calls int
}

func (f *fakeGateway) Name() string { return f.name }

func (f *fakeGateway) StatusTable() *StatusTable {
	if f.table == nil {
		return DefaultEPaycoStatusTable()
	}
	return f.table
}

func (f *fakeGateway) Authenticate(ctx context.Context, n domain.GatewayNotification) (Authenticated, error) {
	f.calls++
	return f.auth, f.err
}

func TestManagerResolvesNamedGateway(t *testing.T) {
	epayco := &fakeGateway{name: "epayco"}
	stripe := &fakeGateway{name: "stripe"}

	mgr, err := NewManager(map[string]Gateway{"ePayco": epayco, "stripe": stripe})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	got, err := mgr.Resolve("STRIPE")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != stripe {
		t.Fatalf("expected stripe gateway")
	}
}

func TestManagerFallsBackToDefault(t *testing.T) {
	epayco := &fakeGateway{name: "epayco"}
	stripe := &fakeGateway{name: "stripe"}

	mgr, err := NewManager(map[string]Gateway{"epayco": epayco, "stripe": stripe})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	got, err := mgr.Resolve("")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != epayco {
		t.Fatalf("expected epayco to be the default gateway")
	}
}

func TestManagerUnsupportedGateway(t *testing.T) {
	mgr, err := NewManager(map[string]Gateway{"epayco": &fakeGateway{}, "stripe": &fakeGateway{}}, WithDefaultGateway(""))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := mgr.Resolve("paypal"); !errors.Is(err, ErrUnsupportedGateway) {
		t.Fatalf("expected ErrUnsupportedGateway, got %v", err)
	}
	if _, err := mgr.Resolve(""); !errors.Is(err, ErrUnsupportedGateway) {
		t.Fatalf("expected ErrUnsupportedGateway without default, got %v", err)
	}
}

func TestNewManagerValidatesGateways(t *testing.T) {
	if _, err := NewManager(map[string]Gateway{"bad": nil}); err == nil {
		t.Fatalf("expected error for nil gateway")
	}
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error when gateways empty")
	}
	partial := &fakeGateway{table: &StatusTable{Min: 1, Max: 2, Codes: map[int]CodeMapping{1: {Status: domain.OrderStatusCompleted}}}}
	if _, err := NewManager(map[string]Gateway{"partial": partial}); err == nil {
		t.Fatalf("expected error for non total status table")
	}
}
