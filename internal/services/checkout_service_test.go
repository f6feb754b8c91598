package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/eventfield/api/internal/domain"
	"github.com/eventfield/api/internal/payments"
	"github.com/eventfield/api/internal/repositories"
)

type stubCommerce struct {
	findFunc           func(ctx context.Context, email string) ([]domain.Customer, error)
	createCustomerFunc func(ctx context.Context, req domain.NewCustomerRequest) (domain.Customer, error)
	createOrderFunc    func(ctx context.Context, req domain.NewOrderRequest) (domain.Order, error)
	updateOrderFunc    func(ctx context.Context, orderID string, update domain.OrderUpdate) (domain.Order, error)

	finds           int
	customerCreates int
	orderCreates    int
	updates         int
}

var _ repositories.CommerceRepository = (*stubCommerce)(nil)

func (s *stubCommerce) calls() int {
	return s.finds + s.customerCreates + s.orderCreates + s.updates
}

func (s *stubCommerce) FindCustomersByEmail(ctx context.Context, email string) ([]domain.Customer, error) {
	s.finds++
	if s.findFunc != nil {
		return s.findFunc(ctx, email)
	}
	return nil, nil
}

func (s *stubCommerce) CreateCustomer(ctx context.Context, req domain.NewCustomerRequest) (domain.Customer, error) {
	s.customerCreates++
	if s.createCustomerFunc != nil {
		return s.createCustomerFunc(ctx, req)
	}
	return domain.Customer{ID: 1, Email: req.Email}, nil
}

func (s *stubCommerce) CreateOrder(ctx context.Context, req domain.NewOrderRequest) (domain.Order, error) {
	s.orderCreates++
	if s.createOrderFunc != nil {
		return s.createOrderFunc(ctx, req)
	}
	return domain.Order{ID: 100}, nil
}

func (s *stubCommerce) UpdateOrder(ctx context.Context, orderID string, update domain.OrderUpdate) (domain.Order, error) {
	s.updates++
	if s.updateOrderFunc != nil {
		return s.updateOrderFunc(ctx, orderID, update)
	}
	return domain.Order{Status: update.Status}, nil
}

type stubRepositoryError struct {
	conflict    bool
	unavailable bool
}

func (e *stubRepositoryError) Error() string       { return "backend said no" }
func (e *stubRepositoryError) IsNotFound() bool    { return false }
func (e *stubRepositoryError) IsConflict() bool    { return e.conflict }
func (e *stubRepositoryError) IsUnavailable() bool { return e.unavailable }

type stubOrderEvents struct {
	events []OrderStatusChangedEvent
	err    error
}

func (s *stubOrderEvents) PublishOrderStatusChanged(ctx context.Context, event OrderStatusChangedEvent) (string, error) {
	s.events = append(s.events, event)
	return "msg-1", s.err
}

type capturedLog struct {
	event  string
	fields map[string]any
}

func sampleUserInfo() domain.UserInfo {
	return domain.UserInfo{
		Email:                       "ana@example.com",
		FirstName:                   "Ana",
		LastName:                    "Rojas",
		Cellphone:                   "3001234567",
		BillingAddress:              "Calle 10 # 4-20",
		ComplementaryBillingAddress: "Apto 301",
		BillingCountry:              "CO",
		BillingCity:                 "Medellin",
		PaymentMethod:               "epayco",
		Comments:                    "Entregar en porteria",
	}
}

const (
	testClientID  = "client-123"
	testSecretKey = "secret-key-456"
)

func newTestManager(t *testing.T) (*payments.Manager, *payments.EPaycoGateway) {
	t.Helper()
	gw, err := payments.NewEPaycoGateway(payments.EPaycoGatewayConfig{
		ClientID:  domain.Secret(testClientID),
		SecretKey: domain.Secret(testSecretKey),
	})
	if err != nil {
		t.Fatalf("new epayco gateway: %v", err)
	}
	mgr, err := payments.NewManager(map[string]payments.Gateway{domain.PaymentMethodEPayco: gw})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return mgr, gw
}

func newTestCheckoutService(t *testing.T, commerce *stubCommerce, events OrderEventPublisher, logs *[]capturedLog) CheckoutService {
	t.Helper()
	mgr, _ := newTestManager(t)
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Commerce:    commerce,
		Gateways:    mgr,
		Events:      events,
		Clock:       func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
		IDGenerator: func() string { return "01HTESTID" },
		Logger: func(ctx context.Context, event string, fields map[string]any) {
			if logs != nil {
				*logs = append(*logs, capturedLog{event: event, fields: fields})
			}
		},
	})
	if err != nil {
		t.Fatalf("new checkout service: %v", err)
	}
	return svc
}

func ePaycoNotification(gw *payments.EPaycoGateway, invoiceID, code string) domain.GatewayNotification {
	fields := map[string]string{
		payments.EPaycoFieldReference:     "ref-77",
		payments.EPaycoFieldTransactionID: "txn-88",
		payments.EPaycoFieldAmount:        "150000.00",
		payments.EPaycoFieldCurrencyCode:  "COP",
		payments.EPaycoFieldInvoiceID:     invoiceID,
		payments.EPaycoFieldResponseCode:  code,
	}
	signature := gw.Sign(fields)
	fields[payments.EPaycoFieldSignature] = signature
	return domain.GatewayNotification{
		Provider:     domain.PaymentMethodEPayco,
		InvoiceID:    invoiceID,
		ResponseCode: code,
		Signature:    signature,
		Fields:       fields,
	}
}

func TestBuildCustomerAndOrderShareBillingAddress(t *testing.T) {
	info := sampleUserInfo()

	customer, err := BuildCustomer(info)
	if err != nil {
		t.Fatalf("build customer: %v", err)
	}
	order := BuildOrder(domain.Customer{ID: 9}, info, nil)

	if customer.Billing.Address != order.Billing.Address {
		t.Fatalf("expected identical addresses, got %+v and %+v", customer.Billing.Address, order.Billing.Address)
	}
	if customer.Billing != order.Billing {
		t.Fatalf("expected identical billing, got %+v and %+v", customer.Billing, order.Billing)
	}
	want := domain.Address{Address1: "Calle 10 # 4-20", Address2: "Apto 301", Country: "CO", City: "Medellin"}
	if BuildAddress(info) != want {
		t.Fatalf("unexpected address %+v", BuildAddress(info))
	}
	if order.CustomerID != 9 || order.CustomerNote != "Entregar en porteria" {
		t.Fatalf("unexpected order %+v", order)
	}
}

func TestBuildCustomerGeneratesRedactedPassword(t *testing.T) {
	first, err := BuildCustomer(sampleUserInfo())
	if err != nil {
		t.Fatalf("build customer: %v", err)
	}
	second, err := BuildCustomer(sampleUserInfo())
	if err != nil {
		t.Fatalf("build customer: %v", err)
	}

	if got := len(first.Password.Reveal()); got != DefaultPasswordLength {
		t.Fatalf("expected password length %d, got %d", DefaultPasswordLength, got)
	}
	if first.Password.Reveal() == second.Password.Reveal() {
		t.Fatalf("expected fresh password per call")
	}
	printed := fmt.Sprintf("%v %+v %#v", first, first, first)
	if strings.Contains(printed, first.Password.Reveal()) {
		t.Fatalf("password leaked through formatting: %s", printed)
	}
}

func TestBuildPaymentMethod(t *testing.T) {
	cases := map[string]domain.PaymentMethod{
		"epayco": {Code: "epayco", Title: "ePayco"},
		"cash":   {Code: "cash", Title: "cash"},
		"":       {Code: "", Title: ""},
	}
	for method, want := range cases {
		got := BuildPaymentMethod(domain.UserInfo{PaymentMethod: method})
		if got != want {
			t.Fatalf("method %q: expected %+v, got %+v", method, want, got)
		}
	}
}

func TestMapProductsPreservesOrderAndDuplicates(t *testing.T) {
	items := []domain.ShoppingCartItem{{ID: "12", Quantity: 2}, {ID: "7", Quantity: 1}, {ID: "12", Quantity: 1}}

	commerce := &stubCommerce{}
	var submitted domain.NewOrderRequest
	commerce.createOrderFunc = func(ctx context.Context, req domain.NewOrderRequest) (domain.Order, error) {
		submitted = req
		return domain.Order{ID: 5}, nil
	}
	svc := newTestCheckoutService(t, commerce, nil, nil)

	if _, err := svc.CreateOrder(context.Background(), domain.Customer{ID: 3}, sampleUserInfo(), items); err != nil {
		t.Fatalf("create order: %v", err)
	}
	want := []domain.LineItem{{ProductID: "12", Quantity: 2}, {ProductID: "7", Quantity: 1}, {ProductID: "12", Quantity: 1}}
	if !reflect.DeepEqual(submitted.LineItems, want) {
		t.Fatalf("expected %+v, got %+v", want, submitted.LineItems)
	}
	if submitted.PaymentMethod.Title != "ePayco" || submitted.CustomerID != 3 {
		t.Fatalf("unexpected order request %+v", submitted)
	}
}

func TestGetOrCreateCustomerCreatesWhenMissing(t *testing.T) {
	var created domain.NewCustomerRequest
	commerce := &stubCommerce{
		createCustomerFunc: func(ctx context.Context, req domain.NewCustomerRequest) (domain.Customer, error) {
			created = req
			return domain.Customer{ID: 77, Email: req.Email}, nil
		},
	}
	var logs []capturedLog
	svc := newTestCheckoutService(t, commerce, nil, &logs)

	customer, err := svc.GetOrCreateCustomer(context.Background(), sampleUserInfo())
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if customer.ID != 77 {
		t.Fatalf("expected created customer, got %+v", customer)
	}
	if commerce.finds != 1 || commerce.customerCreates != 1 {
		t.Fatalf("expected one lookup and one create, got %d and %d", commerce.finds, commerce.customerCreates)
	}
	if created.Billing.City != "Medellin" || created.Email != "ana@example.com" {
		t.Fatalf("unexpected create request %+v", created)
	}
	password := created.Password.Reveal()
	for _, entry := range logs {
		if strings.Contains(fmt.Sprint(entry.fields), password) {
			t.Fatalf("password leaked into log %s", entry.event)
		}
	}
}

func TestGetOrCreateCustomerReusesFirstMatch(t *testing.T) {
	commerce := &stubCommerce{
		findFunc: func(ctx context.Context, email string) ([]domain.Customer, error) {
			if email != "ana@example.com" {
				t.Fatalf("unexpected email %q", email)
			}
			return []domain.Customer{{ID: 4}, {ID: 8}}, nil
		},
	}
	svc := newTestCheckoutService(t, commerce, nil, nil)

	customer, err := svc.GetOrCreateCustomer(context.Background(), sampleUserInfo())
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if customer.ID != 4 {
		t.Fatalf("expected first match, got %d", customer.ID)
	}
	if commerce.customerCreates != 0 {
		t.Fatalf("expected no create, got %d", commerce.customerCreates)
	}
}

func TestGetOrCreateCustomerPropagatesConflict(t *testing.T) {
	original := &stubRepositoryError{conflict: true}
	commerce := &stubCommerce{
		createCustomerFunc: func(context.Context, domain.NewCustomerRequest) (domain.Customer, error) {
			return domain.Customer{}, original
		},
	}
	svc := newTestCheckoutService(t, commerce, nil, nil)

	_, err := svc.GetOrCreateCustomer(context.Background(), sampleUserInfo())
	if !errors.Is(err, ErrCommerceBackend) || !errors.Is(err, ErrCommerceConflict) {
		t.Fatalf("expected backend conflict, got %v", err)
	}
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || repoErr != original {
		t.Fatalf("expected original repository error, got %v", err)
	}
}

func TestProcessCheckoutSanitizesOrder(t *testing.T) {
	commerce := &stubCommerce{
		createOrderFunc: func(context.Context, domain.NewOrderRequest) (domain.Order, error) {
			return domain.Order{
				ID:       1001,
				OrderKey: "wc_order_secret",
				Raw: map[string]any{
					"id":        float64(1001),
					"order_key": "wc_order_secret",
					"status":    "pending",
					"total":     "150000.00",
				},
			}, nil
		},
	}
	var logs []capturedLog
	svc := newTestCheckoutService(t, commerce, nil, &logs)

	result, err := svc.ProcessCheckout(context.Background(), ProcessCheckoutCommand{
		UserInfo: sampleUserInfo(),
		Items:    []domain.ShoppingCartItem{{ID: "12", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("process checkout: %v", err)
	}
	if _, ok := result.Order["order_key"]; ok {
		t.Fatalf("expected order_key to be stripped, got %v", result.Order)
	}
	if result.Order["status"] != "pending" || result.Order["total"] != "150000.00" {
		t.Fatalf("expected other fields preserved, got %v", result.Order)
	}
	if result.AttemptID != "01HTESTID" {
		t.Fatalf("expected generated attempt id, got %q", result.AttemptID)
	}
	for _, entry := range logs {
		if strings.Contains(fmt.Sprint(entry.fields), "wc_order_secret") {
			t.Fatalf("order key leaked into log %s", entry.event)
		}
	}
}

func TestProcessCheckoutStopsAfterCustomerFailure(t *testing.T) {
	commerce := &stubCommerce{
		findFunc: func(context.Context, string) ([]domain.Customer, error) {
			return nil, &stubRepositoryError{unavailable: true}
		},
	}
	svc := newTestCheckoutService(t, commerce, nil, nil)

	_, err := svc.ProcessCheckout(context.Background(), ProcessCheckoutCommand{
		UserInfo: sampleUserInfo(),
		Items:    []domain.ShoppingCartItem{{ID: "12", Quantity: 1}},
	})
	if !errors.Is(err, ErrCommerceUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if commerce.orderCreates != 0 {
		t.Fatalf("expected no order to be created")
	}
}

func TestProcessCheckoutRejectsEmptyInput(t *testing.T) {
	commerce := &stubCommerce{}
	svc := newTestCheckoutService(t, commerce, nil, nil)

	_, err := svc.ProcessCheckout(context.Background(), ProcessCheckoutCommand{UserInfo: sampleUserInfo()})
	if !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if commerce.calls() != 0 {
		t.Fatalf("expected no backend calls, got %d", commerce.calls())
	}
}

func TestConfirmOrderAppliesMappedStatus(t *testing.T) {
	var gotID string
	var gotUpdate domain.OrderUpdate
	commerce := &stubCommerce{
		updateOrderFunc: func(ctx context.Context, orderID string, update domain.OrderUpdate) (domain.Order, error) {
			gotID = orderID
			gotUpdate = update
			return domain.Order{ID: 1001, Status: update.Status}, nil
		},
	}
	events := &stubOrderEvents{}
	svc := newTestCheckoutService(t, commerce, events, nil)
	_, gw := newTestManager(t)

	order, err := svc.ConfirmOrder(context.Background(), ePaycoNotification(gw, "1001", "1"))
	if err != nil {
		t.Fatalf("confirm order: %v", err)
	}
	if commerce.updates != 1 || commerce.calls() != 1 {
		t.Fatalf("expected exactly one backend call, got %d", commerce.calls())
	}
	if gotID != "1001" || gotUpdate.Status != domain.OrderStatusCompleted {
		t.Fatalf("unexpected update %s %+v", gotID, gotUpdate)
	}
	if order.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected completed order, got %s", order.Status)
	}
	if len(events.events) != 1 {
		t.Fatalf("expected one event, got %d", len(events.events))
	}
	event := events.events[0]
	if event.OrderID != 1001 || event.Label != "Aceptada" || event.ResponseCode != 1 {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestConfirmOrderMapsEveryCode(t *testing.T) {
	want := map[string]domain.OrderStatus{
		"1": domain.OrderStatusCompleted,
		"2": domain.OrderStatusCancelled,
		"3": domain.OrderStatusPending,
		"4": domain.OrderStatusFailed,
	}
	_, gw := newTestManager(t)
	for code, status := range want {
		commerce := &stubCommerce{}
		svc := newTestCheckoutService(t, commerce, nil, nil)
		order, err := svc.ConfirmOrder(context.Background(), ePaycoNotification(gw, "55", code))
		if err != nil {
			t.Fatalf("code %s: %v", code, err)
		}
		if order.Status != status {
			t.Fatalf("code %s: expected %s, got %s", code, status, order.Status)
		}
	}
}

func TestConfirmOrderRejectsForgedNotification(t *testing.T) {
	_, gw := newTestManager(t)
	mutations := map[string]func(n *domain.GatewayNotification){
		"wrong signature": func(n *domain.GatewayNotification) { n.Signature = strings.Repeat("0", 64) },
		"tampered amount": func(n *domain.GatewayNotification) { n.Fields[payments.EPaycoFieldAmount] = "1.00" },
		"missing signature": func(n *domain.GatewayNotification) {
			n.Signature = ""
			delete(n.Fields, payments.EPaycoFieldSignature)
		},
	}
	// Valid, out of range and malformed codes alike: the signature is checked first.
	codes := []string{"0", "1", "4", "5", "abc", ""}
	for name, mutate := range mutations {
		for _, code := range codes {
			t.Run(name+"/code="+code, func(t *testing.T) {
				commerce := &stubCommerce{}
				var logs []capturedLog
				svc := newTestCheckoutService(t, commerce, nil, &logs)
				n := ePaycoNotification(gw, "1001", code)
				mutate(&n)

				_, err := svc.ConfirmOrder(context.Background(), n)
				var authErr *AuthenticationError
				if !errors.As(err, &authErr) || !errors.Is(err, ErrNotificationForged) {
					t.Fatalf("expected authentication error, got %v", err)
				}
				if errors.Is(err, ErrNotificationInvalid) {
					t.Fatalf("authentication error must not match validation sentinel")
				}
				if commerce.calls() != 0 {
					t.Fatalf("expected no backend calls, got %d", commerce.calls())
				}
				for _, entry := range logs {
					dump := fmt.Sprint(entry.fields)
					if strings.Contains(dump, testSecretKey) || strings.Contains(dump, testClientID) {
						t.Fatalf("credentials leaked into log %s", entry.event)
					}
				}
			})
		}
	}
}

func TestConfirmOrderRejectsInvalidCodes(t *testing.T) {
	_, gw := newTestManager(t)
	for _, code := range []string{"0", "5", "-1", "abc", ""} {
		t.Run("code="+code, func(t *testing.T) {
			commerce := &stubCommerce{}
			svc := newTestCheckoutService(t, commerce, nil, nil)

			_, err := svc.ConfirmOrder(context.Background(), ePaycoNotification(gw, "1001", code))
			var valErr *ValidationError
			if !errors.As(err, &valErr) || !errors.Is(err, ErrNotificationInvalid) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if errors.Is(err, ErrNotificationForged) {
				t.Fatalf("validation error must not match authentication sentinel")
			}
			if commerce.calls() != 0 {
				t.Fatalf("expected no backend calls, got %d", commerce.calls())
			}
		})
	}
}

func TestConfirmOrderChecksSignatureBeforeCode(t *testing.T) {
	_, gw := newTestManager(t)
	commerce := &stubCommerce{}
	svc := newTestCheckoutService(t, commerce, nil, nil)

	n := ePaycoNotification(gw, "1001", "9")
	n.Signature = "forged"

	_, err := svc.ConfirmOrder(context.Background(), n)
	if !errors.Is(err, ErrNotificationForged) {
		t.Fatalf("expected authentication failure to win, got %v", err)
	}
}

func TestConfirmOrderBackendFailure(t *testing.T) {
	_, gw := newTestManager(t)
	original := &stubRepositoryError{unavailable: true}
	commerce := &stubCommerce{
		updateOrderFunc: func(context.Context, string, domain.OrderUpdate) (domain.Order, error) {
			return domain.Order{}, original
		},
	}
	events := &stubOrderEvents{}
	svc := newTestCheckoutService(t, commerce, events, nil)

	_, err := svc.ConfirmOrder(context.Background(), ePaycoNotification(gw, "1001", "2"))
	var backendErr *BackendError
	if !errors.As(err, &backendErr) || !errors.Is(err, ErrCommerceBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if !errors.Is(err, ErrCommerceUnavailable) {
		t.Fatalf("expected unavailable classification, got %v", err)
	}
	if len(events.events) != 0 {
		t.Fatalf("expected no events on failure")
	}
}

func TestConfirmOrderPublishFailureIsNotFatal(t *testing.T) {
	_, gw := newTestManager(t)
	commerce := &stubCommerce{}
	events := &stubOrderEvents{err: errors.New("pubsub down")}
	var logs []capturedLog
	svc := newTestCheckoutService(t, commerce, events, &logs)

	if _, err := svc.ConfirmOrder(context.Background(), ePaycoNotification(gw, "1001", "1")); err != nil {
		t.Fatalf("expected success despite publish failure, got %v", err)
	}
	found := false
	for _, entry := range logs {
		if entry.event == "checkout.event.publish_failed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected publish failure to be logged")
	}
}

func TestConfirmOrderAcknowledgesIgnoredStripeEvents(t *testing.T) {
	const secret = "whsec_test_secret"
	stripeGW, err := payments.NewStripeGateway(payments.StripeGatewayConfig{WebhookSecret: domain.Secret(secret)})
	if err != nil {
		t.Fatalf("new stripe gateway: %v", err)
	}
	mgr, err := payments.NewManager(map[string]payments.Gateway{payments.GatewayStripe: stripeGW})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	commerce := &stubCommerce{}
	events := &stubOrderEvents{}
	var logs []capturedLog
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Commerce: commerce,
		Gateways: mgr,
		Events:   events,
		Logger: func(_ context.Context, event string, fields map[string]any) {
			logs = append(logs, capturedLog{event: event, fields: fields})
		},
	})
	if err != nil {
		t.Fatalf("new checkout service: %v", err)
	}

	payload := `{"id":"evt_9","object":"event","type":"charge.refunded","data":{"object":{"id":"ch_1","object":"charge","metadata":{"order_id":"1001"}}}}`
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	_, err = svc.ConfirmOrder(context.Background(), domain.GatewayNotification{
		Provider:  payments.GatewayStripe,
		Signature: signed.Header,
		Payload:   signed.Payload,
	})
	if !errors.Is(err, ErrNotificationIgnored) {
		t.Fatalf("expected ignored notification, got %v", err)
	}
	if errors.Is(err, ErrNotificationInvalid) || errors.Is(err, ErrNotificationForged) {
		t.Fatalf("ignored notification must not be reported as a failure: %v", err)
	}
	if commerce.calls() != 0 || len(events.events) != 0 {
		t.Fatalf("expected no backend calls or events, got %d calls and %d events", commerce.calls(), len(events.events))
	}
	if len(logs) == 0 || logs[len(logs)-1].event != "checkout.notification.ignored" {
		t.Fatalf("expected the ignored event to be logged, got %+v", logs)
	}
}

func TestConfirmOrderUnknownProvider(t *testing.T) {
	commerce := &stubCommerce{}
	svc := newTestCheckoutService(t, commerce, nil, nil)

	_, err := svc.ConfirmOrder(context.Background(), domain.GatewayNotification{Provider: "paypal"})
	if !errors.Is(err, ErrNotificationInvalid) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if commerce.calls() != 0 {
		t.Fatalf("expected no backend calls")
	}
}

func TestNewCheckoutServiceRequiresDependencies(t *testing.T) {
	mgr, _ := newTestManager(t)
	if _, err := NewCheckoutService(CheckoutServiceDeps{Gateways: mgr}); err == nil {
		t.Fatalf("expected error without commerce repository")
	}
	if _, err := NewCheckoutService(CheckoutServiceDeps{Commerce: &stubCommerce{}}); err == nil {
		t.Fatalf("expected error without gateways")
	}
}
