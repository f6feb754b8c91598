package woocommerce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	domain "github.com/eventfield/api/internal/domain"
	"github.com/eventfield/api/internal/repositories"
)

const (
	defaultAPIPrefix = "/wp-json/wc/v3"
	defaultTimeout   = 20 * time.Second
	dateLayout       = "2006-01-02T15:04:05"
)

// Logger receives structured diagnostic events emitted by the client. Request and response
// bodies are never passed to the logger.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Config configures the WooCommerce REST client.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	APIPrefix      string
	Timeout        time.Duration
	Logger         Logger
	// HTTPClient overrides the transport, primarily for tests.
	HTTPClient *http.Client
}

// Client implements repositories.CommerceRepository against the WooCommerce REST API v3.
type Client struct {
	rest   *resty.Client
	prefix string
	logger Logger
}

var _ repositories.CommerceRepository = (*Client)(nil)

// NewClient constructs a WooCommerce client authenticating with consumer key/secret.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("woocommerce: base url is required")
	}
	key := strings.TrimSpace(cfg.ConsumerKey)
	secret := strings.TrimSpace(cfg.ConsumerSecret)
	if key == "" || secret == "" {
		return nil, errors.New("woocommerce: consumer key and secret are required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	prefix := strings.TrimSpace(cfg.APIPrefix)
	if prefix == "" {
		prefix = defaultAPIPrefix
	}

	var rest *resty.Client
	if cfg.HTTPClient != nil {
		rest = resty.NewWithClient(cfg.HTTPClient)
	} else {
		rest = resty.New()
	}
	rest.SetBaseURL(baseURL).
		SetBasicAuth(key, secret).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &Client{
		rest:   rest,
		prefix: "/" + strings.Trim(prefix, "/"),
		logger: logger,
	}, nil
}

// FindCustomersByEmail lists customers registered with the given email.
func (c *Client) FindCustomersByEmail(ctx context.Context, email string) ([]domain.Customer, error) {
	const op = "woocommerce.customers.list"
	var out []customerDoc
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("email", email).
		SetQueryParam("role", "all").
		SetResult(&out).
		SetError(&apiError{}).
		Get(c.path("/customers"))
	if err := c.check(ctx, op, resp, err); err != nil {
		return nil, err
	}

	customers := make([]domain.Customer, 0, len(out))
	for _, doc := range out {
		customers = append(customers, doc.toDomain())
	}
	c.logger(ctx, "commerce.customers.listed", map[string]any{
		"matches": len(customers),
	})
	return customers, nil
}

// CreateCustomer registers a customer. Duplicate emails surface as conflict errors.
func (c *Client) CreateCustomer(ctx context.Context, req domain.NewCustomerRequest) (domain.Customer, error) {
	const op = "woocommerce.customers.create"
	var out customerDoc
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(newCustomerDocFrom(req)).
		SetResult(&out).
		SetError(&apiError{}).
		Post(c.path("/customers"))
	if err := c.check(ctx, op, resp, err); err != nil {
		return domain.Customer{}, err
	}
	c.logger(ctx, "commerce.customer.created", map[string]any{
		"customerId": out.ID,
	})
	return out.toDomain(), nil
}

// CreateOrder submits a new order.
func (c *Client) CreateOrder(ctx context.Context, req domain.NewOrderRequest) (domain.Order, error) {
	const op = "woocommerce.orders.create"
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(newOrderDocFrom(req)).
		SetError(&apiError{}).
		Post(c.path("/orders"))
	if err := c.check(ctx, op, resp, err); err != nil {
		return domain.Order{}, err
	}
	order, err := decodeOrder(resp.Body())
	if err != nil {
		return domain.Order{}, fmt.Errorf("%s: decode response: %w", op, err)
	}
	c.logger(ctx, "commerce.order.created", map[string]any{
		"orderId": order.ID,
		"status":  string(order.Status),
		"lines":   len(order.LineItems),
	})
	return order, nil
}

// UpdateOrder applies the update to the order identified by orderID.
func (c *Client) UpdateOrder(ctx context.Context, orderID string, update domain.OrderUpdate) (domain.Order, error) {
	const op = "woocommerce.orders.update"
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, &Error{op: op, err: errors.New("order id is required"), notFound: true}
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetPathParam("id", orderID).
		SetBody(orderUpdateDoc{Status: string(update.Status)}).
		SetError(&apiError{}).
		Put(c.path("/orders/{id}"))
	if err := c.check(ctx, op, resp, err); err != nil {
		return domain.Order{}, err
	}
	order, err := decodeOrder(resp.Body())
	if err != nil {
		return domain.Order{}, fmt.Errorf("%s: decode response: %w", op, err)
	}
	c.logger(ctx, "commerce.order.updated", map[string]any{
		"orderId": order.ID,
		"status":  string(order.Status),
	})
	return order, nil
}

// Ping verifies that the REST API index is reachable with the configured credentials.
func (c *Client) Ping(ctx context.Context) error {
	const op = "woocommerce.ping"
	resp, err := c.rest.R().
		SetContext(ctx).
		SetError(&apiError{}).
		Get(c.prefix)
	return c.check(ctx, op, resp, err)
}

func (c *Client) path(resource string) string {
	return c.prefix + resource
}

func (c *Client) check(ctx context.Context, op string, resp *resty.Response, err error) error {
	if err != nil {
		c.logger(ctx, "commerce.request.failed", map[string]any{
			"op":    op,
			"error": err.Error(),
		})
		return wrapTransportError(op, err)
	}
	if resp == nil {
		return &Error{op: op, err: errors.New("empty response"), unavailable: true}
	}
	if !resp.IsError() {
		return nil
	}
	var body apiError
	if typed, ok := resp.Error().(*apiError); ok && typed != nil {
		body = *typed
	}
	c.logger(ctx, "commerce.request.rejected", map[string]any{
		"op":     op,
		"status": resp.StatusCode(),
		"code":   body.Code,
	})
	return newStatusError(op, resp.StatusCode(), body)
}

type addressDoc struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Address1  string `json:"address_1"`
	Address2  string `json:"address_2"`
	City      string `json:"city"`
	Country   string `json:"country"`
}

func billingDocFrom(b domain.Billing) addressDoc {
	return addressDoc{
		FirstName: b.FirstName,
		LastName:  b.LastName,
		Email:     b.Email,
		Phone:     b.Phone,
		Address1:  b.Address1,
		Address2:  b.Address2,
		City:      b.City,
		Country:   b.Country,
	}
}

func (d addressDoc) toDomain() domain.Billing {
	return domain.Billing{
		Email:     d.Email,
		FirstName: d.FirstName,
		LastName:  d.LastName,
		Phone:     d.Phone,
		Address: domain.Address{
			Address1: d.Address1,
			Address2: d.Address2,
			Country:  d.Country,
			City:     d.City,
		},
	}
}

type newCustomerDoc struct {
	Email     string     `json:"email"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	Billing   addressDoc `json:"billing"`
	Password  string     `json:"password"`
}

func newCustomerDocFrom(req domain.NewCustomerRequest) newCustomerDoc {
	return newCustomerDoc{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Billing:   billingDocFrom(req.Billing),
		Password:  req.Password.Reveal(),
	}
}

type customerDoc struct {
	ID             int64      `json:"id"`
	Email          string     `json:"email"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	Billing        addressDoc `json:"billing"`
	DateCreatedGMT string     `json:"date_created_gmt"`
}

func (d customerDoc) toDomain() domain.Customer {
	return domain.Customer{
		ID:        d.ID,
		Email:     d.Email,
		FirstName: d.FirstName,
		LastName:  d.LastName,
		Billing:   d.Billing.toDomain(),
		CreatedAt: parseDate(d.DateCreatedGMT),
	}
}

type lineItemDoc struct {
	ProductID any `json:"product_id"`
	Quantity  int `json:"quantity"`
}

type newOrderDoc struct {
	PaymentMethod      string        `json:"payment_method"`
	PaymentMethodTitle string        `json:"payment_method_title"`
	CustomerID         int64         `json:"customer_id"`
	LineItems          []lineItemDoc `json:"line_items"`
	Billing            addressDoc    `json:"billing"`
	CustomerNote       string        `json:"customer_note,omitempty"`
}

func newOrderDocFrom(req domain.NewOrderRequest) newOrderDoc {
	items := make([]lineItemDoc, 0, len(req.LineItems))
	for _, item := range req.LineItems {
		items = append(items, lineItemDoc{
			ProductID: productIDValue(item.ProductID),
			Quantity:  item.Quantity,
		})
	}
	return newOrderDoc{
		PaymentMethod:      req.PaymentMethod.Code,
		PaymentMethodTitle: req.PaymentMethod.Title,
		CustomerID:         req.CustomerID,
		LineItems:          items,
		Billing:            billingDocFrom(req.Billing),
		CustomerNote:       req.CustomerNote,
	}
}

// productIDValue sends numeric ids as JSON numbers, as WooCommerce expects, and anything
// else verbatim so the backend reports the malformed id itself.
func productIDValue(id string) any {
	if parsed, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64); err == nil {
		return parsed
	}
	return id
}

type orderUpdateDoc struct {
	Status string `json:"status"`
}

type orderLineDoc struct {
	ID        int64  `json:"id"`
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	Total     string `json:"total"`
}

type orderDoc struct {
	ID                 int64          `json:"id"`
	Number             string         `json:"number"`
	OrderKey           string         `json:"order_key"`
	Status             string         `json:"status"`
	Currency           string         `json:"currency"`
	Total              string         `json:"total"`
	CustomerID         int64          `json:"customer_id"`
	PaymentMethod      string         `json:"payment_method"`
	PaymentMethodTitle string         `json:"payment_method_title"`
	Billing            addressDoc     `json:"billing"`
	LineItems          []orderLineDoc `json:"line_items"`
	CustomerNote       string         `json:"customer_note"`
	DateCreatedGMT     string         `json:"date_created_gmt"`
}

func decodeOrder(body []byte) (domain.Order, error) {
	var doc orderDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return domain.Order{}, err
	}
	raw := map[string]any{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.Order{}, err
	}

	lines := make([]domain.OrderLine, 0, len(doc.LineItems))
	for _, line := range doc.LineItems {
		lines = append(lines, domain.OrderLine{
			ID:        line.ID,
			ProductID: line.ProductID,
			Name:      line.Name,
			Quantity:  line.Quantity,
			Total:     line.Total,
		})
	}

	return domain.Order{
		ID:         doc.ID,
		Number:     doc.Number,
		OrderKey:   doc.OrderKey,
		Status:     domain.OrderStatus(doc.Status),
		Currency:   doc.Currency,
		Total:      doc.Total,
		CustomerID: doc.CustomerID,
		PaymentMethod: domain.PaymentMethod{
			Code:  doc.PaymentMethod,
			Title: doc.PaymentMethodTitle,
		},
		Billing:      doc.Billing.toDomain(),
		LineItems:    lines,
		CustomerNote: doc.CustomerNote,
		CreatedAt:    parseDate(doc.DateCreatedGMT),
		Raw:          raw,
	}, nil
}

func parseDate(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(dateLayout, value); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
