package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/eventfield/api/internal/domain"
)

// StripeOrderMetadataKey is the payment intent metadata key carrying the commerce order id.
const StripeOrderMetadataKey = "order_id"

// stripeEventCodes maps payment intent events onto the Stripe status table codes.
var stripeEventCodes = map[stripe.EventType]int{
	stripe.EventTypePaymentIntentSucceeded:     1,
	stripe.EventTypePaymentIntentCanceled:      2,
	stripe.EventTypePaymentIntentProcessing:    3,
	stripe.EventTypePaymentIntentPaymentFailed: 4,
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	WebhookSecret domain.Secret
	Tolerance     time.Duration
	Table         *StatusTable
	Logger        GatewayLogger
}

// StripeGateway authenticates Stripe webhook deliveries for payment intents created with an
// order_id metadata entry.
type StripeGateway struct {
	secret    domain.Secret
	tolerance time.Duration
	table     *StatusTable
	logger    GatewayLogger
}

// NewStripeGateway constructs a Stripe gateway using the endpoint signing secret.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	if strings.TrimSpace(cfg.WebhookSecret.Reveal()) == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}
	table := cfg.Table
	if table == nil {
		table = DefaultStripeStatusTable()
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("stripe: %w", err)
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StripeGateway{
		secret:    cfg.WebhookSecret,
		tolerance: tolerance,
		table:     table,
		logger:    logger,
	}, nil
}

// Name implements Gateway.
func (g *StripeGateway) Name() string {
	return GatewayStripe
}

// StatusTable implements Gateway.
func (g *StripeGateway) StatusTable() *StatusTable {
	return g.table
}

// Authenticate verifies the Stripe-Signature header over the raw payload and extracts the
// order id and the code derived from the event type. Event types without a code are marked
// Ignored: Stripe retries every non-2xx delivery, so they must be acknowledged, not rejected.
func (g *StripeGateway) Authenticate(ctx context.Context, n domain.GatewayNotification) (Authenticated, error) {
	if len(n.Payload) == 0 || strings.TrimSpace(n.Signature) == "" {
		return Authenticated{}, fmt.Errorf("%w: payload or signature missing", ErrSignatureMismatch)
	}

	event, err := webhook.ConstructEventWithOptions(n.Payload, n.Signature, g.secret.Reveal(), webhook.ConstructEventOptions{
		Tolerance:                g.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		g.logger(ctx, "stripe.signature.invalid", map[string]any{
			"error": err.Error(),
		})
		return Authenticated{}, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}

	auth := Authenticated{
		Provider:  g.Name(),
		Reference: event.ID,
	}
	code, ok := stripeEventCodes[event.Type]
	if !ok {
		auth.Ignored = true
		g.logger(ctx, "stripe.event.ignored", map[string]any{
			"eventId":   event.ID,
			"eventType": string(event.Type),
		})
		return auth, nil
	}
	auth.ResponseCode = strconv.Itoa(code)

	if event.Data != nil && len(event.Data.Raw) > 0 {
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err == nil {
			auth.InvoiceID = strings.TrimSpace(intent.Metadata[StripeOrderMetadataKey])
		}
	}

	g.logger(ctx, "stripe.event.verified", map[string]any{
		"eventId":   event.ID,
		"eventType": string(event.Type),
	})
	return auth, nil
}
